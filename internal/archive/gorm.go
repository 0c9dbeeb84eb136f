package archive

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"time"

	"github.com/wfunc/tabletop/internal/errors"
	"github.com/wfunc/tabletop/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormArchive 基于GORM的归档实现（sqlite/mysql/postgres）
type GormArchive struct {
	db *gorm.DB
}

// NewGormArchive 创建GORM归档
func NewGormArchive(db *gorm.DB) *GormArchive {
	return &GormArchive{db: db}
}

// Load 读取归档的房间
func (a *GormArchive) Load(ctx context.Context, roomID string) (models.ActionList, bool, error) {
	var row models.ArchivedRoom
	err := a.db.WithContext(ctx).Where("room_id = ?", roomID).First(&row).Error
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, errors.ErrArchiveFailed, "读取归档房间失败")
	}

	var actions models.ActionList
	if err := json.Unmarshal([]byte(row.Actions), &actions); err != nil {
		return nil, false, errors.Wrapf(err, errors.ErrArchiveFailed, "解码归档房间 %s 失败", roomID)
	}
	return actions, true, nil
}

// Store 写入或覆盖归档的房间
func (a *GormArchive) Store(ctx context.Context, roomID string, actions models.ActionList) error {
	data, err := json.Marshal(actions)
	if err != nil {
		return errors.Wrap(err, errors.ErrArchiveFailed, "编码归档房间失败")
	}

	row := models.ArchivedRoom{
		RoomID:     roomID,
		Actions:    string(data),
		ArchivedAt: time.Now(),
	}
	err = a.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "room_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"actions", "archived_at"}),
	}).Create(&row).Error
	if err != nil {
		return errors.Wrap(err, errors.ErrArchiveFailed, "写入归档房间失败")
	}
	return nil
}

// Delete 删除归档的房间
func (a *GormArchive) Delete(ctx context.Context, roomID string) error {
	err := a.db.WithContext(ctx).Where("room_id = ?", roomID).Delete(&models.ArchivedRoom{}).Error
	if err != nil {
		return errors.Wrap(err, errors.ErrArchiveFailed, "删除归档房间失败")
	}
	return nil
}

// ListRooms 列出全部归档房间ID
func (a *GormArchive) ListRooms(ctx context.Context) ([]string, error) {
	var ids []string
	err := a.db.WithContext(ctx).Model(&models.ArchivedRoom{}).Pluck("room_id", &ids).Error
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrArchiveFailed, "列出归档房间失败")
	}
	return ids, nil
}
