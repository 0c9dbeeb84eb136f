package models

import (
	"time"
)

// ArchivedRoom 冷归档的房间（每房间一行，内容为JSON编码的动作批次）
type ArchivedRoom struct {
	RoomID     string    `gorm:"primaryKey;size:64" json:"room_id"`
	Actions    string    `gorm:"type:text" json:"actions"`
	ArchivedAt time.Time `gorm:"index" json:"archived_at"`
}

// TableName 指定表名
func (ArchivedRoom) TableName() string {
	return "archived_rooms"
}
