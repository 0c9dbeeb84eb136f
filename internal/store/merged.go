package store

import (
	"context"

	"github.com/wfunc/tabletop/internal/archive"
	"github.com/wfunc/tabletop/internal/models"
)

// MergedRoomStore 组合热存储与冷归档，对调用者呈现单一逻辑存储
// 仅存在于归档层的房间在读取时惰性回迁到热存储，之后的写入和订阅行为完全一致
type MergedRoomStore struct {
	hot     RoomStore
	archive archive.RoomArchive
}

// NewMergedRoomStore 创建合并存储
func NewMergedRoomStore(hot RoomStore, archive archive.RoomArchive) *MergedRoomStore {
	return &MergedRoomStore{hot: hot, archive: archive}
}

// hydrate 若房间只存在于归档层则回迁到热存储（幂等）
func (s *MergedRoomStore) hydrate(ctx context.Context, roomID string) error {
	data, err := s.hot.ReadForReplacement(ctx, roomID)
	if err != nil {
		return err
	}
	if data.ReplaceToken > 0 {
		return nil
	}

	actions, ok, err := s.archive.Load(ctx, roomID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	// WriteIfMissing保证与并发回迁方不会重复写入
	return s.hot.WriteIfMissing(ctx, roomID, actions)
}

// Read 按序返回拼接后的动作日志（必要时先从归档回迁）
func (s *MergedRoomStore) Read(ctx context.Context, roomID string) (models.ActionList, error) {
	if err := s.hydrate(ctx, roomID); err != nil {
		return nil, err
	}
	return s.hot.Read(ctx, roomID)
}

// AddRequest 追加请求并发布
func (s *MergedRoomStore) AddRequest(ctx context.Context, roomID string, req *models.Request) error {
	return s.hot.AddRequest(ctx, roomID, req)
}

// Changes 建立房间变更订阅
func (s *MergedRoomStore) Changes(ctx context.Context, roomID string) (Subscription, error) {
	return s.hot.Changes(ctx, roomID)
}

// AcquireReplacementLock 获取替换锁
func (s *MergedRoomStore) AcquireReplacementLock(ctx context.Context, ownerID string, force bool) (bool, error) {
	return s.hot.AcquireReplacementLock(ctx, ownerID, force)
}

// ReleaseReplacementLock 释放替换锁
func (s *MergedRoomStore) ReleaseReplacementLock(ctx context.Context, ownerID string) error {
	return s.hot.ReleaseReplacementLock(ctx, ownerID)
}

// ReadForReplacement 快照日志及围栏令牌（必要时先从归档回迁）
func (s *MergedRoomStore) ReadForReplacement(ctx context.Context, roomID string) (*ReplacementData, error) {
	if err := s.hydrate(ctx, roomID); err != nil {
		return nil, err
	}
	return s.hot.ReadForReplacement(ctx, roomID)
}

// Replace 围栏约束下覆盖日志
func (s *MergedRoomStore) Replace(ctx context.Context, roomID string, actions models.ActionList, token ReplaceToken, ownerID string) error {
	return s.hot.Replace(ctx, roomID, actions, token, ownerID)
}

// Delete 围栏约束下整体删除房间（热存储和归档层）
func (s *MergedRoomStore) Delete(ctx context.Context, roomID string, ownerID string, token ReplaceToken) error {
	if err := s.hot.Delete(ctx, roomID, ownerID, token); err != nil {
		return err
	}
	return s.archive.Delete(ctx, roomID)
}

// RoomIdleSeconds 返回房间空闲秒数
func (s *MergedRoomStore) RoomIdleSeconds(ctx context.Context, roomID string) (float64, error) {
	return s.hot.RoomIdleSeconds(ctx, roomID)
}

// WriteIfMissing 仅当房间不存在时写入
func (s *MergedRoomStore) WriteIfMissing(ctx context.Context, roomID string, actions models.ActionList) error {
	return s.hot.WriteIfMissing(ctx, roomID, actions)
}

// ListRooms 列出热存储中的全部房间ID
func (s *MergedRoomStore) ListRooms(ctx context.Context) ([]string, error) {
	return s.hot.ListRooms(ctx)
}

// Exists 房间是否存在于热存储或归档层（不触发回迁）
func (s *MergedRoomStore) Exists(ctx context.Context, roomID string) (bool, error) {
	data, err := s.hot.ReadForReplacement(ctx, roomID)
	if err != nil {
		return false, err
	}
	if data.ReplaceToken > 0 {
		return true, nil
	}
	_, ok, err := s.archive.Load(ctx, roomID)
	return ok, err
}
