package limiter

import (
	"context"
	"sync"
	"time"

	"github.com/wfunc/tabletop/internal/errors"
)

// MemoryRateLimiter 单进程内存限流器
type MemoryRateLimiter struct {
	mu            sync.Mutex
	limits        Limits
	userConns     map[string]int
	roomConns     map[string]int
	roomCreations map[string][]time.Time

	// 测试注入的时钟
	now func() time.Time
}

// NewMemoryRateLimiter 创建内存限流器
func NewMemoryRateLimiter(limits Limits) *MemoryRateLimiter {
	return &MemoryRateLimiter{
		limits:        limits,
		userConns:     make(map[string]int),
		roomConns:     make(map[string]int),
		roomCreations: make(map[string][]time.Time),
		now:           time.Now,
	}
}

// AcquireConnection 预留连接槽位
func (l *MemoryRateLimiter) AcquireConnection(ctx context.Context, userID, roomID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	// 用户检查必须先于房间检查
	if l.userConns[userID] >= l.limits.MaxConnectionsPerUser {
		return errors.Newf(errors.ErrTooManyConnections, "用户 %s 连接数已达上限 %d", userID, l.limits.MaxConnectionsPerUser)
	}
	if l.roomConns[roomID] >= l.limits.MaxConnectionsPerRoom {
		return errors.Newf(errors.ErrRoomFull, "房间 %s 连接数已达上限 %d", roomID, l.limits.MaxConnectionsPerRoom)
	}

	l.userConns[userID]++
	l.roomConns[roomID]++
	return nil
}

// ReleaseConnection 释放连接槽位（多余的释放不报错）
func (l *MemoryRateLimiter) ReleaseConnection(ctx context.Context, userID, roomID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.userConns[userID] > 1 {
		l.userConns[userID]--
	} else {
		delete(l.userConns, userID)
	}
	if l.roomConns[roomID] > 1 {
		l.roomConns[roomID]--
	} else {
		delete(l.roomConns, roomID)
	}
	return nil
}

// WithConnection 作用域式获取连接槽位
func (l *MemoryRateLimiter) WithConnection(ctx context.Context, userID, roomID string, fn func() error) error {
	if err := l.AcquireConnection(ctx, userID, roomID); err != nil {
		return err
	}
	defer l.ReleaseConnection(ctx, userID, roomID)
	return fn()
}

// AcquireNewRoom 递增滑动窗口建房计数
func (l *MemoryRateLimiter) AcquireNewRoom(ctx context.Context, userID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.limits.RoomCreationWindow)

	// 滑动窗口：丢弃过期记录
	recent := l.roomCreations[userID][:0]
	for _, t := range l.roomCreations[userID] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= l.limits.MaxRoomsPerWindow {
		l.roomCreations[userID] = recent
		return errors.Newf(errors.ErrTooManyRoomsCreated, "用户 %s 在窗口内创建了 %d 个房间", userID, len(recent))
	}

	l.roomCreations[userID] = append(recent, now)
	return nil
}

// RefreshServerLiveness 单进程实现无需刷新存活状态
func (l *MemoryRateLimiter) RefreshServerLiveness(ctx context.Context) error {
	return nil
}

// TotalConnections 返回当前连接总数
func (l *MemoryRateLimiter) TotalConnections(ctx context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	total := 0
	for _, n := range l.userConns {
		total += n
	}
	return total, nil
}
