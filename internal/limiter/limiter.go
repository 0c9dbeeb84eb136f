package limiter

import (
	"context"
	"time"
)

// 默认限流参数
const (
	DefaultMaxConnectionsPerUser = 10
	DefaultMaxConnectionsPerRoom = 20
	DefaultMaxRoomsPerWindow     = 50
	DefaultRoomCreationWindow    = 10 * time.Minute
	DefaultServerLivenessExpiry  = 10 * time.Minute
)

// Limits 限流参数
type Limits struct {
	MaxConnectionsPerUser int
	MaxConnectionsPerRoom int
	MaxRoomsPerWindow     int
	RoomCreationWindow    time.Duration
	ServerLivenessExpiry  time.Duration
}

// DefaultLimits 返回默认限流参数
func DefaultLimits() Limits {
	return Limits{
		MaxConnectionsPerUser: DefaultMaxConnectionsPerUser,
		MaxConnectionsPerRoom: DefaultMaxConnectionsPerRoom,
		MaxRoomsPerWindow:     DefaultMaxRoomsPerWindow,
		RoomCreationWindow:    DefaultRoomCreationWindow,
		ServerLivenessExpiry:  DefaultServerLivenessExpiry,
	}
}

// RateLimiter 分布式限流器接口
// 同一契约由单进程内存实现和跨进程Redis实现共同遵守
type RateLimiter interface {
	// AcquireConnection 为用户和房间各预留一个全局连接槽位
	// 用户检查先于房间检查；用户超限返回ErrTooManyConnections，房间超限返回ErrRoomFull
	AcquireConnection(ctx context.Context, userID, roomID string) error

	// ReleaseConnection 释放一次预留；没有预留时不报错
	ReleaseConnection(ctx context.Context, userID, roomID string) error

	// WithConnection 作用域式获取：先预留，执行回调，任何退出路径都释放
	WithConnection(ctx context.Context, userID, roomID string, fn func() error) error

	// AcquireNewRoom 递增用户的滑动窗口建房计数；超限返回ErrTooManyRoomsCreated
	AcquireNewRoom(ctx context.Context, userID string) error

	// RefreshServerLiveness 标记本进程的全部预留仍然有效
	// 需要以约 ServerLivenessExpiry/3 的周期调用；停止刷新的进程
	// 其预留会被后续的Acquire扫描惰性回收
	RefreshServerLiveness(ctx context.Context) error

	// TotalConnections 汇总所有存活进程的连接数
	TotalConnections(ctx context.Context) (int, error)
}
