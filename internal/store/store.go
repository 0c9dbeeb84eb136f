package store

import (
	"context"
	"sync"

	"github.com/wfunc/tabletop/internal/models"
)

// ReplaceToken 乐观并发围栏令牌
// 由ReadForReplacement签发（日志批次数），Replace/Delete必须原样回传
type ReplaceToken int64

// ReplacementData 替换读取的快照结果
type ReplacementData struct {
	Actions      models.ActionList
	ReplaceToken ReplaceToken
}

// Subscription 房间变更订阅
// 每个调用者独立一份；关闭后不再投递
type Subscription interface {
	// Requests 返回变更请求通道（按追加顺序投递）
	Requests() <-chan *models.Request
	// Close 取消订阅
	Close() error
}

// RoomStore 房间日志存储接口
// 持久化的基本单位是请求的动作批次；当前状态总是可以按序折叠日志得到
type RoomStore interface {
	// Read 按序返回拼接后的动作日志，同时刷新房间活动时间
	Read(ctx context.Context, roomID string) (models.ActionList, error)

	// AddRequest 追加请求中需落盘的动作，并原子地向所有订阅者发布完整请求
	// （含ping动作）；追加与发布之间不允许出现可观察的间隙
	AddRequest(ctx context.Context, roomID string, req *models.Request) error

	// Changes 建立对房间变更的独立订阅；返回时订阅已生效，
	// 之后发布的每个请求都不会丢失
	Changes(ctx context.Context, roomID string) (Subscription, error)

	// AcquireReplacementLock 获取全store范围的替换锁（压缩串行化用）
	// force为true时无条件抢占；锁自动过期以容忍持有者崩溃
	AcquireReplacementLock(ctx context.Context, ownerID string, force bool) (bool, error)

	// ReleaseReplacementLock 释放替换锁（仅持有者可释放，非持有者不报错）
	ReleaseReplacementLock(ctx context.Context, ownerID string) error

	// ReadForReplacement 快照当前日志及围栏令牌，不产生任何副作用
	ReadForReplacement(ctx context.Context, roomID string) (*ReplacementData, error)

	// Replace 仅当ownerID仍持有替换锁且日志长度与令牌一致时，
	// 原子地用actions覆盖日志；否则无部分效果地失败
	Replace(ctx context.Context, roomID string, actions models.ActionList, token ReplaceToken, ownerID string) error

	// Delete 同样的围栏约束下整体删除房间（含活动时间戳）
	Delete(ctx context.Context, roomID string, ownerID string, token ReplaceToken) error

	// RoomIdleSeconds 返回距最近一次Read/AddRequest的秒数
	// 房间已被并发删除时返回ErrNoSuchRoom
	RoomIdleSeconds(ctx context.Context, roomID string) (float64, error)

	// WriteIfMissing 仅当房间在热存储中不存在时写入（归档回迁用）
	WriteIfMissing(ctx context.Context, roomID string, actions models.ActionList) error

	// ListRooms 列出热存储中的全部房间ID
	ListRooms(ctx context.Context) ([]string, error)
}

// subscription 基础订阅实现（内存/Redis共用的本地扇出端点）
// 内部维护无界队列，发布方永不阻塞；订阅关闭后的投递被丢弃而不报错
type subscription struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []*models.Request
	out     chan *models.Request
	closed  bool
	done    chan struct{}
	onClose func()
}

func newSubscription(onClose func()) *subscription {
	s := &subscription{
		out:     make(chan *models.Request, 16),
		done:    make(chan struct{}),
		onClose: onClose,
	}
	s.cond = sync.NewCond(&s.mu)
	go s.pump()
	return s
}

// pump 将队列中的请求按序搬运到输出通道
func (s *subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		req := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- req:
		case <-s.done:
			return
		}
	}
}

// Requests 返回变更请求通道
func (s *subscription) Requests() <-chan *models.Request {
	return s.out
}

// Close 取消订阅
func (s *subscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	s.cond.Signal()
	s.mu.Unlock()

	if s.onClose != nil {
		s.onClose()
	}
	return nil
}

// deliver 投递请求
func (s *subscription) deliver(req *models.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.queue = append(s.queue, req)
	s.cond.Signal()
}
