package store

import (
	"context"
	"sync"
	"time"

	"github.com/wfunc/tabletop/internal/errors"
	"github.com/wfunc/tabletop/internal/models"
)

// 默认锁参数
const (
	DefaultRoomLockExpiration    = 10 * time.Second
	DefaultReplacementLockExpiry = 20 * time.Minute // 压缩周期的两倍
)

// txLock 房间事务锁（带过期和代数）
// 代数用于在锁超时被抢占后丢弃迟到的提交结果
type txLock struct {
	heldGen  uint64
	deadline time.Time
	nextGen  uint64
}

// MemoryRoomStore 单进程内存房间存储
type MemoryRoomStore struct {
	mu       sync.Mutex
	rooms    map[string][]models.ActionList
	activity map[string]time.Time
	subs     map[string]map[*subscription]struct{}
	txLocks  map[string]*txLock

	replOwner    string
	replDeadline time.Time

	roomLockTTL time.Duration
	replLockTTL time.Duration

	// 测试注入的时钟
	now func() time.Time
}

// MemoryStoreOption 内存存储选项
type MemoryStoreOption func(*MemoryRoomStore)

// WithRoomLockExpiration 设置房间事务锁过期时间
func WithRoomLockExpiration(d time.Duration) MemoryStoreOption {
	return func(s *MemoryRoomStore) { s.roomLockTTL = d }
}

// WithReplacementLockExpiry 设置替换锁过期时间
func WithReplacementLockExpiry(d time.Duration) MemoryStoreOption {
	return func(s *MemoryRoomStore) { s.replLockTTL = d }
}

// WithClock 注入时钟（测试用）
func WithClock(now func() time.Time) MemoryStoreOption {
	return func(s *MemoryRoomStore) { s.now = now }
}

// NewMemoryRoomStore 创建内存房间存储
func NewMemoryRoomStore(opts ...MemoryStoreOption) *MemoryRoomStore {
	s := &MemoryRoomStore{
		rooms:       make(map[string][]models.ActionList),
		activity:    make(map[string]time.Time),
		subs:        make(map[string]map[*subscription]struct{}),
		txLocks:     make(map[string]*txLock),
		roomLockTTL: DefaultRoomLockExpiration,
		replLockTTL: DefaultReplacementLockExpiry,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// lockRoomLocked 获取房间事务锁（持有s.mu时调用）
// 已被持有且未过期时立即失败，不排队
func (s *MemoryRoomStore) lockRoomLocked(roomID string) (uint64, error) {
	l, ok := s.txLocks[roomID]
	if !ok {
		l = &txLock{}
		s.txLocks[roomID] = l
	}

	now := s.now()
	if l.heldGen != 0 && now.Before(l.deadline) {
		return 0, errors.Newf(errors.ErrTransactionFailed, "房间 %s 正在被其它调用者修改", roomID)
	}

	// 未持有或已过期，抢占并推进代数
	l.nextGen++
	l.heldGen = l.nextGen
	l.deadline = now.Add(s.roomLockTTL)
	return l.heldGen, nil
}

// roomLockValidLocked 检查事务锁是否仍由gen持有且未超时
func (s *MemoryRoomStore) roomLockValidLocked(roomID string, gen uint64) bool {
	l, ok := s.txLocks[roomID]
	if !ok {
		return false
	}
	return l.heldGen == gen && !s.now().After(l.deadline)
}

// unlockRoomLocked 释放房间事务锁
func (s *MemoryRoomStore) unlockRoomLocked(roomID string, gen uint64) {
	if l, ok := s.txLocks[roomID]; ok && l.heldGen == gen {
		l.heldGen = 0
	}
}

// Read 按序返回拼接后的动作日志并刷新活动时间
// 不存在的房间不产生活动记录
func (s *MemoryRoomStore) Read(ctx context.Context, roomID string) (models.ActionList, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rooms[roomID]; exists {
		s.activity[roomID] = s.now()
	}

	var actions models.ActionList
	for _, batch := range s.rooms[roomID] {
		actions = append(actions, batch...)
	}
	return actions, nil
}

// AddRequest 追加请求并向订阅者发布
// 房间事务锁在批次构造期间跨临界区持有：已被占用时立即失败，
// 持有超时被抢占后提交结果整体丢弃
func (s *MemoryRoomStore) AddRequest(ctx context.Context, roomID string, req *models.Request) error {
	s.mu.Lock()
	gen, err := s.lockRoomLocked(roomID)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	// 锁已持有，批次过滤在临界区外进行
	batch := req.PersistentActions()

	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.unlockRoomLocked(roomID, gen)

	// 提交前复核：锁超时被抢占的修改必须丢弃
	if !s.roomLockValidLocked(roomID, gen) {
		return errors.Newf(errors.ErrTransactionFailed, "房间 %s 的事务锁已过期，结果被丢弃", roomID)
	}

	if len(batch) > 0 {
		s.rooms[roomID] = append(s.rooms[roomID], batch)
	}
	s.activity[roomID] = s.now()

	// 追加与发布在同一临界区内完成，订阅者不会观察到间隙
	for sub := range s.subs[roomID] {
		sub.deliver(req)
	}
	return nil
}

// Changes 建立房间变更订阅
func (s *MemoryRoomStore) Changes(ctx context.Context, roomID string) (Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sub *subscription
	sub = newSubscription(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if set, ok := s.subs[roomID]; ok {
			delete(set, sub)
			if len(set) == 0 {
				delete(s.subs, roomID)
			}
		}
	})

	if s.subs[roomID] == nil {
		s.subs[roomID] = make(map[*subscription]struct{})
	}
	s.subs[roomID][sub] = struct{}{}
	return sub, nil
}

// AcquireReplacementLock 获取全store范围的替换锁
func (s *MemoryRoomStore) AcquireReplacementLock(ctx context.Context, ownerID string, force bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if force || s.replOwner == "" || s.replOwner == ownerID || now.After(s.replDeadline) {
		s.replOwner = ownerID
		s.replDeadline = now.Add(s.replLockTTL)
		return true, nil
	}
	return false, nil
}

// ReleaseReplacementLock 释放替换锁
func (s *MemoryRoomStore) ReleaseReplacementLock(ctx context.Context, ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.replOwner == ownerID {
		s.replOwner = ""
		s.replDeadline = time.Time{}
	}
	return nil
}

// replacementHeldLocked 检查ownerID是否仍持有未过期的替换锁
func (s *MemoryRoomStore) replacementHeldLocked(ownerID string) bool {
	return s.replOwner == ownerID && !s.now().After(s.replDeadline)
}

// ReadForReplacement 快照日志及围栏令牌
func (s *MemoryRoomStore) ReadForReplacement(ctx context.Context, roomID string) (*ReplacementData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	batches := s.rooms[roomID]
	var actions models.ActionList
	for _, batch := range batches {
		actions = append(actions, batch...)
	}
	return &ReplacementData{
		Actions:      actions,
		ReplaceToken: ReplaceToken(len(batches)),
	}, nil
}

// Replace 围栏约束下用actions覆盖日志
func (s *MemoryRoomStore) Replace(ctx context.Context, roomID string, actions models.ActionList, token ReplaceToken, ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.replacementHeldLocked(ownerID) {
		return errors.Newf(errors.ErrLockNotHeld, "替换锁不再由 %s 持有", ownerID)
	}
	if ReplaceToken(len(s.rooms[roomID])) != token {
		return errors.Newf(errors.ErrStaleToken, "房间 %s 在读取后被并发写入", roomID)
	}

	if len(actions) == 0 {
		delete(s.rooms, roomID)
	} else {
		s.rooms[roomID] = []models.ActionList{actions}
	}
	return nil
}

// Delete 围栏约束下整体删除房间
func (s *MemoryRoomStore) Delete(ctx context.Context, roomID string, ownerID string, token ReplaceToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.replacementHeldLocked(ownerID) {
		return errors.Newf(errors.ErrLockNotHeld, "替换锁不再由 %s 持有", ownerID)
	}
	if ReplaceToken(len(s.rooms[roomID])) != token {
		return errors.Newf(errors.ErrStaleToken, "房间 %s 在读取后被并发写入", roomID)
	}

	delete(s.rooms, roomID)
	delete(s.activity, roomID)
	return nil
}

// RoomIdleSeconds 返回房间空闲秒数
func (s *MemoryRoomStore) RoomIdleSeconds(ctx context.Context, roomID string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts, ok := s.activity[roomID]
	if !ok {
		return 0, errors.Newf(errors.ErrNoSuchRoom, "房间 %s 不存在", roomID)
	}
	return s.now().Sub(ts).Seconds(), nil
}

// WriteIfMissing 仅当房间不存在时写入
func (s *MemoryRoomStore) WriteIfMissing(ctx context.Context, roomID string, actions models.ActionList) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rooms[roomID]; exists || len(actions) == 0 {
		return nil
	}
	s.rooms[roomID] = []models.ActionList{actions}
	s.activity[roomID] = s.now()
	return nil
}

// ListRooms 列出全部房间ID
func (s *MemoryRoomStore) ListRooms(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rooms := make([]string, 0, len(s.rooms))
	for roomID := range s.rooms {
		rooms = append(rooms, roomID)
	}
	return rooms, nil
}
