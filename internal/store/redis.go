package store

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/wfunc/tabletop/internal/errors"
	"github.com/wfunc/tabletop/internal/models"
	"go.uber.org/zap"
)

// Redis键布局
const (
	roomLogSuffix      = ":log"
	roomActivitySuffix = ":activity"
	roomChangesSuffix  = ":changes"
	roomKeyPrefix      = "room:"
	replacementLockKey = "compaction:lock"
)

func roomLogKey(roomID string) string {
	return roomKeyPrefix + roomID + roomLogSuffix
}

func roomActivityKey(roomID string) string {
	return roomKeyPrefix + roomID + roomActivitySuffix
}

func roomChannel(roomID string) string {
	return roomKeyPrefix + roomID + roomChangesSuffix
}

// readScript 读取日志并刷新活动时间，房间不存在时不写活动键
var readScript = redis.NewScript(`
local items = redis.call('LRANGE', KEYS[1], 0, -1)
if #items > 0 then
    redis.call('SET', KEYS[2], ARGV[1])
end
return items
`)

// addRequestScript 追加批次、刷新活动时间并发布完整请求，单步原子完成
var addRequestScript = redis.NewScript(`
if ARGV[1] ~= '' then
    redis.call('RPUSH', KEYS[1], ARGV[1])
end
redis.call('SET', KEYS[2], ARGV[2])
redis.call('PUBLISH', ARGV[3], ARGV[4])
return redis.call('LLEN', KEYS[1])
`)

// replaceScript 围栏检查通过后整体覆盖日志
// 返回 0=成功 1=未持有锁 2=令牌过期
var replaceScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) ~= ARGV[1] then
    return 1
end
if redis.call('LLEN', KEYS[2]) ~= tonumber(ARGV[2]) then
    return 2
end
redis.call('DEL', KEYS[2])
if ARGV[3] ~= '' then
    redis.call('RPUSH', KEYS[2], ARGV[3])
end
return 0
`)

// deleteScript 围栏检查通过后删除房间（日志和活动时间戳）
var deleteScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) ~= ARGV[1] then
    return 1
end
if redis.call('LLEN', KEYS[2]) ~= tonumber(ARGV[2]) then
    return 2
end
redis.call('DEL', KEYS[2])
redis.call('DEL', KEYS[3])
return 0
`)

// acquireLockScript 获取替换锁（SET NX语义加持有者续期和强制抢占）
var acquireLockScript = redis.NewScript(`
if ARGV[3] == '1' then
    redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
    return 1
end
local cur = redis.call('GET', KEYS[1])
if cur == false or cur == ARGV[1] then
    redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
    return 1
end
return 0
`)

// releaseLockScript 仅持有者可释放
var releaseLockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
    redis.call('DEL', KEYS[1])
end
return 0
`)

// writeIfMissingScript 房间不存在时才写入（归档回迁）
var writeIfMissingScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
    return 0
end
redis.call('RPUSH', KEYS[1], ARGV[1])
redis.call('SET', KEYS[2], ARGV[2])
return 1
`)

// roomSubs 单个房间的底层订阅及本地扇出端点
type roomSubs struct {
	pubsub *redis.PubSub
	subs   map[*subscription]struct{}
}

// RedisRoomStore 基于共享Redis的房间存储
type RedisRoomStore struct {
	rdb         *redis.Client
	logger      *zap.Logger
	replLockTTL time.Duration

	mu       sync.Mutex
	roomSubs map[string]*roomSubs
}

// NewRedisRoomStore 创建Redis房间存储
// replLockTTL应为压缩周期的两倍，以容忍压缩进程崩溃
func NewRedisRoomStore(rdb *redis.Client, replLockTTL time.Duration, logger *zap.Logger) *RedisRoomStore {
	return &RedisRoomStore{
		rdb:         rdb,
		logger:      logger,
		replLockTTL: replLockTTL,
		roomSubs:    make(map[string]*roomSubs),
	}
}

// decodeBatches 解码日志批次并拼接为单个动作列表
// 损坏的批次跳过并记录，不影响其余数据加载
func (s *RedisRoomStore) decodeBatches(roomID string, raw []string) models.ActionList {
	var actions models.ActionList
	for i, item := range raw {
		var batch models.ActionList
		if err := json.Unmarshal([]byte(item), &batch); err != nil {
			s.logger.Warn("跳过损坏的日志批次",
				zap.String("room_id", roomID),
				zap.Int("index", i),
				zap.Error(err))
			continue
		}
		actions = append(actions, batch...)
	}
	return actions
}

func nowMillis() string {
	return strconv.FormatInt(time.Now().UnixMilli(), 10)
}

// Read 按序返回拼接后的动作日志并刷新活动时间
// 不存在的房间不产生孤立的活动键
func (s *RedisRoomStore) Read(ctx context.Context, roomID string) (models.ActionList, error) {
	raw, err := readScript.Run(ctx, s.rdb,
		[]string{roomLogKey(roomID), roomActivityKey(roomID)},
		nowMillis(),
	).StringSlice()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrStoreUnavailable, "读取房间日志失败")
	}
	return s.decodeBatches(roomID, raw), nil
}

// AddRequest 追加请求并原子发布
func (s *RedisRoomStore) AddRequest(ctx context.Context, roomID string, req *models.Request) error {
	batch := ""
	if persistent := req.PersistentActions(); len(persistent) > 0 {
		data, err := json.Marshal(persistent)
		if err != nil {
			return errors.Wrap(err, errors.ErrInvalidRequest, "编码动作批次失败")
		}
		batch = string(data)
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return errors.Wrap(err, errors.ErrInvalidRequest, "编码请求失败")
	}

	err = addRequestScript.Run(ctx, s.rdb,
		[]string{roomLogKey(roomID), roomActivityKey(roomID)},
		batch, nowMillis(), roomChannel(roomID), string(payload),
	).Err()
	if err != nil {
		return errors.Wrap(err, errors.ErrStoreUnavailable, "追加请求失败")
	}
	return nil
}

// Changes 建立房间变更订阅
// 返回前确认底层SUBSCRIBE已生效，之后发布的请求不会丢失
func (s *RedisRoomStore) Changes(ctx context.Context, roomID string) (Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.roomSubs[roomID]
	if !ok {
		pubsub := s.rdb.Subscribe(context.Background(), roomChannel(roomID))
		// 等待订阅确认
		if _, err := pubsub.Receive(ctx); err != nil {
			pubsub.Close()
			return nil, errors.Wrap(err, errors.ErrStoreUnavailable, "订阅房间变更失败")
		}

		entry = &roomSubs{
			pubsub: pubsub,
			subs:   make(map[*subscription]struct{}),
		}
		s.roomSubs[roomID] = entry
		go s.fanOut(roomID, entry)
	}

	var sub *subscription
	sub = newSubscription(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		cur, ok := s.roomSubs[roomID]
		if !ok {
			return
		}
		delete(cur.subs, sub)
		// 最后一个订阅者离开时拆除底层订阅
		if len(cur.subs) == 0 {
			cur.pubsub.Close()
			delete(s.roomSubs, roomID)
		}
	})
	entry.subs[sub] = struct{}{}
	return sub, nil
}

// fanOut 将底层频道的消息分发到本地订阅端点
func (s *RedisRoomStore) fanOut(roomID string, entry *roomSubs) {
	for msg := range entry.pubsub.Channel() {
		var req models.Request
		if err := json.Unmarshal([]byte(msg.Payload), &req); err != nil {
			s.logger.Warn("跳过无法解码的变更消息",
				zap.String("room_id", roomID),
				zap.Error(err))
			continue
		}

		s.mu.Lock()
		for sub := range entry.subs {
			sub.deliver(&req)
		}
		s.mu.Unlock()
	}
}

// AcquireReplacementLock 获取全store范围的替换锁
func (s *RedisRoomStore) AcquireReplacementLock(ctx context.Context, ownerID string, force bool) (bool, error) {
	forceArg := "0"
	if force {
		forceArg = "1"
	}
	result, err := acquireLockScript.Run(ctx, s.rdb,
		[]string{replacementLockKey},
		ownerID, s.replLockTTL.Milliseconds(), forceArg,
	).Int()
	if err != nil {
		return false, errors.Wrap(err, errors.ErrStoreUnavailable, "获取替换锁失败")
	}
	return result == 1, nil
}

// ReleaseReplacementLock 释放替换锁
func (s *RedisRoomStore) ReleaseReplacementLock(ctx context.Context, ownerID string) error {
	err := releaseLockScript.Run(ctx, s.rdb, []string{replacementLockKey}, ownerID).Err()
	if err != nil {
		return errors.Wrap(err, errors.ErrStoreUnavailable, "释放替换锁失败")
	}
	return nil
}

// ReadForReplacement 快照日志及围栏令牌
func (s *RedisRoomStore) ReadForReplacement(ctx context.Context, roomID string) (*ReplacementData, error) {
	raw, err := s.rdb.LRange(ctx, roomLogKey(roomID), 0, -1).Result()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrStoreUnavailable, "快照房间日志失败")
	}
	return &ReplacementData{
		Actions:      s.decodeBatches(roomID, raw),
		ReplaceToken: ReplaceToken(len(raw)),
	}, nil
}

// Replace 围栏约束下用actions覆盖日志
func (s *RedisRoomStore) Replace(ctx context.Context, roomID string, actions models.ActionList, token ReplaceToken, ownerID string) error {
	batch := ""
	if len(actions) > 0 {
		data, err := json.Marshal(actions)
		if err != nil {
			return errors.Wrap(err, errors.ErrInvalidParam, "编码动作批次失败")
		}
		batch = string(data)
	}

	result, err := replaceScript.Run(ctx, s.rdb,
		[]string{replacementLockKey, roomLogKey(roomID)},
		ownerID, int64(token), batch,
	).Int()
	if err != nil {
		return errors.Wrap(err, errors.ErrStoreUnavailable, "替换房间日志失败")
	}

	switch result {
	case 1:
		return errors.Newf(errors.ErrLockNotHeld, "替换锁不再由 %s 持有", ownerID)
	case 2:
		return errors.Newf(errors.ErrStaleToken, "房间 %s 在读取后被并发写入", roomID)
	}
	return nil
}

// Delete 围栏约束下整体删除房间
func (s *RedisRoomStore) Delete(ctx context.Context, roomID string, ownerID string, token ReplaceToken) error {
	result, err := deleteScript.Run(ctx, s.rdb,
		[]string{replacementLockKey, roomLogKey(roomID), roomActivityKey(roomID)},
		ownerID, int64(token),
	).Int()
	if err != nil {
		return errors.Wrap(err, errors.ErrStoreUnavailable, "删除房间失败")
	}

	switch result {
	case 1:
		return errors.Newf(errors.ErrLockNotHeld, "替换锁不再由 %s 持有", ownerID)
	case 2:
		return errors.Newf(errors.ErrStaleToken, "房间 %s 在读取后被并发写入", roomID)
	}
	return nil
}

// RoomIdleSeconds 返回房间空闲秒数
func (s *RedisRoomStore) RoomIdleSeconds(ctx context.Context, roomID string) (float64, error) {
	val, err := s.rdb.Get(ctx, roomActivityKey(roomID)).Result()
	if err == redis.Nil {
		return 0, errors.Newf(errors.ErrNoSuchRoom, "房间 %s 不存在", roomID)
	}
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrStoreUnavailable, "读取活动时间失败")
	}

	millis, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrStoreUnavailable, "活动时间格式无效")
	}
	return float64(time.Now().UnixMilli()-millis) / 1000, nil
}

// WriteIfMissing 仅当房间不存在时写入
func (s *RedisRoomStore) WriteIfMissing(ctx context.Context, roomID string, actions models.ActionList) error {
	if len(actions) == 0 {
		return nil
	}
	data, err := json.Marshal(actions)
	if err != nil {
		return errors.Wrap(err, errors.ErrInvalidParam, "编码动作批次失败")
	}

	err = writeIfMissingScript.Run(ctx, s.rdb,
		[]string{roomLogKey(roomID), roomActivityKey(roomID)},
		string(data), nowMillis(),
	).Err()
	if err != nil {
		return errors.Wrap(err, errors.ErrStoreUnavailable, "写入房间失败")
	}
	return nil
}

// ListRooms 列出全部房间ID
func (s *RedisRoomStore) ListRooms(ctx context.Context) ([]string, error) {
	var (
		rooms  []string
		cursor uint64
	)
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, roomKeyPrefix+"*"+roomLogSuffix, 100).Result()
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrStoreUnavailable, "扫描房间失败")
		}
		for _, key := range keys {
			roomID := strings.TrimSuffix(strings.TrimPrefix(key, roomKeyPrefix), roomLogSuffix)
			rooms = append(rooms, roomID)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return rooms, nil
}
