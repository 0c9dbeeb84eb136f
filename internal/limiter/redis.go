package limiter

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/wfunc/tabletop/internal/errors"
	"go.uber.org/zap"
)

// Redis键布局
const (
	connsKeyPrefix = "ratelimit:conns:" // 每进程一个哈希，字段为 user:{id} / room:{id}
	aliveKeyPrefix = "ratelimit:alive:" // 每进程一个带TTL的存活标记
	roomsKeyPrefix = "ratelimit:rooms:" // 每用户一个建房时间戳ZSET
)

// acquireScript 原子获取连接槽位
// 扫描所有进程的预留哈希，惰性回收失活进程，汇总后有条件递增
// 返回 0=成功 1=用户超限 2=房间超限
var acquireScript = redis.NewScript(`
local connsPrefix = ARGV[1]
local alivePrefix = ARGV[2]
local userField = ARGV[3]
local roomField = ARGV[4]
local maxUser = tonumber(ARGV[5])
local maxRoom = tonumber(ARGV[6])

local userTotal = 0
local roomTotal = 0
local hashes = redis.call('KEYS', connsPrefix .. '*')
for _, key in ipairs(hashes) do
    local server = string.sub(key, string.len(connsPrefix) + 1)
    if redis.call('EXISTS', alivePrefix .. server) == 0 then
        -- 进程失活，回收其全部预留
        redis.call('DEL', key)
    else
        local u = redis.call('HGET', key, userField)
        if u then userTotal = userTotal + tonumber(u) end
        local r = redis.call('HGET', key, roomField)
        if r then roomTotal = roomTotal + tonumber(r) end
    end
end

if userTotal >= maxUser then
    return 1
end
if roomTotal >= maxRoom then
    return 2
end

redis.call('HINCRBY', KEYS[1], userField, 1)
redis.call('HINCRBY', KEYS[1], roomField, 1)
return 0
`)

// releaseScript 原子释放连接槽位（下限为零）
var releaseScript = redis.NewScript(`
for i = 1, 2 do
    local field = ARGV[i]
    local v = tonumber(redis.call('HGET', KEYS[1], field) or '0')
    if v > 1 then
        redis.call('HSET', KEYS[1], field, v - 1)
    else
        redis.call('HDEL', KEYS[1], field)
    end
end
return 0
`)

// newRoomScript 滑动窗口建房限流
// 返回 0=成功 1=超限
var newRoomScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', KEYS[1], 0, now - window)
if redis.call('ZCARD', KEYS[1]) >= max then
    return 1
end
redis.call('ZADD', KEYS[1], now, ARGV[4])
redis.call('PEXPIRE', KEYS[1], window)
return 0
`)

// RedisRateLimiter 基于共享Redis的跨进程限流器
type RedisRateLimiter struct {
	rdb      *redis.Client
	limits   Limits
	serverID string
	logger   *zap.Logger
}

// NewRedisRateLimiter 创建Redis限流器
func NewRedisRateLimiter(rdb *redis.Client, limits Limits, logger *zap.Logger) *RedisRateLimiter {
	return &RedisRateLimiter{
		rdb:      rdb,
		limits:   limits,
		serverID: uuid.New().String(),
		logger:   logger,
	}
}

// ServerID 返回本进程标识
func (l *RedisRateLimiter) ServerID() string {
	return l.serverID
}

func (l *RedisRateLimiter) connsKey() string {
	return connsKeyPrefix + l.serverID
}

func (l *RedisRateLimiter) aliveKey() string {
	return aliveKeyPrefix + l.serverID
}

func userField(userID string) string {
	return "user:" + userID
}

func roomField(roomID string) string {
	return "room:" + roomID
}

// AcquireConnection 原子预留连接槽位
func (l *RedisRateLimiter) AcquireConnection(ctx context.Context, userID, roomID string) error {
	result, err := acquireScript.Run(ctx, l.rdb,
		[]string{l.connsKey()},
		connsKeyPrefix, aliveKeyPrefix,
		userField(userID), roomField(roomID),
		l.limits.MaxConnectionsPerUser, l.limits.MaxConnectionsPerRoom,
	).Int()
	if err != nil {
		return errors.Wrap(err, errors.ErrStoreUnavailable, "获取连接槽位失败")
	}

	switch result {
	case 1:
		return errors.Newf(errors.ErrTooManyConnections, "用户 %s 连接数已达上限 %d", userID, l.limits.MaxConnectionsPerUser)
	case 2:
		return errors.Newf(errors.ErrRoomFull, "房间 %s 连接数已达上限 %d", roomID, l.limits.MaxConnectionsPerRoom)
	}
	return nil
}

// ReleaseConnection 原子释放连接槽位
func (l *RedisRateLimiter) ReleaseConnection(ctx context.Context, userID, roomID string) error {
	err := releaseScript.Run(ctx, l.rdb,
		[]string{l.connsKey()},
		userField(userID), roomField(roomID),
	).Err()
	if err != nil {
		return errors.Wrap(err, errors.ErrStoreUnavailable, "释放连接槽位失败")
	}
	return nil
}

// WithConnection 作用域式获取连接槽位
func (l *RedisRateLimiter) WithConnection(ctx context.Context, userID, roomID string, fn func() error) error {
	if err := l.AcquireConnection(ctx, userID, roomID); err != nil {
		return err
	}
	defer func() {
		if err := l.ReleaseConnection(ctx, userID, roomID); err != nil {
			l.logger.Error("释放连接槽位失败",
				zap.String("user_id", userID),
				zap.String("room_id", roomID),
				zap.Error(err))
		}
	}()
	return fn()
}

// AcquireNewRoom 递增滑动窗口建房计数
func (l *RedisRateLimiter) AcquireNewRoom(ctx context.Context, userID string) error {
	now := time.Now().UnixMilli()
	member := fmt.Sprintf("%d-%s", now, uuid.New().String())

	result, err := newRoomScript.Run(ctx, l.rdb,
		[]string{roomsKeyPrefix + userID},
		now, l.limits.RoomCreationWindow.Milliseconds(), l.limits.MaxRoomsPerWindow, member,
	).Int()
	if err != nil {
		return errors.Wrap(err, errors.ErrStoreUnavailable, "获取建房额度失败")
	}
	if result == 1 {
		return errors.Newf(errors.ErrTooManyRoomsCreated, "用户 %s 建房过于频繁", userID)
	}
	return nil
}

// RefreshServerLiveness 刷新本进程的存活标记
func (l *RedisRateLimiter) RefreshServerLiveness(ctx context.Context) error {
	err := l.rdb.Set(ctx, l.aliveKey(), "1", l.limits.ServerLivenessExpiry).Err()
	if err != nil {
		return errors.Wrap(err, errors.ErrStoreUnavailable, "刷新存活标记失败")
	}
	return nil
}

// TotalConnections 汇总所有存活进程的连接数
func (l *RedisRateLimiter) TotalConnections(ctx context.Context) (int, error) {
	var (
		total  int
		cursor uint64
	)
	for {
		keys, next, err := l.rdb.Scan(ctx, cursor, connsKeyPrefix+"*", 100).Result()
		if err != nil {
			return 0, errors.Wrap(err, errors.ErrStoreUnavailable, "扫描连接计数失败")
		}

		for _, key := range keys {
			server := strings.TrimPrefix(key, connsKeyPrefix)
			alive, err := l.rdb.Exists(ctx, aliveKeyPrefix+server).Result()
			if err != nil {
				return 0, errors.Wrap(err, errors.ErrStoreUnavailable, "检查进程存活失败")
			}
			if alive == 0 {
				continue
			}

			fields, err := l.rdb.HGetAll(ctx, key).Result()
			if err != nil {
				return 0, errors.Wrap(err, errors.ErrStoreUnavailable, "读取连接计数失败")
			}
			// 用户字段之和即连接总数（每个连接同时占一个用户槽位和一个房间槽位）
			for field, value := range fields {
				if strings.HasPrefix(field, "user:") {
					n, err := strconv.Atoi(value)
					if err != nil {
						continue
					}
					total += n
				}
			}
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}
	return total, nil
}
