package compactor

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/wfunc/tabletop/internal/archive"
	"github.com/wfunc/tabletop/internal/errors"
	"github.com/wfunc/tabletop/internal/models"
	"github.com/wfunc/tabletop/internal/store"
	"go.uber.org/zap"
)

// Options 压缩器选项
type Options struct {
	// Interval 两轮压缩之间的间隔
	Interval time.Duration
	// ArchiveWhenIdle 房间空闲超过该时长后降级到归档层
	ArchiveWhenIdle time.Duration
}

// DefaultOptions 返回默认选项
func DefaultOptions() Options {
	return Options{
		Interval:        10 * time.Minute,
		ArchiveWhenIdle: time.Hour,
	}
}

// Compactor 后台压缩器
// 周期性地把每个房间的动作日志折叠成最小等价形式，
// 空闲房间降级到归档层，空房间整体删除
type Compactor struct {
	store   store.RoomStore
	archive archive.RoomArchive
	logger  *zap.Logger
	opts    Options
	ownerID string
}

// New 创建压缩器
func New(st store.RoomStore, ar archive.RoomArchive, opts Options, logger *zap.Logger) *Compactor {
	return &Compactor{
		store:   st,
		archive: ar,
		logger:  logger,
		opts:    opts,
		ownerID: uuid.New().String(),
	}
}

// Run 压缩循环，ctx取消后返回
func (c *Compactor) Run(ctx context.Context) {
	ticker := time.NewTicker(c.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.RunCycle(ctx); err != nil {
				c.logger.Error("压缩周期失败", zap.Error(err))
			}
		}
	}
}

// RunCycle 执行一轮压缩
// 替换锁被其它持有者占用时整轮跳过，下个周期再试；
// 锁的TTL是两倍周期，崩溃的持有者由过期兜底，不做强制抢占。
// 周期结束时主动释放，给最终保存留出窗口
func (c *Compactor) RunCycle(ctx context.Context) error {
	acquired, err := c.store.AcquireReplacementLock(ctx, c.ownerID, false)
	if err != nil {
		return errors.Wrap(err, errors.ErrStoreUnavailable)
	}
	if !acquired {
		c.logger.Debug("替换锁被占用，本轮压缩跳过")
		return nil
	}
	defer c.store.ReleaseReplacementLock(ctx, c.ownerID)

	rooms, err := c.store.ListRooms(ctx)
	if err != nil {
		return errors.Wrap(err, errors.ErrStoreUnavailable)
	}

	start := time.Now()
	var compacted, archived, deleted int
	for _, roomID := range rooms {
		outcome, err := c.compactRoom(ctx, roomID)
		if err != nil {
			if errors.Is(err, errors.ErrLockNotHeld) {
				// 锁被别人抢走，本轮剩余工作交给新持有者
				c.logger.Warn("替换锁已易主，提前结束本轮压缩",
					zap.String("room_id", roomID))
				return nil
			}
			c.logger.Error("压缩房间失败",
				zap.String("room_id", roomID),
				zap.Error(err))
			continue
		}
		switch outcome {
		case outcomeCompacted:
			compacted++
		case outcomeArchived:
			archived++
		case outcomeDeleted:
			deleted++
		}
	}

	c.logger.Info("压缩周期完成",
		zap.Int("rooms", len(rooms)),
		zap.Int("compacted", compacted),
		zap.Int("archived", archived),
		zap.Int("deleted", deleted),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

type outcome int

const (
	outcomeNone outcome = iota
	outcomeCompacted
	outcomeArchived
	outcomeDeleted
)

// compactRoom 压缩单个房间
// 折叠后为空的房间从热存储和归档层一并删除；
// 空闲超时的房间折叠后写入归档层再从热存储删除；
// 其余房间仅当折叠确实缩短日志时覆盖写回
func (c *Compactor) compactRoom(ctx context.Context, roomID string) (outcome, error) {
	data, err := c.store.ReadForReplacement(ctx, roomID)
	if err != nil {
		if errors.Is(err, errors.ErrNoSuchRoom) {
			// 房间在列出之后被并发删除
			return outcomeNone, nil
		}
		return outcomeNone, err
	}

	folded := models.FoldActions(data.Actions)

	if len(folded) == 0 {
		return c.deleteRoom(ctx, roomID, data.ReplaceToken)
	}

	idle, err := c.store.RoomIdleSeconds(ctx, roomID)
	if err != nil {
		if errors.Is(err, errors.ErrNoSuchRoom) {
			return outcomeNone, nil
		}
		return outcomeNone, err
	}

	if time.Duration(idle*float64(time.Second)) >= c.opts.ArchiveWhenIdle {
		// 先归档后删除：两步之间崩溃只会留下归档副本，回迁时覆盖
		if err := c.archive.Store(ctx, roomID, folded); err != nil {
			return outcomeNone, errors.Wrap(err, errors.ErrArchiveFailed)
		}
		if err := c.store.Delete(ctx, roomID, c.ownerID, data.ReplaceToken); err != nil {
			if errors.Is(err, errors.ErrStaleToken) {
				// 归档期间有新写入，房间还活着，本轮按普通压缩处理
				return c.recompact(ctx, roomID)
			}
			return outcomeNone, err
		}
		return outcomeArchived, nil
	}

	if len(folded) >= len(data.Actions) {
		// 日志已经是最小形式，写回没有收益
		return outcomeNone, nil
	}
	if err := c.store.Replace(ctx, roomID, folded, data.ReplaceToken, c.ownerID); err != nil {
		if errors.Is(err, errors.ErrStaleToken) {
			// 并发追加抢在写回之前，下一轮再处理
			return outcomeNone, nil
		}
		return outcomeNone, err
	}
	return outcomeCompacted, nil
}

// deleteRoom 删除折叠后为空的房间，热存储和归档层都要清掉
func (c *Compactor) deleteRoom(ctx context.Context, roomID string, token store.ReplaceToken) (outcome, error) {
	if err := c.store.Delete(ctx, roomID, c.ownerID, token); err != nil {
		if errors.Is(err, errors.ErrStaleToken) {
			// 删除前又有新写入，房间复活，本轮按普通压缩处理
			return c.recompact(ctx, roomID)
		}
		return outcomeNone, err
	}
	if err := c.archive.Delete(ctx, roomID); err != nil {
		return outcomeNone, errors.Wrap(err, errors.ErrArchiveFailed)
	}
	return outcomeDeleted, nil
}

// recompact 归档删除被新写入打断后的退路：重读并做一次普通写回
func (c *Compactor) recompact(ctx context.Context, roomID string) (outcome, error) {
	data, err := c.store.ReadForReplacement(ctx, roomID)
	if err != nil {
		if errors.Is(err, errors.ErrNoSuchRoom) {
			return outcomeNone, nil
		}
		return outcomeNone, err
	}
	folded := models.FoldActions(data.Actions)
	if len(folded) == 0 || len(folded) >= len(data.Actions) {
		return outcomeNone, nil
	}
	if err := c.store.Replace(ctx, roomID, folded, data.ReplaceToken, c.ownerID); err != nil {
		if errors.Is(err, errors.ErrStaleToken) {
			return outcomeNone, nil
		}
		return outcomeNone, err
	}
	return outcomeCompacted, nil
}
