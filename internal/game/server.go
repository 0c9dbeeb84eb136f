package game

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wfunc/tabletop/internal/errors"
	"github.com/wfunc/tabletop/internal/models"
	"github.com/wfunc/tabletop/internal/store"
	"go.uber.org/zap"
)

// 消息类型
const (
	MessageTypeConnected = "connected"
	MessageTypeState     = "state"
	MessageTypeError     = "error"
)

// Message 服务器发往客户端的消息
type Message struct {
	Type      string      `json:"type"`
	RequestID string      `json:"request_id,omitempty"`
	Data      interface{} `json:"data,omitempty"`
}

// Session 客户端会话抽象（由连接层实现，测试中用假实现）
type Session interface {
	// ID 返回连接级别的唯一标识
	ID() string
	// Send 向客户端投递一条消息
	Send(msg *Message) error
}

// Options 游戏状态服务器选项
type Options struct {
	MaxUsersPerRoom int
	PingExpiry      time.Duration
}

// DefaultOptions 返回默认选项
func DefaultOptions() Options {
	return Options{
		MaxUsersPerRoom: 20,
		PingExpiry:      3 * time.Second,
	}
}

// GameStateServer 房间状态机：房间日志的权威内存投影
// 房间注册表的增删和每个房间的修改都由s.mu串行化
type GameStateServer struct {
	mu       sync.Mutex
	rooms    map[string]*RoomData
	store    store.RoomStore
	logger   *zap.Logger
	opts     Options
	serverID string
}

// NewGameStateServer 创建游戏状态服务器
func NewGameStateServer(st store.RoomStore, opts Options, logger *zap.Logger) *GameStateServer {
	return &GameStateServer{
		rooms:    make(map[string]*RoomData),
		store:    st,
		logger:   logger,
		opts:     opts,
		serverID: uuid.New().String(),
	}
}

// NewConnection 客户端加入房间
// 房间的首个连接触发从存储水合投影；达到单进程会话上限时拒绝
// 完整当前状态只回给请求者本人
func (s *GameStateServer) NewConnection(ctx context.Context, session Session, roomID string) error {
	s.mu.Lock()
	room, exists := s.rooms[roomID]
	if exists {
		if len(room.clients) >= s.opts.MaxUsersPerRoom {
			s.mu.Unlock()
			return errors.Newf(errors.ErrRoomFull, "房间 %s 已有 %d 个会话", roomID, s.opts.MaxUsersPerRoom)
		}
		room.clients[session.ID()] = session
		snap := room.snapshot()
		s.mu.Unlock()
		return s.finishJoin(ctx, session, roomID, snap)
	}
	s.mu.Unlock()

	// 先订阅后读取：水合期间发布的变更会在水合后重放，
	// upsert重放是幂等的，不会丢失更新
	sub, err := s.store.Changes(ctx, roomID)
	if err != nil {
		return err
	}
	actions, err := s.store.Read(ctx, roomID)
	if err != nil {
		sub.Close()
		return err
	}

	s.mu.Lock()
	room, exists = s.rooms[roomID]
	if exists {
		// 并发的首连已经完成水合，丢弃多余的订阅
		if len(room.clients) >= s.opts.MaxUsersPerRoom {
			s.mu.Unlock()
			sub.Close()
			return errors.Newf(errors.ErrRoomFull, "房间 %s 已有 %d 个会话", roomID, s.opts.MaxUsersPerRoom)
		}
		room.clients[session.ID()] = session
		snap := room.snapshot()
		s.mu.Unlock()
		sub.Close()
		return s.finishJoin(ctx, session, roomID, snap)
	}

	room = newRoomData(roomID)
	room.sub = sub
	s.hydrate(room, actions)
	room.clients[session.ID()] = session
	s.rooms[roomID] = room
	snap := room.snapshot()
	s.mu.Unlock()

	go s.pumpChanges(roomID, sub)

	s.logger.Info("房间投影已创建",
		zap.String("room_id", roomID),
		zap.Int("tokens", len(snap)))

	return s.finishJoin(ctx, session, roomID, snap)
}

// finishJoin 向新会话回发connected快照
// 发送失败立即反注册，失败的会话不能滞留在投影里占用名额
func (s *GameStateServer) finishJoin(ctx context.Context, session Session, roomID string, snap []models.Entity) error {
	if err := session.Send(&Message{Type: MessageTypeConnected, Data: snap}); err != nil {
		s.ConnectionDropped(ctx, session.ID(), roomID)
		return err
	}
	return nil
}

// hydrate 从动作日志重建投影
// 无法解码或几何非法的令牌跳过并记录，不影响其余数据加载
func (s *GameStateServer) hydrate(room *RoomData, actions models.ActionList) {
	for _, action := range actions {
		switch a := action.(type) {
		case models.UpsertAction:
			token := a.Token
			if err := token.Validate(); err != nil {
				s.logger.Warn("水合时跳过损坏的令牌",
					zap.String("room_id", room.roomID),
					zap.String("token_id", token.ID),
					zap.Error(err))
				continue
			}
			room.upsertToken(&token)
			if token.IsCharacter() {
				if err := assignGroupColors(room, token.Contents.ContentID()); err != nil {
					s.logger.Warn("水合时颜色分配失败",
						zap.String("room_id", room.roomID),
						zap.Error(err))
				}
			}
		case models.DeleteAction:
			room.deleteToken(a.TokenID)
		case models.PingAction:
			// ping从不出现在日志里
		}
	}
}

// pumpChanges 把存储变更流中的请求应用到投影
func (s *GameStateServer) pumpChanges(roomID string, sub store.Subscription) {
	for req := range sub.Requests() {
		s.applyRemote(roomID, req)
	}
}

// applyRemote 应用来自变更流的请求（本进程发起的请求跳过，已应用过）
func (s *GameStateServer) applyRemote(roomID string, req *models.Request) {
	s.mu.Lock()
	room, ok := s.rooms[roomID]
	if !ok {
		s.mu.Unlock()
		return
	}

	if _, pending := room.pendingLocal[req.RequestID]; pending {
		delete(room.pendingLocal, req.RequestID)
		s.mu.Unlock()
		return
	}

	var pingIDs []string
	for _, action := range req.Actions {
		switch a := action.(type) {
		case models.UpsertAction:
			token := a.Token
			if err := token.Validate(); err != nil {
				s.logger.Warn("跳过变更流中损坏的令牌",
					zap.String("room_id", roomID),
					zap.Error(err))
				continue
			}
			room.upsertToken(&token)
			if token.IsCharacter() {
				if err := assignGroupColors(room, token.Contents.ContentID()); err != nil {
					s.logger.Warn("颜色分配失败",
						zap.String("room_id", roomID),
						zap.Error(err))
				}
			}
		case models.DeleteAction:
			room.deleteToken(a.TokenID)
		case models.PingAction:
			ping := a.Ping
			room.addPing(&ping)
			pingIDs = append(pingIDs, ping.ID)
		}
	}

	if len(pingIDs) > 0 {
		s.schedulePingExpiryLocked(room, pingIDs)
	}
	s.broadcastLocked(room, req.RequestID)
	s.mu.Unlock()
}

// tokenUndo 单个令牌修改的回滚信息
// prev为nil表示修改前令牌不存在
type tokenUndo struct {
	id   string
	prev *models.Token
}

// ProcessUpdates 处理客户端的动作批次
// 逐动作校验并应用：失败的动作收集为逐条错误（房间状态不受影响），
// 接受的动作落盘并发布；整批处理完后向房间内所有客户端广播一次状态快照
// 落盘失败时回滚投影并广播纠正后的状态，投影不能领先于日志
func (s *GameStateServer) ProcessUpdates(ctx context.Context, actions models.ActionList, roomID, clientID, requestID string) ([]*errors.AppError, error) {
	s.mu.Lock()
	room, ok := s.rooms[roomID]
	if !ok {
		s.mu.Unlock()
		return nil, errors.Newf(errors.ErrNoSuchRoom, "房间 %s 没有活跃投影", roomID)
	}

	var (
		accepted     models.ActionList
		actionErrors []*errors.AppError
		pingIDs      []string
		undo         []tokenUndo
	)
	for _, action := range actions {
		switch a := action.(type) {
		case models.UpsertAction:
			token := a.Token
			if err := token.Validate(); err != nil {
				actionErrors = append(actionErrors, errors.Wrap(err, errors.ErrInvalidParam))
				continue
			}
			if token.Color != nil && !models.InPalette(*token.Color) {
				actionErrors = append(actionErrors, errors.Newf(errors.ErrColorNotInPalette, "令牌 %s 声明了调色板之外的颜色", token.ID))
				continue
			}
			if !room.cellsAvailable(&token) {
				actionErrors = append(actionErrors, errors.Newf(errors.ErrPositionOccupied, "令牌 %s 的目标位置已被占用", token.ID))
				continue
			}
			var prev *models.Token
			if old := room.token(token.ID); old != nil {
				prev = old.Clone()
			}
			undo = append(undo, tokenUndo{id: token.ID, prev: prev})
			room.upsertToken(&token)
			if token.IsCharacter() {
				if err := assignGroupColors(room, token.Contents.ContentID()); err != nil {
					s.logger.Warn("颜色分配失败",
						zap.String("room_id", roomID),
						zap.Error(err))
				}
			}
			// 落盘分配后的令牌：自动着色必须进日志，否则回放会重算出不同的颜色
			accepted = append(accepted, models.UpsertAction{Token: token})
		case models.DeleteAction:
			old := room.token(a.TokenID)
			if old == nil {
				actionErrors = append(actionErrors, errors.Newf(errors.ErrTokenNotFound, "令牌 %s 不存在", a.TokenID))
				continue
			}
			undo = append(undo, tokenUndo{id: a.TokenID, prev: old.Clone()})
			room.deleteToken(a.TokenID)
			accepted = append(accepted, a)
		case models.PingAction:
			ping := a.Ping
			room.addPing(&ping)
			pingIDs = append(pingIDs, ping.ID)
			accepted = append(accepted, a)
		}
	}

	if len(accepted) == 0 {
		s.mu.Unlock()
		return actionErrors, nil
	}

	if len(pingIDs) > 0 {
		s.schedulePingExpiryLocked(room, pingIDs)
	}

	// 先标记再发布，变更流回传本请求时不会二次应用
	room.pendingLocal[requestID] = struct{}{}
	s.broadcastLocked(room, requestID)
	s.mu.Unlock()

	req := &models.Request{RequestID: requestID, Actions: accepted}
	if err := s.store.AddRequest(ctx, roomID, req); err != nil {
		s.rollbackRequest(roomID, requestID, undo, pingIDs)
		s.logger.Error("追加请求到存储失败",
			zap.String("room_id", roomID),
			zap.String("client_id", clientID),
			zap.String("request_id", requestID),
			zap.Error(err))
		return actionErrors, err
	}
	return actionErrors, nil
}

// rollbackRequest 撤销落盘失败的批次并广播纠正后的快照
// 逆序回放撤销项，同一令牌的多次修改恢复到批次前的状态
func (s *GameStateServer) rollbackRequest(roomID, requestID string, undo []tokenUndo, pingIDs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[roomID]
	if !ok {
		return
	}
	delete(room.pendingLocal, requestID)

	for i := len(undo) - 1; i >= 0; i-- {
		e := undo[i]
		if e.prev != nil {
			room.upsertToken(e.prev)
		} else {
			room.deleteToken(e.id)
		}
	}
	for _, id := range pingIDs {
		room.removePing(id)
		if timer, ok := room.pingTimers[id]; ok {
			timer.Stop()
			delete(room.pingTimers, id)
		}
	}
	s.broadcastLocked(room, "")
}

// schedulePingExpiryLocked 调度ping过期（持有s.mu时调用）
// 固定延迟后移除本批ping并广播一次后续快照
func (s *GameStateServer) schedulePingExpiryLocked(room *RoomData, pingIDs []string) {
	roomID := room.roomID
	ids := append([]string(nil), pingIDs...)
	timer := time.AfterFunc(s.opts.PingExpiry, func() {
		s.expirePings(roomID, ids)
	})
	for _, id := range ids {
		room.pingTimers[id] = timer
	}
}

// expirePings 移除到期的ping并广播后续快照
// 房间已被销毁时静默跳过
func (s *GameStateServer) expirePings(roomID string, pingIDs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[roomID]
	if !ok {
		return
	}
	for _, id := range pingIDs {
		room.removePing(id)
		delete(room.pingTimers, id)
	}
	s.broadcastLocked(room, "")
}

// broadcastLocked 向房间内所有客户端广播状态快照（持有s.mu时调用）
func (s *GameStateServer) broadcastLocked(room *RoomData, requestID string) {
	msg := &Message{
		Type:      MessageTypeState,
		RequestID: requestID,
		Data:      room.snapshot(),
	}
	for _, session := range room.clients {
		if err := session.Send(msg); err != nil {
			s.logger.Warn("向客户端广播失败",
				zap.String("room_id", room.roomID),
				zap.String("client_id", session.ID()),
				zap.Error(err))
		}
	}
}

// ConnectionDropped 客户端离开房间
// 最后一个客户端离开时做一次机会式最终保存，然后销毁投影
func (s *GameStateServer) ConnectionDropped(ctx context.Context, clientID, roomID string) {
	s.mu.Lock()
	room, ok := s.rooms[roomID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(room.clients, clientID)
	if len(room.clients) > 0 {
		s.mu.Unlock()
		return
	}

	// 房间销毁：取消所有ping定时器，拆除订阅
	for _, timer := range room.pingTimers {
		timer.Stop()
	}
	actions := room.tokensAsActions()
	sub := room.sub
	delete(s.rooms, roomID)
	s.mu.Unlock()

	if sub != nil {
		sub.Close()
	}
	if len(actions) > 0 {
		s.finalSave(ctx, roomID, actions)
	}

	s.logger.Info("房间投影已销毁", zap.String("room_id", roomID))
}

// finalSave 最后一个客户端离开时把投影整体覆盖回存储
// 需要替换锁；拿不到（压缩进程正在工作或并发写入）就跳过，
// 日志本身仍是完整的权威状态，只是少了一次提前压缩
func (s *GameStateServer) finalSave(ctx context.Context, roomID string, actions models.ActionList) {
	acquired, err := s.store.AcquireReplacementLock(ctx, s.serverID, false)
	if err != nil {
		s.logger.Warn("获取替换锁失败", zap.String("room_id", roomID), zap.Error(err))
		return
	}
	if !acquired {
		s.logger.Debug("替换锁被占用，跳过最终保存", zap.String("room_id", roomID))
		return
	}
	defer s.store.ReleaseReplacementLock(ctx, s.serverID)

	data, err := s.store.ReadForReplacement(ctx, roomID)
	if err != nil {
		s.logger.Warn("最终保存读取失败", zap.String("room_id", roomID), zap.Error(err))
		return
	}
	if err := s.store.Replace(ctx, roomID, actions, data.ReplaceToken, s.serverID); err != nil {
		s.logger.Debug("最终保存被并发写入抢先，跳过",
			zap.String("room_id", roomID),
			zap.Error(err))
	}
}

// ActiveRooms 返回当前活跃房间数
func (s *GameStateServer) ActiveRooms() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rooms)
}

// ActiveClients 返回当前连接的客户端总数
func (s *GameStateServer) ActiveClients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, room := range s.rooms {
		total += len(room.clients)
	}
	return total
}
