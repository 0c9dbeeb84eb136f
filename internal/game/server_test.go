package game

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"github.com/wfunc/tabletop/internal/errors"
	"github.com/wfunc/tabletop/internal/models"
	"github.com/wfunc/tabletop/internal/store"
	"go.uber.org/zap"
)

// fakeSession 记录收到消息的会话实现（测试用）
type fakeSession struct {
	id      string
	mu      sync.Mutex
	msgs    []*Message
	sendErr error
}

var _ Session = (*fakeSession)(nil)

func newFakeSession(id string) *fakeSession {
	return &fakeSession{id: id}
}

func (s *fakeSession) ID() string { return s.id }

func (s *fakeSession) Send(msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.msgs = append(s.msgs, msg)
	return nil
}

// messages 返回已收到的全部消息
func (s *fakeSession) messages() []*Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Message(nil), s.msgs...)
}

// lastState 返回最近一次状态广播中的实体列表
func (s *fakeSession) lastState() []models.Entity {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.msgs) - 1; i >= 0; i-- {
		if s.msgs[i].Type == MessageTypeState || s.msgs[i].Type == MessageTypeConnected {
			return s.msgs[i].Data.([]models.Entity)
		}
	}
	return nil
}

// stateContains 判断最近的状态广播中是否包含指定实体ID
func (s *fakeSession) stateContains(id string) bool {
	for _, e := range s.lastState() {
		if e.EntityID() == id {
			return true
		}
	}
	return false
}

// GameServerTestSuite 游戏状态服务器测试套件
type GameServerTestSuite struct {
	suite.Suite
	store  *store.MemoryRoomStore
	server *GameStateServer
	ctx    context.Context
}

func (suite *GameServerTestSuite) SetupTest() {
	suite.store = store.NewMemoryRoomStore()
	suite.server = NewGameStateServer(suite.store, Options{
		MaxUsersPerRoom: 20,
		PingExpiry:      50 * time.Millisecond,
	}, zap.NewNop())
	suite.ctx = context.Background()
}

// charToken 构造一个1x1x1的角色令牌
func charToken(id string, x, y int) models.Token {
	return models.Token{
		ID:       id,
		Type:     models.TokenTypeCharacter,
		Contents: models.NewIconContents("knight"),
		StartX:   x, EndX: x + 1,
		StartY: y, EndY: y + 1,
		StartZ: 0, EndZ: 1,
	}
}

// upsertList 把若干令牌包装为upsert动作列表
func upsertList(tokens ...models.Token) models.ActionList {
	actions := make(models.ActionList, 0, len(tokens))
	for _, t := range tokens {
		actions = append(actions, models.UpsertAction{Token: t})
	}
	return actions
}

// join 建立一个会话并断言收到connected消息
func (suite *GameServerTestSuite) join(roomID, sessionID string) *fakeSession {
	session := newFakeSession(sessionID)
	suite.Require().NoError(suite.server.NewConnection(suite.ctx, session, roomID))
	msgs := session.messages()
	suite.Require().NotEmpty(msgs)
	suite.Require().Equal(MessageTypeConnected, msgs[0].Type)
	return session
}

// 测试首连从存储水合投影
func (suite *GameServerTestSuite) TestNewConnectionHydrates() {
	seed := &models.Request{
		RequestID: "seed",
		Actions:   upsertList(charToken("t1", 0, 0), charToken("t2", 5, 5)),
	}
	suite.Require().NoError(suite.store.AddRequest(suite.ctx, "room1", seed))

	session := suite.join("room1", "c1")
	suite.True(session.stateContains("t1"))
	suite.True(session.stateContains("t2"))
}

// 测试水合跳过损坏的令牌而不影响其余数据
func (suite *GameServerTestSuite) TestHydrationSkipsCorruptTokens() {
	broken := charToken("bad", 0, 0)
	broken.EndX = broken.StartX // 包围盒退化
	seed := &models.Request{
		RequestID: "seed",
		Actions:   upsertList(broken, charToken("good", 3, 3)),
	}
	suite.Require().NoError(suite.store.AddRequest(suite.ctx, "room1", seed))

	session := suite.join("room1", "c1")
	suite.False(session.stateContains("bad"))
	suite.True(session.stateContains("good"))
}

// 测试单进程会话上限
func (suite *GameServerTestSuite) TestRoomSessionCap() {
	suite.server = NewGameStateServer(suite.store, Options{
		MaxUsersPerRoom: 2,
		PingExpiry:      50 * time.Millisecond,
	}, zap.NewNop())

	suite.join("room1", "c1")
	suite.join("room1", "c2")

	err := suite.server.NewConnection(suite.ctx, newFakeSession("c3"), "room1")
	suite.True(errors.Is(err, errors.ErrRoomFull))
}

// 测试位置冲突被拒绝且状态不受影响
func (suite *GameServerTestSuite) TestPositionCollision() {
	session := suite.join("room1", "c1")

	actionErrs, err := suite.server.ProcessUpdates(suite.ctx, upsertList(charToken("t1", 0, 0)), "room1", "c1", "r1")
	suite.NoError(err)
	suite.Empty(actionErrs)

	// 另一个令牌落在同一格
	actionErrs, err = suite.server.ProcessUpdates(suite.ctx, upsertList(charToken("t2", 0, 0)), "room1", "c1", "r2")
	suite.NoError(err)
	suite.Require().Len(actionErrs, 1)
	suite.Equal(errors.ErrPositionOccupied, actionErrs[0].Code)
	suite.False(session.stateContains("t2"))

	// 被拒绝的动作不落盘
	actions, err := suite.store.Read(suite.ctx, "room1")
	suite.NoError(err)
	suite.Len(actions, 1)
}

// 测试令牌可以合法更新进自己占用的格子
func (suite *GameServerTestSuite) TestSelfOverlapAllowed() {
	suite.join("room1", "c1")

	suite.processOK("room1", "r1", upsertList(charToken("t1", 0, 0)))

	// 扩大包围盒，新区域覆盖自己的旧位置
	bigger := charToken("t1", 0, 0)
	bigger.EndX = 2
	suite.processOK("room1", "r2", upsertList(bigger))

	// 原地刷新同样合法
	suite.processOK("room1", "r3", upsertList(bigger))
}

// 测试移动后旧位置被释放
func (suite *GameServerTestSuite) TestMoveFreesOldCells() {
	suite.join("room1", "c1")

	suite.processOK("room1", "r1", upsertList(charToken("t1", 0, 0)))
	suite.processOK("room1", "r2", upsertList(charToken("t1", 5, 5)))

	// 旧位置可以被其他令牌占用
	suite.processOK("room1", "r3", upsertList(charToken("t2", 0, 0)))
}

// 测试几何非法的令牌被拒绝
func (suite *GameServerTestSuite) TestInvalidTokenRejected() {
	suite.join("room1", "c1")

	broken := charToken("t1", 0, 0)
	broken.EndZ = broken.StartZ
	actionErrs, err := suite.server.ProcessUpdates(suite.ctx, upsertList(broken), "room1", "c1", "r1")
	suite.NoError(err)
	suite.Require().Len(actionErrs, 1)
	suite.Equal(errors.ErrInvalidParam, actionErrs[0].Code)
}

// 测试删除不存在的令牌被拒绝
func (suite *GameServerTestSuite) TestDeleteMissingToken() {
	suite.join("room1", "c1")

	actionErrs, err := suite.server.ProcessUpdates(suite.ctx,
		models.ActionList{models.DeleteAction{TokenID: "ghost"}}, "room1", "c1", "r1")
	suite.NoError(err)
	suite.Require().Len(actionErrs, 1)
	suite.Equal(errors.ErrTokenNotFound, actionErrs[0].Code)
}

// 测试删除后状态和日志都更新
func (suite *GameServerTestSuite) TestDelete() {
	session := suite.join("room1", "c1")

	suite.processOK("room1", "r1", upsertList(charToken("t1", 0, 0)))
	suite.processOK("room1", "r2", models.ActionList{models.DeleteAction{TokenID: "t1"}})
	suite.False(session.stateContains("t1"))

	// 旧位置被释放
	suite.processOK("room1", "r3", upsertList(charToken("t2", 0, 0)))
}

// 测试同图标角色令牌按调色板顺序自动着色
func (suite *GameServerTestSuite) TestColorAssignmentOrder() {
	session := suite.join("room1", "c1")

	suite.processOK("room1", "r1", upsertList(
		charToken("a", 0, 0),
		charToken("b", 1, 0),
	))

	state := session.lastState()
	colors := make(map[string]models.Color)
	for _, e := range state {
		t := e.(*models.Token)
		suite.Require().NotNil(t.Color)
		colors[t.ID] = *t.Color
	}
	// 按ID顺序分配调色板的前两个颜色
	suite.Equal(models.Palette[0], colors["a"])
	suite.Equal(models.Palette[1], colors["b"])
}

// 测试显式颜色从可分配集合中扣除
func (suite *GameServerTestSuite) TestExplicitColorReserved() {
	session := suite.join("room1", "c1")

	claimed := charToken("a", 0, 0)
	color := models.Palette[0]
	claimed.Color = &color

	suite.processOK("room1", "r1", upsertList(claimed, charToken("b", 1, 0)))

	state := session.lastState()
	for _, e := range state {
		t := e.(*models.Token)
		if t.ID == "b" {
			suite.Require().NotNil(t.Color)
			// 第一个颜色已被显式占用
			suite.Equal(models.Palette[1], *t.Color)
		}
	}
}

// 测试调色板耗尽后静默停止
func (suite *GameServerTestSuite) TestColorExhaustion() {
	session := suite.join("room1", "c1")

	tokens := make([]models.Token, 0, len(models.Palette)+1)
	for i := 0; i <= len(models.Palette); i++ {
		tokens = append(tokens, charToken(fmt.Sprintf("t%02d", i), i, 0))
	}
	suite.processOK("room1", "r1", upsertList(tokens...))

	state := session.lastState()
	uncolored := 0
	for _, e := range state {
		if e.(*models.Token).Color == nil {
			uncolored++
		}
	}
	// 9个同组令牌只有8个颜色，最后一个保持无色且不报错
	suite.Equal(1, uncolored)
}

// 测试调色板之外的显式颜色被拒绝
func (suite *GameServerTestSuite) TestColorOutsidePalette() {
	session := suite.join("room1", "c1")

	bad := charToken("t1", 0, 0)
	bad.Color = &models.Color{Red: 1, Green: 2, Blue: 3}
	actionErrs, err := suite.server.ProcessUpdates(suite.ctx, upsertList(bad), "room1", "c1", "r1")
	suite.NoError(err)
	suite.Require().Len(actionErrs, 1)
	suite.Equal(errors.ErrColorNotInPalette, actionErrs[0].Code)
	suite.False(session.stateContains("t1"))
}

// 测试文本和图标内容属于不同的颜色分组
func (suite *GameServerTestSuite) TestTextAndIconGroupsIsolated() {
	session := suite.join("room1", "c1")

	iconToken := charToken("a", 0, 0)
	textToken := charToken("b", 1, 0)
	textToken.Contents = models.NewTextContents("knight")
	suite.processOK("room1", "r1", upsertList(iconToken, textToken))

	// 两个分组各自从调色板头部开始分配
	state := session.lastState()
	for _, e := range state {
		t := e.(*models.Token)
		suite.Require().NotNil(t.Color)
		suite.Equal(models.Palette[0], *t.Color)
	}
}

// 测试状态广播送达房间内所有客户端
func (suite *GameServerTestSuite) TestBroadcastToAllClients() {
	s1 := suite.join("room1", "c1")
	s2 := suite.join("room1", "c2")

	suite.processOK("room1", "r1", upsertList(charToken("t1", 0, 0)))

	suite.True(s1.stateContains("t1"))
	suite.True(s2.stateContains("t1"))

	// 广播携带发起请求的ID
	msgs := s2.messages()
	suite.Equal("r1", msgs[len(msgs)-1].RequestID)
}

// 测试ping的两段式生命周期
func (suite *GameServerTestSuite) TestPingLifecycle() {
	session := suite.join("room1", "c1")

	actions := models.ActionList{models.PingAction{Ping: models.Ping{ID: "p1", X: 2, Y: 3}}}
	suite.processOK("room1", "r1", actions)

	// 立即广播中包含ping
	suite.True(session.stateContains("p1"))

	// 固定延迟后自动过期并触发后续广播
	suite.Eventually(func() bool {
		return !session.stateContains("p1")
	}, time.Second, 10*time.Millisecond)

	// ping从不进入持久日志
	logged, err := suite.store.Read(suite.ctx, "room1")
	suite.NoError(err)
	suite.Empty(logged)
}

// 测试来自变更流的远端请求被应用并广播
func (suite *GameServerTestSuite) TestRemoteRequestApplied() {
	session := suite.join("room1", "c1")

	// 绕过本服务器直接写存储，模拟另一进程的请求
	remote := &models.Request{
		RequestID: "remote-1",
		Actions:   upsertList(charToken("t1", 0, 0)),
	}
	suite.Require().NoError(suite.store.AddRequest(suite.ctx, "room1", remote))

	suite.Eventually(func() bool {
		return session.stateContains("t1")
	}, time.Second, 10*time.Millisecond)
}

// 测试本进程发布的请求不被变更流二次应用
func (suite *GameServerTestSuite) TestOwnRequestNotReapplied() {
	session := suite.join("room1", "c1")

	suite.processOK("room1", "r1", upsertList(charToken("t1", 0, 0)))

	// 给变更流足够的回传时间后，只应有connected和一次状态广播
	time.Sleep(150 * time.Millisecond)
	suite.Len(session.messages(), 2)
}

// 测试最后一个客户端离开时的最终保存
func (suite *GameServerTestSuite) TestFinalSaveOnLastDisconnect() {
	suite.join("room1", "c1")

	suite.processOK("room1", "r1", upsertList(charToken("t1", 0, 0)))
	suite.processOK("room1", "r2", upsertList(charToken("t1", 3, 3)))
	suite.processOK("room1", "r3", upsertList(charToken("t2", 7, 7)))

	suite.server.ConnectionDropped(suite.ctx, "c1", "room1")
	suite.Equal(0, suite.server.ActiveRooms())

	// 日志被折叠为单批次，最终位置保留
	data, err := suite.store.ReadForReplacement(suite.ctx, "room1")
	suite.NoError(err)
	suite.Equal(store.ReplaceToken(1), data.ReplaceToken)
	suite.Len(data.Actions, 2)

	// 最终保存释放了替换锁
	acquired, err := suite.store.AcquireReplacementLock(suite.ctx, "someone-else", false)
	suite.NoError(err)
	suite.True(acquired)
}

// 测试替换锁被占用时跳过最终保存
func (suite *GameServerTestSuite) TestFinalSaveSkippedWhenLockHeld() {
	suite.join("room1", "c1")
	suite.processOK("room1", "r1", upsertList(charToken("t1", 0, 0)))
	suite.processOK("room1", "r2", upsertList(charToken("t1", 3, 3)))

	acquired, err := suite.store.AcquireReplacementLock(suite.ctx, "compactor", false)
	suite.Require().NoError(err)
	suite.Require().True(acquired)

	suite.server.ConnectionDropped(suite.ctx, "c1", "room1")

	// 日志保持未压缩，仍是权威状态
	data, err := suite.store.ReadForReplacement(suite.ctx, "room1")
	suite.NoError(err)
	suite.Equal(store.ReplaceToken(2), data.ReplaceToken)
}

// 测试非最后一个客户端离开不销毁房间
func (suite *GameServerTestSuite) TestPartialDisconnect() {
	suite.join("room1", "c1")
	s2 := suite.join("room1", "c2")

	suite.server.ConnectionDropped(suite.ctx, "c1", "room1")
	suite.Equal(1, suite.server.ActiveRooms())

	// 剩余客户端照常收到广播
	suite.processOK("room1", "r1", upsertList(charToken("t1", 0, 0)))
	suite.True(s2.stateContains("t1"))
}

// 测试自动分配的颜色写入持久日志
func (suite *GameServerTestSuite) TestAssignedColorPersistedInLog() {
	suite.join("room1", "c1")
	suite.processOK("room1", "r1", upsertList(
		charToken("a", 0, 0),
		charToken("b", 1, 0),
	))

	actions, err := suite.store.Read(suite.ctx, "room1")
	suite.Require().NoError(err)

	colors := make(map[string]*models.Color)
	for _, action := range actions {
		if up, ok := action.(models.UpsertAction); ok {
			colors[up.Token.ID] = up.Token.Color
		}
	}
	suite.Require().NotNil(colors["a"])
	suite.Require().NotNil(colors["b"])
	suite.Equal(models.Palette[0], *colors["a"])
	suite.Equal(models.Palette[1], *colors["b"])
}

// 测试压缩改变回放上下文后颜色保持稳定
func (suite *GameServerTestSuite) TestColorsStableAfterCompaction() {
	suite.join("room1", "c1")
	suite.processOK("room1", "r1", upsertList(
		charToken("a", 0, 0),
		charToken("b", 1, 0),
	))
	suite.processOK("room1", "r2", models.ActionList{models.DeleteAction{TokenID: "a"}})

	// 折叠重写日志：a从组里消失，b的回放上下文改变
	acquired, err := suite.store.AcquireReplacementLock(suite.ctx, "compactor", false)
	suite.Require().NoError(err)
	suite.Require().True(acquired)
	data, err := suite.store.ReadForReplacement(suite.ctx, "room1")
	suite.Require().NoError(err)
	suite.Require().NoError(suite.store.Replace(suite.ctx, "room1",
		models.FoldActions(data.Actions), data.ReplaceToken, "compactor"))
	suite.Require().NoError(suite.store.ReleaseReplacementLock(suite.ctx, "compactor"))

	// 另一个进程水合同一房间，b保持分配时的颜色而不是重算成首色
	other := NewGameStateServer(suite.store, DefaultOptions(), zap.NewNop())
	session := newFakeSession("c2")
	suite.Require().NoError(other.NewConnection(suite.ctx, session, "room1"))

	state := session.lastState()
	suite.Require().Len(state, 1)
	t := state[0].(*models.Token)
	suite.Require().NotNil(t.Color)
	suite.Equal(models.Palette[1], *t.Color)

	other.ConnectionDropped(suite.ctx, "c2", "room1")
}

// failingStore 可切换AddRequest失败的存储包装（测试用）
type failingStore struct {
	store.RoomStore
	mu   sync.Mutex
	fail bool
}

func (f *failingStore) setFail(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = fail
}

func (f *failingStore) AddRequest(ctx context.Context, roomID string, req *models.Request) error {
	f.mu.Lock()
	fail := f.fail
	f.mu.Unlock()
	if fail {
		return errors.Newf(errors.ErrStoreUnavailable, "存储不可用")
	}
	return f.RoomStore.AddRequest(ctx, roomID, req)
}

// 测试落盘失败时投影回滚
func (suite *GameServerTestSuite) TestStoreFailureRollsBackProjection() {
	fs := &failingStore{RoomStore: suite.store}
	server := NewGameStateServer(fs, Options{
		MaxUsersPerRoom: 20,
		PingExpiry:      50 * time.Millisecond,
	}, zap.NewNop())
	session := newFakeSession("c1")
	suite.Require().NoError(server.NewConnection(suite.ctx, session, "room1"))

	actionErrs, err := server.ProcessUpdates(suite.ctx, upsertList(charToken("t1", 0, 0)), "room1", "c1", "r1")
	suite.Require().NoError(err)
	suite.Require().Empty(actionErrs)

	// 新令牌落盘失败：从投影移除并广播纠正快照
	fs.setFail(true)
	_, err = server.ProcessUpdates(suite.ctx, upsertList(charToken("t2", 3, 3)), "room1", "c1", "r2")
	suite.Require().Error(err)
	suite.False(session.stateContains("t2"))
	suite.True(session.stateContains("t1"))

	// 删除落盘失败：令牌恢复
	_, err = server.ProcessUpdates(suite.ctx, models.ActionList{models.DeleteAction{TokenID: "t1"}}, "room1", "c1", "r3")
	suite.Require().Error(err)
	suite.True(session.stateContains("t1"))

	// 回滚后格子重新可用
	fs.setFail(false)
	actionErrs, err = server.ProcessUpdates(suite.ctx, upsertList(charToken("t3", 3, 3)), "room1", "c1", "r4")
	suite.Require().NoError(err)
	suite.Require().Empty(actionErrs)
	suite.True(session.stateContains("t3"))

	// 日志只包含成功落盘的批次
	actions, err := suite.store.Read(suite.ctx, "room1")
	suite.Require().NoError(err)
	ids := make(map[string]bool)
	for _, action := range actions {
		if up, ok := action.(models.UpsertAction); ok {
			ids[up.Token.ID] = true
		}
	}
	suite.True(ids["t1"])
	suite.True(ids["t3"])
	suite.False(ids["t2"])

	server.ConnectionDropped(suite.ctx, "c1", "room1")
}

// 测试connected消息发送失败的会话不滞留在投影里
func (suite *GameServerTestSuite) TestFailedConnectedSendDoesNotLeak() {
	bad := newFakeSession("c1")
	bad.sendErr = fmt.Errorf("连接已断开")

	err := suite.server.NewConnection(suite.ctx, bad, "room1")
	suite.Require().Error(err)
	suite.Equal(0, suite.server.ActiveClients())
	suite.Equal(0, suite.server.ActiveRooms())

	// 已有房间的路径同样不泄漏名额
	suite.join("room1", "c2")
	bad2 := newFakeSession("c3")
	bad2.sendErr = fmt.Errorf("连接已断开")
	err = suite.server.NewConnection(suite.ctx, bad2, "room1")
	suite.Require().Error(err)
	suite.Equal(1, suite.server.ActiveClients())
	suite.Equal(1, suite.server.ActiveRooms())
}

// processOK 处理一批动作并断言全部被接受
func (suite *GameServerTestSuite) processOK(roomID, requestID string, actions models.ActionList) {
	actionErrs, err := suite.server.ProcessUpdates(suite.ctx, actions, roomID, "tester", requestID)
	suite.Require().NoError(err)
	suite.Require().Empty(actionErrs)
}

func TestGameServerSuite(t *testing.T) {
	suite.Run(t, new(GameServerTestSuite))
}
