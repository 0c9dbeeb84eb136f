package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/suite"
	"github.com/wfunc/tabletop/internal/archive"
	apperrors "github.com/wfunc/tabletop/internal/errors"
	"github.com/wfunc/tabletop/internal/game"
	"github.com/wfunc/tabletop/internal/limiter"
	"github.com/wfunc/tabletop/internal/models"
	"github.com/wfunc/tabletop/internal/store"
	"go.uber.org/zap"
)

// fakeArchive 内存归档实现（测试用）
type fakeArchive struct {
	mu    sync.Mutex
	rooms map[string]models.ActionList
}

var _ archive.RoomArchive = (*fakeArchive)(nil)

func newFakeArchive() *fakeArchive {
	return &fakeArchive{rooms: make(map[string]models.ActionList)}
}

func (a *fakeArchive) Load(ctx context.Context, roomID string) (models.ActionList, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	actions, ok := a.rooms[roomID]
	return actions, ok, nil
}

func (a *fakeArchive) Store(ctx context.Context, roomID string, actions models.ActionList) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rooms[roomID] = actions
	return nil
}

func (a *fakeArchive) Delete(ctx context.Context, roomID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.rooms, roomID)
	return nil
}

func (a *fakeArchive) ListRooms(ctx context.Context) ([]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]string, 0, len(a.rooms))
	for id := range a.rooms {
		ids = append(ids, id)
	}
	return ids, nil
}

// wireMessage 客户端视角的服务器消息
type wireMessage struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id"`
	Data      json.RawMessage `json:"data"`
}

// HandlerTestSuite WebSocket连接入口测试套件
type HandlerTestSuite struct {
	suite.Suite
	httpServer *httptest.Server
	limits     limiter.Limits
	wsCfg      Config
	bypassKey  string
}

func (suite *HandlerTestSuite) SetupTest() {
	suite.limits = limiter.DefaultLimits()
	suite.wsCfg = DefaultConfig()
	suite.bypassKey = ""
}

// startServer 按当前配置拉起一个测试服务器
func (suite *HandlerTestSuite) startServer() {
	hot := store.NewMemoryRoomStore()
	merged := store.NewMergedRoomStore(hot, newFakeArchive())
	gameServer := game.NewGameStateServer(merged, game.Options{
		MaxUsersPerRoom: 20,
		PingExpiry:      50 * time.Millisecond,
	}, zap.NewNop())
	lim := limiter.NewMemoryRateLimiter(suite.limits)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	handler := NewHandler(gameServer, merged, lim, suite.wsCfg, suite.bypassKey, zap.NewNop())
	handler.RegisterRoutes(router)

	suite.httpServer = httptest.NewServer(router)
}

func (suite *HandlerTestSuite) TearDownTest() {
	if suite.httpServer != nil {
		suite.httpServer.Close()
	}
}

// dial 建立到指定房间的WebSocket连接
func (suite *HandlerTestSuite) dial(roomID string, header http.Header) (*websocket.Conn, error) {
	url := strings.Replace(suite.httpServer.URL, "http", "ws", 1) + "/ws/" + roomID
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if conn != nil {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	}
	return conn, err
}

// readMessage 读取一条服务器消息
func (suite *HandlerTestSuite) readMessage(conn *websocket.Conn) wireMessage {
	var msg wireMessage
	_, data, err := conn.ReadMessage()
	suite.Require().NoError(err)
	suite.Require().NoError(json.Unmarshal(data, &msg))
	return msg
}

// expectClose 断言连接被以指定状态码关闭
func (suite *HandlerTestSuite) expectClose(conn *websocket.Conn, code int) {
	_, _, err := conn.ReadMessage()
	suite.Require().Error(err)
	suite.True(websocket.IsCloseError(err, code), "期望关闭码 %d，实际错误 %v", code, err)
}

// 测试非UUID房间ID被以专用状态码拒绝
func (suite *HandlerTestSuite) TestInvalidRoomID() {
	suite.startServer()

	conn, err := suite.dial("not-a-uuid", nil)
	suite.Require().NoError(err)
	defer conn.Close()

	suite.expectClose(conn, apperrors.CloseInvalidRoomID)
}

// 测试连接、加入房间并处理更新的完整流程
func (suite *HandlerTestSuite) TestConnectAndUpdate() {
	suite.startServer()
	roomID := uuid.New().String()

	conn, err := suite.dial(roomID, nil)
	suite.Require().NoError(err)
	defer conn.Close()

	// 入场消息携带当前状态
	msg := suite.readMessage(conn)
	suite.Equal("connected", msg.Type)

	// 发送一个upsert请求
	req := map[string]interface{}{
		"request_id": "r1",
		"actions": []map[string]interface{}{
			{
				"action": "upsert",
				"data": map[string]interface{}{
					"id":       "t1",
					"type":     "character",
					"contents": map[string]string{"icon_id": "knight"},
					"start_x":  0, "end_x": 1,
					"start_y": 0, "end_y": 1,
					"start_z": 0, "end_z": 1,
				},
			},
		},
	}
	suite.Require().NoError(conn.WriteJSON(req))

	// 收到对应请求ID的状态广播
	msg = suite.readMessage(conn)
	suite.Equal("state", msg.Type)
	suite.Equal("r1", msg.RequestID)
	suite.Contains(string(msg.Data), "t1")
}

// 测试冲突错误逐条报告且连接保持打开
func (suite *HandlerTestSuite) TestConflictKeepsConnectionOpen() {
	suite.startServer()
	roomID := uuid.New().String()

	conn, err := suite.dial(roomID, nil)
	suite.Require().NoError(err)
	defer conn.Close()
	suite.readMessage(conn) // connected

	// 删除不存在的令牌
	req := map[string]interface{}{
		"request_id": "r1",
		"actions": []map[string]interface{}{
			{"action": "delete", "data": "ghost"},
		},
	}
	suite.Require().NoError(conn.WriteJSON(req))

	msg := suite.readMessage(conn)
	suite.Equal("error", msg.Type)
	suite.Equal("r1", msg.RequestID)

	// 连接仍然可用
	req["request_id"] = "r2"
	req["actions"] = []map[string]interface{}{}
	suite.Require().NoError(conn.WriteJSON(req))
}

// 测试格式非法的请求导致连接关闭
func (suite *HandlerTestSuite) TestMalformedRequestClosesConnection() {
	suite.startServer()
	roomID := uuid.New().String()

	conn, err := suite.dial(roomID, nil)
	suite.Require().NoError(err)
	defer conn.Close()
	suite.readMessage(conn) // connected

	suite.Require().NoError(conn.WriteMessage(websocket.TextMessage, []byte("不是JSON")))
	suite.expectClose(conn, apperrors.CloseInvalidRequest)
}

// 测试用户连接数限流
func (suite *HandlerTestSuite) TestConnectionLimit() {
	suite.limits.MaxConnectionsPerUser = 1
	suite.startServer()
	roomID := uuid.New().String()

	conn1, err := suite.dial(roomID, nil)
	suite.Require().NoError(err)
	defer conn1.Close()
	suite.readMessage(conn1) // connected

	// 同一IP的第二个连接被拒绝
	conn2, err := suite.dial(roomID, nil)
	suite.Require().NoError(err)
	defer conn2.Close()
	suite.expectClose(conn2, apperrors.CloseTooManyConnections)
}

// 测试断开后限流额度归还
func (suite *HandlerTestSuite) TestLimitReleasedOnDisconnect() {
	suite.limits.MaxConnectionsPerUser = 1
	suite.startServer()
	roomID := uuid.New().String()

	conn1, err := suite.dial(roomID, nil)
	suite.Require().NoError(err)
	suite.readMessage(conn1)
	conn1.Close()

	// 额度归还需要服务端处理完断开
	suite.Eventually(func() bool {
		conn2, err := suite.dial(roomID, nil)
		if err != nil {
			return false
		}
		defer conn2.Close()
		conn2.SetReadDeadline(time.Now().Add(time.Second))
		_, data, err := conn2.ReadMessage()
		if err != nil {
			return false
		}
		var msg wireMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return false
		}
		return msg.Type == "connected"
	}, 3*time.Second, 100*time.Millisecond)
}

// 测试建房频率限流
func (suite *HandlerTestSuite) TestNewRoomLimit() {
	suite.limits.MaxRoomsPerWindow = 1
	suite.startServer()

	conn1, err := suite.dial(uuid.New().String(), nil)
	suite.Require().NoError(err)
	defer conn1.Close()
	suite.readMessage(conn1)

	// 窗口内第二个新房间被拒绝
	conn2, err := suite.dial(uuid.New().String(), nil)
	suite.Require().NoError(err)
	defer conn2.Close()
	suite.expectClose(conn2, apperrors.CloseTooManyRoomsCreated)
}

// 测试配置的最大消息大小在连接上生效
func (suite *HandlerTestSuite) TestMaxMessageSizeEnforced() {
	suite.wsCfg.MaxMessageSize = 64
	suite.startServer()
	roomID := uuid.New().String()

	conn, err := suite.dial(roomID, nil)
	suite.Require().NoError(err)
	defer conn.Close()
	suite.readMessage(conn) // connected

	// 超过读取上限的消息导致服务端断开
	big := make([]byte, 1024)
	for i := range big {
		big[i] = 'x'
	}
	suite.Require().NoError(conn.WriteMessage(websocket.TextMessage, big))
	suite.expectClose(conn, websocket.CloseMessageTooBig)
}

// 测试旁路密钥跳过限流
func (suite *HandlerTestSuite) TestBypassKey() {
	suite.limits.MaxRoomsPerWindow = 0
	suite.bypassKey = "load-test-secret"
	suite.startServer()

	// 不带密钥：建房限流直接拒绝
	conn1, err := suite.dial(uuid.New().String(), nil)
	suite.Require().NoError(err)
	defer conn1.Close()
	suite.expectClose(conn1, apperrors.CloseTooManyRoomsCreated)

	// 错误密钥同样拒绝
	header := http.Header{"X-Bypass-Key": []string{"wrong"}}
	conn2, err := suite.dial(uuid.New().String(), header)
	suite.Require().NoError(err)
	defer conn2.Close()
	suite.expectClose(conn2, apperrors.CloseTooManyRoomsCreated)

	// 正确密钥跳过全部限流
	header = http.Header{"X-Bypass-Key": []string{"load-test-secret"}}
	conn3, err := suite.dial(uuid.New().String(), header)
	suite.Require().NoError(err)
	defer conn3.Close()
	msg := suite.readMessage(conn3)
	suite.Equal("connected", msg.Type)
}

func TestHandlerSuite(t *testing.T) {
	suite.Run(t, new(HandlerTestSuite))
}
