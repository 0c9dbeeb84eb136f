package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	apperrors "github.com/wfunc/tabletop/internal/errors"
	"github.com/wfunc/tabletop/internal/game"
	"github.com/wfunc/tabletop/internal/models"
	"go.uber.org/zap"
)

// 错误定义
var (
	ErrSendBufferFull = errors.New("发送缓冲区已满")
	ErrClientClosed   = errors.New("客户端已关闭")
)

// 入口拒绝路径的写超时（连接尚未绑定配置）
const rejectWriteWait = 10 * time.Second

// Config 连接层参数
type Config struct {
	ReadBufferSize    int
	WriteBufferSize   int
	MaxMessageSize    int64
	PingInterval      time.Duration
	PongTimeout       time.Duration
	WriteTimeout      time.Duration
	EnableCompression bool
}

// DefaultConfig 返回默认连接层参数
func DefaultConfig() Config {
	return Config{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		MaxMessageSize:  512 * 1024,
		PingInterval:    30 * time.Second,
		PongTimeout:     60 * time.Second,
		WriteTimeout:    10 * time.Second,
	}
}

// Client 一条WebSocket连接，向游戏状态服务器呈现为一个会话
type Client struct {
	id     string
	roomID string
	userID string
	conn   *websocket.Conn
	send   chan []byte
	server *game.GameStateServer
	cfg    Config
	// release 归还限流器的连接槽位；旁路连接为空操作
	release func()
	logger  *zap.Logger

	// writeMu 串行化对底层连接的写入（WritePump与关闭帧）
	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

// NewClient 创建新客户端
func NewClient(conn *websocket.Conn, server *game.GameStateServer, roomID, userID string, cfg Config, release func(), logger *zap.Logger) *Client {
	if release == nil {
		release = func() {}
	}
	return &Client{
		id:      uuid.New().String(),
		roomID:  roomID,
		userID:  userID,
		conn:    conn,
		send:    make(chan []byte, 256),
		server:  server,
		cfg:     cfg,
		release: release,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

var _ game.Session = (*Client)(nil)

// ID 返回连接级别的唯一标识
func (c *Client) ID() string {
	return c.id
}

// Send 向客户端投递一条消息
// 发送缓冲区满说明客户端跟不上广播节奏，断开而不是阻塞整个房间
func (c *Client) Send(msg *game.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrClientClosed
	default:
		// 广播路径不能被慢客户端阻塞，异步断开
		c.logger.Warn("客户端发送缓冲区已满，断开连接",
			zap.String("client_id", c.id),
			zap.String("room_id", c.roomID))
		go c.closeWithCode(apperrors.CloseInternalError, "发送缓冲区已满")
		return ErrSendBufferFull
	}
}

// ReadPump 读取消息
func (c *Client) ReadPump() {
	defer func() {
		c.server.ConnectionDropped(context.Background(), c.id, c.roomID)
		c.release()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.cfg.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Error("WebSocket读取错误",
					zap.String("client_id", c.id),
					zap.Error(err))
			}
			return
		}
		if !c.handleMessage(message) {
			return
		}
	}
}

// handleMessage 处理一条客户端请求，返回false时终止连接
func (c *Client) handleMessage(data []byte) bool {
	var req models.Request
	if err := json.Unmarshal(data, &req); err != nil {
		c.logger.Warn("解析客户端请求失败",
			zap.String("client_id", c.id),
			zap.Error(err))
		c.closeWithCode(apperrors.CloseInvalidRequest, "请求格式错误")
		return false
	}
	if req.RequestID == "" {
		c.closeWithCode(apperrors.CloseInvalidRequest, "请求ID不能为空")
		return false
	}

	actionErrors, err := c.server.ProcessUpdates(context.Background(), req.Actions, c.roomID, c.id, req.RequestID)
	if err != nil {
		c.logger.Error("处理客户端请求失败",
			zap.String("client_id", c.id),
			zap.String("room_id", c.roomID),
			zap.String("request_id", req.RequestID),
			zap.Error(err))
		c.closeWithCode(apperrors.CloseCodeOf(err), "请求处理失败")
		return false
	}

	// 冲突类失败逐条回给请求者，连接保持打开
	for _, actionErr := range actionErrors {
		c.Send(&game.Message{
			Type:      game.MessageTypeError,
			RequestID: req.RequestID,
			Data:      actionErr,
		})
	}
	return true
}

// WritePump 写入消息
func (c *Client) WritePump() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				c.writeConn(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.writeConn(websocket.TextMessage, message); err != nil {
				return
			}

		case <-c.done:
			return

		case <-ticker.C:
			if err := c.writeConn(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// writeConn 带超时写入底层连接
func (c *Client) writeConn(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return c.conn.WriteMessage(messageType, data)
}

// closeWithCode 发送带状态码的关闭帧并终止连接
func (c *Client) closeWithCode(code int, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeConn(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason))
		c.conn.Close()
	})
}
