package websocket

import (
	"context"
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	apperrors "github.com/wfunc/tabletop/internal/errors"
	"github.com/wfunc/tabletop/internal/game"
	"github.com/wfunc/tabletop/internal/limiter"
	"go.uber.org/zap"
)

// RoomDirectory 连接入口需要的房间存在性查询
type RoomDirectory interface {
	Exists(ctx context.Context, roomID string) (bool, error)
}

// Handler WebSocket连接入口
type Handler struct {
	server    *game.GameStateServer
	directory RoomDirectory
	limiter   limiter.RateLimiter
	upgrader  websocket.Upgrader
	cfg       Config
	bypassKey string
	logger    *zap.Logger
}

// NewHandler 创建WebSocket处理器
// bypassKey非空时，携带匹配X-Bypass-Key头的连接跳过限流（负载测试用）
func NewHandler(server *game.GameStateServer, directory RoomDirectory, lim limiter.RateLimiter, cfg Config, bypassKey string, logger *zap.Logger) *Handler {
	return &Handler{
		server:    server,
		directory: directory,
		limiter:   lim,
		upgrader: websocket.Upgrader{
			ReadBufferSize:    cfg.ReadBufferSize,
			WriteBufferSize:   cfg.WriteBufferSize,
			EnableCompression: cfg.EnableCompression,
			CheckOrigin: func(r *http.Request) bool {
				// 在生产环境中应该检查Origin
				return true
			},
		},
		cfg:       cfg,
		bypassKey: bypassKey,
		logger:    logger,
	}
}

// RegisterRoutes 注册路由
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	r.GET("/ws/:room_id", h.RoomWebSocket)
}

// RoomWebSocket 房间WebSocket连接
// 入口检查（房间ID、限流、房间容量）的失败都在升级后以应用层关闭码报告，
// 客户端据此区分可重试和不可重试的拒绝
func (h *Handler) RoomWebSocket(c *gin.Context) {
	roomID := c.Param("room_id")
	userID := c.ClientIP()
	bypass := h.isBypass(c)

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("WebSocket升级失败",
			zap.String("room_id", roomID),
			zap.Error(err))
		return
	}

	if _, err := uuid.Parse(roomID); err != nil {
		h.logger.Warn("拒绝非法房间ID",
			zap.String("room_id", roomID),
			zap.String("ip", userID))
		rejectConn(conn, apperrors.CloseInvalidRoomID, "房间ID必须是UUID")
		return
	}

	ctx := c.Request.Context()
	release := func() {}
	if !bypass {
		exists, err := h.directory.Exists(ctx, roomID)
		if err != nil {
			h.logger.Error("查询房间存在性失败",
				zap.String("room_id", roomID),
				zap.Error(err))
			rejectConn(conn, apperrors.CloseInternalError, "存储不可用")
			return
		}
		if !exists {
			if err := h.limiter.AcquireNewRoom(ctx, userID); err != nil {
				h.logger.Warn("建房限流拒绝",
					zap.String("room_id", roomID),
					zap.String("ip", userID))
				rejectConn(conn, apperrors.CloseCodeOf(err), "创建房间过于频繁")
				return
			}
		}
		if err := h.limiter.AcquireConnection(ctx, userID, roomID); err != nil {
			h.logger.Warn("连接限流拒绝",
				zap.String("room_id", roomID),
				zap.String("ip", userID),
				zap.Error(err))
			rejectConn(conn, apperrors.CloseCodeOf(err), "连接数超限")
			return
		}
		release = func() {
			h.limiter.ReleaseConnection(context.Background(), userID, roomID)
		}
	}

	client := NewClient(conn, h.server, roomID, userID, h.cfg, release, h.logger)
	if err := h.server.NewConnection(ctx, client, roomID); err != nil {
		release()
		h.logger.Warn("加入房间失败",
			zap.String("room_id", roomID),
			zap.String("client_id", client.ID()),
			zap.Error(err))
		rejectConn(conn, apperrors.CloseCodeOf(err), "加入房间失败")
		return
	}

	go client.WritePump()
	go client.ReadPump()

	h.logger.Info("WebSocket连接建立",
		zap.String("client_id", client.ID()),
		zap.String("room_id", roomID),
		zap.String("ip", userID),
		zap.Bool("bypass", bypass))
}

// isBypass 校验限流旁路密钥（常量时间比较）
func (h *Handler) isBypass(c *gin.Context) bool {
	if h.bypassKey == "" {
		return false
	}
	key := c.GetHeader("X-Bypass-Key")
	return subtle.ConstantTimeCompare([]byte(key), []byte(h.bypassKey)) == 1
}

// rejectConn 发送应用层关闭码并断开
func rejectConn(conn *websocket.Conn, code int, reason string) {
	conn.SetWriteDeadline(time.Now().Add(rejectWriteWait))
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason))
	conn.Close()
}
