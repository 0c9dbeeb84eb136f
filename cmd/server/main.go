package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/wfunc/tabletop/internal/archive"
	"github.com/wfunc/tabletop/internal/compactor"
	"github.com/wfunc/tabletop/internal/config"
	"github.com/wfunc/tabletop/internal/database"
	apperrors "github.com/wfunc/tabletop/internal/errors"
	"github.com/wfunc/tabletop/internal/game"
	"github.com/wfunc/tabletop/internal/limiter"
	"github.com/wfunc/tabletop/internal/logger"
	"github.com/wfunc/tabletop/internal/store"
	ws "github.com/wfunc/tabletop/internal/websocket"
	"go.uber.org/zap"
)

// 版本信息
var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// 服务器实例
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	// 服务组件
	rdb        *redis.Client
	roomStore  *store.MergedRoomStore
	limiter    limiter.RateLimiter
	gameServer *game.GameStateServer
	compactor  *compactor.Compactor
	httpServer *http.Server

	// 关闭控制
	shutdownCh chan struct{}
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
}

func main() {
	// 命令行参数
	var (
		configPath  = flag.String("config", "", "配置文件路径")
		showVersion = flag.Bool("version", false, "显示版本信息")
		showHelp    = flag.Bool("help", false, "显示帮助信息")
	)

	flag.Parse()

	if *showVersion {
		printVersion()
		os.Exit(0)
	}

	if *showHelp {
		printHelp()
		os.Exit(0)
	}

	// 加载配置
	if err := config.Init(*configPath); err != nil {
		fmt.Printf("加载配置失败: %v\n", err)
		os.Exit(1)
	}

	cfg := config.Get()

	// 初始化日志系统
	if err := logger.Init(&cfg.Log); err != nil {
		fmt.Printf("初始化日志失败: %v\n", err)
		os.Exit(1)
	}

	server := NewServer(cfg)

	if err := server.Start(); err != nil {
		logger.Fatal("服务器启动失败", zap.Error(err))
	}

	// 等待退出信号
	server.WaitForShutdown()

	// 优雅关闭
	if err := server.Shutdown(); err != nil {
		logger.Error("服务器关闭失败", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("服务器已安全关闭")
}

// NewServer 创建服务器实例
func NewServer(cfg *config.Config) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		cfg:        cfg,
		logger:     logger.GetLogger(),
		shutdownCh: make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start 启动服务器
func (s *Server) Start() error {
	s.logger.Info("正在启动虚拟桌面游戏服务器...",
		zap.String("version", Version),
		zap.String("mode", s.cfg.Server.Mode),
	)

	if err := s.initComponents(); err != nil {
		return apperrors.Wrap(err, apperrors.ErrUnknown, "初始化组件失败")
	}

	if err := s.startServices(); err != nil {
		return apperrors.Wrap(err, apperrors.ErrUnknown, "启动服务失败")
	}

	// 监听配置变化（连接级参数对新连接生效）
	config.Watch(func(newCfg *config.Config) {
		s.logger.Info("配置已更新，正在重新加载...")
		s.cfg = newCfg
	})

	s.logger.Info("服务器启动成功",
		zap.String("http", fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)),
		zap.Bool("compactor", s.cfg.Compactor.Enabled),
	)

	return nil
}

// initComponents 初始化组件
func (s *Server) initComponents() error {
	s.logger.Info("初始化组件...")

	// 归档数据库
	if err := database.Init(&s.cfg.Database); err != nil {
		return apperrors.Wrap(err, apperrors.ErrStoreUnavailable, "初始化归档数据库失败")
	}

	// Redis
	s.rdb = redis.NewClient(&redis.Options{
		Addr:         s.cfg.Redis.Addr,
		Password:     s.cfg.Redis.Password,
		DB:           s.cfg.Redis.DB,
		DialTimeout:  s.cfg.Redis.DialTimeout,
		ReadTimeout:  s.cfg.Redis.ReadTimeout,
		WriteTimeout: s.cfg.Redis.WriteTimeout,
		PoolSize:     s.cfg.Redis.PoolSize,
	})
	pingCtx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	if err := s.rdb.Ping(pingCtx).Err(); err != nil {
		return apperrors.Wrap(err, apperrors.ErrStoreUnavailable, "连接Redis失败")
	}

	// 房间存储：Redis热层 + 数据库归档层
	// 替换锁TTL取两倍压缩周期，持有者崩溃后下一轮压缩能接管
	hot := store.NewRedisRoomStore(s.rdb, 2*s.cfg.Compactor.Interval, logger.WithModule("store"))
	ar := archive.NewGormArchive(database.GetDB())
	s.roomStore = store.NewMergedRoomStore(hot, ar)

	// 分布式限流器
	limits := limiter.Limits{
		MaxConnectionsPerUser: s.cfg.RateLimit.MaxConnectionsPerUser,
		MaxConnectionsPerRoom: s.cfg.RateLimit.MaxConnectionsPerRoom,
		MaxRoomsPerWindow:     s.cfg.RateLimit.MaxRoomsPerTenMinutes,
		RoomCreationWindow:    s.cfg.RateLimit.RoomCreationWindow,
		ServerLivenessExpiry:  s.cfg.RateLimit.ServerLivenessExpiry,
	}
	s.limiter = limiter.NewRedisRateLimiter(s.rdb, limits, logger.WithModule("limiter"))

	// 游戏状态服务器
	s.gameServer = game.NewGameStateServer(s.roomStore, game.Options{
		MaxUsersPerRoom: s.cfg.Room.MaxUsersPerRoom,
		PingExpiry:      s.cfg.Room.PingExpiry,
	}, logger.WithModule("game"))

	// 压缩器
	if s.cfg.Compactor.Enabled {
		s.compactor = compactor.New(s.roomStore, ar, compactor.Options{
			Interval:        s.cfg.Compactor.Interval,
			ArchiveWhenIdle: s.cfg.Compactor.ArchiveWhenIdle,
		}, logger.WithModule("compactor"))
	}

	s.logger.Info("所有组件初始化完成")
	return nil
}

// startServices 启动服务
func (s *Server) startServices() error {
	s.logger.Info("启动服务...")

	// HTTP/WebSocket服务
	gin.SetMode(s.cfg.Server.Mode)
	router := gin.New()
	router.Use(gin.Recovery())

	wsCfg := ws.Config{
		ReadBufferSize:    s.cfg.WebSocket.ReadBufferSize,
		WriteBufferSize:   s.cfg.WebSocket.WriteBufferSize,
		MaxMessageSize:    s.cfg.WebSocket.MaxMessageSize,
		PingInterval:      s.cfg.WebSocket.PingInterval,
		PongTimeout:       s.cfg.WebSocket.PongTimeout,
		WriteTimeout:      s.cfg.WebSocket.WriteTimeout,
		EnableCompression: s.cfg.WebSocket.EnableCompression,
	}
	wsHandler := ws.NewHandler(s.gameServer, s.roomStore, s.limiter, wsCfg,
		s.cfg.Security.BypassKey, logger.WithModule("websocket"))
	wsHandler.RegisterRoutes(router)

	router.GET("/health", s.handleHealth)
	router.GET("/api/v1/stats", s.handleStats)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP服务器异常退出", zap.Error(err))
		}
	}()

	// 限流器存活刷新：停止刷新的进程其预留会被其他进程惰性回收
	s.wg.Add(1)
	go s.runLivenessRefresh()

	// 后台压缩
	if s.compactor != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.compactor.Run(s.ctx)
		}()
	}

	s.logger.Info("所有服务启动完成")
	return nil
}

// runLivenessRefresh 周期性刷新本进程的限流器存活标记
func (s *Server) runLivenessRefresh() {
	defer s.wg.Done()

	interval := s.cfg.RateLimit.ServerLivenessExpiry / 3
	if err := s.limiter.RefreshServerLiveness(s.ctx); err != nil {
		s.logger.Warn("刷新存活标记失败", zap.Error(err))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.limiter.RefreshServerLiveness(s.ctx); err != nil {
				s.logger.Warn("刷新存活标记失败", zap.Error(err))
			}
		}
	}
}

// handleHealth 健康检查
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "down", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "up", "version": Version})
}

// handleStats 运行状态统计
func (s *Server) handleStats(c *gin.Context) {
	total, err := s.limiter.TotalConnections(c.Request.Context())
	if err != nil {
		s.logger.Warn("统计全局连接数失败", zap.Error(err))
		total = -1
	}
	c.JSON(http.StatusOK, gin.H{
		"active_rooms":      s.gameServer.ActiveRooms(),
		"active_clients":    s.gameServer.ActiveClients(),
		"total_connections": total,
	})
}

// WaitForShutdown 等待关闭信号
func (s *Server) WaitForShutdown() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT,
	)

	sig := <-sigCh
	s.logger.Info("收到退出信号", zap.String("signal", sig.String()))

	close(s.shutdownCh)
}

// Shutdown 优雅关闭服务器
func (s *Server) Shutdown() error {
	s.logger.Info("正在优雅关闭服务器...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	// 停止接收新连接
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("HTTP服务器关闭超时", zap.Error(err))
		}
	}

	// 取消主上下文，触发后台goroutine退出
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("所有服务已正常关闭")
	case <-shutdownCtx.Done():
		s.logger.Warn("关闭超时，强制退出")
		return apperrors.New(apperrors.ErrTimeout, "关闭超时")
	}

	// 关闭组件
	if err := database.Close(); err != nil {
		s.logger.Error("关闭归档数据库失败", zap.Error(err))
	}
	if s.rdb != nil {
		if err := s.rdb.Close(); err != nil {
			s.logger.Error("关闭Redis连接失败", zap.Error(err))
		}
	}

	if err := logger.Sync(); err != nil {
		fmt.Printf("同步日志失败: %v\n", err)
	}

	return nil
}

// printVersion 打印版本信息
func printVersion() {
	fmt.Printf("虚拟桌面游戏服务器\n")
	fmt.Printf("版本: %s\n", Version)
	fmt.Printf("构建时间: %s\n", BuildTime)
	fmt.Printf("Git提交: %s\n", GitCommit)
	fmt.Printf("Go版本: %s\n", runtime.Version())
	fmt.Printf("操作系统: %s/%s\n", runtime.GOOS, runtime.GOARCH)
}

// printHelp 打印帮助信息
func printHelp() {
	fmt.Println("虚拟桌面游戏服务器")
	fmt.Println()
	fmt.Println("用法:")
	fmt.Println("  tabletop-server [选项]")
	fmt.Println()
	fmt.Println("选项:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("环境变量:")
	fmt.Println("  TABLETOP_CONFIG        配置文件路径")
	fmt.Println("  TABLETOP_REDIS_ADDR    Redis地址")
	fmt.Println()
	fmt.Println("示例:")
	fmt.Println("  tabletop-server -config=/path/to/config.yaml")
	fmt.Println("  tabletop-server -version")
}
