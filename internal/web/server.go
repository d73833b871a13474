package web

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"rqlite-client/config"
	"rqlite-client/internal/api"
	"rqlite-client/internal/dispatch"
	"rqlite-client/internal/endpoint"
	"rqlite-client/internal/events"
	"rqlite-client/internal/monitor"
	"rqlite-client/internal/tracking"

	"github.com/gin-gonic/gin"
)

// WebServer 只读的运维状态接口
type WebServer struct {
	server     *http.Server
	engine     *gin.Engine
	logger     *slog.Logger
	config     *config.Config
	configMu   sync.RWMutex
	dispatcher *dispatch.Dispatcher
	metrics    *monitor.Metrics
	tracker    *tracking.Tracker
	health     *endpoint.HealthChecker
	status     *api.StatusClient
	streams    *streamHub
	startTime  time.Time
}

// NewWebServer creates a new Web server
// metrics、tracker、health 和 bus 都可以为 nil，对应接口返回空数据
func NewWebServer(cfg *config.Config, dispatcher *dispatch.Dispatcher, metrics *monitor.Metrics, tracker *tracking.Tracker, health *endpoint.HealthChecker, bus events.EventBus, logger *slog.Logger, startTime time.Time) *WebServer {
	if logger == nil {
		logger = slog.Default()
	}

	// 设置gin为release模式以减少日志输出
	gin.SetMode(gin.ReleaseMode)

	engine := gin.New()
	engine.Use(ginLoggerMiddleware(logger))
	engine.Use(gin.Recovery())

	ws := &WebServer{
		engine:     engine,
		logger:     logger,
		config:     cfg,
		dispatcher: dispatcher,
		metrics:    metrics,
		tracker:    tracker,
		health:     health,
		status:     api.NewStatusClient(dispatcher),
		streams:    newStreamHub(logger),
		startTime:  startTime,
	}

	if bus != nil {
		bus.Subscribe(ws.streams.broadcast)
	}

	ws.setupRoutes()

	return ws
}

// Handler 返回路由，测试和嵌入时使用
func (ws *WebServer) Handler() http.Handler {
	return ws.engine
}

// Start启动Web服务器
func (ws *WebServer) Start() error {
	cfg := ws.getConfig()
	addr := fmt.Sprintf("%s:%d", cfg.Web.Host, cfg.Web.Port)

	ws.server = &http.Server{
		Addr:         addr,
		Handler:      ws.engine,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE连接需要禁用写入超时
		IdleTimeout:  300 * time.Second,
	}

	ws.logger.Info(fmt.Sprintf("🌐 Web界面启动中... - 地址: %s", addr))

	go func() {
		if err := ws.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			ws.logger.Error(fmt.Sprintf("❌ Web服务器启动失败: %v", err))
		}
	}()

	ws.logger.Info(fmt.Sprintf("✅ Web界面启动成功！访问地址: http://%s", addr))
	return nil
}

// Stop优雅关闭Web服务器
func (ws *WebServer) Stop(ctx context.Context) error {
	if ws.server == nil {
		return nil
	}

	ws.logger.Info("🛑 正在关闭Web服务器...")
	ws.streams.closeAll()

	err := ws.server.Shutdown(ctx)
	if err != nil {
		ws.logger.Error(fmt.Sprintf("❌ Web服务器关闭失败: %v", err))
	} else {
		ws.logger.Info("✅ Web服务器已安全关闭")
	}
	return err
}

// UpdateConfig更新配置，监听地址的变化要重启后生效
func (ws *WebServer) UpdateConfig(newConfig *config.Config) {
	ws.configMu.Lock()
	ws.config = newConfig
	ws.configMu.Unlock()
	ws.logger.Info("🔄 Web服务器配置已更新")
}

func (ws *WebServer) getConfig() *config.Config {
	ws.configMu.RLock()
	defer ws.configMu.RUnlock()
	return ws.config
}

// setupRoutes设置路由
func (ws *WebServer) setupRoutes() {
	ws.engine.GET("/health", ws.handleHealth)

	api := ws.engine.Group("/api")
	{
		api.GET("/hosts", ws.handleHosts)
		api.GET("/metrics", ws.handleMetrics)
		api.GET("/requests", ws.handleRequests)
		api.GET("/status", ws.handleStatus)
		api.GET("/stream", ws.handleSSE)
	}
}

// ginLoggerMiddleware创建gin的日志中间件
func ginLoggerMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		if path == "/favicon.ico" {
			return
		}
		if raw != "" {
			path = path + "?" + raw
		}

		statusCode := c.Writer.Status()
		message := fmt.Sprintf("🌐 Web请求 %s %s %d %v %s",
			c.Request.Method, path, statusCode, latency, c.ClientIP())

		// 根据状态码确定日志级别
		if statusCode >= 400 {
			logger.Warn(message)
		} else if !strings.HasPrefix(path, "/api/stream") {
			logger.Debug(message)
		}
	}
}
