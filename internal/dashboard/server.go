// Package dashboard 运维检视面板: attempt / 事件日志 / 归档轮 / 回答 /
// 系统日志的只读 REST API, 外加一条桥接消息总线的 SSE 实时流。
//
// 面板与浏览器控制台 (console) 互不依赖: 它直接读库与订发布回调,
// 不碰会话状态, 挂掉任何一边都不影响另一边。
package dashboard

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/agent-console/go-console-v2/internal/bus"
	"github.com/agent-console/go-console-v2/internal/config"
	"github.com/agent-console/go-console-v2/internal/store"
	"github.com/agent-console/go-console-v2/pkg/logger"
)

// Stores 面板依赖的存储集合 (一次注入)。
type Stores struct {
	Attempt       *store.AttemptStore
	AttemptEvent  *store.AttemptEventStore
	AttemptTurn   *store.AttemptTurnStore
	AttemptAnswer *store.AttemptAnswerStore
	SystemLog     *store.SystemLogStore
	DBQuery       *store.DBQueryStore
}

// Server 面板 HTTP 服务。
type Server struct {
	cfg    *config.Config
	router *gin.Engine
	stores *Stores
	events *EventBus
}

// NewServer 创建面板服务。cfg 可为 nil (全部取默认值)。
func NewServer(cfg *config.Config, stores *Stores) *Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLog())
	s := &Server{cfg: cfg, router: r, stores: stores, events: NewEventBus()}
	s.registerRoutes()
	return s
}

// Engine 返回 gin 引擎, 由外层 http.Server 挂载。
func (s *Server) Engine() *gin.Engine { return s.router }

// BridgeBus 把消息总线上的每条消息桥接到 SSE 流。
// 回调在发布方 goroutine 上执行, EventBus.Publish 非阻塞。
func (s *Server) BridgeBus(b *bus.MessageBus) {
	b.SetOnPublish(func(m bus.Message) {
		s.events.Publish(Event{Type: m.Type, Data: m})
	})
}

// requestLog 每个请求一行结构化日志 (debug 级, 生产静音)。
func requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("dashboard: request",
			logger.FieldMethod, c.Request.Method,
			logger.FieldPath, c.Request.URL.Path,
			logger.FieldStatus, c.Writer.Status(),
			logger.FieldLatencyMS, time.Since(start).Milliseconds())
	}
}

// eventLogLimit 事件日志默认页大小。
func (s *Server) eventLogLimit() int {
	if s.cfg == nil || s.cfg.EventLogLimit <= 0 {
		return 100
	}
	return s.cfg.EventLogLimit
}

// systemLogLimit 系统日志默认页大小。
func (s *Server) systemLogLimit() int {
	if s.cfg == nil || s.cfg.SystemLogLimit <= 0 {
		return 100
	}
	return s.cfg.SystemLogLimit
}

// sseKeepalive SSE 保活间隔。
func (s *Server) sseKeepalive() time.Duration {
	if s.cfg == nil || s.cfg.DashboardSSESyncSec <= 0 {
		return 30 * time.Second
	}
	return time.Duration(s.cfg.DashboardSSESyncSec) * time.Second
}
