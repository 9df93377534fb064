// server.go — 面向浏览器的 WebSocket JSON-RPC 服务器。
//
// 架构:
//   browser ⇄ WebSocket ⇄ Server ⇄ Session (每连接一个) ⇄ attempt.Router
//
// 连接模型: 每条连接一个独立会话视图。读循环串行处理该连接的请求;
// 推送走每连接 outbox, 慢消费者不拖慢其他连接, 积压到阈值直接断开
// (浏览器重连后 session/attach 全量重建, 比维护无限缓冲可靠)。
package console

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agent-console/go-console-v2/internal/attempt"
	"github.com/agent-console/go-console-v2/internal/bus"
	"github.com/agent-console/go-console-v2/internal/config"
	"github.com/agent-console/go-console-v2/internal/question"
	apperrors "github.com/agent-console/go-console-v2/pkg/errors"
	"github.com/agent-console/go-console-v2/pkg/logger"
	"github.com/agent-console/go-console-v2/pkg/util"
)

const (
	// defaultMaxConnections 默认最大并发连接数 (CONSOLE_MAX_CONNS 覆盖)。
	defaultMaxConnections = 100
	// maxMessageSize 单条消息大小上限 (4MB, 附件走独立通道, 消息只携带 ID)。
	maxMessageSize = 4 << 20
	// connOutboxSize 每连接发送缓冲。
	connOutboxSize = 256
	// connBacklogCut 过载水位: outbox 积压到此深度后新请求直接回过载错误。
	connBacklogCut = connOutboxSize - 16
	// defaultTranscriptThrottle transcript/updated 默认节流窗口。
	defaultTranscriptThrottle = 500 * time.Millisecond
)

// Upstream 会话所需的上行能力: attempt 操作与提问应答。
// 生产环境由 agenthost.Client 同时实现。
type Upstream interface {
	attempt.Channel
	question.Upstream
}

// Deps 服务器的外部依赖。
type Deps struct {
	Config   *config.Config
	Upstream Upstream
	Store    attempt.PersistedStore
	Bus      *bus.MessageBus
	// Connected 上行通道在线查询 (接 Ingest.Connected)。
	Connected func() bool
}

// Server WebSocket JSON-RPC 服务器。
type Server struct {
	cfg     *config.Config
	deps    Deps
	methods map[string]sessionHandler

	mu     sync.RWMutex
	conns  map[string]*connEntry
	nextID atomic.Int64

	baseCtx  context.Context
	upgrader websocket.Upgrader
}

// New 创建服务器并注册所有方法。
func New(deps Deps) *Server {
	s := &Server{
		cfg:     deps.Config,
		deps:    deps,
		conns:   make(map[string]*connEntry),
		baseCtx: context.Background(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkLocalOrigin,
		},
	}
	s.registerMethods()
	return s
}

func (s *Server) maxConns() int {
	if s.cfg != nil && s.cfg.ConsoleMaxConns > 0 {
		return s.cfg.ConsoleMaxConns
	}
	return defaultMaxConnections
}

func (s *Server) throttleDur() time.Duration {
	if s.cfg != nil {
		return time.Duration(s.cfg.TranscriptThrottleMs) * time.Millisecond
	}
	return defaultTranscriptThrottle
}

// ConnCount 返回当前连接数。
func (s *Server) ConnCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// ListenAndServe 启动监听并阻塞到 ctx 取消。
// addr 允许带 ws:// 前缀 (与配置项 CONSOLE_LISTEN 一致)。
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	s.baseCtx = ctx

	host := strings.TrimPrefix(addr, "ws://")
	host = strings.TrimPrefix(host, "wss://")

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleUpgrade)

	srv := &http.Server{
		Addr:              host,
		Handler:           mux,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
		ReadHeaderTimeout: 10 * time.Second,
	}

	// 优雅关闭: 给活跃连接 5 秒完成处理
	util.SafeGo(func() {
		<-ctx.Done()
		logger.Info("console: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("console: shutdown error", logger.FieldError, err)
			return
		}
		logger.Info("console: shutdown completed")
	})

	logger.Info("console: listening", logger.FieldAddr, host)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return apperrors.Wrap(err, "console.ListenAndServe", "listen")
	}
	return nil
}

// ========================================
// 连接生命周期
// ========================================

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	// 连接数限制
	s.mu.RLock()
	numConns := len(s.conns)
	s.mu.RUnlock()
	if numConns >= s.maxConns() {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		logger.Warn("console: connection rejected (max reached)", logger.FieldMax, s.maxConns())
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("console: upgrade failed", logger.FieldError, err)
		return
	}
	ws.SetReadLimit(maxMessageSize)

	connID := fmt.Sprintf("conn-%d", s.nextID.Add(1))
	entry := newConnEntry(ws)
	entry.sess = newSession(sessionDeps{
		upstream:  s.deps.Upstream,
		store:     s.deps.Store,
		bus:       s.deps.Bus,
		connected: s.deps.Connected,
		throttle:  s.throttleDur(),
		ctx:       s.baseCtx,
		push: func(method string, params any) {
			s.pushNotification(connID, entry, method, params)
		},
	})

	s.mu.Lock()
	s.conns[connID] = entry
	s.mu.Unlock()

	util.SafeGo(func() {
		if err := entry.writeLoop(); err != nil {
			logger.Warn("console: write loop failed", logger.FieldConn, connID, logger.FieldError, err)
			s.disconnectConn(connID)
		}
	})

	logger.Info("console: client connected",
		logger.FieldConn, connID,
		logger.FieldSession, entry.sess.id,
		logger.FieldRemote, r.RemoteAddr)

	defer func() {
		s.mu.Lock()
		delete(s.conns, connID)
		s.mu.Unlock()
		entry.closeNow()
		entry.sess.Close()
		logger.Info("console: client disconnected", logger.FieldConn, connID)
	}()

	s.readLoop(r.Context(), entry, connID)
}

func (s *Server) readLoop(ctx context.Context, entry *connEntry, connID string) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("console: readLoop panicked, disconnecting",
				logger.FieldConn, connID, logger.FieldError, r)
			s.disconnectConn(connID)
		}
	}()
	for {
		_, message, err := entry.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn("console: read error", logger.FieldConn, connID, logger.FieldError, err)
			}
			return
		}

		// 单次 Unmarshal: 路由 + 延迟解析
		var env rpcEnvelope
		if err := json.Unmarshal(message, &env); err != nil {
			_ = s.sendResponseViaOutbox(connID, entry, newError(nil, CodeParseError, "parse error: "+err.Error()), "parse_error_response")
			continue
		}

		// 本服务器从不向浏览器发起请求, response 帧只可能是协议误用
		if env.isResponse() {
			logger.Debug("console: unexpected response frame dropped", logger.FieldConn, connID)
			continue
		}

		// 出站积压过载: 请求直接拒绝, 让浏览器退避重试
		if env.Method != "" && len(env.ID) > 0 && string(env.ID) != "null" && entry.outboxDepth() >= connBacklogCut {
			overloaded := newErrorData(rawIDtoAny(env.ID), CodeOverloaded, "Server overloaded; retry later.", map[string]any{
				"retry_after_ms": 500,
			})
			if !s.sendResponseViaOutbox(connID, entry, overloaded, "request_overloaded") {
				return
			}
			continue
		}

		resp := s.dispatchRequest(ctx, entry.sess, rawIDtoAny(env.ID), env.Method, env.Params)
		if resp == nil {
			continue
		}
		if !s.sendResponseViaOutbox(connID, entry, resp, "request_response") {
			return
		}
	}
}

// dispatchRequest 统一的方法分发逻辑。
func (s *Server) dispatchRequest(ctx context.Context, sess *Session, id any, method string, params json.RawMessage) *Response {
	if method == "" {
		return newError(id, CodeInvalidRequest, "method is required")
	}

	handler, ok := s.methods[method]
	if !ok {
		if id == nil {
			logger.Warn("console: notification for unregistered method (dropped)",
				logger.FieldMethod, method,
				logger.FieldParamsLen, len(params),
			)
			return nil
		}
		logger.Warn("console: request for unregistered method",
			logger.FieldMethod, method,
			logger.FieldID, id,
		)
		return newError(id, CodeMethodNotFound, "method not found: "+method)
	}

	result, err := handler(ctx, sess, params)
	if err != nil {
		if id == nil {
			logger.Warn("console: notification handler error (no response sent)",
				logger.FieldMethod, method,
				logger.FieldError, err,
			)
			return nil
		}
		logger.Warn("console: request handler error",
			logger.FieldMethod, method,
			logger.FieldID, id,
			logger.FieldError, err,
		)
		return newError(id, errorCode(err), err.Error())
	}

	// JSON-RPC 2.0: 通知 (id == nil) 不返回响应
	if id == nil {
		return nil
	}
	return newResult(id, result)
}

// errorCode 把内部错误映射到 JSON-RPC 错误码。
func errorCode(err error) int {
	if errors.Is(err, apperrors.ErrInvalidInput) {
		return CodeInvalidParams
	}
	return CodeInternalError
}

// ========================================
// 出站
// ========================================

// pushNotification 会话推送入口 (Session.push 的实现)。
func (s *Server) pushNotification(connID string, entry *connEntry, method string, params any) {
	data, err := json.Marshal(newNotification(method, params))
	if err != nil {
		logger.Error("console: marshal notification failed",
			logger.FieldConn, connID, logger.FieldMethod, method, logger.FieldError, err)
		return
	}
	s.enqueueConnMessage(connID, entry, websocket.TextMessage, data, "push_"+method)
}

func (s *Server) sendResponseViaOutbox(connID string, entry *connEntry, resp *Response, reason string) bool {
	if resp == nil {
		return true
	}
	data, err := json.Marshal(resp)
	if err != nil {
		logger.Error("console: marshal response failed", logger.FieldConn, connID, logger.FieldError, err)
		return false
	}
	return s.enqueueConnMessage(connID, entry, websocket.TextMessage, data, reason)
}

func (s *Server) enqueueConnMessage(connID string, entry *connEntry, msgType int, data []byte, reason string) bool {
	if entry == nil {
		return false
	}
	if entry.enqueue(msgType, data) {
		return true
	}
	logger.Warn("console: client send queue overloaded, disconnecting",
		logger.FieldConn, connID,
		"reason", strings.TrimSpace(reason),
		"outbox_depth", entry.outboxDepth(),
		"outbox_cap", connOutboxSize,
	)
	s.disconnectConn(connID)
	return false
}

func (s *Server) disconnectConn(connID string) {
	id := strings.TrimSpace(connID)
	if id == "" {
		return
	}
	s.mu.Lock()
	entry, ok := s.conns[id]
	if ok {
		delete(s.conns, id)
	}
	s.mu.Unlock()
	if ok && entry != nil {
		entry.closeNow()
		if entry.sess != nil {
			entry.sess.Close()
		}
	}
}
