// client.go — agent host WebSocket JSON-RPC 2.0 客户端。
//
// 连接管理: 指数退避重连 (500ms 起, 30s 封顶, 成功后复位),
// 每次连接状态翻转都回调 stateFn, 由上层决定订阅 / 补偿重放。
// 请求-响应按 id 配对; attempt/event 通知经 DecodeEvent 解码后
// 逐条交给 eventFn, 畸形事件记日志丢弃, 循环不退。
package agenthost

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	apperrors "github.com/agent-console/go-console-v2/pkg/errors"
	"github.com/agent-console/go-console-v2/pkg/logger"
	"github.com/agent-console/go-console-v2/pkg/util"
)

// ========================================
// JSON-RPC 2.0 线格式
// ========================================

type jsonRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type jsonRPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *jsonRPCError) Error() string {
	return fmt.Sprintf("agent host rpc error %d: %s", e.Code, e.Message)
}

// jsonRPCMessage 入站统一形态: 一次 Unmarshal 后按字段组合分流。
// 有 ID 且有 Result/Error → 响应; 有 Method 无 ID → 通知。
type jsonRPCMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonRPCError   `json:"error,omitempty"`
}

// eventNotifyMethod 上游唯一的事件通知方法。
const eventNotifyMethod = "attempt/event"

// ========================================
// 待应答调用
// ========================================

type pendingCall struct {
	result json.RawMessage
	err    error
	done   chan struct{}
	once   sync.Once
}

// finish 只第一次生效: 断线清场与迟到响应可能竞争同一个调用。
func (p *pendingCall) finish(result json.RawMessage, err error) {
	p.once.Do(func() {
		p.result = result
		p.err = err
		close(p.done)
	})
}

// ========================================
// 客户端
// ========================================

// EventFunc 收到一条已解码事件时调用 (readLoop goroutine 上, 不得阻塞过久)。
// raw 是通知的原始 params, 摄取侧持久化原文用。
type EventFunc func(ev Event, raw json.RawMessage)

// StateFunc 连接状态翻转时调用。
type StateFunc func(connected bool)

// Options Client 配置。
type Options struct {
	URL          string        // ws://host:port
	CallTimeout  time.Duration // 单次 RPC 超时
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	OnEvent      EventFunc
	OnState      StateFunc
}

// Client 与 agent host 的长连接。写由 wsMu 串行化,
// 读独占 readLoop; conn 替换只发生在 connectLoop。
type Client struct {
	opts Options

	wsMu sync.Mutex // 保护 conn 与出站写
	conn *websocket.Conn

	pendingMu sync.Mutex
	pending   map[int64]*pendingCall
	nextID    atomic.Int64

	stopped atomic.Bool
	closeCh chan struct{}
	wg      sync.WaitGroup
}

// NewClient 创建客户端并启动重连循环。连接是异步建立的;
// 上层通过 OnState 得知就绪, 在就绪前发起的调用会得到 ErrChannelClosed。
func NewClient(opts Options) *Client {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 30 * time.Second
	}
	if opts.ReconnectMin <= 0 {
		opts.ReconnectMin = 500 * time.Millisecond
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = 30 * time.Second
	}
	c := &Client{
		opts:    opts,
		pending: make(map[int64]*pendingCall),
		closeCh: make(chan struct{}),
	}
	c.wg.Add(1)
	util.SafeGo(func() {
		defer c.wg.Done()
		c.connectLoop()
	})
	return c
}

// Shutdown 关停客户端。幂等。
func (c *Client) Shutdown() {
	if c.stopped.Swap(true) {
		return
	}
	close(c.closeCh)
	c.wsMu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.wsMu.Unlock()
	c.failPending(apperrors.ErrChannelClosed)
	c.wg.Wait()
}

// ========================================
// 连接循环
// ========================================

func (c *Client) connectLoop() {
	backoff := c.opts.ReconnectMin
	for !c.stopped.Load() {
		conn, _, err := websocket.DefaultDialer.Dial(c.opts.URL, nil)
		if err != nil {
			logger.Warn("agent host dial failed",
				logger.FieldURL, c.opts.URL,
				logger.FieldError, err,
				logger.FieldDurationMS, backoff.Milliseconds())
			select {
			case <-time.After(backoff):
			case <-c.closeCh:
				return
			}
			backoff = min(backoff*2, c.opts.ReconnectMax)
			continue
		}
		backoff = c.opts.ReconnectMin // 连上即复位

		c.wsMu.Lock()
		c.conn = conn
		c.wsMu.Unlock()

		logger.Info("agent host connected", logger.FieldURL, c.opts.URL)
		if c.opts.OnState != nil {
			c.opts.OnState(true)
		}

		c.readLoop(conn) // 阻塞到断线

		c.wsMu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.wsMu.Unlock()
		_ = conn.Close()

		// 断线: 未应答调用全部失败, 调用方自行决定重试
		c.failPending(apperrors.ErrChannelClosed)
		if c.opts.OnState != nil && !c.stopped.Load() {
			c.opts.OnState(false)
		}
		if c.stopped.Load() {
			return
		}
		logger.Warn("agent host disconnected, reconnecting", logger.FieldURL, c.opts.URL)
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !c.stopped.Load() {
				logger.Warn("agent host read failed", logger.FieldError, err)
			}
			return
		}
		var msg jsonRPCMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Warn("agent host sent non-json frame",
				logger.FieldError, err, logger.FieldDataLen, len(data))
			continue
		}
		switch {
		case msg.ID != nil && (msg.Result != nil || msg.Error != nil):
			c.dispatchResponse(&msg)
		case msg.Method != "":
			c.dispatchNotification(&msg)
		default:
			logger.Warn("agent host frame neither response nor notification",
				logger.FieldDataLen, len(data))
		}
	}
}

func (c *Client) dispatchResponse(msg *jsonRPCMessage) {
	c.pendingMu.Lock()
	call, ok := c.pending[*msg.ID]
	if ok {
		delete(c.pending, *msg.ID)
	}
	c.pendingMu.Unlock()
	if !ok {
		logger.Debug("agent host response for unknown id", logger.FieldID, *msg.ID)
		return
	}
	if msg.Error != nil {
		call.finish(nil, msg.Error)
		return
	}
	call.finish(msg.Result, nil)
}

func (c *Client) dispatchNotification(msg *jsonRPCMessage) {
	if msg.Method != eventNotifyMethod {
		logger.Debug("agent host notification ignored", logger.FieldMethod, msg.Method)
		return
	}
	ev, err := DecodeEvent(msg.Params)
	if err != nil {
		// 畸形事件: 记日志丢弃, 不打断循环
		logger.Warn("malformed attempt event dropped",
			logger.FieldError, err, logger.FieldParamsLen, len(msg.Params))
		return
	}
	if c.opts.OnEvent != nil {
		c.opts.OnEvent(ev, msg.Params)
	}
}

func (c *Client) failPending(err error) {
	c.pendingMu.Lock()
	calls := c.pending
	c.pending = make(map[int64]*pendingCall)
	c.pendingMu.Unlock()
	for _, call := range calls {
		call.finish(nil, err)
	}
}

// ========================================
// 调用
// ========================================

// call 发送请求并等待响应 / 超时 / ctx 取消 / 关停, 以先到者为准。
func (c *Client) call(ctx context.Context, method string, params any, result any) error {
	if c.stopped.Load() {
		return apperrors.Wrap(apperrors.ErrChannelClosed, "agenthost.call", method)
	}
	id := c.nextID.Add(1)
	req := jsonRPCRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}

	pc := &pendingCall{done: make(chan struct{})}
	c.pendingMu.Lock()
	c.pending[id] = pc
	c.pendingMu.Unlock()

	if err := c.writeJSON(req); err != nil {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return apperrors.Wrap(err, "agenthost.call", method)
	}

	timer := time.NewTimer(c.opts.CallTimeout)
	defer timer.Stop()
	select {
	case <-pc.done:
		if pc.err != nil {
			return apperrors.Wrap(pc.err, "agenthost.call", method)
		}
		if result != nil && len(pc.result) > 0 {
			if err := json.Unmarshal(pc.result, result); err != nil {
				return apperrors.Wrapf(err, "agenthost.call", "decode %s result", method)
			}
		}
		return nil
	case <-timer.C:
		c.abandon(id)
		return apperrors.Wrap(apperrors.ErrTimeout, "agenthost.call", method)
	case <-ctx.Done():
		c.abandon(id)
		return apperrors.Wrap(ctx.Err(), "agenthost.call", method)
	case <-c.closeCh:
		return apperrors.Wrap(apperrors.ErrChannelClosed, "agenthost.call", method)
	}
}

// abandon 放弃等待; 迟到的响应会被 dispatchResponse 按未知 id 丢弃。
func (c *Client) abandon(id int64) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

func (c *Client) writeJSON(v any) error {
	c.wsMu.Lock()
	defer c.wsMu.Unlock()
	if c.conn == nil {
		return apperrors.ErrChannelClosed
	}
	return c.conn.WriteJSON(v)
}

// ========================================
// 上游协议方法
// ========================================

// StartAttemptParams attempt/start 请求。
type StartAttemptParams struct {
	TaskID        string   `json:"taskId"`
	Prompt        string   `json:"prompt"`
	DisplayPrompt string   `json:"displayPrompt,omitempty"`
	AttachmentIDs []string `json:"attachmentIds,omitempty"`
}

type startAttemptResult struct {
	AttemptID string `json:"attemptId"`
}

// StartAttempt 请求开启新 attempt, 返回上游分配的 attemptId。
// 响应返回前事件可能已开始推送, 乱序由路由层吸收。
func (c *Client) StartAttempt(ctx context.Context, p StartAttemptParams) (string, error) {
	var res startAttemptResult
	if err := c.call(ctx, "attempt/start", p, &res); err != nil {
		return "", err
	}
	if res.AttemptID == "" {
		return "", apperrors.New("agenthost.StartAttempt", "host returned empty attemptId")
	}
	return res.AttemptID, nil
}

type attemptRefParams struct {
	AttemptID string `json:"attemptId"`
}

// Subscribe 声明对 attemptId 的事件兴趣。幂等。
func (c *Client) Subscribe(ctx context.Context, attemptID string) error {
	return c.call(ctx, "attempt/subscribe", attemptRefParams{AttemptID: attemptID}, nil)
}

// CancelAttempt 请求取消。本地状态已先行翻转, 上游的 terminal 迟到也无妨。
func (c *Client) CancelAttempt(ctx context.Context, attemptID string) error {
	return c.call(ctx, "attempt/cancel", attemptRefParams{AttemptID: attemptID}, nil)
}

// AnswerQuestionParams question/answer 请求。
type AnswerQuestionParams struct {
	AttemptID  string           `json:"attemptId"`
	ToolCallID string           `json:"toolCallId"`
	Prompts    []QuestionPrompt `json:"prompts"`
	Answers    []string         `json:"answers"`
}

// AnswerQuestion 提交提问答案, agent 随后恢复运行。
func (c *Client) AnswerQuestion(ctx context.Context, p AnswerQuestionParams) error {
	return c.call(ctx, "question/answer", p, nil)
}

// CancelQuestionParams question/cancel 请求。
type CancelQuestionParams struct {
	AttemptID  string `json:"attemptId"`
	ToolCallID string `json:"toolCallId"`
}

// CancelQuestion 放弃待答提问。
func (c *Client) CancelQuestion(ctx context.Context, p CancelQuestionParams) error {
	return c.call(ctx, "question/cancel", p, nil)
}
