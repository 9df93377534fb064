// session.go — 单个浏览器连接的会话状态机。
//
// 每条 WebSocket 连接拥有一套独立的视图三件套: transcript.Manager (会话视图)、
// question.Tracker (提问状态)、attempt.Router (路由与序号门)。会话订阅总线,
// 把已持久化的事件按序应用到自己的视图, 并把视图变化推送给浏览器。
//
// 串行化约定: 所有写视图的路径 — 总线事件应用、附着、启动 — 都在会话的
// 排水 goroutine 上执行。附着/启动内部要做补偿重放, 若此时另一个 goroutine
// 并发应用实时事件, 高序号事件会先推进序号门, 把重放中的低序号事件挡掉;
// 用命令通道把这两类操作排进同一条队列, 竞态就不存在了。
package console

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agent-console/go-console-v2/internal/agenthost"
	"github.com/agent-console/go-console-v2/internal/attempt"
	"github.com/agent-console/go-console-v2/internal/bus"
	"github.com/agent-console/go-console-v2/internal/question"
	"github.com/agent-console/go-console-v2/internal/transcript"
	apperrors "github.com/agent-console/go-console-v2/pkg/errors"
	"github.com/agent-console/go-console-v2/pkg/logger"
	"github.com/agent-console/go-console-v2/pkg/util"
)

// sessionBusBuffer 会话总线订阅的通道容量。
// 会话是高流量订阅者 (delta 流), 缓冲小了溢出会频繁触发重放。
const sessionBusBuffer = 256

// PushFunc 向浏览器推送一条 JSON-RPC 通知。实现必须非阻塞。
type PushFunc func(method string, params any)

// 推送通知的方法名。
const (
	notifyTranscript = "transcript/updated"
	notifyStatus     = "attempt/status"
	notifyQuestion   = "question/pending"
	notifyCleared    = "question/cleared"
	notifyChannel    = "channel/state"
)

// transcriptPayload transcript/updated 通知的载荷。
type transcriptPayload struct {
	Seq   int64             `json:"seq"`
	Turns []transcript.Turn `json:"turns"`
}

// viewState 会话视图的完整快照 (session/attach 响应与 transcript/get 共用)。
type viewState struct {
	TaskID    string                    `json:"taskId"`
	AttemptID string                    `json:"attemptId,omitempty"`
	Status    string                    `json:"status,omitempty"`
	Seq       int64                     `json:"seq"`
	Turns     []transcript.Turn         `json:"turns"`
	Pending   *question.PendingQuestion `json:"pendingQuestion,omitempty"`
	Connected bool                      `json:"channelConnected"`
}

// sessionCmd 排到排水 goroutine 上执行的操作。
type sessionCmd struct {
	run  func()
	done chan struct{}
}

// sessionDeps 会话的装配参数。
type sessionDeps struct {
	upstream  Upstream
	store     attempt.PersistedStore
	bus       *bus.MessageBus
	push      PushFunc
	connected func() bool
	throttle  time.Duration
	ctx       context.Context
}

// Session 单个浏览器连接的视图状态。
type Session struct {
	id  string
	ctx context.Context

	ts     *transcript.Manager
	qt     *question.Tracker
	router *attempt.Router

	b   *bus.MessageBus
	sub *bus.Subscriber

	push      PushFunc
	connected func() bool

	cmdCh     chan sessionCmd
	lastDrops int64 // 上次检查时的订阅丢弃计数

	// transcript/updated 节流
	throttle time.Duration
	thrMu    sync.Mutex
	lastEmit time.Time
	timer    *time.Timer

	closeCh   chan struct{}
	closeOnce sync.Once
}

// newSession 创建会话并启动排水 goroutine。
func newSession(d sessionDeps) *Session {
	if d.ctx == nil {
		d.ctx = context.Background()
	}
	if d.push == nil {
		d.push = func(string, any) {}
	}
	if d.connected == nil {
		d.connected = func() bool { return false }
	}
	s := &Session{
		id:        "sess-" + uuid.NewString(),
		ctx:       d.ctx,
		b:         d.bus,
		push:      d.push,
		connected: d.connected,
		cmdCh:     make(chan sessionCmd),
		throttle:  d.throttle,
		closeCh:   make(chan struct{}),
	}
	s.ts = transcript.NewManager()
	s.qt = question.NewTracker(d.upstream, d.store, s.ts)
	s.router = attempt.NewRouter(d.upstream, d.store, s.ts, s.qt, attempt.Hooks{
		OnTranscript: s.scheduleTranscriptPush,
		OnStatus:     s.pushStatus,
	})
	s.qt.SetOnChange(s.onQuestionChange)

	s.sub = s.b.SubscribeBuffered(s.id, bus.TopicAll, sessionBusBuffer)
	util.SafeGo(s.drainLoop)

	logger.Debug("session created", logger.FieldSession, s.id)
	return s
}

// Close 停止排水并退订。幂等。
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.closeCh)
		s.b.Unsubscribe(s.id)
		s.thrMu.Lock()
		if s.timer != nil {
			s.timer.Stop()
			s.timer = nil
		}
		s.thrMu.Unlock()
		logger.Debug("session closed", logger.FieldSession, s.id)
	})
}

// ========================================
// 排水循环
// ========================================

func (s *Session) drainLoop() {
	for {
		select {
		case <-s.closeCh:
			return
		case cmd := <-s.cmdCh:
			s.runCmd(cmd)
		case msg := <-s.sub.Ch:
			s.applyMessage(msg)
		}
	}
}

// runCmd 执行单条命令。panic 只丢当前命令, 不杀排水循环。
func (s *Session) runCmd(cmd sessionCmd) {
	defer close(cmd.done)
	defer func() {
		if r := recover(); r != nil {
			logger.Error("session command panicked",
				logger.FieldSession, s.id, logger.FieldError, r)
		}
	}()
	cmd.run()
}

// applyMessage 应用单条总线消息。坏消息跳过, 循环继续。
func (s *Session) applyMessage(msg bus.Message) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("session message handling panicked",
				logger.FieldSession, s.id,
				logger.FieldTopic, msg.Topic, logger.FieldError, r)
		}
	}()
	s.handleBusMessage(msg)
}

func (s *Session) handleBusMessage(msg bus.Message) {
	switch msg.Type {
	case bus.MsgAttemptEvent:
		var p bus.EventPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			logger.Warn("session: bad event payload",
				logger.FieldSession, s.id, logger.FieldError, err)
			break
		}
		ev, err := agenthost.DecodeEvent(p.Params)
		if err != nil {
			logger.Warn("session: malformed event dropped",
				logger.FieldSession, s.id, logger.FieldError, err)
			break
		}
		s.router.Apply(p.Seq, ev)

	case bus.MsgAttemptStatus, bus.MsgAttemptStale:
		var p bus.StatusPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			break
		}
		s.router.ForceStatus(p.AttemptID, agenthost.AttemptStatus(p.Status))

	case bus.MsgChannelState:
		var p bus.ChannelPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			break
		}
		s.notify(notifyChannel, p)
		s.router.OnChannelState(s.ctx, p.Connected)
	}

	// 订阅通道溢出过 → 总线漏了消息, 从持久层重放补齐
	if d := s.sub.Drops(); d > s.lastDrops {
		logger.Warn("session: bus overflow, resyncing",
			logger.FieldSession, s.id, logger.FieldCount, d-s.lastDrops)
		s.lastDrops = d
		if err := s.router.Resync(s.ctx); err != nil {
			logger.Warn("session: overflow resync failed",
				logger.FieldSession, s.id, logger.FieldError, err)
		}
	}
}

// exec 把 fn 排到排水 goroutine 执行并等待完成。
func (s *Session) exec(ctx context.Context, fn func()) error {
	const op = "console.exec"
	cmd := sessionCmd{run: fn, done: make(chan struct{})}
	select {
	case s.cmdCh <- cmd:
	case <-s.closeCh:
		return apperrors.Wrap(apperrors.ErrChannelClosed, op, "session closed")
	case <-ctx.Done():
		return apperrors.Wrap(ctx.Err(), op, "enqueue")
	}
	select {
	case <-cmd.done:
		return nil
	case <-s.closeCh:
		return apperrors.Wrap(apperrors.ErrChannelClosed, op, "session closed")
	}
}

// ========================================
// 会话操作 (由方法处理器调用)
// ========================================

// Attach 把会话切到指定 task: 水合已结束历史, 接管运行中 attempt,
// 恢复悬挂提问。在排水 goroutine 上执行。
func (s *Session) Attach(ctx context.Context, taskID string) error {
	var err error
	execErr := s.exec(ctx, func() {
		err = s.attachOnDrain(ctx, taskID)
	})
	if execErr != nil {
		return execErr
	}
	return err
}

// attachOnDrain 只能在排水 goroutine 上调用。
//
// 附着期间摘掉提问回调: 重放历史会经过大量已答复的 ask/outcome 对,
// 每一对都触发 pending→cleared 翻转, 浏览器不需要看这些噪声。
// 附着完成后用终态补推一次。
func (s *Session) attachOnDrain(ctx context.Context, taskID string) error {
	s.qt.SetOnChange(nil)
	defer func() {
		s.qt.SetOnChange(s.onQuestionChange)
		s.onQuestionChange(s.qt.Pending())
	}()
	return s.router.Attach(ctx, taskID)
}

// Start 启动新 attempt。带 taskID 且与当前附着不同, 先切过去。
func (s *Session) Start(ctx context.Context, taskID, prompt, displayPrompt string, attachmentIDs []string) (string, error) {
	const op = "console.Start"
	var attemptID string
	var err error
	execErr := s.exec(ctx, func() {
		if taskID != "" && taskID != s.router.TaskID() {
			if err = s.attachOnDrain(ctx, taskID); err != nil {
				return
			}
		}
		if s.router.TaskID() == "" {
			err = apperrors.Wrap(apperrors.ErrInvalidInput, op, "no task attached")
			return
		}
		attemptID, err = s.router.Start(ctx, prompt, displayPrompt, attachmentIDs)
	})
	if execErr != nil {
		return "", execErr
	}
	return attemptID, err
}

// CancelAttempt 请求取消 attempt。attemptID 为空时取当前活跃者。
func (s *Session) CancelAttempt(ctx context.Context, attemptID string) error {
	if attemptID != "" {
		if active, _ := s.router.Active(); active != attemptID {
			return apperrors.Wrapf(apperrors.ErrNotFound,
				"console.CancelAttempt", "attempt %s is not active here", attemptID)
		}
	}
	return s.router.Cancel(ctx)
}

// Answer 答复提问。省略 attemptID/toolCallID 时默认当前悬挂的那条。
func (s *Session) Answer(ctx context.Context, attemptID, toolCallID string, answers []string) error {
	if attemptID == "" || toolCallID == "" {
		if q := s.qt.Pending(); q != nil {
			attemptID, toolCallID = q.AttemptID, q.ToolCallID
		}
	}
	return s.qt.Answer(ctx, attemptID, toolCallID, answers)
}

// CancelQuestion 撤销当前悬挂的提问。
func (s *Session) CancelQuestion(ctx context.Context) error {
	q := s.qt.Pending()
	if q == nil {
		return apperrors.Wrap(apperrors.ErrNoPendingQuestion,
			"console.CancelQuestion", "nothing pending")
	}
	return s.qt.Cancel(ctx, q.AttemptID, q.ToolCallID)
}

// State 返回视图完整快照。
func (s *Session) State() viewState {
	attemptID, status := s.router.Active()
	st := ""
	if status != "" {
		st = string(status)
	}
	return viewState{
		TaskID:    s.router.TaskID(),
		AttemptID: attemptID,
		Status:    st,
		Seq:       s.router.LastSeq(),
		Turns:     s.ts.Snapshot(),
		Pending:   s.qt.Pending(),
		Connected: s.connected(),
	}
}

// ========================================
// 推送
// ========================================

// notify 关闭后丢弃推送 (节流 timer 可能在 Close 之后触发)。
func (s *Session) notify(method string, params any) {
	select {
	case <-s.closeCh:
		return
	default:
	}
	s.push(method, params)
}

// pushStatus attempt.Hooks.OnStatus: 状态翻转立即推, 不节流。
// 可能在 Router 锁内触发, 这里不得回调 Router。
func (s *Session) pushStatus(attemptID string, status agenthost.AttemptStatus) {
	s.notify(notifyStatus, bus.StatusPayload{AttemptID: attemptID, Status: string(status)})
}

// onQuestionChange question.Tracker 的变化回调。
func (s *Session) onQuestionChange(q *question.PendingQuestion) {
	if q == nil {
		s.notify(notifyCleared, struct{}{})
		return
	}
	s.notify(notifyQuestion, q)
}

// scheduleTranscriptPush attempt.Hooks.OnTranscript: 合并高频视图变化。
//
// 窗口外首次变化近似立即推送, 窗口内的变化合并到尾沿一次推完。
// 推送永远发生在 timer goroutine 上: 钩子可能在 Router 锁内触发,
// 而构造载荷要读 Router, 同 goroutine 再进锁会死锁。
func (s *Session) scheduleTranscriptPush() {
	s.thrMu.Lock()
	defer s.thrMu.Unlock()
	if s.timer != nil {
		return // 已有待发推送, 新变化会被同一次推送带上
	}
	var delay time.Duration
	if wait := s.throttle - time.Since(s.lastEmit); wait > 0 {
		delay = wait
	}
	s.timer = time.AfterFunc(delay, s.flushTranscript)
}

func (s *Session) flushTranscript() {
	s.thrMu.Lock()
	s.timer = nil
	s.lastEmit = time.Now()
	s.thrMu.Unlock()

	select {
	case <-s.closeCh:
		return
	default:
	}
	s.notify(notifyTranscript, transcriptPayload{
		Seq:   s.router.LastSeq(),
		Turns: s.ts.Snapshot(),
	})
}
