// router.go — attempt 路由: 同步过滤、去重、乐观状态迁移。
//
// 视图任一时刻至多锁定一个活动 attempt。过滤与合并在同一把锁下
// 完成, 切换活动 attempt 与应用事件之间不存在竞态窗口: 旧 attempt
// 的尾流事件要么在切换前整体落入旧视图, 要么在切换后被整体拒之门外。
//
// lastSeq 只在"活动 attempt 的事件成功应用"时前进。外来 attempt
// 的序号不推进游标 —— Resync 按 attempt 过滤查询, 游标一旦越过
// 实际未应用的行, 断线补偿就会漏事件。
package attempt

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/agent-console/go-console-v2/internal/agenthost"
	"github.com/agent-console/go-console-v2/internal/question"
	"github.com/agent-console/go-console-v2/internal/transcript"
	apperrors "github.com/agent-console/go-console-v2/pkg/errors"
	"github.com/agent-console/go-console-v2/pkg/logger"
	"github.com/agent-console/go-console-v2/pkg/util"
)

// Hooks 路由向会话层的回调。可能在 Router 锁内触发,
// 实现方不得同步回调 Router。
type Hooks struct {
	// OnTranscript 转写稿变动, 节流在会话层。
	OnTranscript func()
	// OnStatus 活动 attempt 状态翻转。
	OnStatus func(attemptID string, status agenthost.AttemptStatus)
}

// Router 单个会话视图的 attempt 路由器。
type Router struct {
	mu      sync.Mutex
	taskID  string
	active  string                  // 活动 attemptId, 空表示未锁定
	status  agenthost.AttemptStatus // 仅 active 非空时有意义
	viewGen uint64                  // 视图代次, 作废迟到的开始应答
	lastSeq int64                   // 最后应用的持久化序号

	channel Channel
	store   PersistedStore
	ts      *transcript.Manager
	qt      *question.Tracker
	hooks   Hooks
}

// NewRouter 创建路由器。
func NewRouter(channel Channel, store PersistedStore,
	ts *transcript.Manager, qt *question.Tracker, hooks Hooks) *Router {
	return &Router{
		channel: channel,
		store:   store,
		ts:      ts,
		qt:      qt,
		hooks:   hooks,
	}
}

// SetActive 切换视图锚点并作废在途的开始应答。
func (r *Router) SetActive(taskID, attemptID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.taskID = taskID
	r.active = attemptID
	r.lastSeq = 0
	r.viewGen++
	if attemptID != "" {
		r.status = agenthost.StatusRunning
	} else {
		r.status = ""
	}
}

// Active 当前活动 attempt 与状态。
func (r *Router) Active() (string, agenthost.AttemptStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active, r.status
}

// TaskID 当前附着的任务。
func (r *Router) TaskID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.taskID
}

// LastSeq 最后应用的持久化序号。
func (r *Router) LastSeq() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastSeq
}

// ========================================
// 事件应用
// ========================================

// Apply 过滤并应用一条事件。seq 为持久化序号, 0 表示未持久化
// (不参与去重)。返回事件是否进入了视图。
func (r *Router) Apply(seq int64, ev agenthost.Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active == "" || ev.AttemptID != r.active {
		return false
	}
	if seq > 0 && seq <= r.lastSeq {
		return false // 补偿重放与实时流重叠
	}
	if err := r.ts.ApplyEvent(ev); err != nil {
		logger.Warn("event not applied",
			logger.FieldAttemptID, ev.AttemptID,
			logger.FieldEventKind, string(ev.Kind),
			logger.FieldError, err)
		return false
	}
	r.qt.Observe(ev)
	if seq > 0 {
		r.lastSeq = seq
	}
	if ev.Kind == agenthost.EventTerminal && !r.status.Terminal() {
		// 乐观取消已落终态时, 迟到的上游终态不再覆盖
		r.status = ev.Terminal.Status
		if r.hooks.OnStatus != nil {
			r.hooks.OnStatus(r.active, r.status)
		}
	}
	if r.hooks.OnTranscript != nil {
		r.hooks.OnTranscript()
	}
	return true
}

// ========================================
// 用户操作
// ========================================

// Start 发起新 attempt。应答等待期间不持锁; 应答返回时视图已被
// 切走的, 作废该 attempt: 补一条 cancelled 元数据留痕, 并请求上游
// 撤销, 决不让它接管视图。
func (r *Router) Start(ctx context.Context, prompt, displayPrompt string, attachmentIDs []string) (string, error) {
	const op = "attempt.Start"
	if strings.TrimSpace(prompt) == "" {
		return "", apperrors.Wrap(apperrors.ErrInvalidInput, op, "empty prompt")
	}
	r.mu.Lock()
	taskID := r.taskID
	gen := r.viewGen
	r.mu.Unlock()

	attemptID, err := r.channel.StartAttempt(ctx, agenthost.StartAttemptParams{
		TaskID:        taskID,
		Prompt:        prompt,
		DisplayPrompt: displayPrompt,
		AttachmentIDs: attachmentIDs,
	})
	if err != nil {
		return "", apperrors.Wrap(err, op, "start via channel")
	}

	r.mu.Lock()
	if r.viewGen != gen {
		r.mu.Unlock()
		logger.Warn("stale start ack discarded",
			logger.FieldAttemptID, attemptID, logger.FieldTaskID, taskID)
		if err := r.store.CreateAttempt(ctx, Meta{
			AttemptID: attemptID,
			TaskID:    taskID,
			Prompt:    prompt,
			Status:    agenthost.StatusCancelled,
			StartedAt: time.Now(),
		}); err != nil {
			logger.Warn("stale attempt audit row not created",
				logger.FieldAttemptID, attemptID, logger.FieldError, err)
		}
		if err := r.channel.CancelAttempt(ctx, attemptID); err != nil {
			logger.Warn("stale attempt upstream cancel failed",
				logger.FieldAttemptID, attemptID, logger.FieldError, err)
		}
		return "", apperrors.New(op, "view changed while starting, attempt discarded")
	}
	r.active = attemptID
	r.status = agenthost.StatusRunning
	r.lastSeq = 0
	r.viewGen++
	r.mu.Unlock()

	turn := r.ts.AppendUserTurn(util.FirstNonEmpty(displayPrompt, prompt))
	if err := r.store.CreateAttempt(ctx, Meta{
		AttemptID: attemptID,
		TaskID:    taskID,
		Prompt:    prompt,
		Status:    agenthost.StatusRunning,
		StartedAt: time.Now(),
	}); err != nil {
		logger.Error("attempt row not created",
			logger.FieldAttemptID, attemptID, logger.FieldError, err)
	}
	if err := r.store.SaveUserTurn(ctx, taskID, turn); err != nil {
		logger.Warn("user turn not persisted",
			logger.FieldAttemptID, attemptID, logger.FieldError, err)
	}
	if err := r.channel.Subscribe(ctx, attemptID); err != nil {
		logger.Warn("subscribe failed, relying on resync",
			logger.FieldAttemptID, attemptID, logger.FieldError, err)
	}
	if err := r.Resync(ctx); err != nil {
		logger.Warn("initial resync failed",
			logger.FieldAttemptID, attemptID, logger.FieldError, err)
	}
	if r.hooks.OnStatus != nil {
		r.hooks.OnStatus(attemptID, agenthost.StatusRunning)
	}
	if r.hooks.OnTranscript != nil {
		r.hooks.OnTranscript()
	}
	return attemptID, nil
}

// Cancel 乐观取消活动 attempt: 本地状态即刻翻转, 上游失败只记日志,
// 巡检会给失联的 running 行兜底收尸。打开轮不封 —— 取消后的尾流
// 事件仍然合并, 真正封轮的是 terminal。
func (r *Router) Cancel(ctx context.Context) error {
	const op = "attempt.Cancel"
	r.mu.Lock()
	attemptID := r.active
	if attemptID == "" || r.status.Terminal() {
		r.mu.Unlock()
		return apperrors.Wrap(apperrors.ErrNotFound, op, "no running attempt")
	}
	r.status = agenthost.StatusCancelled
	r.mu.Unlock()

	if r.hooks.OnStatus != nil {
		r.hooks.OnStatus(attemptID, agenthost.StatusCancelled)
	}
	if err := r.store.MarkAttemptStatus(ctx, attemptID, agenthost.StatusCancelled); err != nil {
		logger.Warn("cancel not persisted",
			logger.FieldAttemptID, attemptID, logger.FieldError, err)
	}
	if err := r.channel.CancelAttempt(ctx, attemptID); err != nil {
		logger.Warn("upstream cancel failed",
			logger.FieldAttemptID, attemptID, logger.FieldError, err)
	}
	return nil
}

// ========================================
// 补偿
// ========================================

// Resync 从持久化日志补齐 lastSeq 之后的事件。与实时流重叠的部分
// 由 Apply 的序号门挡掉。
func (r *Router) Resync(ctx context.Context) error {
	r.mu.Lock()
	attemptID := r.active
	afterSeq := r.lastSeq
	r.mu.Unlock()
	if attemptID == "" {
		return nil
	}
	events, err := r.store.GetEventLog(ctx, attemptID, afterSeq)
	if err != nil {
		return apperrors.Wrap(err, "attempt.Resync", "load event log")
	}
	applied := r.replayLog(events)
	if applied > 0 {
		logger.Info("resynced from event log",
			logger.FieldAttemptID, attemptID, logger.FieldCount, applied)
	}
	return nil
}

// OnChannelState 上行通道状态翻转。重连成功后重订阅 + 补偿,
// 断开本身不动视图 (事件会断流, 持久化日志兜底)。
func (r *Router) OnChannelState(ctx context.Context, connected bool) {
	if !connected {
		return
	}
	r.mu.Lock()
	attemptID := r.active
	terminal := r.status.Terminal()
	r.mu.Unlock()
	if attemptID == "" || terminal {
		return
	}
	if err := r.channel.Subscribe(ctx, attemptID); err != nil {
		logger.Warn("resubscribe failed",
			logger.FieldAttemptID, attemptID, logger.FieldError, err)
	}
	if err := r.Resync(ctx); err != nil {
		logger.Warn("resync after reconnect failed",
			logger.FieldAttemptID, attemptID, logger.FieldError, err)
	}
}
