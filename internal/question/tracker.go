// tracker.go — 提问子协议: 待答状态机与恢复扫描。
//
// 两种入口等价: question_ask 事件与 AskUserQuestion 工具调用,
// 都以 toolCallId 为键进入 asked 状态; tool_outcome 使其 answered,
// attempt 终态清场。任一时刻至多一个待答提问浮在界面上。
//
// 恢复不依赖内存: 提问以 tool_call 块的形式留在转写稿里,
// Recover 扫描持久化历史找回最后一个无结果的 ask 块 ——
// 宿主进程已死的提问直接作废, 答了也没人收。
package question

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/agent-console/go-console-v2/internal/agenthost"
	"github.com/agent-console/go-console-v2/internal/transcript"
	apperrors "github.com/agent-console/go-console-v2/pkg/errors"
	"github.com/agent-console/go-console-v2/pkg/logger"
)

// State 单个提问 (toolCallId) 的生命周期。
type State string

const (
	StateAsked     State = "asked"
	StateAnswered  State = "answered"
	StateCancelled State = "cancelled"
)

// PendingQuestion 当前浮出的待答提问。
type PendingQuestion struct {
	AttemptID  string                     `json:"attemptId"`
	ToolCallID string                     `json:"toolCallId"`
	Prompts    []agenthost.QuestionPrompt `json:"prompts"`
	AskedAt    time.Time                  `json:"askedAt"`
}

func clonePending(q *PendingQuestion) *PendingQuestion {
	if q == nil {
		return nil
	}
	out := *q
	out.Prompts = append([]agenthost.QuestionPrompt(nil), q.Prompts...)
	return &out
}

// Upstream 答复通道, 由 agenthost.Client 实现。
type Upstream interface {
	AnswerQuestion(ctx context.Context, p agenthost.AnswerQuestionParams) error
	CancelQuestion(ctx context.Context, p agenthost.CancelQuestionParams) error
}

// AnswerSaver 答案持久化, 由 store 实现。
type AnswerSaver interface {
	SaveAnswer(ctx context.Context, attemptID, toolCallID string,
		prompts []agenthost.QuestionPrompt, answers []string) error
}

// ChangeFunc 待答提问翻转回调。nil 表示已清空。
// 回调总在锁外触发, 实现方不得同步回调 Tracker。
type ChangeFunc func(q *PendingQuestion)

// Tracker 提问状态机。
type Tracker struct {
	mu      sync.Mutex
	states  map[string]State // toolCallId → 状态
	pending *PendingQuestion

	upstream Upstream
	saver    AnswerSaver
	ts       *transcript.Manager
	onChange ChangeFunc
}

// NewTracker 创建提问状态机。saver 可为 nil (离线回放不落库)。
func NewTracker(upstream Upstream, saver AnswerSaver, ts *transcript.Manager) *Tracker {
	return &Tracker{
		states:   make(map[string]State),
		upstream: upstream,
		saver:    saver,
		ts:       ts,
	}
}

// SetOnChange 注册翻转回调。附着恢复期间保持未注册即可静音回放噪声。
func (t *Tracker) SetOnChange(fn ChangeFunc) {
	t.mu.Lock()
	t.onChange = fn
	t.mu.Unlock()
}

// Pending 当前待答提问的拷贝, 无则 nil。
func (t *Tracker) Pending() *PendingQuestion {
	t.mu.Lock()
	defer t.mu.Unlock()
	return clonePending(t.pending)
}

// ========================================
// 事件观察
// ========================================

// Observe 从事件流驱动状态机。与转写稿合并同路调用,
// 回放与实时走同一个入口。
func (t *Tracker) Observe(ev agenthost.Event) {
	switch ev.Kind {
	case agenthost.EventQuestionAsk:
		t.surface(ev.AttemptID, ev.QuestionAsk.ToolCallID, ev.QuestionAsk.Prompts)
	case agenthost.EventToolInvocation:
		if agenthost.IsAskInvocation(ev.ToolInvocation) {
			t.surface(ev.AttemptID, ev.ToolInvocation.ToolCallID,
				agenthost.PromptsFromInput(ev.ToolInvocation.Input))
		}
	case agenthost.EventToolOutcome:
		t.resolve(ev.ToolOutcome.ToolCallID)
	case agenthost.EventTerminal:
		t.clearAttempt(ev.AttemptID)
	}
}

// surface 浮出提问。已 answered / cancelled 的 id 不再浮出 ——
// 结果先于提问到达 (回放乱序) 时该提问早已了结。
func (t *Tracker) surface(attemptID, toolCallID string, prompts []agenthost.QuestionPrompt) {
	if toolCallID == "" {
		return
	}
	t.mu.Lock()
	if s := t.states[toolCallID]; s == StateAnswered || s == StateCancelled {
		t.mu.Unlock()
		return
	}
	t.states[toolCallID] = StateAsked
	t.pending = &PendingQuestion{
		AttemptID:  attemptID,
		ToolCallID: toolCallID,
		Prompts:    prompts,
		AskedAt:    time.Now(),
	}
	fn, arg := t.onChange, clonePending(t.pending)
	t.mu.Unlock()
	if fn != nil {
		fn(arg)
	}
}

// resolve 收到结果: 该 id 了结。未见过的 id 也记账,
// 这样迟到的 ask 不会把已了结的提问重新浮出。
func (t *Tracker) resolve(toolCallID string) {
	if toolCallID == "" {
		return
	}
	t.mu.Lock()
	t.states[toolCallID] = StateAnswered
	cleared := t.pending != nil && t.pending.ToolCallID == toolCallID
	if cleared {
		t.pending = nil
	}
	fn := t.onChange
	t.mu.Unlock()
	if cleared && fn != nil {
		fn(nil)
	}
}

// clearAttempt attempt 终态: 其待答提问随之作废。
func (t *Tracker) clearAttempt(attemptID string) {
	t.mu.Lock()
	cleared := t.pending != nil && t.pending.AttemptID == attemptID
	if cleared {
		t.pending = nil
	}
	fn := t.onChange
	t.mu.Unlock()
	if cleared && fn != nil {
		fn(nil)
	}
}

// ========================================
// 用户操作
// ========================================

// Answer 提交答案。本地先行: 清待答、记转写、落库, 再走上游通道 ——
// 上游失败只影响返回值, 本地状态不回滚, agent 端超时会自行重问。
func (t *Tracker) Answer(ctx context.Context, attemptID, toolCallID string, answers []string) error {
	const op = "question.Answer"
	t.mu.Lock()
	if t.pending == nil || t.pending.AttemptID != attemptID || t.pending.ToolCallID != toolCallID {
		t.mu.Unlock()
		return apperrors.Wrapf(apperrors.ErrNoPendingQuestion, op, "%s/%s", attemptID, toolCallID)
	}
	prompts := t.pending.Prompts
	if len(answers) != len(prompts) {
		t.mu.Unlock()
		return apperrors.Newf(op, "%d answers for %d prompts", len(answers), len(prompts))
	}
	t.states[toolCallID] = StateAnswered
	t.pending = nil
	fn := t.onChange
	t.mu.Unlock()

	if fn != nil {
		fn(nil)
	}
	if t.ts != nil {
		t.ts.AppendUserTurn("已回答: " + strings.Join(answers, " / "))
	}
	if t.saver != nil {
		if err := t.saver.SaveAnswer(ctx, attemptID, toolCallID, prompts, answers); err != nil {
			logger.Warn("answer not persisted",
				logger.FieldAttemptID, attemptID,
				logger.FieldToolCallID, toolCallID,
				logger.FieldError, err)
		}
	}
	if err := t.upstream.AnswerQuestion(ctx, agenthost.AnswerQuestionParams{
		AttemptID:  attemptID,
		ToolCallID: toolCallID,
		Prompts:    prompts,
		Answers:    answers,
	}); err != nil {
		return apperrors.Wrap(err, op, "deliver answer")
	}
	return nil
}

// Cancel 放弃待答提问。
func (t *Tracker) Cancel(ctx context.Context, attemptID, toolCallID string) error {
	const op = "question.Cancel"
	t.mu.Lock()
	if t.pending == nil || t.pending.AttemptID != attemptID || t.pending.ToolCallID != toolCallID {
		t.mu.Unlock()
		return apperrors.Wrapf(apperrors.ErrNoPendingQuestion, op, "%s/%s", attemptID, toolCallID)
	}
	t.states[toolCallID] = StateCancelled
	t.pending = nil
	fn := t.onChange
	t.mu.Unlock()

	if fn != nil {
		fn(nil)
	}
	if err := t.upstream.CancelQuestion(ctx, agenthost.CancelQuestionParams{
		AttemptID:  attemptID,
		ToolCallID: toolCallID,
	}); err != nil {
		return apperrors.Wrap(err, op, "deliver cancel")
	}
	return nil
}

// ========================================
// 恢复
// ========================================

// Adopt 接管恢复扫描得到的待答提问 (nil 表示确无)。
func (t *Tracker) Adopt(q *PendingQuestion) {
	t.mu.Lock()
	t.pending = clonePending(q)
	if q != nil {
		t.states[q.ToolCallID] = StateAsked
	}
	fn, arg := t.onChange, clonePending(t.pending)
	t.mu.Unlock()
	if fn != nil {
		fn(arg)
	}
}

// Recover 从持久化转写稿找回待答提问: 按轮序取最后一个没有对应
// 结果的 ask 类 tool_call 块。宿主进程已死则返回 nil ——
// 没有进程会收这个答案。纯函数, 不碰 Tracker 状态。
func Recover(turns []transcript.Turn, isAlive func(attemptID string) bool) *PendingQuestion {
	answered := make(map[string]bool)
	for i := range turns {
		for id := range turns[i].Outcomes {
			answered[id] = true
		}
	}
	var found *PendingQuestion
	for i := range turns {
		turn := &turns[i]
		for _, b := range turn.Blocks {
			if b.Kind != agenthost.BlockToolCall || b.Name != agenthost.AskToolName {
				continue
			}
			if b.ToolCallID == "" || answered[b.ToolCallID] {
				continue
			}
			found = &PendingQuestion{
				AttemptID:  turn.AttemptID,
				ToolCallID: b.ToolCallID,
				Prompts:    agenthost.PromptsFromInput(b.Input),
				AskedAt:    turn.UpdatedAt,
			}
		}
	}
	if found == nil {
		return nil
	}
	if isAlive != nil && !isAlive(found.AttemptID) {
		logger.Info("recovered question discarded, attempt process dead",
			logger.FieldAttemptID, found.AttemptID,
			logger.FieldToolCallID, found.ToolCallID)
		return nil
	}
	return found
}
