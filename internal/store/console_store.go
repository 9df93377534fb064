// console_store.go — 控制台持久化门面。
//
// 组合 attempts / attempt_events / attempt_turns / attempt_answers 四张表,
// 向路由层提供 attempt.PersistedStore、向摄取管道提供 console.IngestStore
// 的全部读写。行模型与领域模型的互译都收在这里, 上层看不到数据库行。
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agent-console/go-console-v2/internal/agenthost"
	"github.com/agent-console/go-console-v2/internal/attempt"
	"github.com/agent-console/go-console-v2/internal/transcript"
	apperrors "github.com/agent-console/go-console-v2/pkg/errors"
)

// defaultStaleAfter 未配置时的心跳活性窗口。
const defaultStaleAfter = 45 * time.Second

// ConsoleStore 四表组合门面。
type ConsoleStore struct {
	pool     *pgxpool.Pool
	attempts *AttemptStore
	events   *AttemptEventStore
	turns    *AttemptTurnStore
	answers  *AttemptAnswerStore

	staleAfter time.Duration
}

var _ attempt.PersistedStore = (*ConsoleStore)(nil)

// NewConsoleStore 创建。staleAfter 是心跳活性窗口, <= 0 取默认值。
func NewConsoleStore(pool *pgxpool.Pool, staleAfter time.Duration) *ConsoleStore {
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}
	return &ConsoleStore{
		pool:       pool,
		attempts:   NewAttemptStore(pool),
		events:     NewAttemptEventStore(pool),
		turns:      NewAttemptTurnStore(pool),
		answers:    NewAttemptAnswerStore(pool),
		staleAfter: staleAfter,
	}
}

// ========================================
// 路由与恢复 (attempt.PersistedStore)
// ========================================

// GetRunningAttempt 返回任务在途 attempt 及其全量事件日志, 没有则 (nil, nil)。
//
// 已存回答以合成 tool_outcome (Seq 0) 缀在日志尾部: 回答先于通道回执
// 落库, 真实回执未必已写进事件流。合成事件让重放与实时走同一条去重
// 路径, Seq 0 既不受序号门拦截也不推进它。
func (s *ConsoleStore) GetRunningAttempt(ctx context.Context, taskID string) (*attempt.RunningAttempt, error) {
	const op = "store.GetRunningAttempt"

	row, err := s.attempts.GetRunning(ctx, taskID)
	if err != nil {
		return nil, apperrors.Wrap(err, op, "query running row")
	}
	if row == nil {
		return nil, nil
	}

	log, err := s.GetEventLog(ctx, row.ID, 0)
	if err != nil {
		return nil, apperrors.Wrap(err, op, "load event log")
	}
	answered, err := s.answers.ListByAttempt(ctx, row.ID)
	if err != nil {
		return nil, apperrors.Wrap(err, op, "load answers")
	}
	for _, ans := range answered {
		params, err := syntheticAnswerOutcome(row.ID, ans)
		if err != nil {
			return nil, apperrors.Wrap(err, op, "synthesize answer outcome")
		}
		log = append(log, attempt.RawEvent{Seq: 0, ReceivedAt: ans.CreatedAt, Params: params})
	}

	return &attempt.RunningAttempt{Meta: metaFromRow(row), Events: log}, nil
}

// GetFinishedHistory 返回任务全部已持久化轮, 按落库顺序。
//
// agent 轮里没有结果的提问, 若 attempt_answers 已有回答, 把回答嫁接进
// Outcomes —— 恢复扫描据此剔除已答提问, 不再重新浮出。
func (s *ConsoleStore) GetFinishedHistory(ctx context.Context, taskID string) ([]transcript.Turn, error) {
	const op = "store.GetFinishedHistory"

	rows, err := s.turns.ListByTask(ctx, taskID)
	if err != nil {
		return nil, apperrors.Wrap(err, op, "list turns")
	}
	turns := make([]transcript.Turn, 0, len(rows))
	for _, row := range rows {
		t, err := turnFromRow(row)
		if err != nil {
			return nil, apperrors.Wrapf(err, op, "decode turn %d", row.ID)
		}
		turns = append(turns, t)
	}

	byAttempt := make(map[string][]AttemptAnswer)
	for _, row := range rows {
		if row.Role != string(transcript.RoleAgent) || row.AttemptID == "" {
			continue
		}
		if _, seen := byAttempt[row.AttemptID]; seen {
			continue
		}
		list, err := s.answers.ListByAttempt(ctx, row.AttemptID)
		if err != nil {
			return nil, apperrors.Wrap(err, op, "list answers")
		}
		byAttempt[row.AttemptID] = list
	}
	graftAnswers(turns, byAttempt)
	return turns, nil
}

// IsAttemptProcessAlive running 且心跳在窗口内。
func (s *ConsoleStore) IsAttemptProcessAlive(ctx context.Context, attemptID string) (bool, error) {
	return s.attempts.IsAlive(ctx, attemptID, s.staleAfter)
}

// GetEventLog 返回 attempt 在 afterSeq 之后的持久化事件, 按序号升序。
func (s *ConsoleStore) GetEventLog(ctx context.Context, attemptID string, afterSeq int64) ([]attempt.RawEvent, error) {
	rows, err := s.events.ListAfter(ctx, attemptID, afterSeq)
	if err != nil {
		return nil, err
	}
	log := make([]attempt.RawEvent, 0, len(rows))
	for _, e := range rows {
		log = append(log, attempt.RawEvent{Seq: e.ID, ReceivedAt: e.ReceivedAt, Params: e.Payload})
	}
	return log, nil
}

// CreateAttempt 登记 attempt 行。重复登记幂等 (见 AttemptStore.Create)。
func (s *ConsoleStore) CreateAttempt(ctx context.Context, meta attempt.Meta) error {
	return s.attempts.Create(ctx, &Attempt{
		ID:          meta.AttemptID,
		TaskID:      meta.TaskID,
		Status:      string(meta.Status),
		StartPrompt: meta.Prompt,
	})
}

// MarkAttemptStatus 迁移状态。终态只落一次, 由 SQL 谓词保证。
func (s *ConsoleStore) MarkAttemptStatus(ctx context.Context, attemptID string, status agenthost.AttemptStatus) error {
	return s.attempts.MarkStatus(ctx, attemptID, string(status))
}

// SaveUserTurn 用户轮发出即落库。
func (s *ConsoleStore) SaveUserTurn(ctx context.Context, taskID string, turn transcript.Turn) error {
	row, err := rowFromTurn(taskID, turn)
	if err != nil {
		return apperrors.Wrap(err, "store.SaveUserTurn", "encode turn")
	}
	return s.turns.Append(ctx, row)
}

// SaveAnswer 回答先于上游应答落库, (attempt, toolCall) 重复提交覆盖。
func (s *ConsoleStore) SaveAnswer(ctx context.Context, attemptID, toolCallID string,
	prompts []agenthost.QuestionPrompt, answers []string) error {
	return s.answers.Save(ctx, attemptID, toolCallID, prompts, answers)
}

// ========================================
// 摄取管道 (console.IngestStore)
// ========================================

// AppendEvent 追加事件原文, 返回分配的全局序号。
func (s *ConsoleStore) AppendEvent(ctx context.Context, attemptID, kind string, payload json.RawMessage) (int64, error) {
	return s.events.Append(ctx, attemptID, kind, payload)
}

// RefreshHeartbeat 刷新 attempt 心跳。
func (s *ConsoleStore) RefreshHeartbeat(ctx context.Context, attemptID string) error {
	return s.attempts.Heartbeat(ctx, attemptID)
}

// ReplaceAgentTurns 以归档转写稿整批替换 attempt 的 agent 轮。
// 删除与追加包在一个事务里: 归档要么完整落地要么保持原样,
// 不给后续附着留半截副本。
func (s *ConsoleStore) ReplaceAgentTurns(ctx context.Context, attemptID string, turns []transcript.Turn) error {
	const op = "store.ReplaceAgentTurns"

	row, err := s.attempts.Get(ctx, attemptID)
	if err != nil {
		return apperrors.Wrap(err, op, "resolve task")
	}
	if row == nil {
		return apperrors.Wrapf(apperrors.ErrNotFound, op, "attempt %s", attemptID)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return apperrors.Wrap(err, op, "begin tx")
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		"DELETE FROM attempt_turns WHERE attempt_id = $1 AND role = $2",
		attemptID, string(transcript.RoleAgent)); err != nil {
		return apperrors.Wrap(err, op, "clear old turns")
	}
	for _, t := range turns {
		if t.Role != transcript.RoleAgent {
			continue
		}
		r, err := rowFromTurn(row.TaskID, t)
		if err != nil {
			return apperrors.Wrap(err, op, "encode turn")
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO attempt_turns (attempt_id, task_id, role, blocks, outcomes, closed, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, NOW())`,
			r.AttemptID, r.TaskID, r.Role, r.Blocks, r.Outcomes, r.Closed); err != nil {
			return apperrors.Wrap(err, op, "append turn")
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return apperrors.Wrap(err, op, "commit")
	}
	return nil
}

// ========================================
// 行模型 ↔ 领域模型
// ========================================

// metaFromRow 行 → 元数据。
func metaFromRow(a *Attempt) attempt.Meta {
	return attempt.Meta{
		AttemptID: a.ID,
		TaskID:    a.TaskID,
		Prompt:    a.StartPrompt,
		Status:    agenthost.AttemptStatus(a.Status),
		StartedAt: a.CreatedAt,
	}
}

// turnFromRow 行 → 领域轮。ID 带 dbturn 前缀, 与内存轮的 turn-N 序列区分。
func turnFromRow(row AttemptTurn) (transcript.Turn, error) {
	t := transcript.Turn{
		ID:        fmt.Sprintf("dbturn-%d", row.ID),
		Role:      transcript.Role(row.Role),
		AttemptID: row.AttemptID,
		Closed:    row.Closed,
		StartedAt: row.CreatedAt,
		UpdatedAt: row.CreatedAt,
	}
	if len(row.Blocks) > 0 {
		if err := json.Unmarshal(row.Blocks, &t.Blocks); err != nil {
			return transcript.Turn{}, err
		}
	}
	if len(row.Outcomes) > 0 {
		if err := json.Unmarshal(row.Outcomes, &t.Outcomes); err != nil {
			return transcript.Turn{}, err
		}
	}
	return t, nil
}

// rowFromTurn 领域轮 → 行。空块/空结果写 JSONB 的 []/{}, 不写 null。
func rowFromTurn(taskID string, t transcript.Turn) (*AttemptTurn, error) {
	blocks := json.RawMessage("[]")
	if len(t.Blocks) > 0 {
		b, err := json.Marshal(t.Blocks)
		if err != nil {
			return nil, err
		}
		blocks = b
	}
	outcomes := json.RawMessage("{}")
	if len(t.Outcomes) > 0 {
		o, err := json.Marshal(t.Outcomes)
		if err != nil {
			return nil, err
		}
		outcomes = o
	}
	return &AttemptTurn{
		AttemptID: t.AttemptID,
		TaskID:    taskID,
		Role:      string(t.Role),
		Blocks:    blocks,
		Outcomes:  outcomes,
		Closed:    t.Closed,
	}, nil
}

// answerPayload 把回答 JSON 包进与上游回执一致的 {"answers": ...} 形状。
// answers 来自 JSONB 列, 必为合法 JSON。
func answerPayload(answers json.RawMessage) json.RawMessage {
	if len(answers) == 0 {
		answers = json.RawMessage("[]")
	}
	return json.RawMessage(`{"answers":` + string(answers) + `}`)
}

// syntheticAnswerOutcome 把一条已存回答合成为 tool_outcome 事件参数,
// 形状与上游真实回执一致, 重放时走 DecodeEvent 同一路径。
func syntheticAnswerOutcome(attemptID string, ans AttemptAnswer) (json.RawMessage, error) {
	return json.Marshal(struct {
		AttemptID  string              `json:"attemptId"`
		Kind       agenthost.EventKind `json:"kind"`
		ToolCallID string              `json:"toolCallId"`
		Payload    json.RawMessage     `json:"payload"`
	}{attemptID, agenthost.EventToolOutcome, ans.ToolCallID, answerPayload(ans.Answers)})
}

// graftAnswers 把已存回答按 toolCallId 嫁接进对应 agent 轮的 Outcomes。
// 已有结果 (上游回执先到) 的不覆盖。
func graftAnswers(turns []transcript.Turn, byAttempt map[string][]AttemptAnswer) {
	for i := range turns {
		t := &turns[i]
		if t.Role != transcript.RoleAgent {
			continue
		}
		for _, ans := range byAttempt[t.AttemptID] {
			if !hasAskCall(t.Blocks, ans.ToolCallID) {
				continue
			}
			if _, ok := t.Outcomes[ans.ToolCallID]; ok {
				continue
			}
			if t.Outcomes == nil {
				t.Outcomes = make(map[string]transcript.ToolOutcome)
			}
			t.Outcomes[ans.ToolCallID] = transcript.ToolOutcome{
				ToolCallID: ans.ToolCallID,
				Payload:    answerPayload(ans.Answers),
			}
		}
	}
}

// hasAskCall 轮内是否存在该 toolCallId 的提问工具调用。
func hasAskCall(blocks []agenthost.ContentBlock, toolCallID string) bool {
	for _, b := range blocks {
		if b.Kind == agenthost.BlockToolCall && b.ToolCallID == toolCallID && b.Name == agenthost.AskToolName {
			return true
		}
	}
	return false
}
