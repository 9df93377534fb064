// attempt_answer.go — attempt_answers 表 (提问回答记录)。
//
// 回答在上游通道应答之前就落库 —— 刷新页面后的恢复扫描不依赖
// 通道回执的时序。(attempt_id, tool_call_id) 唯一, 重复提交覆盖。
package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// AttemptAnswerStore attempt_answers 存储。
type AttemptAnswerStore struct{ BaseStore }

// NewAttemptAnswerStore 创建。
func NewAttemptAnswerStore(pool *pgxpool.Pool) *AttemptAnswerStore {
	return &AttemptAnswerStore{NewBaseStore(pool)}
}

const answerCols = "id, attempt_id, tool_call_id, prompts, answers, created_at"

// Save 写入回答。prompts/answers 为任意可序列化值, 存 JSONB。
func (s *AttemptAnswerStore) Save(ctx context.Context, attemptID, toolCallID string, prompts, answers any) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO attempt_answers (id, attempt_id, tool_call_id, prompts, answers, created_at)
		 VALUES ($1, $2, $3, $4, $5, NOW())
		 ON CONFLICT (attempt_id, tool_call_id) DO UPDATE SET
		   prompts = EXCLUDED.prompts, answers = EXCLUDED.answers, created_at = NOW()`,
		uuid.NewString(), attemptID, toolCallID,
		mustMarshalJSON(prompts), mustMarshalJSON(answers))
	return err
}

// ListByAttempt 按 attempt 列出回答, 按时间升序。
func (s *AttemptAnswerStore) ListByAttempt(ctx context.Context, attemptID string) ([]AttemptAnswer, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+answerCols+" FROM attempt_answers WHERE attempt_id = $1 ORDER BY created_at", attemptID)
	if err != nil {
		return nil, err
	}
	return collectRows[AttemptAnswer](rows)
}
