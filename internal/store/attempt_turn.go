// attempt_turn.go — attempt_turns 表 CRUD (已完结转写历史)。
//
// 只有两类写入: 用户轮在发出时落库, agent 轮在 attempt 终态后整批落库。
// 流式中途从不写这张表 —— 在途内容的权威在 attempt_events, 不在这里。
package store

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// AttemptTurnStore attempt_turns 存储。
type AttemptTurnStore struct{ BaseStore }

// NewAttemptTurnStore 创建。
func NewAttemptTurnStore(pool *pgxpool.Pool) *AttemptTurnStore {
	return &AttemptTurnStore{NewBaseStore(pool)}
}

const turnCols = "id, attempt_id, task_id, role, blocks, outcomes, closed, created_at"

// Append 追加一轮。Blocks/Outcomes 已是 JSON 原文, 原样入 JSONB。
func (s *AttemptTurnStore) Append(ctx context.Context, t *AttemptTurn) error {
	blocks := t.Blocks
	if len(blocks) == 0 {
		blocks = []byte("[]")
	}
	outcomes := t.Outcomes
	if len(outcomes) == 0 {
		outcomes = []byte("{}")
	}
	return s.pool.QueryRow(ctx,
		`INSERT INTO attempt_turns (attempt_id, task_id, role, blocks, outcomes, closed, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, NOW()) RETURNING id`,
		t.AttemptID, t.TaskID, t.Role, blocks, outcomes, t.Closed).Scan(&t.ID)
}

// ListByTask 按任务取全部已持久化轮, 按落库顺序。
func (s *AttemptTurnStore) ListByTask(ctx context.Context, taskID string) ([]AttemptTurn, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+turnCols+" FROM attempt_turns WHERE task_id = $1 ORDER BY id", taskID)
	if err != nil {
		return nil, err
	}
	return collectRows[AttemptTurn](rows)
}

// ListByAttempt 按 attempt 取轮 (dashboard 检视)。
func (s *AttemptTurnStore) ListByAttempt(ctx context.Context, attemptID string, limit int) ([]AttemptTurn, error) {
	q := NewQueryBuilder().Eq("attempt_id", attemptID)
	sql, params := q.Build("SELECT "+turnCols+" FROM attempt_turns", "id", limit)
	rows, err := s.pool.Query(ctx, sql, params...)
	if err != nil {
		return nil, err
	}
	return collectRows[AttemptTurn](rows)
}
