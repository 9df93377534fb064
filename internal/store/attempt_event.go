// attempt_event.go — attempt_events 表 (上游事件原文, 追加写)。
//
// BIGSERIAL id 就是事件序号: 会话以 afterSeq 游标增量补拉,
// 断线补偿与崩溃回放都从这里重放, 与实时路径共用同一套解码合并逻辑。
package store

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5/pgxpool"
)

// AttemptEventStore attempt_events 存储。
type AttemptEventStore struct{ BaseStore }

// NewAttemptEventStore 创建。
func NewAttemptEventStore(pool *pgxpool.Pool) *AttemptEventStore {
	return &AttemptEventStore{NewBaseStore(pool)}
}

const eventCols = "id, attempt_id, kind, payload, received_at"

// Append 追加一条事件原文, 返回分配的序号。
func (s *AttemptEventStore) Append(ctx context.Context, attemptID, kind string, payload json.RawMessage) (int64, error) {
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	var seq int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO attempt_events (attempt_id, kind, payload, received_at)
		 VALUES ($1, $2, $3, NOW()) RETURNING id`,
		attemptID, kind, payload).Scan(&seq)
	return seq, err
}

// ListAfter 取 attempt 在 afterSeq 之后的事件, 按序号升序。
// afterSeq = 0 表示从头取全量。
func (s *AttemptEventStore) ListAfter(ctx context.Context, attemptID string, afterSeq int64) ([]AttemptEvent, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+eventCols+` FROM attempt_events
		 WHERE attempt_id = $1 AND id > $2 ORDER BY id`,
		attemptID, afterSeq)
	if err != nil {
		return nil, err
	}
	return collectRows[AttemptEvent](rows)
}

// ListRecent 取 attempt 最近 limit 条事件 (dashboard 检视), 按序号升序返回。
func (s *AttemptEventStore) ListRecent(ctx context.Context, attemptID string, limit int) ([]AttemptEvent, error) {
	q := NewQueryBuilder().Eq("attempt_id", attemptID)
	sql, params := q.Build("SELECT "+eventCols+" FROM attempt_events", "id DESC", limit)
	rows, err := s.pool.Query(ctx, sql, params...)
	if err != nil {
		return nil, err
	}
	events, err := collectRows[AttemptEvent](rows)
	if err != nil {
		return nil, err
	}
	reverseEvents(events)
	return events, nil
}

// CountByAttempt 事件总数 (dashboard 概览)。
func (s *AttemptEventStore) CountByAttempt(ctx context.Context, attemptID string) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM attempt_events WHERE attempt_id = $1", attemptID).Scan(&n)
	return n, err
}

// reverseEvents 原地反转 (DESC 查询结果转回升序)。
func reverseEvents(events []AttemptEvent) {
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
}
