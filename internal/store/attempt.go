// attempt.go — attempts 表 CRUD (attempt 登记/状态/心跳)。
//
// 活性判定: status = 'running' 且 last_heartbeat_at 在窗口内。
// 摄取管道每持久化一条事件就刷一次心跳, 巡检按同一窗口收尸,
// 保证 IsAlive 的答案与恢复扫描看到的世界一致。
package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// AttemptStore attempts 存储。
type AttemptStore struct{ BaseStore }

// NewAttemptStore 创建。
func NewAttemptStore(pool *pgxpool.Pool) *AttemptStore {
	return &AttemptStore{NewBaseStore(pool)}
}

const attemptCols = "id, task_id, status, start_prompt, last_heartbeat_at, created_at, updated_at, finished_at"

// terminalStatus 终态集合。终态行不再接受状态更新。
func terminalStatus(status string) bool {
	switch status {
	case "completed", "failed", "cancelled":
		return true
	default:
		return false
	}
}

// Create 登记 attempt。重复创建 (重放 start 应答) 只刷新心跳, 不惊动其他列。
func (s *AttemptStore) Create(ctx context.Context, a *Attempt) error {
	if a.Status == "" {
		a.Status = "running"
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO attempts (id, task_id, status, start_prompt, last_heartbeat_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, NOW(), NOW(), NOW())
		 ON CONFLICT (id) DO UPDATE SET last_heartbeat_at = NOW(), updated_at = NOW()`,
		a.ID, a.TaskID, a.Status, a.StartPrompt)
	return err
}

// Get 按 id 取 attempt, 不存在返回 nil。
func (s *AttemptStore) Get(ctx context.Context, attemptID string) (*Attempt, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+attemptCols+" FROM attempts WHERE id = $1", attemptID)
	if err != nil {
		return nil, err
	}
	return collectOne[Attempt](rows)
}

// MarkStatus 迁移状态。终态恰好落一次: 已是终态的行不被二次改写,
// 乐观取消与上游迟到的 terminal 在这里汇合。
func (s *AttemptStore) MarkStatus(ctx context.Context, attemptID, status string) error {
	if terminalStatus(status) {
		_, err := s.pool.Exec(ctx,
			`UPDATE attempts SET status = $1, updated_at = NOW(), finished_at = NOW()
			 WHERE id = $2 AND status = 'running'`,
			status, attemptID)
		return err
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE attempts SET status = $1, updated_at = NOW() WHERE id = $2 AND status = 'running'`,
		status, attemptID)
	return err
}

// Heartbeat 刷新心跳。每条持久化事件之后调用。
func (s *AttemptStore) Heartbeat(ctx context.Context, attemptID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE attempts SET last_heartbeat_at = NOW() WHERE id = $1 AND status = 'running'`,
		attemptID)
	return err
}

// GetRunning 返回任务最近一个 running 的 attempt, 没有则 nil。
// 不校验心跳 —— 心跳窗口由 IsAlive / 巡检统一判定。
func (s *AttemptStore) GetRunning(ctx context.Context, taskID string) (*Attempt, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+attemptCols+` FROM attempts
		 WHERE task_id = $1 AND status = 'running'
		 ORDER BY created_at DESC LIMIT 1`, taskID)
	if err != nil {
		return nil, err
	}
	return collectOne[Attempt](rows)
}

// IsAlive attempt 宿主进程是否存活: running 且心跳未超窗。
func (s *AttemptStore) IsAlive(ctx context.Context, attemptID string, staleAfter time.Duration) (bool, error) {
	var alive bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM attempts
		   WHERE id = $1 AND status = 'running' AND last_heartbeat_at > NOW() - $2::interval
		 )`, attemptID, staleAfter).Scan(&alive)
	return alive, err
}

// ListStale 返回心跳超窗的 running attempt (巡检收尸对象)。
func (s *AttemptStore) ListStale(ctx context.Context, staleAfter time.Duration) ([]Attempt, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+attemptCols+` FROM attempts
		 WHERE status = 'running' AND last_heartbeat_at <= NOW() - $1::interval
		 ORDER BY last_heartbeat_at`, staleAfter)
	if err != nil {
		return nil, err
	}
	return collectRows[Attempt](rows)
}

// List 按条件列出 attempt (dashboard 用)。
func (s *AttemptStore) List(ctx context.Context, taskID, status, keyword string, limit int) ([]Attempt, error) {
	q := NewQueryBuilder().
		Eq("task_id", taskID).
		Eq("status", status).
		KeywordLike(keyword, "id", "task_id", "start_prompt")
	sql, params := q.Build("SELECT "+attemptCols+" FROM attempts", "created_at DESC", limit)
	rows, err := s.pool.Query(ctx, sql, params...)
	if err != nil {
		return nil, err
	}
	return collectRows[Attempt](rows)
}
