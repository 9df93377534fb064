// system_log.go — system_logs 表查询 (DBHandler 双写的结构化日志)。
package store

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// SystemLogStore 系统日志存储。
type SystemLogStore struct{ BaseStore }

// NewSystemLogStore 创建系统日志存储。
func NewSystemLogStore(pool *pgxpool.Pool) *SystemLogStore {
	return &SystemLogStore{NewBaseStore(pool)}
}

const sysLogCols = `id, ts, level, logger, message, raw,
	source, component, attempt_id, task_id, session_id,
	event_kind, tool_call_id, duration_ms, extra`

// ListParams 日志查询参数, 全部字段可选。
type ListParams struct {
	Level      string
	Logger     string
	Source     string
	Component  string
	AttemptID  string
	TaskID     string
	SessionID  string
	EventKind  string
	ToolCallID string
	Keyword    string
	Limit      int
}

// List 查询系统日志。
func (s *SystemLogStore) List(ctx context.Context, p ListParams) ([]SystemLog, error) {
	q := NewQueryBuilder().
		Eq("level", p.Level).
		Eq("logger", p.Logger).
		Eq("source", p.Source).
		Eq("component", p.Component).
		Eq("attempt_id", p.AttemptID).
		Eq("task_id", p.TaskID).
		Eq("session_id", p.SessionID).
		Eq("event_kind", p.EventKind).
		Eq("tool_call_id", p.ToolCallID).
		KeywordLike(p.Keyword, "level", "logger", "message", "raw", "source", "component")
	sql, params := q.Build("SELECT "+sysLogCols+" FROM system_logs", "ts DESC, id DESC", p.Limit)
	rows, err := s.pool.Query(ctx, sql, params...)
	if err != nil {
		return nil, err
	}
	return collectRows[SystemLog](rows)
}

// ListFilterValues 返回去重筛选值 (前端筛选器下拉)。
func (s *SystemLogStore) ListFilterValues(ctx context.Context) (map[string][]string, error) {
	return DistinctMap(ctx, s.pool, "system_logs", "level", "logger", "source", "component", "event_kind")
}

// CleanupSystemLogs 删除保留期外的日志行, 返回删除行数。
// retentionDays 非正视为保留期未配置, 不删任何行。
func (s *SystemLogStore) CleanupSystemLogs(ctx context.Context, retentionDays int) (int, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM system_logs WHERE ts < NOW() - make_interval(days => $1)`,
		retentionDays)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
