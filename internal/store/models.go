// Package store 提供所有数据库模型结构体。
//
// Go struct 的 db tag 直接对应 PostgreSQL 列名，
// collectRows 按列名泛型扫描，无需手写 row → struct 转换。
package store

import (
	"encoding/json"
	"errors"
	"time"
)

// ========================================
// 哨兵错误 (Store 层专用)
// ========================================

var (
	// ErrReadOnlyViolation SQL 包含写入关键词。
	ErrReadOnlyViolation = errors.New("read-only SQL violation: write keywords detected")

	// ErrMultiStatement SQL 包含多条语句。
	ErrMultiStatement = errors.New("only single SQL statement allowed")

	// ErrDangerousSQL SQL 包含危险操作。
	ErrDangerousSQL = errors.New("dangerous SQL operation blocked")
)

// ========================================
// 运行尝试 (Attempt) — 表 attempts
// ========================================

// Attempt 一次 agent 运行的登记行。
// status: running | completed | failed | cancelled
type Attempt struct {
	ID              string     `db:"id" json:"id"`
	TaskID          string     `db:"task_id" json:"task_id"`
	Status          string     `db:"status" json:"status"`
	StartPrompt     string     `db:"start_prompt" json:"start_prompt"`
	LastHeartbeatAt time.Time  `db:"last_heartbeat_at" json:"last_heartbeat_at"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at"`
	FinishedAt      *time.Time `db:"finished_at" json:"finished_at"`
}

// ========================================
// 会话转录 (AttemptTurn) — 表 attempt_turns
// ========================================

// AttemptTurn 合并后的转录回合。
// Blocks/Outcomes 保留原始 JSON，由调用方按需解码成领域类型。
type AttemptTurn struct {
	ID        int64           `db:"id" json:"id"`
	AttemptID string          `db:"attempt_id" json:"attempt_id"`
	TaskID    string          `db:"task_id" json:"task_id"`
	Role      string          `db:"role" json:"role"`
	Blocks    json.RawMessage `db:"blocks" json:"blocks"`
	Outcomes  json.RawMessage `db:"outcomes" json:"outcomes"`
	Closed    bool            `db:"closed" json:"closed"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
}

// ========================================
// 事件日志 (AttemptEvent) — 表 attempt_events
// ========================================

// AttemptEvent 上游事件原文，追加写。
// Payload 保留原始 JSON，重放时走与实时路径相同的解码逻辑。
type AttemptEvent struct {
	ID         int64           `db:"id" json:"id"`
	AttemptID  string          `db:"attempt_id" json:"attempt_id"`
	Kind       string          `db:"kind" json:"kind"`
	Payload    json.RawMessage `db:"payload" json:"payload"`
	ReceivedAt time.Time       `db:"received_at" json:"received_at"`
}

// ========================================
// 提问回答 (AttemptAnswer) — 表 attempt_answers
// ========================================

// AttemptAnswer 用户对 agent 提问的回答。
// (attempt_id, tool_call_id) 唯一，重复提交覆盖旧值。
type AttemptAnswer struct {
	ID         string          `db:"id" json:"id"`
	AttemptID  string          `db:"attempt_id" json:"attempt_id"`
	ToolCallID string          `db:"tool_call_id" json:"tool_call_id"`
	Prompts    json.RawMessage `db:"prompts" json:"prompts"`
	Answers    json.RawMessage `db:"answers" json:"answers"`
	CreatedAt  time.Time       `db:"created_at" json:"created_at"`
}

// ========================================
// 系统日志 — 表 system_logs
// ========================================

// SystemLog 系统日志条目 (DBHandler 双写)。
type SystemLog struct {
	ID         int64     `db:"id" json:"id"`
	Ts         time.Time `db:"ts" json:"ts"`
	Level      string    `db:"level" json:"level"`
	Logger     string    `db:"logger" json:"logger"`
	Message    string    `db:"message" json:"message"`
	Raw        string    `db:"raw" json:"raw"`
	Source     string    `db:"source" json:"source"`
	Component  string    `db:"component" json:"component"`
	AttemptID  string    `db:"attempt_id" json:"attempt_id"`
	TaskID     string    `db:"task_id" json:"task_id"`
	SessionID  string    `db:"session_id" json:"session_id"`
	EventKind  string    `db:"event_kind" json:"event_kind"`
	ToolCallID string    `db:"tool_call_id" json:"tool_call_id"`
	DurationMS *int      `db:"duration_ms" json:"duration_ms"`
	Extra      any       `db:"extra" json:"extra"`
}
