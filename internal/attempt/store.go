// store.go — 路由层对持久化与上行通道的依赖面。
//
// Router 不直接碰 pgx 也不直接碰 WebSocket: 两个小接口隔开,
// 测试用内存实现, 生产由 store.ConsoleStore 与 agenthost.Client 充当。
package attempt

import (
	"context"
	"encoding/json"
	"time"

	"github.com/agent-console/go-console-v2/internal/agenthost"
	"github.com/agent-console/go-console-v2/internal/transcript"
)

// RawEvent 持久化事件日志中的一条, Params 是完整的 attempt/event
// 原始参数。回放时经 agenthost.DecodeEvent 走与实时完全相同的路径。
type RawEvent struct {
	Seq        int64
	ReceivedAt time.Time
	Params     json.RawMessage
}

// Meta attempt 元数据行。
type Meta struct {
	AttemptID string
	TaskID    string
	Prompt    string
	Status    agenthost.AttemptStatus
	StartedAt time.Time
}

// RunningAttempt 在途 attempt 及其自启动以来的全量事件日志。
type RunningAttempt struct {
	Meta   Meta
	Events []RawEvent
}

// PersistedStore 路由与恢复所需的持久化操作。
type PersistedStore interface {
	// GetRunningAttempt 返回任务当前在途的 attempt, 没有则 (nil, nil)。
	GetRunningAttempt(ctx context.Context, taskID string) (*RunningAttempt, error)
	// GetFinishedHistory 返回任务已持久化的轮, 按 attempt 开始时间与轮序排列。
	GetFinishedHistory(ctx context.Context, taskID string) ([]transcript.Turn, error)
	// IsAttemptProcessAlive 按心跳窗口判断 attempt 宿主进程是否存活。
	IsAttemptProcessAlive(ctx context.Context, attemptID string) (bool, error)
	// GetEventLog 返回 attempt 在 afterSeq 之后的持久化事件。
	GetEventLog(ctx context.Context, attemptID string, afterSeq int64) ([]RawEvent, error)
	CreateAttempt(ctx context.Context, meta Meta) error
	MarkAttemptStatus(ctx context.Context, attemptID string, status agenthost.AttemptStatus) error
	SaveUserTurn(ctx context.Context, taskID string, turn transcript.Turn) error
	SaveAnswer(ctx context.Context, attemptID, toolCallID string,
		prompts []agenthost.QuestionPrompt, answers []string) error
}

// Channel 上行操作通道, 由 agenthost.Client 实现。
type Channel interface {
	StartAttempt(ctx context.Context, p agenthost.StartAttemptParams) (string, error)
	Subscribe(ctx context.Context, attemptID string) error
	CancelAttempt(ctx context.Context, attemptID string) error
}
