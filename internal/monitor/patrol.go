// Package monitor 巡检 attempts 表, 维护活性判定的真实性。
//
// running 状态只在两处终结: 摄取管道收到 terminal 事件, 或本巡检
// 发现心跳超窗后收尸。收尸与 store.IsAlive 用同一窗口, 恢复扫描
// 问到"这个 attempt 还活着吗"时, 答案不会滞后于实际状态。
package monitor

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/agent-console/go-console-v2/internal/bus"
	"github.com/agent-console/go-console-v2/internal/store"
	"github.com/agent-console/go-console-v2/pkg/logger"
	"github.com/agent-console/go-console-v2/pkg/util"
)

// ========================================
// 依赖接口
// ========================================

// SweepStore 巡检所需的 attempts 存储子集。
type SweepStore interface {
	ListStale(ctx context.Context, staleAfter time.Duration) ([]store.Attempt, error)
	MarkStatus(ctx context.Context, attemptID, status string) error
}

// LogCleaner 系统日志保留期清理。
type LogCleaner interface {
	CleanupSystemLogs(ctx context.Context, retentionDays int) (int, error)
}

// Publisher 总线发布接口 (解耦 console 会话与 dashboard SSE)。
type Publisher interface {
	Publish(msg bus.Message)
}

// busFromPatrol 巡检消息的 From 标识。
const busFromPatrol = "patrol"

// ========================================
// Patrol 巡检器
// ========================================

const (
	defaultInterval   = 30 * time.Second
	defaultStaleAfter = 45 * time.Second

	// 日志清理比收尸低频得多, 按小时节流。
	cleanupEvery = time.Hour
)

// Options 巡检参数。零值字段取默认。
type Options struct {
	Interval      time.Duration // 巡检周期
	StaleAfter    time.Duration // 心跳超窗阈值, 与 IsAlive 共用
	RetentionDays int           // system_logs 保留天数, <=0 关闭清理
}

// Patrol 周期巡检器: 收尸心跳超窗的 running attempt,
// 顺带按保留期清理 system_logs。
type Patrol struct {
	attempts SweepStore
	logs     LogCleaner
	pub      Publisher
	opts     Options

	mu          sync.Mutex
	lastCleanup time.Time
}

// NewPatrol 创建巡检器。logs / pub 允许为 nil (关闭对应旁路)。
func NewPatrol(attempts SweepStore, logs LogCleaner, pub Publisher, opts Options) *Patrol {
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = defaultStaleAfter
	}
	return &Patrol{attempts: attempts, logs: logs, pub: pub, opts: opts}
}

// ========================================
// RunOnce — 单轮收尸
// ========================================

// Result 单轮巡检结果。
type Result struct {
	Checked  int // 心跳超窗候选数
	Failed   int // 实际迁移到 failed 的数量
	Duration time.Duration
}

// RunOnce 执行一轮收尸: 心跳超窗的 running attempt 标记 failed 并广播。
func (p *Patrol) RunOnce(ctx context.Context) Result {
	started := time.Now()

	stale, err := p.attempts.ListStale(ctx, p.opts.StaleAfter)
	if err != nil {
		logger.Error("patrol: list stale attempts failed", logger.FieldError, err)
		return Result{Duration: time.Since(started)}
	}

	res := Result{Checked: len(stale)}
	for _, a := range stale {
		// MarkStatus 只改写 running 行; 与迟到的 terminal 竞争时先到者胜
		if err := p.attempts.MarkStatus(ctx, a.ID, "failed"); err != nil {
			logger.Error("patrol: mark attempt failed",
				logger.FieldAttemptID, a.ID, logger.FieldError, err)
			continue
		}
		res.Failed++
		logger.Warn("patrol: attempt heartbeat stale, marked failed",
			logger.FieldAttemptID, a.ID,
			logger.FieldTaskID, a.TaskID,
			"last_heartbeat_at", a.LastHeartbeatAt)
		p.publishStale(a.ID)
	}

	res.Duration = time.Since(started)
	p.publishSummary(res)
	p.cleanupLogs(ctx)
	return res
}

// publishStale 把收尸结果广播到该 attempt 的 status topic,
// 正在观看的会话据此立即翻终态, 不用等下一次 Resync。
func (p *Patrol) publishStale(attemptID string) {
	if p.pub == nil {
		return
	}
	payload, err := json.Marshal(bus.StatusPayload{AttemptID: attemptID, Status: "failed"})
	if err != nil {
		return
	}
	p.pub.Publish(bus.Message{
		Topic:   bus.AttemptStatusTopic(attemptID),
		From:    busFromPatrol,
		Type:    bus.MsgAttemptStale,
		Payload: payload,
	})
}

// publishSummary 每轮都发 (含空轮), dashboard SSE 以此感知巡检本身活着。
func (p *Patrol) publishSummary(res Result) {
	if p.pub == nil {
		return
	}
	payload, err := json.Marshal(bus.PatrolPayload{
		Checked:  res.Checked,
		Failed:   res.Failed,
		Duration: res.Duration.Milliseconds(),
	})
	if err != nil {
		return
	}
	p.pub.Publish(bus.Message{
		Topic:   bus.TopicSystemPatrol,
		From:    busFromPatrol,
		Type:    bus.MsgPatrolSummary,
		Payload: payload,
	})
}

// ========================================
// 系统日志保留期清理
// ========================================

// cleanupLogs 删除超出保留期的 system_logs 行, 小时级节流。
func (p *Patrol) cleanupLogs(ctx context.Context) {
	if p.logs == nil || p.opts.RetentionDays <= 0 {
		return
	}
	p.mu.Lock()
	due := time.Since(p.lastCleanup) >= cleanupEvery
	if due {
		p.lastCleanup = time.Now()
	}
	p.mu.Unlock()
	if !due {
		return
	}

	n, err := p.logs.CleanupSystemLogs(ctx, p.opts.RetentionDays)
	if err != nil {
		logger.Error("patrol: system log cleanup failed", logger.FieldError, err)
		return
	}
	if n > 0 {
		logger.Info("patrol: expired system logs removed",
			logger.FieldCount, n, "retention_days", p.opts.RetentionDays)
	}
}

// ========================================
// Start — 周期巡检
// ========================================

// Start 启动周期巡检, ctx 取消后退出。
func (p *Patrol) Start(ctx context.Context) {
	util.SafeGo(func() {
		ticker := time.NewTicker(p.opts.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.RunOnce(ctx)
			}
		}
	})
	logger.Info("patrol started",
		"interval", p.opts.Interval.String(),
		"stale_after", p.opts.StaleAfter.String())
}
