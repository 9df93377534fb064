// recovery.go — 附着恢复: 把持久化状态重建为内存视图。
//
// 回放与实时共用同一条解码合并路径 (DecodeEvent + Apply), 不存在
// 第二套解析 —— 同一条事件实时到达与重放到达, 结果状态一致。
package attempt

import (
	"context"

	"github.com/agent-console/go-console-v2/internal/agenthost"
	"github.com/agent-console/go-console-v2/internal/question"
	apperrors "github.com/agent-console/go-console-v2/pkg/errors"
	"github.com/agent-console/go-console-v2/pkg/logger"
)

// Attach 把视图附着到任务: 清空转写稿, 灌入已持久化的历史,
// 有在途 attempt 则重放其事件日志并重新订阅。
func (r *Router) Attach(ctx context.Context, taskID string) error {
	const op = "attempt.Attach"

	r.SetActive(taskID, "")
	r.ts.Clear()
	r.qt.Adopt(nil)

	history, err := r.store.GetFinishedHistory(ctx, taskID)
	if err != nil {
		return apperrors.Wrap(err, op, "load history")
	}
	if err := r.ts.HydrateHistory(history); err != nil {
		return apperrors.Wrap(err, op, "hydrate history")
	}

	attemptID, err := r.ResumeIfRunning(ctx, taskID)
	if err != nil {
		return apperrors.Wrap(err, op, "resume running attempt")
	}
	if attemptID == "" {
		// 无在途 attempt。扫描历史找回可能残留的待答提问
		// (attempt 已收尾但提问仍无结果的竞态)。
		r.qt.Adopt(question.Recover(r.ts.Snapshot(), r.aliveFunc(ctx)))
	}
	if r.hooks.OnTranscript != nil {
		r.hooks.OnTranscript()
	}
	return nil
}

// ResumeIfRunning 查询任务的在途 attempt, 有则恢复为活动视图:
// 重放其全量事件日志, 订阅后续实时事件, 再补偿一次。返回恢复的
// attemptId, 无在途时为空串。
//
// 行是 running 但心跳已过期的, 按死进程处理: 日志仍然重放
// (历史要准), 但视图直接落 failed, 不订阅 —— 订阅一个不存在的
// 进程只会让界面永远转圈。
func (r *Router) ResumeIfRunning(ctx context.Context, taskID string) (string, error) {
	const op = "attempt.ResumeIfRunning"

	running, err := r.store.GetRunningAttempt(ctx, taskID)
	if err != nil {
		return "", apperrors.Wrap(err, op, "query running attempt")
	}
	if running == nil {
		return "", nil
	}
	attemptID := running.Meta.AttemptID

	alive, err := r.store.IsAttemptProcessAlive(ctx, attemptID)
	if err != nil {
		logger.Warn("liveness check failed, assuming alive",
			logger.FieldAttemptID, attemptID, logger.FieldError, err)
		alive = true
	}

	r.SetActive(taskID, attemptID)
	applied := r.replayLog(running.Events)
	state := "alive"
	if !alive {
		state = "dead"
	}
	logger.Info("attempt resumed from event log",
		logger.FieldAttemptID, attemptID,
		logger.FieldCount, applied,
		logger.FieldState, state)

	// 行是 running 但日志里已有终态: 崩在事件落库与行更新之间,
	// 重放把状态带了回来, 这里补上行更新即可, 不订阅。
	r.mu.Lock()
	replayed := r.status
	r.mu.Unlock()
	if replayed.Terminal() {
		if err := r.store.MarkAttemptStatus(ctx, attemptID, replayed); err != nil {
			logger.Warn("replayed terminal not persisted",
				logger.FieldAttemptID, attemptID, logger.FieldError, err)
		}
		return attemptID, nil
	}

	if !alive {
		r.ts.CloseOpenTurn(attemptID)
		r.qt.Adopt(nil)
		r.mu.Lock()
		r.status = agenthost.StatusFailed
		r.mu.Unlock()
		if err := r.store.MarkAttemptStatus(ctx, attemptID, agenthost.StatusFailed); err != nil {
			logger.Warn("dead attempt not marked failed",
				logger.FieldAttemptID, attemptID, logger.FieldError, err)
		}
		if r.hooks.OnStatus != nil {
			r.hooks.OnStatus(attemptID, agenthost.StatusFailed)
		}
		return attemptID, nil
	}

	if err := r.channel.Subscribe(ctx, attemptID); err != nil {
		logger.Warn("resume subscribe failed, relying on resync",
			logger.FieldAttemptID, attemptID, logger.FieldError, err)
	}
	// 重放期间新落库的事件补一轮, 与实时流的重叠由序号门挡掉。
	if err := r.Resync(ctx); err != nil {
		logger.Warn("resume resync failed",
			logger.FieldAttemptID, attemptID, logger.FieldError, err)
	}
	if r.hooks.OnStatus != nil {
		r.hooks.OnStatus(attemptID, agenthost.StatusRunning)
	}
	return attemptID, nil
}

// ForceStatus 外部权威 (巡检扫到心跳过期) 宣告的终态。只作用于
// 匹配的活动 attempt, 已终态的视图不动。
func (r *Router) ForceStatus(attemptID string, status agenthost.AttemptStatus) {
	if !status.Terminal() {
		return
	}
	r.mu.Lock()
	if r.active != attemptID || r.status.Terminal() {
		r.mu.Unlock()
		return
	}
	r.status = status
	r.mu.Unlock()
	r.ts.CloseOpenTurn(attemptID)
	if r.hooks.OnStatus != nil {
		r.hooks.OnStatus(attemptID, status)
	}
	if r.hooks.OnTranscript != nil {
		r.hooks.OnTranscript()
	}
}

// replayLog 把持久化事件逐条送回实时路径, 返回实际应用的条数。
func (r *Router) replayLog(events []RawEvent) int {
	applied := 0
	for _, rec := range events {
		ev, err := agenthost.DecodeEvent(rec.Params)
		if err != nil {
			logger.Warn("persisted event undecodable, skipped",
				logger.FieldSeq, rec.Seq, logger.FieldError, err)
			continue
		}
		if r.Apply(rec.Seq, ev) {
			applied++
		}
	}
	return applied
}

// aliveFunc 把存储的心跳判定包装成恢复扫描用的谓词。查询失败按
// 死进程处理 —— 宁可少浮出一个提问, 不给用户一个答了也没人收的框。
func (r *Router) aliveFunc(ctx context.Context) func(string) bool {
	return func(attemptID string) bool {
		alive, err := r.store.IsAttemptProcessAlive(ctx, attemptID)
		if err != nil {
			logger.Warn("liveness check failed",
				logger.FieldAttemptID, attemptID, logger.FieldError, err)
			return false
		}
		return alive
	}
}
