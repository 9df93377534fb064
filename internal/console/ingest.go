// ingest.go — 上游事件摄取管道: 持久化 → 心跳 → 总线扇出。
//
// 单上游通道对 N 个浏览会话: 事件先落 attempt_events 拿到序号,
// 再带着序号发布到 attempt.{id}.event topic。会话端的序号门
// (Router.Apply) 依赖"持久化先于发布": 补偿重放查到的日志永远
// 不落后于总线上已见的序号。
//
// HandleEvent 在通道 readLoop goroutine 上同步执行 —— 串行化即
// 顺序保证, 同一 attempt 的事件按到达顺序持久化与发布。
//
// 终态事件同时触发归档: 把该 attempt 的权威合并结果 (独立 builder
// 转写稿) 整批写入 attempt_turns。删旧写新, 重复 terminal 幂等。
package console

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agent-console/go-console-v2/internal/agenthost"
	"github.com/agent-console/go-console-v2/internal/bus"
	"github.com/agent-console/go-console-v2/internal/transcript"
	"github.com/agent-console/go-console-v2/pkg/logger"
)

// ingestOpTimeout 单条事件的持久化时限。超时丢持久化不丢扇出。
const ingestOpTimeout = 10 * time.Second

// IngestStore 摄取管道的持久化面, 生产由 store.ConsoleStore 充当。
type IngestStore interface {
	// AppendEvent 追加事件原文, 返回分配的序号。
	AppendEvent(ctx context.Context, attemptID, kind string, payload json.RawMessage) (int64, error)
	// RefreshHeartbeat 刷新 attempt 心跳 (活性判定的依据)。
	RefreshHeartbeat(ctx context.Context, attemptID string) error
	// MarkAttemptStatus 迁移 attempt 状态 (终态只落一次)。
	MarkAttemptStatus(ctx context.Context, attemptID string, status agenthost.AttemptStatus) error
	// ReplaceAgentTurns 以归档转写稿整批替换 attempt 的 agent 轮。
	ReplaceAgentTurns(ctx context.Context, attemptID string, turns []transcript.Turn) error
}

// busFromIngest 摄取侧消息的 From 标识。
const busFromIngest = "agenthost"

// ========================================
// Ingest
// ========================================

// Ingest 摄取管道。挂在 agenthost.Client 的 OnEvent / OnState 上。
type Ingest struct {
	store IngestStore
	bus   *bus.MessageBus

	mu       sync.Mutex
	builders map[string]*transcript.Manager // attemptID → 归档合并状态

	connected atomic.Bool
}

// NewIngest 创建摄取管道。
func NewIngest(store IngestStore, b *bus.MessageBus) *Ingest {
	return &Ingest{
		store:    store,
		bus:      b,
		builders: make(map[string]*transcript.Manager),
	}
}

// Connected 上行通道当前是否在线。
func (i *Ingest) Connected() bool {
	return i.connected.Load()
}

// HandleEvent 处理一条已解码的上游事件 (agenthost.Client.OnEvent)。
//
// 顺序: 持久化拿序号 → 刷心跳 → 合入归档转写稿 → 发布总线。
// 持久化失败不拦扇出 (Seq 0, 不推会话游标), 实时体验优先,
// 丢的是崩溃后的可回放性, 记 error 告警。
func (i *Ingest) HandleEvent(ev agenthost.Event, raw json.RawMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), ingestOpTimeout)
	defer cancel()

	seq, err := i.store.AppendEvent(ctx, ev.AttemptID, string(ev.Kind), raw)
	if err != nil {
		logger.Error("event not persisted",
			logger.FieldAttemptID, ev.AttemptID,
			logger.FieldEventKind, string(ev.Kind),
			logger.FieldError, err)
		seq = 0
	}
	if err := i.store.RefreshHeartbeat(ctx, ev.AttemptID); err != nil {
		logger.Warn("heartbeat not refreshed",
			logger.FieldAttemptID, ev.AttemptID, logger.FieldError, err)
	}

	i.mu.Lock()
	b, ok := i.builders[ev.AttemptID]
	if !ok {
		b = transcript.NewManager()
		i.builders[ev.AttemptID] = b
	}
	i.mu.Unlock()
	if err := b.ApplyEvent(ev); err != nil {
		logger.Warn("event not merged into archive",
			logger.FieldAttemptID, ev.AttemptID,
			logger.FieldEventKind, string(ev.Kind),
			logger.FieldError, err)
	}

	payload, err := json.Marshal(bus.EventPayload{Seq: seq, Params: raw})
	if err != nil {
		logger.Error("event payload not marshaled",
			logger.FieldAttemptID, ev.AttemptID, logger.FieldError, err)
		return
	}
	i.bus.Publish(bus.Message{
		Topic:   bus.AttemptEventTopic(ev.AttemptID),
		From:    busFromIngest,
		Type:    bus.MsgAttemptEvent,
		Payload: payload,
	})

	if ev.Kind == agenthost.EventTerminal {
		i.finalize(ctx, ev.AttemptID, ev.Terminal.Status)
	}
}

// finalize attempt 终态: 归档 agent 轮、落状态、广播。
// builder 随之释放 —— 重复 terminal (重订阅回显) 会重建空 builder,
// ReplaceAgentTurns 对空轮集是无操作, 不会擦掉已归档内容。
func (i *Ingest) finalize(ctx context.Context, attemptID string, status agenthost.AttemptStatus) {
	i.mu.Lock()
	b := i.builders[attemptID]
	delete(i.builders, attemptID)
	i.mu.Unlock()

	if b != nil {
		turns := agentTurnsOf(b.Snapshot(), attemptID)
		if len(turns) > 0 {
			if err := i.store.ReplaceAgentTurns(ctx, attemptID, turns); err != nil {
				logger.Error("agent turns not archived",
					logger.FieldAttemptID, attemptID, logger.FieldError, err)
			}
		}
	}
	if err := i.store.MarkAttemptStatus(ctx, attemptID, status); err != nil {
		logger.Error("terminal status not persisted",
			logger.FieldAttemptID, attemptID,
			logger.FieldStatus, string(status),
			logger.FieldError, err)
	}

	payload, err := json.Marshal(bus.StatusPayload{AttemptID: attemptID, Status: string(status)})
	if err != nil {
		logger.Error("status payload not marshaled",
			logger.FieldAttemptID, attemptID, logger.FieldError, err)
		return
	}
	i.bus.Publish(bus.Message{
		Topic:   bus.AttemptStatusTopic(attemptID),
		From:    busFromIngest,
		Type:    bus.MsgAttemptStatus,
		Payload: payload,
	})
	logger.Info("attempt finalized",
		logger.FieldAttemptID, attemptID, logger.FieldStatus, string(status))
}

// agentTurnsOf 过滤出归属该 attempt 的 agent 轮。
// builder 只喂了这一个 attempt 的事件, 过滤是对串扰的防线。
func agentTurnsOf(turns []transcript.Turn, attemptID string) []transcript.Turn {
	out := make([]transcript.Turn, 0, len(turns))
	for _, t := range turns {
		if t.Role == transcript.RoleAgent && t.AttemptID == attemptID {
			out = append(out, t)
		}
	}
	return out
}

// HandleState 上行通道状态翻转 (agenthost.Client.OnState)。
func (i *Ingest) HandleState(connected bool) {
	i.connected.Store(connected)
	payload, err := json.Marshal(bus.ChannelPayload{Connected: connected})
	if err != nil {
		return
	}
	i.bus.Publish(bus.Message{
		Topic:   bus.TopicChannelState,
		From:    busFromIngest,
		Type:    bus.MsgChannelState,
		Payload: payload,
	})
	logger.Info("channel state published", logger.FieldState, connected)
}
