// Package bus 提供进程内消息总线。
//
// 作用: 把 agenthost 摄取管道与浏览器会话解耦 —
// 摄取侧把事件持久化后发布到 attempt.{id}.* topic,
// 各会话按自己关注的 attempt 前缀订阅, 互不干扰。
//
// 桥接:
//   - dashboard/sse.go EventBus — bus 消息自动转发到 SSE
//   - console session — 订阅所关注 attempt 的事件流
//
// 投递语义: 订阅者通道满时丢弃 (从不阻塞发布者)。
// 丢弃会记入 Subscriber.Drops, 订阅者据此从 attempt_events 表重放补齐。
package bus

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// ========================================
// 消息类型
// ========================================

// Message 总线消息。
type Message struct {
	Topic     string          `json:"topic"` // attempt.att-1.event / channel.state / system.patrol
	From      string          `json:"from"`  // 来源: "agenthost" / "patrol" / "console" / session ID
	Type      string          `json:"type"`  // 消息类型 (attempt_event / attempt_status / ...)
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
	Seq       int64           `json:"seq"` // 全局序列号
}

// 消息类型常量。
const (
	// MsgAttemptEvent 上游事件已持久化, 可供会话消费。
	MsgAttemptEvent = "attempt_event"
	// MsgAttemptStatus attempt 状态迁移 (running → completed/failed/cancelled)。
	MsgAttemptStatus = "attempt_status"
	// MsgAttemptStale 巡检发现 attempt 心跳超时 (疑似 agent 进程死亡)。
	MsgAttemptStale = "attempt_stale"
	// MsgChannelState 上游通道状态变化 (connected/disconnected/connecting)。
	MsgChannelState = "channel_state"
	// MsgPatrolSummary 巡检轮次汇总。
	MsgPatrolSummary = "patrol_summary"
	// MsgError 异常消息。
	MsgError = "error"
)

// Topic 模式常量。
const (
	// TopicAttemptPrefix attempt 消息前缀: attempt.{id}.{subtopic}。
	TopicAttemptPrefix = "attempt."
	// TopicChannel 上游通道消息。
	TopicChannel = "channel"
	// TopicChannelState 上游通道连接状态。
	TopicChannelState = "channel.state"
	// TopicSystem 系统消息 (巡检/健康)。
	TopicSystem = "system"
	// TopicSystemPatrol 巡检轮次汇总。
	TopicSystemPatrol = "system.patrol"

	// TopicAll 广播 (所有订阅者收到)。
	TopicAll = "*"
)

// AttemptFilter 返回覆盖单个 attempt 全部子 topic 的订阅前缀: attempt.{id}。
func AttemptFilter(attemptID string) string { return TopicAttemptPrefix + attemptID }

// AttemptEventTopic 返回事件 topic: attempt.{id}.event。
func AttemptEventTopic(attemptID string) string {
	return TopicAttemptPrefix + attemptID + ".event"
}

// AttemptStatusTopic 返回状态 topic: attempt.{id}.status。
func AttemptStatusTopic(attemptID string) string {
	return TopicAttemptPrefix + attemptID + ".status"
}

// ========================================
// 载荷约定
// ========================================
//
// 发布方 (ingest / monitor) 与消费方 (console session / dashboard SSE)
// 跨包共享这些结构, 避免各处手拼 JSON 形状不一致。

// EventPayload MsgAttemptEvent 的载荷。
// Seq 是 attempt_events 表内该事件的持久化序号, Params 是上游通知原文。
type EventPayload struct {
	Seq    int64           `json:"seq"`
	Params json.RawMessage `json:"params"`
}

// StatusPayload MsgAttemptStatus / MsgAttemptStale 的载荷。
type StatusPayload struct {
	AttemptID string `json:"attemptId"`
	Status    string `json:"status"`
}

// ChannelPayload MsgChannelState 的载荷。
type ChannelPayload struct {
	Connected bool `json:"connected"`
}

// PatrolPayload MsgPatrolSummary 的载荷。
type PatrolPayload struct {
	Checked  int   `json:"checked"`
	Failed   int   `json:"failed"`
	Duration int64 `json:"durationMs"`
}

// ========================================
// Subscriber
// ========================================

// Subscriber 订阅者。
type Subscriber struct {
	ID     string       // 唯一标识
	Filter string       // topic 前缀过滤 ("attempt.att-1" / "*" / "channel")
	Ch     chan Message // 消息通道

	drops atomic.Int64 // 通道满被丢弃的消息数
}

// Drops 返回因通道满而被丢弃的消息数。
// 非零说明订阅者消费太慢, 需要从持久层重放补齐。
func (s *Subscriber) Drops() int64 { return s.drops.Load() }

// ========================================
// MessageBus — topic pub/sub
// ========================================

// MessageBus 进程内消息总线。
//
// 支持 topic 前缀匹配和广播:
//   - 订阅 "attempt.att-1" → 收到 attempt.att-1.event, attempt.att-1.status 等
//   - 订阅 "*" → 收到所有消息
//   - 发布 attempt.att-1.event → 匹配 "attempt.att-1", "attempt.", "*" 的订阅者
type MessageBus struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber // key = subscriber ID
	seq         int64
	onPublish   func(Message) // 可选: 每条消息的全局回调 (用于桥接 SSE/日志)
}

// NewMessageBus 创建消息总线。
func NewMessageBus() *MessageBus {
	return &MessageBus{
		subscribers: make(map[string]*Subscriber),
	}
}

// SetOnPublish 设置全局发布回调 (用于桥接到 dashboard EventBus)。
func (b *MessageBus) SetOnPublish(fn func(Message)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onPublish = fn
}

// Publish 发布消息到匹配的订阅者。
//
// seq 递增和 fan-out 在同一把锁下执行, 保证消息到达顺序与 seq 一致。
func (b *MessageBus) Publish(msg Message) {
	b.mu.Lock()
	b.seq++
	msg.Seq = b.seq
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	onPub := b.onPublish

	// 在同一把锁下完成 fan-out, 保证 seq 顺序
	for _, sub := range b.subscribers {
		if matchTopic(sub.Filter, msg.Topic) {
			select {
			case sub.Ch <- msg:
			default:
				// 通道满, 丢弃 (避免阻塞发布者); 订阅者从 Drops 感知
				sub.drops.Add(1)
			}
		}
	}
	b.mu.Unlock()

	// 全局回调在锁外执行 (回调可能耗时, 避免持锁太久)
	if onPub != nil {
		onPub(msg)
	}
}

// defaultSubscriberBuffer 默认订阅通道容量。
const defaultSubscriberBuffer = 64

// Subscribe 订阅消息。filter 为 topic 前缀 ("attempt.att-1" / "*" / "channel")。
func (b *MessageBus) Subscribe(id, filter string) *Subscriber {
	return b.SubscribeBuffered(id, filter, defaultSubscriberBuffer)
}

// SubscribeBuffered 以指定通道容量订阅。
// 高流量订阅者 (如正在观看 delta 流的会话) 应加大容量以减少重放。
func (b *MessageBus) SubscribeBuffered(id, filter string, size int) *Subscriber {
	if size <= 0 {
		size = defaultSubscriberBuffer
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscriber{
		ID:     id,
		Filter: filter,
		Ch:     make(chan Message, size),
	}
	b.subscribers[id] = sub
	return sub
}

// Unsubscribe 取消订阅。
func (b *MessageBus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subscribers[id]; ok {
		close(sub.Ch)
		delete(b.subscribers, id)
	}
}

// SubscriberCount 返回当前订阅者数量。
func (b *MessageBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Seq 返回当前序列号。
func (b *MessageBus) Seq() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.seq
}

// ========================================
// Topic 匹配
// ========================================

// matchTopic 检查 topic 是否匹配 filter。
//
// 规则:
//   - filter "*" 匹配所有 topic
//   - filter "attempt.att-1" 匹配 "attempt.att-1", "attempt.att-1.event", "attempt.att-1.xxx"
//   - filter "attempt." (带尾点的纯前缀) 匹配所有 attempt.* topic
//   - filter "system" 匹配 "system", "system.patrol"
//
// 段边界约束: "attempt.att-1" 不匹配 "attempt.att-10.event"。
func matchTopic(filter, topic string) bool {
	if filter == TopicAll {
		return true
	}
	if topic == filter {
		return true
	}
	if len(topic) > len(filter) && topic[:len(filter)] == filter {
		// 尾点 filter 是纯前缀; 否则要求边界落在段分隔符上
		if filter[len(filter)-1] == '.' || topic[len(filter)] == '.' {
			return true
		}
	}
	return false
}
