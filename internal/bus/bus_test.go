package bus

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"
)

// ========================================
// MessageBus 测试
// ========================================

func TestPublishSubscribe(t *testing.T) {
	b := NewMessageBus()
	sub := b.Subscribe("s1", "attempt.att-1")

	b.Publish(Message{
		Topic:   AttemptEventTopic("att-1"),
		From:    "agenthost",
		Type:    MsgAttemptEvent,
		Payload: json.RawMessage(`{"kind":"content_delta"}`),
	})

	select {
	case msg := <-sub.Ch:
		if msg.Topic != "attempt.att-1.event" {
			t.Errorf("topic = %q, want attempt.att-1.event", msg.Topic)
		}
		if msg.Seq != 1 {
			t.Errorf("seq = %d, want 1", msg.Seq)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for message")
	}
}

func TestTopicFiltering(t *testing.T) {
	b := NewMessageBus()
	subA := b.Subscribe("sa", AttemptFilter("att-1"))
	subB := b.Subscribe("sb", AttemptFilter("att-2"))
	subAll := b.Subscribe("sall", "*")

	b.Publish(Message{Topic: AttemptEventTopic("att-1"), Type: MsgAttemptEvent})

	// subA should receive
	select {
	case <-subA.Ch:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("subA should receive attempt.att-1.event")
	}

	// subB should NOT receive
	select {
	case <-subB.Ch:
		t.Fatal("subB should not receive attempt.att-1.event")
	case <-time.After(50 * time.Millisecond):
	}

	// subAll should receive (wildcard)
	select {
	case <-subAll.Ch:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("subAll should receive with '*' filter")
	}
}

func TestMatchTopic(t *testing.T) {
	tests := []struct {
		filter, topic string
		want          bool
	}{
		{"*", "anything", true},
		{"*", "attempt.att-1.event", true},
		{"attempt.att-1", "attempt.att-1", true},
		{"attempt.att-1", "attempt.att-1.event", true},
		{"attempt.att-1", "attempt.att-1.status", true},
		{"attempt.att-1", "attempt.att-2.event", false},
		{"attempt.att-1", "attempt.att-1x", false},
		{"attempt.att-1", "attempt.att-10.event", false},
		{TopicAttemptPrefix, "attempt.att-1.event", true},
		{TopicAttemptPrefix, "attempt.att-2.status", true},
		{TopicAttemptPrefix, "channel.state", false},
		{"system", "system", true},
		{"system", "system.patrol", true},
		{"system", "attempt.att-1", false},
		{"channel", "channel.state", true},
	}
	for _, tc := range tests {
		got := matchTopic(tc.filter, tc.topic)
		if got != tc.want {
			t.Errorf("matchTopic(%q, %q) = %v, want %v", tc.filter, tc.topic, got, tc.want)
		}
	}
}

func TestUnsubscribe(t *testing.T) {
	b := NewMessageBus()
	b.Subscribe("s1", "*")
	if b.SubscriberCount() != 1 {
		t.Fatalf("count = %d, want 1", b.SubscriberCount())
	}
	b.Unsubscribe("s1")
	if b.SubscriberCount() != 0 {
		t.Fatalf("count = %d, want 0", b.SubscriberCount())
	}
}

func TestOnPublishCallback(t *testing.T) {
	b := NewMessageBus()
	var captured Message
	b.SetOnPublish(func(msg Message) {
		captured = msg
	})

	b.Publish(Message{Topic: "test", Type: "ping"})

	if captured.Topic != "test" {
		t.Errorf("captured topic = %q, want test", captured.Topic)
	}
}

func TestSeq(t *testing.T) {
	b := NewMessageBus()
	b.Publish(Message{Topic: "t1"})
	b.Publish(Message{Topic: "t2"})
	b.Publish(Message{Topic: "t3"})
	if b.Seq() != 3 {
		t.Errorf("seq = %d, want 3", b.Seq())
	}
}

// TestDropsCountedWhenChannelFull 验证通道满时丢弃计数递增。
//
// 订阅者据此判断需要从 attempt_events 重放, 而不是盲信内存流无缝。
func TestDropsCountedWhenChannelFull(t *testing.T) {
	b := NewMessageBus()
	sub := b.SubscribeBuffered("slow", "attempt.att-1", 2)

	for i := 0; i < 5; i++ {
		b.Publish(Message{Topic: AttemptEventTopic("att-1"), Type: MsgAttemptEvent})
	}

	// 容量 2, 发布 5 → 3 条被丢弃
	if got := sub.Drops(); got != 3 {
		t.Errorf("Drops() = %d, want 3", got)
	}

	// 接收不影响已记录的丢弃数
	<-sub.Ch
	<-sub.Ch
	if got := sub.Drops(); got != 3 {
		t.Errorf("Drops() after drain = %d, want 3", got)
	}
}

func TestSubscribeBuffered_SizeFallback(t *testing.T) {
	b := NewMessageBus()
	sub := b.SubscribeBuffered("s1", "*", 0)
	if cap(sub.Ch) != defaultSubscriberBuffer {
		t.Errorf("cap = %d, want %d", cap(sub.Ch), defaultSubscriberBuffer)
	}
}

// TestPublishConcurrentSeqOrder 验证并发 Publish 下消息到达顺序与 seq 一致。
//
// 50 个 goroutine 同时 Publish (channel 容量 64), 订阅者收到的消息 seq 必须唯一且完整。
func TestPublishConcurrentSeqOrder(t *testing.T) {
	b := NewMessageBus()
	sub := b.Subscribe("order-check", "*")

	const n = 50
	done := make(chan struct{})

	for i := 0; i < n; i++ {
		go func() {
			b.Publish(Message{Topic: "concurrent", Type: "test"})
		}()
	}

	// 收集所有消息
	go func() {
		received := make([]int64, 0, n)
		for i := 0; i < n; i++ {
			msg := <-sub.Ch
			received = append(received, msg.Seq)
		}

		// 验证 seq 唯一 (无重复)
		seen := make(map[int64]bool)
		for _, s := range received {
			if seen[s] {
				t.Errorf("duplicate seq %d", s)
			}
			seen[s] = true
		}

		// 验证所有 seq 都在 [1, n] 范围
		if len(seen) != n {
			t.Errorf("expected %d unique seq, got %d", n, len(seen))
		}

		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for concurrent messages")
	}
}

// ========================================
// 并发安全测试
// ========================================

// TestPublish_DoesNotBlockSubscribe 验证 fan-out 期间不阻塞 Subscribe/Unsubscribe。
//
// 场景: 并发 Publish + Subscribe/Unsubscribe, 带超时检测。
func TestPublish_DoesNotBlockSubscribe(t *testing.T) {
	b := NewMessageBus()

	const iterations = 500
	var wg sync.WaitGroup
	done := make(chan struct{})

	// 并发 Publish
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < iterations; i++ {
			b.Publish(Message{Topic: "stress", Type: "test"})
		}
	}()

	// 并发 Subscribe/Unsubscribe
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < iterations; i++ {
			id := "temp-sub"
			sub := b.Subscribe(id, "*")
			// 确保 channel 可用
			_ = sub.Ch
			b.Unsubscribe(id)
		}
	}()

	// 并发读取 SubscriberCount (使用 RLock)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < iterations; i++ {
			_ = b.SubscriberCount()
		}
	}()

	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("DEADLOCK: Publish + Subscribe/Unsubscribe concurrent access timed out")
	}

	// seq 应该递增了 iterations 次
	if b.Seq() != int64(iterations) {
		t.Errorf("seq = %d, want %d", b.Seq(), iterations)
	}
}

// TestSeq_ConcurrentReadsDoNotBlockPublish 验证 Seq() 作为只读操作不阻塞 Publish。
func TestSeq_ConcurrentReadsDoNotBlockPublish(t *testing.T) {
	b := NewMessageBus()

	const n = 1000
	var wg sync.WaitGroup
	done := make(chan struct{})

	// 并发 Publish
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			b.Publish(Message{Topic: "seq-test", Type: "ping"})
		}
	}()

	// 并发 Seq() 读 (大量)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < n*10; i++ {
			s := b.Seq()
			_ = s
		}
	}()

	// 并发 SubscriberCount() 读
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < n*10; i++ {
			c := b.SubscriberCount()
			_ = c
		}
	}()

	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("TIMEOUT: concurrent Seq()/SubscriberCount() blocked by Publish")
	}

	if b.Seq() != n {
		t.Errorf("seq = %d, want %d", b.Seq(), n)
	}
}

// TestMultipleAttemptIsolation 验证不同 attempt 的订阅互不串扰。
func TestMultipleAttemptIsolation(t *testing.T) {
	b := NewMessageBus()

	subs := make([]*Subscriber, 3)
	for i := range subs {
		id := fmt.Sprintf("att-%d", i)
		subs[i] = b.Subscribe("viewer-"+id, AttemptFilter(id))
	}

	// 向 att-1 发 3 条, att-0/att-2 各 1 条
	b.Publish(Message{Topic: AttemptEventTopic("att-0"), Type: MsgAttemptEvent})
	for i := 0; i < 3; i++ {
		b.Publish(Message{Topic: AttemptEventTopic("att-1"), Type: MsgAttemptEvent})
	}
	b.Publish(Message{Topic: AttemptStatusTopic("att-2"), Type: MsgAttemptStatus})

	counts := make([]int, 3)
	for i, sub := range subs {
	drain:
		for {
			select {
			case <-sub.Ch:
				counts[i]++
			case <-time.After(50 * time.Millisecond):
				break drain
			}
		}
	}

	if counts[0] != 1 || counts[1] != 3 || counts[2] != 1 {
		t.Errorf("counts = %v, want [1 3 1]", counts)
	}
}
