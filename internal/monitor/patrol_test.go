// patrol_test.go — 巡检收尸与日志清理测试 (无 DB 依赖)。
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/agent-console/go-console-v2/internal/bus"
	"github.com/agent-console/go-console-v2/internal/store"
)

// ========================================
// 测试替身
// ========================================

type fakeSweepStore struct {
	stale      []store.Attempt
	listErr    error
	markErr    map[string]error
	marked     []string
	staleAfter time.Duration
}

func (f *fakeSweepStore) ListStale(ctx context.Context, staleAfter time.Duration) ([]store.Attempt, error) {
	f.staleAfter = staleAfter
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.stale, nil
}

func (f *fakeSweepStore) MarkStatus(ctx context.Context, attemptID, status string) error {
	if err := f.markErr[attemptID]; err != nil {
		return err
	}
	f.marked = append(f.marked, attemptID+"→"+status)
	return nil
}

type fakePublisher struct {
	msgs []bus.Message
}

func (f *fakePublisher) Publish(msg bus.Message) { f.msgs = append(f.msgs, msg) }

func (f *fakePublisher) byType(typ string) []bus.Message {
	var out []bus.Message
	for _, m := range f.msgs {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

type fakeCleaner struct {
	calls int
	days  int
	n     int
	err   error
}

func (f *fakeCleaner) CleanupSystemLogs(ctx context.Context, retentionDays int) (int, error) {
	f.calls++
	f.days = retentionDays
	return f.n, f.err
}

// ========================================
// RunOnce — 收尸
// ========================================

func TestRunOnceSweepsStaleAttempts(t *testing.T) {
	st := &fakeSweepStore{stale: []store.Attempt{
		{ID: "att-1", TaskID: "task-1"},
		{ID: "att-2", TaskID: "task-1"},
	}}
	pub := &fakePublisher{}
	p := NewPatrol(st, nil, pub, Options{StaleAfter: 45 * time.Second})

	res := p.RunOnce(context.Background())

	if res.Checked != 2 || res.Failed != 2 {
		t.Fatalf("result = %+v, want Checked=2 Failed=2", res)
	}
	if st.staleAfter != 45*time.Second {
		t.Fatalf("staleAfter = %v, want 45s", st.staleAfter)
	}
	if len(st.marked) != 2 || st.marked[0] != "att-1→failed" || st.marked[1] != "att-2→failed" {
		t.Fatalf("marked = %v", st.marked)
	}

	staleMsgs := pub.byType(bus.MsgAttemptStale)
	if len(staleMsgs) != 2 {
		t.Fatalf("len(stale msgs) = %d, want 2", len(staleMsgs))
	}
	if got := staleMsgs[0].Topic; got != bus.AttemptStatusTopic("att-1") {
		t.Fatalf("topic = %q, want %q", got, bus.AttemptStatusTopic("att-1"))
	}
	var sp bus.StatusPayload
	if err := json.Unmarshal(staleMsgs[0].Payload, &sp); err != nil {
		t.Fatalf("unmarshal stale payload: %v", err)
	}
	if sp.AttemptID != "att-1" || sp.Status != "failed" {
		t.Fatalf("payload = %+v", sp)
	}

	sums := pub.byType(bus.MsgPatrolSummary)
	if len(sums) != 1 {
		t.Fatalf("len(summary msgs) = %d, want 1", len(sums))
	}
	if sums[0].Topic != bus.TopicSystemPatrol {
		t.Fatalf("summary topic = %q", sums[0].Topic)
	}
	var pp bus.PatrolPayload
	if err := json.Unmarshal(sums[0].Payload, &pp); err != nil {
		t.Fatalf("unmarshal summary payload: %v", err)
	}
	if pp.Checked != 2 || pp.Failed != 2 {
		t.Fatalf("summary = %+v, want Checked=2 Failed=2", pp)
	}
	// 收尸广播在前, 汇总收尾
	if last := pub.msgs[len(pub.msgs)-1]; last.Type != bus.MsgPatrolSummary {
		t.Fatalf("last msg type = %q, want summary last", last.Type)
	}
}

func TestRunOnceEmptySweepStillPublishesSummary(t *testing.T) {
	pub := &fakePublisher{}
	p := NewPatrol(&fakeSweepStore{}, nil, pub, Options{})

	res := p.RunOnce(context.Background())
	if res.Checked != 0 || res.Failed != 0 {
		t.Fatalf("result = %+v, want zeros", res)
	}
	if len(pub.byType(bus.MsgPatrolSummary)) != 1 {
		t.Fatal("empty sweep must still publish a summary heartbeat")
	}
	if len(pub.byType(bus.MsgAttemptStale)) != 0 {
		t.Fatal("no stale msgs expected")
	}
}

func TestRunOnceListErrorPublishesNothing(t *testing.T) {
	st := &fakeSweepStore{listErr: errors.New("db down")}
	pub := &fakePublisher{}
	p := NewPatrol(st, nil, pub, Options{})

	res := p.RunOnce(context.Background())
	if res.Checked != 0 || res.Failed != 0 {
		t.Fatalf("result = %+v, want zeros on list error", res)
	}
	if len(pub.msgs) != 0 {
		t.Fatalf("len(msgs) = %d, list error must not publish", len(pub.msgs))
	}
}

func TestRunOnceMarkErrorSkipsBroadcast(t *testing.T) {
	st := &fakeSweepStore{
		stale:   []store.Attempt{{ID: "att-1"}, {ID: "att-2"}},
		markErr: map[string]error{"att-1": errors.New("conflict")},
	}
	pub := &fakePublisher{}
	p := NewPatrol(st, nil, pub, Options{})

	res := p.RunOnce(context.Background())
	if res.Checked != 2 || res.Failed != 1 {
		t.Fatalf("result = %+v, want Checked=2 Failed=1", res)
	}
	staleMsgs := pub.byType(bus.MsgAttemptStale)
	if len(staleMsgs) != 1 {
		t.Fatalf("len(stale msgs) = %d, want 1 (failed mark not broadcast)", len(staleMsgs))
	}
	var sp bus.StatusPayload
	_ = json.Unmarshal(staleMsgs[0].Payload, &sp)
	if sp.AttemptID != "att-2" {
		t.Fatalf("broadcast attempt = %q, want att-2", sp.AttemptID)
	}
}

func TestRunOnceNilPublisher(t *testing.T) {
	st := &fakeSweepStore{stale: []store.Attempt{{ID: "att-1"}}}
	p := NewPatrol(st, nil, nil, Options{})

	// 不订阅总线的用法 (如 cmd/replay 场景) 不应 panic
	res := p.RunOnce(context.Background())
	if res.Failed != 1 {
		t.Fatalf("Failed = %d, want 1", res.Failed)
	}
}

// ========================================
// 系统日志清理
// ========================================

func TestCleanupThrottledHourly(t *testing.T) {
	cl := &fakeCleaner{n: 3}
	p := NewPatrol(&fakeSweepStore{}, cl, nil, Options{RetentionDays: 7})

	p.RunOnce(context.Background())
	p.RunOnce(context.Background())

	if cl.calls != 1 {
		t.Fatalf("cleanup calls = %d, want 1 (hourly throttle)", cl.calls)
	}
	if cl.days != 7 {
		t.Fatalf("retention days = %d, want 7", cl.days)
	}
}

func TestCleanupDisabledWithoutRetention(t *testing.T) {
	cl := &fakeCleaner{}
	p := NewPatrol(&fakeSweepStore{}, cl, nil, Options{RetentionDays: 0})

	p.RunOnce(context.Background())
	if cl.calls != 0 {
		t.Fatalf("cleanup calls = %d, want 0 when retention disabled", cl.calls)
	}
}

func TestCleanupErrorDoesNotResetThrottle(t *testing.T) {
	cl := &fakeCleaner{err: errors.New("db down")}
	p := NewPatrol(&fakeSweepStore{}, cl, nil, Options{RetentionDays: 7})

	p.RunOnce(context.Background())
	p.RunOnce(context.Background())
	// 节流窗口内不重试; 失败轮次已消耗本小时窗口
	if cl.calls != 1 {
		t.Fatalf("cleanup calls = %d, want 1", cl.calls)
	}
}

// ========================================
// Options 默认值
// ========================================

func TestOptionsDefaults(t *testing.T) {
	p := NewPatrol(&fakeSweepStore{}, nil, nil, Options{})
	if p.opts.Interval != defaultInterval {
		t.Fatalf("Interval = %v, want %v", p.opts.Interval, defaultInterval)
	}
	if p.opts.StaleAfter != defaultStaleAfter {
		t.Fatalf("StaleAfter = %v, want %v", p.opts.StaleAfter, defaultStaleAfter)
	}
}
