// recovery_test.go — 附着恢复与回放/实时一致性测试。
package attempt

import (
	"context"
	"encoding/json"
	"reflect"
	"testing"
	"time"

	"github.com/agent-console/go-console-v2/internal/agenthost"
	"github.com/agent-console/go-console-v2/internal/transcript"
)

func historyUserTurn(id, text string) transcript.Turn {
	return transcript.Turn{
		ID:     id,
		Role:   transcript.RoleUser,
		Blocks: []agenthost.ContentBlock{{Kind: agenthost.BlockText, Text: text}},
		Closed: true,
	}
}

func historyAgentTurn(id, attemptID string, blocks ...agenthost.ContentBlock) transcript.Turn {
	return transcript.Turn{
		ID:        id,
		Role:      transcript.RoleAgent,
		AttemptID: attemptID,
		Blocks:    blocks,
		Closed:    true,
	}
}

// stripVolatile 归零时间戳与轮 id, 便于比较两条路径的收敛终态。
func stripVolatile(turns []transcript.Turn) []transcript.Turn {
	for i := range turns {
		turns[i].ID = ""
		turns[i].StartedAt = time.Time{}
		turns[i].UpdatedAt = time.Time{}
	}
	return turns
}

func TestAttachWithoutRunningAttempt(t *testing.T) {
	st := &fakeStore{history: []transcript.Turn{
		historyUserTurn("t-1", "列出文件"),
		historyAgentTurn("t-2", "a0", agenthost.ContentBlock{Kind: agenthost.BlockText, Text: "好的"}),
	}}
	ch := &fakeChannel{}
	r, ts, qt := newTestRouter(ch, st, Hooks{})

	if err := r.Attach(context.Background(), "t1"); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if ts.TurnCount() != 2 {
		t.Fatalf("TurnCount = %d, want 2", ts.TurnCount())
	}
	if active, _ := r.Active(); active != "" {
		t.Fatalf("active = %q, want none", active)
	}
	if len(ch.subscribed) != 0 {
		t.Fatal("subscribed with no running attempt")
	}
	if qt.Pending() != nil {
		t.Fatal("pending question surfaced from fully answered history")
	}
}

func TestAttachRecoversUnansweredQuestion(t *testing.T) {
	prompts := []agenthost.QuestionPrompt{{Question: "覆盖旧文件吗?"}}
	answered := historyAgentTurn("t-2", "a0", agenthost.AskBlock("q1", prompts))
	answered.Outcomes = map[string]transcript.ToolOutcome{
		"q1": {ToolCallID: "q1", Payload: []byte(`"yes"`)},
	}
	st := &fakeStore{
		history: []transcript.Turn{
			historyUserTurn("t-1", "开始"),
			answered,
			historyAgentTurn("t-3", "a0",
				agenthost.AskBlock("q2", prompts),
				agenthost.AskBlock("q3", prompts)),
		},
		alive: map[string]bool{"a0": true},
	}
	r, _, qt := newTestRouter(&fakeChannel{}, st, Hooks{})

	if err := r.Attach(context.Background(), "t1"); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	q := qt.Pending()
	if q == nil {
		t.Fatal("unanswered question not recovered")
	}
	// q1 已答, q2/q3 未答: 浮出最后一个
	if q.ToolCallID != "q3" {
		t.Fatalf("recovered ToolCallID = %q, want q3", q.ToolCallID)
	}
	if q.AttemptID != "a0" {
		t.Fatalf("recovered AttemptID = %q, want a0", q.AttemptID)
	}
}

func TestAttachDiscardsQuestionOfDeadProcess(t *testing.T) {
	prompts := []agenthost.QuestionPrompt{{Question: "继续吗?"}}
	st := &fakeStore{
		history: []transcript.Turn{
			historyAgentTurn("t-1", "a0", agenthost.AskBlock("q1", prompts)),
		},
		alive: map[string]bool{}, // a0 已死
	}
	r, _, qt := newTestRouter(&fakeChannel{}, st, Hooks{})

	if err := r.Attach(context.Background(), "t1"); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if q := qt.Pending(); q != nil {
		t.Fatalf("dead-process question surfaced: %+v", q)
	}
}

func TestAttachResumesRunningAttempt(t *testing.T) {
	ch := &fakeChannel{}
	st := &fakeStore{
		history: []transcript.Turn{historyUserTurn("t-1", "开跑")},
		running: &RunningAttempt{
			Meta: Meta{AttemptID: "a1", TaskID: "t1", Status: agenthost.StatusRunning},
			Events: []RawEvent{
				{Seq: 1, Params: rawSnapshot("a1", "正在")},
				{Seq: 2, Params: rawDelta("a1", "处理")},
			},
		},
		alive: map[string]bool{"a1": true},
		log: map[string][]RawEvent{
			"a1": {
				{Seq: 1, Params: rawSnapshot("a1", "正在")},
				{Seq: 2, Params: rawDelta("a1", "处理")},
				{Seq: 3, Params: rawDelta("a1", "中")}, // 重放启动后才落库的增量
			},
		},
	}
	r, ts, _ := newTestRouter(ch, st, Hooks{})

	if err := r.Attach(context.Background(), "t1"); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	active, status := r.Active()
	if active != "a1" || status != agenthost.StatusRunning {
		t.Fatalf("active = %q/%q, want a1/running", active, status)
	}
	if !ch.subscribedTo("a1") {
		t.Fatal("not resubscribed to running attempt")
	}
	turns := ts.Snapshot()
	if len(turns) != 2 {
		t.Fatalf("TurnCount = %d, want 2 (history + open agent turn)", len(turns))
	}
	if got := turns[1].Blocks[0].Text; got != "正在处理中" {
		t.Fatalf("merged text = %q, want %q", got, "正在处理中")
	}
	if turns[1].Closed {
		t.Fatal("running attempt turn closed")
	}
	if got := r.LastSeq(); got != 3 {
		t.Fatalf("LastSeq = %d, want 3", got)
	}
}

func TestAttachDeadRunningAttemptFailsView(t *testing.T) {
	ch := &fakeChannel{}
	st := &fakeStore{
		running: &RunningAttempt{
			Meta: Meta{AttemptID: "a1", TaskID: "t1", Status: agenthost.StatusRunning},
			Events: []RawEvent{
				{Seq: 1, Params: rawDelta("a1", "中断前的输出")},
				{Seq: 2, Params: rawAsk("a1", "q1")},
			},
		},
		alive: map[string]bool{}, // 心跳已过期
		log:   map[string][]RawEvent{},
	}
	r, ts, qt := newTestRouter(ch, st, Hooks{})

	if err := r.Attach(context.Background(), "t1"); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	active, status := r.Active()
	if active != "a1" || status != agenthost.StatusFailed {
		t.Fatalf("active = %q/%q, want a1/failed", active, status)
	}
	// 历史仍然重放, 轮封上
	turns := ts.Snapshot()
	if len(turns) != 1 || turns[0].Blocks[0].Text != "中断前的输出" {
		t.Fatalf("dead attempt log not replayed: %+v", turns)
	}
	if !turns[0].Closed {
		t.Fatal("dead attempt turn left open")
	}
	if len(ch.subscribed) != 0 {
		t.Fatal("subscribed to dead attempt")
	}
	if !st.markedWith("a1", agenthost.StatusFailed) {
		t.Fatal("dead attempt not marked failed")
	}
	// 没有进程收答案的提问不浮出
	if q := qt.Pending(); q != nil {
		t.Fatalf("question of dead attempt surfaced: %+v", q)
	}
}

// TestAttachReconcilesReplayedTerminal 行是 running 但日志里已有
// 终态 (崩在事件落库与行更新之间): 重放带回真实状态并补写行。
func TestAttachReconcilesReplayedTerminal(t *testing.T) {
	ch := &fakeChannel{}
	st := &fakeStore{
		running: &RunningAttempt{
			Meta: Meta{AttemptID: "a1", TaskID: "t1"},
			Events: []RawEvent{
				{Seq: 1, Params: rawDelta("a1", "完成了")},
				{Seq: 2, Params: rawTerminal("a1", agenthost.StatusCompleted)},
			},
		},
		alive: map[string]bool{"a1": true},
	}
	r, ts, _ := newTestRouter(ch, st, Hooks{})

	if err := r.Attach(context.Background(), "t1"); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if _, status := r.Active(); status != agenthost.StatusCompleted {
		t.Fatalf("status = %q, want completed from replayed terminal", status)
	}
	if !st.markedWith("a1", agenthost.StatusCompleted) {
		t.Fatal("attempt row not reconciled to completed")
	}
	if len(ch.subscribed) != 0 {
		t.Fatal("subscribed to an attempt the log says is finished")
	}
	if turns := ts.Snapshot(); !turns[0].Closed {
		t.Fatal("turn left open after replayed terminal")
	}
}

// TestReplayConvergesWithLive 同一串事件, 实时应用与附着重放
// 得到逐字节相同的转写稿终态。
func TestReplayConvergesWithLive(t *testing.T) {
	raws := []RawEvent{
		{Seq: 1, Params: rawSnapshot("a1", "查")},
		{Seq: 2, Params: rawDelta("a1", "看代码")},
		{Seq: 3, Params: json.RawMessage(`{"attemptId":"a1","kind":"tool_invocation","toolCallId":"c1","name":"read_file","input":{"path":"main.go"}}`)},
		{Seq: 4, Params: json.RawMessage(`{"attemptId":"a1","kind":"tool_outcome","toolCallId":"c1","payload":"ok"}`)},
	}

	// 实时路径
	liveR, liveTS, _ := newTestRouter(&fakeChannel{}, &fakeStore{}, Hooks{})
	liveR.SetActive("t1", "a1")
	for _, rec := range raws {
		if !liveR.Apply(rec.Seq, decodeT(t, rec.Params)) {
			t.Fatalf("live event seq %d not applied", rec.Seq)
		}
	}

	// 崩溃重放路径
	st := &fakeStore{
		running: &RunningAttempt{
			Meta:   Meta{AttemptID: "a1", TaskID: "t1"},
			Events: raws,
		},
		alive: map[string]bool{"a1": true},
		log:   map[string][]RawEvent{"a1": raws},
	}
	replayR, replayTS, _ := newTestRouter(&fakeChannel{}, st, Hooks{})
	if err := replayR.Attach(context.Background(), "t1"); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	live := stripVolatile(liveTS.Snapshot())
	replayed := stripVolatile(replayTS.Snapshot())
	if !reflect.DeepEqual(live, replayed) {
		t.Fatalf("replay diverged from live:\nlive   = %+v\nreplay = %+v", live, replayed)
	}
}

func TestForceStatusOnlyActiveNonTerminal(t *testing.T) {
	var fired []agenthost.AttemptStatus
	hooks := Hooks{OnStatus: func(id string, st agenthost.AttemptStatus) {
		fired = append(fired, st)
	}}
	r, ts, _ := newTestRouter(&fakeChannel{}, &fakeStore{}, hooks)
	r.SetActive("t1", "a1")
	r.Apply(0, decodeT(t, rawDelta("a1", "跑一半")))

	// 非终态与外来 attempt 都是无操作
	r.ForceStatus("a1", agenthost.StatusRunning)
	r.ForceStatus("a2", agenthost.StatusFailed)
	if _, st := r.Active(); st != agenthost.StatusRunning {
		t.Fatalf("status = %q, want running untouched", st)
	}

	// 巡检宣告失联: 状态落 failed, 打开轮封上
	r.ForceStatus("a1", agenthost.StatusFailed)
	if _, st := r.Active(); st != agenthost.StatusFailed {
		t.Fatalf("status = %q, want failed", st)
	}
	if turns := ts.Snapshot(); !turns[len(turns)-1].Closed {
		t.Fatal("open turn not closed by forced terminal")
	}
	if len(fired) != 1 || fired[0] != agenthost.StatusFailed {
		t.Fatalf("OnStatus calls = %v, want [failed]", fired)
	}

	// 已终态的视图不再翻转
	r.ForceStatus("a1", agenthost.StatusCancelled)
	if _, st := r.Active(); st != agenthost.StatusFailed {
		t.Fatalf("terminal status overwritten to %q", st)
	}
}
