// manager_test.go — 定位合并、幂等收敛与水化保护测试。
package transcript

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/agent-console/go-console-v2/internal/agenthost"
	apperrors "github.com/agent-console/go-console-v2/pkg/errors"
)

func textBlock(text string) agenthost.ContentBlock {
	return agenthost.ContentBlock{Kind: agenthost.BlockText, Text: text}
}

func thinkingBlock(text string) agenthost.ContentBlock {
	return agenthost.ContentBlock{Kind: agenthost.BlockThinking, Text: text}
}

func toolBlock(id, name, input string) agenthost.ContentBlock {
	b := agenthost.ContentBlock{Kind: agenthost.BlockToolCall, ToolCallID: id, Name: name}
	if input != "" {
		b.Input = json.RawMessage(input)
	}
	return b
}

// stripTimes 归零时间戳, 便于比较两条路径的收敛终态。
func stripTimes(turns []Turn) []Turn {
	for i := range turns {
		turns[i].StartedAt = time.Time{}
		turns[i].UpdatedAt = time.Time{}
	}
	return turns
}

func TestSnapshotThenDeltaMergesForward(t *testing.T) {
	m := NewManager()
	m.ApplySnapshot("a1", []agenthost.ContentBlock{textBlock("Look")})
	m.ApplyContentDelta("a1", agenthost.BlockText, "ing")

	turns := m.Snapshot()
	if len(turns) != 1 {
		t.Fatalf("len(turns) = %d, want 1", len(turns))
	}
	if got := turns[0].Blocks[0].Text; got != "Looking" {
		t.Fatalf("text = %q, want %q", got, "Looking")
	}

	// 落后的快照重放不回退已合并文本
	m.ApplySnapshot("a1", []agenthost.ContentBlock{textBlock("Look")})
	turns = m.Snapshot()
	if got := turns[0].Blocks[0].Text; got != "Looking" {
		t.Fatalf("text after stale snapshot = %q, want %q", got, "Looking")
	}
}

func TestSnapshotIdempotent(t *testing.T) {
	blocks := []agenthost.ContentBlock{
		thinkingBlock("先看结构"),
		textBlock("Looking at the file"),
		toolBlock("c1", "read_file", `{"path":"main.go"}`),
	}
	m := NewManager()
	m.ApplySnapshot("a1", blocks)
	once := stripTimes(m.Snapshot())

	m.ApplySnapshot("a1", blocks)
	m.ApplySnapshot("a1", blocks)
	thrice := stripTimes(m.Snapshot())

	if !reflect.DeepEqual(once, thrice) {
		t.Fatalf("snapshot not idempotent:\nonce   = %+v\nthrice = %+v", once, thrice)
	}
}

func TestSnapshotKeepLonger(t *testing.T) {
	m := NewManager()
	m.ApplySnapshot("a1", []agenthost.ContentBlock{textBlock("Hello, wor")})
	m.ApplySnapshot("a1", []agenthost.ContentBlock{textBlock("Hello, world!")})
	if got := m.Snapshot()[0].Blocks[0].Text; got != "Hello, world!" {
		t.Fatalf("text = %q, want longer variant kept", got)
	}
	m.ApplySnapshot("a1", []agenthost.ContentBlock{textBlock("Hello")})
	if got := m.Snapshot()[0].Blocks[0].Text; got != "Hello, world!" {
		t.Fatalf("text = %q, shorter snapshot must not shrink block", got)
	}
}

func TestSnapshotShorterKeepsTrailingBlocks(t *testing.T) {
	m := NewManager()
	m.ApplySnapshot("a1", []agenthost.ContentBlock{
		textBlock("one"), textBlock("two"), toolBlock("c1", "f", ""),
	})
	m.ApplySnapshot("a1", []agenthost.ContentBlock{textBlock("one")})
	turns := m.Snapshot()
	if got := len(turns[0].Blocks); got != 3 {
		t.Fatalf("len(blocks) = %d, want 3 (no truncation)", got)
	}
}

func TestSnapshotToolCallReplacedWholesale(t *testing.T) {
	m := NewManager()
	m.ApplySnapshot("a1", []agenthost.ContentBlock{toolBlock("c1", "read_file", `{"path":"a"}`)})
	m.ApplySnapshot("a1", []agenthost.ContentBlock{toolBlock("c1", "read_file", `{"path":"a","limit":10}`)})

	b := m.Snapshot()[0].Blocks[0]
	if string(b.Input) != `{"path":"a","limit":10}` {
		t.Fatalf("input = %s, want wholesale replacement", b.Input)
	}

	// 同位换成另一个 id: 旧 id 的索引必须失效
	m.ApplySnapshot("a1", []agenthost.ContentBlock{toolBlock("c2", "write_file", `{}`)})
	m.RecordToolOutcome("c1", ToolOutcome{ToolCallID: "c1", Payload: json.RawMessage(`"late"`)})
	turns := m.Snapshot()
	if turns[0].Blocks[0].ToolCallID != "c2" {
		t.Fatalf("block id = %q, want c2", turns[0].Blocks[0].ToolCallID)
	}
	if _, ok := turns[0].Outcomes["c1"]; ok {
		t.Fatal("outcome for evicted c1 must not land on the turn")
	}
}

func TestSnapshotCrossKindOverwrite(t *testing.T) {
	m := NewManager()
	m.ApplySnapshot("a1", []agenthost.ContentBlock{thinkingBlock("草稿")})
	m.ApplySnapshot("a1", []agenthost.ContentBlock{textBlock("final")})
	b := m.Snapshot()[0].Blocks[0]
	if b.Kind != agenthost.BlockText || b.Text != "final" {
		t.Fatalf("block = %+v, want cross-kind overwrite", b)
	}
}

func TestDeltaAppendsByKind(t *testing.T) {
	m := NewManager()
	m.ApplyContentDelta("a1", agenthost.BlockThinking, "思")
	m.ApplyContentDelta("a1", agenthost.BlockThinking, "考")
	m.ApplyContentDelta("a1", agenthost.BlockText, "回答")
	m.ApplyContentDelta("a1", agenthost.BlockText, "继续")
	m.ApplyContentDelta("a1", agenthost.BlockText, "") // 空增量无操作

	blocks := m.Snapshot()[0].Blocks
	if len(blocks) != 2 {
		t.Fatalf("len(blocks) = %d, want 2", len(blocks))
	}
	if blocks[0].Text != "思考" || blocks[1].Text != "回答继续" {
		t.Fatalf("blocks = %q / %q", blocks[0].Text, blocks[1].Text)
	}
}

func TestOutcomeLastWriteWins(t *testing.T) {
	m := NewManager()
	m.UpsertToolCall("a1", toolBlock("c1", "run", "{}"))
	m.RecordToolOutcome("c1", ToolOutcome{ToolCallID: "c1", Payload: json.RawMessage(`"first"`)})
	m.RecordToolOutcome("c1", ToolOutcome{ToolCallID: "c1", Payload: json.RawMessage(`"second"`), IsError: true})

	oc := m.Snapshot()[0].Outcomes["c1"]
	if string(oc.Payload) != `"second"` || !oc.IsError {
		t.Fatalf("outcome = %+v, want last write", oc)
	}
}

func TestOutcomeParkedUntilCallArrives(t *testing.T) {
	m := NewManager()
	m.RecordToolOutcome("c1", ToolOutcome{ToolCallID: "c1", Payload: json.RawMessage(`"early"`)})
	if n := m.TurnCount(); n != 0 {
		t.Fatalf("TurnCount = %d, parked outcome must not open a turn", n)
	}

	m.UpsertToolCall("a1", toolBlock("c1", "run", "{}"))
	oc, ok := m.Snapshot()[0].Outcomes["c1"]
	if !ok {
		t.Fatal("parked outcome not drained when call arrived")
	}
	if string(oc.Payload) != `"early"` {
		t.Fatalf("payload = %s, want %q", oc.Payload, "early")
	}
}

func TestUpsertToolCallInPlace(t *testing.T) {
	m := NewManager()
	m.ApplySnapshot("a1", []agenthost.ContentBlock{
		textBlock("before"), toolBlock("c1", "run", `{"v":1}`), textBlock("after"),
	})
	m.UpsertToolCall("a1", toolBlock("c1", "run", `{"v":2}`))

	blocks := m.Snapshot()[0].Blocks
	if len(blocks) != 3 {
		t.Fatalf("len(blocks) = %d, upsert must not append duplicate", len(blocks))
	}
	if string(blocks[1].Input) != `{"v":2}` {
		t.Fatalf("input = %s, want in-place update", blocks[1].Input)
	}
}

func TestAttemptIsolation(t *testing.T) {
	m := NewManager()
	m.ApplyContentDelta("a1", agenthost.BlockText, "attempt one")
	m.ApplySnapshot("a2", []agenthost.ContentBlock{textBlock("attempt two")})
	m.ApplyContentDelta("a1", agenthost.BlockText, " more")

	turns := m.Snapshot()
	if len(turns) != 2 {
		t.Fatalf("len(turns) = %d, want one open turn per attempt", len(turns))
	}
	if turns[0].AttemptID != "a1" || turns[0].Blocks[0].Text != "attempt one more" {
		t.Fatalf("turn[0] = %+v", turns[0])
	}
	if turns[1].AttemptID != "a2" || turns[1].Blocks[0].Text != "attempt two" {
		t.Fatalf("turn[1] = %+v", turns[1])
	}

	m.CloseOpenTurn("a1")
	if m.HasOpenTurn("a1") {
		t.Fatal("a1 must be closed")
	}
	if !m.HasOpenTurn("a2") {
		t.Fatal("closing a1 must not touch a2")
	}
}

func TestAppendUserTurnClosesOpenTurns(t *testing.T) {
	m := NewManager()
	m.ApplyContentDelta("a1", agenthost.BlockText, "streaming")
	turn := m.AppendUserTurn("请换个方案")

	if turn.Role != RoleUser || !turn.Closed {
		t.Fatalf("user turn = %+v", turn)
	}
	if turn.Blocks[0].Text != "请换个方案" {
		t.Fatalf("text = %q", turn.Blocks[0].Text)
	}
	turns := m.Snapshot()
	if !turns[0].Closed {
		t.Fatal("open agent turn must be closed by user turn")
	}
	if m.HasOpenTurn("a1") {
		t.Fatal("open index must be cleared")
	}
}

func TestSnapshotDeepCopy(t *testing.T) {
	m := NewManager()
	m.ApplySnapshot("a1", []agenthost.ContentBlock{toolBlock("c1", "run", `{"v":1}`)})
	m.RecordToolOutcome("c1", ToolOutcome{ToolCallID: "c1", Payload: json.RawMessage(`"ok"`)})

	snap := m.Snapshot()
	snap[0].Blocks[0].Text = "tampered"
	snap[0].Blocks[0].Input[2] = 'X'
	snap[0].Outcomes["c1"] = ToolOutcome{ToolCallID: "c1", Payload: json.RawMessage(`"bad"`)}

	fresh := m.Snapshot()
	if fresh[0].Blocks[0].Text != "" {
		t.Fatal("mutating snapshot leaked into manager state")
	}
	if string(fresh[0].Blocks[0].Input) != `{"v":1}` {
		t.Fatalf("input = %s, snapshot must not share bytes", fresh[0].Blocks[0].Input)
	}
	if string(fresh[0].Outcomes["c1"].Payload) != `"ok"` {
		t.Fatal("outcome map must be copied")
	}
}

func TestHydrateRefusedWhileStreaming(t *testing.T) {
	m := NewManager()
	m.ApplyContentDelta("a1", agenthost.BlockText, "mid-stream")

	err := m.HydrateHistory([]Turn{{ID: "dbturn-1", Role: RoleUser, Closed: true}})
	if err == nil {
		t.Fatal("hydrate must be refused while a turn is streaming")
	}
	if !errors.Is(err, apperrors.ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput chain", err)
	}
	if got := m.Snapshot()[0].Blocks[0].Text; got != "mid-stream" {
		t.Fatalf("text = %q, streamed content must survive refused hydrate", got)
	}
}

func TestHydrateRebuildsIndexes(t *testing.T) {
	history := []Turn{
		{ID: "dbturn-1", Role: RoleUser, Closed: true, Blocks: []agenthost.ContentBlock{textBlock("部署一下")}},
		{ID: "dbturn-2", Role: RoleAgent, AttemptID: "a1", Closed: true, Blocks: []agenthost.ContentBlock{
			toolBlock("c1", "deploy", "{}"),
		}},
		{ID: "dbturn-3", Role: RoleAgent, AttemptID: "a2", Blocks: []agenthost.ContentBlock{
			textBlock("进行中"),
		}},
	}
	m := NewManager()
	if err := m.HydrateHistory(history); err != nil {
		t.Fatalf("HydrateHistory: %v", err)
	}
	if !m.HasOpenTurn("a2") {
		t.Fatal("non-closed agent turn must be re-opened")
	}
	if m.HasOpenTurn("a1") {
		t.Fatal("closed agent turn must stay closed")
	}

	// calls 索引重建: 历史里的调用要能接住迟到结果
	m.RecordToolOutcome("c1", ToolOutcome{ToolCallID: "c1", Payload: json.RawMessage(`"done"`)})
	turns := m.Snapshot()
	if string(turns[1].Outcomes["c1"].Payload) != `"done"` {
		t.Fatal("outcome must land on hydrated turn via rebuilt index")
	}

	// 续流进入重开的轮, 不新开
	m.ApplyContentDelta("a2", agenthost.BlockText, ", 继续")
	turns = m.Snapshot()
	if len(turns) != 3 {
		t.Fatalf("len(turns) = %d, want 3", len(turns))
	}
	if turns[2].Blocks[0].Text != "进行中, 继续" {
		t.Fatalf("text = %q", turns[2].Blocks[0].Text)
	}
}

func TestApplyEventEndToEnd(t *testing.T) {
	events := []string{
		`{"attemptId":"a1","kind":"message_snapshot","blocks":[{"kind":"text","text":"Look"}]}`,
		`{"attemptId":"a1","kind":"content_delta","blockKind":"text","text":"ing"}`,
		`{"attemptId":"a1","kind":"tool_invocation","toolCallId":"c1","name":"read_file","input":{"path":"x"}}`,
		`{"attemptId":"a1","kind":"tool_outcome","toolCallId":"c1","payload":{"ok":true}}`,
		`{"attemptId":"a1","kind":"terminal","status":"completed"}`,
	}
	m := NewManager()
	for _, raw := range events {
		ev, err := agenthost.DecodeEvent(json.RawMessage(raw))
		if err != nil {
			t.Fatalf("DecodeEvent(%s): %v", raw, err)
		}
		if err := m.ApplyEvent(ev); err != nil {
			t.Fatalf("ApplyEvent: %v", err)
		}
	}

	turns := m.Snapshot()
	if len(turns) != 1 {
		t.Fatalf("len(turns) = %d, want 1", len(turns))
	}
	turn := turns[0]
	if !turn.Closed {
		t.Fatal("terminal must close the turn")
	}
	if turn.Blocks[0].Text != "Looking" {
		t.Fatalf("text = %q, want %q", turn.Blocks[0].Text, "Looking")
	}
	if turn.Blocks[1].ToolCallID != "c1" {
		t.Fatalf("blocks[1] = %+v", turn.Blocks[1])
	}
	if string(turn.Outcomes["c1"].Payload) != `{"ok":true}` {
		t.Fatalf("outcome = %+v", turn.Outcomes["c1"])
	}
}

func TestReplayConvergesToSameState(t *testing.T) {
	raws := []string{
		`{"attemptId":"a1","kind":"content_delta","blockKind":"thinking","text":"想"}`,
		`{"attemptId":"a1","kind":"message_snapshot","blocks":[{"kind":"thinking","text":"想一想"},{"kind":"text","text":"答案"}]}`,
		`{"attemptId":"a1","kind":"tool_outcome","toolCallId":"c1","payload":"early"}`,
		`{"attemptId":"a1","kind":"tool_invocation","toolCallId":"c1","name":"run","input":{}}`,
		`{"attemptId":"a1","kind":"question_ask","toolCallId":"q1","prompts":[{"question":"继续?"}]}`,
		`{"attemptId":"a1","kind":"terminal","status":"completed"}`,
	}
	decode := func(raw string) agenthost.Event {
		ev, err := agenthost.DecodeEvent(json.RawMessage(raw))
		if err != nil {
			t.Fatalf("DecodeEvent: %v", err)
		}
		return ev
	}

	live := NewManager()
	for _, raw := range raws {
		_ = live.ApplyEvent(decode(raw))
	}

	// 回放两遍 (崩溃恢复后重复投递的极端情形)
	replayed := NewManager()
	for i := 0; i < 2; i++ {
		for _, raw := range raws {
			_ = replayed.ApplyEvent(decode(raw))
		}
	}

	a := stripTimes(live.Snapshot())
	b := stripTimes(replayed.Snapshot())
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("replay diverged:\nlive     = %+v\nreplayed = %+v", a, b)
	}
}

func TestQuestionAskVisibleAsToolCall(t *testing.T) {
	m := NewManager()
	ev, err := agenthost.DecodeEvent(json.RawMessage(
		`{"attemptId":"a1","kind":"question_ask","toolCallId":"q1","prompts":[{"question":"部署?","allowedAnswers":["yes","no"]}]}`))
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}
	_ = m.ApplyEvent(ev)

	b := m.Snapshot()[0].Blocks[0]
	if b.Kind != agenthost.BlockToolCall || b.Name != agenthost.AskToolName || b.ToolCallID != "q1" {
		t.Fatalf("block = %+v", b)
	}
	prompts := agenthost.PromptsFromInput(b.Input)
	if len(prompts) != 1 || prompts[0].Question != "部署?" {
		t.Fatalf("prompts = %+v", prompts)
	}
}

func TestClearKeepsIDsUnique(t *testing.T) {
	m := NewManager()
	first := m.AppendUserTurn("one")
	m.Clear()
	second := m.AppendUserTurn("two")
	if first.ID == second.ID {
		t.Fatalf("turn ids must stay unique across Clear, both = %q", first.ID)
	}
	if n := m.TurnCount(); n != 1 {
		t.Fatalf("TurnCount = %d, want 1 after Clear", n)
	}
}
