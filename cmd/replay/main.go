// cmd/replay — 离线回放 JSONL 事件日志, 重建转写稿。
//
// 用法:
//
//	replay [-json] [-attempt att-xxx] <event-log.jsonl>
//
// 回放与实时共用同一条解码→合并路径, 输出即当时浏览器应当
// 看到的终态; 用于事后排查与合并逻辑回归。"-" 表示从 stdin 读。
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"sort"

	"github.com/agent-console/go-console-v2/internal/agenthost"
	"github.com/agent-console/go-console-v2/internal/transcript"
)

func main() {
	asJSON := flag.Bool("json", false, "输出合并后的 JSON 转写稿")
	only := flag.String("attempt", "", "只回放指定 attempt 的事件")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: replay [-json] [-attempt att-xxx] <event-log.jsonl>")
		os.Exit(2)
	}
	path := flag.Arg(0)

	in := os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			log.Fatalf("open %s: %v", path, err)
		}
		defer f.Close()
		in = f
	}

	records, err := agenthost.ReadEventLog(in)
	if err != nil {
		log.Fatalf("read event log: %v", err)
	}

	m := transcript.NewManager()
	kinds := map[agenthost.EventKind]int{}
	malformed := 0
	for _, rec := range records {
		ev, err := agenthost.DecodeEvent(rec.Event)
		if err != nil {
			malformed++ // 与实时路径一致: 坏事件丢弃, 回放继续
			continue
		}
		if *only != "" && ev.AttemptID != *only {
			continue
		}
		kinds[ev.Kind]++
		_ = m.ApplyEvent(ev)
	}

	turns := m.Snapshot()
	if *asJSON {
		out, err := json.MarshalIndent(turns, "", "  ")
		if err != nil {
			log.Fatalf("marshal transcript: %v", err)
		}
		fmt.Println(string(out))
		return
	}

	fmt.Printf("replayed %d records (%d malformed skipped)\n", len(records), malformed)
	for _, kind := range sortedKinds(kinds) {
		fmt.Printf("  %-18s %d\n", kind, kinds[kind])
	}
	fmt.Printf("transcript: %d turns\n\n", len(turns))
	for i, turn := range turns {
		printTurn(i, turn)
	}
}

// printTurn 人类可读的单轮渲染。
func printTurn(i int, turn transcript.Turn) {
	state := "open"
	if turn.Closed {
		state = "closed"
	}
	who := string(turn.Role)
	if turn.AttemptID != "" {
		who += " " + turn.AttemptID
	}
	fmt.Printf("--- turn %d [%s] (%s)\n", i+1, who, state)
	for _, b := range turn.Blocks {
		if b.Kind != agenthost.BlockToolCall {
			fmt.Printf("  [%s] %s\n", b.Kind, b.Text)
			continue
		}
		fmt.Printf("  [tool_call %s] %s %s\n", b.ToolCallID, b.Name, compact(b.Input))
		if b.Name == agenthost.AskToolName {
			for _, p := range agenthost.PromptsFromInput(b.Input) {
				fmt.Printf("      question: %s\n", p.Question)
			}
		}
		if oc, ok := turn.Outcomes[b.ToolCallID]; ok {
			tag := "result"
			if oc.IsError {
				tag = "result(error)"
			}
			fmt.Printf("      %s: %s\n", tag, compact(oc.Payload))
		}
	}
	fmt.Println()
}

// compact 压缩 JSON 到单行, 超长截断。
func compact(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	s := buf.String()
	if len(s) > 120 {
		s = s[:117] + "..."
	}
	return s
}

func sortedKinds(m map[agenthost.EventKind]int) []agenthost.EventKind {
	out := make([]agenthost.EventKind, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
