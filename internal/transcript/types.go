// types.go — 转写稿数据模型。
//
// Turn 是对话的基本单元: 用户轮一次写入即关闭, agent 轮在 attempt
// 流式期间保持打开、按位置合并内容块, 直到 terminal 事件落锤。
// 工具结果不占块位, 按 toolCallId 挂在所属轮的 Outcomes 上。
package transcript

import (
	"encoding/json"
	"time"

	"github.com/agent-console/go-console-v2/internal/agenthost"
)

// Role 轮归属。
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// ToolOutcome 某次工具调用的结果。同 toolCallId 后到覆盖先到。
type ToolOutcome struct {
	ToolCallID string          `json:"toolCallId"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	IsError    bool            `json:"isError,omitempty"`
}

// Turn 一轮对话。agent 轮带来源 AttemptID, 用户轮该字段为空。
type Turn struct {
	ID        string                   `json:"id"`
	Role      Role                     `json:"role"`
	AttemptID string                   `json:"attemptId,omitempty"`
	Blocks    []agenthost.ContentBlock `json:"blocks"`
	Outcomes  map[string]ToolOutcome   `json:"outcomes,omitempty"`
	Closed    bool                     `json:"closed"`
	StartedAt time.Time                `json:"startedAt"`
	UpdatedAt time.Time                `json:"updatedAt"`
}

// cloneBlock 深拷贝一个内容块 (Input 字节也复制)。
func cloneBlock(b agenthost.ContentBlock) agenthost.ContentBlock {
	out := b
	if len(b.Input) > 0 {
		out.Input = append(json.RawMessage(nil), b.Input...)
	}
	return out
}

// cloneTurn 深拷贝一轮, 返回值与内部状态不共享任何可变内存。
func cloneTurn(t *Turn) Turn {
	out := *t
	if len(t.Blocks) > 0 {
		out.Blocks = make([]agenthost.ContentBlock, len(t.Blocks))
		for i := range t.Blocks {
			out.Blocks[i] = cloneBlock(t.Blocks[i])
		}
	}
	if len(t.Outcomes) > 0 {
		out.Outcomes = make(map[string]ToolOutcome, len(t.Outcomes))
		for id, oc := range t.Outcomes {
			cp := oc
			if len(oc.Payload) > 0 {
				cp.Payload = append(json.RawMessage(nil), oc.Payload...)
			}
			out.Outcomes[id] = cp
		}
	}
	return out
}
