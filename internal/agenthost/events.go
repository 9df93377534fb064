// events.go — agent host 事件模型与封闭式解码边界。
//
// 上游以 JSON-RPC 通知 attempt/event 推送事件, params 形如:
//
//	{attemptId, kind, ...kind 专属字段}
//
// 六种 kind 各对应一个封闭 payload 结构, DecodeEvent 是唯一解码入口:
// 实时路径与日志回放路径共用同一个函数, 保证两条路径行为一致。
// 缺失身份字段 (attemptId / kind / toolCallId) 的事件判为畸形,
// 调用方记日志后丢弃, 决不允许打断事件循环。
package agenthost

import (
	"encoding/json"
	"strings"

	apperrors "github.com/agent-console/go-console-v2/pkg/errors"
)

// ========================================
// 枚举
// ========================================

// EventKind attempt/event 的判别类型。
type EventKind string

const (
	EventContentDelta    EventKind = "content_delta"    // 增量 token (text/thinking)
	EventMessageSnapshot EventKind = "message_snapshot" // 可能不完整的整条消息快照
	EventToolInvocation  EventKind = "tool_invocation"  // 工具调用请求 (稳定 toolCallId)
	EventToolOutcome     EventKind = "tool_outcome"     // 工具结果, 按 toolCallId 归位
	EventTerminal        EventKind = "terminal"         // attempt 终态
	EventQuestionAsk     EventKind = "question_ask"     // agent 暂停提问
)

// BlockKind 内容块类型。
type BlockKind string

const (
	BlockText     BlockKind = "text"
	BlockThinking BlockKind = "thinking"
	BlockToolCall BlockKind = "tool_call"
)

// AttemptStatus attempt 生命周期状态。
type AttemptStatus string

const (
	StatusRunning   AttemptStatus = "running"
	StatusCompleted AttemptStatus = "completed"
	StatusFailed    AttemptStatus = "failed"
	StatusCancelled AttemptStatus = "cancelled"
)

// Terminal 返回是否为终态。终态迁移恰好发生一次, 之后 attempt 不可变
// (消息历史除外, 只允许追加)。
func (s AttemptStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// AskToolName 内嵌提问的工具名: 这种 tool_invocation 与 question_ask 等价,
// 共用同一套按 toolCallId 的待答状态。
const AskToolName = "AskUserQuestion"

// ========================================
// 线格式结构
// ========================================

// ContentBlock 消息内容块 (带序联合)。
// 位置即语义: 同一条消息内按数组下标对齐合并, 不允许重排。
type ContentBlock struct {
	Kind       BlockKind       `json:"kind"`
	Text       string          `json:"text,omitempty"`       // text / thinking
	ToolCallID string          `json:"toolCallId,omitempty"` // tool_call
	Name       string          `json:"name,omitempty"`       // tool_call
	Input      json.RawMessage `json:"input,omitempty"`      // tool_call
}

// QuestionPrompt 结构化提问中的一项。
type QuestionPrompt struct {
	Question       string   `json:"question"`
	AllowedAnswers []string `json:"allowedAnswers,omitempty"`
	MultiSelect    bool     `json:"multiSelect,omitempty"`
}

// ContentDeltaPayload content_delta 专属字段。
type ContentDeltaPayload struct {
	BlockKind BlockKind `json:"blockKind"`
	Text      string    `json:"text"`
}

// MessageSnapshotPayload message_snapshot 专属字段。
type MessageSnapshotPayload struct {
	Blocks []ContentBlock `json:"blocks"`
}

// ToolInvocationPayload tool_invocation 专属字段。
type ToolInvocationPayload struct {
	ToolCallID string          `json:"toolCallId"`
	Name       string          `json:"name"`
	Input      json.RawMessage `json:"input,omitempty"`
}

// ToolOutcomePayload tool_outcome 专属字段。
type ToolOutcomePayload struct {
	ToolCallID string          `json:"toolCallId"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	IsError    bool            `json:"isError,omitempty"`
}

// TerminalPayload terminal 专属字段。
type TerminalPayload struct {
	Status AttemptStatus `json:"status"`
}

// QuestionAskPayload question_ask 专属字段。
type QuestionAskPayload struct {
	ToolCallID string           `json:"toolCallId"`
	Prompts    []QuestionPrompt `json:"prompts"`
}

// Event 一条已解码校验过的上游事件。
// Kind 对应的 payload 指针非 nil, 其余为 nil。
type Event struct {
	AttemptID string
	Kind      EventKind

	ContentDelta    *ContentDeltaPayload
	MessageSnapshot *MessageSnapshotPayload
	ToolInvocation  *ToolInvocationPayload
	ToolOutcome     *ToolOutcomePayload
	Terminal        *TerminalPayload
	QuestionAsk     *QuestionAskPayload
}

// ========================================
// 解码
// ========================================

// eventEnvelope 第一遍解析: 只取公共身份字段。
type eventEnvelope struct {
	AttemptID string    `json:"attemptId"`
	Kind      EventKind `json:"kind"`
}

// malformed 构造挂在 ErrMalformedEvent 哨兵上的解码错误。
func malformed(format string, args ...any) error {
	return apperrors.Wrapf(apperrors.ErrMalformedEvent, "agenthost.DecodeEvent", format, args...)
}

// DecodeEvent 解析并校验一条 attempt/event params。
//
// 两遍解析: 先取身份字段, 再按 kind 解析专属 payload。
// 任何身份字段缺失都返回 ErrMalformedEvent 链上的错误, 不 panic:
// 一条坏事件不能阻断其他 attempt 后续事件的处理。
func DecodeEvent(params json.RawMessage) (Event, error) {
	if len(params) == 0 {
		return Event{}, malformed("empty params")
	}
	var env eventEnvelope
	if err := json.Unmarshal(params, &env); err != nil {
		return Event{}, malformed("params not an object: %v", err)
	}
	if strings.TrimSpace(env.AttemptID) == "" {
		return Event{}, malformed("missing attemptId")
	}

	ev := Event{AttemptID: env.AttemptID, Kind: env.Kind}
	switch env.Kind {
	case EventContentDelta:
		var p ContentDeltaPayload
		if err := json.Unmarshal(params, &p); err != nil {
			return Event{}, malformed("content_delta payload: %v", err)
		}
		if p.BlockKind != BlockText && p.BlockKind != BlockThinking {
			return Event{}, malformed("content_delta blockKind %q (want text|thinking)", p.BlockKind)
		}
		ev.ContentDelta = &p

	case EventMessageSnapshot:
		var p MessageSnapshotPayload
		if err := json.Unmarshal(params, &p); err != nil {
			return Event{}, malformed("message_snapshot payload: %v", err)
		}
		for i, b := range p.Blocks {
			switch b.Kind {
			case BlockText, BlockThinking:
			case BlockToolCall:
				if strings.TrimSpace(b.ToolCallID) == "" {
					return Event{}, malformed("snapshot block %d: tool_call without toolCallId", i)
				}
			default:
				return Event{}, malformed("snapshot block %d: unknown kind %q", i, b.Kind)
			}
		}
		ev.MessageSnapshot = &p

	case EventToolInvocation:
		var p ToolInvocationPayload
		if err := json.Unmarshal(params, &p); err != nil {
			return Event{}, malformed("tool_invocation payload: %v", err)
		}
		if strings.TrimSpace(p.ToolCallID) == "" {
			return Event{}, malformed("tool_invocation without toolCallId")
		}
		ev.ToolInvocation = &p

	case EventToolOutcome:
		var p ToolOutcomePayload
		if err := json.Unmarshal(params, &p); err != nil {
			return Event{}, malformed("tool_outcome payload: %v", err)
		}
		if strings.TrimSpace(p.ToolCallID) == "" {
			return Event{}, malformed("tool_outcome without toolCallId")
		}
		ev.ToolOutcome = &p

	case EventTerminal:
		var p TerminalPayload
		if err := json.Unmarshal(params, &p); err != nil {
			return Event{}, malformed("terminal payload: %v", err)
		}
		if !p.Status.Terminal() {
			return Event{}, malformed("terminal with non-terminal status %q", p.Status)
		}
		ev.Terminal = &p

	case EventQuestionAsk:
		var p QuestionAskPayload
		if err := json.Unmarshal(params, &p); err != nil {
			return Event{}, malformed("question_ask payload: %v", err)
		}
		if strings.TrimSpace(p.ToolCallID) == "" {
			return Event{}, malformed("question_ask without toolCallId")
		}
		if len(p.Prompts) == 0 {
			return Event{}, malformed("question_ask %s without prompts", p.ToolCallID)
		}
		ev.QuestionAsk = &p

	case "":
		return Event{}, malformed("missing kind")
	default:
		return Event{}, malformed("unknown kind %q", env.Kind)
	}
	return ev, nil
}

// ========================================
// 提问 ↔ tool_call 互转
// ========================================

// IsAskInvocation 判断 tool_invocation 是否为内嵌提问。
func IsAskInvocation(p *ToolInvocationPayload) bool {
	return p != nil && p.Name == AskToolName
}

// askInput question_ask 转写为 tool_call block 时的 input 结构。
type askInput struct {
	Prompts []QuestionPrompt `json:"prompts"`
}

// AskBlock 把 question_ask 转写为待定 tool_call block,
// 使提问在转写稿里可见、可随历史持久化、可被恢复扫描找回。
func AskBlock(toolCallID string, prompts []QuestionPrompt) ContentBlock {
	input, _ := json.Marshal(askInput{Prompts: prompts})
	return ContentBlock{
		Kind:       BlockToolCall,
		ToolCallID: toolCallID,
		Name:       AskToolName,
		Input:      input,
	}
}

// PromptsFromInput 从 ask 类 tool_call 的 input 恢复 prompts。
// 兼容 {prompts:[...]} 与裸数组两种形态 (上游的 tool_invocation 不保证包裹)。
func PromptsFromInput(input json.RawMessage) []QuestionPrompt {
	if len(input) == 0 {
		return nil
	}
	var wrapped askInput
	if err := json.Unmarshal(input, &wrapped); err == nil && len(wrapped.Prompts) > 0 {
		return wrapped.Prompts
	}
	var bare []QuestionPrompt
	if err := json.Unmarshal(input, &bare); err == nil && len(bare) > 0 {
		return bare
	}
	return nil
}
