// apply.go — 事件种类到合并操作的唯一映射。
//
// 实时流、断线补偿、崩溃回放三条路径都必须经 ApplyEvent 进入转写稿,
// 同一份事件日志无论何时回放都收敛到同一终态。
package transcript

import (
	"github.com/agent-console/go-console-v2/internal/agenthost"
	apperrors "github.com/agent-console/go-console-v2/pkg/errors"
)

type applyHandler func(m *Manager, ev agenthost.Event)

var applyHandlers = map[agenthost.EventKind]applyHandler{
	agenthost.EventContentDelta: func(m *Manager, ev agenthost.Event) {
		m.ApplyContentDelta(ev.AttemptID, ev.ContentDelta.BlockKind, ev.ContentDelta.Text)
	},
	agenthost.EventMessageSnapshot: func(m *Manager, ev agenthost.Event) {
		m.ApplySnapshot(ev.AttemptID, ev.MessageSnapshot.Blocks)
	},
	agenthost.EventToolInvocation: func(m *Manager, ev agenthost.Event) {
		p := ev.ToolInvocation
		m.UpsertToolCall(ev.AttemptID, agenthost.ContentBlock{
			Kind:       agenthost.BlockToolCall,
			ToolCallID: p.ToolCallID,
			Name:       p.Name,
			Input:      p.Input,
		})
	},
	agenthost.EventToolOutcome: func(m *Manager, ev agenthost.Event) {
		p := ev.ToolOutcome
		m.RecordToolOutcome(p.ToolCallID, ToolOutcome{
			ToolCallID: p.ToolCallID,
			Payload:    p.Payload,
			IsError:    p.IsError,
		})
	},
	agenthost.EventTerminal: func(m *Manager, ev agenthost.Event) {
		// 状态迁移归路由层管, 转写稿只负责封轮
		m.CloseOpenTurn(ev.AttemptID)
	},
	agenthost.EventQuestionAsk: func(m *Manager, ev agenthost.Event) {
		p := ev.QuestionAsk
		m.UpsertToolCall(ev.AttemptID, agenthost.AskBlock(p.ToolCallID, p.Prompts))
	},
}

// ApplyEvent 把一条已解码事件合入转写稿。
func (m *Manager) ApplyEvent(ev agenthost.Event) error {
	h, ok := applyHandlers[ev.Kind]
	if !ok {
		return apperrors.Wrapf(apperrors.ErrMalformedEvent,
			"transcript.ApplyEvent", "no handler for kind %q", ev.Kind)
	}
	h(m, ev)
	return nil
}
