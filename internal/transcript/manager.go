// manager.go — 转写稿权威状态与定位合并。
//
// 四条合并规则承担全部幂等性:
//
//  1. 快照按块下标对齐: 同类 text/thinking 保长 (字节数不减),
//     tool_call 同位整块替换, 跨类覆盖; 快照短于现状时多余块保留。
//  2. 增量只追加到尾块 (同类续写, 异类新开块)。
//  3. 工具调用按 toolCallId 全局索引, 重复 upsert 原位替换。
//  4. 工具结果按 toolCallId 归位, 调用块未到先暂存 (parked),
//     到位即排空; 同 id 后到覆盖先到。
//
// 重复投递 (断线重订阅 / 日志回放) 经这四条规则收敛到同一终态,
// 调用方无需去重。所有导出方法线程安全; *Locked 后缀的私有方法
// 要求调用方已持有 m.mu。
package transcript

import (
	"fmt"
	"sync"
	"time"

	"github.com/agent-console/go-console-v2/internal/agenthost"
	apperrors "github.com/agent-console/go-console-v2/pkg/errors"
)

// Manager 单个任务会话的转写稿。
type Manager struct {
	mu       sync.RWMutex
	turns    []Turn
	open     map[string]int         // attemptId → 打开轮下标 (每 attempt 至多一个)
	calls    map[string]int         // toolCallId → 所在轮下标
	parked   map[string]ToolOutcome // 先于调用块到达的结果
	nextTurn int                    // 轮 id 计数, Clear 后不回退
}

// NewManager 创建空转写稿。
func NewManager() *Manager {
	return &Manager{
		open:   make(map[string]int),
		calls:  make(map[string]int),
		parked: make(map[string]ToolOutcome),
	}
}

// ========================================
// 打开轮
// ========================================

// openTurnLocked 返回 attempt 的打开轮下标, 没有则新开一轮。
func (m *Manager) openTurnLocked(attemptID string) int {
	if idx, ok := m.open[attemptID]; ok {
		return idx
	}
	m.nextTurn++
	now := time.Now()
	m.turns = append(m.turns, Turn{
		ID:        fmt.Sprintf("turn-%d", m.nextTurn),
		Role:      RoleAgent,
		AttemptID: attemptID,
		StartedAt: now,
		UpdatedAt: now,
	})
	idx := len(m.turns) - 1
	m.open[attemptID] = idx
	return idx
}

// HasOpenTurn 该 attempt 是否有打开中的 agent 轮。
func (m *Manager) HasOpenTurn(attemptID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.open[attemptID]
	return ok
}

// ========================================
// 合并
// ========================================

// mergeBlockAtLocked 把 incoming 合并到 turnIdx 轮的 pos 位。
func (m *Manager) mergeBlockAtLocked(turnIdx, pos int, incoming agenthost.ContentBlock) {
	turn := &m.turns[turnIdx]
	if pos >= len(turn.Blocks) {
		turn.Blocks = append(turn.Blocks, incoming)
		if incoming.Kind == agenthost.BlockToolCall {
			m.calls[incoming.ToolCallID] = turnIdx
			m.drainParkedLocked(turnIdx, incoming.ToolCallID)
		}
		return
	}
	existing := &turn.Blocks[pos]
	switch {
	case existing.Kind == incoming.Kind && incoming.Kind != agenthost.BlockToolCall:
		// 同类文本保长: 已合并出的更长文本不被旧快照缩短
		if len(incoming.Text) > len(existing.Text) {
			existing.Text = incoming.Text
		}
	case existing.Kind == agenthost.BlockToolCall && incoming.Kind == agenthost.BlockToolCall:
		if existing.ToolCallID != incoming.ToolCallID {
			delete(m.calls, existing.ToolCallID)
		}
		*existing = incoming
		m.calls[incoming.ToolCallID] = turnIdx
		m.drainParkedLocked(turnIdx, incoming.ToolCallID)
	default:
		// 跨类覆盖, 旧 tool_call 的索引随之失效
		if existing.Kind == agenthost.BlockToolCall {
			delete(m.calls, existing.ToolCallID)
		}
		*existing = incoming
		if incoming.Kind == agenthost.BlockToolCall {
			m.calls[incoming.ToolCallID] = turnIdx
			m.drainParkedLocked(turnIdx, incoming.ToolCallID)
		}
	}
}

// ApplySnapshot 按位置把快照合入 attempt 的打开轮。
// 快照可能落后于已合并的增量, 合并规则保证重放安全。
func (m *Manager) ApplySnapshot(attemptID string, blocks []agenthost.ContentBlock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := m.openTurnLocked(attemptID)
	for i, b := range blocks {
		m.mergeBlockAtLocked(idx, i, b)
	}
	m.turns[idx].UpdatedAt = time.Now()
}

// ApplyContentDelta 把增量文本续写到打开轮尾块。空增量是无操作。
func (m *Manager) ApplyContentDelta(attemptID string, kind agenthost.BlockKind, text string) {
	if text == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := m.openTurnLocked(attemptID)
	turn := &m.turns[idx]
	if n := len(turn.Blocks); n > 0 && turn.Blocks[n-1].Kind == kind {
		turn.Blocks[n-1].Text += text
	} else {
		turn.Blocks = append(turn.Blocks, agenthost.ContentBlock{Kind: kind, Text: text})
	}
	turn.UpdatedAt = time.Now()
}

// UpsertToolCall 按 toolCallId 更新或追加工具调用块。
// 已在场的调用原位整块替换, 位置不动; 新调用追加到打开轮。
func (m *Manager) UpsertToolCall(attemptID string, block agenthost.ContentBlock) {
	if block.Kind != agenthost.BlockToolCall || block.ToolCallID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if turnIdx, ok := m.calls[block.ToolCallID]; ok {
		turn := &m.turns[turnIdx]
		for i := range turn.Blocks {
			if turn.Blocks[i].Kind == agenthost.BlockToolCall && turn.Blocks[i].ToolCallID == block.ToolCallID {
				turn.Blocks[i] = block
				break
			}
		}
		turn.UpdatedAt = time.Now()
		return
	}
	idx := m.openTurnLocked(attemptID)
	turn := &m.turns[idx]
	turn.Blocks = append(turn.Blocks, block)
	turn.UpdatedAt = time.Now()
	m.calls[block.ToolCallID] = idx
	m.drainParkedLocked(idx, block.ToolCallID)
}

// RecordToolOutcome 把结果挂到 toolCallId 所在轮。
// 调用块未到时暂存, 不丢弃 —— 结果先于调用到达是合法乱序。
func (m *Manager) RecordToolOutcome(toolCallID string, outcome ToolOutcome) {
	if toolCallID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if turnIdx, ok := m.calls[toolCallID]; ok {
		m.setOutcomeLocked(turnIdx, toolCallID, outcome)
		return
	}
	m.parked[toolCallID] = outcome
}

func (m *Manager) setOutcomeLocked(turnIdx int, toolCallID string, outcome ToolOutcome) {
	turn := &m.turns[turnIdx]
	if turn.Outcomes == nil {
		turn.Outcomes = make(map[string]ToolOutcome)
	}
	turn.Outcomes[toolCallID] = outcome
	turn.UpdatedAt = time.Now()
}

func (m *Manager) drainParkedLocked(turnIdx int, toolCallID string) {
	if outcome, ok := m.parked[toolCallID]; ok {
		delete(m.parked, toolCallID)
		m.setOutcomeLocked(turnIdx, toolCallID, outcome)
	}
}

// ========================================
// 轮生命周期
// ========================================

// CloseOpenTurn 关闭 attempt 的打开轮。无打开轮时是无操作。
func (m *Manager) CloseOpenTurn(attemptID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, ok := m.open[attemptID]
	if !ok {
		return
	}
	delete(m.open, attemptID)
	m.turns[idx].Closed = true
	m.turns[idx].UpdatedAt = time.Now()
}

// AppendUserTurn 追加一条已关闭的用户轮。用户发言终结所有打开中的
// agent 轮。返回新轮的深拷贝, 供持久化。
func (m *Manager) AppendUserTurn(text string) Turn {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for attemptID, idx := range m.open {
		m.turns[idx].Closed = true
		m.turns[idx].UpdatedAt = now
		delete(m.open, attemptID)
	}
	m.nextTurn++
	m.turns = append(m.turns, Turn{
		ID:        fmt.Sprintf("turn-%d", m.nextTurn),
		Role:      RoleUser,
		Blocks:    []agenthost.ContentBlock{{Kind: agenthost.BlockText, Text: text}},
		Closed:    true,
		StartedAt: now,
		UpdatedAt: now,
	})
	return cloneTurn(&m.turns[len(m.turns)-1])
}

// ========================================
// 读取与整体替换
// ========================================

// Snapshot 返回全部轮的深拷贝, 与内部状态不共享可变内存。
func (m *Manager) Snapshot() []Turn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Turn, len(m.turns))
	for i := range m.turns {
		out[i] = cloneTurn(&m.turns[i])
	}
	return out
}

// TurnCount 当前轮数。
func (m *Manager) TurnCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.turns)
}

// hasStreamedContentLocked 打开轮里是否已有流入内容。
func hasStreamedContentLocked(t *Turn) bool {
	for _, b := range t.Blocks {
		if b.Kind == agenthost.BlockToolCall || b.Text != "" {
			return true
		}
	}
	return false
}

// HydrateHistory 用持久化历史整体替换转写稿, 并重建打开轮与
// toolCallId 索引。打开轮已有流入内容时拒绝 —— 历史水化只该发生在
// 流式开始之前, 覆盖正在流的轮意味着丢内容。
func (m *Manager) HydrateHistory(turns []Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, idx := range m.open {
		if hasStreamedContentLocked(&m.turns[idx]) {
			return apperrors.Wrap(apperrors.ErrInvalidInput,
				"transcript.HydrateHistory", "open turn has streamed content")
		}
	}
	m.turns = make([]Turn, len(turns))
	m.open = make(map[string]int)
	m.calls = make(map[string]int)
	m.parked = make(map[string]ToolOutcome)
	for i := range turns {
		m.turns[i] = cloneTurn(&turns[i])
		t := &m.turns[i]
		if t.Role == RoleAgent && !t.Closed && t.AttemptID != "" {
			m.open[t.AttemptID] = i
		}
		for _, b := range t.Blocks {
			if b.Kind == agenthost.BlockToolCall && b.ToolCallID != "" {
				m.calls[b.ToolCallID] = i
			}
		}
	}
	return nil
}

// Clear 清空转写稿。轮 id 计数保留, 跨 Clear 的轮 id 仍唯一。
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns = nil
	m.open = make(map[string]int)
	m.calls = make(map[string]int)
	m.parked = make(map[string]ToolOutcome)
}
