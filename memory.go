package reagent

import "sync"

// Memory is the ordered, append-mostly message store backing an agent's
// transcript. All methods are safe for concurrent use. There is no
// implicit eviction: summarization replaces ranges explicitly.
type Memory struct {
	mu   sync.RWMutex
	msgs []*Msg
}

// NewMemory creates an empty memory.
func NewMemory() *Memory { return &Memory{} }

// Add appends one message.
func (m *Memory) Add(msg *Msg) {
	if msg == nil {
		return
	}
	m.mu.Lock()
	m.msgs = append(m.msgs, msg)
	m.mu.Unlock()
}

// AddAll appends messages in order.
func (m *Memory) AddAll(msgs ...*Msg) {
	m.mu.Lock()
	for _, msg := range msgs {
		if msg != nil {
			m.msgs = append(m.msgs, msg)
		}
	}
	m.mu.Unlock()
}

// Len returns the number of stored messages.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.msgs)
}

// Snapshot returns an immutable copy of the current message list.
// Messages are cloned so later mutation of the store does not leak into
// the snapshot, and vice versa.
func (m *Memory) Snapshot() []*Msg {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Msg, len(m.msgs))
	for i, msg := range m.msgs {
		out[i] = msg.Clone()
	}
	return out
}

// ReplaceRange replaces messages in [from, to) with the given messages.
// Used by summarization to fold old rounds into a summary. Out-of-bounds
// indices are clamped.
func (m *Memory) ReplaceRange(from, to int, msgs ...*Msg) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if from < 0 {
		from = 0
	}
	if to > len(m.msgs) {
		to = len(m.msgs)
	}
	if from > to {
		from = to
	}
	replaced := make([]*Msg, 0, len(m.msgs)-(to-from)+len(msgs))
	replaced = append(replaced, m.msgs[:from]...)
	replaced = append(replaced, msgs...)
	replaced = append(replaced, m.msgs[to:]...)
	m.msgs = replaced
}

// LastWhere returns the most recent message satisfying pred, or nil.
func (m *Memory) LastWhere(pred func(*Msg) bool) *Msg {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.msgs) - 1; i >= 0; i-- {
		if pred(m.msgs[i]) {
			return m.msgs[i]
		}
	}
	return nil
}

// Clear removes all messages.
func (m *Memory) Clear() {
	m.mu.Lock()
	m.msgs = nil
	m.mu.Unlock()
}

// ToolCallRecord pairs a tool-use block with its matching result, if the
// result message has been appended yet.
type ToolCallRecord struct {
	Use    ToolUseBlock
	Result *ToolResultBlock
}

// ExtractRecentToolCalls returns the tool calls of the most recent
// assistant turn, paired with results from the following tool message.
// Empty memory, or memory without an assistant tool turn, yields nil.
func (m *Memory) ExtractRecentToolCalls() []ToolCallRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.msgs) - 1; i >= 0; i-- {
		msg := m.msgs[i]
		if msg.Role != RoleAssistant || !msg.HasToolUse() {
			continue
		}
		// Results, if present, live in the next tool-role message.
		results := make(map[string]ToolResultBlock)
		if i+1 < len(m.msgs) && m.msgs[i+1].Role == RoleTool {
			for _, blk := range m.msgs[i+1].Content {
				if r, ok := blk.(ToolResultBlock); ok {
					results[r.ID] = r
				}
			}
		}
		var records []ToolCallRecord
		for _, use := range msg.ToolUses() {
			rec := ToolCallRecord{Use: use}
			if r, ok := results[use.ID]; ok {
				rec.Result = &r
			}
			records = append(records, rec)
		}
		return records
	}
	return nil
}

// restore replaces the full message list. Used by state loading.
func (m *Memory) restore(msgs []*Msg) {
	m.mu.Lock()
	m.msgs = msgs
	m.mu.Unlock()
}
