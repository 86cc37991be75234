package reagent

import "context"

// Session field names of the persisted agent state layout. The schema is
// stable: stored sessions survive upgrades.
const (
	FieldAgentMeta           = "agent_meta"
	FieldMemoryMessages      = "memory_messages"
	FieldToolkitActiveGroups = "toolkit_activeGroups"
	FieldPlanNotebook        = "plan_notebook"
)

// StateModule is anything that can persist itself into a session under a
// key. The agent implements it; LoadFrom returns false iff no agent_meta
// exists at the key.
type StateModule interface {
	SaveTo(ctx context.Context, s Session, key string) error
	LoadFrom(ctx context.Context, s Session, key string) (bool, error)
}

// agentMeta is the always-persisted identity record.
type agentMeta struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	SystemPrompt string `json:"systemPrompt,omitempty"`
}

// toolkitState persists the toolkit's active groups only; tool
// descriptors are code, not data.
type toolkitState struct {
	ActiveGroups []string `json:"activeGroups"`
}

// StatePersistence selects which parts of the agent are persisted by
// SaveTo and restored by LoadFrom.
type StatePersistence struct {
	Agent        bool
	Memory       bool
	Toolkit      bool // active groups only
	PlanNotebook bool
}

// PersistAll persists everything. This is the default.
func PersistAll() StatePersistence {
	return StatePersistence{Agent: true, Memory: true, Toolkit: true, PlanNotebook: true}
}

// PersistNone persists only the agent_meta identity record.
func PersistNone() StatePersistence { return StatePersistence{} }

// PersistMemoryOnly persists agent_meta plus the memory transcript.
func PersistMemoryOnly() StatePersistence { return StatePersistence{Memory: true} }
