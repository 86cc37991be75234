package reagent

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// SubTaskState is the lifecycle state of one subtask.
type SubTaskState string

const (
	SubTaskTodo       SubTaskState = "todo"
	SubTaskInProgress SubTaskState = "in_progress"
	SubTaskDone       SubTaskState = "done"
	SubTaskAbandoned  SubTaskState = "abandoned"
)

// terminal reports whether the state admits no further transitions.
func (s SubTaskState) terminal() bool {
	return s == SubTaskDone || s == SubTaskAbandoned
}

// legal transitions: todo -> in_progress -> done|abandoned, plus
// todo -> abandoned for work dropped before it starts.
func canTransition(from, to SubTaskState) bool {
	switch from {
	case SubTaskTodo:
		return to == SubTaskInProgress || to == SubTaskAbandoned
	case SubTaskInProgress:
		return to == SubTaskDone || to == SubTaskAbandoned
	default:
		return false
	}
}

// SubTask is one unit of a plan.
type SubTask struct {
	ID              string       `json:"id"`
	Name            string       `json:"name"`
	Description     string       `json:"description"`
	ExpectedOutcome string       `json:"expected_outcome"`
	State           SubTaskState `json:"state"`
	FinishEvidence  string       `json:"finish_evidence,omitempty"`
	Note            string       `json:"note,omitempty"`
}

// Plan is the single active plan of a notebook. Subtasks preserve
// creation order.
type Plan struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	Description     string     `json:"description"`
	ExpectedOutcome string     `json:"expected_outcome"`
	Subtasks        []*SubTask `json:"subtasks"`
	CreatedAt       int64      `json:"created_at"`
}

// defaultMaxSubtasks caps plan size so a runaway model cannot flood the
// notebook.
const defaultMaxSubtasks = 20

// PlanNotebook holds at most one active plan and exposes the plan tools
// (create_plan, update_subtask_state, finish_subtask, finish_plan) plus
// the pre-reasoning hint hook. Safe for concurrent use.
type PlanNotebook struct {
	mu          sync.RWMutex
	plan        *Plan
	maxSubtasks int
}

// PlanOption configures a PlanNotebook.
type PlanOption func(*PlanNotebook)

// WithMaxSubtasks overrides the subtask cap (default 20).
func WithMaxSubtasks(n int) PlanOption {
	return func(nb *PlanNotebook) { nb.maxSubtasks = n }
}

// NewPlanNotebook creates an empty notebook.
func NewPlanNotebook(opts ...PlanOption) *PlanNotebook {
	nb := &PlanNotebook{maxSubtasks: defaultMaxSubtasks}
	for _, o := range opts {
		o(nb)
	}
	return nb
}

// CurrentPlan returns a deep copy of the active plan, or nil.
func (nb *PlanNotebook) CurrentPlan() *Plan {
	nb.mu.RLock()
	defer nb.mu.RUnlock()
	return nb.plan.clone()
}

func (p *Plan) clone() *Plan {
	if p == nil {
		return nil
	}
	c := *p
	c.Subtasks = make([]*SubTask, len(p.Subtasks))
	for i, st := range p.Subtasks {
		cp := *st
		c.Subtasks[i] = &cp
	}
	return &c
}

// SubTaskSpec describes one subtask at plan creation.
type SubTaskSpec struct {
	Name            string `json:"name" jsonschema:"required,description=Short subtask name"`
	Description     string `json:"description" jsonschema:"description=What this subtask does"`
	ExpectedOutcome string `json:"expected_outcome" jsonschema:"description=How to tell the subtask succeeded"`
}

// CreatePlan atomically replaces the active plan.
func (nb *PlanNotebook) CreatePlan(name, description, expectedOutcome string, subtasks []SubTaskSpec) (*Plan, error) {
	if name == "" {
		return nil, fmt.Errorf("plan name must not be empty")
	}
	nb.mu.Lock()
	defer nb.mu.Unlock()
	if len(subtasks) > nb.maxSubtasks {
		return nil, fmt.Errorf("plan has %d subtasks, maximum is %d", len(subtasks), nb.maxSubtasks)
	}
	plan := &Plan{
		ID:              NewID(),
		Name:            name,
		Description:     description,
		ExpectedOutcome: expectedOutcome,
		CreatedAt:       NowUnix(),
	}
	for _, spec := range subtasks {
		plan.Subtasks = append(plan.Subtasks, &SubTask{
			ID:              NewID(),
			Name:            spec.Name,
			Description:     spec.Description,
			ExpectedOutcome: spec.ExpectedOutcome,
			State:           SubTaskTodo,
		})
	}
	nb.plan = plan
	return plan.clone(), nil
}

func (nb *PlanNotebook) findSubtask(id string) (*SubTask, error) {
	if nb.plan == nil {
		return nil, fmt.Errorf("no active plan")
	}
	for _, st := range nb.plan.Subtasks {
		if st.ID == id {
			return st, nil
		}
	}
	return nil, fmt.Errorf("unknown subtask %q", id)
}

// UpdateSubtaskState transitions a subtask along the allowed state
// graph. Illegal transitions are rejected.
func (nb *PlanNotebook) UpdateSubtaskState(id string, state SubTaskState, note string) error {
	switch state {
	case SubTaskTodo, SubTaskInProgress, SubTaskDone, SubTaskAbandoned:
	default:
		return fmt.Errorf("unknown state %q", state)
	}
	nb.mu.Lock()
	defer nb.mu.Unlock()
	st, err := nb.findSubtask(id)
	if err != nil {
		return err
	}
	if !canTransition(st.State, state) {
		return fmt.Errorf("illegal transition %s -> %s for subtask %q", st.State, state, st.Name)
	}
	st.State = state
	if note != "" {
		st.Note = note
	}
	return nil
}

// FinishSubtask marks a subtask done and records evidence. Empty
// evidence is accepted and recorded as empty.
func (nb *PlanNotebook) FinishSubtask(id, evidence string) error {
	nb.mu.Lock()
	defer nb.mu.Unlock()
	st, err := nb.findSubtask(id)
	if err != nil {
		return err
	}
	// A subtask may be finished straight from todo; it implicitly passes
	// through in_progress.
	if st.State.terminal() {
		return fmt.Errorf("subtask %q is already %s", st.Name, st.State)
	}
	st.State = SubTaskDone
	st.FinishEvidence = evidence
	return nil
}

// FinishPlan closes the active plan. Every subtask must be terminal.
func (nb *PlanNotebook) FinishPlan() error {
	nb.mu.Lock()
	defer nb.mu.Unlock()
	if nb.plan == nil {
		return fmt.Errorf("no active plan")
	}
	for _, st := range nb.plan.Subtasks {
		if !st.State.terminal() {
			return fmt.Errorf("subtask %q is still %s", st.Name, st.State)
		}
	}
	nb.plan = nil
	return nil
}

// render produces the plan view injected into the transcript.
func (nb *PlanNotebook) render() string {
	nb.mu.RLock()
	defer nb.mu.RUnlock()
	if nb.plan == nil {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Current plan: %s\n", nb.plan.Name)
	if nb.plan.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", nb.plan.Description)
	}
	if nb.plan.ExpectedOutcome != "" {
		fmt.Fprintf(&b, "Expected outcome: %s\n", nb.plan.ExpectedOutcome)
	}
	b.WriteString("Subtasks:\n")
	for i, st := range nb.plan.Subtasks {
		fmt.Fprintf(&b, "  %d. [%s] %s (id: %s)", i+1, st.State, st.Name, st.ID)
		if st.FinishEvidence != "" {
			fmt.Fprintf(&b, " — evidence: %s", st.FinishEvidence)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// snapshotState returns the serializable notebook state.
func (nb *PlanNotebook) snapshotState() *Plan {
	return nb.CurrentPlan()
}

// restoreState replaces the notebook state. Used by state loading.
func (nb *PlanNotebook) restoreState(p *Plan) {
	nb.mu.Lock()
	nb.plan = p.clone()
	nb.mu.Unlock()
}

// --- Plan tools ---

// PlanToolGroup is the toolkit group tag the plan tools register under.
// Agents with a notebook activate it automatically.
const PlanToolGroup = "plan"

// FinishPlanTool is the finish-sentinel plan tool name.
const FinishPlanTool = "finish_plan"

type createPlanArgs struct {
	Name            string        `json:"name" jsonschema:"required,description=Short plan name"`
	Description     string        `json:"description" jsonschema:"description=What the plan achieves"`
	ExpectedOutcome string        `json:"expected_outcome" jsonschema:"description=How to tell the plan succeeded"`
	Subtasks        []SubTaskSpec `json:"subtasks" jsonschema:"required,description=Ordered subtasks"`
}

type updateSubtaskArgs struct {
	SubtaskID string `json:"subtask_id" jsonschema:"required,description=ID of the subtask to update"`
	State     string `json:"state" jsonschema:"required,description=New state,enum=todo|in_progress|done|abandoned"`
	Note      string `json:"note" jsonschema:"description=Optional note on the transition"`
}

type finishSubtaskArgs struct {
	SubtaskID string `json:"subtask_id" jsonschema:"required,description=ID of the subtask to finish"`
	Evidence  string `json:"evidence" jsonschema:"description=Evidence the subtask outcome was met"`
}

type finishPlanArgs struct {
	Summary string `json:"summary" jsonschema:"required,description=Summary of what the plan accomplished"`
}

// RegisterTools registers the four plan tools on the toolkit under the
// "plan" group.
func (nb *PlanNotebook) RegisterTools(tk *Toolkit) error {
	register := func(name, description string, schemaOf any, handler ToolHandler) error {
		schema, err := ActiveSchemaGenerator().Schema(schemaOf)
		if err != nil {
			return &ConfigError{Detail: fmt.Sprintf("plan tool %q schema: %v", name, err)}
		}
		return tk.Register(&Tool{Name: name, Description: description, Schema: schema, Group: PlanToolGroup, Handler: handler})
	}

	if err := register("create_plan",
		"Create a plan with ordered subtasks. Replaces any existing plan.",
		&createPlanArgs{}, nb.handleCreatePlan); err != nil {
		return err
	}
	if err := register("update_subtask_state",
		"Transition a subtask between states (todo, in_progress, done, abandoned).",
		&updateSubtaskArgs{}, nb.handleUpdateSubtask); err != nil {
		return err
	}
	if err := register("finish_subtask",
		"Mark a subtask as done and record evidence of its outcome.",
		&finishSubtaskArgs{}, nb.handleFinishSubtask); err != nil {
		return err
	}
	return register(FinishPlanTool,
		"Finish the plan once every subtask is done or abandoned. Ends the task.",
		&finishPlanArgs{}, nb.handleFinishPlan)
}

func decodeArgs[T any](input map[string]any) (T, error) {
	var args T
	raw, err := ActiveCodec().Marshal(input)
	if err != nil {
		return args, err
	}
	if err := ActiveCodec().Unmarshal(raw, &args); err != nil {
		return args, fmt.Errorf("invalid arguments: %w", err)
	}
	return args, nil
}

func (nb *PlanNotebook) handleCreatePlan(_ context.Context, input map[string]any) (*ToolResponse, error) {
	args, err := decodeArgs[createPlanArgs](input)
	if err != nil {
		return nil, err
	}
	plan, err := nb.CreatePlan(args.Name, args.Description, args.ExpectedOutcome, args.Subtasks)
	if err != nil {
		return nil, err
	}
	return TextResponse(fmt.Sprintf("Plan %q created with %d subtasks.\n%s", plan.Name, len(plan.Subtasks), nb.render())), nil
}

func (nb *PlanNotebook) handleUpdateSubtask(_ context.Context, input map[string]any) (*ToolResponse, error) {
	args, err := decodeArgs[updateSubtaskArgs](input)
	if err != nil {
		return nil, err
	}
	if err := nb.UpdateSubtaskState(args.SubtaskID, SubTaskState(args.State), args.Note); err != nil {
		return nil, err
	}
	return TextResponse("Subtask updated.\n" + nb.render()), nil
}

func (nb *PlanNotebook) handleFinishSubtask(_ context.Context, input map[string]any) (*ToolResponse, error) {
	args, err := decodeArgs[finishSubtaskArgs](input)
	if err != nil {
		return nil, err
	}
	if err := nb.FinishSubtask(args.SubtaskID, args.Evidence); err != nil {
		return nil, err
	}
	return TextResponse("Subtask finished.\n" + nb.render()), nil
}

func (nb *PlanNotebook) handleFinishPlan(_ context.Context, input map[string]any) (*ToolResponse, error) {
	args, err := decodeArgs[finishPlanArgs](input)
	if err != nil {
		return nil, err
	}
	if err := nb.FinishPlan(); err != nil {
		return nil, err
	}
	return TextResponse("Plan finished: " + args.Summary), nil
}

// --- Plan hint hook ---

// planHintHook appends a <system-hint> rendering of the active plan to
// the round's transcript so the model sees current subtask state.
type planHintHook struct {
	nb *PlanNotebook
}

func (h *planHintHook) PreReasoning(_ context.Context, ev *PreReasoningEvent) error {
	view := h.nb.render()
	if view == "" {
		return nil
	}
	hint := NewUserMsg(ev.Agent, "<system-hint>\n"+view+"</system-hint>")
	hint.SetMetadata(MetaBypassHistoryMerge, true)
	ev.Messages = append(ev.Messages, hint)
	return nil
}

var _ PreReasoningHook = (*planHintHook)(nil)
