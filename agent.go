package reagent

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const defaultMaxIters = 10

// nopLogger discards all output. Used whenever no logger is configured
// so call sites never nil-check.
var nopLogger = slog.New(slog.DiscardHandler)

// Agent is a ReAct agent: it alternates model reasoning rounds with tool
// execution until a finish sentinel fires, the iteration budget runs
// out, or the call is interrupted. Construct with New; concurrent calls
// on one agent are serialized.
type Agent struct {
	id           string
	name         string
	description  string
	systemPrompt string

	model     Model
	formatter Formatter
	memory    *Memory
	toolkit   *Toolkit
	notebook  *PlanNotebook
	hooks     *HookChain

	maxIters       int
	reminderMode   ReminderMode
	schemaRetries  int
	toolTimeout    time.Duration
	persistence    StatePersistence
	defaultOptions GenerateOptions
	streamOpts     StreamOptions
	interruptNote  bool

	tracer Tracer
	logger *slog.Logger

	interrupted atomic.Bool
	mu          sync.Mutex // serializes Call/CallStream on this agent
}

// agentConfig collects option values before validation.
type agentConfig struct {
	description    string
	systemPrompt   string
	memory         *Memory
	toolkit        *Toolkit
	notebook       *PlanNotebook
	hooks          []any
	maxIters       int
	reminderMode   ReminderMode
	schemaRetries  int
	toolTimeout    time.Duration
	persistence    *StatePersistence
	defaultOptions GenerateOptions
	formatter      Formatter
	streamOpts     *StreamOptions
	interruptNote  *bool
	tracer         Tracer
	logger         *slog.Logger
}

// AgentOption configures an Agent.
type AgentOption func(*agentConfig)

// WithSystemPrompt sets the system prompt prepended to every round.
func WithSystemPrompt(s string) AgentOption {
	return func(c *agentConfig) { c.systemPrompt = s }
}

// WithDescription sets a human-readable description of the agent.
func WithDescription(s string) AgentOption {
	return func(c *agentConfig) { c.description = s }
}

// WithMemory sets the message store. Memories may be shared across
// agents; by default each agent gets its own empty one.
func WithMemory(m *Memory) AgentOption {
	return func(c *agentConfig) { c.memory = m }
}

// WithToolkit sets the tool registry.
func WithToolkit(tk *Toolkit) AgentOption {
	return func(c *agentConfig) { c.toolkit = tk }
}

// WithPlanNotebook attaches a plan notebook: its four tools are
// registered under the "plan" group (activated automatically) and the
// plan hint hook is installed.
func WithPlanNotebook(nb *PlanNotebook) AgentOption {
	return func(c *agentConfig) { c.notebook = nb }
}

// WithMaxIters sets the maximum reasoning/acting iterations (default 10).
// When the budget is exhausted the agent runs one summarization pass.
func WithMaxIters(n int) AgentOption {
	return func(c *agentConfig) { c.maxIters = n }
}

// WithHooks registers hooks on the agent. Each hook must implement at
// least one hook phase interface.
func WithHooks(hooks ...any) AgentOption {
	return func(c *agentConfig) { c.hooks = append(c.hooks, hooks...) }
}

// WithReminderMode sets the structured-output reminder mode
// (default ReminderToolChoice).
func WithReminderMode(m ReminderMode) AgentOption {
	return func(c *agentConfig) { c.reminderMode = m }
}

// WithSchemaRetries sets how many invalid structured-output payloads are
// tolerated before the call fails with SchemaError (default 2).
func WithSchemaRetries(n int) AgentOption {
	return func(c *agentConfig) { c.schemaRetries = n }
}

// WithToolTimeout sets the per-tool-call deadline. Zero means no
// per-call timeout (the caller's ctx still applies).
func WithToolTimeout(d time.Duration) AgentOption {
	return func(c *agentConfig) { c.toolTimeout = d }
}

// WithStatePersistence selects which parts of the agent SaveTo persists
// (default PersistAll).
func WithStatePersistence(p StatePersistence) AgentOption {
	return func(c *agentConfig) { c.persistence = &p }
}

// WithDefaultOptions sets the base generation options every round
// inherits from.
func WithDefaultOptions(o GenerateOptions) AgentOption {
	return func(c *agentConfig) { c.defaultOptions = o }
}

// WithFormatter replaces the transcript formatter (default ChatFormatter).
func WithFormatter(f Formatter) AgentOption {
	return func(c *agentConfig) { c.formatter = f }
}

// WithStreamOptions sets the event filtering policy for CallStream.
func WithStreamOptions(o StreamOptions) AgentOption {
	return func(c *agentConfig) { c.streamOpts = &o }
}

// WithInterruptNote controls whether an interrupted call appends a
// synthetic note to memory recording the interruption (default true).
func WithInterruptNote(enabled bool) AgentOption {
	return func(c *agentConfig) { c.interruptNote = &enabled }
}

// WithTracer sets the tracer. Use observer.NewTracer() for an
// OTEL-backed implementation.
func WithTracer(t Tracer) AgentOption {
	return func(c *agentConfig) { c.tracer = t }
}

// WithLogger sets the structured logger. If not set, output is discarded.
func WithLogger(l *slog.Logger) AgentOption {
	return func(c *agentConfig) { c.logger = l }
}

// New creates an Agent. Invalid setups fail fast with ConfigError.
func New(name string, model Model, opts ...AgentOption) (*Agent, error) {
	if name == "" {
		return nil, &ConfigError{Detail: "agent name must not be empty"}
	}
	if model == nil {
		return nil, &ConfigError{Detail: "agent requires a model"}
	}
	cfg := agentConfig{reminderMode: ReminderToolChoice, maxIters: defaultMaxIters}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.maxIters < 1 {
		return nil, &ConfigError{Detail: "maxIters must be at least 1"}
	}
	a := &Agent{
		id:            NewID(),
		name:          name,
		description:   cfg.description,
		systemPrompt:  cfg.systemPrompt,
		model:         model,
		memory:        cfg.memory,
		toolkit:       cfg.toolkit,
		notebook:      cfg.notebook,
		hooks:         NewHookChain(),
		maxIters:      cfg.maxIters,
		reminderMode:  cfg.reminderMode,
		schemaRetries: cfg.schemaRetries,
		toolTimeout:   cfg.toolTimeout,
		persistence:   PersistAll(),
		streamOpts:    DefaultStreamOptions(),
		interruptNote: true,
		tracer:        cfg.tracer,
		logger:        nopLogger,
	}
	if a.memory == nil {
		a.memory = NewMemory()
	}
	if a.toolkit == nil {
		a.toolkit = NewToolkit()
	}
	a.formatter = cfg.formatter
	if a.formatter == nil {
		a.formatter = ChatFormatter{}
	}
	a.defaultOptions = cfg.defaultOptions
	if cfg.persistence != nil {
		a.persistence = *cfg.persistence
	}
	if cfg.streamOpts != nil {
		a.streamOpts = *cfg.streamOpts
	}
	if cfg.interruptNote != nil {
		a.interruptNote = *cfg.interruptNote
	}
	if cfg.logger != nil {
		a.logger = cfg.logger
	}
	if a.notebook != nil {
		if err := a.notebook.RegisterTools(a.toolkit); err != nil {
			return nil, err
		}
		a.toolkit.ActivateGroups(PlanToolGroup)
		a.hooks.Add(&planHintHook{nb: a.notebook})
	}
	for _, h := range cfg.hooks {
		a.hooks.Add(h)
	}
	return a, nil
}

// Name returns the agent's identifier.
func (a *Agent) Name() string { return a.name }

// Description returns the agent's description.
func (a *Agent) Description() string { return a.description }

// Memory returns the agent's message store.
func (a *Agent) Memory() *Memory { return a.memory }

// Toolkit returns the agent's tool registry.
func (a *Agent) Toolkit() *Toolkit { return a.toolkit }

// Formatter returns the transcript formatter. Provider adapters that
// need a wire rendering of the transcript use it.
func (a *Agent) Formatter() Formatter { return a.formatter }

// Interrupt requests that the in-flight call stop at its next
// suspension point. The interrupted call returns InterruptError.
func (a *Agent) Interrupt() { a.interrupted.Store(true) }

// --- Call options ---

// callConfig collects per-call option values.
type callConfig struct {
	outputSchema json.RawMessage
	outputValue  any // non-nil when a Go type supplies the schema
	options      *GenerateOptions
}

// CallOption configures a single Call/CallStream.
type CallOption func(*callConfig)

// WithOutputSchema requests structured output validated against the
// given JSON Schema.
func WithOutputSchema(schema json.RawMessage) CallOption {
	return func(c *callConfig) { c.outputSchema = schema }
}

// WithOutputType requests structured output whose schema is derived from
// T via the process SchemaGenerator. Mutually exclusive with
// WithOutputSchema.
func WithOutputType[T any]() CallOption {
	return func(c *callConfig) {
		var v T
		c.outputValue = &v
	}
}

// WithGenerateOptions overlays per-call generation options onto the
// agent defaults.
func WithGenerateOptions(o GenerateOptions) CallOption {
	return func(c *callConfig) { c.options = &o }
}

// Call runs the ReAct loop to a terminal assistant message. A nil input
// continues from existing memory without appending a user message.
func (a *Agent) Call(ctx context.Context, input *Msg, opts ...CallOption) (*Msg, error) {
	return a.run(ctx, input, nil, opts)
}

// CallStream runs the loop like Call while emitting events into ch
// according to the agent's StreamOptions. The channel is closed exactly
// once when the call completes; a buffered channel (capacity 64 is a
// good default) keeps the engine from pausing between emissions.
func (a *Agent) CallStream(ctx context.Context, input *Msg, ch chan<- Event, opts ...CallOption) (*Msg, error) {
	return a.run(ctx, input, ch, opts)
}

// run validates call options, wires the per-call runner, and executes
// the loop under the agent mutex and an agent.call span.
func (a *Agent) run(ctx context.Context, input *Msg, ch chan<- Event, opts []CallOption) (*Msg, error) {
	var cc callConfig
	for _, o := range opts {
		o(&cc)
	}
	if cc.outputSchema != nil && cc.outputValue != nil {
		return nil, &ConfigError{Detail: "structured output: supply either a schema or a type, not both"}
	}
	schema := cc.outputSchema
	if cc.outputValue != nil {
		var err error
		schema, err = ActiveSchemaGenerator().Schema(cc.outputValue)
		if err != nil {
			return nil, &ConfigError{Detail: "structured output schema: " + err.Error()}
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.interrupted.Store(false)

	r, err := a.newRunner(ch, schema, cc.options)
	if err != nil {
		return nil, err
	}
	defer r.cleanup()

	if a.tracer != nil {
		var span Span
		ctx, span = a.tracer.Start(ctx, "agent.call",
			StringAttr("agent.name", a.name),
			StringAttr("model.name", a.model.Name()),
			BoolAttr("structured", schema != nil))
		defer span.End()

		a.logger.Info("agent call started", "agent", a.name)
		terminal, err := r.loop(ctx, input)
		if err != nil {
			span.Error(err)
			span.SetAttr(StringAttr("agent.status", "error"))
		} else {
			span.SetAttr(StringAttr("agent.status", "ok"))
			if terminal != nil && terminal.Usage != nil {
				span.SetAttr(
					IntAttr("tokens.input", terminal.Usage.InputTokens),
					IntAttr("tokens.output", terminal.Usage.OutputTokens))
			}
		}
		a.logger.Info("agent call completed", "agent", a.name, "status", statusStr(err))
		return terminal, err
	}
	return r.loop(ctx, input)
}

func statusStr(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// --- State persistence ---

// SaveTo persists the agent's state into the session under key,
// according to the configured StatePersistence. Saving twice with no
// intervening mutation writes identical values.
func (a *Agent) SaveTo(ctx context.Context, s Session, key string) error {
	meta := agentMeta{ID: a.id, Name: a.name, Description: a.description, SystemPrompt: a.systemPrompt}
	if err := s.Put(ctx, key, FieldAgentMeta, meta); err != nil {
		return &StateError{Op: "save", Key: key, Err: err}
	}
	if a.persistence.Memory {
		if err := s.Put(ctx, key, FieldMemoryMessages, a.memory.Snapshot()); err != nil {
			return &StateError{Op: "save", Key: key, Err: err}
		}
	}
	if a.persistence.Toolkit {
		if err := s.Put(ctx, key, FieldToolkitActiveGroups, toolkitState{ActiveGroups: a.toolkit.ActiveGroups()}); err != nil {
			return &StateError{Op: "save", Key: key, Err: err}
		}
	}
	if a.persistence.PlanNotebook && a.notebook != nil {
		if err := s.Put(ctx, key, FieldPlanNotebook, a.notebook.snapshotState()); err != nil {
			return &StateError{Op: "save", Key: key, Err: err}
		}
	}
	return nil
}

// LoadFrom restores previously saved state. Returns false iff no
// agent_meta exists under key; partial fields restore what is present.
func (a *Agent) LoadFrom(ctx context.Context, s Session, key string) (bool, error) {
	var meta agentMeta
	ok, err := s.Get(ctx, key, FieldAgentMeta, &meta)
	if err != nil {
		return false, &StateError{Op: "load", Key: key, Err: err}
	}
	if !ok {
		return false, nil
	}
	if meta.ID != "" {
		a.id = meta.ID
	}
	if a.persistence.Memory {
		var msgs []*Msg
		ok, err := s.Get(ctx, key, FieldMemoryMessages, &msgs)
		if err != nil {
			return false, &StateError{Op: "load", Key: key, Err: err}
		}
		if ok {
			a.memory.restore(msgs)
		}
	}
	if a.persistence.Toolkit {
		var ts toolkitState
		ok, err := s.Get(ctx, key, FieldToolkitActiveGroups, &ts)
		if err != nil {
			return false, &StateError{Op: "load", Key: key, Err: err}
		}
		if ok {
			a.toolkit.SetActiveGroups(ts.ActiveGroups)
			if a.notebook != nil {
				// Plan tools must stay reachable after a restore.
				a.toolkit.ActivateGroups(PlanToolGroup)
			}
		}
	}
	if a.persistence.PlanNotebook && a.notebook != nil {
		var plan *Plan
		ok, err := s.Get(ctx, key, FieldPlanNotebook, &plan)
		if err != nil {
			return false, &StateError{Op: "load", Key: key, Err: err}
		}
		if ok {
			a.notebook.restoreState(plan)
		}
	}
	return true, nil
}

// LoadIfExists is a convenience wrapper: it returns false without error
// when nothing was saved under key.
func (a *Agent) LoadIfExists(ctx context.Context, s Session, key string) (bool, error) {
	return a.LoadFrom(ctx, s, key)
}

var _ StateModule = (*Agent)(nil)
