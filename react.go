package reagent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
)

// maxParallelTools bounds the worker pool used when a single assistant
// turn requests multiple tool calls.
const maxParallelTools = 8

// summarizeHint is appended as a user message when the iteration budget
// runs out, forcing one final tool-free round.
const summarizeHint = "You have failed to generate response within the " +
	"maximum number of iterations. Summarize what you attempted and what " +
	"you learned, then answer the user directly without calling any tools. " +
	"We are summarizing now."

// runner is the per-call execution state: the effective hook chain
// (agent hooks plus the structured-output coordinator and stream sink),
// the merged generation options, and the channel close guard. One
// runner per Call/CallStream; never reused.
type runner struct {
	a          *Agent
	chain      *HookChain
	structured *structuredOutput
	base       GenerateOptions
	sink       *streamSink
	ch         chan<- Event
	closeOnce  sync.Once
}

func (a *Agent) newRunner(ch chan<- Event, schema json.RawMessage, callOpts *GenerateOptions) (*runner, error) {
	r := &runner{a: a, base: a.defaultOptions, ch: ch}
	if callOpts != nil {
		r.base = callOpts.Merge(a.defaultOptions)
	}
	r.chain = &HookChain{hooks: append([]any(nil), a.hooks.hooks...)}
	if schema != nil {
		r.structured = newStructuredOutput(a.reminderMode, schema, a.schemaRetries)
		if err := r.structured.install(a.toolkit); err != nil {
			return nil, err
		}
		r.chain.Add(r.structured)
	}
	if ch != nil {
		r.sink = &streamSink{agent: a.name, ch: ch, opts: a.streamOpts}
		r.chain.Add(r.sink)
	}
	return r, nil
}

// cleanup removes the per-call synthetic tool and closes the stream
// channel exactly once, whatever path the call exited on.
func (r *runner) cleanup() {
	if r.structured != nil {
		r.structured.uninstall(r.a.toolkit)
	}
	if r.ch != nil {
		r.closeOnce.Do(func() {
			defer func() { _ = recover() }()
			close(r.ch)
		})
	}
}

func (r *runner) emit(ctx context.Context, ev Event) error {
	if r.sink == nil {
		return nil
	}
	return r.sink.emit(ctx, ev)
}

func (r *runner) info(opts GenerateOptions) EventInfo {
	return EventInfo{Agent: r.a.name, Model: r.a.model.Name(), Options: opts}
}

// checkInterrupt is called at suspension points: before each reasoning
// round, per streamed chunk, and before acting. A consumed interrupt
// optionally records a note in memory and resets the flag.
func (r *runner) checkInterrupt() error {
	if !r.a.interrupted.Load() {
		return nil
	}
	r.a.interrupted.Store(false)
	if r.a.interruptNote {
		note := NewAssistantMsg(r.a.name, TextBlock{Text: "[interrupted] Task stopped before completion."})
		note.SetMetadata(MetaInterrupted, true)
		r.a.memory.Add(note)
	}
	return &InterruptError{Reason: "interrupt requested"}
}

// loop is the ReAct engine. Each iteration runs one reasoning round and,
// when the assistant requested tools, one acting phase. It ends on a
// terminal response, a fired finish sentinel, an error, or budget
// exhaustion (which triggers a final summarization round).
func (r *runner) loop(ctx context.Context, input *Msg) (*Msg, error) {
	a := r.a
	if input != nil {
		a.memory.Add(input)
	}

	// NextOptions from a post-reasoning hook apply to the following
	// round only.
	var overlay *GenerateOptions

	for iter := 0; iter < a.maxIters; iter++ {
		if err := r.checkInterrupt(); err != nil {
			return nil, err
		}

		response, opts, err := r.reason(ctx, iter, overlay)
		overlay = nil
		if err != nil {
			return nil, err
		}

		ev := &PostReasoningEvent{EventInfo: r.info(opts), Response: response}
		if err := r.chain.RunPostReasoning(ctx, ev); err != nil {
			return nil, r.roundErr(err)
		}
		response = ev.Response
		a.memory.Add(response)
		for _, m := range ev.InjectMessages {
			a.memory.Add(m)
			if err := r.emit(ctx, Event{Type: EventHint, Msg: m}); err != nil {
				return nil, err
			}
		}
		if ev.NextOptions != nil {
			overlay = ev.NextOptions
		}
		if ev.GotoReasoning {
			continue
		}

		calls := response.ToolUses()
		if len(calls) == 0 {
			return r.finish(ctx, response)
		}

		if err := r.checkInterrupt(); err != nil {
			return nil, err
		}
		preAct := &PreActingEvent{EventInfo: r.info(opts), Calls: calls}
		if err := r.chain.RunPreActing(ctx, preAct); err != nil {
			return nil, r.roundErr(err)
		}
		calls = preAct.Calls

		toolMsg, fatal := r.act(ctx, opts, calls)
		if toolMsg == nil {
			return nil, fatal
		}
		a.memory.Add(toolMsg)
		postAct := &PostActingEvent{EventInfo: r.info(opts), ToolMsg: toolMsg}
		if err := r.chain.RunPostActing(ctx, postAct); err != nil {
			return nil, r.roundErr(err)
		}
		if fatal != nil {
			if r.structured != nil && r.structured.failed != nil {
				return nil, r.structured.failed
			}
			return nil, fatal
		}

		if r.finished(toolMsg) {
			return r.finish(ctx, response)
		}
	}

	return r.summarize(ctx)
}

// reason runs one model round: pre-reasoning hooks, streamed
// accumulation with per-chunk hooks, and usage aggregation. Returns the
// completed assistant message and the effective options of the round.
func (r *runner) reason(ctx context.Context, iter int, overlay *GenerateOptions) (*Msg, GenerateOptions, error) {
	a := r.a
	opts := r.base
	if overlay != nil {
		opts = overlay.Merge(r.base)
	}

	msgs := make([]*Msg, 0, a.memory.Len()+1)
	if a.systemPrompt != "" {
		msgs = append(msgs, NewSystemMsg(a.name, a.systemPrompt))
	}
	msgs = append(msgs, a.memory.Snapshot()...)

	pre := &PreReasoningEvent{EventInfo: r.info(opts), Messages: msgs}
	if err := r.chain.RunPreReasoning(ctx, pre); err != nil {
		return nil, opts, r.roundErr(err)
	}
	msgs = pre.Messages
	opts = pre.Options

	var span Span
	if a.tracer != nil {
		ctx, span = a.tracer.Start(ctx, "agent.reasoning",
			StringAttr("model.name", a.model.Name()),
			IntAttr("iteration", iter))
		defer span.End()
	}
	a.logger.Debug("reasoning round", "agent", a.name, "iteration", iter)

	stream, err := a.model.Stream(ctx, ChatRequest{Messages: msgs, Tools: a.toolkit.Schemas(), Options: opts})
	if err != nil {
		err = &ModelError{Model: a.model.Name(), Err: err}
		if span != nil {
			span.Error(err)
		}
		return nil, opts, err
	}
	defer stream.Close()

	acc := NewAssistantMsg(a.name)
	var usage ChatUsage
	for stream.Next() {
		if err := r.checkInterrupt(); err != nil {
			return nil, opts, err
		}
		delta := stream.Current()
		acc.Content = accumulateContent(acc.Content, delta.Content)
		usage.Add(delta.Usage)
		chunk := &ReasoningChunkEvent{EventInfo: r.info(opts), Delta: delta, Accumulated: acc}
		if err := r.chain.RunReasoningChunk(ctx, chunk); err != nil {
			return nil, opts, r.roundErr(err)
		}
	}
	if err := stream.Err(); err != nil {
		err = &ModelError{Model: a.model.Name(), Err: err}
		if span != nil {
			span.Error(err)
		}
		return nil, opts, err
	}
	acc.Usage = &usage
	if span != nil {
		span.SetAttr(
			IntAttr("tokens.input", usage.InputTokens),
			IntAttr("tokens.output", usage.OutputTokens),
			IntAttr("tool_calls", len(acc.ToolUses())))
	}
	return acc, opts, nil
}

// act executes a turn's tool calls and assembles their results, in input
// order, into one tool-role message. Calls run on a bounded worker pool;
// pre/post-tool hooks run sequentially outside it so hook order stays
// deterministic. A fatal tool error is returned after all results are
// collected so the transcript stays consistent.
func (r *runner) act(ctx context.Context, opts GenerateOptions, calls []ToolUseBlock) (*Msg, error) {
	a := r.a

	for i := range calls {
		ev := &PreToolEvent{EventInfo: r.info(opts), Call: &calls[i]}
		if err := r.chain.RunPreTool(ctx, ev); err != nil {
			return nil, r.roundErr(err)
		}
		calls[i] = *ev.Call
	}

	results := make([]ToolResultBlock, len(calls))
	errs := make([]error, len(calls))
	if len(calls) == 1 {
		results[0], errs[0] = r.invoke(ctx, calls[0])
	} else {
		sem := make(chan struct{}, maxParallelTools)
		var wg sync.WaitGroup
		for i := range calls {
			wg.Add(1)
			sem <- struct{}{}
			go func(i int) {
				defer wg.Done()
				defer func() { <-sem }()
				results[i], errs[i] = r.invoke(ctx, calls[i])
			}(i)
		}
		wg.Wait()
	}

	var fatal error
	blocks := make([]ContentBlock, 0, len(results))
	for i := range results {
		post := &PostToolEvent{EventInfo: r.info(opts), Call: calls[i], Result: &results[i]}
		if err := r.chain.RunPostTool(ctx, post); err != nil {
			return nil, r.roundErr(err)
		}
		blocks = append(blocks, *post.Result)
		if errs[i] != nil && fatal == nil {
			fatal = errs[i]
		}
	}
	return NewToolMsg(a.name, blocks...), fatal
}

// invoke wraps a single Toolkit.Invoke with tracing and logging.
func (r *runner) invoke(ctx context.Context, call ToolUseBlock) (ToolResultBlock, error) {
	a := r.a
	var span Span
	if a.tracer != nil {
		ctx, span = a.tracer.Start(ctx, "tool.call", StringAttr("tool.name", call.Name))
		defer span.End()
	}
	result, err := a.toolkit.Invoke(ctx, call, a.toolTimeout)
	if err != nil && span != nil {
		span.Error(err)
	}
	a.logger.Debug("tool executed", "agent", a.name, "tool", call.Name, "fatal", err != nil)
	return result, err
}

// finished reports whether a finish sentinel fired this turn: structured
// output was captured, or finish_plan completed without error.
func (r *runner) finished(toolMsg *Msg) bool {
	if r.structured != nil && r.structured.captured {
		return true
	}
	if r.a.notebook == nil {
		return false
	}
	for _, blk := range toolMsg.Content {
		res, ok := blk.(ToolResultBlock)
		if !ok || res.Name != FinishPlanTool {
			continue
		}
		if !resultIsError(res) {
			return true
		}
	}
	return false
}

// resultIsError reports whether a tool result carries the "Error: "
// failure encoding produced by Toolkit.Invoke.
func resultIsError(res ToolResultBlock) bool {
	for _, o := range res.Output {
		if t, ok := o.(TextBlock); ok {
			return strings.HasPrefix(t.Text, "Error:")
		}
	}
	return false
}

// finish stamps structured output metadata onto the terminal message and
// emits the agent-result event.
func (r *runner) finish(ctx context.Context, terminal *Msg) (*Msg, error) {
	if r.structured != nil {
		if r.structured.failed != nil {
			return nil, r.structured.failed
		}
		if r.structured.captured {
			terminal.SetMetadata(MetaStructuredData, r.structured.payload)
		}
	}
	if err := r.emit(ctx, Event{Type: EventAgentResult, Msg: terminal, Final: true}); err != nil {
		return nil, err
	}
	return terminal, nil
}

// summarize runs the forced final round after the iteration budget is
// exhausted: a user hint is appended, tools are disabled, and whatever
// the model produces becomes the terminal message.
func (r *runner) summarize(ctx context.Context) (*Msg, error) {
	a := r.a
	a.logger.Info("iteration budget exhausted, summarizing", "agent", a.name, "maxIters", a.maxIters)

	hint := NewUserMsg(a.name, summarizeHint)
	hint.SetMetadata(MetaBypassHistoryMerge, true)
	a.memory.Add(hint)
	if err := r.emit(ctx, Event{Type: EventSummary, Msg: hint}); err != nil {
		return nil, err
	}

	overlay := &GenerateOptions{ToolChoice: ToolChoice{Kind: ToolChoiceNone}}
	response, _, err := r.reason(ctx, a.maxIters, overlay)
	if err != nil {
		return nil, err
	}
	a.memory.Add(response)
	return r.finish(ctx, response)
}

// roundErr normalizes hook and engine errors: interrupts, context
// cancellation, and already-typed errors pass through, anything else is
// wrapped as a ModelError for the round.
func (r *runner) roundErr(err error) error {
	var (
		ie *InterruptError
		me *ModelError
		se *SchemaError
		te *ToolError
	)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.As(err, &ie), errors.As(err, &me), errors.As(err, &se), errors.As(err, &te):
		return err
	default:
		return &ModelError{Model: r.a.model.Name(), Err: err}
	}
}
