package reagent

import "context"

// EventType identifies the kind of streaming event.
type EventType string

const (
	// EventReasoning carries model output: incremental chunks while the
	// round streams, and the completed assistant message when it ends.
	EventReasoning EventType = "reasoning"
	// EventToolResult carries the result of one completed tool call.
	EventToolResult EventType = "tool-result"
	// EventHint signals an injected hint message (plan state, structured
	// output reminders).
	EventHint EventType = "hint"
	// EventSummary signals the forced summarization pass after the
	// iteration budget is exhausted.
	EventSummary EventType = "summary"
	// EventAgentResult carries the terminal message of the call.
	EventAgentResult EventType = "agent-result"
)

// Event is one item on the output stream of CallStream.
type Event struct {
	// Type identifies the event kind.
	Type EventType `json:"type"`
	// Agent is the emitting agent's name.
	Agent string `json:"agent"`
	// Delta is the raw model increment (reasoning chunks with the
	// incremental policy enabled; nil otherwise).
	Delta *ChatResponse `json:"delta,omitempty"`
	// Msg is the cumulative or completed message for this event.
	Msg *Msg `json:"msg,omitempty"`
	// Result is set on tool-result events.
	Result *ToolResultBlock `json:"result,omitempty"`
	// Final marks the completed-reasoning event (as opposed to a chunk)
	// and the terminal agent-result event.
	Final bool `json:"final,omitempty"`
}

// StreamOptions selects which events reach the consumer channel and the
// chunk emission policy.
type StreamOptions struct {
	// Types limits emission to the listed event kinds. Empty = all.
	Types []EventType
	// Incremental attaches the raw delta to each reasoning chunk. When
	// false, chunks carry only the accumulated message.
	Incremental bool
	// IncludeReasoningChunk emits per-delta reasoning events.
	IncludeReasoningChunk bool
	// IncludeReasoningResult emits the completed assistant message of
	// each reasoning round.
	IncludeReasoningResult bool
}

// DefaultStreamOptions returns the default policy: all event types,
// incremental chunks, both chunk and result events.
func DefaultStreamOptions() StreamOptions {
	return StreamOptions{
		Incremental:            true,
		IncludeReasoningChunk:  true,
		IncludeReasoningResult: true,
	}
}

func (o StreamOptions) wants(t EventType) bool {
	if len(o.Types) == 0 {
		return true
	}
	for _, w := range o.Types {
		if w == t {
			return true
		}
	}
	return false
}

// streamSink converts hook events into channel emissions according to
// StreamOptions. It is registered as the last hook of a streaming call.
// Emission blocks when the consumer falls behind, which pauses the
// engine between emissions (back-pressure); a cancelled ctx aborts.
type streamSink struct {
	agent string
	ch    chan<- Event
	opts  StreamOptions
}

func (s *streamSink) emit(ctx context.Context, ev Event) error {
	if s == nil || s.ch == nil {
		return nil
	}
	if !s.opts.wants(ev.Type) {
		return nil
	}
	ev.Agent = s.agent
	select {
	case s.ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *streamSink) ReasoningChunk(ctx context.Context, ev *ReasoningChunkEvent) error {
	if !s.opts.IncludeReasoningChunk {
		return nil
	}
	out := Event{Type: EventReasoning, Msg: ev.Accumulated}
	if s.opts.Incremental {
		delta := ev.Delta
		out.Delta = &delta
	}
	return s.emit(ctx, out)
}

func (s *streamSink) PostReasoning(ctx context.Context, ev *PostReasoningEvent) error {
	if !s.opts.IncludeReasoningResult {
		return nil
	}
	return s.emit(ctx, Event{Type: EventReasoning, Msg: ev.Response, Final: true})
}

func (s *streamSink) PostTool(ctx context.Context, ev *PostToolEvent) error {
	result := *ev.Result
	return s.emit(ctx, Event{Type: EventToolResult, Result: &result})
}

var (
	_ ReasoningChunkHook = (*streamSink)(nil)
	_ PostReasoningHook  = (*streamSink)(nil)
	_ PostToolHook       = (*streamSink)(nil)
)
