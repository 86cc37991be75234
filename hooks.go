package reagent

import (
	"context"
	"fmt"
)

// EventInfo is carried by every hook event: which agent fired it, which
// model the round targets, and the effective generation options.
type EventInfo struct {
	Agent   string
	Model   string
	Options GenerateOptions
}

// PreReasoningEvent fires before each model round. Hooks may append or
// rewrite Messages (the transcript about to be formatted) and adjust
// Options for the round.
type PreReasoningEvent struct {
	EventInfo
	Messages []*Msg
}

// ReasoningChunkEvent fires for every streamed delta. Delta is the raw
// increment; Accumulated is the assistant message assembled so far, so
// consumers can choose incremental or cumulative views.
type ReasoningChunkEvent struct {
	EventInfo
	Delta       ChatResponse
	Accumulated *Msg
}

// PostReasoningEvent fires when a model round completes. Hooks may
// rewrite Response, or set GotoReasoning (optionally with InjectMessages
// appended to memory first) to request another reasoning round. Hooks
// may also overlay NextOptions onto the following round's options.
type PostReasoningEvent struct {
	EventInfo
	Response       *Msg
	GotoReasoning  bool
	InjectMessages []*Msg
	NextOptions    *GenerateOptions
}

// PreActingEvent fires before a turn's tool calls execute.
type PreActingEvent struct {
	EventInfo
	Calls []ToolUseBlock
}

// PostActingEvent fires after a turn's tool results are assembled into
// one tool-role message.
type PostActingEvent struct {
	EventInfo
	ToolMsg *Msg
}

// PreToolEvent fires before a single tool invocation. Hooks may rewrite
// the call (name, input).
type PreToolEvent struct {
	EventInfo
	Call *ToolUseBlock
}

// PostToolEvent fires after a single tool invocation. Hooks may rewrite
// the result before it is appended.
type PostToolEvent struct {
	EventInfo
	Call   ToolUseBlock
	Result *ToolResultBlock
}

// Hook phase interfaces. A hook implements whichever phases it cares
// about; HookChain type-asserts at each phase. Hooks run sequentially in
// registration order; the first error stops the phase and is treated as
// a ModelError for the round. Must be safe for concurrent use.
type (
	PreReasoningHook interface {
		PreReasoning(ctx context.Context, ev *PreReasoningEvent) error
	}
	ReasoningChunkHook interface {
		ReasoningChunk(ctx context.Context, ev *ReasoningChunkEvent) error
	}
	PostReasoningHook interface {
		PostReasoning(ctx context.Context, ev *PostReasoningEvent) error
	}
	PreActingHook interface {
		PreActing(ctx context.Context, ev *PreActingEvent) error
	}
	PostActingHook interface {
		PostActing(ctx context.Context, ev *PostActingEvent) error
	}
	PreToolHook interface {
		PreTool(ctx context.Context, ev *PreToolEvent) error
	}
	PostToolHook interface {
		PostTool(ctx context.Context, ev *PostToolEvent) error
	}
)

// HookChain holds an ordered list of hooks and dispatches them at each
// phase. A hook only participates in phases whose interface it
// implements.
type HookChain struct {
	hooks []any
}

// NewHookChain creates an empty chain.
func NewHookChain() *HookChain {
	return &HookChain{}
}

// Add appends a hook to the chain. The hook must implement at least one
// phase interface; Add panics otherwise (a silent no-op hook is always
// a bug).
func (c *HookChain) Add(h any) {
	switch h.(type) {
	case PreReasoningHook, ReasoningChunkHook, PostReasoningHook,
		PreActingHook, PostActingHook, PreToolHook, PostToolHook:
		c.hooks = append(c.hooks, h)
	default:
		panic(fmt.Sprintf("reagent: hook %T implements no hook phase interface", h))
	}
}

// Len returns the number of registered hooks.
func (c *HookChain) Len() int { return len(c.hooks) }

// RunPreReasoning dispatches the pre-reasoning phase.
func (c *HookChain) RunPreReasoning(ctx context.Context, ev *PreReasoningEvent) error {
	for _, h := range c.hooks {
		if hook, ok := h.(PreReasoningHook); ok {
			if err := hook.PreReasoning(ctx, ev); err != nil {
				return err
			}
		}
	}
	return nil
}

// RunReasoningChunk dispatches the per-delta phase.
func (c *HookChain) RunReasoningChunk(ctx context.Context, ev *ReasoningChunkEvent) error {
	for _, h := range c.hooks {
		if hook, ok := h.(ReasoningChunkHook); ok {
			if err := hook.ReasoningChunk(ctx, ev); err != nil {
				return err
			}
		}
	}
	return nil
}

// RunPostReasoning dispatches the post-reasoning phase.
func (c *HookChain) RunPostReasoning(ctx context.Context, ev *PostReasoningEvent) error {
	for _, h := range c.hooks {
		if hook, ok := h.(PostReasoningHook); ok {
			if err := hook.PostReasoning(ctx, ev); err != nil {
				return err
			}
		}
	}
	return nil
}

// RunPreActing dispatches the pre-acting phase.
func (c *HookChain) RunPreActing(ctx context.Context, ev *PreActingEvent) error {
	for _, h := range c.hooks {
		if hook, ok := h.(PreActingHook); ok {
			if err := hook.PreActing(ctx, ev); err != nil {
				return err
			}
		}
	}
	return nil
}

// RunPostActing dispatches the post-acting phase.
func (c *HookChain) RunPostActing(ctx context.Context, ev *PostActingEvent) error {
	for _, h := range c.hooks {
		if hook, ok := h.(PostActingHook); ok {
			if err := hook.PostActing(ctx, ev); err != nil {
				return err
			}
		}
	}
	return nil
}

// RunPreTool dispatches the per-call pre-tool phase.
func (c *HookChain) RunPreTool(ctx context.Context, ev *PreToolEvent) error {
	for _, h := range c.hooks {
		if hook, ok := h.(PreToolHook); ok {
			if err := hook.PreTool(ctx, ev); err != nil {
				return err
			}
		}
	}
	return nil
}

// RunPostTool dispatches the per-call post-tool phase.
func (c *HookChain) RunPostTool(ctx context.Context, ev *PostToolEvent) error {
	for _, h := range c.hooks {
		if hook, ok := h.(PostToolHook); ok {
			if err := hook.PostTool(ctx, ev); err != nil {
				return err
			}
		}
	}
	return nil
}
