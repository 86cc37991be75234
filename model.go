package reagent

import (
	"context"
	"encoding/json"
)

// ToolSchema describes one tool as exposed to the model each round.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
}

// ToolChoiceKind selects how the model may use tools in a round.
type ToolChoiceKind string

const (
	ToolChoiceAuto     ToolChoiceKind = "auto"
	ToolChoiceNone     ToolChoiceKind = "none"
	ToolChoiceSpecific ToolChoiceKind = "specific"
)

// ToolChoice constrains tool selection for one model round.
// Zero value means no constraint was supplied.
type ToolChoice struct {
	Kind ToolChoiceKind `json:"kind,omitempty"`
	// Name is the forced tool when Kind is ToolChoiceSpecific.
	Name string `json:"name,omitempty"`
}

// SpecificTool returns a ToolChoice forcing the named tool.
func SpecificTool(name string) ToolChoice {
	return ToolChoice{Kind: ToolChoiceSpecific, Name: name}
}

// GenerateOptions carries per-round sampling parameters. Nil pointer
// fields are unset and inherit from whatever they are merged over.
type GenerateOptions struct {
	Temperature      *float64       `json:"temperature,omitempty"`
	TopP             *float64       `json:"top_p,omitempty"`
	MaxTokens        *int           `json:"max_tokens,omitempty"`
	FrequencyPenalty *float64       `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64       `json:"presence_penalty,omitempty"`
	ThinkingBudget   *int           `json:"thinking_budget,omitempty"`
	ToolChoice       ToolChoice     `json:"tool_choice,omitempty"`
	AdditionalBody   map[string]any `json:"additional_body,omitempty"`
}

// Merge overlays o's set fields onto base and returns the result.
// Unset fields inherit from base; AdditionalBody maps are unioned with
// o taking precedence on key conflicts.
func (o GenerateOptions) Merge(base GenerateOptions) GenerateOptions {
	out := base
	if o.Temperature != nil {
		out.Temperature = o.Temperature
	}
	if o.TopP != nil {
		out.TopP = o.TopP
	}
	if o.MaxTokens != nil {
		out.MaxTokens = o.MaxTokens
	}
	if o.FrequencyPenalty != nil {
		out.FrequencyPenalty = o.FrequencyPenalty
	}
	if o.PresencePenalty != nil {
		out.PresencePenalty = o.PresencePenalty
	}
	if o.ThinkingBudget != nil {
		out.ThinkingBudget = o.ThinkingBudget
	}
	if o.ToolChoice.Kind != "" {
		out.ToolChoice = o.ToolChoice
	}
	if len(o.AdditionalBody) > 0 {
		merged := make(map[string]any, len(base.AdditionalBody)+len(o.AdditionalBody))
		for k, v := range base.AdditionalBody {
			merged[k] = v
		}
		for k, v := range o.AdditionalBody {
			merged[k] = v
		}
		out.AdditionalBody = merged
	}
	return out
}

// Float64Ptr returns a pointer to v, for use in GenerateOptions literals.
func Float64Ptr(v float64) *float64 { return &v }

// IntPtr returns a pointer to v, for use in GenerateOptions literals.
func IntPtr(v int) *int { return &v }

// ChatRequest is one model round: the formatted transcript, the tool
// schemas exposed this round, and the effective generation options.
type ChatRequest struct {
	Messages []*Msg
	Tools    []ToolSchema
	Options  GenerateOptions
}

// ChatResponse is one element of a model stream. Successive elements may
// extend text/thinking content incrementally or finalize tool-use blocks;
// the engine accumulates them into a single assistant message.
type ChatResponse struct {
	ID      string         `json:"id"`
	Content []ContentBlock `json:"content"`
	Usage   *ChatUsage     `json:"usage,omitempty"`
}

// ChatStream is a pull iterator over an in-flight model response.
// The usual consumption loop:
//
//	for stream.Next() {
//	    delta := stream.Current()
//	    ...
//	}
//	if err := stream.Err(); err != nil { ... }
type ChatStream interface {
	// Next advances to the next response element. Returns false when the
	// stream is exhausted or failed; check Err afterwards.
	Next() bool
	// Current returns the element Next advanced to.
	Current() ChatResponse
	// Err returns the terminal error, if any.
	Err() error
	// Close releases the underlying connection. Safe to call twice.
	Close() error
}

// Model is the streaming chat contract the engine consumes. Provider
// adapters implement it; the engine never touches transports directly.
type Model interface {
	// Name identifies the underlying model (for events and errors).
	Name() string
	// Stream opens a streaming chat round. The returned stream must be
	// drained or closed by the caller.
	Stream(ctx context.Context, req ChatRequest) (ChatStream, error)
}

// accumulateContent folds a delta block list into the accumulated
// assistant content. Text and thinking deltas extend the trailing block
// of the same variant; tool-use blocks are finalized by ID (replacing an
// earlier partial with the same ID); everything else appends.
func accumulateContent(acc, delta []ContentBlock) []ContentBlock {
	for _, blk := range delta {
		switch b := blk.(type) {
		case TextBlock:
			if n := len(acc); n > 0 {
				if last, ok := acc[n-1].(TextBlock); ok {
					last.Text += b.Text
					acc[n-1] = last
					continue
				}
			}
			acc = append(acc, b)
		case ThinkingBlock:
			if n := len(acc); n > 0 {
				if last, ok := acc[n-1].(ThinkingBlock); ok {
					last.Thinking += b.Thinking
					acc[n-1] = last
					continue
				}
			}
			acc = append(acc, b)
		case ToolUseBlock:
			replaced := false
			for i, existing := range acc {
				if u, ok := existing.(ToolUseBlock); ok && u.ID == b.ID {
					acc[i] = b
					replaced = true
					break
				}
			}
			if !replaced {
				acc = append(acc, b)
			}
		default:
			acc = append(acc, blk)
		}
	}
	return acc
}
