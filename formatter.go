package reagent

import (
	"encoding/json"
	"time"
)

// Formatter renders the transcript into a provider wire payload and
// parses provider responses back into content blocks. Provider adapters
// usually ship their own implementation; ChatFormatter is a reference
// implementation for OpenAI-style role/content payloads.
type Formatter interface {
	// Format renders messages into the provider request payload.
	Format(msgs []*Msg) (json.RawMessage, error)
	// ParseResponse converts a provider response payload into a
	// ChatResponse. start is the request start time, used to fill usage
	// latency.
	ParseResponse(raw json.RawMessage, start time.Time) (ChatResponse, error)
}

// ChatFormatter renders messages as a flat role/content array.
//
// Thinking blocks are skipped: internal reasoning is never sent back to
// the model. Tool-use and tool-result blocks map to tool_calls entries
// and tool-role messages; media blocks are rendered by URL reference only.
type ChatFormatter struct{}

// wireMessage is one element of the formatted payload.
type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content,omitempty"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type wireToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// Format implements Formatter.
func (ChatFormatter) Format(msgs []*Msg) (json.RawMessage, error) {
	out := make([]wireMessage, 0, len(msgs))
	for _, m := range msgs {
		wm := wireMessage{Role: string(m.Role)}
		for _, blk := range m.Content {
			switch b := blk.(type) {
			case TextBlock:
				wm.Content += b.Text
			case ThinkingBlock:
				// skipped: never round-tripped to the provider
			case ToolUseBlock:
				args, err := ActiveCodec().Marshal(b.Input)
				if err != nil {
					return nil, err
				}
				wm.ToolCalls = append(wm.ToolCalls, wireToolCall{ID: b.ID, Name: b.Name, Args: args})
			case ToolResultBlock:
				// Each tool result becomes its own tool-role entry; text
				// output is flattened.
				text := ""
				for _, o := range b.Output {
					if t, ok := o.(TextBlock); ok {
						text += t.Text
					}
				}
				out = append(out, wireMessage{Role: "tool", Content: text, ToolCallID: b.ID})
			case ImageBlock:
				if u, ok := b.Source.(URLSource); ok {
					wm.Content += "[image: " + u.URL + "]"
				}
			case AudioBlock:
				if u, ok := b.Source.(URLSource); ok {
					wm.Content += "[audio: " + u.URL + "]"
				}
			case VideoBlock:
				if u, ok := b.Source.(URLSource); ok {
					wm.Content += "[video: " + u.URL + "]"
				}
			}
		}
		if wm.Content != "" || len(wm.ToolCalls) > 0 || m.Role != RoleTool {
			out = append(out, wm)
		}
	}
	return ActiveCodec().Marshal(out)
}

// wireResponse is the provider response payload ChatFormatter parses.
type wireResponse struct {
	ID        string         `json:"id"`
	Content   string         `json:"content"`
	ToolCalls []wireToolCall `json:"tool_calls,omitempty"`
	Usage     *ChatUsage     `json:"usage,omitempty"`
}

// ParseResponse implements Formatter.
func (ChatFormatter) ParseResponse(raw json.RawMessage, start time.Time) (ChatResponse, error) {
	var wr wireResponse
	if err := ActiveCodec().Unmarshal(raw, &wr); err != nil {
		return ChatResponse{}, err
	}
	resp := ChatResponse{ID: wr.ID}
	if resp.ID == "" {
		resp.ID = NewID()
	}
	if wr.Content != "" {
		resp.Content = append(resp.Content, TextBlock{Text: wr.Content})
	}
	for _, tc := range wr.ToolCalls {
		var input map[string]any
		if len(tc.Args) > 0 {
			if err := ActiveCodec().Unmarshal(tc.Args, &input); err != nil {
				return ChatResponse{}, err
			}
		}
		resp.Content = append(resp.Content, ToolUseBlock{ID: tc.ID, Name: tc.Name, Input: input, RawContent: string(tc.Args)})
	}
	usage := wr.Usage
	if usage == nil {
		usage = &ChatUsage{}
	}
	usage.LatencyMS = time.Since(start).Milliseconds()
	resp.Usage = usage
	return resp, nil
}

var _ Formatter = ChatFormatter{}
