package reagent

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
)

// Role identifies who authored a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Reserved metadata keys. Formatters and multi-agent coordinators key off
// these to decide how a message is rendered into provider payloads.
const (
	// MetaStructuredData holds the validated structured-output payload on
	// the terminal assistant message.
	MetaStructuredData = "structured_data"
	// MetaStructuredOutputReminder marks reminder messages injected by the
	// structured-output coordinator.
	MetaStructuredOutputReminder = "STRUCTURED_OUTPUT_REMINDER"
	// MetaStructuredOutputReminderType records which reminder mode injected
	// the message ("TOOL_CHOICE" or "PROMPT").
	MetaStructuredOutputReminderType = "STRUCTURED_OUTPUT_REMINDER_TYPE"
	// MetaBypassHistoryMerge tells multi-agent formatters not to fold the
	// message into a merged history block.
	MetaBypassHistoryMerge = "BYPASS_MULTIAGENT_HISTORY_MERGE"
	// MetaInterrupted marks the synthetic note appended when a call is
	// interrupted mid-flight.
	MetaInterrupted = "interrupted"
)

// ChatUsage records token accounting for one model round.
type ChatUsage struct {
	InputTokens  int   `json:"input_tokens"`
	OutputTokens int   `json:"output_tokens"`
	LatencyMS    int64 `json:"latency_ms,omitempty"`
}

// Add accumulates usage from another round.
func (u *ChatUsage) Add(other *ChatUsage) {
	if other == nil {
		return
	}
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.LatencyMS += other.LatencyMS
}

// Msg is one transcript entry: an ordered list of content blocks plus
// identity and accounting. Role is fixed at construction; a TOOL message
// carries exactly the tool results for one preceding assistant turn.
type Msg struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Role     Role           `json:"role"`
	Content  []ContentBlock `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Usage    *ChatUsage     `json:"usage,omitempty"`
}

// NewMsg creates a message with a fresh UUIDv7 ID.
func NewMsg(name string, role Role, blocks ...ContentBlock) *Msg {
	return &Msg{ID: NewID(), Name: name, Role: role, Content: blocks}
}

// NewSystemMsg creates a system-role message with a single text block.
func NewSystemMsg(name, text string) *Msg {
	return NewMsg(name, RoleSystem, TextBlock{Text: text})
}

// NewUserMsg creates a user-role message with a single text block.
func NewUserMsg(name, text string) *Msg {
	return NewMsg(name, RoleUser, TextBlock{Text: text})
}

// NewAssistantMsg creates an assistant-role message.
func NewAssistantMsg(name string, blocks ...ContentBlock) *Msg {
	return NewMsg(name, RoleAssistant, blocks...)
}

// NewToolMsg creates a tool-role message holding tool result blocks.
func NewToolMsg(name string, results ...ContentBlock) *Msg {
	return NewMsg(name, RoleTool, results...)
}

// Text returns all text-block content concatenated in order.
// Thinking, tool-use, and media blocks are skipped.
func (m *Msg) Text() string {
	var b strings.Builder
	for _, blk := range m.Content {
		if t, ok := blk.(TextBlock); ok {
			b.WriteString(t.Text)
		}
	}
	return b.String()
}

// ToolUses returns the tool-use blocks in order of appearance.
func (m *Msg) ToolUses() []ToolUseBlock {
	var uses []ToolUseBlock
	for _, blk := range m.Content {
		if u, ok := blk.(ToolUseBlock); ok {
			uses = append(uses, u)
		}
	}
	return uses
}

// HasToolUse reports whether the message contains any tool-use block.
func (m *Msg) HasToolUse() bool {
	for _, blk := range m.Content {
		if _, ok := blk.(ToolUseBlock); ok {
			return true
		}
	}
	return false
}

// SetMetadata sets a metadata key, allocating the map on first use.
func (m *Msg) SetMetadata(key string, value any) {
	if m.Metadata == nil {
		m.Metadata = make(map[string]any)
	}
	m.Metadata[key] = value
}

// MetadataValue returns the metadata value for key, or nil.
func (m *Msg) MetadataValue(key string) any {
	if m.Metadata == nil {
		return nil
	}
	return m.Metadata[key]
}

// Clone returns a deep copy. Content blocks are value types and copied by
// the slice copy; metadata and usage are duplicated.
func (m *Msg) Clone() *Msg {
	c := &Msg{ID: m.ID, Name: m.Name, Role: m.Role}
	c.Content = append([]ContentBlock(nil), m.Content...)
	if m.Metadata != nil {
		c.Metadata = make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			c.Metadata[k] = v
		}
	}
	if m.Usage != nil {
		u := *m.Usage
		c.Usage = &u
	}
	return c
}

// UnmarshalJSON decodes a message, dispatching content blocks through
// DecodeBlock so the tagged variants round-trip.
func (m *Msg) UnmarshalJSON(data []byte) error {
	var aux struct {
		ID       string            `json:"id"`
		Name     string            `json:"name"`
		Role     Role              `json:"role"`
		Content  []json.RawMessage `json:"content"`
		Metadata map[string]any    `json:"metadata"`
		Usage    *ChatUsage        `json:"usage"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	m.ID = aux.ID
	m.Name = aux.Name
	m.Role = aux.Role
	m.Metadata = aux.Metadata
	m.Usage = aux.Usage
	m.Content = m.Content[:0]
	for _, raw := range aux.Content {
		blk, err := DecodeBlock(raw)
		if err != nil {
			return err
		}
		m.Content = append(m.Content, blk)
	}
	return nil
}

// --- Content blocks (closed sum) ---

// ContentBlock is one typed unit of message content. The set of variants
// is closed: TextBlock, ThinkingBlock, ToolUseBlock, ToolResultBlock,
// ImageBlock, AudioBlock, VideoBlock. Decoding fails on unknown variant
// tags unless AllowUnknownBlocks(true) was called, in which case unknown
// payloads decode to UnknownBlock.
type ContentBlock interface {
	// BlockType returns the variant discriminator ("text", "thinking", ...).
	BlockType() string
}

// allowUnknownBlocks toggles forward-compatible decoding of unrecognized
// block variants. Off by default: deserialization fails closed.
var allowUnknownBlocks atomic.Bool

// AllowUnknownBlocks enables or disables decoding of unknown content-block
// variants into UnknownBlock values instead of failing.
func AllowUnknownBlocks(v bool) { allowUnknownBlocks.Store(v) }

// TextBlock carries plain text.
type TextBlock struct {
	Text string `json:"text"`
}

func (TextBlock) BlockType() string { return "text" }

// ThinkingBlock carries internal model reasoning. Formatters never send
// thinking content back to the model.
type ThinkingBlock struct {
	Thinking string `json:"thinking"`
}

func (ThinkingBlock) BlockType() string { return "thinking" }

// ToolUseBlock is a model-requested tool invocation.
type ToolUseBlock struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
	// RawContent preserves the unparsed argument text when the provider
	// streamed arguments as raw JSON fragments.
	RawContent string `json:"raw_content,omitempty"`
}

func (ToolUseBlock) BlockType() string { return "tool_use" }

// ToolResultBlock carries the outcome of one tool invocation. ID matches
// the originating ToolUseBlock.ID.
type ToolResultBlock struct {
	ID     string         `json:"id"`
	Name   string         `json:"name"`
	Output []ContentBlock `json:"output"`
}

func (ToolResultBlock) BlockType() string { return "tool_result" }

// ImageBlock carries image content by URL or inline base64.
type ImageBlock struct {
	Source MediaSource `json:"source"`
}

func (ImageBlock) BlockType() string { return "image" }

// AudioBlock carries audio content by URL or inline base64.
type AudioBlock struct {
	Source MediaSource `json:"source"`
}

func (AudioBlock) BlockType() string { return "audio" }

// VideoBlock carries video content by URL or inline base64.
type VideoBlock struct {
	Source MediaSource `json:"source"`
}

func (VideoBlock) BlockType() string { return "video" }

// UnknownBlock preserves an unrecognized variant when AllowUnknownBlocks
// mode is on. Raw holds the original JSON payload.
type UnknownBlock struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

func (b UnknownBlock) BlockType() string { return b.Type }

// --- Media sources ---

// MediaSource locates media content: URLSource or Base64Source.
type MediaSource interface {
	SourceType() string
}

// URLSource references media by URL.
type URLSource struct {
	URL string `json:"url"`
}

func (URLSource) SourceType() string { return "url" }

// Base64Source carries inline media data.
type Base64Source struct {
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

func (Base64Source) SourceType() string { return "base64" }

// --- JSON envelopes ---

// Each block marshals as {"type": <discriminator>, ...fields}.

func marshalBlock(typ string, v any) ([]byte, error) {
	fields, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(fields) == "{}" {
		return []byte(fmt.Sprintf(`{"type":%q}`, typ)), nil
	}
	// Splice the discriminator in front of the struct's own fields.
	out := make([]byte, 0, len(fields)+16+len(typ))
	out = append(out, fmt.Sprintf(`{"type":%q,`, typ)...)
	out = append(out, fields[1:]...)
	return out, nil
}

func (b TextBlock) MarshalJSON() ([]byte, error) {
	type alias TextBlock
	return marshalBlock("text", alias(b))
}

func (b ThinkingBlock) MarshalJSON() ([]byte, error) {
	type alias ThinkingBlock
	return marshalBlock("thinking", alias(b))
}

func (b ToolUseBlock) MarshalJSON() ([]byte, error) {
	type alias ToolUseBlock
	return marshalBlock("tool_use", alias(b))
}

func (b ToolResultBlock) MarshalJSON() ([]byte, error) {
	type alias ToolResultBlock
	return marshalBlock("tool_result", alias(b))
}

func (b ImageBlock) MarshalJSON() ([]byte, error) {
	return marshalMediaBlock("image", b.Source)
}

func (b AudioBlock) MarshalJSON() ([]byte, error) {
	return marshalMediaBlock("audio", b.Source)
}

func (b VideoBlock) MarshalJSON() ([]byte, error) {
	return marshalMediaBlock("video", b.Source)
}

func (b UnknownBlock) MarshalJSON() ([]byte, error) {
	if len(b.Raw) > 0 {
		return b.Raw, nil
	}
	return []byte(fmt.Sprintf(`{"type":%q}`, b.Type)), nil
}

func marshalMediaBlock(typ string, src MediaSource) ([]byte, error) {
	env := struct {
		Type   string          `json:"type"`
		Source json.RawMessage `json:"source"`
	}{Type: typ}
	raw, err := marshalSource(src)
	if err != nil {
		return nil, err
	}
	env.Source = raw
	return json.Marshal(env)
}

func marshalSource(src MediaSource) (json.RawMessage, error) {
	switch s := src.(type) {
	case URLSource:
		return json.Marshal(struct {
			Type string `json:"type"`
			URL  string `json:"url"`
		}{"url", s.URL})
	case Base64Source:
		return json.Marshal(struct {
			Type      string `json:"type"`
			MediaType string `json:"media_type"`
			Data      string `json:"data"`
		}{"base64", s.MediaType, s.Data})
	case nil:
		return []byte("null"), nil
	default:
		return nil, fmt.Errorf("unknown media source %T", src)
	}
}

func decodeSource(raw json.RawMessage) (MediaSource, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var env struct {
		Type      string `json:"type"`
		URL       string `json:"url"`
		MediaType string `json:"media_type"`
		Data      string `json:"data"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	switch env.Type {
	case "url":
		return URLSource{URL: env.URL}, nil
	case "base64":
		return Base64Source{MediaType: env.MediaType, Data: env.Data}, nil
	default:
		return nil, fmt.Errorf("unknown media source type %q", env.Type)
	}
}

// DecodeBlock decodes one content block from its JSON envelope.
// Unknown variant tags are an error unless AllowUnknownBlocks mode is on.
func DecodeBlock(raw json.RawMessage) (ContentBlock, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, err
	}
	switch probe.Type {
	case "text":
		var b TextBlock
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, err
		}
		return b, nil
	case "thinking":
		var b ThinkingBlock
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, err
		}
		return b, nil
	case "tool_use":
		var b ToolUseBlock
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, err
		}
		return b, nil
	case "tool_result":
		var aux struct {
			ID     string            `json:"id"`
			Name   string            `json:"name"`
			Output []json.RawMessage `json:"output"`
		}
		if err := json.Unmarshal(raw, &aux); err != nil {
			return nil, err
		}
		b := ToolResultBlock{ID: aux.ID, Name: aux.Name}
		for _, r := range aux.Output {
			inner, err := DecodeBlock(r)
			if err != nil {
				return nil, err
			}
			b.Output = append(b.Output, inner)
		}
		return b, nil
	case "image", "audio", "video":
		var aux struct {
			Source json.RawMessage `json:"source"`
		}
		if err := json.Unmarshal(raw, &aux); err != nil {
			return nil, err
		}
		src, err := decodeSource(aux.Source)
		if err != nil {
			return nil, err
		}
		switch probe.Type {
		case "image":
			return ImageBlock{Source: src}, nil
		case "audio":
			return AudioBlock{Source: src}, nil
		default:
			return VideoBlock{Source: src}, nil
		}
	default:
		if allowUnknownBlocks.Load() {
			return UnknownBlock{Type: probe.Type, Raw: append(json.RawMessage(nil), raw...)}, nil
		}
		return nil, fmt.Errorf("unknown content block type %q", probe.Type)
	}
}
