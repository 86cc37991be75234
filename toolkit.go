package reagent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ToolResponse is what a tool handler returns on success: a list of
// content blocks that become the ToolResult output.
type ToolResponse struct {
	Content []ContentBlock
}

// TextResponse builds a single-text-block tool response.
func TextResponse(text string) *ToolResponse {
	return &ToolResponse{Content: []ContentBlock{TextBlock{Text: text}}}
}

// ToolHandler executes one tool invocation. Returned errors are captured
// as "Error: ..." text in the tool result and the loop continues, unless
// the error is a *ToolError with Fatal set.
type ToolHandler func(ctx context.Context, input map[string]any) (*ToolResponse, error)

// Tool is a registered capability: name, description, JSON-Schema
// parameters, handler, and an optional group tag used for filtering.
type Tool struct {
	Name        string
	Description string
	Schema      []byte // JSON Schema for the input object
	Group       string // "" = always exposed
	Handler     ToolHandler
}

// Toolkit is the tool registry. Registration order is preserved in
// Schemas output; the active-group set filters which grouped tools are
// exposed to the model each round. Safe for concurrent use.
type Toolkit struct {
	mu           sync.RWMutex
	tools        map[string]*Tool
	order        []string
	activeGroups map[string]struct{}
}

// NewToolkit creates an empty toolkit.
func NewToolkit() *Toolkit {
	return &Toolkit{
		tools:        make(map[string]*Tool),
		activeGroups: make(map[string]struct{}),
	}
}

// Register adds a tool. Duplicate names, empty names, and nil handlers
// are configuration errors.
func (tk *Toolkit) Register(t *Tool) error {
	if t == nil || t.Name == "" {
		return &ConfigError{Detail: "tool must have a name"}
	}
	if t.Handler == nil {
		return &ConfigError{Detail: fmt.Sprintf("tool %q has no handler", t.Name)}
	}
	tk.mu.Lock()
	defer tk.mu.Unlock()
	if _, exists := tk.tools[t.Name]; exists {
		return &ConfigError{Detail: fmt.Sprintf("tool %q already registered", t.Name)}
	}
	tk.tools[t.Name] = t
	tk.order = append(tk.order, t.Name)
	return nil
}

// RegisterFunc registers a tool whose parameter schema is derived from
// the args struct type via the process SchemaGenerator. The handler
// receives decoded, typed arguments.
func RegisterFunc[T any](tk *Toolkit, name, description string, fn func(ctx context.Context, args T) (*ToolResponse, error)) error {
	var zero T
	schema, err := ActiveSchemaGenerator().Schema(&zero)
	if err != nil {
		return &ConfigError{Detail: fmt.Sprintf("tool %q schema: %v", name, err)}
	}
	handler := func(ctx context.Context, input map[string]any) (*ToolResponse, error) {
		raw, err := ActiveCodec().Marshal(input)
		if err != nil {
			return nil, fmt.Errorf("encode args: %w", err)
		}
		var args T
		if err := ActiveCodec().Unmarshal(raw, &args); err != nil {
			return nil, fmt.Errorf("invalid arguments: %w", err)
		}
		return fn(ctx, args)
	}
	return tk.Register(&Tool{Name: name, Description: description, Schema: schema, Handler: handler})
}

// Remove deletes a tool by name. Unknown names are a no-op.
func (tk *Toolkit) Remove(name string) {
	tk.mu.Lock()
	defer tk.mu.Unlock()
	if _, ok := tk.tools[name]; !ok {
		return
	}
	delete(tk.tools, name)
	for i, n := range tk.order {
		if n == name {
			tk.order = append(tk.order[:i], tk.order[i+1:]...)
			break
		}
	}
}

// Has reports whether a tool with the given name is registered.
func (tk *Toolkit) Has(name string) bool {
	tk.mu.RLock()
	defer tk.mu.RUnlock()
	_, ok := tk.tools[name]
	return ok
}

// ActivateGroups adds group tags to the active set.
func (tk *Toolkit) ActivateGroups(groups ...string) {
	tk.mu.Lock()
	defer tk.mu.Unlock()
	for _, g := range groups {
		if g != "" {
			tk.activeGroups[g] = struct{}{}
		}
	}
}

// DeactivateGroups removes group tags from the active set.
func (tk *Toolkit) DeactivateGroups(groups ...string) {
	tk.mu.Lock()
	defer tk.mu.Unlock()
	for _, g := range groups {
		delete(tk.activeGroups, g)
	}
}

// ActiveGroups returns the active group tags, sorted for determinism.
func (tk *Toolkit) ActiveGroups() []string {
	tk.mu.RLock()
	defer tk.mu.RUnlock()
	out := make([]string, 0, len(tk.activeGroups))
	for g := range tk.activeGroups {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}

// SetActiveGroups replaces the active set. Used by state loading.
func (tk *Toolkit) SetActiveGroups(groups []string) {
	tk.mu.Lock()
	defer tk.mu.Unlock()
	tk.activeGroups = make(map[string]struct{}, len(groups))
	for _, g := range groups {
		if g != "" {
			tk.activeGroups[g] = struct{}{}
		}
	}
}

// Schemas returns the tool schemas exposed to the model this round, in
// registration order. Ungrouped tools are always exposed; grouped tools
// only while their group is active.
func (tk *Toolkit) Schemas() []ToolSchema {
	tk.mu.RLock()
	defer tk.mu.RUnlock()
	var out []ToolSchema
	for _, name := range tk.order {
		t := tk.tools[name]
		if t.Group != "" {
			if _, active := tk.activeGroups[t.Group]; !active {
				continue
			}
		}
		out = append(out, ToolSchema{Name: t.Name, Description: t.Description, Parameters: t.Schema})
	}
	return out
}

// Invoke executes one tool call. The handler runs on a worker goroutine
// so a per-call timeout (or caller cancellation) can preempt it; a
// handler that cannot observe ctx is abandoned and its late result
// discarded. Handler errors and panics become "Error: ..." text in the
// result. The returned error is non-nil only for fatal tool errors,
// which abort the loop.
func (tk *Toolkit) Invoke(ctx context.Context, call ToolUseBlock, timeout time.Duration) (ToolResultBlock, error) {
	result := ToolResultBlock{ID: call.ID, Name: call.Name}

	tk.mu.RLock()
	tool, ok := tk.tools[call.Name]
	tk.mu.RUnlock()
	if !ok {
		result.Output = []ContentBlock{TextBlock{Text: "Error: unknown tool: " + call.Name}}
		return result, nil
	}

	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type outcome struct {
		resp *ToolResponse
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("tool %q panic: %v", call.Name, p)}
			}
		}()
		resp, err := tool.Handler(callCtx, call.Input)
		done <- outcome{resp: resp, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			var te *ToolError
			if errors.As(o.err, &te) && te.Fatal {
				result.Output = []ContentBlock{TextBlock{Text: "Error: " + te.Message}}
				return result, te
			}
			result.Output = []ContentBlock{TextBlock{Text: "Error: " + o.err.Error()}}
			return result, nil
		}
		if o.resp != nil {
			result.Output = o.resp.Content
		}
		if result.Output == nil {
			result.Output = []ContentBlock{TextBlock{Text: ""}}
		}
		return result, nil
	case <-callCtx.Done():
		if timeout > 0 && errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			result.Output = []ContentBlock{TextBlock{Text: fmt.Sprintf("Error: Tool execution timeout after %s", timeout)}}
			return result, nil
		}
		result.Output = []ContentBlock{TextBlock{Text: "Error: " + callCtx.Err().Error()}}
		return result, nil
	}
}
