package reagent

import "fmt"

// ModelError is an unrecoverable upstream model failure. It terminates
// the call that triggered it.
type ModelError struct {
	Model string
	Err   error
}

func (e *ModelError) Error() string {
	return fmt.Sprintf("model %s: %v", e.Model, e.Err)
}

func (e *ModelError) Unwrap() error { return e.Err }

// ToolError is a tool handler failure. Non-fatal tool errors are captured
// as text inside the tool result and the loop continues; a handler may
// return a ToolError with Fatal set to abort the call instead.
type ToolError struct {
	Tool    string
	Message string
	Fatal   bool
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s: %s", e.Tool, e.Message)
}

// SchemaError reports a structured-output payload that failed schema
// validation after the retry budget was exhausted.
type SchemaError struct {
	Detail string
	Err    error
}

func (e *SchemaError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("structured output: %s: %v", e.Detail, e.Err)
	}
	return "structured output: " + e.Detail
}

func (e *SchemaError) Unwrap() error { return e.Err }

// InterruptError reports cancellation by the user or a deadline.
type InterruptError struct {
	Reason string
}

func (e *InterruptError) Error() string {
	if e.Reason == "" {
		return "interrupted"
	}
	return "interrupted: " + e.Reason
}

// ConfigError reports invalid setup detected at construction time.
type ConfigError struct {
	Detail string
}

func (e *ConfigError) Error() string { return "config: " + e.Detail }

// StateError reports a session save/load failure.
type StateError struct {
	Op  string // "save" or "load"
	Key string
	Err error
}

func (e *StateError) Error() string {
	return fmt.Sprintf("state %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *StateError) Unwrap() error { return e.Err }
