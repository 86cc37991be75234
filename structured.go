package reagent

import (
	"context"
	"encoding/json"
	"fmt"
)

// ReminderMode selects how the structured-output coordinator nudges a
// model that fails to call the synthetic generate_response tool.
type ReminderMode string

const (
	// ReminderToolChoice injects a reminder message and forces
	// ToolChoice=Specific(generate_response) on the retry round. The
	// first round is never forced.
	ReminderToolChoice ReminderMode = "TOOL_CHOICE"
	// ReminderPrompt only injects the reminder message; tool choice is
	// never forced.
	ReminderPrompt ReminderMode = "PROMPT"
)

// GenerateResponseTool is the synthetic finish-sentinel tool registered
// when structured output is requested.
const GenerateResponseTool = "generate_response"

// defaultSchemaRetries is how many invalid payloads are tolerated before
// the call fails with SchemaError.
const defaultSchemaRetries = 2

const structuredReminderText = "You must call the `" + GenerateResponseTool +
	"` tool to provide your final answer in the required structured format."

// structuredOutput coordinates schema-constrained terminal output for a
// single call: it owns the synthetic tool, the reminder/forcing state,
// and payload validation. Reset by construction (one per call).
type structuredOutput struct {
	mode       ReminderMode
	schema     json.RawMessage // target schema for the response parameter
	maxRetries int

	remindersSent int
	retries       int
	captured      bool
	payload       any
	failed        *SchemaError
}

func newStructuredOutput(mode ReminderMode, schema json.RawMessage, maxRetries int) *structuredOutput {
	if maxRetries <= 0 {
		maxRetries = defaultSchemaRetries
	}
	return &structuredOutput{mode: mode, schema: schema, maxRetries: maxRetries}
}

// toolSchema wraps the target schema as the single "response" parameter
// of the synthetic tool.
func (c *structuredOutput) toolSchema() ([]byte, error) {
	return json.Marshal(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"response": json.RawMessage(c.schema),
		},
		"required": []string{"response"},
	})
}

// install registers the synthetic tool on the toolkit.
func (c *structuredOutput) install(tk *Toolkit) error {
	schema, err := c.toolSchema()
	if err != nil {
		return &ConfigError{Detail: fmt.Sprintf("structured output schema: %v", err)}
	}
	return tk.Register(&Tool{
		Name:        GenerateResponseTool,
		Description: "Generate the final structured response. Call this exactly once when you are ready to answer.",
		Schema:      schema,
		Handler:     c.handle,
	})
}

// uninstall removes the synthetic tool after the call completes.
func (c *structuredOutput) uninstall(tk *Toolkit) {
	tk.Remove(GenerateResponseTool)
}

// handle validates the payload and captures it on success. Invalid
// payloads are reported back to the model as error text until the retry
// budget runs out, then the failure turns fatal.
func (c *structuredOutput) handle(_ context.Context, input map[string]any) (*ToolResponse, error) {
	payload, ok := input["response"]
	if !ok {
		return nil, c.reject("missing required parameter \"response\"")
	}
	if err := validateAgainstSchema(c.schema, payload); err != nil {
		return nil, c.reject(err.Error())
	}
	c.captured = true
	c.payload = payload
	return TextResponse("Response generated"), nil
}

func (c *structuredOutput) reject(detail string) error {
	c.retries++
	if c.retries > c.maxRetries {
		c.failed = &SchemaError{Detail: fmt.Sprintf("payload invalid after %d retries: %s", c.maxRetries, detail)}
		return &ToolError{Tool: GenerateResponseTool, Message: detail, Fatal: true}
	}
	return &ToolError{Tool: GenerateResponseTool, Message: "response does not match the required schema: " + detail}
}

// PostReasoning requests a retry round when the assistant produced no
// tool call at all while structured output is still pending. The
// reminder message is re-injected every such round, not deduplicated.
func (c *structuredOutput) PostReasoning(_ context.Context, ev *PostReasoningEvent) error {
	if c.captured || c.failed != nil {
		return nil
	}
	if ev.Response != nil && ev.Response.HasToolUse() {
		return nil
	}
	reminder := NewUserMsg(ev.Agent, structuredReminderText)
	reminder.SetMetadata(MetaStructuredOutputReminder, true)
	reminder.SetMetadata(MetaStructuredOutputReminderType, string(c.mode))
	reminder.SetMetadata(MetaBypassHistoryMerge, true)
	ev.InjectMessages = append(ev.InjectMessages, reminder)
	ev.GotoReasoning = true
	c.remindersSent++
	if c.mode == ReminderToolChoice {
		ev.NextOptions = &GenerateOptions{ToolChoice: SpecificTool(GenerateResponseTool)}
	}
	return nil
}

var _ PostReasoningHook = (*structuredOutput)(nil)
