package reagent

import (
	"encoding/json"
	"testing"
	"time"
)

func TestChatFormatterFormat(t *testing.T) {
	msgs := []*Msg{
		NewSystemMsg("a", "be brief"),
		NewUserMsg("u", "what is 1+1?"),
		NewAssistantMsg("a",
			ThinkingBlock{Thinking: "let me add"},
			TextBlock{Text: "calling calc"},
			ToolUseBlock{ID: "c1", Name: "calc", Input: map[string]any{"expr": "1+1"}},
		),
		NewToolMsg("a", ToolResultBlock{ID: "c1", Name: "calc", Output: []ContentBlock{TextBlock{Text: "2"}}}),
	}

	raw, err := ChatFormatter{}.Format(msgs)
	if err != nil {
		t.Fatal(err)
	}
	var wire []map[string]any
	if err := json.Unmarshal(raw, &wire); err != nil {
		t.Fatal(err)
	}
	if len(wire) != 4 {
		t.Fatalf("wire entries = %d: %s", len(wire), raw)
	}
	if wire[0]["role"] != "system" || wire[1]["role"] != "user" {
		t.Errorf("roles = %v %v", wire[0]["role"], wire[1]["role"])
	}
	// Thinking content never reaches the wire.
	if wire[2]["content"] != "calling calc" {
		t.Errorf("assistant content = %v", wire[2]["content"])
	}
	calls, ok := wire[2]["tool_calls"].([]any)
	if !ok || len(calls) != 1 {
		t.Fatalf("tool_calls = %v", wire[2]["tool_calls"])
	}
	// Tool results become their own tool-role entries.
	if wire[3]["role"] != "tool" || wire[3]["content"] != "2" || wire[3]["tool_call_id"] != "c1" {
		t.Errorf("tool entry = %v", wire[3])
	}
}

func TestChatFormatterParseResponse(t *testing.T) {
	raw := json.RawMessage(`{
		"id": "resp-1",
		"content": "done",
		"tool_calls": [{"id": "c1", "name": "calc", "args": {"expr": "2*3"}}],
		"usage": {"input_tokens": 12, "output_tokens": 7}
	}`)
	start := time.Now().Add(-50 * time.Millisecond)
	resp, err := ChatFormatter{}.ParseResponse(raw, start)
	if err != nil {
		t.Fatal(err)
	}
	if resp.ID != "resp-1" {
		t.Errorf("ID = %q", resp.ID)
	}
	if len(resp.Content) != 2 {
		t.Fatalf("content = %+v", resp.Content)
	}
	if txt := resp.Content[0].(TextBlock); txt.Text != "done" {
		t.Errorf("text = %q", txt.Text)
	}
	use := resp.Content[1].(ToolUseBlock)
	if use.Name != "calc" || use.Input["expr"] != "2*3" {
		t.Errorf("tool use = %+v", use)
	}
	if resp.Usage.InputTokens != 12 || resp.Usage.LatencyMS < 50 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestAccumulateContent(t *testing.T) {
	var acc []ContentBlock
	acc = accumulateContent(acc, []ContentBlock{TextBlock{Text: "hel"}})
	acc = accumulateContent(acc, []ContentBlock{TextBlock{Text: "lo"}})
	acc = accumulateContent(acc, []ContentBlock{ThinkingBlock{Thinking: "hm"}})
	acc = accumulateContent(acc, []ContentBlock{ThinkingBlock{Thinking: "m"}})
	acc = accumulateContent(acc, []ContentBlock{ToolUseBlock{ID: "c1", Name: "partial"}})
	acc = accumulateContent(acc, []ContentBlock{ToolUseBlock{ID: "c1", Name: "final", Input: map[string]any{"k": "v"}}})

	if len(acc) != 3 {
		t.Fatalf("blocks = %d: %+v", len(acc), acc)
	}
	if acc[0].(TextBlock).Text != "hello" {
		t.Errorf("text = %q", acc[0].(TextBlock).Text)
	}
	if acc[1].(ThinkingBlock).Thinking != "hmm" {
		t.Errorf("thinking = %q", acc[1].(ThinkingBlock).Thinking)
	}
	use := acc[2].(ToolUseBlock)
	if use.Name != "final" || use.Input["k"] != "v" {
		t.Errorf("tool use not finalized by ID: %+v", use)
	}
}
