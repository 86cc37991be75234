package reagent

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestNewValidation(t *testing.T) {
	model := newMockModel()
	if _, err := New("", model); err == nil {
		t.Fatal("expected error for empty name")
	}
	if _, err := New("a", nil); err == nil {
		t.Fatal("expected error for nil model")
	}
	if _, err := New("a", model, WithMaxIters(0)); err == nil {
		t.Fatal("expected error for maxIters 0")
	}
	var ce *ConfigError
	_, err := New("", model)
	if !errors.As(err, &ce) {
		t.Fatalf("want ConfigError, got %T", err)
	}
}

func TestCallSimpleAnswer(t *testing.T) {
	model := newMockModel([]ChatResponse{
		textDelta("The answer "),
		usageDelta(8, 2),
		textDelta("is 42."),
		usageDelta(2, 3),
	})
	agent, err := New("assistant", model)
	if err != nil {
		t.Fatal(err)
	}

	reply, err := agent.Call(context.Background(), NewUserMsg("user", "What is the answer?"))
	if err != nil {
		t.Fatal(err)
	}
	if got := reply.Text(); got != "The answer is 42." {
		t.Errorf("terminal text = %q", got)
	}
	if reply.Role != RoleAssistant {
		t.Errorf("terminal role = %s", reply.Role)
	}
	// Usage deltas from separate chunks accumulate into the terminal.
	if reply.Usage == nil || reply.Usage.InputTokens != 10 || reply.Usage.OutputTokens != 5 {
		t.Errorf("usage = %+v", reply.Usage)
	}
	if agent.Memory().Len() != 2 {
		t.Errorf("memory len = %d, want 2", agent.Memory().Len())
	}
}

func TestCallToolRoundThenAnswer(t *testing.T) {
	tk := NewToolkit()
	var gotInput map[string]any
	err := tk.Register(&Tool{
		Name:        "lookup",
		Description: "Look up a record.",
		Schema:      []byte(`{"type":"object"}`),
		Handler: func(_ context.Context, input map[string]any) (*ToolResponse, error) {
			gotInput = input
			return TextResponse("record found"), nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	model := newMockModel(
		[]ChatResponse{toolDelta("call-1", "lookup", map[string]any{"id": "7"}), usageDelta(20, 8)},
		[]ChatResponse{textDelta("Done."), usageDelta(30, 4)},
	)
	agent, err := New("assistant", model,
		WithToolkit(tk),
		WithSystemPrompt("Be brief."),
	)
	if err != nil {
		t.Fatal(err)
	}

	reply, err := agent.Call(context.Background(), NewUserMsg("user", "find 7"))
	if err != nil {
		t.Fatal(err)
	}
	if reply.Text() != "Done." {
		t.Errorf("terminal = %q", reply.Text())
	}
	if gotInput["id"] != "7" {
		t.Errorf("tool input = %v", gotInput)
	}

	// user, assistant(tool use), tool, assistant(answer)
	msgs := agent.Memory().Snapshot()
	wantRoles := []Role{RoleUser, RoleAssistant, RoleTool, RoleAssistant}
	if len(msgs) != len(wantRoles) {
		t.Fatalf("memory len = %d, want %d", len(msgs), len(wantRoles))
	}
	for i, want := range wantRoles {
		if msgs[i].Role != want {
			t.Errorf("msgs[%d].Role = %s, want %s", i, msgs[i].Role, want)
		}
	}
	res, ok := msgs[2].Content[0].(ToolResultBlock)
	if !ok {
		t.Fatalf("tool message holds %T", msgs[2].Content[0])
	}
	if res.ID != "call-1" || res.Name != "lookup" {
		t.Errorf("result = %+v", res)
	}

	reqs := model.requests()
	if len(reqs) != 2 {
		t.Fatalf("model rounds = %d, want 2", len(reqs))
	}
	// System prompt is prepended to every round's transcript.
	if reqs[0].Messages[0].Role != RoleSystem {
		t.Error("first transcript entry is not the system prompt")
	}
	if len(reqs[0].Tools) != 1 || reqs[0].Tools[0].Name != "lookup" {
		t.Errorf("round tools = %+v", reqs[0].Tools)
	}
}

func TestParallelToolsRejoinInOrder(t *testing.T) {
	tk := NewToolkit()
	delays := map[string]time.Duration{"a": 30 * time.Millisecond, "b": 1 * time.Millisecond, "c": 15 * time.Millisecond}
	for name := range delays {
		d := delays[name]
		n := name
		err := tk.Register(&Tool{
			Name:   n,
			Schema: []byte(`{"type":"object"}`),
			Handler: func(_ context.Context, _ map[string]any) (*ToolResponse, error) {
				time.Sleep(d)
				return TextResponse(n), nil
			},
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	model := newMockModel(
		[]ChatResponse{
			toolDelta("c1", "a", nil),
			toolDelta("c2", "b", nil),
			toolDelta("c3", "c", nil),
		},
		[]ChatResponse{textDelta("ok")},
	)
	agent, err := New("assistant", model, WithToolkit(tk))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := agent.Call(context.Background(), NewUserMsg("user", "go")); err != nil {
		t.Fatal(err)
	}

	toolMsg := agent.Memory().Snapshot()[2]
	if toolMsg.Role != RoleTool {
		t.Fatalf("msgs[2].Role = %s", toolMsg.Role)
	}
	var order []string
	for _, blk := range toolMsg.Content {
		order = append(order, blk.(ToolResultBlock).Name)
	}
	if !reflect.DeepEqual(order, []string{"a", "b", "c"}) {
		t.Errorf("result order = %v, want call order", order)
	}
}

func TestToolTimeout(t *testing.T) {
	tk := NewToolkit()
	err := tk.Register(&Tool{
		Name:   "slow",
		Schema: []byte(`{"type":"object"}`),
		Handler: func(ctx context.Context, _ map[string]any) (*ToolResponse, error) {
			select {
			case <-time.After(5 * time.Second):
				return TextResponse("late"), nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	model := newMockModel(
		[]ChatResponse{toolDelta("c1", "slow", nil)},
		[]ChatResponse{textDelta("gave up")},
	)
	agent, err := New("assistant", model, WithToolkit(tk), WithToolTimeout(20*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := agent.Call(context.Background(), NewUserMsg("user", "go")); err != nil {
		t.Fatal(err)
	}
	res := agent.Memory().Snapshot()[2].Content[0].(ToolResultBlock)
	if !strings.Contains(res.Output[0].(TextBlock).Text, "timeout") {
		t.Errorf("result = %q", res.Output[0].(TextBlock).Text)
	}
}

func TestFatalToolErrorAbortsCall(t *testing.T) {
	tk := NewToolkit()
	err := tk.Register(&Tool{
		Name:   "boom",
		Schema: []byte(`{"type":"object"}`),
		Handler: func(_ context.Context, _ map[string]any) (*ToolResponse, error) {
			return nil, &ToolError{Tool: "boom", Message: "credentials revoked", Fatal: true}
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	model := newMockModel([]ChatResponse{toolDelta("c1", "boom", nil)})
	agent, err := New("assistant", model, WithToolkit(tk))
	if err != nil {
		t.Fatal(err)
	}
	_, err = agent.Call(context.Background(), NewUserMsg("user", "go"))
	var te *ToolError
	if !errors.As(err, &te) || !te.Fatal {
		t.Fatalf("want fatal ToolError, got %v", err)
	}
	// The failed result is still recorded before the call aborts.
	last := agent.Memory().LastWhere(func(m *Msg) bool { return m.Role == RoleTool })
	if last == nil {
		t.Fatal("tool message missing from memory")
	}
}

func TestModelErrorWrapped(t *testing.T) {
	model := newMockModel() // no scripted rounds: Stream fails
	agent, err := New("assistant", model)
	if err != nil {
		t.Fatal(err)
	}
	_, err = agent.Call(context.Background(), NewUserMsg("user", "hi"))
	var me *ModelError
	if !errors.As(err, &me) {
		t.Fatalf("want ModelError, got %v", err)
	}
	if me.Model != "mock" {
		t.Errorf("ModelError.Model = %q", me.Model)
	}
}

func TestContinueModeNilInput(t *testing.T) {
	model := newMockModel(
		[]ChatResponse{textDelta("first")},
		[]ChatResponse{textDelta("second")},
	)
	agent, err := New("assistant", model)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := agent.Call(context.Background(), NewUserMsg("user", "hi")); err != nil {
		t.Fatal(err)
	}
	before := agent.Memory().Len()
	reply, err := agent.Call(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if reply.Text() != "second" {
		t.Errorf("terminal = %q", reply.Text())
	}
	// Continue mode appends no user message, only the new assistant turn.
	if got := agent.Memory().Len(); got != before+1 {
		t.Errorf("memory grew by %d, want 1", got-before)
	}
}

var answerSchema = json.RawMessage(`{
	"type": "object",
	"properties": {"answer": {"type": "string"}},
	"required": ["answer"]
}`)

func TestStructuredOutputToolChoiceReminder(t *testing.T) {
	model := newMockModel(
		// Round 1: plain text, no tool call. The coordinator must inject a
		// reminder and force the synthetic tool next round.
		[]ChatResponse{textDelta("Let me think..."), usageDelta(100, 10)},
		[]ChatResponse{
			toolDelta("c1", GenerateResponseTool, map[string]any{
				"response": map[string]any{"answer": "42"},
			}),
			usageDelta(120, 15),
		},
	)
	agent, err := New("assistant", model)
	if err != nil {
		t.Fatal(err)
	}

	reply, err := agent.Call(context.Background(), NewUserMsg("user", "answer me"),
		WithOutputSchema(answerSchema))
	if err != nil {
		t.Fatal(err)
	}

	data, ok := reply.MetadataValue(MetaStructuredData).(map[string]any)
	if !ok {
		t.Fatalf("structured_data = %v", reply.MetadataValue(MetaStructuredData))
	}
	if data["answer"] != "42" {
		t.Errorf("answer = %v", data["answer"])
	}

	reminder := agent.Memory().LastWhere(func(m *Msg) bool {
		return m.MetadataValue(MetaStructuredOutputReminder) == true
	})
	if reminder == nil {
		t.Fatal("reminder message not in memory")
	}
	if reminder.MetadataValue(MetaStructuredOutputReminderType) != string(ReminderToolChoice) {
		t.Errorf("reminder type = %v", reminder.MetadataValue(MetaStructuredOutputReminderType))
	}

	reqs := model.requests()
	if len(reqs) != 2 {
		t.Fatalf("rounds = %d", len(reqs))
	}
	// Round 1 is never forced; the retry round is.
	if reqs[0].Options.ToolChoice.Kind == ToolChoiceSpecific {
		t.Error("first round must not force tool choice")
	}
	if reqs[1].Options.ToolChoice != SpecificTool(GenerateResponseTool) {
		t.Errorf("retry round tool choice = %+v", reqs[1].Options.ToolChoice)
	}
	// The synthetic tool is removed after the call.
	if agent.Toolkit().Has(GenerateResponseTool) {
		t.Error("generate_response still registered after call")
	}
}

func TestStructuredOutputPromptModeNeverForces(t *testing.T) {
	model := newMockModel(
		[]ChatResponse{textDelta("hmm")},
		[]ChatResponse{toolDelta("c1", GenerateResponseTool, map[string]any{
			"response": map[string]any{"answer": "ok"},
		})},
	)
	agent, err := New("assistant", model, WithReminderMode(ReminderPrompt))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := agent.Call(context.Background(), NewUserMsg("user", "go"),
		WithOutputSchema(answerSchema)); err != nil {
		t.Fatal(err)
	}
	for i, req := range model.requests() {
		if req.Options.ToolChoice.Kind == ToolChoiceSpecific {
			t.Errorf("round %d forced tool choice in PROMPT mode", i)
		}
	}
}

func TestStructuredOutputRetryExhaustion(t *testing.T) {
	invalid := toolDelta("c1", GenerateResponseTool, map[string]any{
		"response": map[string]any{"answer": 7}, // wrong type
	})
	model := newMockModel(
		[]ChatResponse{invalid},
		[]ChatResponse{invalid},
	)
	agent, err := New("assistant", model, WithSchemaRetries(1))
	if err != nil {
		t.Fatal(err)
	}
	_, err = agent.Call(context.Background(), NewUserMsg("user", "go"),
		WithOutputSchema(answerSchema))
	var se *SchemaError
	if !errors.As(err, &se) {
		t.Fatalf("want SchemaError, got %v", err)
	}
}

func TestStructuredOutputSchemaAndTypeConflict(t *testing.T) {
	agent, err := New("assistant", newMockModel())
	if err != nil {
		t.Fatal(err)
	}
	type out struct {
		Answer string `json:"answer"`
	}
	_, err = agent.Call(context.Background(), NewUserMsg("user", "go"),
		WithOutputSchema(answerSchema), WithOutputType[out]())
	var ce *ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("want ConfigError, got %v", err)
	}
}

func TestMaxItersTriggersSummarization(t *testing.T) {
	tk := NewToolkit()
	err := tk.Register(&Tool{
		Name:   "spin",
		Schema: []byte(`{"type":"object"}`),
		Handler: func(_ context.Context, _ map[string]any) (*ToolResponse, error) {
			return TextResponse("spinning"), nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	model := newMockModel(
		[]ChatResponse{toolDelta("c1", "spin", nil)},
		[]ChatResponse{toolDelta("c2", "spin", nil)},
		[]ChatResponse{textDelta("I could not finish; here is what I found.")},
	)
	agent, err := New("assistant", model, WithToolkit(tk), WithMaxIters(2))
	if err != nil {
		t.Fatal(err)
	}
	reply, err := agent.Call(context.Background(), NewUserMsg("user", "loop forever"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(reply.Text(), "could not finish") {
		t.Errorf("terminal = %q", reply.Text())
	}

	reqs := model.requests()
	if len(reqs) != 3 {
		t.Fatalf("rounds = %d, want 3", len(reqs))
	}
	if reqs[2].Options.ToolChoice.Kind != ToolChoiceNone {
		t.Errorf("summarization round tool choice = %+v", reqs[2].Options.ToolChoice)
	}

	// The final round ends with the summarization hint as its last user
	// message, carrying both marker phrases.
	var hint *Msg
	for _, m := range reqs[2].Messages {
		if m.Role == RoleUser {
			hint = m
		}
	}
	if hint == nil {
		t.Fatal("no user message in summarization round")
	}
	for _, want := range []string{"failed to generate response", "summarizing"} {
		if !strings.Contains(hint.Text(), want) {
			t.Errorf("hint %q missing %q", hint.Text(), want)
		}
	}
}

func TestInterruptStopsAtSuspensionPoint(t *testing.T) {
	tk := NewToolkit()
	model := newMockModel(
		[]ChatResponse{toolDelta("c1", "halt", nil)},
		[]ChatResponse{textDelta("never reached")},
	)
	agent, err := New("assistant", model, WithToolkit(tk))
	if err != nil {
		t.Fatal(err)
	}
	err = tk.Register(&Tool{
		Name:   "halt",
		Schema: []byte(`{"type":"object"}`),
		Handler: func(_ context.Context, _ map[string]any) (*ToolResponse, error) {
			agent.Interrupt()
			return TextResponse("requested stop"), nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	_, err = agent.Call(context.Background(), NewUserMsg("user", "go"))
	var ie *InterruptError
	if !errors.As(err, &ie) {
		t.Fatalf("want InterruptError, got %v", err)
	}
	note := agent.Memory().LastWhere(func(m *Msg) bool {
		return m.MetadataValue(MetaInterrupted) == true
	})
	if note == nil {
		t.Fatal("interrupt note not in memory")
	}
	// The flag is consumed: the next call runs normally.
	model.mu.Lock()
	model.rounds = [][]ChatResponse{{textDelta("recovered")}}
	model.mu.Unlock()
	reply, err := agent.Call(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if reply.Text() != "recovered" {
		t.Errorf("terminal = %q", reply.Text())
	}
}

func TestPlanFinishSentinelEndsCall(t *testing.T) {
	nb := NewPlanNotebook()
	model := newMockModel(
		[]ChatResponse{toolDelta("c1", "create_plan", map[string]any{
			"name":     "ship it",
			"subtasks": []any{},
		})},
		[]ChatResponse{toolDelta("c2", FinishPlanTool, map[string]any{
			"summary": "nothing to do",
		})},
	)
	agent, err := New("planner", model, WithPlanNotebook(nb))
	if err != nil {
		t.Fatal(err)
	}
	reply, err := agent.Call(context.Background(), NewUserMsg("user", "plan and finish"))
	if err != nil {
		t.Fatal(err)
	}
	// The terminal message is the assistant turn that called finish_plan.
	if uses := reply.ToolUses(); len(uses) != 1 || uses[0].Name != FinishPlanTool {
		t.Errorf("terminal tool uses = %+v", uses)
	}
	if nb.CurrentPlan() != nil {
		t.Error("plan still active after finish_plan")
	}
	// Round 2 saw the plan hint in its transcript.
	reqs := model.requests()
	found := false
	for _, m := range reqs[1].Messages {
		if strings.Contains(m.Text(), "Current plan: ship it") {
			found = true
		}
	}
	if !found {
		t.Error("plan hint missing from round 2 transcript")
	}
}

func TestCallStreamEmitsAndCloses(t *testing.T) {
	model := newMockModel([]ChatResponse{
		textDelta("hel"),
		textDelta("lo"),
		usageDelta(5, 2),
	})
	agent, err := New("assistant", model)
	if err != nil {
		t.Fatal(err)
	}

	ch := make(chan Event, 64)
	reply, err := agent.CallStream(context.Background(), NewUserMsg("user", "hi"), ch)
	if err != nil {
		t.Fatal(err)
	}
	if reply.Text() != "hello" {
		t.Errorf("terminal = %q", reply.Text())
	}

	var events []Event
	for ev := range ch { // terminates only if the engine closed the channel
		events = append(events, ev)
	}
	if len(events) == 0 {
		t.Fatal("no events emitted")
	}
	last := events[len(events)-1]
	if last.Type != EventAgentResult || !last.Final {
		t.Errorf("last event = %+v", last)
	}
	chunks := 0
	finalReasoning := false
	for _, ev := range events {
		if ev.Type == EventReasoning && !ev.Final {
			chunks++
		}
		if ev.Type == EventReasoning && ev.Final {
			finalReasoning = true
		}
		if ev.Agent != "assistant" {
			t.Errorf("event agent = %q", ev.Agent)
		}
	}
	if chunks != 3 {
		t.Errorf("chunk events = %d, want 3", chunks)
	}
	if !finalReasoning {
		t.Error("no final reasoning event")
	}
}

func TestCallStreamTypeFilter(t *testing.T) {
	model := newMockModel([]ChatResponse{textDelta("hi")})
	agent, err := New("assistant", model, WithStreamOptions(StreamOptions{
		Types:                  []EventType{EventAgentResult},
		IncludeReasoningChunk:  true,
		IncludeReasoningResult: true,
	}))
	if err != nil {
		t.Fatal(err)
	}
	ch := make(chan Event, 16)
	if _, err := agent.CallStream(context.Background(), NewUserMsg("user", "hi"), ch); err != nil {
		t.Fatal(err)
	}
	for ev := range ch {
		if ev.Type != EventAgentResult {
			t.Errorf("filtered stream leaked %s event", ev.Type)
		}
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	model := newMockModel([]ChatResponse{textDelta("saved answer")})
	agent, err := New("assistant", model, WithSystemPrompt("be brief"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := agent.Call(ctx, NewUserMsg("user", "remember this")); err != nil {
		t.Fatal(err)
	}

	sess := newFakeSession()
	if err := agent.SaveTo(ctx, sess, "thread-1"); err != nil {
		t.Fatal(err)
	}

	// Saving again with no mutation writes identical values.
	before := marshalSession(t, sess)
	if err := agent.SaveTo(ctx, sess, "thread-1"); err != nil {
		t.Fatal(err)
	}
	if after := marshalSession(t, sess); before != after {
		t.Error("repeated save changed stored state")
	}

	restored, err := New("assistant", newMockModel())
	if err != nil {
		t.Fatal(err)
	}
	found, err := restored.LoadFrom(ctx, sess, "thread-1")
	if err != nil {
		t.Fatal(err)
	}
	if !found {
		t.Fatal("LoadFrom found nothing")
	}
	if restored.Memory().Len() != agent.Memory().Len() {
		t.Errorf("restored memory len = %d, want %d", restored.Memory().Len(), agent.Memory().Len())
	}
	got := restored.Memory().Snapshot()[1]
	if got.Text() != "saved answer" {
		t.Errorf("restored assistant text = %q", got.Text())
	}

	found, err = restored.LoadFrom(ctx, sess, "no-such-thread")
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Error("LoadFrom reported a missing key as found")
	}
}

func marshalSession(t *testing.T, s *fakeSession) string {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := json.Marshal(s.data)
	if err != nil {
		t.Fatal(err)
	}
	return string(raw)
}

func TestConcurrentCallsSerialize(t *testing.T) {
	model := newMockModel(
		[]ChatResponse{textDelta("one")},
		[]ChatResponse{textDelta("two")},
	)
	agent, err := New("assistant", model)
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 2)
	go func() {
		_, err := agent.Call(context.Background(), NewUserMsg("user", "a"))
		done <- err
	}()
	go func() {
		_, err := agent.Call(context.Background(), NewUserMsg("user", "b"))
		done <- err
	}()
	for i := 0; i < 2; i++ {
		if err := <-done; err != nil {
			t.Fatal(err)
		}
	}
	// Serialized calls interleave nothing: each call's user+assistant
	// pair is adjacent.
	msgs := agent.Memory().Snapshot()
	if len(msgs) != 4 {
		t.Fatalf("memory len = %d", len(msgs))
	}
	if msgs[0].Role != RoleUser || msgs[1].Role != RoleAssistant ||
		msgs[2].Role != RoleUser || msgs[3].Role != RoleAssistant {
		t.Errorf("interleaved roles: %v", []Role{msgs[0].Role, msgs[1].Role, msgs[2].Role, msgs[3].Role})
	}
}
