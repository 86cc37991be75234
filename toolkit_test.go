package reagent

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"
)

func echoTool(name, group string) *Tool {
	return &Tool{
		Name:   name,
		Group:  group,
		Schema: []byte(`{"type":"object"}`),
		Handler: func(_ context.Context, _ map[string]any) (*ToolResponse, error) {
			return TextResponse(name), nil
		},
	}
}

func TestToolkitRegisterValidation(t *testing.T) {
	tk := NewToolkit()
	if err := tk.Register(&Tool{Name: ""}); err == nil {
		t.Error("empty name accepted")
	}
	if err := tk.Register(&Tool{Name: "x"}); err == nil {
		t.Error("nil handler accepted")
	}
	if err := tk.Register(echoTool("x", "")); err != nil {
		t.Fatal(err)
	}
	err := tk.Register(echoTool("x", ""))
	var ce *ConfigError
	if !errors.As(err, &ce) {
		t.Errorf("duplicate registration: %v", err)
	}
}

func TestToolkitGroupFiltering(t *testing.T) {
	tk := NewToolkit()
	for _, tool := range []*Tool{
		echoTool("always", ""),
		echoTool("web_search", "web"),
		echoTool("web_fetch", "web"),
		echoTool("fs_read", "fs"),
	} {
		if err := tk.Register(tool); err != nil {
			t.Fatal(err)
		}
	}

	names := func() []string {
		var out []string
		for _, s := range tk.Schemas() {
			out = append(out, s.Name)
		}
		return out
	}

	if got := names(); !reflect.DeepEqual(got, []string{"always"}) {
		t.Errorf("no groups active: %v", got)
	}

	tk.ActivateGroups("web")
	if got := names(); !reflect.DeepEqual(got, []string{"always", "web_search", "web_fetch"}) {
		t.Errorf("web active: %v", got)
	}

	tk.ActivateGroups("fs")
	if got := tk.ActiveGroups(); !reflect.DeepEqual(got, []string{"fs", "web"}) {
		t.Errorf("ActiveGroups() = %v", got)
	}

	tk.DeactivateGroups("web")
	if got := names(); !reflect.DeepEqual(got, []string{"always", "fs_read"}) {
		t.Errorf("fs only: %v", got)
	}

	tk.SetActiveGroups([]string{"web"})
	if got := tk.ActiveGroups(); !reflect.DeepEqual(got, []string{"web"}) {
		t.Errorf("SetActiveGroups: %v", got)
	}
}

func TestToolkitInvokeUnknownTool(t *testing.T) {
	tk := NewToolkit()
	res, err := tk.Invoke(context.Background(), ToolUseBlock{ID: "c1", Name: "nope"}, 0)
	if err != nil {
		t.Fatal(err)
	}
	text := res.Output[0].(TextBlock).Text
	if !strings.Contains(text, "unknown tool: nope") {
		t.Errorf("output = %q", text)
	}
}

func TestToolkitInvokeHandlerError(t *testing.T) {
	tk := NewToolkit()
	err := tk.Register(&Tool{
		Name:   "fail",
		Schema: []byte(`{"type":"object"}`),
		Handler: func(_ context.Context, _ map[string]any) (*ToolResponse, error) {
			return nil, errors.New("backend unreachable")
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	res, err := tk.Invoke(context.Background(), ToolUseBlock{ID: "c1", Name: "fail"}, 0)
	if err != nil {
		t.Fatalf("non-fatal error escaped: %v", err)
	}
	text := res.Output[0].(TextBlock).Text
	if !strings.HasPrefix(text, "Error: ") || !strings.Contains(text, "backend unreachable") {
		t.Errorf("output = %q", text)
	}
}

func TestToolkitInvokePanicRecovered(t *testing.T) {
	tk := NewToolkit()
	err := tk.Register(&Tool{
		Name:   "panicky",
		Schema: []byte(`{"type":"object"}`),
		Handler: func(_ context.Context, _ map[string]any) (*ToolResponse, error) {
			panic("nil map write")
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	res, err := tk.Invoke(context.Background(), ToolUseBlock{ID: "c1", Name: "panicky"}, 0)
	if err != nil {
		t.Fatalf("panic escalated: %v", err)
	}
	text := res.Output[0].(TextBlock).Text
	if !strings.Contains(text, "panic") {
		t.Errorf("output = %q", text)
	}
}

func TestToolkitInvokeTimeout(t *testing.T) {
	tk := NewToolkit()
	err := tk.Register(&Tool{
		Name:   "sleepy",
		Schema: []byte(`{"type":"object"}`),
		Handler: func(_ context.Context, _ map[string]any) (*ToolResponse, error) {
			// Deliberately ignores ctx: the invoker must abandon it.
			time.Sleep(2 * time.Second)
			return TextResponse("late"), nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	res, err := tk.Invoke(context.Background(), ToolUseBlock{ID: "c1", Name: "sleepy"}, 20*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if time.Since(start) > time.Second {
		t.Error("invoke waited for the abandoned handler")
	}
	text := res.Output[0].(TextBlock).Text
	if !strings.Contains(text, "timeout") {
		t.Errorf("output = %q", text)
	}
}

func TestRegisterFuncDecodesArgs(t *testing.T) {
	type args struct {
		City string `json:"city" jsonschema:"required,description=City name"`
		Days int    `json:"days" jsonschema:"description=Forecast days"`
	}
	tk := NewToolkit()
	var got args
	err := RegisterFunc(tk, "weather", "Get a forecast.", func(_ context.Context, a args) (*ToolResponse, error) {
		got = a
		return TextResponse("sunny"), nil
	})
	if err != nil {
		t.Fatal(err)
	}

	schemas := tk.Schemas()
	if len(schemas) != 1 {
		t.Fatalf("schemas = %d", len(schemas))
	}
	if !strings.Contains(string(schemas[0].Parameters), `"city"`) {
		t.Errorf("schema missing city: %s", schemas[0].Parameters)
	}

	res, err := tk.Invoke(context.Background(),
		ToolUseBlock{ID: "c1", Name: "weather", Input: map[string]any{"city": "Oslo", "days": 3}}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if got.City != "Oslo" || got.Days != 3 {
		t.Errorf("decoded args = %+v", got)
	}
	if res.Output[0].(TextBlock).Text != "sunny" {
		t.Errorf("output = %+v", res.Output)
	}
}
