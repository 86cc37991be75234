package reagent

import (
	"context"
	"testing"
)

func TestStreamOptionsWants(t *testing.T) {
	all := StreamOptions{}
	if !all.wants(EventReasoning) || !all.wants(EventSummary) {
		t.Error("empty Types must admit every kind")
	}
	only := StreamOptions{Types: []EventType{EventToolResult}}
	if only.wants(EventReasoning) {
		t.Error("filter leaked reasoning")
	}
	if !only.wants(EventToolResult) {
		t.Error("filter dropped tool-result")
	}
}

func TestStreamSinkChunkPolicy(t *testing.T) {
	ch := make(chan Event, 8)
	sink := &streamSink{agent: "a", ch: ch, opts: StreamOptions{
		IncludeReasoningChunk: true,
		Incremental:           false,
	}}

	acc := NewAssistantMsg("a", TextBlock{Text: "he"})
	ev := &ReasoningChunkEvent{
		Delta:       ChatResponse{Content: []ContentBlock{TextBlock{Text: "he"}}},
		Accumulated: acc,
	}
	if err := sink.ReasoningChunk(context.Background(), ev); err != nil {
		t.Fatal(err)
	}
	got := <-ch
	if got.Type != EventReasoning || got.Agent != "a" {
		t.Errorf("event = %+v", got)
	}
	if got.Delta != nil {
		t.Error("cumulative policy attached a delta")
	}
	if got.Msg != acc {
		t.Error("cumulative message missing")
	}

	sink.opts.Incremental = true
	if err := sink.ReasoningChunk(context.Background(), ev); err != nil {
		t.Fatal(err)
	}
	if got := <-ch; got.Delta == nil {
		t.Error("incremental policy dropped the delta")
	}

	sink.opts.IncludeReasoningChunk = false
	if err := sink.ReasoningChunk(context.Background(), ev); err != nil {
		t.Fatal(err)
	}
	select {
	case got := <-ch:
		t.Errorf("chunk emitted while disabled: %+v", got)
	default:
	}
}

func TestStreamSinkHonorsContextCancel(t *testing.T) {
	ch := make(chan Event) // unbuffered, nobody reading
	sink := &streamSink{agent: "a", ch: ch, opts: DefaultStreamOptions()}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := sink.emit(ctx, Event{Type: EventReasoning})
	if err == nil {
		t.Fatal("emit blocked on a dead consumer")
	}
}

func TestStreamSinkNilSafe(t *testing.T) {
	var sink *streamSink
	if err := sink.emit(context.Background(), Event{Type: EventReasoning}); err != nil {
		t.Fatal(err)
	}
}
