package reagent

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

// scriptedStream replays a fixed list of deltas as a ChatStream.
type scriptedStream struct {
	deltas []ChatResponse
	i      int
	err    error
}

func (s *scriptedStream) Next() bool {
	if s.i < len(s.deltas) {
		s.i++
		return true
	}
	return false
}

func (s *scriptedStream) Current() ChatResponse { return s.deltas[s.i-1] }
func (s *scriptedStream) Err() error            { return s.err }
func (s *scriptedStream) Close() error          { return nil }

// mockModel replays one scripted delta list per round and records every
// request it receives.
type mockModel struct {
	mu     sync.Mutex
	name   string
	rounds [][]ChatResponse
	calls  []ChatRequest
}

func newMockModel(rounds ...[]ChatResponse) *mockModel {
	return &mockModel{name: "mock", rounds: rounds}
}

func (m *mockModel) Name() string { return m.name }

func (m *mockModel) Stream(_ context.Context, req ChatRequest) (ChatStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, req)
	if len(m.rounds) == 0 {
		return nil, errors.New("mock model: no scripted rounds left")
	}
	deltas := m.rounds[0]
	m.rounds = m.rounds[1:]
	return &scriptedStream{deltas: deltas}, nil
}

func (m *mockModel) requests() []ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ChatRequest(nil), m.calls...)
}

func textDelta(text string) ChatResponse {
	return ChatResponse{Content: []ContentBlock{TextBlock{Text: text}}}
}

func toolDelta(id, name string, input map[string]any) ChatResponse {
	return ChatResponse{Content: []ContentBlock{ToolUseBlock{ID: id, Name: name, Input: input}}}
}

func usageDelta(in, out int) ChatResponse {
	return ChatResponse{Usage: &ChatUsage{InputTokens: in, OutputTokens: out}}
}

// fakeSession is a minimal in-process Session for persistence tests.
// The real backends live under session/ and cannot be imported here.
type fakeSession struct {
	mu   sync.Mutex
	data map[string]map[string]json.RawMessage
	puts int
}

func newFakeSession() *fakeSession {
	return &fakeSession{data: make(map[string]map[string]json.RawMessage)}
}

func (s *fakeSession) Get(_ context.Context, key, field string, out any) (bool, error) {
	s.mu.Lock()
	raw, ok := s.data[key][field]
	s.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, out)
}

func (s *fakeSession) Put(_ context.Context, key, field string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data[key] == nil {
		s.data[key] = make(map[string]json.RawMessage)
	}
	s.data[key][field] = raw
	s.puts++
	return nil
}

func (s *fakeSession) GetList(_ context.Context, key, field string) ([]json.RawMessage, error) {
	s.mu.Lock()
	raw, ok := s.data[key][field]
	s.mu.Unlock()
	if !ok {
		return []json.RawMessage{}, nil
	}
	var list []json.RawMessage
	return list, json.Unmarshal(raw, &list)
}

func (s *fakeSession) AppendList(ctx context.Context, key, field string, values ...any) error {
	list, err := s.GetList(ctx, key, field)
	if err != nil {
		return err
	}
	for _, v := range values {
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		list = append(list, raw)
	}
	return s.Put(ctx, key, field, list)
}

func (s *fakeSession) Exists(_ context.Context, key, field string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.data[key][field]
	return ok, nil
}

func (s *fakeSession) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()
	return nil
}

var _ Session = (*fakeSession)(nil)
