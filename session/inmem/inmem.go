// Package inmem implements reagent.Session in process memory. Useful for
// tests and single-process deployments; nothing survives a restart.
package inmem

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/reagentlabs/reagent"
)

// Session is an in-memory reagent.Session. Safe for concurrent use.
type Session struct {
	mu   sync.RWMutex
	data map[string]map[string]json.RawMessage
}

var _ reagent.Session = (*Session)(nil)

// New creates an empty in-memory session store.
func New() *Session {
	return &Session{data: make(map[string]map[string]json.RawMessage)}
}

// Get implements reagent.Session.
func (s *Session) Get(_ context.Context, key, field string, out any) (bool, error) {
	s.mu.RLock()
	raw, ok := s.data[key][field]
	s.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if err := reagent.ActiveCodec().Unmarshal(raw, out); err != nil {
		return false, err
	}
	return true, nil
}

// Put implements reagent.Session.
func (s *Session) Put(_ context.Context, key, field string, value any) error {
	raw, err := reagent.ActiveCodec().Marshal(value)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fields, ok := s.data[key]
	if !ok {
		fields = make(map[string]json.RawMessage)
		s.data[key] = fields
	}
	fields[field] = raw
	return nil
}

// GetList implements reagent.Session.
func (s *Session) GetList(_ context.Context, key, field string) ([]json.RawMessage, error) {
	s.mu.RLock()
	raw, ok := s.data[key][field]
	s.mu.RUnlock()
	if !ok {
		return []json.RawMessage{}, nil
	}
	var list []json.RawMessage
	if err := reagent.ActiveCodec().Unmarshal(raw, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// AppendList implements reagent.Session. The list is stored as a JSON
// array under the field, created on first append.
func (s *Session) AppendList(_ context.Context, key, field string, values ...any) error {
	if len(values) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fields, ok := s.data[key]
	if !ok {
		fields = make(map[string]json.RawMessage)
		s.data[key] = fields
	}
	var list []json.RawMessage
	if raw, ok := fields[field]; ok {
		if err := reagent.ActiveCodec().Unmarshal(raw, &list); err != nil {
			return err
		}
	}
	for _, v := range values {
		raw, err := reagent.ActiveCodec().Marshal(v)
		if err != nil {
			return err
		}
		list = append(list, raw)
	}
	raw, err := reagent.ActiveCodec().Marshal(list)
	if err != nil {
		return err
	}
	fields[field] = raw
	return nil
}

// Exists implements reagent.Session.
func (s *Session) Exists(_ context.Context, key, field string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.data[key][field]
	return ok, nil
}

// Delete implements reagent.Session.
func (s *Session) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()
	return nil
}
