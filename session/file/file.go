// Package file implements reagent.Session on the local filesystem. Each
// session key maps to one JSON document under the root directory;
// writes go through a temp file and an atomic rename so a crash never
// leaves a half-written document behind.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/reagentlabs/reagent"
)

// Option configures a file Session.
type Option func(*Session)

// WithLogger sets a structured logger for the store. If not set, no
// logs are emitted.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// Session is a filesystem-backed reagent.Session. Safe for concurrent
// use within one process; cross-process callers need external locking.
type Session struct {
	root   string
	mu     sync.Mutex
	logger *slog.Logger
}

var _ reagent.Session = (*Session)(nil)

// New creates a Session rooted at dir, creating it if needed.
func New(dir string, opts ...Option) (*Session, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session root: %w", err)
	}
	s := &Session{root: dir, logger: slog.New(slog.DiscardHandler)}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// path maps a session key to its document file. Keys are escaped so
// separators and other unsafe characters cannot leave the root.
func (s *Session) path(key string) string {
	return filepath.Join(s.root, url.QueryEscape(key)+".json")
}

// load reads the field map for a key. A missing file is an empty map.
func (s *Session) load(key string) (map[string]json.RawMessage, error) {
	data, err := os.ReadFile(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]json.RawMessage{}, nil
	}
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := reagent.ActiveCodec().Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("decode session %q: %w", key, err)
	}
	return fields, nil
}

// save writes the field map via temp file + rename.
func (s *Session) save(key string, fields map[string]json.RawMessage) error {
	data, err := reagent.ActiveCodec().Marshal(fields)
	if err != nil {
		return err
	}
	target := s.path(key)
	tmp, err := os.CreateTemp(s.root, ".session-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	s.logger.Debug("file: session saved", "key", key, "fields", len(fields))
	return nil
}

// Get implements reagent.Session.
func (s *Session) Get(_ context.Context, key, field string, out any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fields, err := s.load(key)
	if err != nil {
		return false, err
	}
	raw, ok := fields[field]
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
	fields, err := s.load(key)
	if err != nil {
		return err
	}
	fields[field] = raw
	return s.save(key, fields)
}

// GetList implements reagent.Session.
func (s *Session) GetList(_ context.Context, key, field string) ([]json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fields, err := s.load(key)
	if err != nil {
		return nil, err
	}
	raw, ok := fields[field]
	if !ok {
		return []json.RawMessage{}, nil
	}
	var list []json.RawMessage
	if err := reagent.ActiveCodec().Unmarshal(raw, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// AppendList implements reagent.Session.
func (s *Session) AppendList(_ context.Context, key, field string, values ...any) error {
	if len(values) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fields, err := s.load(key)
	if err != nil {
		return err
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
	return s.save(key, fields)
}

// Exists implements reagent.Session.
func (s *Session) Exists(_ context.Context, key, field string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fields, err := s.load(key)
	if err != nil {
		return false, err
	}
	_, ok := fields[field]
	return ok, nil
}

// Delete implements reagent.Session.
func (s *Session) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
