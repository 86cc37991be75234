// Package sqlite implements reagent.Session using pure-Go SQLite.
// Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/reagentlabs/reagent"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// Option configures a SQLite Session.
type Option func(*Session)

// WithLogger sets a structured logger for the store. When set, the
// store emits debug logs for every operation. If not set, no logs are
// emitted.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// Session implements reagent.Session backed by a local SQLite file.
// Fields are stored as JSON text in a single (key, field) table; lists
// are JSON arrays appended under a transaction.
type Session struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ reagent.Session = (*Session)(nil)

// New creates a Session using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so
// that all goroutines serialize through one connection, eliminating
// SQLITE_BUSY errors caused by concurrent writers opening independent
// connections.
func New(dbPath string, opts ...Option) *Session {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Session{db: db, logger: slog.New(slog.DiscardHandler)}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: session store opened", "path", dbPath)
	return s
}

// Init creates the state table.
func (s *Session) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS agent_state (
			key        TEXT NOT NULL,
			field      TEXT NOT NULL,
			value      TEXT NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (key, field)
		)`)
	if err != nil {
		return fmt.Errorf("create agent_state: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *Session) Close() error { return s.db.Close() }

// Get implements reagent.Session.
func (s *Session) Get(ctx context.Context, key, field string, out any) (bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM agent_state WHERE key = ? AND field = ?`, key, field).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %s/%s: %w", key, field, err)
	}
	if err := reagent.ActiveCodec().Unmarshal([]byte(raw), out); err != nil {
		return false, err
	}
	return true, nil
}

// Put implements reagent.Session.
func (s *Session) Put(ctx context.Context, key, field string, value any) error {
	raw, err := reagent.ActiveCodec().Marshal(value)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agent_state (key, field, value, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (key, field) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, field, string(raw), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", key, field, err)
	}
	s.logger.Debug("sqlite: put", "key", key, "field", field, "bytes", len(raw))
	return nil
}

// GetList implements reagent.Session.
func (s *Session) GetList(ctx context.Context, key, field string) ([]json.RawMessage, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM agent_state WHERE key = ? AND field = ?`, key, field).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return []json.RawMessage{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get list %s/%s: %w", key, field, err)
	}
	var list []json.RawMessage
	if err := reagent.ActiveCodec().Unmarshal([]byte(raw), &list); err != nil {
		return nil, err
	}
	return list, nil
}

// AppendList implements reagent.Session. The read-modify-write runs in
// a transaction; with the single-connection pool appends serialize.
func (s *Session) AppendList(ctx context.Context, key, field string, values ...any) error {
	if len(values) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var list []json.RawMessage
	var raw string
	err = tx.QueryRowContext(ctx,
		`SELECT value FROM agent_state WHERE key = ? AND field = ?`, key, field).Scan(&raw)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("append list %s/%s: %w", key, field, err)
	default:
		if err := reagent.ActiveCodec().Unmarshal([]byte(raw), &list); err != nil {
			return err
		}
	}
	for _, v := range values {
		enc, err := reagent.ActiveCodec().Marshal(v)
		if err != nil {
			return err
		}
		list = append(list, enc)
	}
	enc, err := reagent.ActiveCodec().Marshal(list)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO agent_state (key, field, value, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (key, field) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, field, string(enc), time.Now().Unix()); err != nil {
		return fmt.Errorf("append list %s/%s: %w", key, field, err)
	}
	return tx.Commit()
}

// Exists implements reagent.Session.
func (s *Session) Exists(ctx context.Context, key, field string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM agent_state WHERE key = ? AND field = ?`, key, field).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Delete implements reagent.Session.
func (s *Session) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM agent_state WHERE key = ?`, key)
	return err
}
