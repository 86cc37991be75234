// Package postgres implements reagent.Session using PostgreSQL.
//
// Session accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/reagentlabs/reagent"
)

// Session implements reagent.Session backed by PostgreSQL. Values are
// stored as JSONB in a single (key, field) table.
type Session struct {
	pool *pgxpool.Pool
}

var _ reagent.Session = (*Session)(nil)

// New creates a Session using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool) *Session {
	return &Session{pool: pool}
}

// Init creates the state table.
func (s *Session) Init(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS agent_state (
			key        TEXT NOT NULL,
			field      TEXT NOT NULL,
			value      JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (key, field)
		)`)
	if err != nil {
		return fmt.Errorf("create agent_state: %w", err)
	}
	return nil
}

// Get implements reagent.Session.
func (s *Session) Get(ctx context.Context, key, field string, out any) (bool, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM agent_state WHERE key = $1 AND field = $2`, key, field).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %s/%s: %w", key, field, err)
	}
	if err := reagent.ActiveCodec().Unmarshal(raw, out); err != nil {
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
	_, err = s.pool.Exec(ctx, `
		INSERT INTO agent_state (key, field, value, updated_at) VALUES ($1, $2, $3, now())
		ON CONFLICT (key, field) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		key, field, raw)
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", key, field, err)
	}
	return nil
}

// GetList implements reagent.Session.
func (s *Session) GetList(ctx context.Context, key, field string) ([]json.RawMessage, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM agent_state WHERE key = $1 AND field = $2`, key, field).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return []json.RawMessage{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get list %s/%s: %w", key, field, err)
	}
	var list []json.RawMessage
	if err := reagent.ActiveCodec().Unmarshal(raw, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// AppendList implements reagent.Session. The existing array is locked
// with SELECT ... FOR UPDATE so concurrent appends serialize.
func (s *Session) AppendList(ctx context.Context, key, field string, values ...any) error {
	if len(values) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var list []json.RawMessage
	var raw []byte
	err = tx.QueryRow(ctx,
		`SELECT value FROM agent_state WHERE key = $1 AND field = $2 FOR UPDATE`, key, field).Scan(&raw)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return fmt.Errorf("append list %s/%s: %w", key, field, err)
	default:
		if err := reagent.ActiveCodec().Unmarshal(raw, &list); err != nil {
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
	if _, err := tx.Exec(ctx, `
		INSERT INTO agent_state (key, field, value, updated_at) VALUES ($1, $2, $3, now())
		ON CONFLICT (key, field) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		key, field, enc); err != nil {
		return fmt.Errorf("append list %s/%s: %w", key, field, err)
	}
	return tx.Commit(ctx)
}

// Exists implements reagent.Session.
func (s *Session) Exists(ctx context.Context, key, field string) (bool, error) {
	var one int
	err := s.pool.QueryRow(ctx,
		`SELECT 1 FROM agent_state WHERE key = $1 AND field = $2`, key, field).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Delete implements reagent.Session.
func (s *Session) Delete(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM agent_state WHERE key = $1`, key)
	return err
}
