package reagent

import (
	"context"
	"encoding/json"
)

// Session is a typed key/value store keyed by (session key, field).
// Values are serialized with the process codec. Implementations live in
// session/inmem, session/file, session/sqlite, and session/postgres, and
// must tolerate concurrent reads, writes, and list appends.
type Session interface {
	// Get decodes the value at (key, field) into out. Returns false when
	// the field is absent.
	Get(ctx context.Context, key, field string, out any) (bool, error)
	// Put stores a value at (key, field), replacing any previous value.
	Put(ctx context.Context, key, field string, value any) error
	// GetList returns the raw elements of the list at (key, field).
	// An absent field yields an empty list.
	GetList(ctx context.Context, key, field string) ([]json.RawMessage, error)
	// AppendList appends values to the list at (key, field), creating it
	// if absent.
	AppendList(ctx context.Context, key, field string, values ...any) error
	// Exists reports whether (key, field) holds a value.
	Exists(ctx context.Context, key, field string) (bool, error)
	// Delete removes all fields under the session key.
	Delete(ctx context.Context, key string) error
}
