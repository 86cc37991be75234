package reagent

import (
	"encoding/json"
	"sync/atomic"
)

// Codec serializes values for memory snapshots and session persistence.
// The process-wide default is encoding/json; replace it with SetCodec to
// plug in an alternative implementation. Replacement is atomic and safe
// to race with concurrent readers.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

type stdCodec struct{}

func (stdCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (stdCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

var activeCodec atomic.Pointer[Codec]

func init() {
	var c Codec = stdCodec{}
	activeCodec.Store(&c)
}

// SetCodec replaces the process-wide codec. Passing nil restores the
// encoding/json default.
func SetCodec(c Codec) {
	if c == nil {
		c = stdCodec{}
	}
	activeCodec.Store(&c)
}

// ActiveCodec returns the current process-wide codec.
func ActiveCodec() Codec { return *activeCodec.Load() }
