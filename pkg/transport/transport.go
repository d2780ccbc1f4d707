// Package transport defines the remote service boundary of the sync engine
// and an HTTP implementation of it. The engine core never talks HTTP
// directly; it sees only Caller and the failure kinds of pkg/fault.
package transport

import (
	"context"
	"encoding/json"
)

// Caller submits one payload to one named remote operation and returns the
// remote response body. Implementations classify every failure into a
// fault.Failure kind so the executor and queue can decide retry behavior
// without knowing the wire protocol.
type Caller interface {
	Call(ctx context.Context, endpoint string, payload json.RawMessage) (json.RawMessage, error)
}

// Func adapts a plain function to the Caller interface.
type Func func(ctx context.Context, endpoint string, payload json.RawMessage) (json.RawMessage, error)

func (f Func) Call(ctx context.Context, endpoint string, payload json.RawMessage) (json.RawMessage, error) {
	return f(ctx, endpoint, payload)
}
