// Package fault defines the typed failure taxonomy shared by every component
// that talks to the network: transient failures are retried, non-retryable
// failures propagate immediately, conflicts route to the resolver, circuit-open
// fails fast without a network call, and queue-exhausted is terminal.
package fault

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind classifies a failure for retry and routing decisions.
type Kind string

const (
	// KindUnknown covers errors produced outside the engine.
	KindUnknown Kind = "UNKNOWN"
	// KindTransient indicates a failure that may succeed on retry (timeout, 5xx-equivalent).
	KindTransient Kind = "TRANSIENT"
	// KindNonRetryable indicates a permanent failure (validation, authorization).
	KindNonRetryable Kind = "NON_RETRYABLE"
	// KindConflict indicates the server's state diverged from what the caller assumed.
	KindConflict Kind = "CONFLICT"
	// KindCircuitOpen indicates the call was rejected before reaching the network.
	KindCircuitOpen Kind = "CIRCUIT_OPEN"
	// KindQueueExhausted indicates a queued action used up its attempt ceiling.
	KindQueueExhausted Kind = "QUEUE_EXHAUSTED"
)

// Failure is the engine's error surface. Endpoint names the logical remote
// operation; Remote carries the server's snapshot for conflicts.
type Failure struct {
	Kind     Kind
	Endpoint string
	Remote   json.RawMessage
	Err      error
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return fmt.Sprintf("%s: %s", f.Endpoint, f.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", f.Endpoint, f.Kind, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// Retryable reports whether the executor may attempt the call again.
func (f *Failure) Retryable() bool { return f.Kind == KindTransient }

// Transient wraps err as a retryable failure.
func Transient(endpoint string, err error) *Failure {
	return &Failure{Kind: KindTransient, Endpoint: endpoint, Err: err}
}

// NonRetryable wraps err as a permanent failure.
func NonRetryable(endpoint string, err error) *Failure {
	return &Failure{Kind: KindNonRetryable, Endpoint: endpoint, Err: err}
}

// Conflict wraps err as a divergence signal carrying the server's current value.
func Conflict(endpoint string, remote json.RawMessage, err error) *Failure {
	return &Failure{Kind: KindConflict, Endpoint: endpoint, Remote: remote, Err: err}
}

// CircuitOpen marks a call rejected by the breaker; no network call was made.
func CircuitOpen(endpoint string, err error) *Failure {
	return &Failure{Kind: KindCircuitOpen, Endpoint: endpoint, Err: err}
}

// QueueExhausted marks an action that reached its attempt ceiling.
func QueueExhausted(endpoint string, err error) *Failure {
	return &Failure{Kind: KindQueueExhausted, Endpoint: endpoint, Err: err}
}

// KindOf extracts the Kind from err's chain, or KindUnknown.
func KindOf(err error) Kind {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	return KindUnknown
}

// RemoteOf extracts the server snapshot from a conflict failure in err's chain.
func RemoteOf(err error) (json.RawMessage, bool) {
	var f *Failure
	if errors.As(err, &f) && f.Kind == KindConflict {
		return f.Remote, true
	}
	return nil, false
}

// IsTransient reports whether err's chain carries a retryable failure.
func IsTransient(err error) bool { return KindOf(err) == KindTransient }

// IsConflict reports whether err's chain carries a divergence signal.
func IsConflict(err error) bool { return KindOf(err) == KindConflict }

// IsCircuitOpen reports whether err's chain carries a breaker rejection.
func IsCircuitOpen(err error) bool { return KindOf(err) == KindCircuitOpen }
