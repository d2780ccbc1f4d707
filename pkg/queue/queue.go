// Package queue is the durable offline action queue. Writes made while the
// network is down are persisted here first, then drained to the server in
// strict per-entity order once connectivity returns. An action survives
// process crashes from the moment Enqueue returns.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/WedSync/sync-engine/pkg/conflict"
)

// Status is the lifecycle state of a queued action.
type Status string

const (
	// StatusPending means the action waits for the next drain pass.
	StatusPending Status = "PENDING"
	// StatusInFlight means a drain worker has claimed the action.
	StatusInFlight Status = "IN_FLIGHT"
	// StatusConflicted means the server rejected the action because its
	// state diverged; the action is parked until resolution.
	StatusConflicted Status = "CONFLICTED"
	// StatusDead marks an action moved to dead-letter storage.
	StatusDead Status = "DEAD"
)

var (
	// ErrNotFound is returned when no action has the given id.
	ErrNotFound = errors.New("action not found")
	// ErrNotPending is returned by Cancel and Claim-like transitions when
	// the action exists but is not in the required state.
	ErrNotPending = errors.New("action is not pending")
	// ErrNotConflicted is returned by Resubmit when the action is not
	// parked on a conflict.
	ErrNotConflicted = errors.New("action is not conflicted")
	// ErrDrainInProgress is returned by Drain when another drain pass is
	// already running; callers simply try again later.
	ErrDrainInProgress = errors.New("drain already in progress")
)

// Action is one queued write. Seq is assigned by the store and is the
// authoritative order for actions against the same entity; IDs are UUIDv7 so
// they sort roughly by time as well.
type Action struct {
	ID             string
	Seq            int64
	Op             string
	Entity         string
	Payload        json.RawMessage
	PayloadVersion string
	Endpoint       string
	Strategy       conflict.Strategy
	EnqueuedAt     time.Time
	Attempts       int
	LastAttemptAt  time.Time
	Status         Status
	// Remote holds the server's value when Status is CONFLICTED.
	Remote json.RawMessage
}

// Kind extracts the entity kind from an Entity reference like "guest:42".
func (a *Action) Kind() string {
	if i := strings.IndexByte(a.Entity, ':'); i >= 0 {
		return a.Entity[:i]
	}
	return a.Entity
}

// NewID returns a UUIDv7 action id.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// DeadLetter is an action that exhausted its attempts or failed permanently.
type DeadLetter struct {
	Action
	Reason string
	DeadAt time.Time
}

// Stats summarizes the queue for operators.
type Stats struct {
	Pending    int
	InFlight   int
	Conflicted int
	Dead       int
}

// Store persists actions and dead letters. Implementations must never
// reorder PENDING actions for the same entity: Pending returns them in Seq
// order and Seq is immutable once assigned.
type Store interface {
	// Enqueue persists a new PENDING action and assigns its Seq.
	Enqueue(ctx context.Context, a *Action) error
	// Get returns the action with the given id regardless of status.
	Get(ctx context.Context, id string) (*Action, error)
	// Pending returns up to limit PENDING actions ordered by Seq.
	Pending(ctx context.Context, limit int) ([]*Action, error)
	// Conflicted returns all CONFLICTED actions ordered by Seq.
	Conflicted(ctx context.Context) ([]*Action, error)
	// Claim transitions PENDING → IN_FLIGHT and stamps the attempt time.
	// It reports false when the action is no longer PENDING, which is not
	// an error: another path (cancel, concurrent drain) won the race.
	Claim(ctx context.Context, id string, at time.Time) (bool, error)
	// Complete removes a finished action.
	Complete(ctx context.Context, id string) error
	// Fail transitions IN_FLIGHT → PENDING, increments the attempt count
	// and returns the new count.
	Fail(ctx context.Context, id string, at time.Time) (int, error)
	// Release transitions IN_FLIGHT → PENDING without counting an
	// attempt, for submissions that never reached the server.
	Release(ctx context.Context, id string) error
	// MarkConflicted transitions IN_FLIGHT → CONFLICTED and stores the
	// server's value next to the action.
	MarkConflicted(ctx context.Context, id string, remote json.RawMessage, at time.Time) error
	// Resubmit rewrites a CONFLICTED action with the resolved payload and
	// strategy, resets its attempts, and returns it to PENDING.
	Resubmit(ctx context.Context, id string, payload json.RawMessage, strategy conflict.Strategy) error
	// Cancel removes a PENDING action. ErrNotPending if it is in flight,
	// conflicted, or already gone from the active table.
	Cancel(ctx context.Context, id string) error
	// RequeueStaleInFlight returns IN_FLIGHT actions whose attempt
	// started before cutoff to PENDING, reporting how many moved.
	RequeueStaleInFlight(ctx context.Context, cutoff time.Time) (int, error)
	// DeadLetter moves an action from the active table to dead letters.
	DeadLetter(ctx context.Context, id, reason string, at time.Time) error
	// DeadLetters lists dead letters, newest first, up to limit.
	DeadLetters(ctx context.Context, limit int) ([]*DeadLetter, error)
	// RequeueDead moves a dead letter back to the active table as PENDING
	// with zero attempts.
	RequeueDead(ctx context.Context, id string) error
	// Size counts actions in the active table, whatever their status.
	Size(ctx context.Context) (int, error)
	// Stats counts actions by status, including dead letters.
	Stats(ctx context.Context) (Stats, error)
}
