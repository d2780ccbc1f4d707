// Package conflict decides what happens when a locally queued write and the
// server's copy of the same entity have diverged. A Resolver maps each
// payload kind to a Strategy and produces a Resolution that callers apply to
// the cache and the action queue.
package conflict

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/WedSync/sync-engine/pkg/observability"
)

// Strategy is the closed set of resolution policies. There is no "custom"
// escape hatch: anything a Merge function cannot reconcile falls back to
// UserChoice rather than inventing a fifth behavior.
type Strategy uint8

const (
	// LastWriteWins applies the local value regardless of timestamps.
	LastWriteWins Strategy = iota + 1
	// ServerWins discards the local value and drops the queued action.
	ServerWins
	// Merge combines non-overlapping fields from both sides via a
	// registered MergeFunc.
	Merge
	// UserChoice defers: the conflict is recorded and the action is held
	// until an explicit decision arrives.
	UserChoice
)

func (s Strategy) String() string {
	switch s {
	case LastWriteWins:
		return "last-write-wins"
	case ServerWins:
		return "server-wins"
	case Merge:
		return "merge"
	case UserChoice:
		return "user-choice"
	default:
		return fmt.Sprintf("strategy(%d)", uint8(s))
	}
}

// ParseStrategy maps a config token to a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch s {
	case "last-write-wins", "lww":
		return LastWriteWins, nil
	case "server-wins":
		return ServerWins, nil
	case "merge":
		return Merge, nil
	case "user-choice":
		return UserChoice, nil
	default:
		return 0, fmt.Errorf("unknown conflict strategy %q", s)
	}
}

// Outcome says what the caller should do with Resolution.Value.
type Outcome uint8

const (
	// UseLocal means the local value stands; push it to the server.
	UseLocal Outcome = iota + 1
	// UseRemote means the server value stands; drop the queued action and
	// overwrite the cache.
	UseRemote
	// UseMerged means Resolution.Value carries a combined document that
	// replaces both sides.
	UseMerged
	// Deferred means no value was chosen. The record must be kept and the
	// action parked until SubmitDecision supplies one.
	Deferred
)

func (o Outcome) String() string {
	switch o {
	case UseLocal:
		return "use-local"
	case UseRemote:
		return "use-remote"
	case UseMerged:
		return "use-merged"
	case Deferred:
		return "deferred"
	default:
		return fmt.Sprintf("outcome(%d)", uint8(o))
	}
}

// Record captures one detected divergence. Kind selects the strategy and
// merge function; Entity identifies the row the values belong to.
type Record struct {
	ActionID   string
	Entity     string
	Kind       string
	Local      json.RawMessage
	Remote     json.RawMessage
	DetectedAt time.Time
}

// Resolution is the resolver's verdict. Value is nil when Outcome is
// Deferred.
type Resolution struct {
	Outcome Outcome
	Applied Strategy
	Value   json.RawMessage
}

// ErrCannotReconcile is returned (usually wrapped) by a MergeFunc when both
// sides changed the same field to different values. The resolver converts it
// into a Deferred resolution instead of surfacing it to the caller.
var ErrCannotReconcile = errors.New("conflicting fields cannot be reconciled")

// MergeFunc combines the decoded fields of both sides into one document.
// Returning ErrCannotReconcile (wrapped is fine) defers to user choice; any
// other error aborts resolution.
type MergeFunc func(local, remote map[string]json.RawMessage) (map[string]json.RawMessage, error)

// Config wires a Resolver. Strategies maps payload kinds to policies;
// anything absent uses Default. Merges supplies per-kind merge functions for
// kinds resolved with Merge.
type Config struct {
	Default    Strategy
	Strategies map[string]Strategy
	Merges     map[string]MergeFunc
	Provider   *observability.Provider
	Logger     *slog.Logger
}

// Resolver applies the configured strategy for a record's kind. Resolve has
// no side effects on either value: LastWriteWins, ServerWins and Merge are
// pure decisions, and Deferred leaves both sides untouched.
type Resolver struct {
	def        Strategy
	strategies map[string]Strategy
	merges     map[string]MergeFunc
	obs        *observability.Provider
	logger     *slog.Logger
}

// NewResolver builds a Resolver from cfg. A zero Default falls back to
// LastWriteWins, matching the optimistic bias of the rest of the engine.
func NewResolver(cfg Config) *Resolver {
	if cfg.Default == 0 {
		cfg.Default = LastWriteWins
	}
	if cfg.Provider == nil {
		cfg.Provider = observability.Nop()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default().With("component", "conflict")
	}
	return &Resolver{
		def:        cfg.Default,
		strategies: cfg.Strategies,
		merges:     cfg.Merges,
		obs:        cfg.Provider,
		logger:     cfg.Logger,
	}
}

// StrategyFor reports the strategy that Resolve would apply for a kind.
func (r *Resolver) StrategyFor(kind string) Strategy {
	if s, ok := r.strategies[kind]; ok {
		return s
	}
	return r.def
}

// Resolve decides rec under the strategy registered for its kind.
func (r *Resolver) Resolve(ctx context.Context, rec Record) (Resolution, error) {
	return r.ResolveWith(ctx, rec, r.StrategyFor(rec.Kind))
}

// ResolveWith decides rec under an explicit strategy. The queue uses this to
// replay a user decision: the chosen value becomes rec.Local and the
// strategy is forced to LastWriteWins so the decision cannot conflict again.
func (r *Resolver) ResolveWith(ctx context.Context, rec Record, strategy Strategy) (Resolution, error) {
	res, err := r.apply(rec, strategy)
	if err != nil {
		return Resolution{}, err
	}
	r.obs.RecordConflict(ctx, res.Applied.String(), res.Outcome.String())
	if res.Outcome == Deferred {
		r.logger.Info("conflict deferred to user choice",
			"action_id", rec.ActionID,
			"entity", rec.Entity,
			"kind", rec.Kind,
			"strategy", strategy.String())
	}
	return res, nil
}

func (r *Resolver) apply(rec Record, strategy Strategy) (Resolution, error) {
	switch strategy {
	case LastWriteWins:
		return Resolution{Outcome: UseLocal, Applied: LastWriteWins, Value: rec.Local}, nil
	case ServerWins:
		return Resolution{Outcome: UseRemote, Applied: ServerWins, Value: rec.Remote}, nil
	case Merge:
		return r.merge(rec)
	case UserChoice:
		return Resolution{Outcome: Deferred, Applied: UserChoice}, nil
	default:
		return Resolution{}, fmt.Errorf("entity %s: invalid conflict strategy %d", rec.Entity, uint8(strategy))
	}
}

func (r *Resolver) merge(rec Record) (Resolution, error) {
	fn, ok := r.merges[rec.Kind]
	if !ok {
		r.logger.Warn("no merge function registered, deferring", "kind", rec.Kind, "entity", rec.Entity)
		return Resolution{Outcome: Deferred, Applied: UserChoice}, nil
	}

	local, lerr := decodeFields(rec.Local)
	remote, rerr := decodeFields(rec.Remote)
	if lerr != nil || rerr != nil {
		// A side that is not a JSON object has no fields to merge.
		r.logger.Warn("value is not mergeable, deferring",
			"kind", rec.Kind, "entity", rec.Entity,
			"local_err", lerr, "remote_err", rerr)
		return Resolution{Outcome: Deferred, Applied: UserChoice}, nil
	}

	merged, err := fn(local, remote)
	if errors.Is(err, ErrCannotReconcile) {
		r.logger.Warn("merge could not reconcile, deferring",
			"kind", rec.Kind, "entity", rec.Entity, "reason", err.Error())
		return Resolution{Outcome: Deferred, Applied: UserChoice}, nil
	}
	if err != nil {
		return Resolution{}, fmt.Errorf("entity %s: merge %q: %w", rec.Entity, rec.Kind, err)
	}

	value, err := json.Marshal(merged)
	if err != nil {
		return Resolution{}, fmt.Errorf("entity %s: encode merged value: %w", rec.Entity, err)
	}
	return Resolution{Outcome: UseMerged, Applied: Merge, Value: value}, nil
}

// decodeFields splits a JSON object into its top-level fields.
func decodeFields(raw json.RawMessage) (map[string]json.RawMessage, error) {
	if len(raw) == 0 {
		return map[string]json.RawMessage{}, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("not a JSON object: %w", err)
	}
	if fields == nil {
		fields = map[string]json.RawMessage{}
	}
	return fields, nil
}
