package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/WedSync/sync-engine/pkg/blob"
	"github.com/WedSync/sync-engine/pkg/conflict"
	"github.com/WedSync/sync-engine/pkg/fault"
	"github.com/WedSync/sync-engine/pkg/observability"
	"github.com/WedSync/sync-engine/pkg/resiliency"
	"github.com/WedSync/sync-engine/pkg/schema"
	"github.com/WedSync/sync-engine/pkg/transport"
)

// Hooks let the embedder react to drain outcomes. OnSuccess and OnResolved
// are where the cache gets confirmed or overwritten; OnDeadLetter runs on its
// own goroutine because nothing in the drain should wait on user code.
type Hooks struct {
	OnSuccess    func(ctx context.Context, a *Action, response json.RawMessage)
	OnResolved   func(ctx context.Context, a *Action, res conflict.Resolution)
	OnDeferred   func(ctx context.Context, a *Action)
	OnDeadLetter func(dl DeadLetter)
}

// DrainerOptions tunes a Drainer. Zero values get defaults.
type DrainerOptions struct {
	// MaxWorkers bounds concurrent entity lanes. Default 4.
	MaxWorkers int
	// MaxAttempts is the dead-letter ceiling: an action that has failed
	// this many submissions moves to dead letters. Default 5.
	MaxAttempts int
	// BatchLimit caps how many PENDING actions one pass loads. Default 256.
	BatchLimit int
	// Rate limits submissions per second across all lanes; 0 disables.
	Rate float64
	// Burst for the rate limiter. Default 1 when Rate is set.
	Burst int
	// StaleAfter is the IN_FLIGHT age treated as a crash leftover.
	// Default 5 minutes.
	StaleAfter time.Duration
	// Call overrides the executor options used per submission.
	Call resiliency.Options
	// Compat gates persisted payload versions before submission.
	Compat *schema.Compat
	// Archive, when set, receives a JSON copy of every dead letter.
	Archive blob.Store

	Provider *observability.Provider
	Logger   *slog.Logger
	Hooks    Hooks

	// Now is replaced in tests.
	Now func() time.Time
}

func (o DrainerOptions) withDefaults() DrainerOptions {
	if o.MaxWorkers <= 0 {
		o.MaxWorkers = 4
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.BatchLimit <= 0 {
		o.BatchLimit = 256
	}
	if o.Burst <= 0 {
		o.Burst = 1
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = 5 * time.Minute
	}
	if o.Provider == nil {
		o.Provider = observability.Nop()
	}
	if o.Logger == nil {
		o.Logger = slog.Default().With("component", "queue")
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// DrainResult summarizes one pass.
type DrainResult struct {
	// Claimed counts actions this pass took IN_FLIGHT.
	Claimed int
	// Succeeded counts actions the server accepted.
	Succeeded int
	// Resolved counts conflicts closed without user input.
	Resolved int
	// Deferred counts conflicts parked for a user decision.
	Deferred int
	// Requeued counts actions returned to PENDING for a later pass.
	Requeued int
	// Dead counts actions moved to dead letters.
	Dead int
}

// Drainer pushes PENDING actions to the server. Actions against the same
// entity run strictly in Seq order on one lane; unrelated lanes run in
// parallel up to MaxWorkers, all sharing one rate limiter.
type Drainer struct {
	store    Store
	caller   transport.Caller
	exec     *resiliency.Executor
	resolver *conflict.Resolver
	limiter  *rate.Limiter
	opts     DrainerOptions
	logger   *slog.Logger
	obs      *observability.Provider

	drainMu sync.Mutex
	wg      sync.WaitGroup
}

// NewDrainer wires a Drainer. store, caller, exec and resolver are required.
func NewDrainer(store Store, caller transport.Caller, exec *resiliency.Executor, resolver *conflict.Resolver, opts DrainerOptions) *Drainer {
	opts = opts.withDefaults()
	d := &Drainer{
		store:    store,
		caller:   caller,
		exec:     exec,
		resolver: resolver,
		opts:     opts,
		logger:   opts.Logger,
		obs:      opts.Provider,
	}
	if opts.Rate > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(opts.Rate), opts.Burst)
	}
	return d
}

// RecoverStale returns crash-leftover IN_FLIGHT actions to PENDING. Called
// once at startup, before the first drain.
func (d *Drainer) RecoverStale(ctx context.Context) (int, error) {
	cutoff := d.opts.Now().Add(-d.opts.StaleAfter)
	n, err := d.store.RequeueStaleInFlight(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		d.logger.Info("requeued stale in-flight actions", "count", n)
	}
	return n, nil
}

// Close waits for background dead-letter work to finish.
func (d *Drainer) Close() error {
	d.wg.Wait()
	return nil
}

// Drain runs one pass over the PENDING snapshot. A second concurrent call
// returns ErrDrainInProgress; an empty queue returns a zero result and no
// error.
func (d *Drainer) Drain(ctx context.Context) (DrainResult, error) {
	if !d.drainMu.TryLock() {
		return DrainResult{}, ErrDrainInProgress
	}
	defer d.drainMu.Unlock()

	pending, err := d.store.Pending(ctx, d.opts.BatchLimit)
	if err != nil {
		return DrainResult{}, fmt.Errorf("load pending actions: %w", err)
	}
	if len(pending) == 0 {
		return DrainResult{}, nil
	}

	lanes, order := groupLanes(pending)
	tally := &drainTally{}

	sem := make(chan struct{}, d.opts.MaxWorkers)
	var wg sync.WaitGroup
	for _, entity := range order {
		lane := lanes[entity]
		wg.Add(1)
		sem <- struct{}{}
		go func(lane []*Action) {
			defer wg.Done()
			defer func() { <-sem }()
			d.drainLane(ctx, lane, tally)
		}(lane)
	}
	wg.Wait()

	result := tally.snapshot()
	d.logger.Info("drain pass finished",
		"claimed", result.Claimed,
		"succeeded", result.Succeeded,
		"resolved", result.Resolved,
		"deferred", result.Deferred,
		"requeued", result.Requeued,
		"dead", result.Dead)
	return result, nil
}

// groupLanes partitions a Seq-ordered snapshot by entity, preserving both
// intra-lane order and the first-seen order of entities.
func groupLanes(actions []*Action) (map[string][]*Action, []string) {
	lanes := make(map[string][]*Action)
	var order []string
	for _, a := range actions {
		if _, ok := lanes[a.Entity]; !ok {
			order = append(order, a.Entity)
		}
		lanes[a.Entity] = append(lanes[a.Entity], a)
	}
	return lanes, order
}

type laneOutcome int

const (
	laneNext laneOutcome = iota
	laneAgain
	laneStop
)

func (d *Drainer) drainLane(ctx context.Context, lane []*Action, tally *drainTally) {
	for _, a := range lane {
		resolved := false
		for {
			if ctx.Err() != nil {
				return
			}
			outcome := d.process(ctx, a, resolved, tally)
			if outcome == laneAgain {
				resolved = true
				continue
			}
			if outcome == laneStop {
				return
			}
			break
		}
	}
}

// process submits one action and persists the outcome. laneStop parks the
// whole lane: an action that stays PENDING (or CONFLICTED) must complete
// before anything later for the same entity may run.
func (d *Drainer) process(ctx context.Context, a *Action, resolved bool, tally *drainTally) laneOutcome {
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return laneStop
		}
	}

	now := d.opts.Now()
	claimed, err := d.store.Claim(ctx, a.ID, now)
	if err != nil {
		d.logger.Warn("claim failed", "action_id", a.ID, "error", err)
		return laneStop
	}
	if !claimed {
		// Cancelled, or claimed by another process sharing the store.
		// Either way the lane's order can no longer be guaranteed here.
		return laneStop
	}
	tally.claimed()

	if d.opts.Compat != nil {
		if err := d.opts.Compat.Check(a.Kind(), a.PayloadVersion); err != nil {
			d.deadLetter(ctx, a, a.Attempts, "payload version gate: "+err.Error(), now)
			tally.dead()
			return laneNext
		}
	}

	response, err := resiliency.Execute(ctx, d.exec, a.Endpoint, func(ctx context.Context) (json.RawMessage, error) {
		return d.caller.Call(ctx, a.Endpoint, a.Payload)
	}, d.opts.Call)

	switch {
	case err == nil:
		if cerr := d.store.Complete(ctx, a.ID); cerr != nil {
			d.logger.Warn("complete failed", "action_id", a.ID, "error", cerr)
		}
		d.obs.RecordDrain(ctx, "succeeded")
		if d.opts.Hooks.OnSuccess != nil {
			d.opts.Hooks.OnSuccess(ctx, a, response)
		}
		tally.succeeded()
		return laneNext

	case ctx.Err() != nil:
		// Shutdown mid-submission. The attempt never completed, so it
		// does not count against the ceiling.
		if rerr := d.store.Release(ctx, a.ID); rerr != nil {
			d.logger.Warn("release failed", "action_id", a.ID, "error", rerr)
		}
		return laneStop

	case fault.IsConflict(err):
		return d.handleConflict(ctx, a, err, resolved, now, tally)

	case fault.IsCircuitOpen(err):
		if rerr := d.store.Release(ctx, a.ID); rerr != nil {
			d.logger.Warn("release failed", "action_id", a.ID, "error", rerr)
		}
		d.obs.RecordDrain(ctx, "released")
		tally.requeued()
		return laneStop

	case fault.KindOf(err) == fault.KindNonRetryable:
		// Retrying cannot change a non-retryable answer.
		d.deadLetter(ctx, a, a.Attempts+1, err.Error(), now)
		tally.dead()
		return laneNext

	default:
		attempts, ferr := d.store.Fail(ctx, a.ID, now)
		if ferr != nil {
			d.logger.Warn("fail transition failed", "action_id", a.ID, "error", ferr)
			return laneStop
		}
		if attempts >= d.opts.MaxAttempts {
			d.deadLetter(ctx, a, attempts, fmt.Sprintf("exhausted %d attempts: %v", attempts, err), now)
			tally.dead()
			return laneNext
		}
		d.obs.RecordDrain(ctx, "requeued")
		tally.requeued()
		return laneStop
	}
}

func (d *Drainer) handleConflict(ctx context.Context, a *Action, cause error, resolvedOnce bool, now time.Time, tally *drainTally) laneOutcome {
	remote, _ := fault.RemoteOf(cause)
	if err := d.store.MarkConflicted(ctx, a.ID, remote, now); err != nil {
		d.logger.Warn("mark conflicted failed", "action_id", a.ID, "error", err)
		return laneStop
	}
	d.obs.RecordDrain(ctx, "conflicted")

	if resolvedOnce {
		// The resolved value conflicted again; automation is done here.
		d.logger.Warn("resolved value conflicted again, deferring",
			"action_id", a.ID, "entity", a.Entity)
		if d.opts.Hooks.OnDeferred != nil {
			d.opts.Hooks.OnDeferred(ctx, a)
		}
		tally.deferred()
		return laneStop
	}

	rec := conflict.Record{
		ActionID:   a.ID,
		Entity:     a.Entity,
		Kind:       a.Kind(),
		Local:      a.Payload,
		Remote:     remote,
		DetectedAt: now,
	}

	var (
		res  conflict.Resolution
		rerr error
	)
	if a.Strategy != 0 {
		res, rerr = d.resolver.ResolveWith(ctx, rec, a.Strategy)
	} else {
		res, rerr = d.resolver.Resolve(ctx, rec)
	}
	if rerr != nil {
		d.logger.Warn("conflict resolution failed, deferring",
			"action_id", a.ID, "entity", a.Entity, "error", rerr)
		if d.opts.Hooks.OnDeferred != nil {
			d.opts.Hooks.OnDeferred(ctx, a)
		}
		tally.deferred()
		return laneStop
	}

	switch res.Outcome {
	case conflict.UseRemote:
		if err := d.store.Complete(ctx, a.ID); err != nil {
			d.logger.Warn("complete failed", "action_id", a.ID, "error", err)
		}
		d.obs.RecordDrain(ctx, "resolved")
		if d.opts.Hooks.OnResolved != nil {
			d.opts.Hooks.OnResolved(ctx, a, res)
		}
		tally.resolved()
		return laneNext

	case conflict.UseLocal, conflict.UseMerged:
		// Persist the resolved value before resubmitting so a crash here
		// replays the resolution, not the conflict.
		if err := d.store.Resubmit(ctx, a.ID, res.Value, conflict.LastWriteWins); err != nil {
			d.logger.Warn("resubmit failed", "action_id", a.ID, "error", err)
			return laneStop
		}
		a.Payload = res.Value
		a.Strategy = conflict.LastWriteWins
		a.Attempts = 0
		tally.resolved()
		return laneAgain

	default: // Deferred
		if d.opts.Hooks.OnDeferred != nil {
			d.opts.Hooks.OnDeferred(ctx, a)
		}
		tally.deferred()
		return laneStop
	}
}

func (d *Drainer) deadLetter(ctx context.Context, a *Action, attempts int, reason string, at time.Time) {
	if err := d.store.DeadLetter(ctx, a.ID, reason, at); err != nil {
		d.logger.Warn("dead-letter move failed", "action_id", a.ID, "error", err)
		return
	}
	d.obs.RecordDeadLetter(ctx, a.Endpoint)
	d.obs.RecordDrain(ctx, "dead")
	d.logger.Warn("action dead-lettered",
		"action_id", a.ID,
		"entity", a.Entity,
		"endpoint", a.Endpoint,
		"attempts", attempts,
		"reason", reason)

	dl := DeadLetter{Action: *a, Reason: reason, DeadAt: at}
	dl.Attempts = attempts
	dl.Status = StatusDead

	bg := context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if d.opts.Archive != nil {
			data, err := json.Marshal(dl)
			if err == nil {
				if perr := d.opts.Archive.Put(bg, "dead/"+dl.ID, data); perr != nil {
					d.logger.Warn("dead-letter archive failed", "action_id", dl.ID, "error", perr)
				}
			}
		}
		if d.opts.Hooks.OnDeadLetter != nil {
			d.opts.Hooks.OnDeadLetter(dl)
		}
	}()
}

type drainTally struct {
	mu sync.Mutex
	r  DrainResult
}

func (t *drainTally) claimed()   { t.mu.Lock(); t.r.Claimed++; t.mu.Unlock() }
func (t *drainTally) succeeded() { t.mu.Lock(); t.r.Succeeded++; t.mu.Unlock() }
func (t *drainTally) resolved()  { t.mu.Lock(); t.r.Resolved++; t.mu.Unlock() }
func (t *drainTally) deferred()  { t.mu.Lock(); t.r.Deferred++; t.mu.Unlock() }
func (t *drainTally) requeued()  { t.mu.Lock(); t.r.Requeued++; t.mu.Unlock() }
func (t *drainTally) dead()      { t.mu.Lock(); t.r.Dead++; t.mu.Unlock() }

func (t *drainTally) snapshot() DrainResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.r
}
