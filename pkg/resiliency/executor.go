// Package resiliency executes remote operations with retry, exponential
// backoff with jitter, per-call timeouts and per-endpoint circuit breaking.
// It is the single path every remote call in the engine goes through, both
// interactive reads and queued writes.
package resiliency

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/WedSync/sync-engine/pkg/breaker"
	"github.com/WedSync/sync-engine/pkg/fault"
	"github.com/WedSync/sync-engine/pkg/observability"
)

// Operation is one attempt against a remote endpoint. Implementations must
// honor ctx, which carries the per-attempt timeout.
type Operation[T any] func(ctx context.Context) (T, error)

// Options tune one execution. Zero fields fall back to the executor's
// defaults, then to the package defaults.
type Options struct {
	// MaxAttempts bounds the total tries, first call included.
	MaxAttempts int
	// BaseDelay seeds the exponential backoff.
	BaseDelay time.Duration
	// MaxDelay caps a single backoff pause.
	MaxDelay time.Duration
	// MaxJitter bounds the random spread added to each pause.
	MaxJitter time.Duration
	// CallTimeout bounds one attempt, independent of the caller's deadline.
	CallTimeout time.Duration
	// NonRetryable marks additional errors that must not be retried.
	// Failure kinds NON_RETRYABLE and CONFLICT always stop retries.
	NonRetryable func(error) bool
}

func (o Options) overlay(base Options) Options {
	if o.MaxAttempts == 0 {
		o.MaxAttempts = base.MaxAttempts
	}
	if o.BaseDelay == 0 {
		o.BaseDelay = base.BaseDelay
	}
	if o.MaxDelay == 0 {
		o.MaxDelay = base.MaxDelay
	}
	if o.MaxJitter == 0 {
		o.MaxJitter = base.MaxJitter
	}
	if o.CallTimeout == 0 {
		o.CallTimeout = base.CallTimeout
	}
	if o.NonRetryable == nil {
		o.NonRetryable = base.NonRetryable
	}
	return o
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = 500 * time.Millisecond
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 30 * time.Second
	}
	// Zero means unset; a negative value disables jitter explicitly.
	if o.MaxJitter == 0 {
		o.MaxJitter = 250 * time.Millisecond
	}
	if o.MaxJitter < 0 {
		o.MaxJitter = 0
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = 30 * time.Second
	}
	return o
}

// Executor runs operations under the resilience policy. One instance is
// shared engine-wide; per-endpoint state lives in the breaker registry.
type Executor struct {
	breakers *breaker.Registry
	obs      *observability.Provider
	logger   *slog.Logger
	defaults Options

	// Injected for tests.
	now   func() time.Time
	pause func(ctx context.Context, d time.Duration) error
}

// New creates an executor over the given breaker registry.
func New(breakers *breaker.Registry, obs *observability.Provider, defaults Options) *Executor {
	if obs == nil {
		obs = observability.Nop()
	}
	return &Executor{
		breakers: breakers,
		obs:      obs,
		logger:   slog.Default().With("component", "resiliency"),
		defaults: defaults.withDefaults(),
		now:      time.Now,
		pause:    sleep,
	}
}

// Breakers exposes the registry for introspection.
func (e *Executor) Breakers() *breaker.Registry { return e.breakers }

// Execute runs op against endpoint under the resilience policy. The circuit
// is checked before any attempt: an OPEN circuit still in cooldown rejects
// with a CIRCUIT_OPEN failure and op is never invoked. Transient failures
// are retried with backoff; NON_RETRYABLE and CONFLICT failures stop
// immediately. Exhausting all attempts on transient failures counts one
// failure against the endpoint's circuit.
func Execute[T any](ctx context.Context, e *Executor, endpoint string, op Operation[T], opts Options) (T, error) {
	var zero T
	// Defaults were resolved at construction, so overlay alone fills every
	// unset field. Negative jitter means the caller disabled it.
	opts = opts.overlay(e.defaults)
	if opts.MaxJitter < 0 {
		opts.MaxJitter = 0
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}

	br := e.breakers.Get(endpoint)
	if err := br.Allow(e.now()); err != nil {
		e.logger.Debug("circuit rejected call", "endpoint", endpoint, "reason", err)
		return zero, fault.CircuitOpen(endpoint, err)
	}

	backoff := Backoff{Base: opts.BaseDelay, Max: opts.MaxDelay, MaxJitter: opts.MaxJitter}

	var lastErr error
	for attempt := 0; attempt < opts.MaxAttempts; attempt++ {
		if attempt > 0 {
			e.obs.RecordRetry(ctx, endpoint, attempt)
		}

		attemptCtx, cancel := context.WithTimeout(ctx, opts.CallTimeout)
		start := e.now()
		result, err := op(attemptCtx)
		cancel()

		e.obs.RecordCall(ctx, endpoint)
		e.obs.RecordDuration(ctx, endpoint, e.now().Sub(start))

		if err == nil {
			br.Success()
			return result, nil
		}
		e.obs.RecordError(ctx, endpoint, err)
		lastErr = err

		// The caller gave up; the endpoint's health is unknown, so leave
		// the circuit untouched and surface the cancellation.
		if ctx.Err() != nil {
			return zero, fault.Transient(endpoint, ctx.Err())
		}

		if stops(err, opts.NonRetryable) {
			// The server answered, just not with what we wanted. That is
			// a healthy endpoint as far as the circuit is concerned.
			br.Success()
			return zero, ensureFault(endpoint, err)
		}

		if attempt == opts.MaxAttempts-1 {
			break
		}

		delay := backoff.Delay(attempt)
		e.logger.Debug("retrying after transient failure",
			"endpoint", endpoint, "attempt", attempt+1, "delay", delay, "error", err)
		if err := e.pause(ctx, delay); err != nil {
			return zero, fault.Transient(endpoint, err)
		}
	}

	if opened := br.Failure(e.now()); opened {
		e.obs.RecordCircuitTransition(ctx, endpoint, string(breaker.StateOpen))
		observability.AddSpanEvent(ctx, "circuit.opened", observability.AttrEndpoint.String(endpoint))
		e.logger.Warn("circuit opened", "endpoint", endpoint)
	}
	return zero, ensureFault(endpoint, lastErr)
}

// Do is the non-generic convenience for raw JSON operations.
func (e *Executor) Do(ctx context.Context, endpoint string, op Operation[json.RawMessage], opts Options) (json.RawMessage, error) {
	return Execute(ctx, e, endpoint, op, opts)
}

// stops reports whether err terminates the retry loop.
func stops(err error, extra func(error) bool) bool {
	switch fault.KindOf(err) {
	case fault.KindNonRetryable, fault.KindConflict:
		return true
	}
	return extra != nil && extra(err)
}

// ensureFault guarantees callers always see a classified failure, wrapping
// bare errors from hand-written operations as transient.
func ensureFault(endpoint string, err error) error {
	var f *fault.Failure
	if errors.As(err, &f) {
		return err
	}
	return fault.Transient(endpoint, err)
}
