// Package breaker implements per-endpoint circuit breaking. One Breaker guards
// one logical remote operation name; a Registry owns the process-wide set and
// hands them out lazily. Only CLOSED permits unrestricted calls; OPEN rejects
// until the cooldown elapses, then exactly one probe is admitted (HALF_OPEN).
// A probe success closes the circuit, a probe failure re-opens it with an
// extended cooldown.
package breaker

import (
	"errors"
	"sync"
	"time"
)

// State is the circuit state of a single endpoint.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

var (
	// ErrOpen is returned while the cooldown has not elapsed.
	ErrOpen = errors.New("circuit open")
	// ErrProbeInFlight is returned to callers that lose the HALF_OPEN probe slot.
	ErrProbeInFlight = errors.New("circuit half-open: probe in flight")
)

// Options tune a Breaker. Zero values fall back to defaults.
type Options struct {
	// Threshold is the consecutive-failure count that opens the circuit.
	Threshold int
	// Cooldown is the initial OPEN duration before a probe is admitted.
	Cooldown time.Duration
	// CooldownFactor multiplies the cooldown after each failed probe.
	CooldownFactor float64
	// MaxCooldown caps the extended cooldown.
	MaxCooldown time.Duration
}

func (o Options) withDefaults() Options {
	if o.Threshold <= 0 {
		o.Threshold = 5
	}
	if o.Cooldown <= 0 {
		o.Cooldown = 30 * time.Second
	}
	if o.CooldownFactor < 1 {
		o.CooldownFactor = 2
	}
	if o.MaxCooldown <= 0 {
		o.MaxCooldown = 5 * time.Minute
	}
	return o
}

// Breaker is the state machine for one endpoint. All mutations run under the
// breaker's own mutex; breakers for different endpoints never contend.
type Breaker struct {
	mu sync.Mutex

	opts Options

	state        State
	failures     int
	lastFailure  time.Time
	cooldown     time.Duration
	probing      bool
	probeStarted time.Time
}

func newBreaker(opts Options) *Breaker {
	opts = opts.withDefaults()
	return &Breaker{opts: opts, state: StateClosed, cooldown: opts.Cooldown}
}

// Allow reports whether a call may proceed right now. A nil return from an
// OPEN circuit whose cooldown elapsed means the caller holds the single
// HALF_OPEN probe slot and must report the outcome via Success or Failure.
func (b *Breaker) Allow(now time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if now.Sub(b.lastFailure) < b.cooldown {
			return ErrOpen
		}
		b.state = StateHalfOpen
		b.probing = true
		b.probeStarted = now
		return nil
	case StateHalfOpen:
		if b.probing {
			// A probe abandoned longer than the cooldown is reclaimable;
			// its owner crashed or its context was cancelled mid-flight.
			if now.Sub(b.probeStarted) > b.cooldown {
				b.probeStarted = now
				return nil
			}
			return ErrProbeInFlight
		}
		b.probing = true
		b.probeStarted = now
		return nil
	}
	return nil
}

// Success records a successful call and closes the circuit.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
	b.probing = false
	b.cooldown = b.opts.Cooldown
}

// Failure records an exhausted execution. It returns true when this failure
// transitioned the circuit to OPEN, so callers can emit a single event per
// transition. A HALF_OPEN probe failure re-opens with an extended cooldown.
func (b *Breaker) Failure(now time.Time) (opened bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = now

	if b.state == StateHalfOpen {
		b.state = StateOpen
		b.probing = false
		next := time.Duration(float64(b.cooldown) * b.opts.CooldownFactor)
		if next > b.opts.MaxCooldown {
			next = b.opts.MaxCooldown
		}
		b.cooldown = next
		return true
	}

	if b.state == StateClosed && b.failures >= b.opts.Threshold {
		b.state = StateOpen
		return true
	}
	return false
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot is a read-only view for introspection and events.
type Snapshot struct {
	State       State
	Failures    int
	LastFailure time.Time
	Cooldown    time.Duration
}

// Snapshot returns the breaker's current counters.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{State: b.state, Failures: b.failures, LastFailure: b.lastFailure, Cooldown: b.cooldown}
}

// Registry owns the per-endpoint breakers for one engine instance. There is no
// implicit singleton: tests construct a fresh Registry per case.
type Registry struct {
	mu       sync.RWMutex
	opts     Options
	breakers map[string]*Breaker
}

// NewRegistry creates an empty registry whose breakers share opts.
func NewRegistry(opts Options) *Registry {
	return &Registry{opts: opts.withDefaults(), breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for endpoint, creating it on first use.
func (r *Registry) Get(endpoint string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[endpoint]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[endpoint]; ok {
		return b
	}
	b = newBreaker(r.opts)
	r.breakers[endpoint] = b
	return b
}

// Evict drops an endpoint's state. Circuit state is reconstructible from
// zero, so eviction under memory pressure is always safe.
func (r *Registry) Evict(endpoint string) {
	r.mu.Lock()
	delete(r.breakers, endpoint)
	r.mu.Unlock()
}

// Endpoints lists the endpoints with live state, for introspection.
func (r *Registry) Endpoints() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		out = append(out, name)
	}
	return out
}
