// Package engine is the embedder-facing facade. It owns the read path
// (cache, then a resilient remote fetch, then network-aware trimming), the
// write path (validate, enqueue durably, update the cache optimistically) and
// the background drain that pushes queued writes when connectivity allows.
//
// One Engine instance serves one logical client. All methods are safe for
// concurrent use.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/WedSync/sync-engine/pkg/adapt"
	"github.com/WedSync/sync-engine/pkg/blob"
	"github.com/WedSync/sync-engine/pkg/breaker"
	"github.com/WedSync/sync-engine/pkg/cache"
	"github.com/WedSync/sync-engine/pkg/conflict"
	"github.com/WedSync/sync-engine/pkg/fault"
	"github.com/WedSync/sync-engine/pkg/netstate"
	"github.com/WedSync/sync-engine/pkg/observability"
	"github.com/WedSync/sync-engine/pkg/queue"
	"github.com/WedSync/sync-engine/pkg/resiliency"
	"github.com/WedSync/sync-engine/pkg/schema"
	"github.com/WedSync/sync-engine/pkg/transport"
)

// ErrOffline is returned (wrapped as a transient failure) when a read misses
// the cache while the network feed reports offline. Retrying after
// connectivity returns is expected to succeed, so the transient kind fits.
var ErrOffline = errors.New("offline and not cached")

// Options wires an Engine. Store and Caller are required; everything else
// has a sensible zero-value fallback so tests and small embedders can stay
// terse.
type Options struct {
	// Store persists the offline action queue.
	Store queue.Store
	// Caller submits reads and queued writes to the server.
	Caller transport.Caller

	// Cache holds entity state across tiers. Nil gets a memory-only cache
	// sized for a single process.
	Cache *cache.Cache
	// Executor runs every remote call. Nil gets one with package defaults
	// and a fresh breaker registry.
	Executor *resiliency.Executor
	// Resolver decides conflicts. Nil gets a last-write-wins resolver.
	Resolver *conflict.Resolver
	// Adapter trims read responses by network quality. Nil gets the
	// default collection-capping policy for every kind.
	Adapter *adapt.Adapter
	// Validator checks write payloads against registered schemas before
	// they are queued. Nil skips validation.
	Validator *schema.Validator
	// Compat gates queued payload versions at drain time.
	Compat *schema.Compat
	// Net feeds connectivity transitions. Nil gets a feed pinned online
	// with unknown quality.
	Net *netstate.Feed
	// Archive receives JSON copies of dead letters.
	Archive blob.Store

	// Namespace prefixes every cache key. Default "sync".
	Namespace string
	// CacheTTL is the default lifetime for cached values; individual
	// tiers still cap it. Default 24h.
	CacheTTL time.Duration
	// Call tunes the read-path executor options.
	Call resiliency.Options
	// Drain tunes the background drainer. Archive, Compat, Provider,
	// Logger and Hooks are filled in by the engine.
	Drain queue.DrainerOptions
	// Hooks are invoked after the engine's own cache bookkeeping.
	Hooks queue.Hooks

	Provider *observability.Provider
	Logger   *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Provider == nil {
		o.Provider = observability.Nop()
	}
	if o.Logger == nil {
		o.Logger = slog.Default().With("component", "engine")
	}
	if o.Cache == nil {
		o.Cache = cache.New([]cache.Tier{cache.NewMemoryTier(2048, 24*time.Hour)}, cache.Options{Provider: o.Provider})
	}
	if o.Executor == nil {
		o.Executor = resiliency.New(breaker.NewRegistry(breaker.Options{}), o.Provider, resiliency.Options{})
	}
	if o.Resolver == nil {
		o.Resolver = conflict.NewResolver(conflict.Config{Provider: o.Provider, Logger: o.Logger.With("component", "conflict")})
	}
	if o.Adapter == nil {
		o.Adapter = adapt.NewAdapter(adapt.DefaultPolicy(), nil)
	}
	if o.Net == nil {
		o.Net = netstate.NewFeed(netstate.Status{Online: true, Class: netstate.ClassUnknown})
	}
	if o.Namespace == "" {
		o.Namespace = "sync"
	}
	if o.CacheTTL <= 0 {
		o.CacheTTL = 24 * time.Hour
	}
	return o
}

// Engine coordinates the cache, the offline queue and the resilient
// transport behind one API.
type Engine struct {
	store     queue.Store
	caller    transport.Caller
	cache     *cache.Cache
	exec      *resiliency.Executor
	resolver  *conflict.Resolver
	adapter   *adapt.Adapter
	validator *schema.Validator
	drainer   *queue.Drainer
	net       *netstate.Feed
	obs       *observability.Provider
	logger    *slog.Logger

	namespace string
	cacheTTL  time.Duration
	callOpts  resiliency.Options

	drainCh chan struct{}
	online  atomic.Bool
	cancel  context.CancelFunc
	unsub   func()
	bg      sync.WaitGroup

	startMu sync.Mutex
	started bool

	closeOnce sync.Once
	closeErr  error

	// Resources FromConfig opened on the engine's behalf.
	owned []func() error
}

// New assembles an Engine. It does not start background work; call Start.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, errors.New("engine needs a queue store")
	}
	if opts.Caller == nil {
		return nil, errors.New("engine needs a transport caller")
	}
	opts = opts.withDefaults()

	e := &Engine{
		store:     opts.Store,
		caller:    opts.Caller,
		cache:     opts.Cache,
		exec:      opts.Executor,
		resolver:  opts.Resolver,
		adapter:   opts.Adapter,
		validator: opts.Validator,
		net:       opts.Net,
		obs:       opts.Provider,
		logger:    opts.Logger,
		namespace: opts.Namespace,
		cacheTTL:  opts.CacheTTL,
		callOpts:  opts.Call,
		drainCh:   make(chan struct{}, 1),
	}
	e.online.Store(opts.Net.Current().Online)

	drainOpts := opts.Drain
	drainOpts.Compat = opts.Compat
	drainOpts.Archive = opts.Archive
	drainOpts.Provider = opts.Provider
	drainOpts.Logger = opts.Logger.With("component", "queue")
	drainOpts.Hooks = e.wrapHooks(opts.Hooks)
	e.drainer = queue.NewDrainer(opts.Store, opts.Caller, opts.Executor, opts.Resolver, drainOpts)

	return e, nil
}

// wrapHooks layers the engine's cache bookkeeping under the embedder's
// callbacks: the cache reflects every drain outcome before user code sees it.
func (e *Engine) wrapHooks(user queue.Hooks) queue.Hooks {
	return queue.Hooks{
		OnSuccess: func(ctx context.Context, a *queue.Action, response json.RawMessage) {
			value := response
			if len(value) == 0 {
				value = a.Payload
			}
			if err := e.cache.Confirm(ctx, e.entityKey(a.Entity), value, e.cacheTTL); err != nil {
				e.logger.Warn("cache confirm failed", "entity", a.Entity, "error", err)
			}
			if user.OnSuccess != nil {
				user.OnSuccess(ctx, a, response)
			}
		},
		OnResolved: func(ctx context.Context, a *queue.Action, res conflict.Resolution) {
			key := e.entityKey(a.Entity)
			switch res.Outcome {
			case conflict.UseRemote:
				if err := e.cache.Confirm(ctx, key, res.Value, e.cacheTTL); err != nil {
					e.logger.Warn("cache confirm failed", "entity", a.Entity, "error", err)
				}
			case conflict.UseLocal, conflict.UseMerged:
				// The resolved value is resubmitted, so it stays
				// provisional until the server accepts it.
				if err := e.cache.SetProvisional(ctx, key, res.Value, e.cacheTTL); err != nil {
					e.logger.Warn("cache update failed", "entity", a.Entity, "error", err)
				}
			}
			if user.OnResolved != nil {
				user.OnResolved(ctx, a, res)
			}
		},
		OnDeferred: func(ctx context.Context, a *queue.Action) {
			if user.OnDeferred != nil {
				user.OnDeferred(ctx, a)
			}
		},
		OnDeadLetter: func(dl queue.DeadLetter) {
			// The optimistic value never became true; drop it so the
			// next read fetches the server's state.
			if err := e.cache.Invalidate(context.Background(), e.entityKey(dl.Entity)); err != nil {
				e.logger.Warn("cache invalidate failed", "entity", dl.Entity, "error", err)
			}
			if user.OnDeadLetter != nil {
				user.OnDeadLetter(dl)
			}
		},
	}
}

// Start recovers actions stranded in flight by a previous crash, subscribes
// to connectivity transitions and launches the background drain worker.
func (e *Engine) Start(ctx context.Context) error {
	e.startMu.Lock()
	defer e.startMu.Unlock()
	if e.started {
		return errors.New("engine already started")
	}

	requeued, err := e.drainer.RecoverStale(ctx)
	if err != nil {
		return fmt.Errorf("recover stale actions: %w", err)
	}
	if requeued > 0 {
		e.logger.Info("recovered stale in-flight actions", "count", requeued)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.cancel = cancel
	e.unsub = e.net.Subscribe(func(st netstate.Status) {
		was := e.online.Swap(st.Online)
		if !was && st.Online {
			e.logger.Info("connectivity restored, draining queue", "class", st.Class)
			e.requestDrain()
		}
	})
	e.bg.Add(1)
	go e.drainLoop(runCtx)

	if e.net.Current().Online {
		e.requestDrain()
	}
	e.started = true
	return nil
}

// Close stops background work and releases owned resources. Safe to call
// more than once and without Start.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		if e.cancel != nil {
			e.cancel()
		}
		if e.unsub != nil {
			e.unsub()
		}
		e.bg.Wait()
		e.drainer.Close()
		e.closeErr = e.cache.Close()
		for _, closeFn := range e.owned {
			if err := closeFn(); err != nil && e.closeErr == nil {
				e.closeErr = err
			}
		}
	})
	return e.closeErr
}

// Feed exposes the connectivity feed so platform code can push transitions.
func (e *Engine) Feed() *netstate.Feed { return e.net }

// ReadRequest describes one read. Exactly one of Entity or Identity names
// the cache slot: Entity reads the entity-state key that writes also use,
// Identity derives a key from arbitrary query parameters.
type ReadRequest struct {
	// Endpoint is the remote operation used on a cache miss.
	Endpoint string
	// Kind selects the trimming policy, e.g. "guest". Empty falls back to
	// the kind prefix of Entity.
	Kind string
	// Entity is an entity reference like "guest:42".
	Entity string
	// Identity is canonicalized into the cache key for list and query
	// reads, e.g. a filter struct.
	Identity any
	// Payload is the request body sent on a miss.
	Payload json.RawMessage
	// TTL overrides the engine default for caching the response.
	TTL time.Duration
	// Refresh bypasses the cache and forces a remote fetch.
	Refresh bool
	// ReduceData forces minimal trimming regardless of measured quality.
	ReduceData bool
}

// ReadResult is a read's payload plus where it came from and how much of it
// survived trimming.
type ReadResult struct {
	Value json.RawMessage
	Mode  adapt.Mode
	// Origin is the serving cache tier, or "remote".
	Origin string
	// Provisional marks values from writes the server has not confirmed.
	Provisional bool
}

// Get serves a read: cache first, then the resilient remote path on a miss.
// The cache always stores the full-fidelity response; trimming applies only
// to the returned value.
func (e *Engine) Get(ctx context.Context, req ReadRequest) (*ReadResult, error) {
	key, err := e.readKey(req)
	if err != nil {
		return nil, err
	}
	sig := e.signal(req.ReduceData)
	kind := req.Kind
	if kind == "" {
		kind = kindOf(req.Entity)
	}

	if !req.Refresh {
		ent, err := e.cache.Get(ctx, key)
		switch {
		case err == nil:
			value, mode, err := e.adapter.Adapt(kind, ent.Value, sig)
			if err != nil {
				return nil, fmt.Errorf("adapt cached %s: %w", kind, err)
			}
			return &ReadResult{Value: value, Mode: mode, Origin: ent.Origin, Provisional: ent.Provisional}, nil
		case !errors.Is(err, cache.ErrMiss):
			// A broken tier must not take reads down; fetch instead.
			e.logger.Warn("cache read failed", "key", key, "error", err)
		}
	}

	if !e.net.Current().Online {
		return nil, fault.Transient(req.Endpoint, ErrOffline)
	}
	resp, err := e.exec.Do(ctx, req.Endpoint, func(ctx context.Context) (json.RawMessage, error) {
		return e.caller.Call(ctx, req.Endpoint, req.Payload)
	}, e.callOpts)
	if err != nil {
		return nil, err
	}

	ttl := req.TTL
	if ttl <= 0 {
		ttl = e.cacheTTL
	}
	if err := e.cache.Set(ctx, key, resp, ttl); err != nil {
		e.logger.Warn("cache write failed", "key", key, "error", err)
	}

	value, mode, err := e.adapter.Adapt(kind, resp, sig)
	if err != nil {
		return nil, fmt.Errorf("adapt %s response: %w", kind, err)
	}
	return &ReadResult{Value: value, Mode: mode, Origin: "remote"}, nil
}

// WriteRequest describes one mutation destined for the server.
type WriteRequest struct {
	// Op names the mutation, e.g. "update".
	Op string
	// Entity is the entity reference the write targets, e.g. "guest:42".
	// Writes against the same entity drain strictly in submission order.
	Entity string
	// Endpoint is the remote operation that applies the write.
	Endpoint string
	// Payload is the entity state to push. It doubles as the optimistic
	// cache value until the server confirms.
	Payload json.RawMessage
	// PayloadVersion is the payload's schema version. Default "1.0.0".
	PayloadVersion string
	// Strategy picks the conflict policy for this action. Zero uses the
	// resolver's policy for the entity kind.
	Strategy conflict.Strategy
	// TTL overrides the engine default for the optimistic cache value.
	TTL time.Duration
}

// Submit validates, queues and optimistically caches a write, then nudges
// the background drainer. The action is durable once Submit returns; the
// server round-trip happens on a drain pass.
func (e *Engine) Submit(ctx context.Context, req WriteRequest) (*queue.Action, error) {
	if req.Entity == "" || req.Endpoint == "" {
		return nil, errors.New("submit needs an entity and an endpoint")
	}
	kind := kindOf(req.Entity)

	strategy := req.Strategy
	if strategy == 0 {
		// Persisted actions must carry an explicit strategy; stores
		// reject the zero value on read-back.
		strategy = e.resolver.StrategyFor(kind)
	}
	version := req.PayloadVersion
	if version == "" {
		version = "1.0.0"
	}
	if e.validator != nil && len(req.Payload) > 0 {
		if err := e.validator.Validate(kind, req.Payload); err != nil {
			return nil, fmt.Errorf("validate %s payload: %w", kind, err)
		}
	}

	a := &queue.Action{
		ID:             queue.NewID(),
		Op:             req.Op,
		Entity:         req.Entity,
		Payload:        req.Payload,
		PayloadVersion: version,
		Endpoint:       req.Endpoint,
		Strategy:       strategy,
		EnqueuedAt:     time.Now().UTC(),
	}
	if err := e.store.Enqueue(ctx, a); err != nil {
		return nil, fmt.Errorf("enqueue %s %s: %w", req.Op, req.Entity, err)
	}

	if len(req.Payload) > 0 {
		ttl := req.TTL
		if ttl <= 0 {
			ttl = e.cacheTTL
		}
		// Best effort: the queue is the source of truth, the cache
		// only previews it.
		if err := e.cache.SetProvisional(ctx, e.entityKey(req.Entity), req.Payload, ttl); err != nil {
			e.logger.Warn("optimistic cache write failed", "entity", req.Entity, "error", err)
		}
	}

	e.logger.Debug("action queued", "id", a.ID, "op", req.Op, "entity", req.Entity, "strategy", strategy.String())
	e.requestDrain()
	return a, nil
}

// Decision is a user's verdict on a conflicted action.
type Decision uint8

const (
	// KeepLocal resubmits the queued local value as a forced overwrite.
	KeepLocal Decision = iota + 1
	// AcceptRemote adopts the server's value and drops the queued action.
	AcceptRemote
	// UseValue resubmits a caller-supplied replacement value.
	UseValue
)

// SubmitDecision settles a conflict the drainer deferred to the user. value
// is only consulted for UseValue. Resubmitted actions go back to the server
// as last-write-wins so the same conflict cannot recur.
func (e *Engine) SubmitDecision(ctx context.Context, actionID string, d Decision, value json.RawMessage) error {
	a, err := e.store.Get(ctx, actionID)
	if err != nil {
		return fmt.Errorf("decide %s: %w", actionID, err)
	}
	if a.Status != queue.StatusConflicted {
		return fmt.Errorf("decide %s: %w", actionID, queue.ErrNotConflicted)
	}
	key := e.entityKey(a.Entity)

	switch d {
	case KeepLocal:
		if err := e.store.Resubmit(ctx, actionID, a.Payload, conflict.LastWriteWins); err != nil {
			return fmt.Errorf("decide %s: %w", actionID, err)
		}
		if err := e.cache.SetProvisional(ctx, key, a.Payload, e.cacheTTL); err != nil {
			e.logger.Warn("optimistic cache write failed", "entity", a.Entity, "error", err)
		}
		e.obs.RecordConflict(ctx, conflict.UserChoice.String(), "use-local")
	case AcceptRemote:
		if len(a.Remote) == 0 {
			return fmt.Errorf("decide %s: no remote value recorded", actionID)
		}
		if err := e.store.Complete(ctx, actionID); err != nil {
			return fmt.Errorf("decide %s: %w", actionID, err)
		}
		if err := e.cache.Confirm(ctx, key, a.Remote, e.cacheTTL); err != nil {
			e.logger.Warn("cache confirm failed", "entity", a.Entity, "error", err)
		}
		e.obs.RecordConflict(ctx, conflict.UserChoice.String(), "use-remote")
		return nil
	case UseValue:
		if len(value) == 0 {
			return fmt.Errorf("decide %s: decision needs a value", actionID)
		}
		if err := e.store.Resubmit(ctx, actionID, value, conflict.LastWriteWins); err != nil {
			return fmt.Errorf("decide %s: %w", actionID, err)
		}
		if err := e.cache.SetProvisional(ctx, key, value, e.cacheTTL); err != nil {
			e.logger.Warn("optimistic cache write failed", "entity", a.Entity, "error", err)
		}
		e.obs.RecordConflict(ctx, conflict.UserChoice.String(), "use-value")
	default:
		return fmt.Errorf("decide %s: unknown decision %d", actionID, d)
	}

	e.requestDrain()
	return nil
}

// Drain runs one synchronous drain pass. Most embedders rely on the
// background worker instead; this is for tests and explicit flush points.
func (e *Engine) Drain(ctx context.Context) (queue.DrainResult, error) {
	return e.drainer.Drain(ctx)
}

// Invalidate drops an entity's cached state from every tier.
func (e *Engine) Invalidate(ctx context.Context, entity string) error {
	return e.cache.Invalidate(ctx, e.entityKey(entity))
}

// Cancel withdraws a still-pending action and drops its optimistic cache
// value, since nothing will confirm it now.
func (e *Engine) Cancel(ctx context.Context, actionID string) error {
	a, err := e.store.Get(ctx, actionID)
	if err != nil {
		return err
	}
	if err := e.store.Cancel(ctx, actionID); err != nil {
		return err
	}
	if err := e.cache.Invalidate(ctx, e.entityKey(a.Entity)); err != nil {
		e.logger.Warn("cache invalidate failed", "entity", a.Entity, "error", err)
	}
	return nil
}

// Conflicted lists actions parked for a user decision.
func (e *Engine) Conflicted(ctx context.Context) ([]*queue.Action, error) {
	return e.store.Conflicted(ctx)
}

// DeadLetters lists dead letters, newest first.
func (e *Engine) DeadLetters(ctx context.Context, limit int) ([]*queue.DeadLetter, error) {
	return e.store.DeadLetters(ctx, limit)
}

// RequeueDead returns a dead letter to the queue and nudges the drainer.
func (e *Engine) RequeueDead(ctx context.Context, actionID string) error {
	if err := e.store.RequeueDead(ctx, actionID); err != nil {
		return err
	}
	e.requestDrain()
	return nil
}

// Stats reports queue counts by status.
func (e *Engine) Stats(ctx context.Context) (queue.Stats, error) {
	return e.store.Stats(ctx)
}

// Size reports how many actions sit in the active queue.
func (e *Engine) Size(ctx context.Context) (int, error) {
	return e.store.Size(ctx)
}

// requestDrain nudges the background worker. Signals coalesce: one pending
// nudge is enough, a pass picks up everything queued before it.
func (e *Engine) requestDrain() {
	select {
	case e.drainCh <- struct{}{}:
	default:
	}
}

func (e *Engine) drainLoop(ctx context.Context) {
	defer e.bg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.drainCh:
			if !e.net.Current().Online {
				continue
			}
			_, err := e.drainer.Drain(ctx)
			// A concurrent synchronous Drain call covers our nudge.
			if err != nil && !errors.Is(err, queue.ErrDrainInProgress) {
				e.logger.Warn("drain pass failed", "error", err)
			}
		}
	}
}

// entityKey is the cache slot an entity's state lives under. Reads by
// Entity, optimistic writes and drain confirmations all land here.
func (e *Engine) entityKey(entity string) string {
	return cache.MustKey(e.namespace, map[string]string{"entity": entity})
}

func (e *Engine) readKey(req ReadRequest) (string, error) {
	if req.Entity != "" {
		return e.entityKey(req.Entity), nil
	}
	if req.Identity == nil {
		return "", errors.New("read needs an entity or an identity")
	}
	key, err := cache.Key(e.namespace, req.Identity)
	if err != nil {
		return "", fmt.Errorf("derive cache key: %w", err)
	}
	return key, nil
}

// signal maps the feed's measured class onto a trimming signal. Unknown
// quality never trims: full fidelity is always correct.
func (e *Engine) signal(reduce bool) adapt.Signal {
	var class adapt.Class
	if c, err := adapt.ParseClass(string(e.net.Current().Class)); err == nil {
		class = c
	}
	return adapt.Signal{Class: class, ReduceData: reduce}
}

func kindOf(entity string) string {
	if i := strings.IndexByte(entity, ':'); i >= 0 {
		return entity[:i]
	}
	return entity
}
