// Package cache implements the layered read/write cache: an ordered list of
// tiers probed nearest-first, with backward population on hit, synchronous
// write-through for the near tiers and best-effort asynchronous writes to the
// edge. Expiry is checked at read time only; no background sweeper runs.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/WedSync/sync-engine/pkg/observability"
)

// ErrMiss is returned when no tier holds a live entry for the key.
var ErrMiss = errors.New("cache miss")

// Entry is one cached value plus the metadata every tier round-trips.
type Entry struct {
	Key      string
	Value    json.RawMessage
	StoredAt time.Time
	TTL      time.Duration
	// Origin is the tier that served the entry. Set on reads only.
	Origin string
	// Provisional marks optimistic writes not yet confirmed by the server.
	Provisional bool
}

// Expired reports whether the entry is past its TTL. Zero TTL never expires.
func (e *Entry) Expired(now time.Time) bool {
	return e.TTL > 0 && now.After(e.StoredAt.Add(e.TTL))
}

// Tier is one layer of the cache. Get returns ErrMiss for absent or expired
// entries; implementations apply their own TTL cap on Set.
type Tier interface {
	Name() string
	Get(ctx context.Context, key string) (*Entry, error)
	Set(ctx context.Context, e *Entry) error
	Delete(ctx context.Context, key string) error
}

const lockStripes = 64

// Options tune the cache.
type Options struct {
	// SyncTiers is how many leading tiers Set writes synchronously.
	// Zero means all tiers are synchronous.
	SyncTiers int
	// Provider receives hit/miss metrics. Nil disables them.
	Provider *observability.Provider
}

// Cache is the ordered-tier cache. All single-key mutations run under a
// striped per-key lock; distinct keys proceed in parallel.
type Cache struct {
	tiers     []Tier
	syncTiers int
	obs       *observability.Provider
	logger    *slog.Logger
	now       func() time.Time

	locks [lockStripes]sync.Mutex

	// pending tracks keys whose edge write failed, for lazy retry on the
	// next touch of the same key.
	pendingMu sync.Mutex
	pending   map[string]struct{}

	wg sync.WaitGroup
}

// New builds a cache over tiers, probed in the given order.
func New(tiers []Tier, opts Options) *Cache {
	syncTiers := opts.SyncTiers
	if syncTiers <= 0 || syncTiers > len(tiers) {
		syncTiers = len(tiers)
	}
	obs := opts.Provider
	if obs == nil {
		obs = observability.Nop()
	}
	return &Cache{
		tiers:     tiers,
		syncTiers: syncTiers,
		obs:       obs,
		logger:    slog.Default().With("component", "cache"),
		now:       time.Now,
		pending:   make(map[string]struct{}),
	}
}

func (c *Cache) lock(key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &c.locks[h.Sum32()%lockStripes]
}

// Get probes tiers nearest-first. A hit in a farther tier populates every
// nearer tier before returning. A tier error is treated as a miss for that
// tier so a degraded shared tier cannot take reads down with it.
func (c *Cache) Get(ctx context.Context, key string) (*Entry, error) {
	mu := c.lock(key)
	mu.Lock()
	defer mu.Unlock()

	for i, tier := range c.tiers {
		e, err := tier.Get(ctx, key)
		if err != nil {
			if !errors.Is(err, ErrMiss) {
				c.logger.Warn("tier read failed", "tier", tier.Name(), "key", key, "error", err)
			}
			continue
		}

		c.obs.RecordCacheHit(ctx, tier.Name())
		e.Origin = tier.Name()

		for j := 0; j < i; j++ {
			if err := c.tiers[j].Set(ctx, e); err != nil {
				c.logger.Warn("tier promote failed", "tier", c.tiers[j].Name(), "key", key, "error", err)
			}
		}
		if c.isPending(key) {
			c.retryEdge(ctx, e)
		}
		return e, nil
	}

	c.obs.RecordCacheMiss(ctx)
	return nil, ErrMiss
}

// Set writes value through the tiers in order: the leading SyncTiers block
// until written, the rest are best-effort and asynchronous. An edge failure
// is remembered and retried on the next touch of the key.
func (c *Cache) Set(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) error {
	return c.write(ctx, &Entry{Key: key, Value: value, StoredAt: c.now(), TTL: ttl})
}

// SetProvisional writes an optimistic value that the server has not
// confirmed yet. Readers see it like any other entry, flagged.
func (c *Cache) SetProvisional(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) error {
	return c.write(ctx, &Entry{Key: key, Value: value, StoredAt: c.now(), TTL: ttl, Provisional: true})
}

// Confirm replaces a provisional entry with the server-acknowledged value.
func (c *Cache) Confirm(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) error {
	return c.write(ctx, &Entry{Key: key, Value: value, StoredAt: c.now(), TTL: ttl})
}

func (c *Cache) write(ctx context.Context, e *Entry) error {
	mu := c.lock(e.Key)
	mu.Lock()
	defer mu.Unlock()

	for i := 0; i < c.syncTiers; i++ {
		if err := c.tiers[i].Set(ctx, e); err != nil {
			return err
		}
	}

	if c.syncTiers == len(c.tiers) {
		c.clearPending(e.Key)
		return nil
	}

	async := c.tiers[c.syncTiers:]
	bg := context.WithoutCancel(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for _, tier := range async {
			if err := tier.Set(bg, e); err != nil {
				c.markPending(e.Key)
				c.logger.Warn("edge write failed, will retry on next touch",
					"tier", tier.Name(), "key", e.Key, "error", err)
				return
			}
		}
		c.clearPending(e.Key)
	}()
	return nil
}

// Invalidate removes the key from every tier. Removal is a correctness
// operation, so all tiers are synchronous here, edge included.
func (c *Cache) Invalidate(ctx context.Context, key string) error {
	mu := c.lock(key)
	mu.Lock()
	defer mu.Unlock()

	c.clearPending(key)
	var firstErr error
	for _, tier := range c.tiers {
		if err := tier.Delete(ctx, key); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Close waits for in-flight asynchronous edge writes to settle.
func (c *Cache) Close() error {
	c.wg.Wait()
	return nil
}

// retryEdge re-pushes a live entry to the asynchronous tiers after an
// earlier failed write. Called with the key's stripe lock held.
func (c *Cache) retryEdge(ctx context.Context, e *Entry) {
	async := c.tiers[c.syncTiers:]
	if len(async) == 0 {
		c.clearPending(e.Key)
		return
	}
	bg := context.WithoutCancel(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for _, tier := range async {
			if err := tier.Set(bg, e); err != nil {
				c.logger.Warn("edge retry failed", "tier", tier.Name(), "key", e.Key, "error", err)
				return
			}
		}
		c.clearPending(e.Key)
	}()
}

func (c *Cache) isPending(key string) bool {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	_, ok := c.pending[key]
	return ok
}

func (c *Cache) markPending(key string) {
	c.pendingMu.Lock()
	c.pending[key] = struct{}{}
	c.pendingMu.Unlock()
}

func (c *Cache) clearPending(key string) {
	c.pendingMu.Lock()
	delete(c.pending, key)
	c.pendingMu.Unlock()
}
