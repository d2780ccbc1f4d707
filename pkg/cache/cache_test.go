package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTier is an always-available in-memory tier with scriptable failures.
type fakeTier struct {
	name string

	mu     sync.Mutex
	data   map[string]Entry
	sets   int
	getErr error
	// failSets makes the next n Set calls fail.
	failSets int
}

func newFakeTier(name string) *fakeTier {
	return &fakeTier{name: name, data: make(map[string]Entry)}
}

func (f *fakeTier) Name() string { return f.name }

func (f *fakeTier) Get(ctx context.Context, key string) (*Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	e, ok := f.data[key]
	if !ok {
		return nil, ErrMiss
	}
	cp := e
	return &cp, nil
}

func (f *fakeTier) Set(ctx context.Context, e *Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sets++
	if f.failSets > 0 {
		f.failSets--
		return errors.New("tier unavailable")
	}
	f.data[e.Key] = *e
	return nil
}

func (f *fakeTier) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, key)
	return nil
}

func (f *fakeTier) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.data[key]
	return ok
}

func (f *fakeTier) value(key string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return string(f.data[key].Value)
}

func (f *fakeTier) seed(key, value string, storedAt time.Time, ttl time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = Entry{Key: key, Value: json.RawMessage(value), StoredAt: storedAt, TTL: ttl}
}

func TestGetPromotesFromFartherTier(t *testing.T) {
	t1, t2, t3 := newFakeTier("memory"), newFakeTier("redis"), newFakeTier("edge")
	c := New([]Tier{t1, t2, t3}, Options{})

	t3.seed("k1", `{"v":1}`, time.Now(), time.Minute)

	e, err := c.Get(context.Background(), "k1")
	require.NoError(t, err)
	assert.Equal(t, "edge", e.Origin)
	assert.JSONEq(t, `{"v":1}`, string(e.Value))

	assert.True(t, t1.has("k1"), "hit must populate tier 1")
	assert.True(t, t2.has("k1"), "hit must populate tier 2")
}

func TestGetPrefersNearestTier(t *testing.T) {
	t1, t2 := newFakeTier("memory"), newFakeTier("redis")
	c := New([]Tier{t1, t2}, Options{})

	now := time.Now()
	t1.seed("k1", `{"v":"near"}`, now, time.Minute)
	t2.seed("k1", `{"v":"far"}`, now, time.Minute)

	e, err := c.Get(context.Background(), "k1")
	require.NoError(t, err)
	assert.Equal(t, "memory", e.Origin)
	assert.JSONEq(t, `{"v":"near"}`, string(e.Value))
}

func TestGetFullMiss(t *testing.T) {
	t1, t2 := newFakeTier("memory"), newFakeTier("redis")
	c := New([]Tier{t1, t2}, Options{})

	_, err := c.Get(context.Background(), "absent")
	assert.ErrorIs(t, err, ErrMiss)
	assert.Zero(t, t1.sets, "a miss must not write anything")
	assert.Zero(t, t2.sets)
}

func TestSetThenGetReturnsFreshValueOverStaleFarTiers(t *testing.T) {
	t1, t2, t3 := newFakeTier("memory"), newFakeTier("redis"), newFakeTier("edge")
	c := New([]Tier{t1, t2, t3}, Options{SyncTiers: 2})

	stale := time.Now().Add(-time.Hour)
	t2.seed("k1", `{"v":"stale"}`, stale, 24*time.Hour)
	t3.seed("k1", `{"v":"stale"}`, stale, 24*time.Hour)

	require.NoError(t, c.Set(context.Background(), "k1", json.RawMessage(`{"v":"fresh"}`), time.Minute))

	e, err := c.Get(context.Background(), "k1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":"fresh"}`, string(e.Value))
	assert.Equal(t, "memory", e.Origin)

	require.NoError(t, c.Close())
	assert.JSONEq(t, `{"v":"fresh"}`, t3.value("k1"), "edge catches up asynchronously")
}

func TestSetWritesSyncTiersBeforeReturning(t *testing.T) {
	t1, t2, t3 := newFakeTier("memory"), newFakeTier("redis"), newFakeTier("edge")
	c := New([]Tier{t1, t2, t3}, Options{SyncTiers: 2})

	require.NoError(t, c.Set(context.Background(), "k1", json.RawMessage(`{}`), time.Minute))

	assert.True(t, t1.has("k1"), "tier 1 is synchronous")
	assert.True(t, t2.has("k1"), "tier 2 is synchronous")
	require.NoError(t, c.Close())
	assert.True(t, t3.has("k1"))
}

func TestSetFailureOnSyncTierIsFatal(t *testing.T) {
	t1, t2 := newFakeTier("memory"), newFakeTier("redis")
	t2.failSets = 1
	c := New([]Tier{t1, t2}, Options{})

	err := c.Set(context.Background(), "k1", json.RawMessage(`{}`), time.Minute)
	assert.Error(t, err, "a synchronous tier failure surfaces to the caller")
}

func TestEdgeWriteFailureIsNonFatalAndRetriedOnNextTouch(t *testing.T) {
	t1, t2, t3 := newFakeTier("memory"), newFakeTier("redis"), newFakeTier("edge")
	t3.failSets = 1
	c := New([]Tier{t1, t2, t3}, Options{SyncTiers: 2})
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k1", json.RawMessage(`{"v":1}`), time.Minute),
		"an edge failure must not fail the write")
	require.NoError(t, c.Close())
	require.False(t, t3.has("k1"))

	// Next touch of the key retries the edge write.
	_, err := c.Get(ctx, "k1")
	require.NoError(t, err)
	require.NoError(t, c.Close())
	assert.True(t, t3.has("k1"), "pending edge write retried lazily")

	// The pending mark is consumed.
	c.pendingMu.Lock()
	_, still := c.pending["k1"]
	c.pendingMu.Unlock()
	assert.False(t, still)
}

func TestInvalidateRemovesEveryTier(t *testing.T) {
	t1, t2, t3 := newFakeTier("memory"), newFakeTier("redis"), newFakeTier("edge")
	c := New([]Tier{t1, t2, t3}, Options{SyncTiers: 2})
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k1", json.RawMessage(`{}`), time.Minute))
	require.NoError(t, c.Close())

	require.NoError(t, c.Invalidate(ctx, "k1"))
	assert.False(t, t1.has("k1"))
	assert.False(t, t2.has("k1"))
	assert.False(t, t3.has("k1"), "invalidation is synchronous even on the edge")

	_, err := c.Get(ctx, "k1")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestProvisionalLifecycle(t *testing.T) {
	t1 := newFakeTier("memory")
	c := New([]Tier{t1}, Options{})
	ctx := context.Background()

	require.NoError(t, c.SetProvisional(ctx, "k1", json.RawMessage(`{"v":1}`), time.Minute))
	e, err := c.Get(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, e.Provisional, "optimistic write is flagged until confirmed")

	require.NoError(t, c.Confirm(ctx, "k1", json.RawMessage(`{"v":1,"id":"srv-9"}`), time.Minute))
	e, err = c.Get(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, e.Provisional)
	assert.JSONEq(t, `{"v":1,"id":"srv-9"}`, string(e.Value))
}

func TestTierReadErrorFallsThrough(t *testing.T) {
	t1, t2 := newFakeTier("memory"), newFakeTier("redis")
	t1.getErr = errors.New("tier down")
	c := New([]Tier{t1, t2}, Options{})

	t2.seed("k1", `{"v":1}`, time.Now(), time.Minute)

	e, err := c.Get(context.Background(), "k1")
	require.NoError(t, err, "one degraded tier must not take reads down")
	assert.Equal(t, "redis", e.Origin)
}

func TestExpiredNearTierFallsToFresherFarTier(t *testing.T) {
	clock := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	t1 := NewMemoryTier(16, 0)
	t1.now = func() time.Time { return clock }
	t2 := newFakeTier("redis")
	c := New([]Tier{t1, t2}, Options{})
	ctx := context.Background()

	// Near tier holds an entry that expired 5 minutes ago; the far tier's
	// copy carries a longer TTL and is still live.
	stale := clock.Add(-10 * time.Minute)
	require.NoError(t, t1.Set(ctx, &Entry{Key: "k1", Value: json.RawMessage(`{"v":"old"}`), StoredAt: stale, TTL: 5 * time.Minute}))
	t2.seed("k1", `{"v":"live"}`, stale, time.Hour)

	e, err := c.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, "redis", e.Origin, "expired near entry is a miss at read time")
	assert.JSONEq(t, `{"v":"live"}`, string(e.Value))
}
