package cache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryTierEvictsLeastRecentlyUsed(t *testing.T) {
	tier := NewMemoryTier(2, 0)
	ctx := context.Background()
	now := time.Now()

	for _, key := range []string{"a", "b"} {
		require.NoError(t, tier.Set(ctx, &Entry{Key: key, Value: json.RawMessage(`1`), StoredAt: now}))
	}

	// Touch "a" so "b" becomes the eviction candidate.
	_, err := tier.Get(ctx, "a")
	require.NoError(t, err)

	require.NoError(t, tier.Set(ctx, &Entry{Key: "c", Value: json.RawMessage(`1`), StoredAt: now}))

	assert.Equal(t, 2, tier.Len())
	_, err = tier.Get(ctx, "b")
	assert.ErrorIs(t, err, ErrMiss, "least recently used entry is evicted")
	_, err = tier.Get(ctx, "a")
	assert.NoError(t, err)
	_, err = tier.Get(ctx, "c")
	assert.NoError(t, err)
}

func TestMemoryTierUpdateDoesNotGrow(t *testing.T) {
	tier := NewMemoryTier(2, 0)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, tier.Set(ctx, &Entry{Key: "a", Value: json.RawMessage(`1`), StoredAt: now}))
	require.NoError(t, tier.Set(ctx, &Entry{Key: "a", Value: json.RawMessage(`2`), StoredAt: now}))

	assert.Equal(t, 1, tier.Len())
	e, err := tier.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, `2`, string(e.Value))
}

func TestMemoryTierReadTimeExpiry(t *testing.T) {
	clock := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	tier := NewMemoryTier(16, 0)
	tier.now = func() time.Time { return clock }
	ctx := context.Background()

	require.NoError(t, tier.Set(ctx, &Entry{Key: "a", Value: json.RawMessage(`1`), StoredAt: clock, TTL: time.Minute}))

	_, err := tier.Get(ctx, "a")
	require.NoError(t, err, "still live")

	clock = clock.Add(2 * time.Minute)
	_, err = tier.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrMiss, "expired at read time")
	assert.Equal(t, 0, tier.Len(), "expired entry is dropped on read")
}

func TestMemoryTierAppliesTTLCap(t *testing.T) {
	tier := NewMemoryTier(16, time.Minute)
	ctx := context.Background()

	require.NoError(t, tier.Set(ctx, &Entry{Key: "a", Value: json.RawMessage(`1`), StoredAt: time.Now(), TTL: time.Hour}))
	e, err := tier.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, time.Minute, e.TTL, "tier cap bounds the stored TTL")

	// Unbounded entries are tightened to the cap as well.
	require.NoError(t, tier.Set(ctx, &Entry{Key: "b", Value: json.RawMessage(`1`), StoredAt: time.Now()}))
	e, err = tier.Get(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, time.Minute, e.TTL)
}

func TestMemoryTierStats(t *testing.T) {
	tier := NewMemoryTier(16, 0)
	ctx := context.Background()

	require.NoError(t, tier.Set(ctx, &Entry{Key: "a", Value: json.RawMessage(`1`), StoredAt: time.Now()}))

	tier.Get(ctx, "a")
	tier.Get(ctx, "a")
	tier.Get(ctx, "nope")

	hits, misses, rate := tier.Stats()
	assert.Equal(t, int64(2), hits)
	assert.Equal(t, int64(1), misses)
	assert.InDelta(t, 0.666, rate, 0.01)
}

func TestCapTTL(t *testing.T) {
	assert.Equal(t, time.Minute, capTTL(time.Hour, time.Minute))
	assert.Equal(t, time.Second, capTTL(time.Second, time.Minute))
	assert.Equal(t, time.Hour, capTTL(time.Hour, 0), "zero cap leaves TTL alone")
	assert.Equal(t, time.Minute, capTTL(0, time.Minute), "no-expiry entries are tightened to the cap")
	assert.Equal(t, time.Duration(0), capTTL(0, 0))
}
