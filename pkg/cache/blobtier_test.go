package cache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WedSync/sync-engine/pkg/blob"
)

func TestBlobTierRoundTrip(t *testing.T) {
	store := blob.NewMemoryStore()
	tier := NewBlobTier(store, 0)
	ctx := context.Background()

	_, err := tier.Get(ctx, "a3f5")
	assert.ErrorIs(t, err, ErrMiss)

	e := &Entry{Key: "a3f5", Value: json.RawMessage(`{"v":1}`), StoredAt: time.Now(), TTL: time.Hour}
	require.NoError(t, tier.Set(ctx, e))

	got, err := tier.Get(ctx, "a3f5")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1}`, string(got.Value))
	assert.Equal(t, time.Hour, got.TTL)

	require.NoError(t, tier.Delete(ctx, "a3f5"))
	_, err = tier.Get(ctx, "a3f5")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestBlobTierExpiryDropsBlob(t *testing.T) {
	store := blob.NewMemoryStore()
	tier := NewBlobTier(store, 0)
	clock := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	tier.now = func() time.Time { return clock }
	ctx := context.Background()

	e := &Entry{Key: "a3f5", Value: json.RawMessage(`{}`), StoredAt: clock, TTL: time.Minute}
	require.NoError(t, tier.Set(ctx, e))

	clock = clock.Add(2 * time.Minute)
	_, err := tier.Get(ctx, "a3f5")
	assert.ErrorIs(t, err, ErrMiss)
	assert.Equal(t, 0, store.Len(), "expired blob is deleted on read")
}

func TestBlobTierAppliesTTLCap(t *testing.T) {
	store := blob.NewMemoryStore()
	tier := NewBlobTier(store, time.Minute)
	ctx := context.Background()

	e := &Entry{Key: "a3f5", Value: json.RawMessage(`{}`), StoredAt: time.Now(), TTL: time.Hour}
	require.NoError(t, tier.Set(ctx, e))

	got, err := tier.Get(ctx, "a3f5")
	require.NoError(t, err)
	assert.Equal(t, time.Minute, got.TTL)
}

func TestBlobTierNamespacesKeys(t *testing.T) {
	store := blob.NewMemoryStore()
	tier := NewBlobTier(store, 0)
	ctx := context.Background()

	e := &Entry{Key: "a3f5", Value: json.RawMessage(`{}`), StoredAt: time.Now()}
	require.NoError(t, tier.Set(ctx, e))

	ok, err := store.Exists(ctx, "cache/a3f5")
	require.NoError(t, err)
	assert.True(t, ok, "edge entries live under the cache/ namespace")
}
