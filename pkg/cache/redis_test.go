package cache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// TestRedisTier_Integration requires a running Redis.
// We skip if connection fails.
func TestRedisTier_Integration(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if _, err := client.Ping(ctx).Result(); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}
	t.Cleanup(func() { _ = client.Close() })

	tier := NewRedisTier(client, time.Minute)
	key := "it-" + time.Now().Format("150405.000000000")
	t.Cleanup(func() { _ = tier.Delete(ctx, key) })

	// Miss before write.
	if _, err := tier.Get(ctx, key); err != ErrMiss {
		t.Fatalf("Expected ErrMiss, got %v", err)
	}

	e := &Entry{
		Key:         key,
		Value:       json.RawMessage(`{"v":1}`),
		StoredAt:    time.Now(),
		TTL:         30 * time.Second,
		Provisional: true,
	}
	if err := tier.Set(ctx, e); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	got, err := tier.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got.Value) != `{"v":1}` {
		t.Errorf("Value round-trip mismatch: %s", got.Value)
	}
	if !got.Provisional {
		t.Errorf("Provisional flag lost in envelope")
	}
	if got.TTL != 30*time.Second {
		t.Errorf("TTL round-trip mismatch: %v", got.TTL)
	}

	if err := tier.Delete(ctx, key); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := tier.Get(ctx, key); err != ErrMiss {
		t.Fatalf("Expected ErrMiss after delete, got %v", err)
	}
}

// TestRedisTier_ReadTimeExpiry verifies the envelope TTL is enforced on read
// even when the redis key has not expired yet.
func TestRedisTier_ReadTimeExpiry(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if _, err := client.Ping(ctx).Result(); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}
	t.Cleanup(func() { _ = client.Close() })

	tier := NewRedisTier(client, 0)
	key := "it-exp-" + time.Now().Format("150405.000000000")
	t.Cleanup(func() { _ = tier.Delete(ctx, key) })

	e := &Entry{Key: key, Value: json.RawMessage(`{}`), StoredAt: time.Now(), TTL: time.Hour}
	if err := tier.Set(ctx, e); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	tier.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if _, err := tier.Get(ctx, key); err != ErrMiss {
		t.Fatalf("Expected ErrMiss for stale envelope, got %v", err)
	}
}
