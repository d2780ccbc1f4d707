package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// envelope is the wire form entries take in the shared and edge tiers.
type envelope struct {
	Value       json.RawMessage `json:"value"`
	StoredAt    time.Time       `json:"stored_at"`
	TTLMs       int64           `json:"ttl_ms"`
	Provisional bool            `json:"provisional,omitempty"`
}

func sealEntry(e *Entry, tierCap time.Duration) ([]byte, time.Duration, error) {
	ttl := capTTL(e.TTL, tierCap)
	data, err := json.Marshal(envelope{
		Value:       e.Value,
		StoredAt:    e.StoredAt,
		TTLMs:       ttl.Milliseconds(),
		Provisional: e.Provisional,
	})
	if err != nil {
		return nil, 0, fmt.Errorf("seal cache entry: %w", err)
	}
	return data, ttl, nil
}

func openEntry(key string, data []byte) (*Entry, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode cache entry %s: %w", key, err)
	}
	return &Entry{
		Key:         key,
		Value:       env.Value,
		StoredAt:    env.StoredAt,
		TTL:         time.Duration(env.TTLMs) * time.Millisecond,
		Provisional: env.Provisional,
	}, nil
}

// RedisTier is the shared tier. Entries ride in a JSON envelope; expiry is
// enforced both by redis key TTL and at read time, so a skewed peer cannot
// resurrect stale data.
type RedisTier struct {
	client *redis.Client
	prefix string
	maxTTL time.Duration
	now    func() time.Time
}

// NewRedisTier wraps an existing client. maxTTL caps entry TTLs; zero
// leaves them as written.
func NewRedisTier(client *redis.Client, maxTTL time.Duration) *RedisTier {
	return &RedisTier{
		client: client,
		prefix: "synccache:",
		maxTTL: maxTTL,
		now:    time.Now,
	}
}

func (t *RedisTier) Name() string { return "redis" }

func (t *RedisTier) Get(ctx context.Context, key string) (*Entry, error) {
	data, err := t.client.Get(ctx, t.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}

	e, err := openEntry(key, data)
	if err != nil {
		return nil, err
	}
	if e.Expired(t.now()) {
		_ = t.client.Del(ctx, t.prefix+key).Err()
		return nil, ErrMiss
	}
	return e, nil
}

func (t *RedisTier) Set(ctx context.Context, e *Entry) error {
	data, ttl, err := sealEntry(e, t.maxTTL)
	if err != nil {
		return err
	}
	if err := t.client.Set(ctx, t.prefix+e.Key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (t *RedisTier) Delete(ctx context.Context, key string) error {
	if err := t.client.Del(ctx, t.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
