package cache

import (
	"context"
	"errors"
	"time"

	"github.com/WedSync/sync-engine/pkg/blob"
)

// BlobTier is the edge tier: entries live in a blob.Store (file, S3 or GCS)
// under a "cache/" namespace. Blob backends have no native expiry, so the
// envelope's TTL is the only authority and is checked at read time.
type BlobTier struct {
	store  blob.Store
	maxTTL time.Duration
	now    func() time.Time
}

// NewBlobTier wraps a blob store. maxTTL caps entry TTLs; zero leaves
// them as written.
func NewBlobTier(store blob.Store, maxTTL time.Duration) *BlobTier {
	return &BlobTier{store: store, maxTTL: maxTTL, now: time.Now}
}

func (t *BlobTier) Name() string { return "edge" }

func (t *BlobTier) key(key string) string { return "cache/" + key }

func (t *BlobTier) Get(ctx context.Context, key string) (*Entry, error) {
	data, err := t.store.Get(ctx, t.key(key))
	if errors.Is(err, blob.ErrNotFound) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, err
	}

	e, err := openEntry(key, data)
	if err != nil {
		return nil, err
	}
	if e.Expired(t.now()) {
		_ = t.store.Delete(ctx, t.key(key))
		return nil, ErrMiss
	}
	return e, nil
}

func (t *BlobTier) Set(ctx context.Context, e *Entry) error {
	data, _, err := sealEntry(e, t.maxTTL)
	if err != nil {
		return err
	}
	return t.store.Put(ctx, t.key(e.Key), data)
}

func (t *BlobTier) Delete(ctx context.Context, key string) error {
	return t.store.Delete(ctx, t.key(key))
}
