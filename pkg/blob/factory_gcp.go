//go:build gcp

package blob

import (
	"context"
	"fmt"
	"os"
)

func newGCSStoreFromEnv(ctx context.Context) (Store, error) {
	bucket := os.Getenv("SYNC_BLOB_GCS_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("SYNC_BLOB_GCS_BUCKET is required for GCS storage")
	}

	cfg := GCSStoreConfig{
		Bucket: bucket,
		Prefix: os.Getenv("SYNC_BLOB_GCS_PREFIX"),
	}

	return NewGCSStore(ctx, cfg)
}
