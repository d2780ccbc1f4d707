package blob

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// StoreType represents the type of blob storage backend.
type StoreType string

const (
	StoreTypeFS     StoreType = "fs"
	StoreTypeMemory StoreType = "memory"
	StoreTypeS3     StoreType = "s3"
	StoreTypeGCS    StoreType = "gcs"
)

// NewStoreFromEnv creates a blob store based on environment variables.
//
// Environment variables:
//   - SYNC_BLOB_STORAGE_TYPE: "fs" (default), "memory", "s3", or "gcs"
//   - SYNC_DATA_DIR: Base directory for filesystem store (default: "data")
//
// For S3:
//   - AWS_REGION or SYNC_BLOB_S3_REGION
//   - SYNC_BLOB_S3_BUCKET (required)
//   - SYNC_BLOB_S3_ENDPOINT (optional, for MinIO/LocalStack)
//   - SYNC_BLOB_S3_PREFIX (optional)
//
// For GCS:
//   - SYNC_BLOB_GCS_BUCKET (required)
//   - SYNC_BLOB_GCS_PREFIX (optional)
func NewStoreFromEnv(ctx context.Context) (Store, error) {
	storeType := StoreType(os.Getenv("SYNC_BLOB_STORAGE_TYPE"))
	if storeType == "" {
		storeType = StoreTypeFS
	}

	switch storeType {
	case StoreTypeFS:
		return newFileStoreFromEnv()
	case StoreTypeMemory:
		return NewMemoryStore(), nil
	case StoreTypeS3:
		return newS3StoreFromEnv(ctx)
	case StoreTypeGCS:
		return newGCSStoreFromEnv(ctx)
	default:
		return nil, fmt.Errorf("unsupported blob storage type: %s", storeType)
	}
}

func newFileStoreFromEnv() (Store, error) {
	dataDir := os.Getenv("SYNC_DATA_DIR")
	if dataDir == "" {
		dataDir = "data"
	}
	return NewFileStore(filepath.Join(dataDir, "blobs"))
}

func newS3StoreFromEnv(ctx context.Context) (Store, error) {
	bucket := os.Getenv("SYNC_BLOB_S3_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("SYNC_BLOB_S3_BUCKET is required for S3 storage")
	}

	region := os.Getenv("SYNC_BLOB_S3_REGION")
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	if region == "" {
		region = "us-east-1"
	}

	cfg := S3StoreConfig{
		Bucket:   bucket,
		Region:   region,
		Endpoint: os.Getenv("SYNC_BLOB_S3_ENDPOINT"),
		Prefix:   os.Getenv("SYNC_BLOB_S3_PREFIX"),
	}

	return NewS3Store(ctx, cfg)
}
