package storage

import (
	"context"
	"fmt"
	"path/filepath"
)

// Backend names accepted by New.
const (
	BackendMemory = "memory"
	BackendFS     = "fs"
	BackendS3     = "s3"
	BackendGCS    = "gcs"
)

// Config selects and configures a storage backend.
type Config struct {
	Backend string
	DataDir string // fs backend root

	S3Bucket   string
	S3Region   string
	S3Endpoint string
	S3Prefix   string

	GCSBucket string
	GCSPrefix string
}

// New builds the configured backend. GCS requires the gcp build tag.
func New(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", BackendFS:
		dir := cfg.DataDir
		if dir == "" {
			dir = "data"
		}
		return NewFSStore(filepath.Join(dir, "store"))
	case BackendMemory:
		return NewMemoryStore(), nil
	case BackendS3:
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("storage: s3 backend requires a bucket")
		}
		return NewS3Store(ctx, S3Config{
			Bucket:   cfg.S3Bucket,
			Region:   cfg.S3Region,
			Endpoint: cfg.S3Endpoint,
			Prefix:   cfg.S3Prefix,
		})
	case BackendGCS:
		return newGCSStore(ctx, cfg)
	default:
		return nil, fmt.Errorf("storage: unsupported backend %q", cfg.Backend)
	}
}
