//go:build !gcp

package storage

import (
	"context"
	"fmt"
)

func newGCSStore(ctx context.Context, cfg Config) (Store, error) {
	return nil, fmt.Errorf("storage: gcs backend is not enabled in this build (use -tags gcp)")
}
