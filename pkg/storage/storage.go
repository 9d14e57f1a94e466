// Package storage defines the byte-store contract the ODIN core runs over:
// OML blobs, receipts and JWKS documents are all persisted through it. Keys
// are POSIX-style strings. Backends: in-memory, local filesystem and
// object-store (S3, and GCS behind the gcp build tag).
package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get for missing keys.
var ErrNotFound = errors.New("storage: key not found")

// Store is the pluggable byte store. Writes are atomic: a cancelled or
// failed put leaves no partial artifact observable.
type Store interface {
	// Put persists data under key. Metadata is backend-defined and may be
	// dropped. Returns an access URL when the backend can produce one.
	Put(ctx context.Context, key string, data []byte, contentType string, metadata map[string]string) (url string, err error)

	// Get retrieves the full bytes stored under key.
	Get(ctx context.Context, key string) ([]byte, error)

	// Exists reports whether key holds a fully written object.
	Exists(ctx context.Context, key string) (bool, error)

	// List returns all keys with the given prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)

	// URLFor returns an access URL for key, or "" when the backend has none.
	URLFor(ctx context.Context, key string) string
}

// Well-known key layouts.
const (
	KeyPrefixOML              = "oml/"
	KeyPrefixReceipts         = "receipts/"
	KeyPrefixTransformReceipt = "receipts/transform/"
	KeyPrefixHopReceipt       = "receipts/hops/"
)
