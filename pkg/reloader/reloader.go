// Package reloader keeps policy and SFT assets fresh without restarts.
// Each asset is refetched after its TTL; an unchanged entity tag skips the
// swap, and fetch or parse failures keep serving the last good value.
package reloader

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// maxErrLog bounds the per-asset error history.
const maxErrLog = 8

// Source yields the raw bytes of one asset. When the supplied etag still
// matches the current state, Fetch returns notModified with no data.
type Source interface {
	Fetch(ctx context.Context, etag string) (data []byte, newETag string, notModified bool, err error)
}

// Status is the reload state reported on the admin surface.
type Status struct {
	Name      string   `json:"name"`
	ETag      string   `json:"etag,omitempty"`
	AgeSecs   float64  `json:"age_s"`
	Loaded    bool     `json:"loaded"`
	LastError string   `json:"last_error,omitempty"`
	Errors    []string `json:"errors,omitempty"`
}

// Asset is a TTL-cached, hot-reloadable value of type T.
type Asset[T any] struct {
	name   string
	source Source
	parse  func([]byte) (T, error)
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu        sync.RWMutex
	value     T
	loaded    bool
	etag      string
	fetchedAt time.Time
	lastErr   string
	errs      []string
}

// NewAsset builds an asset around source. parse turns fetched bytes into
// the served value; a parse failure never replaces the current value.
func NewAsset[T any](name string, source Source, ttl time.Duration, parse func([]byte) (T, error), logger *slog.Logger) *Asset[T] {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Asset[T]{
		name:   name,
		source: source,
		parse:  parse,
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
	}
}

// Static wraps a fixed value in an always-fresh asset. Used when dynamic
// reload is disabled.
func Static[T any](name string, v T) *Asset[T] {
	a := &Asset[T]{
		name:   name,
		source: staticSource{},
		parse:  func([]byte) (T, error) { return v, nil },
		ttl:    24 * 365 * time.Hour,
		logger: slog.Default(),
		now:    time.Now,
	}
	a.value = v
	a.loaded = true
	a.fetchedAt = a.now()
	return a
}

type staticSource struct{}

func (staticSource) Fetch(_ context.Context, etag string) ([]byte, string, bool, error) {
	return nil, etag, true, nil
}

// Get returns the current value, refreshing first when the TTL has lapsed.
// After the first successful load, refresh failures are soft: the stale
// value is served and the error recorded.
func (a *Asset[T]) Get(ctx context.Context) (T, error) {
	a.mu.RLock()
	fresh := a.loaded && a.now().Sub(a.fetchedAt) < a.ttl
	value := a.value
	a.mu.RUnlock()
	if fresh {
		return value, nil
	}
	return a.refresh(ctx)
}

// Invalidate forces the next Get to hit the source.
func (a *Asset[T]) Invalidate() {
	a.mu.Lock()
	a.fetchedAt = time.Time{}
	a.mu.Unlock()
}

// Status reports the asset's reload state.
func (a *Asset[T]) Status() Status {
	a.mu.RLock()
	defer a.mu.RUnlock()
	st := Status{
		Name:      a.name,
		ETag:      a.etag,
		Loaded:    a.loaded,
		LastError: a.lastErr,
		Errors:    append([]string(nil), a.errs...),
	}
	if a.loaded {
		st.AgeSecs = a.now().Sub(a.fetchedAt).Seconds()
	}
	return st
}

func (a *Asset[T]) refresh(ctx context.Context) (T, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	// A concurrent caller may have refreshed while we waited on the lock.
	if a.loaded && a.now().Sub(a.fetchedAt) < a.ttl {
		return a.value, nil
	}

	data, etag, notModified, err := a.source.Fetch(ctx, a.etag)
	if err != nil {
		return a.fail(fmt.Errorf("reloader: fetch %s: %w", a.name, err))
	}
	if notModified {
		a.fetchedAt = a.now()
		a.lastErr = ""
		return a.value, nil
	}

	value, err := a.parse(data)
	if err != nil {
		return a.fail(fmt.Errorf("reloader: parse %s: %w", a.name, err))
	}

	a.value = value
	a.loaded = true
	a.etag = etag
	a.fetchedAt = a.now()
	a.lastErr = ""
	return a.value, nil
}

// fail records the error. With a prior good value loaded it is served
// stale; before the first load the error surfaces to the caller.
func (a *Asset[T]) fail(err error) (T, error) {
	a.lastErr = err.Error()
	a.errs = append(a.errs, a.now().UTC().Format(time.RFC3339)+" "+err.Error())
	if len(a.errs) > maxErrLog {
		a.errs = a.errs[len(a.errs)-maxErrLog:]
	}
	if a.loaded {
		a.logger.Warn("serving stale asset", "asset", a.name, "err", err)
		// Back off until the next TTL window instead of hammering a
		// broken source on every request.
		a.fetchedAt = a.now()
		return a.value, nil
	}
	var zero T
	return zero, err
}
