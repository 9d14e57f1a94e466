package reloader

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	mu      sync.Mutex
	data    []byte
	etag    string
	err     error
	fetches int
}

func (s *fakeSource) Fetch(_ context.Context, etag string) ([]byte, string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches++
	if s.err != nil {
		return nil, "", false, s.err
	}
	if etag != "" && etag == s.etag {
		return nil, s.etag, true, nil
	}
	return s.data, s.etag, false, nil
}

func (s *fakeSource) set(data []byte, etag string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data, s.etag, s.err = data, etag, err
}

func (s *fakeSource) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetches
}

func stringAsset(src Source, ttl time.Duration) *Asset[string] {
	return NewAsset("test", src, ttl, func(b []byte) (string, error) {
		if len(b) == 0 {
			return "", errors.New("empty")
		}
		return string(b), nil
	}, nil)
}

func TestAsset_CachesWithinTTL(t *testing.T) {
	src := &fakeSource{data: []byte("v1"), etag: "e1"}
	a := stringAsset(src, time.Minute)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		v, err := a.Get(ctx)
		require.NoError(t, err)
		assert.Equal(t, "v1", v)
	}
	assert.Equal(t, 1, src.count())
}

func TestAsset_UnchangedETagSkipsSwap(t *testing.T) {
	src := &fakeSource{data: []byte("v1"), etag: "e1"}
	a := stringAsset(src, time.Minute)
	ctx := context.Background()

	_, err := a.Get(ctx)
	require.NoError(t, err)

	// Past the TTL the source is probed again but reports not modified.
	a.Invalidate()
	v, err := a.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v1", v)
	assert.Equal(t, 2, src.count())
	assert.Equal(t, "e1", a.Status().ETag)
}

func TestAsset_SwapsOnNewETag(t *testing.T) {
	src := &fakeSource{data: []byte("v1"), etag: "e1"}
	a := stringAsset(src, time.Minute)
	ctx := context.Background()

	_, err := a.Get(ctx)
	require.NoError(t, err)

	src.set([]byte("v2"), "e2", nil)
	a.Invalidate()
	v, err := a.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v2", v)
	assert.Equal(t, "e2", a.Status().ETag)
}

func TestAsset_ServesStaleOnFetchError(t *testing.T) {
	src := &fakeSource{data: []byte("v1"), etag: "e1"}
	a := stringAsset(src, time.Minute)
	ctx := context.Background()

	_, err := a.Get(ctx)
	require.NoError(t, err)

	src.set(nil, "", errors.New("source down"))
	a.Invalidate()
	v, err := a.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v1", v)

	st := a.Status()
	assert.True(t, st.Loaded)
	assert.Contains(t, st.LastError, "source down")
	assert.NotEmpty(t, st.Errors)
}

func TestAsset_ServesStaleOnParseError(t *testing.T) {
	src := &fakeSource{data: []byte("v1"), etag: "e1"}
	a := stringAsset(src, time.Minute)
	ctx := context.Background()

	_, err := a.Get(ctx)
	require.NoError(t, err)

	src.set([]byte(""), "e2", nil)
	a.Invalidate()
	v, err := a.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v1", v)
}

func TestAsset_FirstLoadErrorSurfaces(t *testing.T) {
	src := &fakeSource{err: errors.New("no such asset")}
	a := stringAsset(src, time.Minute)

	_, err := a.Get(context.Background())
	require.Error(t, err)
	assert.False(t, a.Status().Loaded)
}

func TestAsset_ErrorLogBounded(t *testing.T) {
	src := &fakeSource{data: []byte("v1"), etag: "e1"}
	a := stringAsset(src, time.Minute)
	ctx := context.Background()
	_, err := a.Get(ctx)
	require.NoError(t, err)

	src.set(nil, "", errors.New("down"))
	for i := 0; i < maxErrLog+5; i++ {
		a.Invalidate()
		_, _ = a.Get(ctx)
	}
	assert.Len(t, a.Status().Errors, maxErrLog)
}

func TestFileSource_NotModified(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"allow":[]}`), 0644))
	src := &FileSource{Path: path}
	ctx := context.Background()

	data, etag, nm, err := src.Fetch(ctx, "")
	require.NoError(t, err)
	assert.False(t, nm)
	assert.NotEmpty(t, etag)
	assert.Equal(t, `{"allow":[]}`, string(data))

	_, etag2, nm, err := src.Fetch(ctx, etag)
	require.NoError(t, err)
	assert.True(t, nm)
	assert.Equal(t, etag, etag2)
}

func TestHTTPSource_IfNoneMatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"e1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"e1"`)
		_, _ = w.Write([]byte(`{"maps":[]}`))
	}))
	defer srv.Close()

	src := &HTTPSource{URL: srv.URL}
	ctx := context.Background()

	data, etag, nm, err := src.Fetch(ctx, "")
	require.NoError(t, err)
	assert.False(t, nm)
	assert.Equal(t, `"e1"`, etag)
	assert.Equal(t, `{"maps":[]}`, string(data))

	_, _, nm, err = src.Fetch(ctx, etag)
	require.NoError(t, err)
	assert.True(t, nm)
}
