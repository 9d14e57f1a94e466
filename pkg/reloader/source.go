package reloader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// FileSource serves an asset from the local filesystem. The entity tag is
// derived from mtime and size, so an untouched file is never re-read.
type FileSource struct {
	Path string
}

func (s *FileSource) Fetch(_ context.Context, etag string) ([]byte, string, bool, error) {
	fi, err := os.Stat(s.Path)
	if err != nil {
		return nil, "", false, err
	}
	current := fmt.Sprintf("%x-%x", fi.ModTime().UnixNano(), fi.Size())
	if etag != "" && etag == current {
		return nil, current, true, nil
	}
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, "", false, err
	}
	return data, current, false, nil
}

// HTTPSource serves an asset over HTTP with If-None-Match revalidation.
type HTTPSource struct {
	URL    string
	Client *http.Client
}

func (s *HTTPSource) client() *http.Client {
	if s.Client != nil {
		return s.Client
	}
	return &http.Client{Timeout: 10 * time.Second}
}

func (s *HTTPSource) Fetch(ctx context.Context, etag string) ([]byte, string, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, "", false, err
	}
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}
	resp, err := s.client().Do(req)
	if err != nil {
		return nil, "", false, err
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		return nil, etag, true, nil
	case resp.StatusCode != http.StatusOK:
		return nil, "", false, fmt.Errorf("%s: status %d", s.URL, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, "", false, err
	}
	return data, resp.Header.Get("ETag"), false, nil
}
