package gateway

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/odin-protocol/gateway/pkg/reloader"
	"github.com/odin-protocol/gateway/pkg/translate"
)

var mapExtensions = []string{".json", ".yaml", ".yml"}

// MapCache serves SftMaps from a directory, one hot-reloadable asset per
// map. Map ids are file names without extension.
type MapCache struct {
	dir    string
	ttl    time.Duration
	logger *slog.Logger

	mu     sync.Mutex
	assets map[string]*reloader.Asset[*translate.Map]
}

// MapInfo is one entry of the map listing.
type MapInfo struct {
	ID      string `json:"id"`
	FromSFT string `json:"from_sft"`
	ToSFT   string `json:"to_sft"`
	ETag    string `json:"etag,omitempty"`
}

// NewMapCache builds a cache over dir. Missing maps stay absent until a
// matching file appears.
func NewMapCache(dir string, ttl time.Duration, logger *slog.Logger) *MapCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &MapCache{
		dir:    dir,
		ttl:    ttl,
		logger: logger,
		assets: make(map[string]*reloader.Asset[*translate.Map]),
	}
}

// Register installs a fixed map under id, bypassing the directory. Used
// for programmatic setup and tests.
func (c *MapCache) Register(id string, m *translate.Map) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.assets[id] = reloader.Static("sft_map("+id+")", m)
}

// Get returns the map registered under id, loading it from the directory
// on first use.
func (c *MapCache) Get(ctx context.Context, id string) (*translate.Map, bool) {
	c.mu.Lock()
	asset, ok := c.assets[id]
	if !ok {
		path := c.findFile(id)
		if path == "" {
			c.mu.Unlock()
			return nil, false
		}
		asset = reloader.NewAsset("sft_map("+id+")", &reloader.FileSource{Path: path}, c.ttl, translate.ParseMap, c.logger)
		c.assets[id] = asset
	}
	c.mu.Unlock()

	m, err := asset.Get(ctx)
	if err != nil {
		c.logger.Warn("map load failed", "map", id, "err", err)
		return nil, false
	}
	return m, true
}

// List returns the known maps sorted by id, including directory entries
// not yet loaded.
func (c *MapCache) List(ctx context.Context) []MapInfo {
	for _, id := range c.scanDir() {
		c.Get(ctx, id)
	}

	c.mu.Lock()
	ids := make([]string, 0, len(c.assets))
	for id := range c.assets {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	sort.Strings(ids)

	out := make([]MapInfo, 0, len(ids))
	for _, id := range ids {
		m, ok := c.Get(ctx, id)
		if !ok {
			continue
		}
		c.mu.Lock()
		etag := c.assets[id].Status().ETag
		c.mu.Unlock()
		out = append(out, MapInfo{ID: id, FromSFT: m.FromSFT, ToSFT: m.ToSFT, ETag: etag})
	}
	return out
}

// findFile resolves id to a file under dir. Path traversal in ids is
// rejected outright.
func (c *MapCache) findFile(id string) string {
	if c.dir == "" || strings.ContainsAny(id, "/\\") || strings.Contains(id, "..") {
		return ""
	}
	for _, ext := range mapExtensions {
		path := filepath.Join(c.dir, id+ext)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

func (c *MapCache) scanDir() []string {
	if c.dir == "" {
		return nil
	}
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		ext := filepath.Ext(name)
		for _, known := range mapExtensions {
			if ext == known {
				ids = append(ids, strings.TrimSuffix(name, ext))
				break
			}
		}
	}
	return ids
}
