package gateway

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/odin-protocol/gateway/pkg/ledger"
	"github.com/odin-protocol/gateway/pkg/oerr"
	"github.com/odin-protocol/gateway/pkg/storage"
)

// handleLedger serves the receipt event index, newest first.
func (g *Gateway) handleLedger(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := ledger.Filter{
		Map:       q.Get("map"),
		CIDPrefix: q.Get("cid_prefix"),
	}
	if v := q.Get("since_ns"); v != "" {
		ns, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, oerr.Newf(CodeInvalidJSON, "since_ns: %v", err))
			return
		}
		f.SinceNS = ns
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, oerr.Newf(CodeInvalidJSON, "limit: %q", v))
			return
		}
		f.Limit = n
	}

	events, err := g.ledger.Query(r.Context(), f)
	if err != nil {
		g.logger.Error("ledger query failed", "err", err)
		writeError(w, oerr.New(CodeInternal, "ledger unavailable"))
		return
	}
	if events == nil {
		events = []ledger.Event{}
	}
	g.respond(w, r, "/v1/ledger", http.StatusOK, map[string]any{"events": events}, nil)
}

// handleMaps lists the loaded SftMaps with their ETags.
func (g *Gateway) handleMaps(w http.ResponseWriter, r *http.Request) {
	infos := g.maps.List(r.Context())
	if infos == nil {
		infos = []MapInfo{}
	}
	g.respond(w, r, "/v1/maps", http.StatusOK, map[string]any{"maps": infos}, nil)
}

// handleReceipt serves persisted transform receipt bytes with a strong
// ETag and immutable caching.
func (g *Gateway) handleReceipt(w http.ResponseWriter, r *http.Request) {
	cid := r.PathValue("cid")
	if cid == "" || strings.ContainsAny(cid, "/\\") || strings.Contains(cid, "..") {
		writeError(w, oerr.New(CodeInvalidJSON, "malformed receipt id"))
		return
	}

	data, err := g.store.Get(r.Context(), storage.KeyPrefixTransformReceipt+cid+".json")
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, oerr.Newf(CodeMapNotFound, "no receipt %q", cid).WithHint(http.StatusNotFound))
		return
	}
	if err != nil {
		g.logger.Error("receipt fetch failed", "cid", cid, "err", err)
		writeError(w, oerr.New(CodeInternal, "storage unavailable"))
		return
	}

	sum := sha256.Sum256(data)
	etag := `"` + hex.EncodeToString(sum[:]) + `"`
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

// handleDiscovery serves the protocol discovery document.
func (g *Gateway) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	base := strings.TrimSuffix(g.cfg.PublicBaseURL, "/")
	doc := map[string]any{
		"protocol": "odin/0.1",
		"jwks_url": base + PathJWKS,
		"endpoints": map[string]string{
			"translate": "/v1/translate",
			"bridge":    "/v1/bridge/{target}",
			"ledger":    "/v1/ledger",
			"maps":      "/v1/maps",
			"receipts":  "/v1/receipts/{cid}",
		},
		"capabilities": []string{"translate", "bridge", "receipts", "ledger"},
		"policy": map[string]any{
			"enforce_routes": g.cfg.EnforceRoutes,
			"sign_routes":    g.cfg.SignRoutes,
		},
	}
	w.Header().Set("Cache-Control", "public, max-age=60")
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(doc)
}

// handleJWKS serves the gateway's public keys.
func (g *Gateway) handleJWKS(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Cache-Control", "public, max-age=60")
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(g.keys.ToJWKS())
}

func (g *Gateway) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// handleReadyz verifies the keystore can sign and storage answers.
func (g *Gateway) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if _, err := g.keys.Signer(); err != nil {
		http.Error(w, "keystore not ready", http.StatusServiceUnavailable)
		return
	}
	if _, err := g.store.Exists(r.Context(), storage.KeyPrefixReceipts+".probe"); err != nil {
		http.Error(w, "storage not ready", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ready"}`))
}
