package envelope

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/odin-protocol/gateway/pkg/keys"
	"github.com/odin-protocol/gateway/pkg/oml"
	"github.com/odin-protocol/gateway/pkg/ope"
)

// Verification failure reasons beyond the OPE set.
const (
	ReasonContentMissing = "content_missing"
	ReasonContentInvalid = "content_invalid"
	ReasonJWKSMissing    = "jwks_missing"
	ReasonJWKSInvalid    = "jwks_invalid"
)

// Result is the outcome of envelope verification. A false OK carries the
// stable reason; network failures are returned as errors instead.
type Result struct {
	OK     bool   `json:"ok"`
	CID    string `json:"cid,omitempty"`
	KID    string `json:"kid,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type cachedJWKS struct {
	set  *keys.JWKS
	etag string
}

// Verifier checks proof envelopes. JWKS fetches are cached by URL for the
// cache TTL; once the TTL lapses the last known set is revalidated with
// If-None-Match before a full refetch.
type Verifier struct {
	client *http.Client
	cache  *ttlcache.Cache[string, cachedJWKS]
	logger *slog.Logger

	mu    sync.Mutex
	known map[string]cachedJWKS
}

// NewVerifier builds a Verifier with a 5 s JWKS fetch budget and a 60 s
// fetch cache.
func NewVerifier(logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{
		client: &http.Client{Timeout: 5 * time.Second},
		cache: ttlcache.New[string, cachedJWKS](
			ttlcache.WithTTL[string, cachedJWKS](60 * time.Second),
		),
		logger: logger,
		known:  make(map[string]cachedJWKS),
	}
}

// Verify checks env against content. When the envelope embeds oml_c_b64 it
// takes precedence over the supplied content. baseURL makes relative JWKS
// URLs absolute.
func (v *Verifier) Verify(ctx context.Context, env *Envelope, content []byte, baseURL string) (Result, error) {
	raw, err := env.Content(content)
	if err != nil {
		return Result{Reason: ReasonContentInvalid}, nil
	}
	if len(raw) == 0 {
		return Result{Reason: ReasonContentMissing}, nil
	}

	// Proofs cover the canonical form, so content that an intermediary
	// re-serialized (key order, whitespace) keeps its proof.
	canonical, err := canonicalContent(raw)
	if err != nil {
		return Result{Reason: ReasonContentInvalid}, nil
	}

	cid := oml.CID(canonical)
	if cid != env.OmlCID {
		return Result{CID: cid, Reason: ope.ReasonCIDMismatch}, nil
	}

	set, reason, err := v.resolveJWKS(ctx, env, baseURL)
	if err != nil {
		return Result{}, err
	}
	if set == nil {
		return Result{CID: cid, Reason: reason}, nil
	}

	rec := env.OPE
	if rec.OmlCID != env.OmlCID {
		return Result{CID: cid, Reason: ope.ReasonCIDMismatch}, nil
	}
	if err := ope.Verify(rec, canonical, set); err != nil {
		return Result{CID: cid, KID: rec.KID, Reason: ope.Reason(err)}, nil
	}
	return Result{OK: true, CID: cid, KID: rec.KID}, nil
}

// JWKSHost returns the host of the envelope's JWKS URL, or "" when the
// envelope carries inline keys or no URL.
func (e *Envelope) JWKSHost(baseURL string) string {
	if len(e.JWKSInline) > 0 || e.JWKSURL == "" {
		return ""
	}
	u, err := resolveURL(e.JWKSURL, baseURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

func (v *Verifier) resolveJWKS(ctx context.Context, env *Envelope, baseURL string) (*keys.JWKS, string, error) {
	if len(env.JWKSInline) > 0 {
		set, err := keys.ParseJWKS(env.JWKSInline)
		if err != nil {
			return nil, ReasonJWKSInvalid, nil
		}
		return set, "", nil
	}
	if env.JWKSURL == "" {
		return nil, ReasonJWKSMissing, nil
	}
	u, err := resolveURL(env.JWKSURL, baseURL)
	if err != nil {
		return nil, ReasonJWKSInvalid, nil
	}
	set, err := v.fetchJWKS(ctx, u.String())
	if err != nil {
		return nil, "", err
	}
	return set, "", nil
}

func (v *Verifier) fetchJWKS(ctx context.Context, url string) (*keys.JWKS, error) {
	if item := v.cache.Get(url); item != nil {
		return item.Value().set, nil
	}

	v.mu.Lock()
	prev, revalidate := v.known[url]
	v.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("envelope: jwks request: %w", err)
	}
	if revalidate && prev.etag != "" {
		req.Header.Set("If-None-Match", prev.etag)
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("envelope: jwks fetch %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotModified && revalidate {
		v.cache.Set(url, prev, ttlcache.DefaultTTL)
		return prev.set, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("envelope: jwks fetch %s: status %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("envelope: jwks read %s: %w", url, err)
	}
	set, err := keys.ParseJWKS(body)
	if err != nil {
		return nil, fmt.Errorf("envelope: jwks parse %s: %w", url, err)
	}
	entry := cachedJWKS{set: set, etag: resp.Header.Get("ETag")}
	v.cache.Set(url, entry, ttlcache.DefaultTTL)
	v.mu.Lock()
	v.known[url] = entry
	v.mu.Unlock()
	return set, nil
}

// canonicalContent re-derives the canonical bytes the proof was computed
// over from whatever serialization the transport delivered.
func canonicalContent(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return nil, err
	}
	return oml.Canonicalize(tree, oml.AlgJSON)
}

func resolveURL(raw, base string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.IsAbs() {
		return u, nil
	}
	if base == "" {
		return nil, fmt.Errorf("relative jwks url %q without base", raw)
	}
	b, err := url.Parse(base)
	if err != nil {
		return nil, err
	}
	return b.ResolveReference(u), nil
}
