// Package gateway wires the ODIN pipeline into an HTTP surface: envelope
// verification, policy, translation, receipts, response signing and the
// discovery endpoints.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/odin-protocol/gateway/pkg/config"
	"github.com/odin-protocol/gateway/pkg/envelope"
	"github.com/odin-protocol/gateway/pkg/hel"
	"github.com/odin-protocol/gateway/pkg/keys"
	"github.com/odin-protocol/gateway/pkg/ledger"
	"github.com/odin-protocol/gateway/pkg/observability"
	"github.com/odin-protocol/gateway/pkg/oerr"
	"github.com/odin-protocol/gateway/pkg/receipt"
	"github.com/odin-protocol/gateway/pkg/reloader"
	"github.com/odin-protocol/gateway/pkg/sft"
	"github.com/odin-protocol/gateway/pkg/storage"
	"github.com/odin-protocol/gateway/pkg/translate"
)

// Options collects the gateway's collaborators. Config, Keys, Store and
// Ledger are required; the rest default sensibly.
type Options struct {
	Config   *config.Config
	Logger   *slog.Logger
	Keys     *keys.Keystore
	Store    storage.Store
	Ledger   ledger.Ledger
	Policy   *reloader.Asset[*hel.Engine]
	Registry *sft.Registry
	Maps     *MapCache
	Obs      *observability.Provider
}

// Gateway owns the request lifecycle. All mutable state (policy, maps,
// SFT registry) sits behind atomic-swap holders; handlers only ever see
// consistent snapshots.
type Gateway struct {
	cfg      *config.Config
	logger   *slog.Logger
	keys     *keys.Keystore
	store    storage.Store
	ledger   ledger.Ledger
	verifier *envelope.Verifier
	policy   *reloader.Asset[*hel.Engine]
	registry *sft.Registry
	engine   *translate.Engine
	maps     *MapCache
	builder  *receipt.Builder
	signer   *Signer
	obs      *observability.Provider
	limiter  *rateLimiter
	quota    *quotaCounter
	client   *http.Client

	enforceRoutes map[string]bool
	signRoutes    map[string]bool
}

// New assembles a Gateway from its collaborators.
func New(opts Options) (*Gateway, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, oerr.New(CodeInternal, "gateway requires a config")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	policy := opts.Policy
	if policy == nil {
		eng, err := hel.NewEngine(nil)
		if err != nil {
			return nil, err
		}
		policy = reloader.Static("policy", eng)
	}
	registry := opts.Registry
	if registry == nil {
		registry = sft.NewRegistry()
	}
	maps := opts.Maps
	if maps == nil {
		maps = NewMapCache(cfg.SFTMapsDir, cfg.DynamicTTL, logger)
	}
	obs := opts.Obs
	if obs == nil {
		var err error
		obs, err = observability.New(context.Background(), nil)
		if err != nil {
			return nil, err
		}
	}

	jwksURL := PathJWKS
	if cfg.PublicBaseURL != "" {
		jwksURL = strings.TrimSuffix(cfg.PublicBaseURL, "/") + PathJWKS
	}

	g := &Gateway{
		cfg:      cfg,
		logger:   logger,
		keys:     opts.Keys,
		store:    opts.Store,
		ledger:   opts.Ledger,
		verifier: envelope.NewVerifier(logger),
		policy:   policy,
		registry: registry,
		engine:   translate.New(registry),
		maps:     maps,
		obs:      obs,
		limiter:  newRateLimiter(cfg.TenantRateQPS),
		quota:    newQuotaCounter(cfg.TenantQuotaMonthly),
		client:   &http.Client{Timeout: cfg.BridgeTimeout},

		enforceRoutes: toSet(cfg.EnforceRoutes),
		signRoutes:    toSet(cfg.SignRoutes),
	}
	g.builder = &receipt.Builder{
		Keys:    opts.Keys,
		Store:   opts.Store,
		Ledger:  opts.Ledger,
		JWKSURL: jwksURL,
		Redact:  cfg.ReceiptRedact,
		Logger:  logger,
		Obs:     obs,
	}
	g.signer = &Signer{
		Keys:    opts.Keys,
		JWKSURL: jwksURL,
		Embed:   cfg.SignEmbed,
		Store:   opts.Store,
		Logger:  logger,
	}
	return g, nil
}

// Engine exposes the translation engine for coverage gate setup.
func (g *Gateway) Engine() *translate.Engine {
	return g.engine
}

// Handler returns the gateway's HTTP surface.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/translate", g.guarded("/v1/translate", g.handleTranslate))
	mux.HandleFunc("POST /v1/bridge/{target}", g.guarded("/v1/bridge", g.handleBridge))
	mux.HandleFunc("GET /v1/ledger", g.guarded("/v1/ledger", g.handleLedger))
	mux.HandleFunc("GET /v1/maps", g.guarded("/v1/maps", g.handleMaps))
	mux.HandleFunc("GET /v1/receipts/{cid}", g.guarded("/v1/receipts", g.handleReceipt))
	mux.HandleFunc("GET "+PathDiscovery, g.handleDiscovery)
	mux.HandleFunc("GET "+PathJWKS, g.handleJWKS)
	mux.HandleFunc("GET /healthz", g.handleHealthz)
	mux.HandleFunc("GET /readyz", g.handleReadyz)
	return mux
}

// guarded wraps a handler with quota, rate limiting and request tracking.
func (g *Gateway) guarded(route string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenant := tenantFor(r)
		if !g.quota.Take(tenant) {
			w.Header().Set("Content-Type", "text/plain")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte("tenant_quota_exceeded"))
			return
		}
		if !g.limiter.Allow(tenant) {
			writeError(w, oerr.New(CodeRateLimited, "rate limit exceeded"))
			return
		}

		ctx, done := g.obs.TrackRequest(r.Context(), route)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r.WithContext(ctx))
		if rec.status >= 500 {
			done(oerr.New(CodeInternal, http.StatusText(rec.status)))
		} else {
			done(nil)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// verified carries the request proof outcome through a handler.
type verified struct {
	Proven bool
	KID    string
	CID    string
}

// preprocess runs the inbound half of the pipeline: bounded body read,
// envelope extraction and, on enforced routes, verification plus metadata
// policy. It writes the error response itself when ok is false.
func (g *Gateway) preprocess(w http.ResponseWriter, r *http.Request, route string) (payload []byte, v verified, ok bool) {
	body, oe := readBody(r, g.cfg.MaxBodyBytes)
	if oe != nil {
		writeError(w, oe)
		return nil, v, false
	}

	wrapped, isWrapped := envelope.ExtractWrapped(body)
	enforced := g.enforceRoutes[route] || g.cfg.HTTPSignRequire

	if !enforced {
		if isWrapped {
			return wrapped.Payload, v, true
		}
		return body, v, true
	}

	if !isWrapped || wrapped.Proof == nil {
		writeError(w, oerr.New(CodeProofMissing, "route requires a proof envelope"))
		return nil, v, false
	}

	res, err := g.verifier.Verify(r.Context(), wrapped.Proof, wrapped.Payload, g.cfg.PublicBaseURL)
	if err != nil {
		g.logger.Error("envelope verification failed", "route", route, "err", err)
		writeError(w, oerr.New(CodeInternal, "verification unavailable"))
		return nil, v, false
	}
	if !res.OK {
		writeError(w, oerr.Newf(CodeProofInvalid, "proof rejected: %s", res.Reason).
			WithDetail("reason", res.Reason))
		return nil, v, false
	}

	pol, err := g.policy.Get(r.Context())
	if err != nil {
		g.logger.Error("policy unavailable", "err", err)
		writeError(w, oerr.New(CodeInternal, "policy unavailable"))
		return nil, v, false
	}
	if !pol.KidAllowed(res.KID) {
		g.obs.RecordPolicyBlock(r.Context())
		writeError(w, oerr.Newf(CodePolicyBlocked, "signing key %q not allowed", res.KID))
		return nil, v, false
	}
	if host := wrapped.Proof.JWKSHost(g.cfg.PublicBaseURL); host != "" && !pol.HostAllowed(host) {
		g.obs.RecordPolicyBlock(r.Context())
		writeError(w, oerr.Newf(CodeJWKSHostForbidden, "jwks host %q not allowed", host))
		return nil, v, false
	}

	return wrapped.Payload, verified{Proven: true, KID: res.KID, CID: res.CID}, true
}

// respond applies response-proof negotiation and writes v as JSON with any
// extra headers.
func (g *Gateway) respond(w http.ResponseWriter, r *http.Request, route string, status int, v any, extra map[string]string) {
	body, err := json.Marshal(v)
	if err != nil {
		writeError(w, oerr.Newf(CodeSignStreamError, "encode response: %v", err))
		return
	}
	g.respondRaw(w, r, route, status, "application/json", body, extra)
}

// respondRaw negotiates proofs over pre-encoded bytes.
func (g *Gateway) respondRaw(w http.ResponseWriter, r *http.Request, route string, status int, contentType string, body []byte, extra map[string]string) {
	pref := strings.ToLower(r.Header.Get(HeaderAcceptProof))
	routeSigned := g.signRoutes[route]
	if routeSigned && pref == "" && g.cfg.SignRequire {
		pref = ProofRequired
	}
	res, err := g.signer.Process(r.Context(), routeSigned, pref, body)
	if err != nil {
		oe := asError(err)
		w.Header().Set(HeaderProofStatus, StatusAbsent)
		writeError(w, oe)
		return
	}
	for k, val := range extra {
		w.Header().Set(k, val)
	}
	for k, val := range res.Headers {
		w.Header().Set(k, val)
	}
	if w.Header().Get(HeaderProofStatus) == "" {
		w.Header().Set(HeaderProofStatus, res.Status)
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	_, _ = w.Write(res.Body)
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, it := range items {
		set[it] = true
	}
	return set
}

// Server builds an http.Server around the gateway handler.
func (g *Gateway) Server() *http.Server {
	return &http.Server{
		Addr:              ":" + g.cfg.Port,
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}
