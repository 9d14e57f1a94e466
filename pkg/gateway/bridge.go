package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/odin-protocol/gateway/pkg/oerr"
	"github.com/odin-protocol/gateway/pkg/oml"
	"github.com/odin-protocol/gateway/pkg/receipt"
	"github.com/odin-protocol/gateway/pkg/translate"
)

// Forwarding outcome categories.
const (
	outcomeOK         = "ok"
	outcomeTimeout    = "timeout"
	outcomeRefused    = "refused"
	outcomeUpstream5x = "upstream_5xx"
	outcomeUpstream4x = "upstream_4xx"
)

// handleBridge translates a payload and forwards it to a configured
// upstream, persisting a hop receipt for the forwarding step.
func (g *Gateway) handleBridge(w http.ResponseWriter, r *http.Request) {
	target := r.PathValue("target")
	upstream, known := g.cfg.BridgeTargets[target]
	if !known {
		writeError(w, oerr.Newf(CodeUnknownTarget, "no bridge target %q", target))
		return
	}

	raw, _, ok := g.preprocess(w, r, "/v1/bridge")
	if !ok {
		return
	}

	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		writeError(w, oerr.Newf(CodeInvalidJSON, "payload is not a JSON object: %v", err))
		return
	}

	pol, err := g.policy.Get(r.Context())
	if err != nil {
		g.logger.Error("policy unavailable", "err", err)
		writeError(w, oerr.New(CodeInternal, "policy unavailable"))
		return
	}
	if res := pol.Evaluate(payload); !res.Allowed {
		g.obs.RecordPolicyBlock(r.Context())
		writeError(w, oerr.New(CodePolicyBlocked, "payload blocked by policy").
			WithViolations(res.Violations...))
		return
	}

	// An optional map translates before forwarding; without one the
	// payload crosses the bridge untouched.
	outbound := payload
	extra := map[string]string{}
	if mapID := r.URL.Query().Get("map"); mapID != "" {
		m, found := g.maps.Get(r.Context(), mapID)
		if !found {
			writeError(w, oerr.Newf(CodeMapNotFound, "no map %q", mapID))
			return
		}
		translated, tr, err := g.engine.Translate(payload, m)
		if err != nil {
			writeError(w, asError(err))
			return
		}
		outbound = translated
		extra[HeaderTransformMap] = mapID
		if key, url, ok := g.persistBridgeReceipt(r, payload, translated, mapID, m, tr); ok {
			extra[HeaderTransformReceipt] = key
			if url != "" {
				extra[HeaderTransformReceiptURL] = url
			}
		}
	}

	body, err := json.Marshal(outbound)
	if err != nil {
		writeError(w, oerr.Newf(CodeInternal, "encode outbound payload: %v", err))
		return
	}

	traceID := r.Header.Get(HeaderTraceID)
	if traceID == "" {
		traceID = uuid.NewString()
	}
	hopNo := 1
	if prev, err := strconv.Atoi(r.Header.Get(HeaderHop)); err == nil && prev > 0 {
		hopNo = prev + 1
	}

	status, respBody, outcome := g.forward(r.Context(), upstream, body, traceID, hopNo)

	g.persistHopReceipt(r.Context(), receipt.HopSubject{
		TraceID:           traceID,
		Hop:               hopNo,
		Target:            target,
		URL:               upstream,
		RequestSHA256B64U: oml.SHA256B64U(body),
		Status:            status,
		Outcome:           outcome,
		TsNS:              time.Now().UnixNano(),
	})

	extra[HeaderTraceID] = traceID
	extra[HeaderHop] = strconv.Itoa(hopNo)

	if outcome != outcomeOK && outcome != outcomeUpstream4x {
		writeError(w, oerr.Newf(CodeUpstream, "upstream %s: %s", target, outcome).
			WithDetail("outcome", outcome).
			WithDetail("trace_id", traceID))
		return
	}
	g.respondRaw(w, r, "/v1/bridge", status, "application/json", respBody, extra)
}

// forward posts body to upstream, retrying timeouts and 5xx responses with
// a fixed backoff.
func (g *Gateway) forward(ctx context.Context, upstream string, body []byte, traceID string, hopNo int) (status int, respBody []byte, outcome string) {
	attempts := g.cfg.BridgeRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return 0, nil, outcomeTimeout
			case <-time.After(g.cfg.BridgeBackoff):
			}
		}

		status, respBody, outcome = g.forwardOnce(ctx, upstream, body, traceID, hopNo)
		if outcome != outcomeTimeout && outcome != outcomeUpstream5x {
			return status, respBody, outcome
		}
	}
	return status, respBody, outcome
}

func (g *Gateway) forwardOnce(ctx context.Context, upstream string, body []byte, traceID string, hopNo int) (int, []byte, string) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.BridgeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, upstream, bytes.NewReader(body))
	if err != nil {
		return 0, nil, outcomeRefused
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderTraceID, traceID)
	req.Header.Set(HeaderHop, strconv.Itoa(hopNo))

	resp, err := g.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return 0, nil, outcomeTimeout
		}
		return 0, nil, outcomeRefused
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, g.cfg.MaxBodyBytes))
	if err != nil {
		return resp.StatusCode, nil, outcomeRefused
	}
	switch {
	case resp.StatusCode >= 500:
		return resp.StatusCode, respBody, outcomeUpstream5x
	case resp.StatusCode >= 400:
		return resp.StatusCode, respBody, outcomeUpstream4x
	default:
		return resp.StatusCode, respBody, outcomeOK
	}
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

func (g *Gateway) persistBridgeReceipt(r *http.Request, input, output map[string]any, mapID string, m *translate.Map, tr *translate.Receipt) (string, string, bool) {
	in := receiptInput(input, output, mapID, m, tr)
	in.Stage = "bridge"
	rec, err := g.builder.Build(in)
	if err != nil {
		g.logger.Warn("receipt build failed", "map", mapID, "err", err)
		g.obs.RecordReceiptPersistFailure(r.Context())
		return "", "", false
	}
	key, url, err := g.builder.Persist(r.Context(), rec, mapID, "bridge", tr.InputCID)
	if err != nil {
		g.logger.Warn("receipt persist failed", "map", mapID, "err", err)
		g.obs.RecordReceiptPersistFailure(r.Context())
		return "", "", false
	}
	return key, url, true
}

func (g *Gateway) persistHopReceipt(ctx context.Context, sub receipt.HopSubject) {
	hop, err := g.builder.BuildHop(sub)
	if err != nil {
		g.logger.Warn("hop receipt build failed", "trace_id", sub.TraceID, "err", err)
		g.obs.RecordReceiptPersistFailure(ctx)
		return
	}
	if _, _, err := g.builder.PersistHop(ctx, hop); err != nil {
		g.logger.Warn("hop receipt persist failed", "trace_id", sub.TraceID, "err", err)
		g.obs.RecordReceiptPersistFailure(ctx)
	}
}
