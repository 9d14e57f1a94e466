package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/odin-protocol/gateway/pkg/oerr"
	"github.com/odin-protocol/gateway/pkg/receipt"
	"github.com/odin-protocol/gateway/pkg/translate"
)

func receiptInput(input, output map[string]any, mapID string, m *translate.Map, tr *translate.Receipt) receipt.BuildInput {
	return receipt.BuildInput{
		Input:       input,
		Output:      output,
		SftFrom:     m.FromSFT,
		SftTo:       m.ToSFT,
		MapID:       mapID,
		MapObj:      m,
		OutOmlCID:   tr.OutputCID,
		CanonAlg:    m.Alg(),
		Stage:       "translate",
		Translation: tr,
	}
}

// handleTranslate runs the full pipeline for one translation request:
// verify (enforced routes), content policy, translate, receipt, sign.
func (g *Gateway) handleTranslate(w http.ResponseWriter, r *http.Request) {
	raw, _, ok := g.preprocess(w, r, "/v1/translate")
	if !ok {
		return
	}

	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		writeError(w, oerr.Newf(CodeInvalidJSON, "payload is not a JSON object: %v", err))
		return
	}

	mapID := r.URL.Query().Get("map")
	if mapID == "" {
		mapID = r.Header.Get(HeaderTransformMap)
	}
	m, found := g.maps.Get(r.Context(), mapID)
	if mapID == "" || !found {
		writeError(w, oerr.Newf(CodeMapNotFound, "no map %q", mapID))
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

	translated, tr, err := g.engine.Translate(payload, m)
	if err != nil {
		writeError(w, asError(err))
		return
	}

	extra := map[string]string{HeaderTransformMap: mapID}
	if key, url, ok := g.persistReceipt(r, payload, translated, mapID, m, tr); ok {
		extra[HeaderTransformReceipt] = key
		if url != "" {
			extra[HeaderTransformReceiptURL] = url
		}
	}

	g.respond(w, r, "/v1/translate", http.StatusOK, translated, extra)
}

// persistReceipt is the soft receipt path: a build or storage failure is
// counted and logged but never fails the request.
func (g *Gateway) persistReceipt(r *http.Request, input, output map[string]any, mapID string, m *translate.Map, tr *translate.Receipt) (key, url string, ok bool) {
	rec, err := g.builder.Build(receiptInput(input, output, mapID, m, tr))
	if err != nil {
		g.logger.Warn("receipt build failed", "map", mapID, "err", err)
		g.obs.RecordReceiptPersistFailure(r.Context())
		return "", "", false
	}
	key, url, err = g.builder.Persist(r.Context(), rec, mapID, "translate", tr.InputCID)
	if err != nil {
		g.logger.Warn("receipt persist failed", "map", mapID, "err", err)
		g.obs.RecordReceiptPersistFailure(r.Context())
		return "", "", false
	}
	return key, url, true
}
