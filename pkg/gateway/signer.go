package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"

	"github.com/odin-protocol/gateway/pkg/envelope"
	"github.com/odin-protocol/gateway/pkg/keys"
	"github.com/odin-protocol/gateway/pkg/oerr"
	"github.com/odin-protocol/gateway/pkg/oml"
	"github.com/odin-protocol/gateway/pkg/ope"
	"github.com/odin-protocol/gateway/pkg/storage"
)

// Signer negotiates and attaches response proofs.
type Signer struct {
	Keys    *keys.Keystore
	JWKSURL string
	Embed   bool
	Store   storage.Store // optional; persists canonical bytes for OML-C-Path
	Logger  *slog.Logger
}

// SignResult is the outcome of proof negotiation for one response.
type SignResult struct {
	Status  string            // signed, absent, ignored
	Body    []byte            // response body, rewritten when embedding
	Headers map[string]string // proof headers to attach
}

// decide applies the negotiation table. reject means the request must fail
// with 406 proof.required.
func decide(routeSigned bool, pref string, isJSON bool) (sign bool, status string, reject bool) {
	if pref == ProofRequired && !isJSON {
		return false, StatusAbsent, true
	}
	if !isJSON {
		return false, StatusAbsent, false
	}
	switch {
	case routeSigned && (pref == ProofNone || pref == ""):
		return true, StatusIgnore, false
	case routeSigned:
		return true, StatusSigned, false
	case pref == ProofRequired || pref == ProofIfAvailable:
		return true, StatusSigned, false
	default:
		return false, StatusAbsent, false
	}
}

// Process negotiates the proof for body. routeSigned says the route is
// configured to always sign; pref is the client's Accept-Proof preference.
func (s *Signer) Process(ctx context.Context, routeSigned bool, pref string, body []byte) (SignResult, error) {
	var parsed any
	isJSON := json.Unmarshal(body, &parsed) == nil

	// A body that is already an envelope gets its proof mirrored into
	// headers without re-signing.
	if isJSON {
		if w, ok := envelope.ExtractWrapped(body); ok && w.Proof != nil {
			return SignResult{
				Status:  StatusSigned,
				Body:    body,
				Headers: proofHeaders(w.Proof, StatusSigned),
			}, nil
		}
	}

	sign, status, reject := decide(routeSigned, pref, isJSON)
	if reject {
		return SignResult{Status: StatusAbsent}, oerr.New(CodeProofRequired, "proof required but response is not JSON")
	}
	if !sign {
		return SignResult{Status: status, Body: body, Headers: map[string]string{HeaderProofStatus: status}}, nil
	}

	canonical, err := oml.Canonicalize(parsed, oml.AlgJSON)
	if err != nil {
		return SignResult{Status: StatusAbsent}, oerr.Newf(CodeSignStreamError, "canonicalize response: %v", err)
	}
	cid := oml.CID(canonical)

	signer, err := s.Keys.Signer()
	if err != nil {
		return SignResult{Status: StatusAbsent}, oerr.Newf(CodeSignStreamError, "no signing key: %v", err)
	}
	rec, err := ope.Sign(signer, canonical, cid)
	if err != nil {
		return SignResult{Status: StatusAbsent}, oerr.Newf(CodeSignStreamError, "sign response: %v", err)
	}

	env := &envelope.Envelope{
		OmlCID:  cid,
		KID:     signer.KID,
		OPE:     rec,
		JWKSURL: s.JWKSURL,
	}

	// Content persistence backs the OML-C-Path header; a failed write just
	// leaves the path header off.
	contentKey := storage.KeyPrefixOML + cid + ".json"
	if s.Store != nil {
		if _, err := s.Store.Put(ctx, contentKey, canonical, "application/json", nil); err != nil {
			s.log().Warn("oml content persist failed", "key", contentKey, "err", err)
			contentKey = ""
		}
	} else {
		contentKey = ""
	}

	headers := proofHeaders(env, status)
	if contentKey != "" {
		headers[HeaderOMLCPath] = contentKey
	}

	out := body
	if s.Embed {
		wrapped, err := json.Marshal(envelope.Wrapped{Payload: json.RawMessage(body), Proof: env})
		if err != nil {
			return SignResult{Status: StatusAbsent}, oerr.Newf(CodeSignStreamError, "embed proof: %v", err)
		}
		out = wrapped
	}
	return SignResult{Status: status, Body: out, Headers: headers}, nil
}

func proofHeaders(env *envelope.Envelope, status string) map[string]string {
	opeJSON, _ := json.Marshal(env.OPE)
	h := map[string]string{
		HeaderOMLCID:      env.OmlCID,
		HeaderOPE:         base64.RawURLEncoding.EncodeToString(opeJSON),
		HeaderOPEKID:      env.KID,
		HeaderProofStatus: status,
	}
	if env.JWKSURL != "" {
		h[HeaderJWKS] = env.JWKSURL
	}
	return h
}

func (s *Signer) log() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
