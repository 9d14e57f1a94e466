// Package envelope defines the ODIN proof envelope and its verifier. An
// envelope binds a payload's canonical bytes to an Ed25519 proof of
// execution and a JWKS reference for key resolution.
package envelope

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/odin-protocol/gateway/pkg/ope"
)

// Envelope is the wire form of a proof envelope.
type Envelope struct {
	OmlCID     string          `json:"oml_cid"`
	KID        string          `json:"kid"`
	OPE        ope.Record      `json:"ope"`
	JWKSURL    string          `json:"jwks_url,omitempty"`
	JWKSInline json.RawMessage `json:"jwks_inline,omitempty"`
	OmlCB64    string          `json:"oml_c_b64,omitempty"`
	SftID      string          `json:"sft_id,omitempty"`
}

// Wrapped is the {payload, proof} transport form.
type Wrapped struct {
	Payload json.RawMessage `json:"payload"`
	Proof   *Envelope       `json:"proof"`
}

// ExtractWrapped reports whether body is a {payload, proof} envelope and
// decodes it when so.
func ExtractWrapped(body []byte) (*Wrapped, bool) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(body, &probe); err != nil {
		return nil, false
	}
	payload, hasPayload := probe["payload"]
	proofRaw, hasProof := probe["proof"]
	if !hasPayload || !hasProof {
		return nil, false
	}
	var proof Envelope
	if err := json.Unmarshal(proofRaw, &proof); err != nil {
		return nil, false
	}
	return &Wrapped{Payload: payload, Proof: &proof}, true
}

// Content returns the canonical content bytes the envelope covers: the
// embedded oml_c_b64 when present, otherwise the supplied fallback.
func (e *Envelope) Content(fallback []byte) ([]byte, error) {
	if e.OmlCB64 == "" {
		return fallback, nil
	}
	decoded, err := base64.RawURLEncoding.DecodeString(e.OmlCB64)
	if err != nil {
		return nil, fmt.Errorf("envelope: oml_c_b64 is not base64url: %w", err)
	}
	return decoded, nil
}
