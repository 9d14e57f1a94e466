package keys

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// JWK is one Ed25519 public key in JWKS form.
type JWK struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	KID string `json:"kid"`
	Alg string `json:"alg,omitempty"`
	Use string `json:"use,omitempty"`
}

// JWKS is a JSON Web Key Set restricted to Ed25519 signing keys.
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// ParseJWKS parses and validates a JWKS document. Duplicate kids, duplicate
// key material and malformed keys are rejected at load.
func ParseJWKS(data []byte) (*JWKS, error) {
	var set JWKS
	if err := json.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("jwks: parse: %w", err)
	}
	if len(set.Keys) == 0 {
		return nil, fmt.Errorf("jwks: no keys")
	}
	seenKID := make(map[string]bool, len(set.Keys))
	seenX := make(map[string]bool, len(set.Keys))
	for i, k := range set.Keys {
		if k.Kty != "OKP" || k.Crv != "Ed25519" {
			return nil, fmt.Errorf("jwks: key %d: unsupported kty/crv %q/%q", i, k.Kty, k.Crv)
		}
		if k.KID == "" {
			return nil, fmt.Errorf("jwks: key %d: missing kid", i)
		}
		raw, err := base64.RawURLEncoding.DecodeString(k.X)
		if err != nil {
			return nil, fmt.Errorf("jwks: key %q: x is not base64url: %w", k.KID, err)
		}
		if len(raw) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("jwks: key %q: x is %d bytes, want %d", k.KID, len(raw), ed25519.PublicKeySize)
		}
		if seenKID[k.KID] {
			return nil, fmt.Errorf("jwks: duplicate kid %q", k.KID)
		}
		if seenX[k.X] {
			return nil, fmt.Errorf("jwks: duplicate key material for kid %q", k.KID)
		}
		seenKID[k.KID] = true
		seenX[k.X] = true
	}
	return &set, nil
}

// Resolve returns the public key for kid, if present.
func (s *JWKS) Resolve(kid string) (ed25519.PublicKey, bool) {
	for _, k := range s.Keys {
		if k.KID == kid {
			raw, err := base64.RawURLEncoding.DecodeString(k.X)
			if err != nil {
				return nil, false
			}
			return ed25519.PublicKey(raw), true
		}
	}
	return nil, false
}
