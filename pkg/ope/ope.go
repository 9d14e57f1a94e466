// Package ope implements the ODIN Proof of Execution: an Ed25519 signature
// over exact canonical content bytes, bound to the content's CID.
package ope

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/odin-protocol/gateway/pkg/keys"
	"github.com/odin-protocol/gateway/pkg/oml"
)

// Record is the wire form of a proof of execution.
type Record struct {
	KID     string `json:"kid"`
	OmlCID  string `json:"oml_cid"`
	SigB64U string `json:"sig_b64u"`
}

// Verification failure reasons.
const (
	ReasonCIDMismatch = "cid_mismatch"
	ReasonKidNotFound = "kid_not_found"
	ReasonSigInvalid  = "sig_invalid"
)

// VerifyError carries the stable failure reason.
type VerifyError struct {
	Reason string
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("ope: verification failed: %s", e.Reason)
}

// Reason extracts the failure reason from a verification error, or "".
func Reason(err error) string {
	var ve *VerifyError
	if errors.As(err, &ve) {
		return ve.Reason
	}
	return ""
}

// Sign produces a Record over content. The signature covers the exact bytes
// with no prehashing; cid is recorded but not folded into the signature.
func Sign(kp *keys.Keypair, content []byte, cid string) (Record, error) {
	if kp == nil || kp.Priv == nil {
		return Record{}, errors.New("ope: keypair cannot sign")
	}
	sig := ed25519.Sign(kp.Priv, content)
	return Record{
		KID:     kp.KID,
		OmlCID:  cid,
		SigB64U: base64.RawURLEncoding.EncodeToString(sig),
	}, nil
}

// Verify checks a Record against content and a JWKS. The content CID must
// match, the kid must resolve and the signature must verify.
func Verify(rec Record, content []byte, set *keys.JWKS) error {
	if oml.CID(content) != rec.OmlCID {
		return &VerifyError{Reason: ReasonCIDMismatch}
	}
	pub, ok := set.Resolve(rec.KID)
	if !ok {
		return &VerifyError{Reason: ReasonKidNotFound}
	}
	sig, err := base64.RawURLEncoding.DecodeString(rec.SigB64U)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return &VerifyError{Reason: ReasonSigInvalid}
	}
	if !ed25519.Verify(pub, content, sig) {
		return &VerifyError{Reason: ReasonSigInvalid}
	}
	return nil
}
