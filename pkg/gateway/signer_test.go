package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odin-protocol/gateway/pkg/keys"
	"github.com/odin-protocol/gateway/pkg/oerr"
	"github.com/odin-protocol/gateway/pkg/oml"
	"github.com/odin-protocol/gateway/pkg/ope"
)

func testSigner(t *testing.T) *Signer {
	t.Helper()
	ks, err := keys.Load(keys.Options{})
	require.NoError(t, err)
	return &Signer{Keys: ks, JWKSURL: PathJWKS}
}

func TestDecide(t *testing.T) {
	cases := []struct {
		name       string
		enforced   bool
		pref       string
		isJSON     bool
		wantSign   bool
		wantStatus string
		wantReject bool
	}{
		{"unsigned route, no pref", false, "", true, false, StatusAbsent, false},
		{"unsigned route, none", false, ProofNone, true, false, StatusAbsent, false},
		{"signed route, none", true, ProofNone, true, true, StatusIgnore, false},
		{"signed route, required", true, ProofRequired, true, true, StatusSigned, false},
		{"signed route, no pref", true, "", true, true, StatusIgnore, false},
		{"unsigned route, required", false, ProofRequired, true, true, StatusSigned, false},
		{"required on non-JSON", true, ProofRequired, false, false, StatusAbsent, true},
		{"if-available on non-JSON", true, ProofIfAvailable, false, false, StatusAbsent, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sign, status, reject := decide(tc.enforced, tc.pref, tc.isJSON)
			assert.Equal(t, tc.wantSign, sign)
			assert.Equal(t, tc.wantStatus, status)
			assert.Equal(t, tc.wantReject, reject)
		})
	}
}

func TestSigner_SignsJSONBody(t *testing.T) {
	s := testSigner(t)
	body := []byte(`{"intent":"echo"}`)

	res, err := s.Process(context.Background(), true, ProofRequired, body)
	require.NoError(t, err)
	assert.Equal(t, StatusSigned, res.Status)
	assert.Equal(t, body, res.Body)

	cid := res.Headers[HeaderOMLCID]
	require.NotEmpty(t, cid)
	assert.Equal(t, oml.CID(oml.MustCanonicalize(map[string]any{"intent": "echo"}, oml.AlgJSON)), cid)

	opeJSON, err := base64.RawURLEncoding.DecodeString(res.Headers[HeaderOPE])
	require.NoError(t, err)
	var rec ope.Record
	require.NoError(t, json.Unmarshal(opeJSON, &rec))
	assert.Equal(t, cid, rec.OmlCID)
}

func TestSigner_EmbedRewritesBody(t *testing.T) {
	s := testSigner(t)
	s.Embed = true

	res, err := s.Process(context.Background(), true, ProofRequired, []byte(`{"intent":"echo"}`))
	require.NoError(t, err)

	var wrapped map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(res.Body, &wrapped))
	assert.Contains(t, wrapped, "payload")
	assert.Contains(t, wrapped, "proof")
	assert.JSONEq(t, `{"intent":"echo"}`, string(wrapped["payload"]))
}

func TestSigner_RequiredNonJSONRejects(t *testing.T) {
	s := testSigner(t)

	_, err := s.Process(context.Background(), false, ProofRequired, []byte("plain text"))
	require.Error(t, err)
	oe, ok := oerr.As(err)
	require.True(t, ok)
	assert.Equal(t, CodeProofRequired, oe.Code)
}

func TestSigner_MirrorsExistingEnvelope(t *testing.T) {
	s := testSigner(t)

	body := []byte(`{"payload":{"intent":"echo"},"proof":{"oml_cid":"b123","kid":"k9","ope":{"kid":"k9","oml_cid":"b123","sig_b64u":"sig"}}}`)
	res, err := s.Process(context.Background(), true, ProofRequired, body)
	require.NoError(t, err)

	assert.Equal(t, StatusSigned, res.Status)
	assert.Equal(t, body, res.Body)
	// Mirrored, not re-signed: the headers echo the body's own proof.
	assert.Equal(t, "b123", res.Headers[HeaderOMLCID])
	assert.Equal(t, "k9", res.Headers[HeaderOPEKID])
}

func TestSigner_PassthroughUnsignedRoute(t *testing.T) {
	s := testSigner(t)

	res, err := s.Process(context.Background(), false, "", []byte(`{"intent":"echo"}`))
	require.NoError(t, err)
	assert.Equal(t, StatusAbsent, res.Status)
	assert.Empty(t, res.Headers[HeaderOMLCID])
}
