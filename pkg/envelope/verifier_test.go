package envelope

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odin-protocol/gateway/pkg/keys"
	"github.com/odin-protocol/gateway/pkg/oml"
	"github.com/odin-protocol/gateway/pkg/ope"
)

func signedEnvelope(t *testing.T, payload map[string]any) (*Envelope, []byte, *keys.JWKS) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	kp := &keys.Keypair{KID: "k1", Priv: priv, Pub: pub}
	set := &keys.JWKS{Keys: []keys.JWK{{
		Kty: "OKP", Crv: "Ed25519", KID: "k1",
		X: base64.RawURLEncoding.EncodeToString(pub),
	}}}

	content := oml.MustCanonicalize(payload, oml.AlgJSON)
	cid := oml.CID(content)
	rec, err := ope.Sign(kp, content, cid)
	require.NoError(t, err)

	inline, err := json.Marshal(set)
	require.NoError(t, err)

	return &Envelope{
		OmlCID:     cid,
		KID:        "k1",
		OPE:        rec,
		JWKSInline: inline,
	}, content, set
}

func TestVerify_InlineJWKS(t *testing.T) {
	env, content, _ := signedEnvelope(t, map[string]any{"intent": "echo"})
	v := NewVerifier(nil)

	res, err := v.Verify(context.Background(), env, content, "")
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, env.OmlCID, res.CID)
	assert.Equal(t, "k1", res.KID)
}

func TestVerify_EmbeddedContent(t *testing.T) {
	env, content, _ := signedEnvelope(t, map[string]any{"intent": "echo"})
	env.OmlCB64 = base64.RawURLEncoding.EncodeToString(content)
	v := NewVerifier(nil)

	// No fallback content needed when embedded.
	res, err := v.Verify(context.Background(), env, nil, "")
	require.NoError(t, err)
	assert.True(t, res.OK)
}

func TestVerify_EmbeddedContentCIDMismatch(t *testing.T) {
	env, _, _ := signedEnvelope(t, map[string]any{"intent": "echo"})
	env.OmlCB64 = base64.RawURLEncoding.EncodeToString([]byte(`{"intent":"other"}`))
	v := NewVerifier(nil)

	res, err := v.Verify(context.Background(), env, nil, "")
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, ope.ReasonCIDMismatch, res.Reason)
}

func TestVerify_TamperedContent(t *testing.T) {
	env, _, _ := signedEnvelope(t, map[string]any{"intent": "echo"})
	v := NewVerifier(nil)

	res, err := v.Verify(context.Background(), env, []byte(`{"intent":"evil"}`), "")
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, ope.ReasonCIDMismatch, res.Reason)
}

func TestVerify_JWKSURLFetchAndCache(t *testing.T) {
	env, content, set := signedEnvelope(t, map[string]any{"intent": "echo"})
	env.JWKSInline = nil

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("ETag", `"v1"`)
		_ = json.NewEncoder(w).Encode(set)
	}))
	defer srv.Close()
	env.JWKSURL = srv.URL + "/jwks.json"

	v := NewVerifier(nil)
	for i := 0; i < 3; i++ {
		res, err := v.Verify(context.Background(), env, content, "")
		require.NoError(t, err)
		assert.True(t, res.OK)
	}
	// Cache keeps it at one fetch.
	assert.Equal(t, int32(1), hits.Load())
}

func TestVerify_ReserializedContent(t *testing.T) {
	env, _, _ := signedEnvelope(t, map[string]any{"intent": "echo", "user": "a"})
	v := NewVerifier(nil)

	// Same logical content, different key order and whitespace.
	res, err := v.Verify(context.Background(), env, []byte("{ \"user\": \"a\", \"intent\": \"echo\" }"), "")
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, env.OmlCID, res.CID)
}

func TestVerify_JWKSRevalidatesWithETag(t *testing.T) {
	env, content, set := signedEnvelope(t, map[string]any{"intent": "echo"})
	env.JWKSInline = nil

	var full, conditional atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"v1"` {
			conditional.Add(1)
			w.WriteHeader(http.StatusNotModified)
			return
		}
		full.Add(1)
		w.Header().Set("ETag", `"v1"`)
		_ = json.NewEncoder(w).Encode(set)
	}))
	defer srv.Close()
	env.JWKSURL = srv.URL + "/jwks.json"

	v := NewVerifier(nil)
	res, err := v.Verify(context.Background(), env, content, "")
	require.NoError(t, err)
	require.True(t, res.OK)

	// Expire the fresh entry; the next fetch revalidates instead of
	// downloading the set again.
	v.cache.Delete(env.JWKSURL)
	res, err = v.Verify(context.Background(), env, content, "")
	require.NoError(t, err)
	require.True(t, res.OK)

	assert.Equal(t, int32(1), full.Load())
	assert.Equal(t, int32(1), conditional.Load())
}

func TestVerify_RelativeJWKSURL(t *testing.T) {
	env, content, set := signedEnvelope(t, map[string]any{"intent": "echo"})
	env.JWKSInline = nil

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(set)
	}))
	defer srv.Close()
	env.JWKSURL = "/.well-known/odin/jwks.json"

	v := NewVerifier(nil)
	res, err := v.Verify(context.Background(), env, content, srv.URL)
	require.NoError(t, err)
	assert.True(t, res.OK)

	assert.Equal(t, "127.0.0.1", env.JWKSHost(srv.URL))
}

func TestVerify_MissingJWKS(t *testing.T) {
	env, content, _ := signedEnvelope(t, map[string]any{"intent": "echo"})
	env.JWKSInline = nil
	env.JWKSURL = ""

	v := NewVerifier(nil)
	res, err := v.Verify(context.Background(), env, content, "")
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, ReasonJWKSMissing, res.Reason)
}

func TestExtractWrapped(t *testing.T) {
	body := []byte(`{"payload":{"intent":"echo"},"proof":{"oml_cid":"b123","kid":"k1","ope":{"kid":"k1","oml_cid":"b123","sig_b64u":"sig"}}}`)
	w, ok := ExtractWrapped(body)
	require.True(t, ok)
	assert.JSONEq(t, `{"intent":"echo"}`, string(w.Payload))
	assert.Equal(t, "b123", w.Proof.OmlCID)

	_, ok = ExtractWrapped([]byte(`{"intent":"echo"}`))
	assert.False(t, ok)
	_, ok = ExtractWrapped([]byte(`not json`))
	assert.False(t, ok)
}
