package oml

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odin-protocol/gateway/pkg/oerr"
)

func TestCanonicalize_SortsKeys(t *testing.T) {
	b, err := Canonicalize(map[string]any{"c": 3, "a": 1, "b": 2}, AlgJSON)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"b":2,"c":3}`, string(b))
}

func TestCanonicalize_SupplementaryPlaneKeyOrder(t *testing.T) {
	// RFC 8785 orders keys by UTF-16 code units: U+1F600 encodes as the
	// surrogate pair D83D DE00 and sorts before U+FF21, the reverse of raw
	// code-point order.
	b, err := Canonicalize(map[string]any{"Ａ": 1, "😀": 2}, AlgJSON)
	require.NoError(t, err)
	assert.Equal(t, `{"😀":2,"Ａ":1}`, string(b))
}

func TestCanonicalize_NestedSorting(t *testing.T) {
	b, err := Canonicalize(map[string]any{
		"z": map[string]any{"y": "foo", "x": "bar"},
		"a": 1,
	}, AlgJSON)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"z":{"x":"bar","y":"foo"}}`, string(b))
}

func TestCanonicalize_NoHTMLEscaping(t *testing.T) {
	b, err := Canonicalize(map[string]string{"html": "<b> & </b>"}, AlgJSON)
	require.NoError(t, err)
	assert.Equal(t, `{"html":"<b> & </b>"}`, string(b))
}

func TestCanonicalize_NFC(t *testing.T) {
	// "e" + combining acute accent (NFD) must canonicalize identically to
	// the precomposed "é" (NFC).
	decomposed := map[string]any{"café": "résumé"}
	composed := map[string]any{"café": "résumé"}

	b1, err := Canonicalize(decomposed, AlgJSON)
	require.NoError(t, err)
	b2, err := Canonicalize(composed, AlgJSON)
	require.NoError(t, err)
	assert.Equal(t, b2, b1)
}

func TestCanonicalize_UnsupportedAlg(t *testing.T) {
	_, err := Canonicalize(map[string]any{}, "xml/pretty")
	oe, ok := oerr.As(err)
	require.True(t, ok)
	assert.Equal(t, CodeUnsupportedAlg, oe.Code)
}

func TestCanonicalize_Cycle(t *testing.T) {
	m := map[string]any{}
	m["self"] = m
	_, err := Canonicalize(m, AlgJSON)
	oe, ok := oerr.As(err)
	require.True(t, ok)
	assert.Equal(t, CodeCycle, oe.Code)
}

func TestCanonicalize_StructTags(t *testing.T) {
	type payload struct {
		B int    `json:"b"`
		A string `json:"a"`
	}
	b, err := Canonicalize(payload{B: 2, A: "x"}, AlgJSON)
	require.NoError(t, err)
	assert.Equal(t, `{"a":"x","b":2}`, string(b))
}

func TestCanonicalize_CBORDeterministic(t *testing.T) {
	b1, err := Canonicalize(map[string]any{"b": 2, "a": 1}, AlgCBOR)
	require.NoError(t, err)
	b2, err := Canonicalize(map[string]any{"a": 1, "b": 2}, AlgCBOR)
	require.NoError(t, err)
	assert.Equal(t, b1, b2)
}

func TestCID_Shape(t *testing.T) {
	id := CID([]byte(`{"a":1}`))
	assert.True(t, strings.HasPrefix(id, "b"))
	assert.Equal(t, strings.ToLower(id), id)
	assert.NotContains(t, id, "=")
	// Deterministic.
	assert.Equal(t, id, CID([]byte(`{"a":1}`)))
	assert.NotEqual(t, id, CID([]byte(`{"a":2}`)))
}

// Canonical bytes must be invariant under key insertion order.
func TestCanonicalize_KeyOrderProperty(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 100
	properties := gopter.NewProperties(params)

	properties.Property("order-independent", prop.ForAll(
		func(keys []string, vals []int) bool {
			forward := make(map[string]any)
			reverse := make(map[string]any)
			for i, k := range keys {
				if i >= len(vals) {
					break
				}
				forward[k] = vals[i]
			}
			for i := len(keys) - 1; i >= 0; i-- {
				if i < len(vals) {
					reverse[keys[i]] = vals[i]
				}
			}
			b1, err1 := Canonicalize(forward, AlgJSON)
			b2, err2 := Canonicalize(reverse, AlgJSON)
			return err1 == nil && err2 == nil && string(b1) == string(b2)
		},
		gen.SliceOf(gen.Identifier()),
		gen.SliceOf(gen.Int()),
	))

	properties.TestingRun(t)
}
