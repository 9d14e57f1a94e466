package hel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustEngine(t *testing.T, p *Policy) *Engine {
	t.Helper()
	e, err := NewEngine(p)
	require.NoError(t, err)
	return e
}

func TestKidAllowed(t *testing.T) {
	e := mustEngine(t, &Policy{
		AllowKids: []string{"prod-*"},
		DenyKids:  []string{"prod-revoked-*"},
	})

	assert.True(t, e.KidAllowed("prod-1"))
	assert.False(t, e.KidAllowed("staging-1"))
	// Deny wins over allow.
	assert.False(t, e.KidAllowed("prod-revoked-1"))

	// Default allow list is permissive.
	open := mustEngine(t, &Policy{})
	assert.True(t, open.KidAllowed("anything"))
}

func TestHostAllowed(t *testing.T) {
	e := mustEngine(t, &Policy{AllowedJWKSHosts: []string{"*.example.com", "keys.odin.dev"}})
	assert.True(t, e.HostAllowed("jwks.example.com"))
	assert.True(t, e.HostAllowed("keys.odin.dev"))
	assert.False(t, e.HostAllowed("evil.test"))

	open := mustEngine(t, &Policy{})
	assert.True(t, open.HostAllowed("anywhere"))
}

func TestEvaluate_IntentRules(t *testing.T) {
	e := mustEngine(t, &Policy{
		DenyIntents:            []string{"transfer"},
		AllowIntents:           []string{"echo", "notify", "transfer"},
		RequireReasonForIntent: []string{"notify"},
	})

	res := e.Evaluate(map[string]any{"intent": "echo"})
	assert.True(t, res.Allowed)

	res = e.Evaluate(map[string]any{"intent": "transfer"})
	require.Len(t, res.Violations, 1)
	assert.Equal(t, CodeIntentDenied, res.Violations[0].Code)

	res = e.Evaluate(map[string]any{"intent": "query"})
	require.Len(t, res.Violations, 1)
	assert.Equal(t, CodeIntentNotAllowed, res.Violations[0].Code)

	res = e.Evaluate(map[string]any{"intent": "notify"})
	require.Len(t, res.Violations, 1)
	assert.Equal(t, CodeReasonRequired, res.Violations[0].Code)

	res = e.Evaluate(map[string]any{"intent": "notify", "reason": "paging oncall"})
	assert.True(t, res.Allowed)
	res = e.Evaluate(map[string]any{"intent": "notify", "why": "paging oncall"})
	assert.True(t, res.Allowed)
	// Whitespace-only reason does not count.
	res = e.Evaluate(map[string]any{"intent": "notify", "reason": "  "})
	assert.False(t, res.Allowed)
}

func TestEvaluate_NestedIntents(t *testing.T) {
	e := mustEngine(t, &Policy{DenyIntents: []string{"transfer"}})

	res := e.Evaluate(map[string]any{
		"intent": "echo",
		"batch": []any{
			map[string]any{"intent": "transfer", "amount": 10},
		},
	})
	require.Len(t, res.Violations, 1)
	assert.Equal(t, "/batch/0", res.Violations[0].Path)
}

func TestEvaluate_FieldConstraints(t *testing.T) {
	e := mustEngine(t, &Policy{FieldConstraints: []FieldConstraint{
		{Path: "/user/name", Op: "present"},
		{Path: "debug", Op: "absent"},
		{WhenIntent: "transfer", Path: "/amount", Op: "<=", Value: 1000.0},
		{Path: "/note", Op: "max_len", Value: 5.0},
	}})

	ok := e.Evaluate(map[string]any{
		"intent": "transfer",
		"user":   map[string]any{"name": "M"},
		"amount": 10.0,
		"note":   "hi",
	})
	assert.True(t, ok.Allowed)

	res := e.Evaluate(map[string]any{
		"intent": "transfer",
		"user":   map[string]any{},
		"debug":  true,
		"amount": 5000.0,
		"note":   "toolongnote",
	})
	codes := map[string]bool{}
	for _, v := range res.Violations {
		codes[v.Code] = true
	}
	assert.True(t, codes[CodeFieldMissing])
	assert.True(t, codes[CodeFieldForbidden])
	assert.True(t, codes[CodeConstraintFailed])
}

func TestEvaluate_WhenIntentGatesConstraint(t *testing.T) {
	e := mustEngine(t, &Policy{FieldConstraints: []FieldConstraint{
		{WhenIntent: "transfer", Path: "/amount", Op: "present"},
	}})
	// Different top-level intent: constraint does not apply.
	res := e.Evaluate(map[string]any{"intent": "echo"})
	assert.True(t, res.Allowed)
}

func TestEvaluate_UnknownOp(t *testing.T) {
	e := mustEngine(t, &Policy{FieldConstraints: []FieldConstraint{
		{Path: "/x", Op: "matches_regex", Value: ".*"},
	}})
	res := e.Evaluate(map[string]any{"x": 1})
	require.Len(t, res.Violations, 1)
	assert.Equal(t, CodeUnknownOp, res.Violations[0].Code)
}

func TestResolvePath_DottedAndPointer(t *testing.T) {
	payload := map[string]any{"a": map[string]any{"b": "v"}}

	v, ok := ResolvePath(payload, "/a/b")
	require.True(t, ok)
	assert.Equal(t, "v", v)

	v, ok = ResolvePath(payload, "a.b")
	require.True(t, ok)
	assert.Equal(t, "v", v)

	_, ok = ResolvePath(payload, "/a/missing")
	assert.False(t, ok)
}

func TestCELRules(t *testing.T) {
	e := mustEngine(t, &Policy{CELRules: []CELRule{{
		ID:         "amount-cap",
		Expression: `!("amount" in payload) || double(payload["amount"]) <= 100.0`,
		Message:    "amount above cap",
	}}})

	res := e.Evaluate(map[string]any{"intent": "echo"})
	assert.True(t, res.Allowed)

	res = e.Evaluate(map[string]any{"amount": 500.0})
	require.Len(t, res.Violations, 1)
	assert.Equal(t, CodeCELDenied, res.Violations[0].Code)
	assert.Equal(t, "amount above cap", res.Violations[0].Message)
}

func TestCELCompileErrorFailsLoad(t *testing.T) {
	_, err := NewEngine(&Policy{CELRules: []CELRule{{ID: "bad", Expression: "((("}}})
	assert.Error(t, err)
}

func TestParsePolicy_YAML(t *testing.T) {
	e, err := ParsePolicy([]byte("deny_intents:\n  - transfer\nallowed_jwks_hosts:\n  - '*.odin.dev'\n"))
	require.NoError(t, err)
	assert.False(t, e.Evaluate(map[string]any{"intent": "transfer"}).Allowed)
	assert.True(t, e.HostAllowed("keys.odin.dev"))
}

func TestEvaluate_DoesNotMutate(t *testing.T) {
	e := mustEngine(t, &Policy{DenyIntents: []string{"x"}})
	payload := map[string]any{"intent": "echo", "n": map[string]any{"intent": "x"}}
	_ = e.Evaluate(payload)
	assert.Equal(t, map[string]any{"intent": "echo", "n": map[string]any{"intent": "x"}}, payload)
}
