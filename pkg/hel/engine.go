package hel

import (
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/odin-protocol/gateway/pkg/oerr"
	"github.com/odin-protocol/gateway/pkg/oml"
)

// Violation codes surfaced by policy evaluation.
const (
	CodeIntentDenied     = "intent.denied"
	CodeIntentNotAllowed = "intent.not_allowed"
	CodeReasonRequired   = "reason.required"
	CodeFieldMissing     = "field.missing"
	CodeFieldForbidden   = "field.forbidden"
	CodeTypeMismatch     = "type.mismatch"
	CodeConstraintFailed = "constraint.failed"
	CodeUnknownOp        = "constraint.unknown_op"
	CodeCELDenied        = "cel.denied"
)

// Result is the outcome of content-stage evaluation.
type Result struct {
	Allowed    bool             `json:"allowed"`
	Violations []oerr.Violation `json:"violations"`
}

// Engine evaluates one immutable policy snapshot. Snapshots are swapped
// whole by the dynamic reloader; an Engine never mutates after construction.
type Engine struct {
	policy   *Policy
	programs []celProgram
}

// NewEngine compiles the policy into an evaluator.
func NewEngine(p *Policy) (*Engine, error) {
	if p == nil {
		p = &Policy{}
	}
	programs, err := compileCEL(p.CELRules)
	if err != nil {
		return nil, err
	}
	return &Engine{policy: p, programs: programs}, nil
}

// Policy returns the underlying policy document.
func (e *Engine) Policy() *Policy {
	return e.policy
}

// KidAllowed applies deny-then-allow glob matching over signing key ids.
// An empty allow list means allow all.
func (e *Engine) KidAllowed(kid string) bool {
	for _, g := range e.policy.DenyKids {
		if globMatch(g, kid) {
			return false
		}
	}
	allow := e.policy.AllowKids
	if len(allow) == 0 {
		return true
	}
	for _, g := range allow {
		if globMatch(g, kid) {
			return true
		}
	}
	return false
}

// HostAllowed checks a JWKS host against the allow list. An empty list
// means allow all.
func (e *Engine) HostAllowed(host string) bool {
	if len(e.policy.AllowedJWKSHosts) == 0 {
		return true
	}
	for _, g := range e.policy.AllowedJWKSHosts {
		if globMatch(g, host) {
			return true
		}
	}
	return false
}

// Evaluate runs the content stage over payload. The payload is never
// mutated.
func (e *Engine) Evaluate(payload map[string]any) Result {
	var violations []oerr.Violation

	// Intent rules apply at every object in the graph carrying a string
	// intent, not just the top level.
	walkIntents(payload, "", func(p string, intent string, node map[string]any) {
		for _, g := range e.policy.DenyIntents {
			if globMatch(g, intent) {
				violations = append(violations, oerr.Violation{
					Code: CodeIntentDenied, Path: p,
					Message: fmt.Sprintf("intent %q is denied by policy", intent),
				})
				return
			}
		}
		if len(e.policy.AllowIntents) > 0 {
			allowed := false
			for _, g := range e.policy.AllowIntents {
				if globMatch(g, intent) {
					allowed = true
					break
				}
			}
			if !allowed {
				violations = append(violations, oerr.Violation{
					Code: CodeIntentNotAllowed, Path: p,
					Message: fmt.Sprintf("intent %q is not in the allow list", intent),
				})
				return
			}
		}
		for _, g := range e.policy.RequireReasonForIntent {
			if globMatch(g, intent) && !hasReason(node) {
				violations = append(violations, oerr.Violation{
					Code: CodeReasonRequired, Path: p,
					Message: fmt.Sprintf("intent %q requires a reason", intent),
				})
				return
			}
		}
	})

	topIntent, _ := payload["intent"].(string)
	for _, fc := range e.policy.FieldConstraints {
		if fc.WhenIntent != "" && !globMatch(fc.WhenIntent, topIntent) {
			continue
		}
		if v := evalConstraint(payload, fc); v != nil {
			violations = append(violations, *v)
		}
	}

	violations = append(violations, e.evalCEL(payload)...)

	return Result{Allowed: len(violations) == 0, Violations: violations}
}

func hasReason(node map[string]any) bool {
	for _, key := range []string{"reason", "why"} {
		if s, ok := node[key].(string); ok && strings.TrimSpace(s) != "" {
			return true
		}
	}
	return false
}

// walkIntents visits every object in the payload graph that carries a
// string "intent" field.
func walkIntents(v any, p string, visit func(path string, intent string, node map[string]any)) {
	switch t := v.(type) {
	case map[string]any:
		if intent, ok := t["intent"].(string); ok {
			at := p
			if at == "" {
				at = "/"
			}
			visit(at, intent, t)
		}
		for k, child := range t {
			walkIntents(child, p+"/"+k, visit)
		}
	case []any:
		for i, child := range t {
			walkIntents(child, fmt.Sprintf("%s/%d", p, i), visit)
		}
	}
}

// ResolvePath resolves a JSON-Pointer-like path ("/a/b") or dotted path
// ("a.b") against a payload.
func ResolvePath(payload map[string]any, p string) (any, bool) {
	var parts []string
	if strings.HasPrefix(p, "/") {
		parts = strings.Split(strings.TrimPrefix(p, "/"), "/")
	} else {
		parts = strings.Split(p, ".")
	}
	var cur any = payload
	for _, part := range parts {
		if part == "" {
			continue
		}
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func evalConstraint(payload map[string]any, fc FieldConstraint) *oerr.Violation {
	pointer := fc.Path
	if !strings.HasPrefix(pointer, "/") {
		pointer = "/" + strings.ReplaceAll(fc.Path, ".", "/")
	}
	val, present := ResolvePath(payload, fc.Path)

	fail := func(code, format string, args ...any) *oerr.Violation {
		return &oerr.Violation{Code: code, Path: pointer, Message: fmt.Sprintf(format, args...)}
	}

	switch fc.Op {
	case "present":
		if !present {
			return fail(CodeFieldMissing, "field %s must be present", fc.Path)
		}
	case "absent":
		if present {
			return fail(CodeFieldForbidden, "field %s must be absent", fc.Path)
		}
	case "min_len", "max_len":
		if !present {
			return fail(CodeFieldMissing, "field %s must be present", fc.Path)
		}
		length, ok := lengthOf(val)
		if !ok {
			return fail(CodeTypeMismatch, "field %s has no length", fc.Path)
		}
		limit, ok := asFloat(fc.Value)
		if !ok {
			return fail(CodeUnknownOp, "op %s needs a numeric value", fc.Op)
		}
		if fc.Op == "min_len" && float64(length) < limit {
			return fail(CodeConstraintFailed, "field %s length %d below minimum %v", fc.Path, length, fc.Value)
		}
		if fc.Op == "max_len" && float64(length) > limit {
			return fail(CodeConstraintFailed, "field %s length %d above maximum %v", fc.Path, length, fc.Value)
		}
	case "==", "!=":
		if !present {
			return fail(CodeFieldMissing, "field %s must be present", fc.Path)
		}
		equal := canonicalEqual(val, fc.Value)
		if fc.Op == "==" && !equal {
			return fail(CodeConstraintFailed, "field %s must equal %v", fc.Path, fc.Value)
		}
		if fc.Op == "!=" && equal {
			return fail(CodeConstraintFailed, "field %s must not equal %v", fc.Path, fc.Value)
		}
	case "<", "<=", ">", ">=":
		if !present {
			return fail(CodeFieldMissing, "field %s must be present", fc.Path)
		}
		got, ok1 := asFloat(val)
		want, ok2 := asFloat(fc.Value)
		if !ok1 || !ok2 {
			return fail(CodeTypeMismatch, "field %s is not numeric", fc.Path)
		}
		pass := false
		switch fc.Op {
		case "<":
			pass = got < want
		case "<=":
			pass = got <= want
		case ">":
			pass = got > want
		case ">=":
			pass = got >= want
		}
		if !pass {
			return fail(CodeConstraintFailed, "field %s: %v %s %v is false", fc.Path, got, fc.Op, want)
		}
	default:
		return fail(CodeUnknownOp, "unknown constraint op %q", fc.Op)
	}
	return nil
}

func lengthOf(v any) (int, bool) {
	switch t := v.(type) {
	case string:
		return len(t), true
	case []any:
		return len(t), true
	case map[string]any:
		return len(t), true
	}
	return 0, false
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	}
	return 0, false
}

func canonicalEqual(a, b any) bool {
	ab, err1 := oml.Canonicalize(a, oml.AlgJSON)
	bb, err2 := oml.Canonicalize(b, oml.AlgJSON)
	return err1 == nil && err2 == nil && string(ab) == string(bb)
}

// globMatch supports the "*"/"?" glob dialect of the policy format.
func globMatch(pattern, s string) bool {
	if pattern == "*" {
		return true
	}
	ok, err := path.Match(pattern, s)
	return err == nil && ok
}
