// Package hel implements Host Egress Limitation policy: glob-based key and
// host allow/deny lists evaluated against signature metadata, plus content
// constraints evaluated against payloads.
package hel

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// FieldConstraint is one declarative rule over a payload path.
type FieldConstraint struct {
	WhenIntent string `json:"when_intent,omitempty" yaml:"when_intent,omitempty"`
	Path       string `json:"path" yaml:"path"`
	Op         string `json:"op" yaml:"op"`
	Value      any    `json:"value,omitempty" yaml:"value,omitempty"`
}

// Policy is the full HEL document. Empty lists are permissive except
// allow_intents, which when non-empty becomes an allowlist.
type Policy struct {
	AllowKids              []string          `json:"allow_kids,omitempty" yaml:"allow_kids,omitempty"`
	DenyKids               []string          `json:"deny_kids,omitempty" yaml:"deny_kids,omitempty"`
	AllowedJWKSHosts       []string          `json:"allowed_jwks_hosts,omitempty" yaml:"allowed_jwks_hosts,omitempty"`
	AllowIntents           []string          `json:"allow_intents,omitempty" yaml:"allow_intents,omitempty"`
	DenyIntents            []string          `json:"deny_intents,omitempty" yaml:"deny_intents,omitempty"`
	RequireReasonForIntent []string          `json:"require_reason_for_intents,omitempty" yaml:"require_reason_for_intents,omitempty"`
	FieldConstraints       []FieldConstraint `json:"field_constraints,omitempty" yaml:"field_constraints,omitempty"`
	CELRules               []CELRule         `json:"cel_rules,omitempty" yaml:"cel_rules,omitempty"`
}

// CELRule is an advanced policy expression compiled at load time. The
// expression sees the payload as `payload` and must evaluate to a bool;
// false denies the request.
type CELRule struct {
	ID         string `json:"id" yaml:"id"`
	Expression string `json:"expression" yaml:"expression"`
	Message    string `json:"message,omitempty" yaml:"message,omitempty"`
}

// ParsePolicy reads a policy document from JSON or YAML and compiles any
// CEL rules. Compile errors fail the load.
func ParsePolicy(data []byte) (*Engine, error) {
	var p Policy
	if err := json.Unmarshal(data, &p); err != nil {
		if yerr := yaml.Unmarshal(data, &p); yerr != nil {
			return nil, fmt.Errorf("hel: policy is neither JSON (%v) nor YAML (%v)", err, yerr)
		}
	}
	return NewEngine(&p)
}
