// Package translate applies declarative SftMaps to payloads, producing the
// translated object plus a provenance receipt for every transformation.
package translate

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/odin-protocol/gateway/pkg/oml"
)

// Map is one directional translation between two SFTs.
type Map struct {
	FromSFT         string            `json:"from_sft" yaml:"from_sft"`
	ToSFT           string            `json:"to_sft" yaml:"to_sft"`
	Fields          map[string]string `json:"fields,omitempty" yaml:"fields,omitempty"`
	Intents         map[string]string `json:"intents,omitempty" yaml:"intents,omitempty"`
	Const           map[string]any    `json:"const,omitempty" yaml:"const,omitempty"`
	Drop            []string          `json:"drop,omitempty" yaml:"drop,omitempty"`
	Defaults        map[string]any    `json:"defaults,omitempty" yaml:"defaults,omitempty"`
	EnumConstraints map[string][]any  `json:"enum_constraints,omitempty" yaml:"enum_constraints,omitempty"`
	RequiredFields  []string          `json:"required_fields,omitempty" yaml:"required_fields,omitempty"`
	CanonAlg        string            `json:"canon_alg,omitempty" yaml:"canon_alg,omitempty"`
}

// ParseMap reads a map document from JSON or YAML and validates it.
func ParseMap(data []byte) (*Map, error) {
	var m Map
	if err := json.Unmarshal(data, &m); err != nil {
		if yerr := yaml.Unmarshal(data, &m); yerr != nil {
			return nil, fmt.Errorf("translate: map is neither JSON (%v) nor YAML (%v)", err, yerr)
		}
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate enforces the structural invariants of a map.
func (m *Map) Validate() error {
	if m.FromSFT == "" || m.ToSFT == "" {
		return fmt.Errorf("translate: map must set from_sft and to_sft")
	}

	// A field name may appear in at most one of drop, the source side of
	// fields, or const.
	seen := make(map[string]string)
	claim := func(field, role string) error {
		if prev, ok := seen[field]; ok {
			return fmt.Errorf("translate: field %q claimed by both %s and %s", field, prev, role)
		}
		seen[field] = role
		return nil
	}
	for _, f := range m.Drop {
		if err := claim(f, "drop"); err != nil {
			return err
		}
	}
	for src := range m.Fields {
		if err := claim(src, "fields"); err != nil {
			return err
		}
	}
	for k := range m.Const {
		if err := claim(k, "const"); err != nil {
			return err
		}
	}

	// Rename targets must not collide with each other.
	targets := make(map[string]string)
	for src, dst := range m.Fields {
		if prev, ok := targets[dst]; ok {
			return fmt.Errorf("translate: rename target %q claimed by both %q and %q", dst, prev, src)
		}
		targets[dst] = src
	}

	if m.CanonAlg != "" && m.CanonAlg != oml.AlgJSON && m.CanonAlg != oml.AlgCBOR {
		return fmt.Errorf("translate: unknown canon_alg %q", m.CanonAlg)
	}
	return nil
}

// Alg returns the canonicalization algorithm for this map.
func (m *Map) Alg() string {
	if m.CanonAlg == "" {
		return oml.AlgJSON
	}
	return m.CanonAlg
}
