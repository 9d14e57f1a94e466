package translate

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/odin-protocol/gateway/pkg/oerr"
	"github.com/odin-protocol/gateway/pkg/oml"
	"github.com/odin-protocol/gateway/pkg/sft"
)

// Error codes surfaced by translation.
const (
	CodeInputInvalid         = "odin.translate.input_invalid"
	CodeOutputInvalid        = "odin.translate.output_invalid"
	CodeEnumViolation        = "odin.translate.enum_violation"
	CodeRequiredMissing      = "odin.translate.required_missing"
	CodeInsufficientCoverage = "odin.translate.insufficient_coverage"
)

// Provenance operations.
const (
	OpDrop        = "drop"
	OpRename      = "rename"
	OpOverwrite   = "overwrite"
	OpIntent      = "intent"
	OpConst       = "const"
	OpDefault     = "default"
	OpPassthrough = "passthrough"
)

// ProvenanceEntry records one field-level effect of a translation.
type ProvenanceEntry struct {
	SourceField string `json:"source_field,omitempty"`
	TargetField string `json:"target_field,omitempty"`
	Operation   string `json:"operation"`
	SourceValue any    `json:"source_value,omitempty"`
	TargetValue any    `json:"target_value,omitempty"`
	TimestampNS int64  `json:"timestamp_ns"`
}

// Receipt summarizes one translation for downstream provenance.
type Receipt struct {
	FromSFT             string            `json:"from_sft"`
	ToSFT               string            `json:"to_sft"`
	InputCID            string            `json:"input_cid"`
	OutputCID           string            `json:"output_cid"`
	Provenance          []ProvenanceEntry `json:"provenance"`
	CoveragePercent     float64           `json:"coverage_percent"`
	RequiredFieldsMet   bool              `json:"required_fields_met"`
	TransformationCount int               `json:"transformation_count"`
	CanonAlg            string            `json:"canon_alg"`
}

// CoverageGate configures the minimum key-coverage requirement for one
// (from_sft, to_sft) pair.
type CoverageGate struct {
	MinPercent float64
	Enforce    bool
}

// Engine applies SftMaps. It is pure: payloads are never mutated and two
// identical calls produce identical results (modulo provenance timestamps).
type Engine struct {
	registry *sft.Registry
	gates    map[string]CoverageGate
	now      func() int64
}

// New builds an Engine over a validator registry.
func New(registry *sft.Registry) *Engine {
	return &Engine{
		registry: registry,
		gates:    make(map[string]CoverageGate),
		now:      func() int64 { return time.Now().UnixNano() },
	}
}

// SetCoverageGate installs a coverage gate for a (from, to) SFT pair.
func (e *Engine) SetCoverageGate(fromSFT, toSFT string, gate CoverageGate) {
	e.gates[fromSFT+"->"+toSFT] = gate
}

// Translate applies m to payload and returns the translated object plus a
// provenance receipt.
func (e *Engine) Translate(payload map[string]any, m *Map) (map[string]any, *Receipt, error) {
	// 1. Pre-validate against the source SFT.
	if vs := e.registry.Validate(payload, m.FromSFT); len(vs) > 0 {
		return nil, nil, oerr.Newf(CodeInputInvalid, "payload does not conform to %s", m.FromSFT).
			WithViolations(vs...).WithHint(422)
	}

	// 2. Work on a deep copy; the input is never mutated.
	obj, err := deepCopy(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("translate: copy payload: %w", err)
	}
	inputKeys := keysOf(payload)
	touched := make(map[string]bool)
	var prov []ProvenanceEntry
	record := func(entry ProvenanceEntry) {
		entry.TimestampNS = e.now()
		prov = append(prov, entry)
	}

	// 3. Drops.
	for _, k := range m.Drop {
		if val, ok := obj[k]; ok {
			delete(obj, k)
			touched[k] = true
			record(ProvenanceEntry{SourceField: k, Operation: OpDrop, SourceValue: val})
		}
	}

	// 4. Renames, in deterministic source order.
	for _, src := range sortedKeys(m.Fields) {
		dst := m.Fields[src]
		val, ok := obj[src]
		if !ok {
			continue
		}
		if prior, exists := obj[dst]; exists {
			record(ProvenanceEntry{SourceField: dst, TargetField: dst, Operation: OpOverwrite, SourceValue: prior, TargetValue: val})
		}
		obj[dst] = val
		delete(obj, src)
		touched[src] = true
		touched[dst] = true
		record(ProvenanceEntry{SourceField: src, TargetField: dst, Operation: OpRename, SourceValue: val, TargetValue: val})
	}

	// 5. Intent mapping.
	if intent, ok := obj["intent"].(string); ok {
		if mapped, has := m.Intents[intent]; has {
			obj["intent"] = mapped
			touched["intent"] = true
			record(ProvenanceEntry{SourceField: "intent", TargetField: "intent", Operation: OpIntent, SourceValue: intent, TargetValue: mapped})
		}
	}

	// 6. Constants overwrite whatever came before.
	for _, k := range sortedKeys(m.Const) {
		v := m.Const[k]
		obj[k] = v
		touched[k] = true
		record(ProvenanceEntry{TargetField: k, Operation: OpConst, TargetValue: v})
	}

	// 7. Defaults fill absent or null keys only.
	for _, k := range sortedKeys(m.Defaults) {
		if cur, ok := obj[k]; !ok || cur == nil {
			obj[k] = m.Defaults[k]
			touched[k] = true
			record(ProvenanceEntry{TargetField: k, Operation: OpDefault, TargetValue: m.Defaults[k]})
		}
	}

	// 8. Enum constraints, collected then failed as one error.
	var enumViolations []oerr.Violation
	for _, field := range sortedKeys(m.EnumConstraints) {
		allowed := m.EnumConstraints[field]
		val, ok := obj[field]
		if !ok {
			continue
		}
		if !containsValue(allowed, val) {
			enumViolations = append(enumViolations, oerr.Violation{
				Code:    "enum_violation",
				Path:    "/" + field,
				Message: fmt.Sprintf("value %v not in allowed set for %q", val, field),
			})
		}
	}
	if len(enumViolations) > 0 {
		return nil, nil, oerr.New(CodeEnumViolation, "enum constraints violated").
			WithViolations(enumViolations...).WithHint(422)
	}

	// 9. Required fields must be present and non-null.
	var missing []oerr.Violation
	for _, field := range m.RequiredFields {
		if val, ok := obj[field]; !ok || val == nil {
			missing = append(missing, oerr.Violation{
				Code:    "required_missing",
				Path:    "/" + field,
				Message: fmt.Sprintf("required field %q absent or null", field),
			})
		}
	}
	if len(missing) > 0 {
		return nil, nil, oerr.New(CodeRequiredMissing, "required output fields missing").
			WithViolations(missing...).WithHint(422)
	}

	// 10. Coverage gate.
	coverage := coveragePercent(inputKeys, obj)
	if gate, ok := e.gates[m.FromSFT+"->"+m.ToSFT]; ok && gate.Enforce && coverage < gate.MinPercent {
		return nil, nil, oerr.Newf(CodeInsufficientCoverage,
			"coverage %.1f%% below required %.1f%%", coverage, gate.MinPercent).
			WithDetail("coverage_percent", coverage).
			WithDetail("min_coverage_percent", gate.MinPercent).
			WithHint(422)
	}

	// 11. Post-validate against the target SFT.
	if vs := e.registry.Validate(obj, m.ToSFT); len(vs) > 0 {
		return nil, nil, oerr.Newf(CodeOutputInvalid, "translated payload does not conform to %s", m.ToSFT).
			WithViolations(vs...).WithHint(422)
	}

	// 12. Passthrough provenance for untouched keys, then the receipt.
	transformCount := len(prov)
	for _, k := range keysOf(obj) {
		if !touched[k] {
			record(ProvenanceEntry{SourceField: k, TargetField: k, Operation: OpPassthrough, SourceValue: obj[k], TargetValue: obj[k]})
		}
	}

	alg := m.Alg()
	inputCID, err := oml.CIDFor(payload, alg)
	if err != nil {
		return nil, nil, err
	}
	outputCID, err := oml.CIDFor(obj, alg)
	if err != nil {
		return nil, nil, err
	}

	receipt := &Receipt{
		FromSFT:             m.FromSFT,
		ToSFT:               m.ToSFT,
		InputCID:            inputCID,
		OutputCID:           outputCID,
		Provenance:          prov,
		CoveragePercent:     coverage,
		RequiredFieldsMet:   true,
		TransformationCount: transformCount,
		CanonAlg:            alg,
	}
	return obj, receipt, nil
}

func deepCopy(m map[string]any) (map[string]any, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = make(map[string]any)
	}
	return out, nil
}

func coveragePercent(inputKeys []string, output map[string]any) float64 {
	if len(inputKeys) == 0 {
		return 100.0
	}
	kept := 0
	for _, k := range inputKeys {
		if _, ok := output[k]; ok {
			kept++
		}
	}
	return float64(kept) / float64(len(inputKeys)) * 100.0
}

func keysOf(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// containsValue compares through canonical JSON so 1 and 1.0 and values that
// arrived via different decoders compare equal.
func containsValue(allowed []any, val any) bool {
	want, err := oml.Canonicalize(val, oml.AlgJSON)
	if err != nil {
		return false
	}
	for _, a := range allowed {
		got, err := oml.Canonicalize(a, oml.AlgJSON)
		if err != nil {
			continue
		}
		if string(got) == string(want) {
			return true
		}
	}
	return false
}
