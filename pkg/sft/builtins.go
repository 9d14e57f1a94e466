package sft

import (
	"encoding/json"
	"fmt"

	"github.com/odin-protocol/gateway/pkg/oerr"
)

// Built-in SFT ids.
const (
	CoreV01    = "core@v0.1"
	AlphaV1    = "alpha@v1"
	BetaV1     = "beta@v1"
	TaskV1     = "odin.task@v1"
	ToolCallV1 = "openai.tool@v1"
)

func builtins() map[string]Validator {
	return map[string]Validator{
		CoreV01:    validateCore,
		AlphaV1:    requireStringFields("alpha", "intent"),
		BetaV1:     requireStringFields("beta", "intent"),
		TaskV1:     validateTask,
		ToolCallV1: validateToolCall,
	}
}

var coreIntents = map[string]bool{
	"echo":      true,
	"translate": true,
	"transfer":  true,
	"notify":    true,
	"query":     true,
}

func violation(code, path, format string, args ...any) oerr.Violation {
	return oerr.Violation{Code: code, Path: path, Message: fmt.Sprintf(format, args...)}
}

// validateCore enforces core@v0.1: a known intent plus typed optional
// amount/units/ts fields.
func validateCore(value map[string]any) []oerr.Violation {
	var vs []oerr.Violation

	if raw, ok := value["intent"]; ok {
		intent, isStr := raw.(string)
		if !isStr {
			vs = append(vs, violation("type.mismatch", "/intent", "intent must be a string"))
		} else if !coreIntents[intent] {
			vs = append(vs, violation("intent.unknown", "/intent", "intent %q is not a core intent", intent))
		}
	}
	if raw, ok := value["amount"]; ok && raw != nil {
		if !isNumber(raw) {
			vs = append(vs, violation("type.mismatch", "/amount", "amount must be numeric"))
		}
	}
	if raw, ok := value["units"]; ok && raw != nil {
		if _, isStr := raw.(string); !isStr {
			vs = append(vs, violation("type.mismatch", "/units", "units must be a string"))
		}
	}
	if raw, ok := value["ts"]; ok && raw != nil {
		switch raw.(type) {
		case string:
		default:
			if !isInteger(raw) {
				vs = append(vs, violation("type.mismatch", "/ts", "ts must be an integer or string"))
			}
		}
	}
	return vs
}

// validateTask enforces odin.task@v1: task payloads name an intent and a task id.
func validateTask(value map[string]any) []oerr.Violation {
	vs := requireStringFields("odin.task", "intent", "task_id")(value)
	if raw, ok := value["params"]; ok && raw != nil {
		if _, isObj := raw.(map[string]any); !isObj {
			vs = append(vs, violation("type.mismatch", "/params", "params must be an object"))
		}
	}
	return vs
}

// validateToolCall enforces openai.tool@v1: a tool call with a name and
// JSON-object arguments.
func validateToolCall(value map[string]any) []oerr.Violation {
	vs := requireStringFields("openai.tool", "name")(value)
	if raw, ok := value["arguments"]; ok && raw != nil {
		switch t := raw.(type) {
		case map[string]any:
		case string:
			var decoded map[string]any
			if err := json.Unmarshal([]byte(t), &decoded); err != nil {
				vs = append(vs, violation("type.mismatch", "/arguments", "arguments string must be JSON"))
			}
		default:
			vs = append(vs, violation("type.mismatch", "/arguments", "arguments must be an object or JSON string"))
		}
	}
	return vs
}

func requireStringFields(sft string, fields ...string) Validator {
	return func(value map[string]any) []oerr.Violation {
		var vs []oerr.Violation
		for _, f := range fields {
			raw, ok := value[f]
			if !ok || raw == nil {
				vs = append(vs, violation("field.missing", "/"+f, "%s requires field %q", sft, f))
				continue
			}
			if s, isStr := raw.(string); !isStr || s == "" {
				vs = append(vs, violation("type.mismatch", "/"+f, "%s field %q must be a non-empty string", sft, f))
			}
		}
		return vs
	}
}

func isNumber(v any) bool {
	switch v.(type) {
	case float64, float32, int, int32, int64, json.Number:
		return true
	}
	return false
}

func isInteger(v any) bool {
	switch t := v.(type) {
	case int, int32, int64:
		return true
	case float64:
		return t == float64(int64(t))
	case json.Number:
		_, err := t.Int64()
		return err == nil
	}
	return false
}
