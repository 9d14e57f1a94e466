package sft

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/odin-protocol/gateway/pkg/oerr"
)

// SchemaValidator compiles a JSON Schema document into a Validator. This is
// how externally supplied SFTs are registered without shipping Go code.
func SchemaValidator(sftID string, schemaJSON string) (Validator, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://odin.schemas.local/sft/%s.schema.json", sftID)
	if err := c.AddResource(url, strings.NewReader(schemaJSON)); err != nil {
		return nil, fmt.Errorf("sft: schema load for %s: %w", sftID, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("sft: schema compile for %s: %w", sftID, err)
	}

	return func(value map[string]any) []oerr.Violation {
		err := compiled.Validate(toAnyMap(value))
		if err == nil {
			return nil
		}
		ve, ok := err.(*jsonschema.ValidationError)
		if !ok {
			return []oerr.Violation{{Code: "schema.invalid", Message: err.Error()}}
		}
		return flattenSchemaError(ve)
	}, nil
}

func toAnyMap(m map[string]any) any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func flattenSchemaError(ve *jsonschema.ValidationError) []oerr.Violation {
	if len(ve.Causes) == 0 {
		path := ve.InstanceLocation
		if path == "" {
			path = "/"
		}
		return []oerr.Violation{{Code: "schema.invalid", Path: path, Message: ve.Message}}
	}
	var out []oerr.Violation
	for _, cause := range ve.Causes {
		out = append(out, flattenSchemaError(cause)...)
	}
	return out
}
