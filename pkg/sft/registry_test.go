package sft

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odin-protocol/gateway/pkg/oerr"
)

func TestRegistry_UnknownSFTIsPermissive(t *testing.T) {
	r := NewRegistry()
	vs := r.Validate(map[string]any{"anything": true}, "nobody@v9")
	assert.Empty(t, vs)
}

func TestRegistry_RegisterAndClear(t *testing.T) {
	r := NewRegistry()
	r.Register("custom@v1", func(value map[string]any) []oerr.Violation {
		return []oerr.Violation{{Code: "always", Path: "/"}}
	})

	vs := r.Validate(map[string]any{}, "custom@v1")
	require.Len(t, vs, 1)
	assert.Equal(t, "always", vs[0].Code)

	r.Clear()
	assert.Empty(t, r.Validate(map[string]any{}, "custom@v1"))

	// Built-ins survive Clear.
	_, ok := r.Get(CoreV01)
	assert.True(t, ok)
}

func TestRegistry_ReplaceKeepsBuiltins(t *testing.T) {
	r := NewRegistry()
	r.Replace(map[string]Validator{
		"ext@v2": func(map[string]any) []oerr.Violation { return nil },
	})
	_, ok := r.Get("ext@v2")
	assert.True(t, ok)
	_, ok = r.Get(CoreV01)
	assert.True(t, ok)
}

func TestCoreValidator(t *testing.T) {
	r := NewRegistry()

	assert.Empty(t, r.Validate(map[string]any{"intent": "echo", "user": "a"}, CoreV01))
	assert.Empty(t, r.Validate(map[string]any{"intent": "transfer", "amount": 10.5, "units": "USD"}, CoreV01))

	vs := r.Validate(map[string]any{"intent": "launch"}, CoreV01)
	require.Len(t, vs, 1)
	assert.Equal(t, "intent.unknown", vs[0].Code)
	assert.Equal(t, "/intent", vs[0].Path)

	vs = r.Validate(map[string]any{"intent": "transfer", "amount": "ten"}, CoreV01)
	require.Len(t, vs, 1)
	assert.Equal(t, "type.mismatch", vs[0].Code)
}

func TestTaskValidator(t *testing.T) {
	r := NewRegistry()
	assert.Empty(t, r.Validate(map[string]any{"intent": "run", "task_id": "t-1"}, TaskV1))

	vs := r.Validate(map[string]any{"intent": "run"}, TaskV1)
	require.Len(t, vs, 1)
	assert.Equal(t, "field.missing", vs[0].Code)
	assert.Equal(t, "/task_id", vs[0].Path)
}

func TestToolCallValidator(t *testing.T) {
	r := NewRegistry()
	assert.Empty(t, r.Validate(map[string]any{"name": "search", "arguments": map[string]any{"q": "x"}}, ToolCallV1))
	assert.Empty(t, r.Validate(map[string]any{"name": "search", "arguments": `{"q":"x"}`}, ToolCallV1))

	vs := r.Validate(map[string]any{"name": "search", "arguments": "{broken"}, ToolCallV1)
	require.Len(t, vs, 1)
	assert.Equal(t, "type.mismatch", vs[0].Code)
}

func TestSchemaValidator(t *testing.T) {
	schema := `{
		"type": "object",
		"required": ["intent"],
		"properties": {"intent": {"type": "string"}}
	}`
	v, err := SchemaValidator("ext@v1", schema)
	require.NoError(t, err)

	assert.Empty(t, v(map[string]any{"intent": "go"}))
	assert.NotEmpty(t, v(map[string]any{"other": 1}))

	_, err = SchemaValidator("bad@v1", `{"type": 42}`)
	assert.Error(t, err)
}

func TestParseID(t *testing.T) {
	id, err := ParseID("core@v0.1")
	require.NoError(t, err)
	assert.Equal(t, "core", id.Name)

	id, err = ParseID("odin.task@v1")
	require.NoError(t, err)
	assert.Equal(t, "odin.task", id.Name)

	for _, bad := range []string{"core", "@v1", "core@", "core@1", "core@vX"} {
		_, err := ParseID(bad)
		assert.Error(t, err, bad)
	}
}
