package tools

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubTool struct {
	name   string
	schema string
	run    func(ctx context.Context, args json.RawMessage) (string, error)
}

func (s *stubTool) Name() string                 { return s.name }
func (s *stubTool) Description() string          { return "stub" }
func (s *stubTool) InputSchema() json.RawMessage { return json.RawMessage(s.schema) }

func (s *stubTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	if s.run != nil {
		return s.run(ctx, args)
	}
	return "ok", nil
}

const intArgSchema = `{"type":"object","properties":{"x":{"type":"integer"}},"required":["x"],"additionalProperties":false}`

func TestRegistryRegister(t *testing.T) {
	registry := NewRegistry()

	require.NoError(t, registry.Register(&stubTool{name: "calc", schema: intArgSchema}))

	t.Run("duplicate rejected", func(t *testing.T) {
		err := registry.Register(&stubTool{name: "calc", schema: intArgSchema})
		require.ErrorIs(t, err, ErrDuplicateTool)
	})

	t.Run("empty name rejected", func(t *testing.T) {
		require.Error(t, registry.Register(&stubTool{name: "", schema: intArgSchema}))
	})

	t.Run("invalid schema rejected", func(t *testing.T) {
		err := registry.Register(&stubTool{name: "bad", schema: `{"type": 12}`})
		require.Error(t, err)
	})
}

func TestRegistryExecute(t *testing.T) {
	registry := NewRegistry()
	var gotArgs json.RawMessage
	require.NoError(t, registry.Register(&stubTool{
		name:   "calc",
		schema: intArgSchema,
		run: func(_ context.Context, args json.RawMessage) (string, error) {
			gotArgs = args
			return "42", nil
		},
	}))

	t.Run("valid args dispatch", func(t *testing.T) {
		out, err := registry.Execute(context.Background(), "calc", json.RawMessage(`{"x":7}`))
		require.NoError(t, err)
		assert.Equal(t, "42", out)
		assert.JSONEq(t, `{"x":7}`, string(gotArgs))
	})

	t.Run("unknown tool", func(t *testing.T) {
		_, err := registry.Execute(context.Background(), "nope", json.RawMessage(`{}`))
		require.ErrorIs(t, err, ErrUnknownTool)
	})

	t.Run("schema violation rejected before dispatch", func(t *testing.T) {
		_, err := registry.Execute(context.Background(), "calc", json.RawMessage(`{"x":"seven"}`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid arguments for calc")
	})

	t.Run("missing required field rejected", func(t *testing.T) {
		_, err := registry.Execute(context.Background(), "calc", json.RawMessage(`{}`))
		require.Error(t, err)
	})

	t.Run("malformed JSON rejected", func(t *testing.T) {
		_, err := registry.Execute(context.Background(), "calc", json.RawMessage(`{"x":`))
		require.Error(t, err)
	})
}

func TestRegistryDefinitions(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register(&stubTool{name: "alpha", schema: intArgSchema}))
	require.NoError(t, registry.Register(&stubTool{name: "beta", schema: intArgSchema}))

	t.Run("all tools sorted", func(t *testing.T) {
		defs := registry.Definitions()
		require.Len(t, defs, 2)
		assert.Equal(t, "alpha", defs[0].Name)
		assert.Equal(t, "beta", defs[1].Name)
	})

	t.Run("filtered subset keeps order and skips unknown", func(t *testing.T) {
		defs := registry.Definitions("beta", "ghost", "alpha")
		require.Len(t, defs, 2)
		assert.Equal(t, "beta", defs[0].Name)
		assert.Equal(t, "alpha", defs[1].Name)
	})
}

func TestBuiltinRegistry(t *testing.T) {
	registry, err := Builtin(Config{WorkspaceRoot: t.TempDir()})
	require.NoError(t, err)

	expected := []string{
		"git_ops", "http_fetch", "list_dir", "read_file",
		"run_command", "run_tests", "web_search", "write_file",
	}
	assert.Equal(t, expected, registry.Names())

	for _, def := range registry.Definitions() {
		assert.NotEmpty(t, def.Description, "tool %s needs a description", def.Name)
		assert.NotEmpty(t, def.ParametersSchema, "tool %s needs a schema", def.Name)
	}
}

func TestBuiltinSchemasAccept(t *testing.T) {
	registry, err := Builtin(Config{WorkspaceRoot: t.TempDir()})
	require.NoError(t, err)

	// Each generated schema must accept its tool's canonical arguments.
	out, err := registry.Execute(context.Background(), "write_file", json.RawMessage(`{"path":"x.txt","content":"hi"}`))
	require.NoError(t, err)
	assert.Contains(t, out, "bytes_written")

	out, err = registry.Execute(context.Background(), "read_file", json.RawMessage(`{"path":"x.txt","max_bytes":100}`))
	require.NoError(t, err)
	assert.Contains(t, out, `"hi"`)

	_, err = registry.Execute(context.Background(), "read_file", json.RawMessage(`{"max_bytes":100}`))
	require.Error(t, err, "path is required by schema")
}
