package llm

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Schema is a named, compiled JSON schema used to constrain structured
// invocations and to validate their payloads.
type Schema struct {
	Name     string
	Raw      json.RawMessage
	compiled *jsonschema.Schema
}

// NewSchema compiles raw into a reusable schema. The name doubles as the
// forced tool name on providers that bind schemas through tool calls.
func NewSchema(name string, raw json.RawMessage) (*Schema, error) {
	if name == "" {
		return nil, fmt.Errorf("schema name is required")
	}
	compiled, err := jsonschema.CompileString(name+".json", string(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	return &Schema{Name: name, Raw: raw, compiled: compiled}, nil
}

// MustSchema is NewSchema for schemas defined in source. Panics on error.
func MustSchema(name string, raw json.RawMessage) *Schema {
	s, err := NewSchema(name, raw)
	if err != nil {
		panic(err)
	}
	return s
}

// Validate checks a JSON payload against the schema.
func (s *Schema) Validate(payload []byte) error {
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return fmt.Errorf("payload is not valid JSON: %w", err)
	}
	if err := s.compiled.Validate(v); err != nil {
		return fmt.Errorf("payload does not match schema %s: %w", s.Name, err)
	}
	return nil
}
