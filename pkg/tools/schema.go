package tools

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

// schemaFor reflects a JSON schema from a tool's argument struct, driven by
// json and jsonschema struct tags. Argument structs are defined in source,
// so a reflection failure is a programmer error and panics.
func schemaFor[T any]() json.RawMessage {
	reflector := &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}
	schema := reflector.Reflect(new(T))

	raw, err := json.Marshal(schema)
	if err != nil {
		panic(err)
	}

	// Providers reject $schema and $id inside tool parameter schemas.
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		panic(err)
	}
	delete(m, "$schema")
	delete(m, "$id")

	out, err := json.Marshal(m)
	if err != nil {
		panic(err)
	}
	return out
}
