package tools

import (
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
)

// SchemaFor infers the JSON schema of a tool's input type.
func SchemaFor[T any]() (*jsonschema.Schema, error) {
	schema, err := jsonschema.For[T](nil)
	if err != nil {
		return nil, fmt.Errorf("inferring schema: %w", err)
	}
	return schema, nil
}

func MustSchemaFor[T any]() *jsonschema.Schema {
	schema, err := SchemaFor[T]()
	if err != nil {
		panic(err)
	}
	return schema
}

// ConvertSchema converts a schema of any representation into v through JSON.
func ConvertSchema(params, v any) error {
	if params == nil {
		params = map[string]any{"type": "object", "properties": map[string]any{}}
	}

	buf, err := json.Marshal(params)
	if err != nil {
		return err
	}
	return json.Unmarshal(buf, v)
}

// SchemaToMap returns the schema as a generic map, always with an object type
// and a properties entry, which some providers require.
func SchemaToMap(params any) (map[string]any, error) {
	m := map[string]any{}
	if err := ConvertSchema(params, &m); err != nil {
		return nil, err
	}
	if _, ok := m["type"]; !ok {
		m["type"] = "object"
	}
	if _, ok := m["properties"]; !ok {
		m["properties"] = map[string]any{}
	}
	return m, nil
}
