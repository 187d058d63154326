package schema

import (
	"bytes"
	"encoding/json"
	"fmt"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
)

// Validator holds a compiled JSON schema. It is safe for concurrent use.
type Validator struct {
	id       string
	compiled *jsonschema.Schema
}

// Compile parses schema once so hot paths (inbound bus events) do not recompile.
func Compile(id string, schema []byte) (*Validator, error) {
	if len(schema) == 0 {
		return nil, fmt.Errorf("schema is empty")
	}
	resourceID := schemaID(id)
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(resourceID, bytes.NewReader(schema)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := compiler.Compile(resourceID)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &Validator{id: id, compiled: compiled}, nil
}

// MustCompile is Compile for embedded schemas known to be valid.
func MustCompile(id string, schema []byte) *Validator {
	v, err := Compile(id, schema)
	if err != nil {
		panic(err)
	}
	return v
}

// Validate checks value (a decoded document, raw JSON bytes, or any JSON-marshalable value).
func (v *Validator) Validate(value any) error {
	if v == nil || v.compiled == nil {
		return fmt.Errorf("schema validator not initialized")
	}
	payload, err := normalizeValue(value)
	if err != nil {
		return fmt.Errorf("normalize payload: %w", err)
	}
	if err := v.compiled.Validate(payload); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}

// ValidateSchema validates a value against a JSON schema payload.
func ValidateSchema(id string, schema []byte, value any) error {
	v, err := Compile(id, schema)
	if err != nil {
		return err
	}
	return v.Validate(value)
}

func normalizeValue(value any) (any, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return decode(v)
	case []byte:
		return decode(v)
	case map[string]any, []any, string, float64, bool:
		return value, nil
	default:
		// YAML decoders and structs yield Go types the validator does not
		// understand (ints, typed maps); round-trip through JSON.
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		return decode(data)
	}
}

func decode(data []byte) (any, error) {
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return out, nil
}

func schemaID(id string) string {
	if id == "" {
		id = "schema"
	}
	return "inmemory://" + id
}
