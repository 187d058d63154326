package schema

import (
	"encoding/json"
	"testing"
)

const responseSchema = `{"type":"object","properties":{"answer":{"enum":["grant","deny"]}},"required":["answer"]}`

func TestValidateSchema(t *testing.T) {
	if err := ValidateSchema("test", []byte(responseSchema), map[string]any{"answer": "grant"}); err != nil {
		t.Fatalf("expected valid payload: %v", err)
	}
	if err := ValidateSchema("test", []byte(responseSchema), map[string]any{"answer": "maybe"}); err == nil {
		t.Fatalf("expected schema validation error")
	}
}

func TestCompiledValidatorReuse(t *testing.T) {
	v, err := Compile("response", []byte(responseSchema))
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := v.Validate([]byte(`{"answer":"deny"}`)); err != nil {
			t.Fatalf("validate bytes: %v", err)
		}
	}
	if err := v.Validate(json.RawMessage(`{}`)); err == nil {
		t.Fatalf("expected missing field error")
	}
}

func TestValidateYAMLStyleValues(t *testing.T) {
	schema := []byte(`{"type":"object","properties":{"n":{"type":"integer","minimum":1}}}`)
	if err := ValidateSchema("ints", schema, map[string]any{"n": 3}); err != nil {
		t.Fatalf("expected int value to validate: %v", err)
	}
	if err := ValidateSchema("ints", schema, map[string]any{"n": 0}); err == nil {
		t.Fatalf("expected minimum violation")
	}
}

func TestNormalizeValue(t *testing.T) {
	val, err := normalizeValue(json.RawMessage(`{"k":"v"}`))
	if err != nil {
		t.Fatalf("normalize raw: %v", err)
	}
	m, ok := val.(map[string]any)
	if !ok || m["k"] != "v" {
		t.Fatalf("unexpected normalized value")
	}
	if _, err := normalizeValue([]byte(`{`)); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestCompileEmpty(t *testing.T) {
	if _, err := Compile("test", nil); err == nil {
		t.Fatalf("expected error for empty schema")
	}
	var v *Validator
	if err := v.Validate(map[string]any{}); err == nil {
		t.Fatalf("expected error for nil validator")
	}
}
