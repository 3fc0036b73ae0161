package mcpbridge

import (
	"encoding/json"
	"testing"
)

func TestSanitizeSchemaCollapsesArrayType(t *testing.T) {
	in := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"count": map[string]any{"type": []any{"integer", "null"}},
		},
	}
	out := sanitizeSchema(in)
	props := out["properties"].(map[string]any)
	count := props["count"].(map[string]any)
	if count["type"] != "integer" {
		t.Fatalf("count.type = %v, want integer", count["type"])
	}
}

func TestSanitizeSchemaCollapsesAnyOf(t *testing.T) {
	in := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"label": map[string]any{
				"anyOf": []any{
					map[string]any{"type": "null"},
					map[string]any{"type": "string"},
				},
			},
		},
	}
	out := sanitizeSchema(in)
	props := out["properties"].(map[string]any)
	label := props["label"].(map[string]any)
	if label["type"] != "string" {
		t.Fatalf("label.type = %v, want string", label["type"])
	}
	if _, ok := label["anyOf"]; ok {
		t.Fatal("anyOf should be removed after collapsing")
	}
}

// A root-level anyOf whose chosen (object) variant carries nested
// properties must keep that shape, not collapse to a bare
// {"type":"object"}.
func TestSanitizeSchemaRootAnyOfPreservesChosenVariantShape(t *testing.T) {
	in := map[string]any{
		"anyOf": []any{
			map[string]any{
				"type":       "object",
				"properties": map[string]any{"p": map[string]any{"type": "string"}},
			},
			map[string]any{"type": "null"},
		},
	}
	out := sanitizeSchema(in)
	if out["type"] != "object" {
		t.Fatalf("type = %v, want object", out["type"])
	}
	if _, ok := out["anyOf"]; ok {
		t.Fatal("anyOf should be removed after collapsing")
	}
	props, ok := out["properties"].(map[string]any)
	if !ok {
		t.Fatalf("properties missing after collapsing anyOf: %v", out)
	}
	p, ok := props["p"].(map[string]any)
	if !ok || p["type"] != "string" {
		t.Fatalf("properties.p = %v, want {type: string}", props["p"])
	}
	required, ok := out["required"].([]any)
	if !ok || len(required) != 0 {
		t.Fatalf("required = %v, want empty", out["required"])
	}
}

func TestSanitizeSchemaDefaultsMissingPropertyType(t *testing.T) {
	in := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"name": map[string]any{"description": "a name"},
		},
	}
	out := sanitizeSchema(in)
	props := out["properties"].(map[string]any)
	name := props["name"].(map[string]any)
	if name["type"] != "string" {
		t.Fatalf("name.type = %v, want default string", name["type"])
	}
}

func TestSanitizeSchemaEnsuresRequiredExists(t *testing.T) {
	in := map[string]any{
		"type":       "object",
		"properties": map[string]any{"x": map[string]any{"type": "string"}},
	}
	out := sanitizeSchema(in)
	required, ok := out["required"].([]any)
	if !ok {
		t.Fatal("expected a required field to be added")
	}
	if len(required) != 0 {
		t.Fatalf("required = %v, want empty", required)
	}
}

func TestSanitizeSchemaPreservesExistingRequired(t *testing.T) {
	in := map[string]any{
		"type":       "object",
		"properties": map[string]any{"x": map[string]any{"type": "string"}},
		"required":   []any{"x"},
	}
	out := sanitizeSchema(in)
	required := out["required"].([]any)
	if len(required) != 1 || required[0] != "x" {
		t.Fatalf("required = %v, want [x]", required)
	}
}

func TestSanitizeSchemaIsIdempotent(t *testing.T) {
	in := map[string]any{
		"anyOf": []any{
			map[string]any{
				"type": "object",
				"properties": map[string]any{
					"p": map[string]any{"type": []any{"string", "null"}},
					"q": map[string]any{"description": "untyped"},
				},
			},
			map[string]any{"type": "null"},
		},
	}
	once := sanitizeSchema(in)
	onceJSON, _ := json.Marshal(once)
	twice := sanitizeSchema(once)
	twiceJSON, _ := json.Marshal(twice)
	if string(onceJSON) != string(twiceJSON) {
		t.Fatalf("sanitizing an already-sanitized schema changed it:\n%s\nvs\n%s", onceJSON, twiceJSON)
	}
}

func TestSanitizeSchemaNilIsNil(t *testing.T) {
	if sanitizeSchema(nil) != nil {
		t.Fatal("sanitizing a nil schema should return nil")
	}
}

func TestPrefixedName(t *testing.T) {
	if got := prefixedName("github", "create_issue"); got != "mcp_github_create_issue" {
		t.Fatalf("prefixedName = %q", got)
	}
}
