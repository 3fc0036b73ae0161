package schema

import (
	"reflect"
	"testing"
)

func TestToJSONSchemaOmitsEmptyRequired(t *testing.T) {
	out := ToJSONSchema([]Field{{Name: "note", Type: "string"}})
	if _, ok := out["required"]; ok {
		t.Fatalf("required should be omitted when no field is required, got %v", out["required"])
	}
	props := out["properties"].(map[string]any)
	note := props["note"].(map[string]any)
	if note["type"] != "string" {
		t.Fatalf("note.type = %v", note["type"])
	}
}

func TestToJSONSchemaIncludesRequiredNames(t *testing.T) {
	out := ToJSONSchema([]Field{
		{Name: "a", Required: true},
		{Name: "b"},
		{Name: "c", Required: true},
	})
	required := out["required"].([]string)
	if !reflect.DeepEqual(required, []string{"a", "c"}) {
		t.Fatalf("required = %v, want [a c]", required)
	}
}

func TestToJSONSchemaDefaultsMissingType(t *testing.T) {
	out := ToJSONSchema([]Field{{Name: "x"}})
	props := out["properties"].(map[string]any)
	x := props["x"].(map[string]any)
	if x["type"] != "string" {
		t.Fatalf("x.type = %v, want default string", x["type"])
	}
}

func TestToDescriptionRendersEachField(t *testing.T) {
	got := ToDescription([]Field{
		{Name: "city", Type: "string", Required: true, Description: "target city"},
		{Name: "limit", Type: "integer"},
	})
	want := "Parameters:\n  - city (string, required): target city\n  - limit (integer)"
	if got != want {
		t.Fatalf("got:\n%s\nwant:\n%s", got, want)
	}
}

func TestToDescriptionEmptyFields(t *testing.T) {
	if got := ToDescription(nil); got != "" {
		t.Fatalf("got %q, want empty", got)
	}
}

func TestSoftValidateParsesJSONStringCandidate(t *testing.T) {
	r := SoftValidate(`{"city":"Lyon","count":"3"}`, []Field{
		{Name: "city", Type: "string"},
		{Name: "count", Type: "integer"},
	})
	if r.Parsed["city"] != "Lyon" {
		t.Fatalf("city = %v", r.Parsed["city"])
	}
	if r.Parsed["count"] != float64(3) {
		t.Fatalf("count = %v (%T)", r.Parsed["count"], r.Parsed["count"])
	}
	if len(r.Warnings) != 1 {
		t.Fatalf("warnings = %v, want one coercion warning for the string->integer conversion", r.Warnings)
	}
}

func TestSoftValidateNonJSONStringProducesWarningNotError(t *testing.T) {
	r := SoftValidate("not json at all", []Field{{Name: "x", Required: true}})
	if len(r.Warnings) == 0 {
		t.Fatal("expected at least one warning")
	}
	if r.Raw != "not json at all" {
		t.Fatalf("raw = %q", r.Raw)
	}
	if len(r.Missing) != 1 || r.Missing[0] != "x" {
		t.Fatalf("missing = %v, want [x]", r.Missing)
	}
}

func TestSoftValidateCoercesPermissiveBooleans(t *testing.T) {
	r := SoftValidate(map[string]any{"confirmed": "yes"}, []Field{{Name: "confirmed", Type: "boolean"}})
	if r.Parsed["confirmed"] != true {
		t.Fatalf("confirmed = %v", r.Parsed["confirmed"])
	}
}

func TestSoftValidateFailedCoercionDegradesWithWarning(t *testing.T) {
	r := SoftValidate(map[string]any{"count": "not-a-number"}, []Field{{Name: "count", Type: "integer"}})
	if r.Parsed["count"] != "not-a-number" {
		t.Fatalf("count = %v, want the original value preserved", r.Parsed["count"])
	}
	if len(r.Warnings) == 0 {
		t.Fatal("expected a coercion-failure warning")
	}
}

func TestSoftValidateExtrasCaptureUnknownFields(t *testing.T) {
	r := SoftValidate(map[string]any{"city": "Lyon", "surprise": 42}, []Field{{Name: "city"}})
	if r.Extras["surprise"] != float64(42) && r.Extras["surprise"] != 42 {
		t.Fatalf("extras = %v", r.Extras)
	}
}

func TestSoftValidateMissingRequiredField(t *testing.T) {
	r := SoftValidate(map[string]any{}, []Field{{Name: "city", Required: true}})
	if len(r.Missing) != 1 || r.Missing[0] != "city" {
		t.Fatalf("missing = %v", r.Missing)
	}
}

// reviewSchema is the answer schema a code-review worker would declare.
func reviewSchema() []Field {
	return []Field{
		{Name: "approved", Type: "boolean", Required: true},
		{Name: "summary", Type: "string", Required: true},
		{Name: "issues", Type: "array"},
	}
}

func TestSoftValidateScenario1HappyPath(t *testing.T) {
	r := SoftValidate(map[string]any{"approved": true, "issues": []any{}, "summary": "Looks good"}, reviewSchema())
	if len(r.Missing) != 0 {
		t.Fatalf("missing = %v, want none", r.Missing)
	}
	if len(r.Warnings) != 0 {
		t.Fatalf("warnings = %v, want none", r.Warnings)
	}
	if r.Parsed["approved"] != true {
		t.Fatalf("approved = %v", r.Parsed["approved"])
	}
	if len(r.Extras) != 0 {
		t.Fatalf("extras = %v, want empty", r.Extras)
	}
}

func TestSoftValidateScenario2CoercionAndExtras(t *testing.T) {
	r := SoftValidate(map[string]any{"approved": "true", "summary": float64(42), "confidence": 0.9}, reviewSchema())
	if r.Parsed["approved"] != true {
		t.Fatalf("approved = %v, want true", r.Parsed["approved"])
	}
	if r.Parsed["summary"] != "42" {
		t.Fatalf("summary = %v, want \"42\"", r.Parsed["summary"])
	}
	if len(r.Extras) != 1 || r.Extras["confidence"] != 0.9 {
		t.Fatalf("extras = %v, want {confidence: 0.9}", r.Extras)
	}
	if len(r.Missing) != 0 {
		t.Fatalf("missing = %v, want none", r.Missing)
	}
	if len(r.Warnings) != 2 {
		t.Fatalf("warnings = %v, want exactly two coercion warnings", r.Warnings)
	}
}
