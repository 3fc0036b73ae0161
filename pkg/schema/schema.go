// Package schema implements compact-schema conversions, permissive answer
// validation, and JSON extraction from free-form model output. Unlike
// mapstructure (wired in pkg/config for AgentConfig decoding), whose decode
// errors are still fatal, SoftValidate never fails: it coerces what it can
// and reports everything else as data in a per-field
// missing/extras/warnings ledger.
package schema

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Field is one entry of a compact schema: a terse shape workers declare
// their question/answer fields in, expanded to real JSON Schema only when
// it needs to be handed to the upstream assistant.
type Field struct {
	Name        string
	Type        string // "string", "number", "integer", "boolean", "array", "object"; default "string"
	Description string
	Items       map[string]any
	Default     any
	Required    bool
}

// ToJSONSchema converts a compact field list to
// {type:"object", properties:{...}, required:[...]}. An empty required
// list is omitted entirely rather than serialised as [].
func ToJSONSchema(fields []Field) map[string]any {
	properties := make(map[string]any, len(fields))
	var required []string

	for _, f := range fields {
		prop := map[string]any{"type": typeOrDefault(f.Type)}
		if f.Description != "" {
			prop["description"] = f.Description
		}
		if f.Items != nil {
			prop["items"] = f.Items
		}
		if f.Default != nil {
			prop["default"] = f.Default
		}
		properties[f.Name] = prop

		if f.Required {
			required = append(required, f.Name)
		}
	}

	out := map[string]any{"type": "object", "properties": properties}
	if len(required) > 0 {
		out["required"] = required
	}
	return out
}

func typeOrDefault(t string) string {
	if t == "" {
		return "string"
	}
	return t
}

// ToDescription renders "Parameters:\n  - name (type[, required]):
// description" per field, for embedding in a tool or turn prompt.
func ToDescription(fields []Field) string {
	if len(fields) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Parameters:\n")
	for _, f := range fields {
		b.WriteString("  - ")
		b.WriteString(f.Name)
		b.WriteString(" (")
		b.WriteString(typeOrDefault(f.Type))
		if f.Required {
			b.WriteString(", required")
		}
		b.WriteString(")")
		if f.Description != "" {
			b.WriteString(": ")
			b.WriteString(f.Description)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// ValidationResult is the always-non-fatal outcome of soft-validating a
// candidate answer against a schema.
type ValidationResult struct {
	Parsed   map[string]any
	Extras   map[string]any
	Missing  []string
	Warnings []string
	Raw      string
}

// SoftValidate coerces candidate (a string or an already-decoded
// map[string]any) against fields, never raising: unparseable input,
// missing required fields, and failed type coercions all degrade to a
// warning rather than an error.
func SoftValidate(candidate any, fields []Field) ValidationResult {
	result := ValidationResult{Parsed: map[string]any{}, Extras: map[string]any{}}

	data, raw := decodeCandidate(candidate, &result)

	fieldSet := make(map[string]bool, len(fields))
	for _, f := range fields {
		fieldSet[f.Name] = true
		value, present := data[f.Name]
		if !present {
			if f.Required {
				result.Missing = append(result.Missing, f.Name)
				result.Warnings = append(result.Warnings, fmt.Sprintf("missing required field %q", f.Name))
			}
			continue
		}
		result.Parsed[f.Name] = coerce(value, f.Type, f.Name, &result.Warnings)
	}

	for k, v := range data {
		if !fieldSet[k] {
			result.Extras[k] = v
		}
	}

	result.Raw = raw
	return result
}

func decodeCandidate(candidate any, result *ValidationResult) (map[string]any, string) {
	switch v := candidate.(type) {
	case map[string]any:
		return v, ""
	case string:
		var decoded map[string]any
		if err := json.Unmarshal([]byte(v), &decoded); err != nil {
			result.Warnings = append(result.Warnings, "candidate is not valid JSON: "+err.Error())
			return map[string]any{}, v
		}
		return decoded, v
	default:
		raw, _ := json.Marshal(v)
		result.Warnings = append(result.Warnings, "candidate is not a JSON object")
		return map[string]any{}, string(raw)
	}
}

// coerce converts value toward targetType using permissive rules:
// numeric strings parse as numbers, "true"/"1"/"yes"
// (case-insensitive) and their negatives parse as booleans. Every coercion
// that actually changes the value's representation — success or failure —
// records a warning (a string "true" coerced to boolean and a number 42
// coerced to string are each one coercion warning, even though both
// succeed); a value already matching targetType produces
// no warning. A coercion that fails degrades to the original value.
func coerce(value any, targetType, fieldName string, warnings *[]string) any {
	switch targetType {
	case "number", "integer":
		switch v := value.(type) {
		case float64:
			return v
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
				*warnings = append(*warnings, fmt.Sprintf("field %q: coerced %q to %s", fieldName, v, targetType))
				return f
			}
			*warnings = append(*warnings, fmt.Sprintf("field %q: could not coerce %q to %s", fieldName, v, targetType))
			return value
		default:
			return value
		}

	case "boolean":
		switch v := value.(type) {
		case bool:
			return v
		case string:
			if b, ok := coerceBool(v); ok {
				*warnings = append(*warnings, fmt.Sprintf("field %q: coerced %q to boolean", fieldName, v))
				return b
			}
			*warnings = append(*warnings, fmt.Sprintf("field %q: could not coerce %q to boolean", fieldName, v))
			return value
		default:
			return value
		}

	case "string":
		switch v := value.(type) {
		case string:
			return v
		case float64, bool:
			*warnings = append(*warnings, fmt.Sprintf("field %q: coerced %v to string", fieldName, v))
			return fmt.Sprintf("%v", v)
		default:
			return value
		}

	default:
		return value
	}
}

func coerceBool(s string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes":
		return true, true
	case "false", "0", "no":
		return false, true
	default:
		return false, false
	}
}
