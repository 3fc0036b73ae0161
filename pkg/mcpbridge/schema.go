package mcpbridge

// sanitizeSchema normalizes constructs the upstream assistant rejects in a
// tool's inputSchema: array-typed "type" becomes its first
// non-null entry, anyOf/oneOf variants collapse to the first non-null
// variant's type, "required" is guaranteed to exist on object schemas, and
// every property gets a string "type" (default "string").
func sanitizeSchema(schema map[string]any) map[string]any {
	if schema == nil {
		return nil
	}
	return sanitizeNode(schema).(map[string]any)
}

func sanitizeNode(node any) any {
	m, ok := node.(map[string]any)
	if !ok {
		return node
	}

	sanitizeType(m)

	if props, ok := m["properties"].(map[string]any); ok {
		for name, p := range props {
			if pm, ok := p.(map[string]any); ok {
				sanitizeType(pm)
				if _, hasType := pm["type"]; !hasType {
					pm["type"] = "string"
				}
				props[name] = sanitizeNode(pm)
			}
		}
	}

	if _, hasProps := m["properties"].(map[string]any); hasProps || m["type"] == "object" {
		if _, hasRequired := m["required"]; !hasRequired {
			m["required"] = []any{}
		}
	}

	if items, ok := m["items"].(map[string]any); ok {
		m["items"] = sanitizeNode(items)
	}

	return m
}

// sanitizeType collapses an array-typed "type" or an anyOf/oneOf variant
// list down to a single concrete type string, in place. Collapsing a
// variant list keeps more than its "type": the chosen (first non-null)
// variant's other keys — properties, items, description, … — are merged
// into m too, so a variant like {"type":"object","properties":{...}}
// doesn't lose its shape down to a bare {"type":"object"}.
func sanitizeType(m map[string]any) {
	if arr, ok := m["type"].([]any); ok {
		m["type"] = firstNonNull(arr)
		return
	}

	for _, key := range []string{"anyOf", "oneOf"} {
		variants, ok := m[key].([]any)
		if !ok {
			continue
		}
		var chosen map[string]any
		for _, v := range variants {
			vm, ok := v.(map[string]any)
			if !ok {
				continue
			}
			if t, ok := vm["type"].(string); ok && t != "null" {
				chosen = vm
				break
			}
		}
		if chosen != nil {
			m["type"] = chosen["type"]
			for k, v := range chosen {
				if k == "type" {
					continue
				}
				if _, exists := m[k]; !exists {
					m[k] = v
				}
			}
		}
		delete(m, key)
		if _, ok := m["type"]; !ok {
			m["type"] = "string"
		}
	}
}

func firstNonNull(values []any) string {
	for _, v := range values {
		if s, ok := v.(string); ok && s != "null" {
			return s
		}
	}
	return "string"
}
