// Package schema trims tool-parameter JSON Schemas down to the subset
// the vendors accept. Constraint keywords are preserved as description
// hints; structural keywords are dropped; parameter-less object
// schemas get a placeholder property because the backend's VALIDATED
// tool mode rejects empty ones.
package schema

import (
	"encoding/json"
	"fmt"
	"sort"
)

// constraintKeywords are removed from the schema and appended to its
// description as "(<keyword>: <value>)".
var constraintKeywords = []string{
	"minLength", "maxLength",
	"exclusiveMinimum", "exclusiveMaximum",
	"pattern",
	"minItems", "maxItems",
	"format", "default", "examples",
}

// structuralKeywords are removed outright.
var structuralKeywords = []string{
	"$schema", "$defs", "definitions",
	"const", "$ref",
	"additionalProperties", "propertyNames",
	"title", "$id", "$comment",
}

// Sanitize returns a deep-copied schema with unsupported keywords
// removed. The input is not modified.
func Sanitize(schema map[string]any) map[string]any {
	if schema == nil {
		return nil
	}
	return sanitizeNode(deepCopy(schema).(map[string]any))
}

func sanitizeNode(node map[string]any) map[string]any {
	// Collect constraint hints before deleting, in stable order.
	var hints []string
	for _, kw := range constraintKeywords {
		if v, ok := node[kw]; ok {
			hints = append(hints, fmt.Sprintf("(%s: %s)", kw, formatValue(v)))
			delete(node, kw)
		}
	}
	if len(hints) > 0 {
		desc, _ := node["description"].(string)
		for _, hint := range hints {
			if desc == "" {
				desc = hint
			} else {
				desc = desc + " " + hint
			}
		}
		node["description"] = desc
	}

	for _, kw := range structuralKeywords {
		delete(node, kw)
	}

	// Property names are data, not keywords; only the value schemas
	// are sanitized.
	if props, ok := node["properties"].(map[string]any); ok {
		for name, sub := range props {
			if subMap, ok := sub.(map[string]any); ok {
				props[name] = sanitizeNode(subMap)
			}
		}
	}

	if items, ok := node["items"].(map[string]any); ok {
		node["items"] = sanitizeNode(items)
	}
	for _, kw := range []string{"anyOf", "oneOf", "allOf"} {
		variants, ok := node[kw].([]any)
		if !ok {
			continue
		}
		for i, sub := range variants {
			if subMap, ok := sub.(map[string]any); ok {
				variants[i] = sanitizeNode(subMap)
			}
		}
	}

	ensurePlaceholder(node)
	return node
}

// ensurePlaceholder gives parameter-less object schemas a single
// boolean property so they survive VALIDATED mode.
func ensurePlaceholder(node map[string]any) {
	if t, _ := node["type"].(string); t != "object" {
		return
	}
	if props, ok := node["properties"].(map[string]any); ok && len(props) > 0 {
		return
	}
	node["properties"] = map[string]any{
		"_placeholder": map[string]any{
			"type":        "boolean",
			"description": "Placeholder. Always pass true.",
		},
	}
	node["required"] = []any{"_placeholder"}
}

// formatValue renders a keyword value for the description hint.
// Scalars print plainly; composites as compact JSON.
func formatValue(v any) string {
	switch v.(type) {
	case string, bool, float64, int, int64, json.Number, nil:
		return fmt.Sprintf("%v", v)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

func deepCopy(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, sub := range val {
			out[k] = deepCopy(sub)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, sub := range val {
			out[i] = deepCopy(sub)
		}
		return out
	default:
		return v
	}
}

// keys is used by tests to assert removal without caring about order.
func keys(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
