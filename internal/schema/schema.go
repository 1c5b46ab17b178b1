// Package schema builds, sanitizes, and validates the JSON schemas used for
// structured model output.
//
// Schemas are plain map trees so they marshal directly into provider request
// bodies. Each provider accepts a different dialect: Gemini rejects unknown
// keywords outright, while OpenAI strict mode demands additionalProperties
// and exhaustive required lists. Sanitizers produce a provider-acceptable
// deep copy without mutating the source schema.
package schema

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// Schema is one JSON schema fragment.
type Schema map[string]any

// Object builds an object schema. All listed properties are required unless
// narrowed by the provider sanitizer.
func Object(props map[string]Schema, required ...string) Schema {
	p := make(map[string]any, len(props))
	for k, v := range props {
		p[k] = map[string]any(v)
	}
	s := Schema{
		"type":       "object",
		"properties": p,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

// String builds a string schema.
func String(desc string) Schema {
	return withDesc(Schema{"type": "string"}, desc)
}

// Boolean builds a boolean schema.
func Boolean(desc string) Schema {
	return withDesc(Schema{"type": "boolean"}, desc)
}

// Integer builds an integer schema.
func Integer(desc string) Schema {
	return withDesc(Schema{"type": "integer"}, desc)
}

// Number builds a number schema bounded to [min, max].
func Number(desc string, min, max float64) Schema {
	return withDesc(Schema{"type": "number", "minimum": min, "maximum": max}, desc)
}

// Array builds an array schema with the given item schema.
func Array(desc string, item Schema) Schema {
	return withDesc(Schema{"type": "array", "items": map[string]any(item)}, desc)
}

// Enum builds a string schema restricted to the given values.
func Enum(desc string, values ...string) Schema {
	vals := make([]any, len(values))
	for i, v := range values {
		vals[i] = v
	}
	return withDesc(Schema{"type": "string", "enum": vals}, desc)
}

func withDesc(s Schema, desc string) Schema {
	if desc != "" {
		s["description"] = desc
	}
	return s
}

// geminiKeywords is the set of schema keywords the Gemini API accepts in
// responseJsonSchema. Anything else is rejected by the API, so unknown
// keywords are stripped rather than passed through.
var geminiKeywords = map[string]bool{
	"type":             true,
	"format":           true,
	"description":      true,
	"nullable":         true,
	"enum":             true,
	"items":            true,
	"properties":       true,
	"required":         true,
	"minimum":          true,
	"maximum":          true,
	"minItems":         true,
	"maxItems":         true,
	"anyOf":            true,
	"propertyOrdering": true,
}

// ForGemini returns a deep copy of the schema containing only keywords the
// Gemini structured-output API understands.
func ForGemini(s Schema) Schema {
	out := make(Schema, len(s))
	for k, v := range s {
		if !geminiKeywords[k] {
			continue
		}
		out[k] = sanitizeValue(k, v, geminiStrip)
	}
	return out
}

// ForOpenAI returns a deep copy of the schema adjusted for OpenAI strict
// mode: every object gets additionalProperties=false and a required list
// covering all of its properties, which strict mode demands.
func ForOpenAI(s Schema) Schema {
	out := make(Schema, len(s))
	for k, v := range s {
		out[k] = sanitizeValue(k, v, openAIStrict)
	}
	if out["type"] == "object" {
		out["additionalProperties"] = false
		if props, ok := out["properties"].(map[string]any); ok {
			required := make([]string, 0, len(props))
			for name := range props {
				required = append(required, name)
			}
			sort.Strings(required)
			out["required"] = required
		}
	}
	return out
}

type sanitizeMode int

const (
	geminiStrip sanitizeMode = iota
	openAIStrict
)

func sanitizeValue(key string, v any, mode sanitizeMode) any {
	switch val := v.(type) {
	case map[string]any:
		if key == "properties" {
			out := make(map[string]any, len(val))
			for name, sub := range val {
				out[name] = sanitizeSub(sub, mode)
			}
			return out
		}
		return sanitizeSub(val, mode)
	case Schema:
		return sanitizeValue(key, map[string]any(val), mode)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			if sub, ok := item.(map[string]any); ok {
				out[i] = sanitizeSub(sub, mode)
			} else {
				out[i] = item
			}
		}
		return out
	case []string:
		out := make([]string, len(val))
		copy(out, val)
		return out
	default:
		return v
	}
}

func sanitizeSub(sub any, mode sanitizeMode) any {
	m, ok := sub.(map[string]any)
	if !ok {
		if s, ok := sub.(Schema); ok {
			m = map[string]any(s)
		} else {
			return sub
		}
	}
	switch mode {
	case geminiStrip:
		return map[string]any(ForGemini(Schema(m)))
	default:
		return map[string]any(ForOpenAI(Schema(m)))
	}
}

// Validate checks a decoded JSON value against the schema and returns an
// error listing all violations if any are found. It covers the subset of
// keywords the builders above can produce; numbers follow encoding/json
// conventions (float64 for every numeric literal).
func Validate(value any, s Schema) error {
	var violations []string
	validate(value, map[string]any(s), "$", &violations)
	if len(violations) > 0 {
		return fmt.Errorf("schema: %s", strings.Join(violations, "; "))
	}
	return nil
}

func validate(value any, s map[string]any, path string, violations *[]string) {
	typ, _ := s["type"].(string)
	switch typ {
	case "object":
		obj, ok := value.(map[string]any)
		if !ok {
			*violations = append(*violations, fmt.Sprintf("%s: expected object", path))
			return
		}
		props, _ := s["properties"].(map[string]any)
		for _, name := range requiredList(s) {
			if _, present := obj[name]; !present {
				*violations = append(*violations, fmt.Sprintf("%s: missing required property %q", path, name))
			}
		}
		for name, raw := range obj {
			sub, ok := props[name].(map[string]any)
			if !ok {
				continue
			}
			validate(raw, sub, path+"."+name, violations)
		}
	case "array":
		arr, ok := value.([]any)
		if !ok {
			*violations = append(*violations, fmt.Sprintf("%s: expected array", path))
			return
		}
		if min, ok := numericKeyword(s, "minItems"); ok && len(arr) < int(min) {
			*violations = append(*violations, fmt.Sprintf("%s: fewer than %d items", path, int(min)))
		}
		if max, ok := numericKeyword(s, "maxItems"); ok && len(arr) > int(max) {
			*violations = append(*violations, fmt.Sprintf("%s: more than %d items", path, int(max)))
		}
		items, ok := s["items"].(map[string]any)
		if !ok {
			return
		}
		for i, item := range arr {
			validate(item, items, fmt.Sprintf("%s[%d]", path, i), violations)
		}
	case "string":
		str, ok := value.(string)
		if !ok {
			*violations = append(*violations, fmt.Sprintf("%s: expected string", path))
			return
		}
		if enum, ok := s["enum"].([]any); ok {
			found := false
			for _, e := range enum {
				if e == str {
					found = true
					break
				}
			}
			if !found {
				*violations = append(*violations, fmt.Sprintf("%s: %q is not one of the allowed values", path, str))
			}
		}
	case "number", "integer":
		num, ok := asFloat(value)
		if !ok {
			*violations = append(*violations, fmt.Sprintf("%s: expected %s", path, typ))
			return
		}
		if typ == "integer" && num != math.Trunc(num) {
			*violations = append(*violations, fmt.Sprintf("%s: expected integer, got %v", path, num))
		}
		if min, ok := numericKeyword(s, "minimum"); ok && num < min {
			*violations = append(*violations, fmt.Sprintf("%s: %v below minimum %v", path, num, min))
		}
		if max, ok := numericKeyword(s, "maximum"); ok && num > max {
			*violations = append(*violations, fmt.Sprintf("%s: %v above maximum %v", path, num, max))
		}
	case "boolean":
		if _, ok := value.(bool); !ok {
			*violations = append(*violations, fmt.Sprintf("%s: expected boolean", path))
		}
	}
}

func requiredList(s map[string]any) []string {
	switch req := s["required"].(type) {
	case []string:
		return req
	case []any:
		out := make([]string, 0, len(req))
		for _, r := range req {
			if name, ok := r.(string); ok {
				out = append(out, name)
			}
		}
		return out
	}
	return nil
}

func numericKeyword(s map[string]any, key string) (float64, bool) {
	v, ok := s[key]
	if !ok {
		return 0, false
	}
	return asFloatKeyword(v)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}

func asFloatKeyword(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
