// ABOUTME: JSON Schema subset validator used for tool input and output checking.
// ABOUTME: Supports required, type, enum, numeric ranges, string lengths, and array sizes.

// Package schema validates JSON values against the subset of JSON
// Schema that tool definitions use: required, type, enum,
// minimum/maximum, minLength/maxLength, and minItems/maxItems.
// Validation failures aggregate into a single human-readable error.
package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// Schema is a compiled schema ready for repeated validation.
type Schema struct {
	Type       string             `json:"type,omitempty"`
	Properties map[string]*Schema `json:"properties,omitempty"`
	Required   []string           `json:"required,omitempty"`
	Items      *Schema            `json:"items,omitempty"`
	Enum       []any              `json:"enum,omitempty"`
	Minimum    *float64           `json:"minimum,omitempty"`
	Maximum    *float64           `json:"maximum,omitempty"`
	MinLength  *int               `json:"minLength,omitempty"`
	MaxLength  *int               `json:"maxLength,omitempty"`
	MinItems   *int               `json:"minItems,omitempty"`
	MaxItems   *int               `json:"maxItems,omitempty"`
}

// Compile parses a raw JSON schema. An empty document compiles to a
// schema that accepts everything.
func Compile(raw json.RawMessage) (*Schema, error) {
	s := &Schema{}
	if len(raw) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(raw, s); err != nil {
		return nil, fmt.Errorf("parsing schema: %w", err)
	}
	return s, nil
}

// ValidationError aggregates every issue found in one pass.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return strings.Join(e.Issues, "; ")
}

// Validate checks a decoded JSON value (map[string]any, []any, string,
// float64, bool, nil) against the schema. It returns a
// *ValidationError listing every violation, or nil.
func (s *Schema) Validate(value any) error {
	var issues []string
	s.validate("", value, &issues)
	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}

// ValidateJSON decodes raw JSON and validates it.
func (s *Schema) ValidateJSON(raw json.RawMessage) error {
	var value any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &value); err != nil {
			return &ValidationError{Issues: []string{fmt.Sprintf("invalid JSON: %v", err)}}
		}
	}
	return s.Validate(value)
}

func (s *Schema) validate(path string, value any, issues *[]string) {
	label := path
	if label == "" {
		label = "value"
	} else {
		label = fmt.Sprintf("field '%s'", path)
	}

	if s.Type != "" && !typeMatches(s.Type, value) {
		*issues = append(*issues, fmt.Sprintf("%s: expected %s, got %s", label, s.Type, typeName(value)))
		return
	}

	if len(s.Enum) > 0 && !enumContains(s.Enum, value) {
		*issues = append(*issues, fmt.Sprintf("%s: must be one of %s", label, enumList(s.Enum)))
	}

	switch v := value.(type) {
	case float64:
		if s.Minimum != nil && v < *s.Minimum {
			*issues = append(*issues, fmt.Sprintf("%s: must be >= %v", label, *s.Minimum))
		}
		if s.Maximum != nil && v > *s.Maximum {
			*issues = append(*issues, fmt.Sprintf("%s: must be <= %v", label, *s.Maximum))
		}
	case string:
		if s.MinLength != nil && len(v) < *s.MinLength {
			*issues = append(*issues, fmt.Sprintf("%s: length must be >= %d", label, *s.MinLength))
		}
		if s.MaxLength != nil && len(v) > *s.MaxLength {
			*issues = append(*issues, fmt.Sprintf("%s: length must be <= %d", label, *s.MaxLength))
		}
	case []any:
		if s.MinItems != nil && len(v) < *s.MinItems {
			*issues = append(*issues, fmt.Sprintf("%s: must have >= %d items", label, *s.MinItems))
		}
		if s.MaxItems != nil && len(v) > *s.MaxItems {
			*issues = append(*issues, fmt.Sprintf("%s: must have <= %d items", label, *s.MaxItems))
		}
		if s.Items != nil {
			for i, item := range v {
				s.Items.validate(fmt.Sprintf("%s[%d]", path, i), item, issues)
			}
		}
	case map[string]any:
		for _, name := range s.Required {
			if _, ok := v[name]; !ok {
				*issues = append(*issues, fmt.Sprintf("missing required field '%s'", joinPath(path, name)))
			}
		}
		for name, sub := range s.Properties {
			child, ok := v[name]
			if !ok {
				continue
			}
			sub.validate(joinPath(path, name), child, issues)
		}
	}
}

func joinPath(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "." + name
}

func typeMatches(typ string, value any) bool {
	switch typ {
	case "string":
		_, ok := value.(string)
		return ok
	case "number":
		_, ok := value.(float64)
		return ok
	case "integer":
		f, ok := value.(float64)
		return ok && f == math.Trunc(f)
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "array":
		_, ok := value.([]any)
		return ok
	case "object":
		_, ok := value.(map[string]any)
		return ok
	case "null":
		return value == nil
	}
	// Unknown type names never reject.
	return true
}

func typeName(value any) string {
	switch value.(type) {
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "boolean"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	case nil:
		return "null"
	}
	return "unknown"
}

func enumContains(enum []any, value any) bool {
	for _, e := range enum {
		if e == value {
			return true
		}
	}
	return false
}

func enumList(enum []any) string {
	parts := make([]string, 0, len(enum))
	for _, e := range enum {
		parts = append(parts, fmt.Sprintf("%v", e))
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
