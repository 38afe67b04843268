package tool

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	errandErrors "github.com/odvcencio/errand/pkg/errors"
)

// ParameterSchema defines the parameters a tool accepts
type ParameterSchema struct {
	Type       string                    `json:"type"`
	Properties map[string]PropertySchema `json:"properties"`
	Required   []string                  `json:"required,omitempty"`

	// AdditionalProperties is always false for errand tools; unknown fields are rejected.
	AdditionalProperties bool `json:"additionalProperties"`
}

// PropertySchema defines a single parameter
type PropertySchema struct {
	Type        string          `json:"type"`
	Description string          `json:"description"`
	Default     any             `json:"default,omitempty"`
	Items       *PropertySchema `json:"items,omitempty"`
	Enum        []string        `json:"enum,omitempty"`
	Minimum     *float64        `json:"minimum,omitempty"`
	MinLength   *int            `json:"minLength,omitempty"`
}

// Object is a convenience constructor for object schemas.
func Object(props map[string]PropertySchema, required ...string) ParameterSchema {
	return ParameterSchema{Type: "object", Properties: props, Required: required}
}

// FieldError describes one rejected argument.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (f FieldError) String() string {
	return f.Field + ": " + f.Message
}

// Validate checks args against the schema and returns every violation, sorted by field.
func (s ParameterSchema) Validate(args map[string]any) []FieldError {
	var errs []FieldError

	for _, name := range s.Required {
		v, ok := args[name]
		if !ok || v == nil {
			errs = append(errs, FieldError{Field: name, Message: "is required"})
		}
	}

	for name, value := range args {
		prop, ok := s.Properties[name]
		if !ok {
			errs = append(errs, FieldError{Field: name, Message: "is not a known parameter"})
			continue
		}
		if value == nil {
			continue
		}
		if msg := prop.check(value); msg != "" {
			errs = append(errs, FieldError{Field: name, Message: msg})
		}
	}

	sort.Slice(errs, func(i, j int) bool {
		if errs[i].Field != errs[j].Field {
			return errs[i].Field < errs[j].Field
		}
		return errs[i].Message < errs[j].Message
	})
	return errs
}

func (p PropertySchema) check(value any) string {
	switch p.Type {
	case "string":
		str, ok := value.(string)
		if !ok {
			return fmt.Sprintf("must be a string, got %s", jsonType(value))
		}
		if p.MinLength != nil && len(strings.TrimSpace(str)) < *p.MinLength {
			return fmt.Sprintf("must be at least %d character(s)", *p.MinLength)
		}
		if len(p.Enum) > 0 && !contains(p.Enum, str) {
			return fmt.Sprintf("must be one of %s", strings.Join(p.Enum, ", "))
		}
	case "integer":
		n, ok := toFloat(value)
		if !ok || n != math.Trunc(n) {
			return fmt.Sprintf("must be an integer, got %s", jsonType(value))
		}
		if p.Minimum != nil && n < *p.Minimum {
			return fmt.Sprintf("must be >= %g", *p.Minimum)
		}
	case "number":
		n, ok := toFloat(value)
		if !ok {
			return fmt.Sprintf("must be a number, got %s", jsonType(value))
		}
		if p.Minimum != nil && n < *p.Minimum {
			return fmt.Sprintf("must be >= %g", *p.Minimum)
		}
	case "boolean":
		if _, ok := value.(bool); !ok {
			return fmt.Sprintf("must be a boolean, got %s", jsonType(value))
		}
	case "array":
		items, ok := value.([]any)
		if !ok {
			return fmt.Sprintf("must be an array, got %s", jsonType(value))
		}
		if p.Items != nil {
			for i, item := range items {
				if msg := p.Items.check(item); msg != "" {
					return fmt.Sprintf("item %d %s", i, msg)
				}
			}
		}
	case "object":
		if _, ok := value.(map[string]any); !ok {
			return fmt.Sprintf("must be an object, got %s", jsonType(value))
		}
	}
	return ""
}

// ValidationError converts field errors into an INVALID_ARGUMENTS error.
func ValidationError(toolName string, fields []FieldError) error {
	parts := make([]string, len(fields))
	for i, f := range fields {
		parts[i] = f.String()
	}
	return errandErrors.Newf(errandErrors.ErrCodeInvalidArguments,
		"invalid arguments for %s: %s", toolName, strings.Join(parts, "; ")).
		WithContext("fields", fields)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func jsonType(v any) string {
	switch v.(type) {
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64, float32, int, int64, int32, json.Number:
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	case nil:
		return "null"
	}
	return fmt.Sprintf("%T", v)
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
