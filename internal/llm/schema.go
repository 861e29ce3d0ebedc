package llm

import (
	"fmt"
	"math"
	"slices"
	"sort"
	"strings"
)

// Schema is the subset of JSON Schema used to constrain model output. It is
// sent to the engine as the response format and checked again locally on
// the decoded reply.
type Schema struct {
	Type        string             `json:"type"`
	Description string             `json:"description,omitempty"`
	Properties  map[string]*Schema `json:"properties,omitempty"`
	Items       *Schema            `json:"items,omitempty"`
	Required    []string           `json:"required,omitempty"`
	Enum        []string           `json:"enum,omitempty"`
}

// Object returns an object schema with the given properties.
func Object(props map[string]*Schema, required ...string) *Schema {
	return &Schema{Type: "object", Properties: props, Required: required}
}

func Array(items *Schema) *Schema { return &Schema{Type: "array", Items: items} }

func String(desc string) *Schema { return &Schema{Type: "string", Description: desc} }

func Integer(desc string) *Schema { return &Schema{Type: "integer", Description: desc} }

func Number(desc string) *Schema { return &Schema{Type: "number", Description: desc} }

func Boolean(desc string) *Schema { return &Schema{Type: "boolean", Description: desc} }

// Enum is a string schema restricted to values. Local validation ignores
// case, since small models often echo "update" for "UPDATE"; callers
// normalize the decoded value themselves.
func Enum(desc string, values ...string) *Schema {
	return &Schema{Type: "string", Description: desc, Enum: values}
}

// Validate checks a value produced by json.Unmarshal into an any against s.
func (s *Schema) Validate(v any) error {
	if s == nil {
		return nil
	}
	return s.validate("$", v)
}

func (s *Schema) validate(path string, v any) error {
	switch s.Type {
	case "object":
		obj, ok := v.(map[string]any)
		if !ok {
			return schemaErr(path, "expected object, got %s", kind(v))
		}
		for _, name := range s.Required {
			if _, ok := obj[name]; !ok {
				return schemaErr(path, "missing required field %q", name)
			}
		}
		names := make([]string, 0, len(s.Properties))
		for name := range s.Properties {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			val, ok := obj[name]
			if !ok {
				continue
			}
			// Optional fields may be null.
			if val == nil && !contains(s.Required, name) {
				continue
			}
			if err := s.Properties[name].validate(path+"."+name, val); err != nil {
				return err
			}
		}
	case "array":
		arr, ok := v.([]any)
		if !ok {
			return schemaErr(path, "expected array, got %s", kind(v))
		}
		if s.Items != nil {
			for i, item := range arr {
				if err := s.Items.validate(fmt.Sprintf("%s[%d]", path, i), item); err != nil {
					return err
				}
			}
		}
	case "string":
		str, ok := v.(string)
		if !ok {
			return schemaErr(path, "expected string, got %s", kind(v))
		}
		if len(s.Enum) > 0 && !slices.ContainsFunc(s.Enum, func(e string) bool { return strings.EqualFold(e, str) }) {
			return schemaErr(path, "value %q not in [%s]", str, strings.Join(s.Enum, ", "))
		}
	case "integer":
		n, ok := v.(float64)
		if !ok || n != math.Trunc(n) {
			return schemaErr(path, "expected integer, got %s", kind(v))
		}
	case "number":
		if _, ok := v.(float64); !ok {
			return schemaErr(path, "expected number, got %s", kind(v))
		}
	case "boolean":
		if _, ok := v.(bool); !ok {
			return schemaErr(path, "expected boolean, got %s", kind(v))
		}
	case "":
	default:
		return schemaErr(path, "unsupported schema type %q", s.Type)
	}
	return nil
}

func kind(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "boolean"
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
