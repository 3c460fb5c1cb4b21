package registry

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// InputSchema is a JSON-schema-like description of tool input.
type InputSchema struct {
	Type                 string                    `json:"type"`
	Properties           map[string]SchemaProperty `json:"properties,omitempty"`
	Required             []string                  `json:"required,omitempty"`
	AdditionalProperties bool                      `json:"additionalProperties,omitzero"`
}

// SchemaProperty is a simplified schema node used in tool input schemas.
type SchemaProperty struct {
	Type        string                    `json:"type,omitempty"`
	Description string                    `json:"description,omitzero"`
	Items       *SchemaProperty           `json:"items,omitempty"`
	Properties  map[string]SchemaProperty `json:"properties,omitempty"`
	Enum        []any                     `json:"enum,omitempty"`
}

// ValidationError names the property that failed schema validation so the
// caller can surface it.
type ValidationError struct {
	Property string
	Reason   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid params: property %q %s", e.Property, e.Reason)
}

// ValidateInput checks the raw input against the declared schema: every
// required property must be present, and every declared property that is
// present must match its declared JSON type.
func (s *InputSchema) ValidateInput(input json.RawMessage) error {
	var values map[string]any
	if len(input) > 0 {
		if err := json.Unmarshal(input, &values); err != nil {
			return &ValidationError{Property: "(params)", Reason: "must be a JSON object"}
		}
	}

	for _, name := range s.Required {
		if _, ok := values[name]; !ok {
			return &ValidationError{Property: name, Reason: "is required"}
		}
	}

	for name, prop := range s.Properties {
		value, ok := values[name]
		if !ok || prop.Type == "" {
			continue
		}
		if !jsonTypeMatches(prop.Type, value) {
			return &ValidationError{Property: name, Reason: fmt.Sprintf("must be of type %s", prop.Type)}
		}
	}

	return nil
}

func jsonTypeMatches(declared string, value any) bool {
	switch declared {
	case "string":
		_, ok := value.(string)
		return ok
	case "number":
		_, ok := value.(float64)
		return ok
	case "integer":
		f, ok := value.(float64)
		return ok && f == float64(int64(f))
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
	default:
		// Unknown declared types are permissive.
		return true
	}
}

// ReflectInputSchema reflects a Go struct type A into an InputSchema using
// invopop/jsonschema, down-converting to the simplified shape.
func ReflectInputSchema[A any](allowAdditional bool) InputSchema {
	r := &jsonschema.Reflector{
		DoNotReference:            true, // inline defs
		ExpandedStruct:            true, // put struct at root
		AllowAdditionalProperties: allowAdditional,
	}
	s := r.Reflect(new(A))

	// Only object schemas map cleanly. Anything else becomes an empty object
	// with the configured additionalProperties policy.
	if s == nil || s.Type != "object" {
		return InputSchema{
			Type:                 "object",
			Properties:           map[string]SchemaProperty{},
			AdditionalProperties: allowAdditional,
		}
	}

	props := make(map[string]SchemaProperty)
	if s.Properties != nil {
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			props[el.Key] = toSchemaProperty(el.Value)
		}
	}
	var required []string
	if len(s.Required) > 0 {
		required = append(required, s.Required...)
	}

	return InputSchema{
		Type:                 "object",
		Properties:           props,
		Required:             required,
		AdditionalProperties: allowAdditional,
	}
}

// toSchemaProperty recursively maps a jsonschema.Schema to the simplified
// SchemaProperty.
func toSchemaProperty(s *jsonschema.Schema) SchemaProperty {
	if s == nil {
		return SchemaProperty{}
	}
	p := SchemaProperty{
		Type:        s.Type,
		Description: s.Description,
	}
	if len(s.Enum) > 0 {
		p.Enum = s.Enum
	}
	if s.Type == "array" && s.Items != nil {
		item := toSchemaProperty(s.Items)
		p.Items = &item
	}
	if s.Type == "object" && s.Properties != nil {
		m := make(map[string]SchemaProperty, s.Properties.Len())
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			m[el.Key] = toSchemaProperty(el.Value)
		}
		p.Properties = m
	}
	return p
}
