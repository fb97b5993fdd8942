package tools

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
)

// Object builds an object schema with the given properties and required keys.
func Object(props map[string]*jsonschema.Schema, required ...string) *jsonschema.Schema {
	return &jsonschema.Schema{Type: "object", Properties: props, Required: required}
}

// String builds a string property.
func String(description string) *jsonschema.Schema {
	return &jsonschema.Schema{Type: "string", Description: description}
}

// Integer builds an integer property.
func Integer(description string) *jsonschema.Schema {
	return &jsonschema.Schema{Type: "integer", Description: description}
}

// Boolean builds a boolean property.
func Boolean(description string) *jsonschema.Schema {
	return &jsonschema.Schema{Type: "boolean", Description: description}
}

// StringArray builds an array-of-strings property.
func StringArray(description string) *jsonschema.Schema {
	return &jsonschema.Schema{Type: "array", Description: description, Items: &jsonschema.Schema{Type: "string"}}
}

// Enum builds a string property restricted to values.
func Enum(description string, values ...string) *jsonschema.Schema {
	enum := make([]any, len(values))
	for i, v := range values {
		enum[i] = v
	}
	return &jsonschema.Schema{Type: "string", Description: description, Enum: enum}
}

// SchemaError reports arguments that do not match a tool's input schema.
// Its message renders the expected schema so the model can self-correct.
type SchemaError struct {
	Schema *jsonschema.Schema
	Err    error
	Tool   string
}

func (e *SchemaError) Error() string {
	rendered, err := json.MarshalIndent(e.Schema, "", "  ")
	if err != nil {
		rendered = []byte("{}")
	}
	return fmt.Sprintf("invalid arguments for tool %q: %v\nExpected schema:\n%s", e.Tool, e.Err, rendered)
}

func (e *SchemaError) Unwrap() error {
	return e.Err
}

//nolint:gochecknoglobals // resolved schemas are immutable and shared
var resolved sync.Map // *jsonschema.Schema -> *jsonschema.Resolved

// ValidateArgs checks args against the definition's schema.
func ValidateArgs(def ToolDefinition, args map[string]any) error {
	if def.InputSchema == nil {
		return nil
	}
	rs, err := resolve(def.InputSchema)
	if err != nil {
		return fmt.Errorf("resolve schema for %s: %w", def.Name, err)
	}
	if args == nil {
		args = map[string]any{}
	}
	if err := rs.Validate(args); err != nil {
		return &SchemaError{Tool: def.Name, Schema: def.InputSchema, Err: err}
	}
	return nil
}

func resolve(s *jsonschema.Schema) (*jsonschema.Resolved, error) {
	if rs, ok := resolved.Load(s); ok {
		return rs.(*jsonschema.Resolved), nil //nolint:forcetypeassert // only Resolved values are stored
	}
	rs, err := s.Resolve(nil)
	if err != nil {
		return nil, err //nolint:wrapcheck // wrapped by caller
	}
	resolved.Store(s, rs)
	return rs, nil
}
