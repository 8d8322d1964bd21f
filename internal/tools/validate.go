package tools

import (
	"encoding/json"
	"fmt"
)

// shallowSchema is the subset of JSON Schema the registry checks before
// invoking a handler: the top-level type, required property names, and the
// declared type of each top-level property. Nested structures, formats,
// enums, and bounds are deliberately not validated; handlers own deep
// validation of their own input.
type shallowSchema struct {
	Type       string   `json:"type"`
	Required   []string `json:"required"`
	Properties map[string]struct {
		Type string `json:"type"`
	} `json:"properties"`
}

// ValidateInput checks input against schema per the shallow contract.
//
// Absent or empty input is normalized to an empty JSON object before the
// checks run. The stream accumulator applies the same substitution to
// unparsable tool input, so a schema with required properties still
// rejects an empty call while a schema without them accepts it.
func ValidateInput(schema, input json.RawMessage) error {
	var s shallowSchema
	if err := json.Unmarshal(schema, &s); err != nil {
		return &ValidationError{Field: "input_schema", Reason: fmt.Sprintf("unparsable schema: %v", err)}
	}
	if s.Type != "" && s.Type != "object" {
		// Non-object top-level schemas are outside the shallow contract.
		return nil
	}

	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	var obj map[string]any
	if err := json.Unmarshal(input, &obj); err != nil {
		return &ValidationError{Field: "input", Reason: "must be a JSON object"}
	}

	for _, name := range s.Required {
		if _, ok := obj[name]; !ok {
			return &ValidationError{Field: name, Reason: "required property missing"}
		}
	}

	for name, prop := range s.Properties {
		value, ok := obj[name]
		if !ok {
			continue
		}
		if !matchesType(value, prop.Type) {
			return &ValidationError{
				Field:  name,
				Reason: fmt.Sprintf("expected %s, got %s", prop.Type, runtimeType(value)),
			}
		}
	}
	return nil
}

// matchesType checks a decoded JSON value against a declared type name.
// Types outside the known set pass unchecked.
func matchesType(value any, declared string) bool {
	switch declared {
	case "string":
		_, ok := value.(string)
		return ok
	case "number":
		_, ok := value.(float64)
		return ok
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "object":
		_, ok := value.(map[string]any)
		return ok
	case "array":
		_, ok := value.([]any)
		return ok
	case "null":
		return value == nil
	default:
		return true
	}
}

func runtimeType(value any) string {
	switch value.(type) {
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "boolean"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case nil:
		return "null"
	default:
		return fmt.Sprintf("%T", value)
	}
}
