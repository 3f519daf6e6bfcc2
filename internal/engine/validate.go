package engine

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/mark3labs/mcp-go/mcp"
)

// validateArguments checks a tool call's argument payload against the tool's
// declared input schema: the payload must be a JSON object, required
// properties must be present, and typed properties must match.
//
// This is a structural check, not full JSON Schema validation; servers remain
// the authority on deeper constraints.
func validateArguments(tool mcp.Tool, raw json.RawMessage) error {
	var args map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			return fmt.Errorf("arguments must be a JSON object: %w", err)
		}
	}

	for _, field := range tool.InputSchema.Required {
		if _, ok := args[field]; !ok {
			return fmt.Errorf("missing required argument %q", field)
		}
	}

	for key, value := range args {
		propSchema, ok := tool.InputSchema.Properties[key].(map[string]any)
		if !ok {
			continue
		}
		typeName, ok := propSchema["type"].(string)
		if !ok {
			continue
		}
		if !matchesSchemaType(typeName, value) {
			return fmt.Errorf("argument %q must be of type %s", key, typeName)
		}
	}

	return nil
}

func matchesSchemaType(expected string, value any) bool {
	switch expected {
	case "string":
		_, ok := value.(string)
		return ok
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "number":
		_, ok := value.(float64)
		return ok
	case "integer":
		// encoding/json decodes all numbers as float64.
		f, ok := value.(float64)
		return ok && f == float64(int64(f))
	case "object":
		_, ok := value.(map[string]any)
		return ok
	case "array":
		if value == nil {
			return false
		}
		kind := reflect.TypeOf(value).Kind()
		return kind == reflect.Slice || kind == reflect.Array
	case "null":
		return value == nil
	default:
		return true
	}
}
