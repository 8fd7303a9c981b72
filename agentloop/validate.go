package agentloop

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/mark3labs/mcp-go/mcp"
)

// ValidateArguments checks args against a tool input schema: required
// properties must be present and declared properties must have the declared
// type. Properties the schema does not mention are ignored.
func ValidateArguments(schema mcp.ToolInputSchema, args Arguments) error {
	for _, required := range schema.Required {
		v, ok := args[required]
		if !ok || v == nil {
			return fmt.Errorf("missing required argument %q", required)
		}
	}

	for name, value := range args {
		prop, ok := schema.Properties[name].(map[string]any)
		if !ok {
			continue
		}
		propType, _ := prop["type"].(string)
		if propType == "" || value == nil {
			continue
		}
		if err := validateType(value, propType); err != nil {
			return fmt.Errorf("argument %q: %w", name, err)
		}
	}
	return nil
}

func validateType(value any, expected string) error {
	switch expected {
	case "string":
		if _, ok := value.(string); !ok {
			return fmt.Errorf("expected string, got %s", jsonTypeName(value))
		}
	case "number":
		if _, ok := toFloat(value); !ok {
			return fmt.Errorf("expected number, got %s", jsonTypeName(value))
		}
	case "integer":
		f, ok := toFloat(value)
		if !ok || f != math.Trunc(f) {
			return fmt.Errorf("expected integer, got %s", jsonTypeName(value))
		}
	case "boolean":
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("expected boolean, got %s", jsonTypeName(value))
		}
	case "object":
		if _, ok := value.(map[string]any); !ok {
			return fmt.Errorf("expected object, got %s", jsonTypeName(value))
		}
	case "array":
		if _, ok := value.([]any); !ok {
			return fmt.Errorf("expected array, got %s", jsonTypeName(value))
		}
	}
	return nil
}

func toFloat(value any) (float64, bool) {
	return Arguments{"v": value}.GetFloat("v")
}

func jsonTypeName(value any) string {
	switch value.(type) {
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64, float32, int, int64, json.Number:
		return "number"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case nil:
		return "null"
	}
	return fmt.Sprintf("%T", value)
}
