package completion

import (
	"fmt"
	"sort"
	"strings"
)

const responseFormatJSONSchema = "json_schema"

// ResponseFormat is the strict JSON-schema response descriptor sent to the provider.
type ResponseFormat struct {
	Type       string           `json:"type"`
	JSONSchema JSONSchemaFormat `json:"json_schema"`
}

// JSONSchemaFormat names the schema and carries its body.
type JSONSchemaFormat struct {
	Name   string         `json:"name"`
	Strict bool           `json:"strict"`
	Schema map[string]any `json:"schema"`
}

// NewJSONSchemaFormat builds a strict json_schema response format.
func NewJSONSchemaFormat(name string, schema map[string]any) ResponseFormat {
	return ResponseFormat{
		Type: responseFormatJSONSchema,
		JSONSchema: JSONSchemaFormat{
			Name:   name,
			Strict: true,
			Schema: schema,
		},
	}
}

func (f ResponseFormat) validate() error {
	if f.Type != responseFormatJSONSchema {
		return fmt.Errorf("response format type must be %q", responseFormatJSONSchema)
	}
	if strings.TrimSpace(f.JSONSchema.Name) == "" {
		return fmt.Errorf("response format schema name is required")
	}
	if f.JSONSchema.Schema == nil {
		return fmt.Errorf("response format schema is required")
	}
	return nil
}

// ValidateStructure checks data against the top-level structural contract of schema:
// declared type, required fields, and forbidden additional properties.
func ValidateStructure(data any, schema map[string]any) error {
	if schema == nil {
		return nil
	}

	schemaType, _ := schema["type"].(string)
	object, isObject := data.(map[string]any)
	switch schemaType {
	case "object":
		if !isObject {
			return &ResponseShapeError{Message: "payload is not a JSON object"}
		}
	case "array":
		if _, isArray := data.([]any); !isArray {
			return &ResponseShapeError{Message: "payload is not a JSON array"}
		}
	}

	if !isObject {
		return nil
	}

	for _, key := range stringList(schema["required"]) {
		if _, present := object[key]; !present {
			return &ResponseShapeError{Message: fmt.Sprintf("missing required field %q", key)}
		}
	}

	additional, declared := schema["additionalProperties"].(bool)
	properties, _ := schema["properties"].(map[string]any)
	if declared && !additional {
		keys := make([]string, 0, len(object))
		for key := range object {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			if _, allowed := properties[key]; !allowed {
				return &ResponseShapeError{Message: fmt.Sprintf("unexpected field %q", key)}
			}
		}
	}

	return nil
}

func stringList(value any) []string {
	switch typed := value.(type) {
	case []string:
		return typed
	case []any:
		result := make([]string, 0, len(typed))
		for _, item := range typed {
			if text, ok := item.(string); ok {
				result = append(result, text)
			}
		}
		return result
	default:
		return nil
	}
}
