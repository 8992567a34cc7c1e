package policy

import (
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

// packSchema is the JSON Schema for policy pack documents.
const packSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "title": "Policy Pack",
  "type": "object",
  "required": ["pack_id", "tier", "version"],
  "additionalProperties": true,
  "properties": {
    "pack_id": {"type": "string", "minLength": 1, "pattern": "^[a-z0-9._-]+$"},
    "tier": {"type": "string", "minLength": 1, "pattern": "^[a-z0-9_-]+$"},
    "version": {"type": "string", "pattern": "^[0-9]+\\.[0-9]+\\.[0-9]+$"},
    "budgets": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "required": ["period", "cap"],
        "properties": {
          "period": {"type": "string", "enum": ["hour", "day", "week", "month"]},
          "cap": {"type": "number", "minimum": 0}
        }
      }
    },
    "approvals": {
      "type": "object",
      "properties": {
        "rules": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["match", "requires_approval"],
            "properties": {
              "match": {
                "type": "object",
                "properties": {
                  "risk_level": {"type": "string", "enum": ["low", "med", "high"]},
                  "cost_category": {"type": "string"},
                  "tool_id": {"type": "string"}
                }
              },
              "requires_approval": {"type": "boolean"}
            }
          }
        }
      }
    },
    "allowlists": {
      "type": "object",
      "properties": {
        "publishers": {"type": "array", "items": {"type": "string"}},
        "tools": {"type": "array", "items": {"type": "string"}},
        "capabilities": {"type": "array", "items": {"type": "string"}},
        "egress_domains": {"type": "array", "items": {"type": "string"}},
        "egress_by_connector": {
          "type": "object",
          "additionalProperties": {"type": "array", "items": {"type": "string"}}
        },
        "egress_by_tool": {
          "type": "object",
          "additionalProperties": {"type": "array", "items": {"type": "string"}}
        }
      }
    },
    "ui": {
      "type": "object",
      "properties": {
        "allowed_origins": {"type": "array", "items": {"type": "string"}}
      }
    }
  }
}`

// ValidateSchema checks a YAML policy pack document against the pack schema.
// Returns an error listing every violation when the document is invalid.
func ValidateSchema(yamlContent []byte) error {
	var raw interface{}
	if err := yaml.Unmarshal(yamlContent, &raw); err != nil {
		return fmt.Errorf("parsing YAML: %w", err)
	}

	jsonBytes, err := json.Marshal(normalizeYAML(raw))
	if err != nil {
		return fmt.Errorf("converting YAML to JSON: %w", err)
	}

	schemaLoader := gojsonschema.NewStringLoader(packSchema)
	documentLoader := gojsonschema.NewBytesLoader(jsonBytes)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}

	if !result.Valid() {
		var errMsg string
		for _, verr := range result.Errors() {
			errMsg += fmt.Sprintf("- %s\n", verr)
		}
		return fmt.Errorf("schema validation errors:\n%s", errMsg)
	}

	return nil
}

// normalizeYAML recursively converts map[interface{}]interface{} to
// map[string]interface{} so that json.Marshal can handle it.
func normalizeYAML(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, v := range val {
			out[k] = normalizeYAML(v)
		}
		return out
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, v := range val {
			out[fmt.Sprintf("%v", k)] = normalizeYAML(v)
		}
		return out
	case []interface{}:
		for i, item := range val {
			val[i] = normalizeYAML(item)
		}
		return val
	default:
		return v
	}
}
