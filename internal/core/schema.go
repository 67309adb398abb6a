package core

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// pipelineSchema describes the shape of a pipeline definition. Semantic
// rules (unique names, durations) live in Pipeline.Validate.
const pipelineSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["name", "stages"],
  "additionalProperties": false,
  "definitions": {
    "step": {
      "oneOf": [
        {"type": "string", "minLength": 1},
        {
          "type": "object",
          "required": ["run"],
          "additionalProperties": false,
          "properties": {
            "name": {"type": "string"},
            "run": {"type": "string", "minLength": 1},
            "timeout": {"type": "string"}
          }
        }
      ]
    },
    "steps": {"type": "array", "items": {"$ref": "#/definitions/step"}},
    "action": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "steps": {"$ref": "#/definitions/steps"},
        "archive": {"type": "array", "items": {"type": "string"}},
        "record_issues": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["tool", "artifact"],
            "additionalProperties": false,
            "properties": {
              "tool": {"type": "string"},
              "artifact": {"type": "string"}
            }
          }
        }
      }
    },
    "variable": {
      "oneOf": [
        {"type": ["string", "number", "boolean"]},
        {
          "type": "object",
          "additionalProperties": false,
          "properties": {
            "value": {"type": "string"},
            "required": {"type": "boolean"}
          }
        }
      ]
    }
  },
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "agent": {"type": "string"},
    "triggers": {
      "type": "object",
      "additionalProperties": false,
      "properties": {"poll_interval": {"type": "string"}}
    },
    "options": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "retention": {"type": "integer", "minimum": 1},
        "step_timeout": {"type": "string"},
        "keep_workspace": {"type": "boolean"}
      }
    },
    "environment": {
      "type": "object",
      "additionalProperties": {"$ref": "#/definitions/variable"}
    },
    "stages": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["name"],
        "additionalProperties": false,
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "disabled": {"type": "boolean"},
          "environment": {"type": "object", "additionalProperties": {"type": ["string", "number", "boolean"]}},
          "steps": {"$ref": "#/definitions/steps"},
          "post": {
            "type": "object",
            "additionalProperties": false,
            "properties": {
              "success": {"$ref": "#/definitions/action"},
              "failure": {"$ref": "#/definitions/action"},
              "always": {"$ref": "#/definitions/action"}
            }
          }
        }
      }
    },
    "cleanup": {"$ref": "#/definitions/steps"}
  }
}`

var (
	compiledSchema *gojsonschema.Schema
	compileOnce    sync.Once
	compileErr     error
)

func getSchema() (*gojsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiledSchema, compileErr = gojsonschema.NewSchema(gojsonschema.NewStringLoader(pipelineSchema))
	})
	return compiledSchema, compileErr
}

// ValidateSchema checks a decoded definition document against the pipeline
// schema. It returns one description per violation.
func ValidateSchema(doc any) ([]string, error) {
	schema, err := getSchema()
	if err != nil {
		return nil, fmt.Errorf("compiling pipeline schema: %w", err)
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encoding definition: %w", err)
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, fmt.Errorf("validating definition: %w", err)
	}
	if result.Valid() {
		return nil, nil
	}

	errs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		errs = append(errs, e.String())
	}
	return errs, nil
}
