package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/statum/pkg/schema"
)

const definitionSchemaURL = "https://statum.dev/schemas/workflow-definition.json"

// definitionSchemaJSON is the structural schema of the authoring format.
const definitionSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://statum.dev/schemas/workflow-definition.json",
  "type": "object",
  "required": ["id", "name", "version", "startState", "endStates", "states", "transitions"],
  "properties": {
    "id": {"type": "string", "minLength": 1, "pattern": "^[A-Za-z0-9][A-Za-z0-9_.:-]*$"},
    "name": {"type": "string", "minLength": 1},
    "version": {"type": "integer", "minimum": 1},
    "description": {"type": "string"},
    "startState": {"type": "string", "minLength": 1},
    "endStates": {
      "type": "array",
      "minItems": 1,
      "uniqueItems": true,
      "items": {"type": "string", "minLength": 1}
    },
    "states": {
      "type": "object",
      "minProperties": 1,
      "propertyNames": {"minLength": 1},
      "additionalProperties": {"$ref": "#/$defs/state"}
    },
    "transitions": {
      "type": ["array", "null"],
      "items": {"$ref": "#/$defs/transition"}
    },
    "dataSchema": {"type": ["object", "boolean"]},
    "triggers": {
      "type": "array",
      "items": {"$ref": "#/$defs/trigger"}
    },
    "metadata": {"type": "object"}
  },
  "additionalProperties": false,
  "$defs": {
    "state": {
      "type": "object",
      "properties": {
        "entryActions": {"type": "array", "items": {"$ref": "#/$defs/action"}},
        "exitActions": {"type": "array", "items": {"$ref": "#/$defs/action"}}
      },
      "additionalProperties": false
    },
    "transition": {
      "type": "object",
      "required": ["name", "from", "to"],
      "properties": {
        "name": {"type": "string", "minLength": 1},
        "from": {"type": "string", "minLength": 1},
        "to": {"type": "string", "minLength": 1},
        "condition": {"type": "string"},
        "actions": {"type": "array", "items": {"$ref": "#/$defs/action"}},
        "errorPolicy": {"$ref": "#/$defs/policy"}
      },
      "additionalProperties": false
    },
    "action": {
      "type": "object",
      "required": ["type"],
      "properties": {
        "type": {"type": "string", "enum": ["emit_event", "invoke_webhook", "invoke_callback"]},
        "topic": {"type": "string"},
        "url": {"type": "string"},
        "method": {"type": "string"},
        "headers": {"type": "object", "additionalProperties": {"type": "string"}},
        "callback": {"type": "string"},
        "payload": {},
        "timeout": {"type": "string", "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"},
        "errorPolicy": {"$ref": "#/$defs/policy"}
      },
      "additionalProperties": false
    },
    "policy": {"type": "string", "enum": ["abort", "continue"]},
    "trigger": {
      "type": "object",
      "required": ["cron", "entityId"],
      "properties": {
        "cron": {"type": "string", "minLength": 1},
        "entityId": {"type": "string", "minLength": 1},
        "data": {"type": "object"}
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator validates definitions structurally and instance data
// against per-definition data schemas. It is safe for concurrent use.
type JSONSchemaValidator struct {
	definitionSchema *jsonschema.Schema

	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator compiles the definition schema.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := newCompiler()
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(definitionSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal definition schema: %w", err)
	}
	if err := c.AddResource(definitionSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add definition schema resource: %w", err)
	}
	compiled, err := c.Compile(definitionSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile definition schema: %w", err)
	}
	return &JSONSchemaValidator{
		definitionSchema: compiled,
		cache:            make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateStructure checks def against the authoring-format schema.
func (v *JSONSchemaValidator) ValidateStructure(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	doc, err := toJSONValue(def)
	if err != nil {
		result.AddError("/", schema.ErrCodeValidation, "failed to serialize definition: "+err.Error())
		return result
	}
	if err := v.definitionSchema.Validate(doc); err != nil {
		addViolations(result, err)
	}
	return result
}

// CompileDataSchema compiles (or fetches from cache) a data schema.
func (v *JSONSchemaValidator) CompileDataSchema(raw json.RawMessage) (*jsonschema.Schema, error) {
	key := string(raw)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal data schema: %w", err)
	}
	url := fmt.Sprintf("statum://data-schema/%d", len(v.cache))
	c := newCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add data schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile data schema: %w", err)
	}
	v.cache[key] = compiled
	return compiled, nil
}

// ValidateData validates instance data against a raw JSON Schema.
// An empty schema accepts everything.
func (v *JSONSchemaValidator) ValidateData(data map[string]any, raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	compiled, err := v.CompileDataSchema(raw)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid data schema").WithCause(err)
	}
	if data == nil {
		data = map[string]any{}
	}
	doc, err := toJSONValue(data)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize data").WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		result := &schema.ValidationResult{}
		addViolations(result, err)
		return result.ToError(schema.ErrCodeValidation)
	}
	return nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips v through JSON so numbers become json.Number,
// which the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// addViolations records the leaf causes of a jsonschema.ValidationError.
func addViolations(result *schema.ValidationResult, err error) {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return
	}
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := "/"
			if len(e.InstanceLocation) > 0 {
				loc = "/" + strings.Join(e.InstanceLocation, "/")
			}
			result.AddError(loc, schema.ErrCodeValidation, e.Error())
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(verr)
}
