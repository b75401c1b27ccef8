package validation

import (
	"github.com/rendis/statum/pkg/schema"
)

// WorkflowValidator runs the definition validation pipeline:
//  1. Structural (JSON Schema)
//  2. Semantic (state references, guards, actions, triggers, data schema)
//  3. Graph (reachability, warnings only)
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
	callbacks  CallbackLookup
}

// NewWorkflowValidator creates a WorkflowValidator. callbacks may be nil to
// skip the registered-callback check.
func NewWorkflowValidator(callbacks CallbackLookup) (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{jsonSchema: jsv, callbacks: callbacks}, nil
}

// Validate returns every issue found. Structural errors short-circuit the
// later stages.
func (wv *WorkflowValidator) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "workflow definition is nil")
		return r
	}

	result := wv.jsonSchema.ValidateStructure(def)
	if !result.Valid() {
		return result
	}

	result.Merge(validateSemantic(def, wv.callbacks))
	if len(def.DataSchema) > 0 {
		if _, err := wv.jsonSchema.CompileDataSchema(def.DataSchema); err != nil {
			result.AddError("dataSchema", schema.ErrCodeValidation, err.Error())
		}
	}

	if result.Valid() {
		result.Merge(validateGraph(def))
	}
	return result
}

// ValidateDefinition returns DEFINITION_INVALID when def has errors.
func (wv *WorkflowValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	err := wv.Validate(def).ToError(schema.ErrCodeDefinitionInvalid)
	if err == nil {
		return nil
	}
	if def != nil {
		if e, ok := err.(*schema.Error); ok {
			e.Details["workflow_id"] = def.ID
			e.Details["version"] = def.Version
		}
	}
	return err
}

// ValidateData checks instance data against a definition's data schema.
func (wv *WorkflowValidator) ValidateData(def *schema.WorkflowDefinition, data map[string]any) error {
	return wv.jsonSchema.ValidateData(data, def.DataSchema)
}
