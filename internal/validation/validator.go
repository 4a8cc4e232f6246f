// Package validation checks workflow definitions before they reach the
// runner: a structural pass against an embedded JSON Schema, then a semantic
// pass over everything the schema cannot express.
package validation

import (
	"errors"

	"github.com/reprise-dev/reprise/pkg/schema"
)

// WorkflowValidator orchestrates the two validation stages. Structural errors
// short-circuit: the semantic stage only runs on structurally sound input.
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
	tools      ToolLookup
	compiler   PredicateCompiler
}

// NewWorkflowValidator creates a WorkflowValidator. tools and compiler may be
// nil to skip tool existence and predicate compilation checks.
func NewWorkflowValidator(tools ToolLookup, compiler PredicateCompiler) (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{
		jsonSchema: jsv,
		tools:      tools,
		compiler:   compiler,
	}, nil
}

// Validate runs both stages and returns the aggregated result.
func (wv *WorkflowValidator) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "workflow definition is nil")
		return r
	}

	result := wv.validateStructural(def)
	if !result.OK() {
		return result
	}

	return validateSemantic(def, wv.tools, wv.compiler)
}

// ValidateDefinition runs Validate and folds the result into a single error.
func (wv *WorkflowValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	return wv.Validate(def).Err()
}

// ValidateInput delegates to the underlying JSONSchemaValidator.
func (wv *WorkflowValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	return wv.jsonSchema.ValidateInput(input, inputSchema)
}

func (wv *WorkflowValidator) validateStructural(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	err := wv.jsonSchema.ValidateDefinition(def)
	if err == nil {
		return result
	}

	var serr *schema.Error
	if !errors.As(err, &serr) || serr.Details == nil {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}
	violations, ok := serr.Details["violations"].([]string)
	if !ok {
		result.AddError("/", schema.ErrCodeValidation, serr.Message)
		return result
	}
	for _, v := range violations {
		result.AddError("/", schema.ErrCodeValidation, v)
	}
	return result
}
