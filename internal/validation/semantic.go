package validation

import (
	"fmt"

	"github.com/reprise-dev/reprise/pkg/schema"
)

// ToolLookup answers whether a tool name is registered. Satisfied by
// tools.Registry; nil skips tool existence checks.
type ToolLookup interface {
	Has(name string) bool
}

// PredicateCompiler compiles conditional predicates. Satisfied by the CEL
// expression engine; nil skips predicate compilation checks.
type PredicateCompiler interface {
	CompilePredicate(expression string) (func(values map[string]any) (bool, error), error)
}

// validateSemantic performs the checks JSON Schema cannot express: unique
// step names, tool registration, per-kind field requirements, and predicate
// compilation.
func validateSemantic(def *schema.WorkflowDefinition, tools ToolLookup, compiler PredicateCompiler) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	seen := make(map[string]bool, len(def.Steps))
	for i := range def.Steps {
		step := &def.Steps[i]
		path := fmt.Sprintf("steps[%d]", i)

		if seen[step.Name] {
			result.AddError(path+".name", schema.ErrCodeValidation,
				fmt.Sprintf("duplicate step name %q", step.Name))
		}
		seen[step.Name] = true

		validateStepSemantic(step, path, tools, compiler, result)
	}

	return result
}

func validateStepSemantic(step *schema.StepDefinition, path string, tools ToolLookup, compiler PredicateCompiler, result *schema.ValidationResult) {
	kind := step.Kind
	if kind == "" {
		kind = schema.StepKindAction
	}

	switch kind {
	case schema.StepKindAction:
		requireTool(step.Tool, path, tools, result)

	case schema.StepKindConditional:
		requireTool(step.Tool, path, tools, result)
		if step.Predicate == "" {
			result.AddError(path+".predicate", schema.ErrCodeValidation,
				"conditional step requires a predicate")
		} else if compiler != nil {
			if _, err := compiler.CompilePredicate(step.Predicate); err != nil {
				result.AddError(path+".predicate", schema.ErrCodeValidation,
					fmt.Sprintf("predicate does not compile: %v", err))
			}
		}

	case schema.StepKindBranch:
		if step.BranchKey == "" {
			result.AddError(path+".branch_key", schema.ErrCodeValidation,
				"branch step requires a branch_key")
		}
		if len(step.Cases) == 0 {
			result.AddError(path+".cases", schema.ErrCodeValidation,
				"branch step requires at least one case")
		}
		for name, c := range step.Cases {
			requireTool(c.Tool, fmt.Sprintf("%s.cases[%s]", path, name), tools, result)
		}
	}
}

func requireTool(tool, path string, tools ToolLookup, result *schema.ValidationResult) {
	if tool == "" {
		result.AddError(path+".tool", schema.ErrCodeValidation, "step requires a tool")
		return
	}
	if tools != nil && !tools.Has(tool) {
		result.AddError(path+".tool", schema.ErrCodeValidation,
			fmt.Sprintf("tool %q not registered", tool))
	}
}
