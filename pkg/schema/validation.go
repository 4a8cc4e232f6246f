package schema

import (
	"fmt"
	"strings"
)

// ValidationIssue is one problem found while validating a workflow definition.
type ValidationIssue struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationResult collects issues from schema and semantic validation passes.
type ValidationResult struct {
	Issues []ValidationIssue `json:"issues,omitempty"`
}

// AddError appends an issue to the result.
func (r *ValidationResult) AddError(path, code, message string) {
	r.Issues = append(r.Issues, ValidationIssue{Path: path, Code: code, Message: message})
}

// OK reports whether no issues were found.
func (r *ValidationResult) OK() bool {
	return len(r.Issues) == 0
}

// Err converts the result into a single VALIDATION_ERROR, or nil when clean.
func (r *ValidationResult) Err() error {
	if r.OK() {
		return nil
	}
	msgs := make([]string, len(r.Issues))
	for i, iss := range r.Issues {
		msgs[i] = fmt.Sprintf("%s: %s", iss.Path, iss.Message)
	}
	return NewErrorf(ErrCodeValidation, "invalid workflow definition: %s", strings.Join(msgs, "; ")).
		WithDetails(map[string]any{"issues": r.Issues})
}
