package validation

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reprise-dev/reprise/internal/expressions"
	"github.com/reprise-dev/reprise/pkg/schema"
)

type stubLookup map[string]bool

func (s stubLookup) Has(name string) bool { return s[name] }

func newTestValidator(t *testing.T) *WorkflowValidator {
	t.Helper()
	compiler, err := expressions.NewCELEngine()
	require.NoError(t, err)
	wv, err := NewWorkflowValidator(
		stubLookup{"echo": true, "transform": true, "notify": true},
		compiler,
	)
	require.NoError(t, err)
	return wv
}

func validDef() *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		Name: "ingest",
		Steps: []schema.StepDefinition{
			{Name: "fetch", Tool: "echo", Params: json.RawMessage(`{"value":"hi"}`)},
			{
				Name:      "maybe-notify",
				Kind:      schema.StepKindConditional,
				Tool:      "notify",
				Predicate: `context.fetch == "hi"`,
			},
			{
				Name:      "route",
				Kind:      schema.StepKindBranch,
				BranchKey: "doc_type",
				Cases: map[string]schema.BranchCase{
					"invoice": {Tool: "transform"},
					"receipt": {Tool: "echo"},
				},
			},
		},
	}
}

func TestValidate_ValidDefinition(t *testing.T) {
	wv := newTestValidator(t)

	result := wv.Validate(validDef())
	assert.True(t, result.OK(), "issues: %v", result.Issues)
	assert.NoError(t, wv.ValidateDefinition(validDef()))
}

func TestValidate_NilDefinition(t *testing.T) {
	wv := newTestValidator(t)

	result := wv.Validate(nil)
	require.False(t, result.OK())
	assert.Contains(t, result.Issues[0].Message, "nil")
}

func TestValidate_StructuralFailures(t *testing.T) {
	wv := newTestValidator(t)

	tests := []struct {
		name string
		def  *schema.WorkflowDefinition
	}{
		{
			name: "no steps",
			def:  &schema.WorkflowDefinition{Name: "empty"},
		},
		{
			name: "empty step name",
			def: &schema.WorkflowDefinition{
				Steps: []schema.StepDefinition{{Name: "", Tool: "echo"}},
			},
		},
		{
			name: "bad timeout format",
			def: &schema.WorkflowDefinition{
				Steps: []schema.StepDefinition{{Name: "a", Tool: "echo", Timeout: "soon"}},
			},
		},
		{
			name: "unknown step kind",
			def: &schema.WorkflowDefinition{
				Steps: []schema.StepDefinition{{Name: "a", Kind: "loop", Tool: "echo"}},
			},
		},
		{
			name: "negative retry max",
			def: &schema.WorkflowDefinition{
				Steps: []schema.StepDefinition{
					{Name: "a", Tool: "echo", Retry: &schema.RetryPolicy{Max: -1}},
				},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.False(t, wv.Validate(tt.def).OK())
		})
	}
}

func TestValidate_SemanticFailures(t *testing.T) {
	wv := newTestValidator(t)

	tests := []struct {
		name    string
		mutate  func(def *schema.WorkflowDefinition)
		wantMsg string
	}{
		{
			name: "duplicate step name",
			mutate: func(def *schema.WorkflowDefinition) {
				def.Steps[1].Name = def.Steps[0].Name
			},
			wantMsg: "duplicate step name",
		},
		{
			name: "unregistered tool",
			mutate: func(def *schema.WorkflowDefinition) {
				def.Steps[0].Tool = "nonexistent"
			},
			wantMsg: "not registered",
		},
		{
			name: "action without tool",
			mutate: func(def *schema.WorkflowDefinition) {
				def.Steps[0].Tool = ""
			},
			wantMsg: "requires a tool",
		},
		{
			name: "conditional without predicate",
			mutate: func(def *schema.WorkflowDefinition) {
				def.Steps[1].Predicate = ""
			},
			wantMsg: "requires a predicate",
		},
		{
			name: "predicate does not compile",
			mutate: func(def *schema.WorkflowDefinition) {
				def.Steps[1].Predicate = "context.fetch =="
			},
			wantMsg: "does not compile",
		},
		{
			name: "branch without key",
			mutate: func(def *schema.WorkflowDefinition) {
				def.Steps[2].BranchKey = ""
			},
			wantMsg: "requires a branch_key",
		},
		{
			name: "branch without cases",
			mutate: func(def *schema.WorkflowDefinition) {
				def.Steps[2].Cases = nil
			},
			wantMsg: "requires at least one case",
		},
		{
			name: "case tool unregistered",
			mutate: func(def *schema.WorkflowDefinition) {
				def.Steps[2].Cases["invoice"] = schema.BranchCase{Tool: "nonexistent"}
			},
			wantMsg: "not registered",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := validDef()
			tt.mutate(def)

			result := wv.Validate(def)
			require.False(t, result.OK())
			found := false
			for _, iss := range result.Issues {
				if iss.Code == schema.ErrCodeValidation && strings.Contains(iss.Message, tt.wantMsg) {
					found = true
				}
			}
			assert.True(t, found, "no issue matching %q in %v", tt.wantMsg, result.Issues)
		})
	}
}

func TestValidate_NilCollaboratorsSkipChecks(t *testing.T) {
	wv, err := NewWorkflowValidator(nil, nil)
	require.NoError(t, err)

	def := validDef()
	def.Steps[0].Tool = "nonexistent"
	def.Steps[1].Predicate = "context.fetch =="

	// Without a lookup or compiler only shape problems are reported.
	assert.True(t, wv.Validate(def).OK())
}

func TestValidateInput(t *testing.T) {
	wv := newTestValidator(t)

	inputSchema := []byte(`{
		"type": "object",
		"required": ["doc_url"],
		"properties": {
			"doc_url": { "type": "string" },
			"priority": { "type": "integer", "minimum": 0 }
		}
	}`)

	assert.NoError(t, wv.ValidateInput(map[string]any{"doc_url": "s3://x", "priority": 2}, inputSchema))
	assert.NoError(t, wv.ValidateInput(map[string]any{"anything": true}, nil))

	err := wv.ValidateInput(map[string]any{"priority": -1}, inputSchema)
	require.Error(t, err)
	var serr *schema.Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, schema.ErrCodeValidation, serr.Code)
}

func TestValidateInput_BadSchema(t *testing.T) {
	wv := newTestValidator(t)

	err := wv.ValidateInput(map[string]any{}, []byte(`{not json`))
	require.Error(t, err)
}
