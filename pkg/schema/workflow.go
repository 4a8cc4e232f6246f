package schema

import "encoding/json"

// WorkflowDefinition is the JSON-serializable workflow format persisted with
// each run. Callers provide it inline (POST /jobs) or build it from a
// code-level flow.Workflow.
type WorkflowDefinition struct {
	Name     string           `json:"name,omitempty"`
	Steps    []StepDefinition `json:"steps"`
	Metadata map[string]any   `json:"metadata,omitempty"`
}

// StepKind enumerates the kinds of steps in a workflow.
type StepKind string

const (
	StepKindAction      StepKind = "action"
	StepKindConditional StepKind = "conditional"
	StepKindBranch      StepKind = "branch"
)

// StepDefinition describes a single step in a workflow. Action steps name a
// registered tool; conditional steps gate the tool behind a CEL predicate over
// the run context; branch steps select a case by a context key.
type StepDefinition struct {
	Name      string                `json:"name"`
	Kind      StepKind              `json:"kind,omitempty"` // default: action
	Tool      string                `json:"tool,omitempty"`
	Params    json.RawMessage       `json:"params,omitempty"`
	Timeout   string                `json:"timeout,omitempty"`   // e.g. "30s", "5m"
	Predicate string                `json:"predicate,omitempty"` // CEL, conditional steps only
	BranchKey string                `json:"branch_key,omitempty"`
	Cases     map[string]BranchCase `json:"cases,omitempty"`
	Retry     *RetryPolicy          `json:"retry,omitempty"`
}

// BranchCase is one selectable arm of a branch step.
type BranchCase struct {
	Tool   string          `json:"tool"`
	Params json.RawMessage `json:"params,omitempty"`
}

// RetryPolicy configures retry behavior for a step in distributed mode.
type RetryPolicy struct {
	Max      int    `json:"max"`
	Backoff  string `json:"backoff,omitempty"`   // none | constant | linear | exponential
	Delay    string `json:"delay,omitempty"`     // initial delay (e.g. "1s", "500ms")
	MaxDelay string `json:"max_delay,omitempty"` // cap for computed delays
}
