package agent

import (
	"github.com/reprise-dev/reprise/internal/store"
)

// AgentPolicy is the caller-supplied correction configuration. The engine
// never mutates it.
type AgentPolicy struct {
	MaxRetries                  int            `json:"max_retries"`
	MaxCorrections              int            `json:"max_corrections"`
	AllowedModels               []string       `json:"allowed_models,omitempty"`
	PreferredModelTags          []string       `json:"preferred_model_tags,omitempty"`
	ForbiddenModels             []string       `json:"forbidden_models,omitempty"`
	MaxLatencyHint              string         `json:"max_latency_hint,omitempty"`
	UseEnsembleForCriticalTasks bool           `json:"use_ensemble_for_critical_tasks"`
	PreferredCapabilityTags     []string       `json:"preferred_capability_tags,omitempty"`
	PreferredTools              []string       `json:"preferred_tools,omitempty"`
	EscalationThresholds        map[string]int `json:"escalation_thresholds,omitempty"`
	CriticsToRun                []string       `json:"critics_to_run,omitempty"`
}

// Strategy names a correction action.
type Strategy string

const (
	StrategyRetrySameTool         Strategy = "retry_same_tool"
	StrategyRetryAlternateModel   Strategy = "retry_with_alternate_model"
	StrategyRouteAlternateTool    Strategy = "route_to_alternate_tool"
	StrategyEscalateToHuman       Strategy = "escalate_to_human_flag"
	StrategyEnsemble              Strategy = "ensemble"
	StrategyCorrectionSubworkflow Strategy = "run_correction_subworkflow"
)

// LoopContext tracks one self-correction session. Created per RunWithSelfCorrection
// call, mutated on each retry attempt, discarded when the loop returns.
type LoopContext struct {
	WorkflowID string
	Attempts   int
	LastResult *store.WorkflowRun
	Metadata   map[string]any
}

// ChooseStrategy maps an error class to a correction strategy.
//
// Override: when a TOOL_CONFIG failure implicates a tool whose recent failure
// count has reached policy.EscalationThresholds["tool_failures"], rerouting to
// yet another tool is pointless and the strategy becomes
// retry_with_alternate_model instead.
func ChooseStrategy(class ErrorClass, loopCtx *LoopContext, policy *AgentPolicy, history Memory, tool string) Strategy {
	if class == ClassToolConfig && policy != nil && history != nil && tool != "" {
		if threshold, ok := policy.EscalationThresholds["tool_failures"]; ok && threshold > 0 {
			if len(history.RecentFailuresForTool(tool, threshold)) >= threshold {
				return StrategyRetryAlternateModel
			}
		}
	}

	switch class {
	case ClassTransient:
		return StrategyRetrySameTool
	case ClassModelQuality:
		return StrategyRetryAlternateModel
	case ClassToolConfig:
		return StrategyRouteAlternateTool
	case ClassRequiresHuman:
		return StrategyEscalateToHuman
	default:
		return StrategyCorrectionSubworkflow
	}
}

// ChooseCritics returns the critic names the policy configures for a step.
// The critics themselves are external collaborators; the policy only names
// them.
func ChooseCritics(step string, context map[string]any, policy *AgentPolicy) []string {
	if policy == nil {
		return nil
	}
	return policy.CriticsToRun
}
