package agent

import (
	"context"
	"log/slog"
	"strings"

	"github.com/reprise-dev/reprise/internal/engine"
	"github.com/reprise-dev/reprise/internal/store"
	"github.com/reprise-dev/reprise/pkg/flow"
	"github.com/reprise-dev/reprise/pkg/schema"
)

// Submitter is the slice of the distributed runner the loop needs.
type Submitter interface {
	Submit(ctx context.Context, def *schema.WorkflowDefinition, initial map[string]any, opts engine.SubmitOptions) (string, error)
	GetRun(ctx context.Context, runID string) (*store.WorkflowRun, error)
}

// LoopOptions wires the optional collaborators. Every field may be nil; the
// loop degrades gracefully without them.
type LoopOptions struct {
	Selector ModelSelector
	Resolver CapabilityResolver
	Memory   Memory
	Tools    flow.ToolInvoker // used by the ensemble strategy
	Logger   *slog.Logger
}

// Loop is the self-correcting wrapper around the distributed runner.
type Loop struct {
	runner   Submitter
	selector ModelSelector
	resolver CapabilityResolver
	memory   Memory
	tools    flow.ToolInvoker
	critics  map[string]Critic
	logger   *slog.Logger
}

// NewLoop creates a Loop over the given runner.
func NewLoop(runner Submitter, opts LoopOptions) *Loop {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		runner:   runner,
		selector: opts.Selector,
		resolver: opts.Resolver,
		memory:   opts.Memory,
		tools:    opts.Tools,
		critics:  make(map[string]Critic),
		logger:   logger,
	}
}

// RegisterCritic makes a critic available to ChooseCritics by name.
func (l *Loop) RegisterCritic(c Critic) {
	l.critics[c.Name()] = c
}

// RunWithSelfCorrection submits the workflow and, when the run fails, retries
// it with policy-chosen corrections until it completes, the failure is
// PERMANENT, or policy.MaxRetries additional submissions have been spent.
//
// It never returns an error for ordinary workflow failures: those are
// observable through GetRun(runID).State. A returned error means a
// submission-time or store-level defect.
func (l *Loop) RunWithSelfCorrection(ctx context.Context, def *schema.WorkflowDefinition, initial map[string]any, policy *AgentPolicy, distributed bool) (string, error) {
	if policy == nil {
		policy = &AgentPolicy{}
	}
	loopCtx := &LoopContext{Metadata: map[string]any{}}
	overrides := map[string]any{}

	runID, failure, err := l.attempt(ctx, def, initial, overrides, distributed, loopCtx)
	if err != nil {
		return runID, err
	}
	l.record(runID, "submitted", nil)

	for failure != nil && loopCtx.Attempts < policy.MaxRetries {
		step, tool := failingStep(loopCtx.LastResult, failure)
		class := Classify(failure, nil)
		if l.memory != nil {
			l.memory.RecordErrorEvent(runID, step, tool, failure, class)
		}

		if class == ClassPermanent {
			l.logger.Info("failure is permanent, stopping corrections",
				"run_id", runID, "attempts", loopCtx.Attempts)
			break
		}

		strategy := ChooseStrategy(class, loopCtx, policy, l.memory, tool)
		l.logger.Info("correction attempt",
			"run_id", runID, "class", string(class), "strategy", string(strategy),
			"attempt", loopCtx.Attempts+1)

		newOverrides, terminal := l.ApplyStrategy(ctx, strategy, loopCtx, policy)
		if terminal {
			l.record(runID, "escalated_to_human", map[string]any{"class": string(class)})
			break
		}
		for k, v := range newOverrides {
			overrides[k] = v
		}

		loopCtx.Attempts++
		runID, failure, err = l.attempt(ctx, def, initial, overrides, distributed, loopCtx)
		if err != nil {
			return runID, err
		}
	}

	if failure == nil {
		l.record(runID, "completed", nil)
	} else {
		l.record(runID, "failed", map[string]any{"attempts": loopCtx.Attempts})
	}
	loopCtx.WorkflowID = runID
	return runID, nil
}

// attempt performs one submission and normalizes its outcome: failure holds
// the workflow-level failure (nil on success), err holds internal defects.
func (l *Loop) attempt(ctx context.Context, def *schema.WorkflowDefinition, initial, overrides map[string]any, distributed bool, loopCtx *LoopContext) (runID string, failure, err error) {
	merged := make(map[string]any, len(initial)+len(overrides))
	for k, v := range initial {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}

	runID, submitErr := l.runner.Submit(ctx, def, merged, engine.SubmitOptions{Distributed: distributed})
	if !distributed {
		// Local mode propagates workflow failures from Submit directly.
		return runID, submitErr, nil
	}
	if submitErr != nil {
		// Distributed Submit only errors on submission-time or store defects.
		return runID, nil, submitErr
	}

	run, getErr := l.runner.GetRun(ctx, runID)
	if getErr != nil {
		return runID, nil, getErr
	}
	loopCtx.LastResult = run
	loopCtx.WorkflowID = runID

	if run.State == schema.StateCompleted {
		return runID, nil, nil
	}
	return runID, runFailure(run), nil
}

// ApplyStrategy executes a correction strategy. It returns context overrides
// to merge into the next submission, and whether the strategy is terminal.
func (l *Loop) ApplyStrategy(ctx context.Context, strategy Strategy, loopCtx *LoopContext, policy *AgentPolicy) (map[string]any, bool) {
	switch strategy {
	case StrategyRetrySameTool:
		return nil, false

	case StrategyRetryAlternateModel:
		if l.selector == nil {
			return nil, false
		}
		model := l.selector.SelectModel("correction", policy, loopMetadata(loopCtx))
		if model == "" {
			return nil, false
		}
		return map[string]any{"force_model": model}, false

	case StrategyRouteAlternateTool:
		if tool := l.alternateTool(loopCtx, policy); tool != "" {
			return map[string]any{"tool": tool}, false
		}
		return nil, false

	case StrategyEscalateToHuman:
		return nil, true

	case StrategyEnsemble:
		if policy.UseEnsembleForCriticalTasks {
			if model := l.runEnsemble(ctx, loopCtx, policy); model != "" {
				return map[string]any{"force_model": model}, false
			}
		}
		return nil, false

	default: // run_correction_subworkflow
		return map[string]any{"correction": true}, false
	}
}

// alternateTool asks the capability resolver for a replacement tool, falling
// back to the policy's preferred tools.
func (l *Loop) alternateTool(loopCtx *LoopContext, policy *AgentPolicy) string {
	task := ""
	if loopCtx.LastResult != nil {
		task = loopCtx.LastResult.Error
	}
	if l.resolver != nil {
		if tools := l.resolver.FindToolsForTask(task, loopMetadata(loopCtx), policy); len(tools) > 0 {
			return tools[0]
		}
	}
	if len(policy.PreferredTools) > 0 {
		return policy.PreferredTools[0]
	}
	return ""
}

// runEnsemble executes the failing step's tool under up to two candidate
// models, scores each output with the configured critics, and returns the
// best-scoring model.
func (l *Loop) runEnsemble(ctx context.Context, loopCtx *LoopContext, policy *AgentPolicy) string {
	if l.selector == nil || l.tools == nil || loopCtx.LastResult == nil {
		return ""
	}
	step, tool := failingStep(loopCtx.LastResult, nil)
	if tool == "" {
		return ""
	}

	candidates := l.selector.SelectFallbackModels("correction", policy, loopMetadata(loopCtx))
	if len(candidates) > 2 {
		candidates = candidates[:2]
	}

	critics := l.criticsFor(step, policy)
	bestModel := ""
	bestScore := -1.0
	for _, model := range candidates {
		output, err := l.tools.Execute(ctx, tool, map[string]any{
			"force_model": model,
			"context":     loopCtx.LastResult.Context,
		})
		if err != nil {
			continue
		}
		res := HandleStepResult(ctx, critics, step, output)
		if res.Score > bestScore {
			bestScore = res.Score
			bestModel = model
		}
	}
	return bestModel
}

// criticsFor resolves the policy's critic names against the registered set.
func (l *Loop) criticsFor(step string, policy *AgentPolicy) []Critic {
	names := ChooseCritics(step, loopMetadata(nil), policy)
	var out []Critic
	for _, name := range names {
		if c, ok := l.critics[name]; ok {
			out = append(out, c)
		}
	}
	return out
}

func (l *Loop) record(runID, event string, details map[string]any) {
	if l.memory != nil {
		l.memory.RecordWorkflowEvent(runID, event, details)
	}
}

func loopMetadata(loopCtx *LoopContext) map[string]any {
	if loopCtx == nil || loopCtx.Metadata == nil {
		return map[string]any{}
	}
	return loopCtx.Metadata
}

// runFailure reconstructs the failure of a non-completed run from its
// checkpoint. Structured error text of the form "[CODE] message" round-trips
// back into a coded error so the classifier sees the original category.
func runFailure(run *store.WorkflowRun) error {
	msg := run.Error
	if step, _ := failingStepRecord(run); step != nil && step.Error != "" {
		msg = step.Error
	}
	if msg == "" {
		msg = "run did not complete"
	}
	return parseCodedError(msg)
}

// failingStep locates the step that caused the run to fail and the tool it
// was executing, skipping siblings that merely observed cancellation.
func failingStep(run *store.WorkflowRun, _ error) (stepName, tool string) {
	if run == nil {
		return "", ""
	}
	rec, sd := failingStepRecord(run)
	if rec == nil {
		return "", ""
	}
	if sd != nil {
		tool = sd.Tool
	}
	return rec.Name, tool
}

func failingStepRecord(run *store.WorkflowRun) (*store.StepRecord, *schema.StepDefinition) {
	var fallback *store.StepRecord
	var fallbackDef *schema.StepDefinition
	for i := range run.Definition.Steps {
		sd := &run.Definition.Steps[i]
		rec := run.Steps[sd.Name]
		if rec == nil || rec.State != schema.StateFailed {
			continue
		}
		if strings.Contains(rec.Error, schema.ErrCodeCancelled) {
			if fallback == nil {
				fallback = rec
				fallbackDef = sd
			}
			continue
		}
		return rec, sd
	}
	return fallback, fallbackDef
}

// parseCodedError rebuilds a schema.Error from its rendered "[CODE] message"
// form, so classification by code survives the store round-trip.
func parseCodedError(msg string) error {
	if strings.HasPrefix(msg, "[") {
		if end := strings.Index(msg, "] "); end > 1 {
			code := msg[1:end]
			return schema.NewError(code, msg[end+2:])
		}
	}
	return schema.NewError(schema.ErrCodeExecution, msg)
}
