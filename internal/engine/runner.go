// Package engine executes workflows: in-process for local runs, and through
// the checkpoint store with bounded concurrency for distributed runs.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/reprise-dev/reprise/internal/logging"
	"github.com/reprise-dev/reprise/internal/store"
	"github.com/reprise-dev/reprise/pkg/flow"
	"github.com/reprise-dev/reprise/pkg/schema"
)

// DefaultMaxParallel caps concurrent step execution when no pool size is
// configured.
const DefaultMaxParallel = 4

// Options configures a Runner.
type Options struct {
	MaxParallel int
	Breaker     BreakerConfig
	Logger      *slog.Logger
}

// SubmitOptions configures a single submission.
type SubmitOptions struct {
	Metadata    map[string]any
	Distributed bool
}

// Runner executes workflow definitions. Local submissions run in-process and
// propagate errors to the caller; distributed submissions checkpoint every
// state change through the store and never let a step failure escape Submit.
type Runner struct {
	store    store.Store
	tools    flow.ToolInvoker
	compiler flow.PredicateCompiler
	pool     *WorkerPool
	breakers *BreakerRegistry
	logger   *slog.Logger
}

// NewRunner creates a Runner over the given store and tool invoker. The
// compiler may be nil when definitions contain no conditional steps.
func NewRunner(st store.Store, invoker flow.ToolInvoker, compiler flow.PredicateCompiler, opts Options) *Runner {
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = DefaultMaxParallel
	}
	if opts.Breaker.FailureThreshold == 0 {
		opts.Breaker = DefaultBreakerConfig()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		store:    st,
		tools:    invoker,
		compiler: compiler,
		pool:     NewWorkerPool(opts.MaxParallel),
		breakers: NewBreakerRegistry(opts.Breaker),
		logger:   logger,
	}
}

// Breakers exposes the per-tool circuit breaker registry.
func (r *Runner) Breakers() *BreakerRegistry { return r.breakers }

// PoolMetrics returns a snapshot of the step pool metrics.
func (r *Runner) PoolMetrics() PoolMetrics { return r.pool.Metrics() }

// Shutdown stops the step pool, waiting for in-flight steps.
func (r *Runner) Shutdown() { r.pool.Shutdown() }

// GetRun returns the checkpointed state of a distributed run.
func (r *Runner) GetRun(ctx context.Context, runID string) (*store.WorkflowRun, error) {
	return r.store.GetWorkflowState(ctx, runID)
}

// Submit executes a workflow definition and returns its run ID.
//
// Local mode builds the workflow and runs it synchronously in-process; any
// failure is returned to the caller and nothing touches the store.
// Distributed mode creates a checkpointed run, dispatches every step through
// the bounded pool, and blocks until the run reaches a terminal state. Step
// failures mark the run FAILED but are not returned as errors.
func (r *Runner) Submit(ctx context.Context, def *schema.WorkflowDefinition, initial map[string]any, opts SubmitOptions) (string, error) {
	if !opts.Distributed {
		return r.submitLocal(ctx, def, initial)
	}
	return r.submitDistributed(ctx, def, initial, opts.Metadata)
}

func (r *Runner) submitLocal(ctx context.Context, def *schema.WorkflowDefinition, initial map[string]any) (string, error) {
	wf, err := flow.FromDefinition(def, r.tools, r.compiler)
	if err != nil {
		return "", err
	}
	runID := uuid.NewString()
	fc := flow.NewContext(initial)
	if err := wf.Run(ctx, fc); err != nil {
		return runID, err
	}
	return runID, nil
}

func (r *Runner) submitDistributed(ctx context.Context, def *schema.WorkflowDefinition, initial, metadata map[string]any) (string, error) {
	// Validate the definition up front so a malformed workflow fails the
	// submission, not some step halfway through.
	if _, err := flow.FromDefinition(def, r.tools, r.compiler); err != nil {
		return "", err
	}

	runID, err := r.store.CreateWorkflowRun(ctx, def, initial, metadata)
	if err != nil {
		return "", err
	}
	if err := r.store.UpdateWorkflowState(ctx, runID, schema.StateRunning, ""); err != nil {
		return runID, err
	}

	r.dispatch(ctx, runID, def)
	return runID, nil
}

// Resume re-dispatches the non-terminal steps of an interrupted run. Used by
// the polling worker after a restart.
func (r *Runner) Resume(ctx context.Context, runID string) error {
	run, err := r.store.GetWorkflowState(ctx, runID)
	if err != nil {
		return err
	}
	switch run.State {
	case schema.StateCompleted, schema.StateFailed:
		return nil
	case schema.StatePending, schema.StateWaiting, schema.StateRetrying:
		if err := r.store.UpdateWorkflowState(ctx, runID, schema.StateRunning, ""); err != nil {
			return err
		}
	}

	r.dispatch(ctx, runID, &run.Definition)
	return nil
}

// dispatch pushes every non-terminal step of the run through the pool and
// blocks until they settle, then closes out the run state. The first step
// failure cancels the shared context: in-flight siblings fail with a
// cancellation, and steps not yet dispatched stay PENDING.
func (r *Runner) dispatch(ctx context.Context, runID string, def *schema.WorkflowDefinition) {
	dispatchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	for i := range def.Steps {
		sd := &def.Steps[i]

		run, err := r.store.GetWorkflowState(dispatchCtx, runID)
		if err != nil {
			break
		}
		rec := run.Steps[sd.Name]
		if rec == nil || rec.State.IsTerminal() {
			continue
		}
		if dispatchCtx.Err() != nil {
			break // a sibling failed; leave the rest undispatched
		}

		wg.Add(1)
		err = r.pool.Submit(dispatchCtx, func(stepCtx context.Context) error {
			defer wg.Done()
			return r.runStep(stepCtx, runID, sd, cancel)
		})
		if err != nil {
			wg.Done()
			break
		}
	}
	wg.Wait()

	r.settleRun(ctx, runID)
}

// settleRun moves the run to COMPLETED when every step is COMPLETED. Failed
// runs were already marked by the failing step.
func (r *Runner) settleRun(ctx context.Context, runID string) {
	run, err := r.store.GetWorkflowState(ctx, runID)
	if err != nil || run.State != schema.StateRunning {
		return
	}
	for _, rec := range run.Steps {
		if rec.State != schema.StateCompleted {
			return
		}
	}
	if err := r.store.UpdateWorkflowState(ctx, runID, schema.StateCompleted, ""); err != nil {
		r.logger.Error("settle run", "run_id", runID, "error", err)
	}
}

// runStep drives one step from its checkpoint to a terminal state, retrying
// per the step's policy. Failure marks both the step and the run FAILED and
// cancels the sibling dispatch.
func (r *Runner) runStep(ctx context.Context, runID string, sd *schema.StepDefinition, cancelSiblings context.CancelFunc) error {
	ctx = logging.WithStepName(logging.WithRunID(ctx, runID), sd.Name)
	log := logging.LogWith(ctx, r.logger)

	if err := r.bringToRunning(ctx, runID, sd.Name); err != nil {
		return err
	}

	// Conditional gate: a false predicate completes the step with no output.
	if sd.Kind == schema.StepKindConditional && r.compiler != nil {
		pred, err := r.compiler.CompilePredicate(sd.Predicate)
		if err != nil {
			return r.failStep(ctx, runID, sd.Name, err, cancelSiblings)
		}
		run, err := r.store.GetWorkflowState(ctx, runID)
		if err != nil {
			return r.failStep(ctx, runID, sd.Name, err, cancelSiblings)
		}
		ok, err := pred(run.Context)
		if err != nil {
			return r.failStep(ctx, runID, sd.Name, err, cancelSiblings)
		}
		if !ok {
			log.Debug("predicate gated step off")
			return r.store.UpdateStepState(ctx, runID, sd.Name, schema.StateCompleted, nil, "")
		}
	}

	maxRetries := 0
	if sd.Retry != nil {
		maxRetries = sd.Retry.Max
	}

	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			err := schema.NewError(schema.ErrCodeCancelled, "step cancelled").WithStep(sd.Name)
			return r.failStep(ctx, runID, sd.Name, err, cancelSiblings)
		}

		output, err := r.executeOnce(ctx, runID, sd)
		if err == nil {
			log.Info("step completed", "attempt", attempt)
			r.appendLog(ctx, runID, fmt.Sprintf("step %q completed", sd.Name))
			return r.store.UpdateStepState(ctx, runID, sd.Name, schema.StateCompleted, output, "")
		}

		if attempt < maxRetries && IsRetryableError(err) {
			log.Warn("step attempt failed, retrying", "attempt", attempt, "error", err)
			if serr := r.store.UpdateStepState(ctx, runID, sd.Name, schema.StateRetrying, nil, err.Error()); serr != nil {
				return serr
			}
			if werr := WaitForBackoff(ctx, ComputeBackoff(sd.Retry, attempt)); werr != nil {
				cerr := schema.NewError(schema.ErrCodeCancelled, "step cancelled during backoff").WithStep(sd.Name)
				return r.failStep(ctx, runID, sd.Name, cerr, cancelSiblings)
			}
			if serr := r.store.UpdateStepState(ctx, runID, sd.Name, schema.StateRunning, nil, ""); serr != nil {
				return serr
			}
			continue
		}

		log.Error("step failed", "attempt", attempt, "error", err)
		return r.failStep(ctx, runID, sd.Name, err, cancelSiblings)
	}
}

// bringToRunning transitions a step to RUNNING along the legal path for its
// current state. A stale RUNNING checkpoint (interrupted process) goes
// through RETRYING first.
func (r *Runner) bringToRunning(ctx context.Context, runID, step string) error {
	run, err := r.store.GetWorkflowState(ctx, runID)
	if err != nil {
		return err
	}
	rec := run.Steps[step]
	if rec == nil {
		return schema.NewErrorf(schema.ErrCodeNotFound, "step %q not found", step)
	}
	if rec.State == schema.StateRunning {
		if err := r.store.UpdateStepState(ctx, runID, step, schema.StateRetrying, nil, "interrupted"); err != nil {
			return err
		}
	}
	return r.store.UpdateStepState(ctx, runID, step, schema.StateRunning, nil, "")
}

// executeOnce runs the step's tool a single time against a fresh context
// snapshot, honoring the step timeout and the per-tool circuit breaker.
func (r *Runner) executeOnce(ctx context.Context, runID string, sd *schema.StepDefinition) (any, error) {
	run, err := r.store.GetWorkflowState(ctx, runID)
	if err != nil {
		return nil, err
	}

	tool, rawParams, err := resolveTool(sd, run.Context)
	if err != nil {
		return nil, err
	}
	if err := r.breakers.AllowRequest(tool); err != nil {
		return nil, err
	}

	params := make(map[string]any)
	if len(rawParams) > 0 {
		if err := json.Unmarshal(rawParams, &params); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"unmarshal tool params: %s", err.Error()).WithCause(err)
		}
	}
	params["context"] = run.Context

	execCtx := ctx
	if sd.Timeout != "" {
		dur, perr := time.ParseDuration(sd.Timeout)
		if perr == nil && dur > 0 {
			var cancel context.CancelFunc
			execCtx, cancel = context.WithTimeout(ctx, dur)
			defer cancel()
		}
	}

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := r.tools.Execute(execCtx, tool, params)
		done <- outcome{v, err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			r.breakers.RecordFailure(tool)
			return nil, out.err
		}
		r.breakers.RecordSuccess(tool)
		return out.value, nil
	case <-execCtx.Done():
		r.breakers.RecordFailure(tool)
		if execCtx.Err() == context.DeadlineExceeded {
			return nil, schema.NewErrorf(schema.ErrCodeTimeout,
				"step timed out after %s", sd.Timeout).WithStep(sd.Name)
		}
		return nil, schema.NewError(schema.ErrCodeCancelled, "step cancelled").WithStep(sd.Name)
	}
}

// resolveTool picks the tool and parameters for a step, honoring branch case
// selection and the correction reroute stored under the "tool" context key.
func resolveTool(sd *schema.StepDefinition, runCtx map[string]any) (string, json.RawMessage, error) {
	tool := sd.Tool
	rawParams := sd.Params

	if sd.Kind == schema.StepKindBranch {
		raw, ok := runCtx[sd.BranchKey]
		if !ok {
			return "", nil, schema.NewErrorf(schema.ErrCodeNoCase,
				"branch key %q not present in context", sd.BranchKey).WithStep(sd.Name)
		}
		selector := fmt.Sprintf("%v", raw)
		bc, ok := sd.Cases[selector]
		if !ok {
			return "", nil, schema.NewErrorf(schema.ErrCodeNoCase,
				"no case for key %q value %q", sd.BranchKey, selector).WithStep(sd.Name)
		}
		tool = bc.Tool
		rawParams = bc.Params
	}

	if override, ok := runCtx["tool"].(string); ok && override != "" {
		tool = override
	}
	if tool == "" {
		return "", nil, schema.NewError(schema.ErrCodeValidation, "step has no tool").WithStep(sd.Name)
	}
	return tool, rawParams, nil
}

// failStep marks the step and the run FAILED and cancels sibling dispatch.
func (r *Runner) failStep(ctx context.Context, runID, step string, cause error, cancelSiblings context.CancelFunc) error {
	// Use a detached context: the shared one may already be cancelled and the
	// checkpoint write must still land.
	base := context.WithoutCancel(ctx)
	if err := r.store.UpdateStepState(base, runID, step, schema.StateFailed, nil, cause.Error()); err != nil {
		r.logger.Error("mark step failed", "run_id", runID, "step", step, "error", err)
	}
	if err := r.store.UpdateWorkflowState(base, runID, schema.StateFailed, fmt.Sprintf("step %q failed: %s", step, cause.Error())); err != nil {
		r.logger.Error("mark run failed", "run_id", runID, "error", err)
	}
	r.appendLog(base, runID, fmt.Sprintf("step %q failed: %s", step, cause.Error()))
	cancelSiblings()
	return cause
}

// appendLog records a line in the run's execution log, best effort.
func (r *Runner) appendLog(ctx context.Context, runID, message string) {
	if err := r.store.AppendLog(ctx, runID, message); err != nil {
		r.logger.Debug("append run log", "run_id", runID, "error", err)
	}
}
