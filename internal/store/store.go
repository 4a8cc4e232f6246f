// Package store is the checkpoint persistence layer. Every state mutation is
// validated against the workflow state machine before it is applied, so a run
// on disk can never hold a transition the engine would not allow.
package store

import (
	"context"

	"github.com/reprise-dev/reprise/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Workflow runs
	CreateWorkflowRun(ctx context.Context, def *schema.WorkflowDefinition, initialContext, metadata map[string]any) (string, error)
	UpdateWorkflowState(ctx context.Context, runID string, state schema.State, errMsg string) error
	UpdateStepState(ctx context.Context, runID, step string, state schema.State, output any, errMsg string) error
	GetWorkflowState(ctx context.Context, runID string) (*WorkflowRun, error)
	ListActiveWorkflows(ctx context.Context) ([]*WorkflowRun, error)

	// Run log (append-only)
	AppendLog(ctx context.Context, runID, message string) error
	GetLogs(ctx context.Context, runID string) ([]string, error)

	// Scheduled jobs
	CreateScheduledJob(ctx context.Context, job *ScheduledJob) error
	GetScheduledJob(ctx context.Context, id string) (*ScheduledJob, error)
	UpdateScheduledJob(ctx context.Context, id string, update ScheduledJobUpdate) error
	ListScheduledJobs(ctx context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error)
	DeleteScheduledJob(ctx context.Context, id string) error

	// Lifecycle
	Close() error
}

// checkTransition validates a state change against the shared transition
// table. Illegal transitions leave the store untouched.
func checkTransition(resource, id string, from, to schema.State) error {
	if !to.Valid() {
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown state %q", to)
	}
	if !schema.CanTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"%s %q cannot transition from %s to %s", resource, id, from, to)
	}
	return nil
}

func notFound(resource, id string) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}
