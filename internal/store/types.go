package store

import (
	"encoding/json"
	"time"

	"github.com/reprise-dev/reprise/pkg/schema"
)

// WorkflowRun is the persisted state of a distributed workflow execution.
type WorkflowRun struct {
	ID         string                    `json:"id"`
	Definition schema.WorkflowDefinition `json:"definition"`
	Context    map[string]any            `json:"context"`
	Metadata   map[string]any            `json:"metadata,omitempty"`
	State      schema.State              `json:"state"`
	Steps      map[string]*StepRecord    `json:"steps"`
	Error      string                    `json:"error,omitempty"`
	CreatedAt  time.Time                 `json:"created_at"`
	UpdatedAt  time.Time                 `json:"updated_at"`
}

// StepRecord is the checkpointed state of a single step within a run.
type StepRecord struct {
	Name       string          `json:"name"`
	State      schema.State    `json:"state"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     any             `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
	Retries    int             `json:"retries"`
}

// ScheduledJob is a cron-triggered recurring workflow submission.
type ScheduledJob struct {
	ID             string                    `json:"id"`
	Name           string                    `json:"name"`
	CronExpression string                    `json:"cron_expression"`
	Definition     schema.WorkflowDefinition `json:"definition"`
	Params         map[string]any            `json:"params,omitempty"`
	Enabled        bool                      `json:"enabled"`
	LastRunAt      *time.Time                `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time                `json:"next_run_at,omitempty"`
	LastRunStatus  string                    `json:"last_run_status,omitempty"`
	CreatedAt      time.Time                 `json:"created_at"`
}

// ScheduledJobUpdate specifies mutable fields of a scheduled job.
type ScheduledJobUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
}

// ScheduledJobFilter specifies criteria for listing scheduled jobs.
type ScheduledJobFilter struct {
	Enabled *bool `json:"enabled,omitempty"`
	Limit   int   `json:"limit,omitempty"`
}
