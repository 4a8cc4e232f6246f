package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/reprise-dev/reprise/pkg/schema"
)

// MemoryStore is the in-memory Store implementation. It backs local runs and
// tests; snapshots returned to callers are copies, so holders can read them
// without racing the engine.
type MemoryStore struct {
	mu   sync.Mutex
	runs map[string]*WorkflowRun
	logs map[string][]string
	jobs map[string]*ScheduledJob
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs: make(map[string]*WorkflowRun),
		logs: make(map[string][]string),
		jobs: make(map[string]*ScheduledJob),
	}
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }

// CreateWorkflowRun registers a new run with every step PENDING.
func (s *MemoryStore) CreateWorkflowRun(_ context.Context, def *schema.WorkflowDefinition, initialContext, metadata map[string]any) (string, error) {
	if def == nil {
		return "", schema.NewError(schema.ErrCodeValidation, "definition is nil")
	}

	now := time.Now().UTC()
	run := &WorkflowRun{
		ID:         uuid.NewString(),
		Definition: *def,
		Context:    copyMap(initialContext),
		Metadata:   copyMap(metadata),
		State:      schema.StatePending,
		Steps:      make(map[string]*StepRecord, len(def.Steps)),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	for _, step := range def.Steps {
		run.Steps[step.Name] = &StepRecord{
			Name:  step.Name,
			State: schema.StatePending,
			Input: step.Params,
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = run
	return run.ID, nil
}

// UpdateWorkflowState transitions a run, rejecting illegal transitions.
func (s *MemoryStore) UpdateWorkflowState(_ context.Context, runID string, state schema.State, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return notFound("run", runID)
	}
	if err := checkTransition("run", runID, run.State, state); err != nil {
		return err
	}

	run.State = state
	if errMsg != "" {
		run.Error = errMsg
	}
	run.UpdatedAt = time.Now().UTC()
	return nil
}

// UpdateStepState transitions a step and applies the transition's side
// effects: entry to RUNNING stamps StartedAt, terminal entry stamps
// FinishedAt, RETRYING bumps the retry counter, and COMPLETED publishes the
// step output into the run context.
func (s *MemoryStore) UpdateStepState(_ context.Context, runID, step string, state schema.State, output any, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return notFound("run", runID)
	}
	rec, ok := run.Steps[step]
	if !ok {
		return notFound("step", step)
	}
	if err := checkTransition("step", step, rec.State, state); err != nil {
		return err
	}

	now := time.Now().UTC()
	rec.State = state
	if errMsg != "" {
		rec.Error = errMsg
	}
	switch state {
	case schema.StateRunning:
		if rec.StartedAt == nil {
			rec.StartedAt = &now
		}
	case schema.StateRetrying:
		rec.Retries++
	case schema.StateCompleted:
		if rec.FinishedAt == nil {
			rec.FinishedAt = &now
		}
		rec.Output = output
		run.Context[step] = output
	case schema.StateFailed:
		if rec.FinishedAt == nil {
			rec.FinishedAt = &now
		}
	}
	run.UpdatedAt = now
	return nil
}

// GetWorkflowState returns a snapshot of a run.
func (s *MemoryStore) GetWorkflowState(_ context.Context, runID string) (*WorkflowRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return nil, notFound("run", runID)
	}
	return cloneRun(run), nil
}

// ListActiveWorkflows returns snapshots of all runs not yet COMPLETED,
// oldest first.
func (s *MemoryStore) ListActiveWorkflows(_ context.Context) ([]*WorkflowRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var active []*WorkflowRun
	for _, run := range s.runs {
		if run.State != schema.StateCompleted {
			active = append(active, cloneRun(run))
		}
	}
	sort.Slice(active, func(i, j int) bool {
		return active[i].CreatedAt.Before(active[j].CreatedAt)
	})
	return active, nil
}

// AppendLog appends a log line for a run. Unknown runs are accepted: the log
// is best-effort and must never fail an execution.
func (s *MemoryStore) AppendLog(_ context.Context, runID, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[runID] = append(s.logs[runID], message)
	return nil
}

// GetLogs returns the log lines for a run in append order.
func (s *MemoryStore) GetLogs(_ context.Context, runID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lines := s.logs[runID]
	out := make([]string, len(lines))
	copy(out, lines)
	return out, nil
}

// --- Scheduled jobs ---

func (s *MemoryStore) CreateScheduledJob(_ context.Context, job *ScheduledJob) error {
	if job == nil || job.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "scheduled job requires an ID")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "scheduled job %q already exists", job.ID)
	}
	cp := *job
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	s.jobs[job.ID] = &cp
	return nil
}

func (s *MemoryStore) GetScheduledJob(_ context.Context, id string) (*ScheduledJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, notFound("scheduled job", id)
	}
	cp := *job
	return &cp, nil
}

func (s *MemoryStore) UpdateScheduledJob(_ context.Context, id string, update ScheduledJobUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return notFound("scheduled job", id)
	}
	if update.Enabled != nil {
		job.Enabled = *update.Enabled
	}
	if update.LastRunAt != nil {
		job.LastRunAt = update.LastRunAt
	}
	if update.NextRunAt != nil {
		job.NextRunAt = update.NextRunAt
	}
	if update.LastRunStatus != "" {
		job.LastRunStatus = update.LastRunStatus
	}
	return nil
}

func (s *MemoryStore) ListScheduledJobs(_ context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var jobs []*ScheduledJob
	for _, job := range s.jobs {
		if filter.Enabled != nil && job.Enabled != *filter.Enabled {
			continue
		}
		cp := *job
		jobs = append(jobs, &cp)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID < jobs[j].ID })
	if filter.Limit > 0 && len(jobs) > filter.Limit {
		jobs = jobs[:filter.Limit]
	}
	return jobs, nil
}

func (s *MemoryStore) DeleteScheduledJob(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[id]; !ok {
		return notFound("scheduled job", id)
	}
	delete(s.jobs, id)
	return nil
}

// --- Helpers ---

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneRun(run *WorkflowRun) *WorkflowRun {
	cp := *run
	cp.Context = copyMap(run.Context)
	cp.Metadata = copyMap(run.Metadata)
	cp.Steps = make(map[string]*StepRecord, len(run.Steps))
	for name, rec := range run.Steps {
		rc := *rec
		cp.Steps[name] = &rc
	}
	return &cp
}
