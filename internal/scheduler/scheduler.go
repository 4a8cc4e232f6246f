// Package scheduler drives cron-triggered recurring workflow submissions.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/reprise-dev/reprise/internal/engine"
	"github.com/reprise-dev/reprise/internal/store"
	"github.com/reprise-dev/reprise/pkg/schema"
)

// WorkflowSubmitter is the slice of the runner the scheduler needs. Satisfied
// by engine.Runner (kept local to avoid an import cycle through the store).
type WorkflowSubmitter interface {
	Submit(ctx context.Context, def *schema.WorkflowDefinition, initial map[string]any, opts engine.SubmitOptions) (string, error)
}

// Scheduler polls the store for due scheduled jobs and submits their
// workflows as distributed runs.
type Scheduler struct {
	store    store.Store
	runner   WorkflowSubmitter
	parser   cron.Parser
	interval time.Duration
	logger   *slog.Logger
	cancel   context.CancelFunc
	done     chan struct{}
	mu       sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // job IDs currently executing (dedup)
}

// Options configures a Scheduler.
type Options struct {
	// Interval between ticks. Defaults to 60s.
	Interval time.Duration
	Logger   *slog.Logger
}

// New creates a Scheduler over the given store and runner.
func New(s store.Store, runner WorkflowSubmitter, opts Options) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = 60 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Scheduler{
		store:    s,
		runner:   runner,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		interval: opts.Interval,
		logger:   opts.Logger,
		inflight: make(map[string]struct{}),
	}
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", "interval", s.interval.String())
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Run an initial tick immediately.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick checks all enabled jobs and runs those that are due.
func (s *Scheduler) tick(ctx context.Context) {
	enabled := true
	jobs, err := s.store.ListScheduledJobs(ctx, store.ScheduledJobFilter{Enabled: &enabled})
	if err != nil {
		s.logger.Error("failed to list scheduled jobs", "error", err.Error())
		return
	}

	now := time.Now().UTC()
	for _, job := range jobs {
		if job.NextRunAt == nil || !job.NextRunAt.After(now) {
			if !s.tryAcquire(job.ID) {
				continue // already running (dedup)
			}
			if err := s.runJob(ctx, job, now); err != nil {
				s.logger.Error("failed to run scheduled job",
					"job_id", job.ID, "error", err.Error())
			}
			s.release(job.ID)
		}
	}
}

// runJob submits a scheduled job's workflow and updates its timestamps.
func (s *Scheduler) runJob(ctx context.Context, job *store.ScheduledJob, now time.Time) error {
	s.logger.Info("running scheduled job", "job_id", job.ID, "name", job.Name)

	runID, err := s.runner.Submit(ctx, &job.Definition, job.Params, engine.SubmitOptions{
		Distributed: true,
		Metadata:    map[string]any{"scheduled_job_id": job.ID},
	})
	status := "success"
	if err != nil {
		status = "error"
		s.logger.Error("scheduled job submission failed",
			"job_id", job.ID, "error", err.Error())
	} else {
		s.logger.Info("scheduled job submitted", "job_id", job.ID, "run_id", runID)
	}

	return s.updateJobStatus(ctx, job, now, status)
}

func (s *Scheduler) updateJobStatus(ctx context.Context, job *store.ScheduledJob, now time.Time, status string) error {
	nextRun, err := s.CalculateNextRun(job.CronExpression, now)
	if err != nil {
		return fmt.Errorf("calculate next run for job %q: %w", job.ID, err)
	}

	return s.store.UpdateScheduledJob(ctx, job.ID, store.ScheduledJobUpdate{
		LastRunAt:     &now,
		NextRunAt:     &nextRun,
		LastRunStatus: status,
	})
}

// tryAcquire marks the job as in-flight unless it is already running.
func (s *Scheduler) tryAcquire(jobID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[jobID]; ok {
		return false
	}
	s.inflight[jobID] = struct{}{}
	return true
}

func (s *Scheduler) release(jobID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, jobID)
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}

// RecoverMissed runs jobs whose next_run_at elapsed while the process was
// down, then reschedules them. Intended to be called once at startup.
func (s *Scheduler) RecoverMissed(ctx context.Context) error {
	enabled := true
	jobs, err := s.store.ListScheduledJobs(ctx, store.ScheduledJobFilter{Enabled: &enabled})
	if err != nil {
		return fmt.Errorf("list scheduled jobs: %w", err)
	}

	now := time.Now().UTC()
	for _, job := range jobs {
		if job.NextRunAt == nil || job.NextRunAt.After(now) {
			continue
		}
		if !s.tryAcquire(job.ID) {
			continue
		}
		s.logger.Info("recovering missed scheduled job",
			"job_id", job.ID, "missed_at", job.NextRunAt.Format(time.RFC3339))
		if err := s.runJob(ctx, job, now); err != nil {
			s.logger.Error("failed to recover scheduled job",
				"job_id", job.ID, "error", err.Error())
		}
		s.release(job.ID)
	}
	return nil
}
