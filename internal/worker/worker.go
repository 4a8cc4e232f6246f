// Package worker polls the checkpoint store and drives unfinished runs
// forward: freshly submitted PENDING runs are claimed, and runs interrupted
// by a crash or restart are resumed from their last checkpoint.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/reprise-dev/reprise/internal/store"
	"github.com/reprise-dev/reprise/pkg/schema"
)

// RunResumer drives a checkpointed run to a terminal state.
// Satisfied by the engine Runner (avoids import cycle).
type RunResumer interface {
	Resume(ctx context.Context, runID string) error
}

// Options configures the polling worker.
type Options struct {
	// PollInterval is the delay between reconciliation ticks.
	PollInterval time.Duration
	// Staleness is how long a non-PENDING active run may go without a
	// checkpoint update before the worker considers it abandoned.
	Staleness time.Duration
	Logger    *slog.Logger
}

// Worker is the polling reconciler.
type Worker struct {
	store     store.Store
	runner    RunResumer
	interval  time.Duration
	staleness time.Duration
	logger    *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{} // run IDs currently being resumed (dedup)
}

// New creates a Worker over the given store and resumer.
func New(st store.Store, runner RunResumer, opts Options) *Worker {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.Staleness <= 0 {
		opts.Staleness = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		store:     st,
		runner:    runner,
		interval:  opts.PollInterval,
		staleness: opts.Staleness,
		logger:    logger,
		inflight:  make(map[string]struct{}),
	}
}

// Start launches the background polling loop.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.done != nil {
		w.mu.Unlock()
		return fmt.Errorf("worker already started")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	w.mu.Unlock()

	go w.loop(loopCtx)
	w.logger.Info("worker started", "poll_interval", w.interval.String())
	return nil
}

func (w *Worker) loop(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	// Run an initial reconciliation immediately.
	if _, err := w.RunOnce(ctx); err != nil {
		w.logger.Error("reconciliation failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.RunOnce(ctx); err != nil {
				w.logger.Error("reconciliation failed", "error", err)
			}
		}
	}
}

// Stop gracefully shuts down the worker.
func (w *Worker) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cancel == nil {
		return nil
	}
	w.cancel()
	<-w.done
	w.cancel = nil
	w.done = nil

	w.logger.Info("worker stopped")
	return nil
}

// RunOnce performs a single reconciliation pass: every PENDING run is
// claimed, and every stale non-terminal run is resumed from its checkpoint.
// Returns the number of runs driven this pass.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	active, err := w.store.ListActiveWorkflows(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active runs: %w", err)
	}

	now := time.Now().UTC()
	resumed := 0
	for _, run := range active {
		if !w.shouldResume(run, now) {
			continue
		}
		if !w.tryAcquire(run.ID) {
			continue // already being resumed (dedup)
		}
		w.logger.Info("resuming run", "run_id", run.ID, "state", string(run.State))
		if err := w.runner.Resume(ctx, run.ID); err != nil {
			w.logger.Error("resume failed", "run_id", run.ID, "error", err)
		} else {
			resumed++
		}
		w.release(run.ID)
	}
	return resumed, nil
}

// shouldResume decides whether a run needs this worker's attention. PENDING
// runs always do; RUNNING/WAITING/RETRYING runs only when their checkpoint
// has gone stale, which means whatever process was driving them is gone.
func (w *Worker) shouldResume(run *store.WorkflowRun, now time.Time) bool {
	switch run.State {
	case schema.StatePending:
		return true
	case schema.StateRunning, schema.StateWaiting, schema.StateRetrying:
		return now.Sub(run.UpdatedAt) >= w.staleness
	default:
		return false
	}
}

func (w *Worker) tryAcquire(runID string) bool {
	w.inflightMu.Lock()
	defer w.inflightMu.Unlock()
	if _, ok := w.inflight[runID]; ok {
		return false
	}
	w.inflight[runID] = struct{}{}
	return true
}

func (w *Worker) release(runID string) {
	w.inflightMu.Lock()
	defer w.inflightMu.Unlock()
	delete(w.inflight, runID)
}
