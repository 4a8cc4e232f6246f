// Package server exposes the job API over HTTP: submitting workflow runs,
// inspecting their checkpoints and logs, and managing scheduled jobs.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/reprise-dev/reprise/internal/agent"
	"github.com/reprise-dev/reprise/internal/engine"
	"github.com/reprise-dev/reprise/internal/store"
	"github.com/reprise-dev/reprise/pkg/schema"
)

// RunSubmitter is the slice of the runner the API needs.
type RunSubmitter interface {
	Submit(ctx context.Context, def *schema.WorkflowDefinition, initial map[string]any, opts engine.SubmitOptions) (string, error)
	Resume(ctx context.Context, runID string) error
	GetRun(ctx context.Context, runID string) (*store.WorkflowRun, error)
}

// DefinitionValidator checks definitions before submission. Satisfied by
// validation.WorkflowValidator; nil skips pre-submission validation.
type DefinitionValidator interface {
	ValidateDefinition(def *schema.WorkflowDefinition) error
}

// CronCalculator computes the next fire time for a cron expression.
// Satisfied by scheduler.Scheduler; nil leaves new jobs due immediately.
type CronCalculator interface {
	CalculateNextRun(cronExpr string, from time.Time) (time.Time, error)
}

// CorrectingSubmitter runs a workflow under the self-correcting loop.
// Satisfied by agent.Loop; nil disables the corrected-submission endpoint.
type CorrectingSubmitter interface {
	RunWithSelfCorrection(ctx context.Context, def *schema.WorkflowDefinition, initial map[string]any, policy *agent.AgentPolicy, distributed bool) (string, error)
}

// Deps holds the dependencies for the job API server.
type Deps struct {
	Store     store.Store
	Runner    RunSubmitter
	Agent     CorrectingSubmitter
	Validator DefinitionValidator
	Cron      CronCalculator
	Logger    *slog.Logger
}

// Server serves the job API.
type Server struct {
	deps Deps
}

// New creates a Server.
func New(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Server{deps: deps}
}

// Handler returns the HTTP handler for the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.HandleFunc("POST /api/runs", s.handleSubmitRun)
	mux.HandleFunc("POST /api/runs/corrected", s.handleSubmitCorrected)
	mux.HandleFunc("GET /api/runs", s.handleListRuns)
	mux.HandleFunc("GET /api/runs/{id}", s.handleGetRun)
	mux.HandleFunc("GET /api/runs/{id}/log", s.handleGetRunLog)
	mux.HandleFunc("POST /api/runs/{id}/resume", s.handleResumeRun)

	mux.HandleFunc("POST /api/scheduler", s.handleCreateJob)
	mux.HandleFunc("GET /api/scheduler", s.handleListJobs)
	mux.HandleFunc("GET /api/scheduler/{id}", s.handleGetJob)
	mux.HandleFunc("PUT /api/scheduler/{id}", s.handleUpdateJob)
	mux.HandleFunc("DELETE /api/scheduler/{id}", s.handleDeleteJob)

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statusForError maps coded errors to HTTP status codes.
func statusForError(err error) int {
	var serr *schema.Error
	if !errors.As(err, &serr) {
		return http.StatusInternalServerError
	}
	switch serr.Code {
	case schema.ErrCodeNotFound:
		return http.StatusNotFound
	case schema.ErrCodeValidation, schema.ErrCodeInvalidTransition:
		return http.StatusBadRequest
	case schema.ErrCodeConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
