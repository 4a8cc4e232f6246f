package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/reprise-dev/reprise/internal/agent"
	"github.com/reprise-dev/reprise/internal/engine"
	"github.com/reprise-dev/reprise/internal/store"
	"github.com/reprise-dev/reprise/pkg/schema"
)

// handleSubmitRun validates and submits a workflow run.
func (s *Server) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var body struct {
		Definition *schema.WorkflowDefinition `json:"definition"`
		Context    map[string]any             `json:"context"`
		Metadata   map[string]any             `json:"metadata"`
		Local      bool                       `json:"local"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if body.Definition == nil {
		writeError(w, http.StatusBadRequest, "definition is required")
		return
	}

	if s.deps.Validator != nil {
		if err := s.deps.Validator.ValidateDefinition(body.Definition); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	runID, err := s.deps.Runner.Submit(ctx, body.Definition, body.Context, engine.SubmitOptions{
		Metadata:    body.Metadata,
		Distributed: !body.Local,
	})
	if err != nil {
		if body.Local {
			// Local runs surface workflow failures from Submit itself.
			writeJSON(w, http.StatusOK, map[string]any{
				"run_id": runID,
				"state":  schema.StateFailed,
				"error":  err.Error(),
			})
			return
		}
		writeError(w, statusForError(err), fmt.Sprintf("submit run: %v", err))
		return
	}

	if body.Local {
		writeJSON(w, http.StatusOK, map[string]any{
			"run_id": runID,
			"state":  schema.StateCompleted,
		})
		return
	}

	resp := map[string]any{"run_id": runID}
	if run, err := s.deps.Runner.GetRun(ctx, runID); err == nil {
		resp["state"] = run.State
		if run.Error != "" {
			resp["error"] = run.Error
		}
	}
	writeJSON(w, http.StatusCreated, resp)
}

// handleSubmitCorrected runs a workflow under the self-correcting loop: on
// failure it is classified, corrected per policy, and resubmitted within the
// policy's retry budget.
func (s *Server) handleSubmitCorrected(w http.ResponseWriter, r *http.Request) {
	if s.deps.Agent == nil {
		writeError(w, http.StatusNotImplemented, "self-correcting submission is not configured")
		return
	}

	var body struct {
		Definition *schema.WorkflowDefinition `json:"definition"`
		Context    map[string]any             `json:"context"`
		Policy     *agent.AgentPolicy         `json:"policy"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if body.Definition == nil {
		writeError(w, http.StatusBadRequest, "definition is required")
		return
	}
	if s.deps.Validator != nil {
		if err := s.deps.Validator.ValidateDefinition(body.Definition); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	runID, err := s.deps.Agent.RunWithSelfCorrection(r.Context(), body.Definition, body.Context, body.Policy, true)
	if err != nil {
		writeError(w, statusForError(err), fmt.Sprintf("corrected run: %v", err))
		return
	}

	resp := map[string]any{"run_id": runID}
	if run, getErr := s.deps.Runner.GetRun(r.Context(), runID); getErr == nil {
		resp["state"] = run.State
		if run.Error != "" {
			resp["error"] = run.Error
		}
	}
	writeJSON(w, http.StatusCreated, resp)
}

// handleListRuns lists unfinished runs.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.deps.Store.ListActiveWorkflows(r.Context())
	if err != nil {
		writeError(w, statusForError(err), fmt.Sprintf("list runs: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs, "count": len(runs)})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.deps.Store.GetWorkflowState(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, statusForError(err), fmt.Sprintf("get run: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleGetRunLog(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	lines, err := s.deps.Store.GetLogs(r.Context(), runID)
	if err != nil {
		writeError(w, statusForError(err), fmt.Sprintf("get logs: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run_id": runID, "log": lines})
}

// handleResumeRun re-dispatches an interrupted run.
func (s *Server) handleResumeRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if err := s.deps.Runner.Resume(r.Context(), runID); err != nil {
		writeError(w, statusForError(err), fmt.Sprintf("resume run: %v", err))
		return
	}

	run, err := s.deps.Runner.GetRun(r.Context(), runID)
	if err != nil {
		writeError(w, statusForError(err), fmt.Sprintf("get run: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run_id": runID, "state": run.State})
}

// handleCreateJob registers a cron-scheduled recurring workflow.
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var body struct {
		Name           string                     `json:"name"`
		CronExpression string                     `json:"cron_expression"`
		Definition     *schema.WorkflowDefinition `json:"definition"`
		Params         map[string]any             `json:"params"`
		Enabled        *bool                      `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if body.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if body.CronExpression == "" {
		writeError(w, http.StatusBadRequest, "cron_expression is required")
		return
	}
	if body.Definition == nil {
		writeError(w, http.StatusBadRequest, "definition is required")
		return
	}
	if s.deps.Validator != nil {
		if err := s.deps.Validator.ValidateDefinition(body.Definition); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	job := &store.ScheduledJob{
		ID:             uuid.NewString(),
		Name:           body.Name,
		CronExpression: body.CronExpression,
		Definition:     *body.Definition,
		Params:         body.Params,
		Enabled:        true,
	}
	if body.Enabled != nil {
		job.Enabled = *body.Enabled
	}

	if s.deps.Cron != nil {
		next, err := s.deps.Cron.CalculateNextRun(job.CronExpression, time.Now().UTC())
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid cron expression: %v", err))
			return
		}
		job.NextRunAt = &next
	}

	if err := s.deps.Store.CreateScheduledJob(ctx, job); err != nil {
		writeError(w, statusForError(err), fmt.Sprintf("create job: %v", err))
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	filter := store.ScheduledJobFilter{}
	switch r.URL.Query().Get("enabled") {
	case "true":
		t := true
		filter.Enabled = &t
	case "false":
		f := false
		filter.Enabled = &f
	}

	jobs, err := s.deps.Store.ListScheduledJobs(r.Context(), filter)
	if err != nil {
		writeError(w, statusForError(err), fmt.Sprintf("list jobs: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Store.GetScheduledJob(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, statusForError(err), fmt.Sprintf("get job: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleUpdateJob toggles or reschedules a job.
func (s *Server) handleUpdateJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")

	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if body.Enabled == nil {
		writeError(w, http.StatusBadRequest, "enabled is required")
		return
	}

	update := store.ScheduledJobUpdate{Enabled: body.Enabled}
	if err := s.deps.Store.UpdateScheduledJob(r.Context(), jobID, update); err != nil {
		writeError(w, statusForError(err), fmt.Sprintf("update job: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": jobID, "enabled": *body.Enabled})
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if err := s.deps.Store.DeleteScheduledJob(r.Context(), jobID); err != nil {
		writeError(w, statusForError(err), fmt.Sprintf("delete job: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": jobID, "deleted": true})
}

// writeJSON writes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
