package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/reprise-dev/reprise/internal/engine"
	"github.com/reprise-dev/reprise/pkg/schema"
)

// handleRun submits a workflow definition for execution.
func (s *Server) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	defMap := mcp.ParseStringMap(req, "definition", nil)
	if defMap == nil {
		return mcp.NewToolResultError("definition is required"), nil
	}

	def, err := decodeDefinition(defMap)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err)), nil
	}

	initial := mcp.ParseStringMap(req, "context", nil)
	local := req.GetBool("local", false)

	runID, runErr := s.runner.Submit(ctx, def, initial, engine.SubmitOptions{Distributed: !local})
	if local {
		if runErr != nil {
			return marshalResult(map[string]any{
				"run_id": runID,
				"state":  schema.StateFailed,
				"error":  runErr.Error(),
			})
		}
		return marshalResult(map[string]any{
			"run_id": runID,
			"state":  schema.StateCompleted,
		})
	}
	if runErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("submission failed: %v", runErr)), nil
	}

	run, getErr := s.runner.GetRun(ctx, runID)
	if getErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("run submitted but status lookup failed: %v", getErr)), nil
	}
	return marshalResult(map[string]any{
		"run_id": runID,
		"state":  run.State,
		"error":  run.Error,
	})
}

// handleStatus returns the checkpointed state of a run.
func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	run, getErr := s.runner.GetRun(ctx, runID)
	if getErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", getErr)), nil
	}
	return marshalResult(run)
}

// handleLog returns the execution log of a run.
func (s *Server) handleLog(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	lines, logErr := s.store.GetLogs(ctx, runID)
	if logErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("log query failed: %v", logErr)), nil
	}
	return marshalResult(map[string]any{"run_id": runID, "log": lines})
}

// handleResume re-dispatches an interrupted run.
func (s *Server) handleResume(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	if resErr := s.runner.Resume(ctx, runID); resErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("resume failed: %v", resErr)), nil
	}

	run, getErr := s.runner.GetRun(ctx, runID)
	if getErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("resumed but status lookup failed: %v", getErr)), nil
	}
	return marshalResult(map[string]any{"run_id": runID, "state": run.State})
}

// handleList returns all unfinished runs.
func (s *Server) handleList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runs, err := s.store.ListActiveWorkflows(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list failed: %v", err)), nil
	}

	summaries := make([]map[string]any, 0, len(runs))
	for _, run := range runs {
		summaries = append(summaries, map[string]any{
			"run_id":     run.ID,
			"name":       run.Definition.Name,
			"state":      run.State,
			"created_at": run.CreatedAt,
		})
	}
	return marshalResult(map[string]any{"runs": summaries, "count": len(summaries)})
}

// decodeDefinition converts a loosely-typed tool argument into a
// WorkflowDefinition via a JSON round-trip.
func decodeDefinition(m map[string]any) (*schema.WorkflowDefinition, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var def schema.WorkflowDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, err
	}
	return &def, nil
}

func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
