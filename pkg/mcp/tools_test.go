package mcp

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reprise-dev/reprise/internal/engine"
	"github.com/reprise-dev/reprise/internal/expressions"
	"github.com/reprise-dev/reprise/internal/store"
	"github.com/reprise-dev/reprise/internal/tools"
	"github.com/reprise-dev/reprise/pkg/schema"
)

// --- Helpers ---

func newTestMCPServer(t *testing.T) (*Server, store.Store) {
	t.Helper()

	st := store.NewMemoryStore()
	reg := tools.NewRegistry()
	require.NoError(t, tools.RegisterBuiltins(reg))

	compiler, err := expressions.NewCELEngine()
	require.NoError(t, err)
	runner := engine.NewRunner(st, reg, compiler, engine.Options{})
	t.Cleanup(runner.Shutdown)

	return NewServer(ServerDeps{Runner: runner, Store: st}), st
}

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func resultJSON(t *testing.T, result *mcp.CallToolResult) map[string]any {
	t.Helper()
	require.NotEmpty(t, result.Content)
	text := mcp.GetTextFromContent(result.Content[0])
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(text), &out))
	return out
}

func echoDefinition() map[string]any {
	return map[string]any{
		"name": "greet",
		"steps": []any{
			map[string]any{"name": "hello", "tool": "echo", "params": map[string]any{"value": "hi"}},
		},
	}
}

// --- Tests ---

func TestRunTool(t *testing.T) {
	s, st := newTestMCPServer(t)

	req := buildRequest("reprise.run", map[string]any{
		"definition": echoDefinition(),
		"context":    map[string]any{"caller": "agent-1"},
	})

	result, err := s.handleRun(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.False(t, result.IsError)

	body := resultJSON(t, result)
	runID, _ := body["run_id"].(string)
	require.NotEmpty(t, runID)
	assert.Equal(t, "completed", body["state"])

	run, err := st.GetWorkflowState(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, "hi", run.Context["hello"])
	assert.Equal(t, "agent-1", run.Context["caller"])
}

func TestRunToolLocal(t *testing.T) {
	s, _ := newTestMCPServer(t)

	req := buildRequest("reprise.run", map[string]any{
		"definition": echoDefinition(),
		"local":      true,
	})

	result, err := s.handleRun(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, "completed", resultJSON(t, result)["state"])
}

func TestRunToolMissingDefinition(t *testing.T) {
	s, _ := newTestMCPServer(t)

	req := buildRequest("reprise.run", map[string]any{})
	result, err := s.handleRun(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestRunToolMalformedDefinition(t *testing.T) {
	s, _ := newTestMCPServer(t)

	req := buildRequest("reprise.run", map[string]any{
		"definition": map[string]any{"steps": []any{}},
	})
	result, err := s.handleRun(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestStatusTool(t *testing.T) {
	s, _ := newTestMCPServer(t)

	runResult, err := s.handleRun(context.Background(), buildRequest("reprise.run", map[string]any{
		"definition": echoDefinition(),
	}))
	require.NoError(t, err)
	runID := resultJSON(t, runResult)["run_id"].(string)

	result, err := s.handleStatus(context.Background(), buildRequest("reprise.status", map[string]any{
		"run_id": runID,
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	body := resultJSON(t, result)
	assert.Equal(t, runID, body["id"])
	assert.Equal(t, "completed", body["state"])
}

func TestStatusToolUnknownRun(t *testing.T) {
	s, _ := newTestMCPServer(t)

	result, err := s.handleStatus(context.Background(), buildRequest("reprise.status", map[string]any{
		"run_id": "nope",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestLogTool(t *testing.T) {
	s, st := newTestMCPServer(t)

	runResult, err := s.handleRun(context.Background(), buildRequest("reprise.run", map[string]any{
		"definition": echoDefinition(),
	}))
	require.NoError(t, err)
	runID := resultJSON(t, runResult)["run_id"].(string)
	require.NoError(t, st.AppendLog(context.Background(), runID, "manual note"))

	result, err := s.handleLog(context.Background(), buildRequest("reprise.log", map[string]any{
		"run_id": runID,
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.NotEmpty(t, resultJSON(t, result)["log"])
}

func TestResumeToolCompletedRun(t *testing.T) {
	s, _ := newTestMCPServer(t)

	runResult, err := s.handleRun(context.Background(), buildRequest("reprise.run", map[string]any{
		"definition": echoDefinition(),
	}))
	require.NoError(t, err)
	runID := resultJSON(t, runResult)["run_id"].(string)

	result, err := s.handleResume(context.Background(), buildRequest("reprise.resume", map[string]any{
		"run_id": runID,
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, "completed", resultJSON(t, result)["state"])
}

func TestListTool(t *testing.T) {
	s, st := newTestMCPServer(t)

	// A completed run does not show up in the active list.
	_, err := s.handleRun(context.Background(), buildRequest("reprise.run", map[string]any{
		"definition": echoDefinition(),
	}))
	require.NoError(t, err)

	result, err := s.handleList(context.Background(), buildRequest("reprise.list", map[string]any{}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, float64(0), resultJSON(t, result)["count"])

	// Seed a pending run directly; it should be listed.
	def := decodeOrDie(t)
	runID, err := st.CreateWorkflowRun(context.Background(), def, nil, nil)
	require.NoError(t, err)

	result, err = s.handleList(context.Background(), buildRequest("reprise.list", map[string]any{}))
	require.NoError(t, err)
	body := resultJSON(t, result)
	assert.Equal(t, float64(1), body["count"])
	runs := body["runs"].([]any)
	assert.Equal(t, runID, runs[0].(map[string]any)["run_id"])
}

func decodeOrDie(t *testing.T) *schema.WorkflowDefinition {
	t.Helper()
	def, err := decodeDefinition(echoDefinition())
	require.NoError(t, err)
	return def
}
