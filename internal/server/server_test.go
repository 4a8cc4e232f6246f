package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reprise-dev/reprise/internal/agent"
	"github.com/reprise-dev/reprise/internal/engine"
	"github.com/reprise-dev/reprise/internal/expressions"
	"github.com/reprise-dev/reprise/internal/scheduler"
	"github.com/reprise-dev/reprise/internal/store"
	"github.com/reprise-dev/reprise/internal/tools"
	"github.com/reprise-dev/reprise/internal/validation"
)

func newTestServer(t *testing.T) (*httptest.Server, store.Store) {
	t.Helper()

	st := store.NewMemoryStore()
	reg := tools.NewRegistry()
	require.NoError(t, tools.RegisterBuiltins(reg))
	compiler, err := expressions.NewCELEngine()
	require.NoError(t, err)

	runner := engine.NewRunner(st, reg, compiler, engine.Options{})
	t.Cleanup(runner.Shutdown)

	validator, err := validation.NewWorkflowValidator(reg, compiler)
	require.NoError(t, err)

	sched := scheduler.New(st, runner, scheduler.Options{Interval: time.Hour})
	loop := agent.NewLoop(runner, agent.LoopOptions{Memory: agent.NewMemoryBuffer(0)})

	srv := httptest.NewServer(New(Deps{
		Store:     st,
		Runner:    runner,
		Agent:     loop,
		Validator: validator,
		Cron:      sched,
	}).Handler())
	t.Cleanup(srv.Close)
	return srv, st
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func echoDefinition() map[string]any {
	return map[string]any{
		"name": "greet",
		"steps": []map[string]any{
			{"name": "hello", "tool": "echo", "params": map[string]any{"value": "hi"}},
		},
	}
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", decodeBody(t, resp)["status"])
}

func TestSubmitRun_Distributed(t *testing.T) {
	srv, st := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/runs", map[string]any{
		"definition": echoDefinition(),
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	body := decodeBody(t, resp)
	runID, _ := body["run_id"].(string)
	require.NotEmpty(t, runID)
	assert.Equal(t, "completed", body["state"])

	run, err := st.GetWorkflowState(t.Context(), runID)
	require.NoError(t, err)
	assert.Equal(t, "hi", run.Context["hello"])
}

func TestSubmitRun_Local(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/runs", map[string]any{
		"definition": echoDefinition(),
		"local":      true,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "completed", decodeBody(t, resp)["state"])
}

func TestSubmitRun_RejectsInvalidDefinition(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/runs", map[string]any{
		"definition": map[string]any{
			"steps": []map[string]any{
				{"name": "x", "tool": "no-such-tool"},
			},
		},
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, decodeBody(t, resp)["error"], "not registered")
}

func TestSubmitRun_MissingDefinition(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/runs", map[string]any{"context": map[string]any{}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestGetRun_AndLog(t *testing.T) {
	srv, st := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/runs", map[string]any{"definition": echoDefinition()})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	runID := decodeBody(t, resp)["run_id"].(string)

	getResp, err := http.Get(fmt.Sprintf("%s/api/runs/%s", srv.URL, runID))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, getResp.StatusCode)
	body := decodeBody(t, getResp)
	assert.Equal(t, runID, body["id"])
	assert.Equal(t, "completed", body["state"])

	require.NoError(t, st.AppendLog(t.Context(), runID, "step hello completed"))
	logResp, err := http.Get(fmt.Sprintf("%s/api/runs/%s/log", srv.URL, runID))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, logResp.StatusCode)
	logBody := decodeBody(t, logResp)
	assert.NotEmpty(t, logBody["log"])
}

func TestGetRun_NotFound(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/runs/nope")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestScheduledJobCRUD(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/scheduler", map[string]any{
		"name":            "nightly-report",
		"cron_expression": "0 3 * * *",
		"definition":      echoDefinition(),
		"params":          map[string]any{"source": "s3"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decodeBody(t, resp)
	jobID := created["id"].(string)
	require.NotEmpty(t, jobID)
	assert.NotNil(t, created["next_run_at"])

	// Get.
	getResp, err := http.Get(srv.URL + "/api/scheduler/" + jobID)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, getResp.StatusCode)
	assert.Equal(t, "nightly-report", decodeBody(t, getResp)["name"])

	// List.
	listResp, err := http.Get(srv.URL + "/api/scheduler?enabled=true")
	require.NoError(t, err)
	assert.Equal(t, float64(1), decodeBody(t, listResp)["count"])

	// Disable.
	req, err := http.NewRequest(http.MethodPut, srv.URL+"/api/scheduler/"+jobID,
		bytes.NewReader([]byte(`{"enabled":false}`)))
	require.NoError(t, err)
	putResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, putResp.StatusCode)
	putResp.Body.Close()

	listResp, err = http.Get(srv.URL + "/api/scheduler?enabled=true")
	require.NoError(t, err)
	assert.Equal(t, float64(0), decodeBody(t, listResp)["count"])

	// Delete.
	delReq, err := http.NewRequest(http.MethodDelete, srv.URL+"/api/scheduler/"+jobID, nil)
	require.NoError(t, err)
	delResp, err := http.DefaultClient.Do(delReq)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, delResp.StatusCode)
	delResp.Body.Close()

	getResp, err = http.Get(srv.URL + "/api/scheduler/" + jobID)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, getResp.StatusCode)
	getResp.Body.Close()
}

func TestSubmitCorrectedRun(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/runs/corrected", map[string]any{
		"definition": echoDefinition(),
		"policy":     map[string]any{"max_retries": 2},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.NotEmpty(t, body["run_id"])
	assert.Equal(t, "completed", body["state"])
}

func TestCreateJob_RejectsBadCron(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/scheduler", map[string]any{
		"name":            "bad",
		"cron_expression": "every other tuesday",
		"definition":      echoDefinition(),
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, decodeBody(t, resp)["error"], "cron")
}
