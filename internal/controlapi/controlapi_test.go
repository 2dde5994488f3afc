package controlapi_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mdasrafkhan/reactor/internal/clock"
	"github.com/mdasrafkhan/reactor/internal/controlapi"
	"github.com/mdasrafkhan/reactor/internal/noderegistry"
	"github.com/mdasrafkhan/reactor/internal/orchestrator"
	"github.com/mdasrafkhan/reactor/internal/queue"
	"github.com/mdasrafkhan/reactor/internal/store"
)

func newTestServer(t *testing.T) (*httptest.Server, store.Store, *controlapi.API) {
	t.Helper()
	logger := zap.NewNop()
	s := store.NewMemory()
	c := clock.NewMock(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	orch := orchestrator.New(s, noderegistry.NewRegistry(logger), c, logger)

	api := controlapi.New(s, orch, queue.NewMemory(3), logger)
	router := mux.NewRouter()
	api.RegisterRoutes(router)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, s, api
}

func seedExecution(t *testing.T, s store.Store, id string, status store.ExecutionStatus) {
	t.Helper()
	_, _, err := s.CreateExecution(context.Background(), &store.Execution{
		ExecutionID: id,
		WorkflowID:  "wf1",
		UserID:      id, // distinct natural keys per seeded row
		TriggerType: "subscription_created",
		TriggerID:   "t1",
		Status:      status,
		State:       store.ExecutionState{Context: map[string]interface{}{}},
	})
	require.NoError(t, err)
}

func postStatus(t *testing.T, srv *httptest.Server, path string) (int, map[string]interface{}) {
	t.Helper()
	resp, err := http.Post(srv.URL+path, "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func TestStatusEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestPauseResumeCancelFlow(t *testing.T) {
	srv, s, _ := newTestServer(t)
	seedExecution(t, s, "exec1", store.ExecutionRunning)

	code, body := postStatus(t, srv, "/executions/exec1/pause")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "paused", body["status"])

	code, body = postStatus(t, srv, "/executions/exec1/resume")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "running", body["status"])

	code, body = postStatus(t, srv, "/executions/exec1/cancel")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "cancelled", body["status"])
}

func TestIllegalTransitionIsConflict(t *testing.T) {
	srv, s, _ := newTestServer(t)
	seedExecution(t, s, "exec1", store.ExecutionFailed)

	code, body := postStatus(t, srv, "/executions/exec1/pause")
	assert.Equal(t, http.StatusConflict, code)
	assert.Contains(t, body["error"], "illegal transition")
}

func TestListExecutions_FiltersByStatus(t *testing.T) {
	srv, s, _ := newTestServer(t)
	seedExecution(t, s, "exec1", store.ExecutionRunning)
	seedExecution(t, s, "exec2", store.ExecutionFailed)

	resp, err := http.Get(srv.URL + "/executions?status=failed")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var listed []store.Execution
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listed))
	require.Len(t, listed, 1)
	assert.Equal(t, "exec2", listed[0].ExecutionID)
}

func TestQueueStatsEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/queues/jobs/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var stats queue.Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, "jobs", stats.Topic)
}

func TestCleanupEndpoint_InvokesHook(t *testing.T) {
	srv, _, api := newTestServer(t)

	invoked := false
	api.OnCleanup(func(ctx context.Context) error {
		invoked = true
		return nil
	})

	code, body := postStatus(t, srv, "/cleanup")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "completed", body["status"])
	assert.True(t, invoked)
}

func TestCleanupEndpoint_NoHookIsAcceptedNoop(t *testing.T) {
	srv, _, _ := newTestServer(t)
	code, body := postStatus(t, srv, "/cleanup")
	assert.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, "no-op", body["status"])
}
