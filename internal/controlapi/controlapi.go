// Package controlapi exposes the start/stop/pause/resume/cancel and
// status/list surface over HTTP, via a single
// RegisterRoutes(*mux.Router) method.
package controlapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/mdasrafkhan/reactor/internal/orchestrator"
	"github.com/mdasrafkhan/reactor/internal/queue"
	"github.com/mdasrafkhan/reactor/internal/store"
)

// API implements the execution control surface.
type API struct {
	store     store.Store
	orch      *orchestrator.Orchestrator
	queue     queue.Queue
	logger    *zap.Logger
	onCleanup func(context.Context) error
}

func New(s store.Store, orch *orchestrator.Orchestrator, q queue.Queue, logger *zap.Logger) *API {
	return &API{store: s, orch: orch, queue: q, logger: logger}
}

// OnCleanup registers the hook POST /cleanup invokes. Set at
// the composition root to the Recovery pass's Run method, avoiding an
// import cycle (recovery depends on orchestrator, which this package also
// depends on).
func (a *API) OnCleanup(fn func(context.Context) error) {
	a.onCleanup = fn
}

// RegisterRoutes wires every control-surface route onto r.
func (a *API) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/status", a.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/queues/{name}/stats", a.handleQueueStats).Methods(http.MethodGet)
	r.HandleFunc("/executions", a.handleListExecutions).Methods(http.MethodGet)
	r.HandleFunc("/executions/{id}/start", a.handleStart).Methods(http.MethodPost)
	r.HandleFunc("/executions/{id}/stop", a.handleStop).Methods(http.MethodPost)
	r.HandleFunc("/executions/{id}/pause", a.handlePause).Methods(http.MethodPost)
	r.HandleFunc("/executions/{id}/resume", a.handleResume).Methods(http.MethodPost)
	r.HandleFunc("/executions/{id}/cancel", a.handleCancel).Methods(http.MethodPost)
	r.HandleFunc("/cleanup", a.handleCleanup).Methods(http.MethodPost)
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Error("controlapi: encode response", zap.Error(err))
	}
}

func (a *API) writeError(w http.ResponseWriter, status int, err error) {
	a.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]interface{}{"status": "healthy"})
}

// handleQueueStats serves `GET /queues/:name/stats`, reading
// the live prometheus vectors the `/metrics` scrape endpoint also exposes.
func (a *API) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	a.writeJSON(w, http.StatusOK, queue.GetStats(name))
}

func (a *API) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.ExecutionFilter{
		WorkflowID:  q.Get("workflowId"),
		UserID:      q.Get("userId"),
		Status:      store.ExecutionStatus(q.Get("status")),
		TriggerType: q.Get("triggerType"),
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Offset = n
		}
	}

	executions, err := a.store.ListExecutions(r.Context(), filter)
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, err)
		return
	}
	a.writeJSON(w, http.StatusOK, executions)
}

func (a *API) handleStart(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	exec, err := a.store.GetExecution(r.Context(), id)
	if err != nil {
		a.writeError(w, http.StatusNotFound, err)
		return
	}
	a.writeJSON(w, http.StatusOK, exec)
}

func (a *API) handleStop(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	exec, err := a.orch.Stop(r.Context(), id)
	if err != nil {
		a.writeError(w, http.StatusConflict, err)
		return
	}
	a.writeJSON(w, http.StatusOK, exec)
}

func (a *API) handlePause(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	exec, err := a.orch.Pause(r.Context(), id)
	if err != nil {
		a.writeError(w, http.StatusConflict, err)
		return
	}
	a.writeJSON(w, http.StatusOK, exec)
}

func (a *API) handleResume(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	exec, err := a.orch.ResumeControl(r.Context(), id)
	if err != nil {
		a.writeError(w, http.StatusConflict, err)
		return
	}
	a.writeJSON(w, http.StatusOK, exec)
}

func (a *API) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	exec, err := a.orch.Cancel(r.Context(), id)
	if err != nil {
		a.writeError(w, http.StatusConflict, err)
		return
	}
	a.writeJSON(w, http.StatusOK, exec)
}

// handleCleanup triggers an out-of-band recovery pass.
// Wiring to internal/recovery happens at the
// composition root to avoid an import cycle (recovery depends on
// orchestrator, which this package also depends on).
func (a *API) handleCleanup(w http.ResponseWriter, r *http.Request) {
	if a.onCleanup == nil {
		a.writeJSON(w, http.StatusAccepted, map[string]string{"status": "no-op"})
		return
	}
	if err := a.onCleanup(r.Context()); err != nil {
		a.writeError(w, http.StatusInternalServerError, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}
