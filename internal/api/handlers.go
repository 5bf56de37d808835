// Package api exposes the task log, runbooks and triage items over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/nadmax/deskmate/internal/dashboard"
	"github.com/nadmax/deskmate/internal/httputil"
	"github.com/nadmax/deskmate/internal/logging"
	"github.com/nadmax/deskmate/internal/metrics"
	"github.com/nadmax/deskmate/internal/repository"
	"github.com/nadmax/deskmate/internal/runbook"
	"github.com/nadmax/deskmate/internal/stream"
	"github.com/nadmax/deskmate/internal/task"
	"github.com/rs/zerolog"
)

// Triggerer starts runbook runs through the scheduler's single-flight guard.
type Triggerer interface {
	Trigger(ctx context.Context, id string) error
	InFlight(id string) bool
}

type Deps struct {
	Store     repository.Store
	Runbooks  runbook.Source
	Scheduler Triggerer
	Hub       *stream.Hub
	Cancels   *task.Cancels
	// Metrics is mounted on /metrics when set.
	Metrics http.Handler
}

type API struct {
	store     repository.Store
	runbooks  runbook.Source
	scheduler Triggerer
	hub       *stream.Hub
	cancels   *task.Cancels
	mux       *http.ServeMux
	log       zerolog.Logger
}

type CreateTaskRequest struct {
	Kind  string         `json:"kind"`
	Input map[string]any `json:"input"`
}

type TaskResponse struct {
	ID     string      `json:"id"`
	Kind   string      `json:"kind"`
	Status task.Status `json:"status"`
}

type CancelResponse struct {
	Canceled bool `json:"canceled"`
}

func NewAPI(deps Deps) *API {
	cancels := deps.Cancels
	if cancels == nil {
		cancels = task.NewCancels()
	}

	api := &API{
		store:     deps.Store,
		runbooks:  deps.Runbooks,
		scheduler: deps.Scheduler,
		hub:       deps.Hub,
		cancels:   cancels,
		mux:       http.NewServeMux(),
		log:       logging.Component("api"),
	}

	api.setupRoutes(deps.Metrics)
	return api
}

func (a *API) setupRoutes(metricsHandler http.Handler) {
	a.mux.HandleFunc("POST /tasks", a.createTask)
	a.mux.HandleFunc("GET /tasks/{id}", a.getTask)
	a.mux.HandleFunc("POST /tasks/{id}/cancel", a.cancelTask)
	if a.hub != nil {
		a.mux.HandleFunc("GET /tasks/{id}/events", a.hub.ServeTaskEvents)
	}

	a.mux.HandleFunc("GET /runbooks", a.listRunbooks)
	a.mux.HandleFunc("POST /runbooks/{id}/run", a.triggerRunbook)
	a.mux.HandleFunc("GET /runbooks/{id}/runs", a.listRuns)

	a.mux.HandleFunc("GET /triage", a.listItems)
	a.mux.HandleFunc("POST /triage/{id}/status", a.updateItemStatus)
	a.mux.HandleFunc("POST /triage/{id}/feedback", a.addFeedback)

	dash := dashboard.NewDashboard(a.store)
	a.mux.HandleFunc("GET /dashboard/stats", dash.GetStats)
	a.mux.HandleFunc("GET /dashboard/history", dash.GetRecentTasks)

	a.mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if metricsHandler != nil {
		a.mux.Handle("GET /metrics", metricsHandler)
	}
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mux.ServeHTTP(w, r)
}

func (a *API) createTask(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if err := r.Body.Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to close request body")
		}
	}()

	var req CreateTaskRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteJSONError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	if req.Kind == "" {
		req.Kind = task.KindChatRun
	}
	if req.Kind == task.KindRunbookRun {
		httputil.WriteJSONError(w, "runbook runs are started through /runbooks/{id}/run", http.StatusBadRequest)
		return
	}
	if req.Kind == task.KindChatRun {
		if prompt, _ := req.Input["prompt"].(string); prompt == "" {
			httputil.WriteJSONError(w, "input.prompt is required", http.StatusBadRequest)
			return
		}
	}

	t, err := a.store.CreateTask(r.Context(), req.Kind, req.Input, task.StatusQueued)
	if err != nil {
		a.log.Error().Err(err).Str("kind", req.Kind).Msg("failed to create task")
		httputil.WriteJSONError(w, "failed to create task", http.StatusInternalServerError)
		return
	}
	metrics.RecordTaskCreated(t.Kind)

	if _, err := a.store.AppendEvent(r.Context(), t.ID, task.StatusEvent{Status: string(task.StatusQueued)}); err != nil {
		a.log.Warn().Err(err).Str("task_id", t.ID).Msg("failed to append queued status")
	}

	a.log.Info().Str("task_id", t.ID).Str("kind", t.Kind).Msg("task created")
	httputil.WriteJSON(w, http.StatusCreated, t)
}

func (a *API) getTask(w http.ResponseWriter, r *http.Request) {
	t, ok := a.loadTask(w, r)
	if !ok {
		return
	}

	httputil.WriteJSON(w, http.StatusOK, TaskResponse{ID: t.ID, Kind: t.Kind, Status: t.Status})
}

func (a *API) cancelTask(w http.ResponseWriter, r *http.Request) {
	t, ok := a.loadTask(w, r)
	if !ok {
		return
	}

	canceled, err := a.store.Cancel(r.Context(), t.ID, "canceled by user")
	if err != nil {
		a.log.Error().Err(err).Str("task_id", t.ID).Msg("failed to cancel task")
		httputil.WriteJSONError(w, "failed to cancel task", http.StatusInternalServerError)
		return
	}

	if canceled {
		a.cancels.Cancel(t.ID)
		if a.hub != nil {
			a.hub.Notify(t.ID)
		}
		var elapsed time.Duration
		if t.StartedAt != nil {
			elapsed = time.Since(*t.StartedAt)
		}
		metrics.RecordTaskFinished(t.Kind, task.StatusCanceled, elapsed)
		a.log.Info().Str("task_id", t.ID).Msg("task canceled")
	}

	httputil.WriteJSON(w, http.StatusOK, CancelResponse{Canceled: canceled})
}

func (a *API) loadTask(w http.ResponseWriter, r *http.Request) (*task.Task, bool) {
	taskID := r.PathValue("id")
	if taskID == "" {
		httputil.WriteJSONError(w, "Task ID is required", http.StatusBadRequest)
		return nil, false
	}

	t, err := a.store.GetTask(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			httputil.WriteJSONError(w, "Task not found", http.StatusNotFound)
			return nil, false
		}
		a.log.Error().Err(err).Str("task_id", taskID).Msg("failed to load task")
		httputil.WriteJSONError(w, "failed to load task", http.StatusInternalServerError)
		return nil, false
	}
	return t, true
}
