package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/nadmax/deskmate/internal/httputil"
	"github.com/nadmax/deskmate/internal/runbook"
	"github.com/nadmax/deskmate/internal/scheduler"
)

type RunbookView struct {
	runbook.Definition
	State    *runbook.State `json:"state,omitempty"`
	InFlight bool           `json:"in_flight"`
}

func (a *API) listRunbooks(w http.ResponseWriter, r *http.Request) {
	defs, err := a.runbooks.List(r.Context())
	if err != nil {
		a.log.Error().Err(err).Msg("failed to list runbooks")
		httputil.WriteJSONError(w, "failed to list runbooks", http.StatusInternalServerError)
		return
	}

	states, err := a.store.ListStates(r.Context())
	if err != nil {
		a.log.Error().Err(err).Msg("failed to list runbook states")
		httputil.WriteJSONError(w, "failed to list runbook states", http.StatusInternalServerError)
		return
	}
	byID := make(map[string]*runbook.State, len(states))
	for _, st := range states {
		byID[st.RunbookID] = st
	}

	views := make([]RunbookView, 0, len(defs))
	for _, def := range defs {
		view := RunbookView{Definition: def, State: byID[def.ID]}
		if a.scheduler != nil {
			view.InFlight = a.scheduler.InFlight(def.ID)
		}
		views = append(views, view)
	}

	httputil.WriteJSON(w, http.StatusOK, views)
}

func (a *API) triggerRunbook(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if a.scheduler == nil {
		httputil.WriteJSONError(w, "scheduler not available", http.StatusServiceUnavailable)
		return
	}

	err := a.scheduler.Trigger(r.Context(), id)
	switch {
	case errors.Is(err, scheduler.ErrUnknownRunbook):
		httputil.WriteJSONError(w, "Runbook not found", http.StatusNotFound)
		return
	case errors.Is(err, scheduler.ErrInFlight):
		httputil.WriteJSONError(w, "runbook run already in flight", http.StatusConflict)
		return
	case err != nil:
		a.log.Error().Err(err).Str("runbook_id", id).Msg("failed to trigger runbook")
		httputil.WriteJSONError(w, "failed to trigger runbook", http.StatusInternalServerError)
		return
	}

	a.log.Info().Str("runbook_id", id).Msg("runbook triggered manually")
	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{
		"runbook_id": id,
		"status":     "started",
	})
}

func (a *API) listRuns(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			httputil.WriteJSONError(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	runs, err := a.store.ListRuns(r.Context(), id, limit)
	if err != nil {
		a.log.Error().Err(err).Str("runbook_id", id).Msg("failed to list runs")
		httputil.WriteJSONError(w, "failed to list runs", http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []*runbook.Run{}
	}

	httputil.WriteJSON(w, http.StatusOK, runs)
}
