package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/nadmax/deskmate/internal/httputil"
	"github.com/nadmax/deskmate/internal/repository"
	"github.com/nadmax/deskmate/internal/triage"
)

type UpdateStatusRequest struct {
	Status triage.Status `json:"status"`
	Reason string        `json:"reason,omitempty"`
	Notes  string        `json:"notes,omitempty"`
}

type FeedbackRequest struct {
	Kind    string `json:"kind"`
	Reason  string `json:"reason,omitempty"`
	Outcome string `json:"outcome,omitempty"`
	Notes   string `json:"notes,omitempty"`
}

func (a *API) listItems(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := repository.ItemFilter{
		RunbookID: q.Get("runbook_id"),
		Status:    triage.Status(q.Get("status")),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		httputil.WriteJSONError(w, "invalid status", http.StatusBadRequest)
		return
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			httputil.WriteJSONError(w, "invalid limit", http.StatusBadRequest)
			return
		}
		filter.Limit = n
	}

	items, err := a.store.ListItems(r.Context(), filter)
	if err != nil {
		a.log.Error().Err(err).Msg("failed to list triage items")
		httputil.WriteJSONError(w, "failed to list triage items", http.StatusInternalServerError)
		return
	}
	if items == nil {
		items = []*triage.Item{}
	}

	httputil.WriteJSON(w, http.StatusOK, items)
}

// updateItemStatus closes an item and records the decision as feedback for
// later runs of its runbook.
func (a *API) updateItemStatus(w http.ResponseWriter, r *http.Request) {
	var req UpdateStatusRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteJSONError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Status != triage.StatusCompleted && req.Status != triage.StatusDismissed {
		httputil.WriteJSONError(w, "status must be completed or dismissed", http.StatusBadRequest)
		return
	}

	item, err := a.store.UpdateItemStatus(r.Context(), r.PathValue("id"), req.Status)
	if err != nil {
		a.writeItemError(w, err, "failed to update triage item")
		return
	}

	fb := triage.NewFeedback(item, string(req.Status))
	fb.Reason = req.Reason
	fb.Notes = req.Notes
	if err := a.store.AddFeedback(r.Context(), fb); err != nil {
		a.log.Warn().Err(err).Str("item_id", item.ID).Msg("failed to record status feedback")
	}

	httputil.WriteJSON(w, http.StatusOK, item)
}

func (a *API) addFeedback(w http.ResponseWriter, r *http.Request) {
	var req FeedbackRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteJSONError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Kind == "" {
		httputil.WriteJSONError(w, "kind is required", http.StatusBadRequest)
		return
	}

	item, err := a.store.GetItem(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeItemError(w, err, "failed to load triage item")
		return
	}

	fb := triage.NewFeedback(item, req.Kind)
	fb.Reason = req.Reason
	fb.Outcome = req.Outcome
	fb.Notes = req.Notes
	if err := a.store.AddFeedback(r.Context(), fb); err != nil {
		a.log.Error().Err(err).Str("item_id", item.ID).Msg("failed to add feedback")
		httputil.WriteJSONError(w, "failed to add feedback", http.StatusInternalServerError)
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, fb)
}

func (a *API) writeItemError(w http.ResponseWriter, err error, msg string) {
	if errors.Is(err, repository.ErrNotFound) {
		httputil.WriteJSONError(w, "Item not found", http.StatusNotFound)
		return
	}
	a.log.Error().Err(err).Msg(msg)
	httputil.WriteJSONError(w, msg, http.StatusInternalServerError)
}
