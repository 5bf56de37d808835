package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/nadmax/deskmate/internal/httputil"
	"github.com/nadmax/deskmate/internal/repository"
	"github.com/nadmax/deskmate/internal/task"
)

// ResumeCursor returns the id after which a connection should resume: the
// Last-Event-ID header when present, else the "after" query parameter.
func ResumeCursor(r *http.Request) (int64, error) {
	raw := strings.TrimSpace(r.Header.Get("Last-Event-ID"))
	if raw == "" {
		raw = strings.TrimSpace(r.URL.Query().Get("after"))
	}
	if raw == "" {
		return 0, nil
	}

	after, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || after < 0 {
		return 0, fmt.Errorf("invalid event cursor %q", raw)
	}
	return after, nil
}

// ServeTaskEvents handles GET /tasks/{id}/events.
func (h *Hub) ServeTaskEvents(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	if taskID == "" {
		httputil.WriteJSONError(w, "task id required", http.StatusBadRequest)
		return
	}

	after, err := ResumeCursor(r)
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if _, err := h.source.GetTask(r.Context(), taskID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			httputil.WriteJSONError(w, "task not found", http.StatusNotFound)
			return
		}
		httputil.WriteJSONError(w, "failed to load task", http.StatusInternalServerError)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.WriteJSONError(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	emit := func(ev task.TaskEvent) error {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "id: %d\ndata: %s\n\n", ev.ID, data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}
	heartbeat := func() error {
		if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	err = h.Stream(r.Context(), taskID, after, emit, heartbeat)
	if err != nil && r.Context().Err() == nil {
		h.log.Warn().Err(err).Str("task_id", taskID).Msg("event stream ended with error")
	}
}
