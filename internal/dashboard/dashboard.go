// Package dashboard serves task statistics and recent history for monitoring.
package dashboard

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/nadmax/deskmate/internal/httputil"
	"github.com/nadmax/deskmate/internal/logging"
	"github.com/nadmax/deskmate/internal/repository/models"
	"github.com/rs/zerolog"
)

const (
	defaultHours = 24
	maxHours     = 24 * 30
	defaultLimit = 50
	maxLimit     = 500
)

type StatsRepository interface {
	GetTaskStats(ctx context.Context, hours int) ([]models.TaskStats, error)
	GetRecentTasks(ctx context.Context, limit int) ([]models.RecentTask, error)
}

type Dashboard struct {
	repo StatsRepository
	log  zerolog.Logger
}

type Stats struct {
	WindowHours    int                `json:"window_hours"`
	TotalTasks     int                `json:"total_tasks"`
	QueuedTasks    int                `json:"queued_tasks"`
	RunningTasks   int                `json:"running_tasks"`
	OKTasks        int                `json:"ok_tasks"`
	ErrorTasks     int                `json:"error_tasks"`
	CanceledTasks  int                `json:"canceled_tasks"`
	TasksByKind    map[string]int     `json:"tasks_by_kind"`
	Breakdown      []models.TaskStats `json:"breakdown"`
	AverageRunTime string             `json:"average_run_time"`
	LastUpdated    time.Time          `json:"last_updated"`
}

func NewDashboard(repo StatsRepository) *Dashboard {
	return &Dashboard{repo: repo, log: logging.Component("dashboard")}
}

func (d *Dashboard) GetStats(w http.ResponseWriter, r *http.Request) {
	hours := intParam(r, "hours", defaultHours, maxHours)

	rows, err := d.repo.GetTaskStats(r.Context(), hours)
	if err != nil {
		d.log.Error().Err(err).Msg("failed to load task stats")
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	stats := Stats{
		WindowHours: hours,
		TasksByKind: make(map[string]int),
		Breakdown:   rows,
		LastUpdated: time.Now(),
	}
	if stats.Breakdown == nil {
		stats.Breakdown = []models.TaskStats{}
	}

	var weighted float64
	finished := 0
	for _, row := range rows {
		stats.TotalTasks += row.Count
		stats.TasksByKind[row.Kind] += row.Count

		switch row.Status {
		case "queued":
			stats.QueuedTasks += row.Count
		case "running":
			stats.RunningTasks += row.Count
		case "ok":
			stats.OKTasks += row.Count
		case "error":
			stats.ErrorTasks += row.Count
		case "canceled":
			stats.CanceledTasks += row.Count
		}

		if row.AvgDurationMs > 0 {
			weighted += row.AvgDurationMs * float64(row.Count)
			finished += row.Count
		}
	}

	if finished > 0 {
		avg := time.Duration(weighted/float64(finished)) * time.Millisecond
		stats.AverageRunTime = avg.Round(time.Millisecond).String()
	} else {
		stats.AverageRunTime = "N/A"
	}

	httputil.WriteJSON(w, http.StatusOK, stats)
}

func (d *Dashboard) GetRecentTasks(w http.ResponseWriter, r *http.Request) {
	limit := intParam(r, "limit", defaultLimit, maxLimit)

	history, err := d.repo.GetRecentTasks(r.Context(), limit)
	if err != nil {
		d.log.Error().Err(err).Msg("failed to load recent tasks")
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if history == nil {
		history = []models.RecentTask{}
	}

	httputil.WriteJSON(w, http.StatusOK, history)
}

// intParam reads a positive integer query parameter, falling back to def
// when absent or invalid and capping at max.
func intParam(r *http.Request, name string, def, max int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil || v <= 0 {
		return def
	}
	if v > max {
		return max
	}
	return v
}
