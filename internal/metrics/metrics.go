// Package metrics provides Prometheus metrics for the task log, runbook runs,
// the scheduler and the event stream.
package metrics

import (
	"time"

	"github.com/nadmax/deskmate/internal/repository/models"
	"github.com/nadmax/deskmate/internal/task"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TasksCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deskmate_tasks_created_total",
			Help: "Total number of tasks created",
		},
		[]string{"kind"},
	)
	TasksFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deskmate_tasks_finished_total",
			Help: "Total number of tasks that reached a terminal status",
		},
		[]string{"kind", "status"},
	)
	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "deskmate_task_duration_seconds",
			Help:    "Task execution duration in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"kind", "status"},
	)
	RunbookRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deskmate_runbook_runs_total",
			Help: "Total number of runbook runs by outcome",
		},
		[]string{"runbook", "status"},
	)
	RunbookRunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "deskmate_runbook_run_duration_seconds",
			Help:    "Runbook run duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"runbook"},
	)
	OutputParseFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deskmate_output_parse_failures_total",
			Help: "Runbook runs whose output contained no structured result",
		},
		[]string{"runbook"},
	)
	TriageItems = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deskmate_triage_items_total",
			Help: "Triage items returned by runs, by kind and whether they were new",
		},
		[]string{"kind", "result"},
	)
	TriageItemsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deskmate_triage_items_dropped_total",
			Help: "Malformed triage items dropped during extraction",
		},
	)
	SchedulerTicks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deskmate_scheduler_ticks_total",
			Help: "Total number of scheduler ticks",
		},
	)
	RunbooksTriggered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deskmate_runbooks_triggered_total",
			Help: "Runbooks fired by the scheduler or a manual trigger",
		},
		[]string{"runbook"},
	)
	RunbooksSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deskmate_runbooks_skipped_total",
			Help: "Runbooks not fired on a tick, by reason",
		},
		[]string{"reason"},
	)
	StreamSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "deskmate_stream_subscribers",
			Help: "Number of currently attached event stream subscribers",
		},
	)
	EventsStreamed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deskmate_events_streamed_total",
			Help: "Total number of task events written to subscribers",
		},
	)
	TasksByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "deskmate_tasks",
			Help: "Tasks created in the last day, by kind and current status",
		},
		[]string{"kind", "status"},
	)
	RunbooksInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "deskmate_runbooks_in_flight",
			Help: "Number of runbooks with a run in progress in this process",
		},
	)
	WorkersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "deskmate_workers_active",
			Help: "Number of handlers currently executing a claimed task",
		},
	)
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deskmate_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "deskmate_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)
)

func RecordTaskCreated(kind string) {
	TasksCreated.WithLabelValues(kind).Inc()
}

func RecordTaskFinished(kind string, status task.Status, duration time.Duration) {
	TasksFinished.WithLabelValues(kind, string(status)).Inc()
	TaskDuration.WithLabelValues(kind, string(status)).Observe(duration.Seconds())
}

func RecordRunbookRun(runbookID, status string, duration time.Duration) {
	RunbookRuns.WithLabelValues(runbookID, status).Inc()
	RunbookRunDuration.WithLabelValues(runbookID).Observe(duration.Seconds())
}

func RecordOutputParseFailure(runbookID string) {
	OutputParseFailures.WithLabelValues(runbookID).Inc()
}

func RecordTriageItem(kind string, created bool) {
	result := "duplicate"
	if created {
		result = "created"
	}
	TriageItems.WithLabelValues(kind, result).Inc()
}

func RecordTriageItemsDropped(n int) {
	TriageItemsDropped.Add(float64(n))
}

func RecordSchedulerTick() {
	SchedulerTicks.Inc()
}

func RecordRunbookTriggered(runbookID string) {
	RunbooksTriggered.WithLabelValues(runbookID).Inc()
}

func RecordRunbookSkipped(reason string) {
	RunbooksSkipped.WithLabelValues(reason).Inc()
}

func SubscriberAttached() {
	StreamSubscribers.Inc()
}

func SubscriberDetached() {
	StreamSubscribers.Dec()
}

func RecordEventsStreamed(n int) {
	EventsStreamed.Add(float64(n))
}

// UpdateTaskGauges replaces the task gauges with a fresh snapshot.
func UpdateTaskGauges(stats []models.TaskStats) {
	TasksByStatus.Reset()
	for _, s := range stats {
		TasksByStatus.WithLabelValues(s.Kind, s.Status).Set(float64(s.Count))
	}
}

func UpdateRunbooksInFlight(n int) {
	RunbooksInFlight.Set(float64(n))
}

func UpdateActiveWorkers(count int) {
	WorkersActive.Set(float64(count))
}

func RecordHTTPRequest(method, endpoint, status string, duration time.Duration) {
	HTTPRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}
