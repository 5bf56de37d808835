package main

import (
	"context"
	"time"

	"github.com/nadmax/deskmate/internal/dashboard"
	"github.com/nadmax/deskmate/internal/logging"
	"github.com/nadmax/deskmate/internal/metrics"
)

const (
	metricsInterval    = 10 * time.Second
	metricsWindowHours = 24
)

type runningLister interface {
	Running() []string
}

func startMetricsCollector(ctx context.Context, repo dashboard.StatsRepository, sched runningLister) {
	ticker := time.NewTicker(metricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updateGauges(ctx, repo, sched)
		}
	}
}

func updateGauges(ctx context.Context, repo dashboard.StatsRepository, sched runningLister) {
	metrics.UpdateRunbooksInFlight(len(sched.Running()))

	stats, err := repo.GetTaskStats(ctx, metricsWindowHours)
	if err != nil {
		if ctx.Err() == nil {
			log := logging.Component("server")
			log.Warn().Err(err).Msg("failed to get task stats for metrics")
		}
		return
	}
	metrics.UpdateTaskGauges(stats)
}
