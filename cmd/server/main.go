package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nadmax/deskmate/internal/api"
	"github.com/nadmax/deskmate/internal/config"
	"github.com/nadmax/deskmate/internal/executor"
	"github.com/nadmax/deskmate/internal/invoker"
	"github.com/nadmax/deskmate/internal/lease"
	"github.com/nadmax/deskmate/internal/logging"
	"github.com/nadmax/deskmate/internal/middleware"
	"github.com/nadmax/deskmate/internal/notify"
	"github.com/nadmax/deskmate/internal/repository/postgres"
	"github.com/nadmax/deskmate/internal/runbook"
	"github.com/nadmax/deskmate/internal/scheduler"
	"github.com/nadmax/deskmate/internal/stream"
	"github.com/nadmax/deskmate/internal/task"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
		pretty     bool
	)

	cmd := &cobra.Command{
		Use:   "deskmate-server",
		Short: "Serve the task API and run scheduled runbooks",
		Long: `deskmate-server exposes the task log, event streams, runbooks and
triage items over HTTP, and fires due runbooks on a fixed tick.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}
			if cmd.Flags().Changed("pretty") {
				cfg.LogPretty = pretty
			}
			logging.Setup(cfg.LogLevel, cfg.LogPretty)

			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to a YAML config file")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	cmd.Flags().BoolVar(&pretty, "pretty", false, "Human-readable console logs")
	return cmd
}

func run(ctx context.Context, cfg *config.Config) error {
	log := logging.Component("server")

	store, err := postgres.NewStore(cfg.Postgres.DSN)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close postgres store")
		}
	}()
	if err := store.Migrate(ctx); err != nil {
		return err
	}

	hub := stream.NewHub(store, stream.Config{
		PollInterval: cfg.Stream.PollInterval,
		Heartbeat:    cfg.Stream.Heartbeat,
		BatchSize:    cfg.Stream.BatchSize,
	})
	cancels := task.NewCancels()

	inv := invoker.NewHTTP(invoker.HTTPConfig{
		URL:     cfg.Invoker.URL,
		APIKey:  cfg.Invoker.APIKey,
		Model:   cfg.Invoker.Model,
		Timeout: cfg.Invoker.Timeout,
	})

	execOpts := []executor.Option{executor.WithPublisher(hub), executor.WithCancels(cancels)}
	digestCfg := notify.Config{
		APIKey:      cfg.Notify.SendGridAPIKey,
		FromName:    cfg.Notify.FromName,
		FromAddress: cfg.Notify.FromAddress,
		To:          cfg.Notify.To,
	}
	if digestCfg.Enabled() {
		digest, err := notify.NewDigest(digestCfg)
		if err != nil {
			return err
		}
		execOpts = append(execOpts, executor.WithNotifier(digest))
		log.Info().Str("to", digestCfg.To).Msg("digest notifications enabled")
	}
	exec := executor.New(store, inv, executor.Config{FeedbackWindow: cfg.Runbooks.FeedbackWindow}, execOpts...)

	source := runbook.NewDirSource(cfg.Runbooks.Dir)
	schedOpts := []scheduler.Option{scheduler.WithInterval(cfg.Scheduler.TickInterval)}
	if cfg.Redis.Addr != "" {
		locker, err := lease.NewRedis(cfg.Redis.Addr, cfg.Redis.LeaseTTL)
		if err != nil {
			return err
		}
		defer func() {
			if err := locker.Close(); err != nil {
				log.Warn().Err(err).Msg("failed to close redis lease")
			}
		}()
		schedOpts = append(schedOpts, scheduler.WithLocker(locker))
		log.Info().Str("addr", cfg.Redis.Addr).Msg("runbook lease enabled")
	} else {
		log.Warn().Msg("no redis configured: single-flight only holds within this process")
	}
	sched := scheduler.New(source, store, exec, schedOpts...)

	apiHandler := api.NewAPI(api.Deps{
		Store:     store,
		Runbooks:  source,
		Scheduler: sched,
		Hub:       hub,
		Cancels:   cancels,
		Metrics:   promhttp.Handler(),
	})

	baseCtx, cancelRequests := context.WithCancel(context.Background())
	defer cancelRequests()

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           middleware.MetricsMiddleware(apiHandler),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}
	// Event streams never go idle on their own.
	srv.RegisterOnShutdown(cancelRequests)

	loopCtx, stopLoop := context.WithCancel(ctx)
	defer stopLoop()
	sched.Start(loopCtx)
	go startMetricsCollector(loopCtx, store, sched)

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Str("runbooks_dir", cfg.Runbooks.Dir).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case serveErr = <-errCh:
		log.Error().Err(serveErr).Msg("http server failed")
	}

	stopLoop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http server shutdown incomplete")
	}
	if err := sched.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Strs("runbooks", sched.Running()).Msg("runbook runs canceled at shutdown")
	}

	log.Info().Msg("server stopped")
	return serveErr
}
