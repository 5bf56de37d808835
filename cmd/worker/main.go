package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nadmax/deskmate/internal/config"
	"github.com/nadmax/deskmate/internal/invoker"
	"github.com/nadmax/deskmate/internal/logging"
	"github.com/nadmax/deskmate/internal/repository/postgres"
	"github.com/nadmax/deskmate/internal/task"
	"github.com/nadmax/deskmate/internal/worker"
	"github.com/nadmax/deskmate/internal/worker/handlers"
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
		Use:           "deskmate-worker",
		Short:         "Claim queued chat tasks and run them against the runner",
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
	log := logging.Component("worker")

	store, err := postgres.NewStore(cfg.Postgres.DSN)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close postgres store")
		}
	}()

	workerID := cfg.Worker.ID
	if workerID == "" {
		workerID = fmt.Sprintf("worker-%d", time.Now().Unix())
	}

	inv := invoker.NewHTTP(invoker.HTTPConfig{
		URL:     cfg.Invoker.URL,
		APIKey:  cfg.Invoker.APIKey,
		Model:   cfg.Invoker.Model,
		Timeout: cfg.Invoker.Timeout,
	})

	w := worker.NewWorker(workerID, store)
	w.SetPollInterval(cfg.Worker.PollInterval)
	w.RegisterHandler(task.KindChatRun, handlers.ChatRun(inv))

	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Start(ctx)
	}()

	<-ctx.Done()
	log.Info().Str("worker_id", workerID).Msg("shutting down worker")
	w.Stop()
	<-done
	return nil
}
