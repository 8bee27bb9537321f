package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/t77yq/animus/internal/datastore"
	"github.com/t77yq/animus/internal/events"
	"github.com/t77yq/animus/internal/monitor"
	"github.com/t77yq/animus/internal/orchestrator"
	"github.com/t77yq/animus/internal/registry"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the orchestrator until interrupted",
	Long: `Start the orchestrator over the configured task store.

On start the store is scanned and every task that was runnable when the process
last stopped is resumed. New task documents written into the store, or
submitted over NATS when enabled, are picked up while running.`,
	Args: cobra.NoArgs,
	RunE: runOrchestrator,
}

func runOrchestrator(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore()
	if err != nil {
		return err
	}
	reg, err := registry.NewOsRegistry(cfg.Registry.Path, logger)
	if err != nil {
		return fmt.Errorf("failed to load tool registry: %w", err)
	}
	lookup := datastore.NewOsDataStore(cfg.Data.Path, logger)

	opts := []orchestrator.Option{orchestrator.WithMaxConcurrent(cfg.Orchestrator.MaxConcurrent)}

	if cfg.History.Enabled {
		history, err := openHistory()
		if err != nil {
			return err
		}
		defer history.Close()
		opts = append(opts, orchestrator.WithHistory(history))

		janitor, err := monitor.NewHistoryJanitor(history, cfg.History.Retention, cfg.History.CleanupSchedule, logger)
		if err != nil {
			return err
		}
		janitor.Start()
		defer janitor.Stop()
	}

	var (
		intake *events.Intake
		js     nats.JetStreamContext
	)
	if cfg.NATS.Enabled {
		conn, bus, err := connectNATS(cfg.NATS)
		if err != nil {
			return err
		}
		defer conn.Close()

		js = bus
		pub, err := events.NewNATSPublisher(js, logger)
		if err != nil {
			return err
		}
		opts = append(opts, orchestrator.WithPublisher(pub))
		intake = events.NewIntake(js, store, logger)
	}

	orch := orchestrator.New(store, reg, newLoader(), lookup, logger, opts...)
	if err := orch.Start(ctx); err != nil {
		return err
	}
	defer orch.Stop()

	if intake != nil {
		if err := intake.Start(ctx); err != nil {
			return err
		}
		defer intake.Stop()
	}

	collector := monitor.NewMetricsCollector(js, orch, cfg.Metrics.Interval, logger)
	if err := collector.Start(ctx); err != nil {
		return err
	}
	defer collector.Stop()

	logger.Info("Animus running",
		zap.String("store", store.Root()),
		zap.Int("tools", reg.Len()),
		zap.Bool("nats", cfg.NATS.Enabled),
		zap.Bool("history", cfg.History.Enabled))

	<-ctx.Done()
	logger.Info("Received shutdown signal, waiting for running tasks")
	return nil
}
