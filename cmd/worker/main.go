// Command antcode-worker runs a single Worker Execution Engine instance:
// runtime resolution, process execution, the log pipeline, the scheduler
// FSM and the heartbeat reporter (spec.md §4.1-§4.4, §4.7), assembled by
// internal/wiring.NewWorkerContainer and driven through cobra the way
// C360Studio-semspec/cmd/semspec/main.go drives its own app lifecycle
// from a signal-cancelled context.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"antcode/internal/wiring"
	"antcode/pkg/config"
	"antcode/pkg/logger"
	"antcode/pkg/metrics"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "antcode-worker: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "antcode-worker",
		Short: "Run an antcode Worker Execution Engine instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to config.yaml (overrides the default search path)")
	return cmd
}

func run(ctx context.Context, configPath string) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var opts []config.LoaderOption
	if configPath != "" {
		opts = append(opts, config.WithConfigPaths(configPath))
	}
	cfg, err := config.NewLoader(opts...).Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger.InitWithConfig(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		FilePath:   cfg.Log.FilePath,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
	})
	slogLogger := slog.New(logger.Log.Handler())

	m := metrics.InitMetrics(cfg.Metrics.Namespace, cfg.Metrics.Subsystem)

	worker, err := wiring.NewWorkerContainer(ctx, cfg, configPath, m, slogLogger)
	if err != nil {
		return fmt.Errorf("build worker container: %w", err)
	}

	slogLogger.Info("worker starting", "worker_id", cfg.Worker.WorkerID)
	return worker.Run(ctx)
}
