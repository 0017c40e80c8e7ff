// Command antcode-master runs the Master process: the Worker Registry,
// the Crawl Multi-Priority Queue's dispatch loop, and the Transport
// Gateway's Worker-facing gRPC surface (spec.md §4.6, §4.8, §4.11),
// wired the way solver-svc/cmd/main.go assembles its own service
// process and C360Studio-semspec/cmd/semspec/main.go drives it through
// cobra with a signal-cancelled context.
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
	pkgserver "antcode/pkg/server"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "antcode-master: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "antcode-master",
		Short: "Run the antcode Master process",
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

	master, err := wiring.NewMasterContainer(ctx, cfg, nil, m, slogLogger)
	if err != nil {
		return fmt.Errorf("build master container: %w", err)
	}

	// The admin surface reuses pkg/server's health/audit/rate-limit gRPC
	// server on its own port, separate from the Gateway's Worker-facing
	// listener, so a single binary gets both without the two interceptor
	// chains (auth-keyed vs operator-facing) colliding on one *grpc.Server.
	adminCfg := *cfg
	adminCfg.GRPC.Port = cfg.GRPC.AdminPort
	admin := pkgserver.New(&adminCfg)

	errCh := make(chan error, 2)
	go func() {
		slogLogger.Info("gateway listening", "addr", fmt.Sprintf(":%d", cfg.GRPC.Port))
		if err := master.Gateway.Serve(); err != nil {
			errCh <- fmt.Errorf("gateway server: %w", err)
		}
	}()
	go func() {
		if err := admin.Run(); err != nil {
			errCh <- fmt.Errorf("admin server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		slogLogger.Info("shutdown signal received")
	case err := <-errCh:
		slogLogger.Error("server failed", "error", err)
	}

	master.Gateway.Stop()
	return master.Shutdown()
}
