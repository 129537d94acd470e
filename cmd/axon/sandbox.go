package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/axonhq/axon/internal/observability"
	"github.com/axonhq/axon/internal/sandbox"
	"github.com/axonhq/axon/internal/sandbox/service"
)

func buildSandboxCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "sandbox",
		Short: "Start a sandbox pod",
		Long: `Starts a sandbox pod: a warm pool of Firecracker microVMs fronted by an
HTTP execution API. Chat servers route code_interpreter calls here.

Requires KVM access and a configured kernel image and rootfs.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSandbox(cmd.Context(), defaultConfigPath(configPath))
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file (default axon.yaml)")
	return cmd
}

func runSandbox(ctx context.Context, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logger := buildLogger(cfg)
	metrics := observability.NewMetrics()
	_, stopTracer := buildTracer(cfg, "axon-sandbox")
	defer stopTracer()

	logger.Info(ctx, "starting axon sandbox pod",
		"version", version,
		"commit", commit,
		"pool_size", cfg.Sandbox.Pool.Size,
		"listen", fmt.Sprintf("%s:%d", cfg.Sandbox.Host, cfg.Sandbox.Port),
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pool := sandbox.NewFirecrackerPool(cfg.Sandbox, logger, metrics)
	manager := sandbox.NewManager(cfg.Sandbox, pool, logger, metrics)
	if err := manager.Start(ctx); err != nil {
		return fmt.Errorf("failed to start vm manager: %w", err)
	}

	svc := service.New(cfg.Sandbox, manager, logger, metrics)
	errCh := make(chan error, 1)
	go func() {
		errCh <- svc.Start(ctx)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			drainManager(manager, logger)
			return err
		}
	}
	logger.Info(ctx, "shutdown signal received")

	shutdownCtx, shutdownCancel := shutdownContext()
	defer shutdownCancel()
	if err := svc.Shutdown(shutdownCtx); err != nil {
		logger.Error(shutdownCtx, "service shutdown failed", "error", err)
	}
	if err := manager.Close(shutdownCtx); err != nil {
		return fmt.Errorf("vm teardown failed: %w", err)
	}
	return nil
}

func drainManager(manager *sandbox.Manager, logger *observability.Logger) {
	ctx, cancel := shutdownContext()
	defer cancel()
	if err := manager.Close(ctx); err != nil {
		logger.Error(ctx, "vm teardown failed", "error", err)
	}
}
