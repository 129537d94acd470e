package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/axonhq/axon/internal/artifacts"
	"github.com/axonhq/axon/internal/config"
	"github.com/axonhq/axon/internal/guardrails"
	"github.com/axonhq/axon/internal/hitl"
	"github.com/axonhq/axon/internal/hooks"
	"github.com/axonhq/axon/internal/memory"
	"github.com/axonhq/axon/internal/observability"
	"github.com/axonhq/axon/internal/providers"
	"github.com/axonhq/axon/internal/sandbox/client"
	"github.com/axonhq/axon/internal/server"
	"github.com/axonhq/axon/internal/threads"
	"github.com/axonhq/axon/internal/tools"
)

func buildServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the chat server",
		Long: `Starts the chat-facing HTTP server: thread CRUD, SSE chat streaming,
human-in-the-loop responses, and feedback capture. Code execution is delegated
to sandbox pods when sandbox endpoints are configured.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), defaultConfigPath(configPath))
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file (default axon.yaml)")
	return cmd
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logger := buildLogger(cfg)
	metrics := observability.NewMetrics()
	tracer, stopTracer := buildTracer(cfg, "axon-server")
	defer stopTracer()

	logger.Info(ctx, "starting axon chat server",
		"version", version,
		"commit", commit,
		"config", configPath,
		"database", cfg.Server.Database.Driver,
		"provider", cfg.Providers.Default,
	)

	store, err := openThreadStore(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to open thread store: %w", err)
	}
	defer store.Close()

	sessions, maintenance, err := openSessionStore(cfg, logger, metrics)
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	if maintenance != nil {
		if err := maintenance.Start(); err != nil {
			return fmt.Errorf("failed to start session maintenance: %w", err)
		}
		defer maintenance.Stop()
	}

	model, err := providers.New(ctx, cfg.Providers.Default, cfg.Providers)
	if err != nil {
		return fmt.Errorf("failed to build model client: %w", err)
	}

	registry := tools.NewRegistry()
	registry.MustRegister(tools.NewCalculatorTool())

	var codeRunner tools.CodeRunner
	if len(cfg.Sandbox.Endpoints) > 0 {
		codeRunner = client.New(cfg.Sandbox, logger)
		logger.Info(ctx, "sandbox client configured", "endpoints", len(cfg.Sandbox.Endpoints))
	} else {
		logger.Warn(ctx, "no sandbox endpoints configured, code_interpreter disabled")
	}

	hookRegistry := hooks.NewRegistry(logger)
	hooks.NewRunLogger(logger).Attach(hookRegistry)
	hooks.NewCostTracker(logger).Attach(hookRegistry)

	saver, err := openArtifactSaver(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to open artifact store: %w", err)
	}

	checks, err := buildGuardrails(cfg.Guardrails)
	if err != nil {
		return fmt.Errorf("failed to build guardrails: %w", err)
	}

	srv, err := server.New(server.Options{
		Config:     cfg,
		Store:      store,
		Sessions:   sessions,
		Client:     model,
		Tools:      registry,
		CodeRunner: codeRunner,
		Guardrails: checks,
		Hooks:      hookRegistry,
		Bridge:     hitl.NewBridge(cfg.Agent.HITLTimeout.Duration(), logger),
		Artifacts:  saver,
		Logger:     logger,
		Metrics:    metrics,
		Tracer:     tracer,
	})
	if err != nil {
		return err
	}

	// Guardrail inputs hot-reload with the config file; new chat streams
	// pick up the replacement set.
	watcher, err := config.Watch(ctx, configPath,
		func(next *config.Config) {
			reloaded, err := buildGuardrails(next.Guardrails)
			if err != nil {
				logger.Error(ctx, "rejected reloaded guardrail config", "error", err)
				return
			}
			srv.SetGuardrails(reloaded)
			logger.Info(ctx, "guardrails reloaded", "count", len(reloaded))
		},
		func(err error) {
			logger.Warn(ctx, "config reload failed", "error", err)
		})
	if err != nil {
		logger.Warn(ctx, "config watcher disabled", "error", err)
	} else {
		defer watcher.Close()
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}
	logger.Info(ctx, "shutdown signal received")

	shutdownCtx, shutdownCancel := shutdownContext()
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	if closer, ok := sessions.(interface{ Close() error }); ok && closer != nil {
		if err := closer.Close(); err != nil {
			logger.Warn(ctx, "failed to close session store", "error", err)
		}
	}
	return nil
}

func openThreadStore(cfg *config.Config, logger *observability.Logger) (threads.Store, error) {
	db := cfg.Server.Database
	switch db.Driver {
	case "postgres":
		return threads.NewPostgresStore(&threads.PostgresConfig{
			DSN:             db.DSN,
			MaxOpenConns:    db.MaxOpenConns,
			MaxIdleConns:    db.MaxIdleConns,
			ConnMaxLifetime: db.ConnMaxLifetime.Duration(),
		}, logger)
	case "sqlite":
		return threads.NewSQLiteStore(db.DSN, logger)
	default:
		return nil, fmt.Errorf("unknown database driver %q", db.Driver)
	}
}

// openSessionStore assembles the tiered memory store. With no cold tier
// configured the server falls back to in-process session memory.
func openSessionStore(cfg *config.Config, logger *observability.Logger, metrics *observability.Metrics) (server.SessionStore, *memory.Maintenance, error) {
	if cfg.Memory.PostgresDSN == "" {
		return nil, nil, nil
	}

	coldCfg := memory.DefaultColdConfig()
	coldCfg.DSN = cfg.Memory.PostgresDSN
	cold, err := memory.NewColdStore(coldCfg, logger)
	if err != nil {
		return nil, nil, err
	}

	var hot memory.Hot
	if cfg.Memory.RedisURL != "" {
		hotCfg := memory.DefaultHotConfig()
		hotCfg.URL = cfg.Memory.RedisURL
		hotCfg.KeyPrefix = cfg.Memory.KeyPrefix
		hotCfg.TTL = cfg.Memory.HotTTL.Duration()
		hotCfg.MaxMessages = cfg.Memory.HotLimit
		hotStore, err := memory.NewHotStore(hotCfg, logger)
		if err != nil {
			cold.Close()
			return nil, nil, err
		}
		hot = hotStore
	}

	tiered := memory.NewTieredStore(hot, cold, logger,
		memory.WithCheckpointThreshold(cfg.Memory.CheckpointThreshold),
		memory.WithMetrics(metrics),
	)
	maintenance := memory.NewMaintenance(tiered, logger, memory.MaintenanceConfig{
		Schedule:     cfg.Memory.MaintenanceSchedule,
		ArchiveAfter: cfg.Memory.ArchiveAfter.Duration(),
	})
	return tiered, maintenance, nil
}

func openArtifactSaver(ctx context.Context, cfg *config.Config, logger *observability.Logger) (*artifacts.Saver, error) {
	var (
		store artifacts.Store
		err   error
	)
	switch cfg.Artifacts.Backend {
	case "s3":
		store, err = artifacts.NewS3Store(ctx, artifacts.S3Config{
			Bucket:   cfg.Artifacts.S3Bucket,
			Region:   cfg.Artifacts.S3Region,
			Prefix:   cfg.Artifacts.S3Prefix,
			Endpoint: cfg.Artifacts.S3Endpoint,
		})
	case "local":
		store, err = artifacts.NewLocalStore(cfg.Artifacts.Dir)
	default:
		err = errors.New("unknown artifact backend " + cfg.Artifacts.Backend)
	}
	if err != nil {
		return nil, err
	}
	return artifacts.NewSaver(store, logger), nil
}

// buildGuardrails maps the declarative config onto the prebuilt
// guardrail catalog.
func buildGuardrails(cfg config.GuardrailsConfig) ([]guardrails.Guardrail, error) {
	var checks []guardrails.Guardrail

	if len(cfg.BlockedKeywords) > 0 {
		filter, err := guardrails.NewContentFilter(guardrails.ContentFilterConfig{
			Type:     guardrails.TypeInput,
			Keywords: cfg.BlockedKeywords,
			Tripwire: true,
		})
		if err != nil {
			return nil, err
		}
		checks = append(checks, filter)
	}
	if cfg.MaxInputTokens > 0 {
		checks = append(checks, guardrails.NewMaxToken(guardrails.MaxTokenConfig{
			MaxTokens: cfg.MaxInputTokens,
			Tripwire:  true,
		}))
	}
	if len(cfg.BlockedTools) > 0 {
		validation, err := guardrails.NewToolCallValidation(guardrails.ToolCallValidationConfig{
			BlockedTools: cfg.BlockedTools,
		})
		if err != nil {
			return nil, err
		}
		checks = append(checks, validation)
	}
	return checks, nil
}
