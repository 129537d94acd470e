// Package main provides the axon CLI.
//
// Axon runs code-executing agents in Firecracker microVMs. Two
// long-running processes make up a deployment: the chat server (serve)
// and the sandbox service (sandbox), which can run on separate hosts.
//
// # Basic Usage
//
// Start the chat server:
//
//	axon serve --config axon.yaml
//
// Start the sandbox service on a KVM-capable host:
//
//	axon sandbox --config axon.yaml
//
// # Environment Variables
//
// Configuration can also come from the environment; a .env file in the
// working directory is loaded first:
//
//   - AXON_CONFIG: path to the configuration file (default: axon.yaml)
//   - ANTHROPIC_API_KEY / OPENAI_API_KEY / GOOGLE_API_KEY: provider keys
//   - AXON_POSTGRES_DSN: cold tier connection string
//   - AXON_REDIS_URL: hot tier connection string
//   - AXON_SANDBOX_ENDPOINTS: comma-separated sandbox pod base URLs
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/axonhq/axon/internal/config"
	"github.com/axonhq/axon/internal/observability"
)

// shutdownContext bounds graceful teardown.
func shutdownContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

// Build information, populated by ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	// A .env next to the binary keeps local setups out of shell rc files.
	// Missing files are fine; the environment wins over the file.
	_ = godotenv.Load()

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "axon",
		Short: "Axon - agent platform with microVM code execution",
		Long: `Axon runs tool-using agents whose code executes inside Firecracker
microVMs. The chat server fronts threads, streaming chat and human-in-the-loop
approvals; the sandbox service manages the VM pool on KVM-capable hosts.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildSandboxCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("axon %s\ncommit: %s\nbuilt:  %s\n", version, commit, date)
		},
	}
}

// defaultConfigPath resolves the config file: the flag wins, then
// AXON_CONFIG, then axon.yaml in the working directory.
func defaultConfigPath(flag string) string {
	if flag != "" {
		return flag
	}
	if env := os.Getenv("AXON_CONFIG"); env != "" {
		return env
	}
	return "axon.yaml"
}

// loadConfig reads the config file, tolerating a missing default file
// so an empty environment boots a working single-node setup.
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config.Default(), nil
	}
	return config.Load(path)
}

func buildLogger(cfg *config.Config) *observability.Logger {
	return observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
}

func buildTracer(cfg *config.Config, serviceName string) (*observability.Tracer, func()) {
	tracer, shutdown := observability.NewTracer(observability.TraceConfig{
		ServiceName:    serviceName,
		ServiceVersion: version,
		Environment:    cfg.Tracing.Environment,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		EnableInsecure: cfg.Tracing.Insecure,
	})
	return tracer, func() {
		if shutdown == nil {
			return
		}
		ctx, cancel := shutdownContext()
		defer cancel()
		_ = shutdown(ctx)
	}
}
