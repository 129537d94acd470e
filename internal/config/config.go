// Package config loads and validates the axon configuration file.
//
// Config files are YAML (or JSON5) with ${ENV} expansion and $include
// merging. Environment variables prefixed with AXON_ override file values,
// and everything has a sensible default so an empty file boots a working
// single-node setup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the root configuration for both the chat server and the
// sandbox service.
type Config struct {
	Server     ServerConfig     `yaml:"server" json:"server"`
	Sandbox    SandboxConfig    `yaml:"sandbox" json:"sandbox"`
	Memory     MemoryConfig     `yaml:"memory" json:"memory"`
	Providers  ProvidersConfig  `yaml:"providers" json:"providers"`
	Agent      AgentConfig      `yaml:"agent" json:"agent"`
	Guardrails GuardrailsConfig `yaml:"guardrails" json:"guardrails"`
	Artifacts  ArtifactsConfig  `yaml:"artifacts" json:"artifacts"`
	Logging    LoggingConfig    `yaml:"logging" json:"logging"`
	Tracing    TracingConfig    `yaml:"tracing" json:"tracing"`
}

// ServerConfig configures the chat HTTP server.
type ServerConfig struct {
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`

	// JWTSecret enables HS256 bearer auth on non-health routes when set.
	JWTSecret string `yaml:"jwt_secret" json:"jwt_secret"`

	// CORSOrigins lists allowed origins for browser clients.
	CORSOrigins []string `yaml:"cors_origins" json:"cors_origins"`

	// Database selects the thread store backend: "postgres" or "sqlite".
	Database DatabaseConfig `yaml:"database" json:"database"`
}

// DatabaseConfig selects and configures the thread store.
type DatabaseConfig struct {
	Driver string `yaml:"driver" json:"driver"` // postgres | sqlite
	DSN    string `yaml:"dsn" json:"dsn"`

	MaxOpenConns    int      `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
}

// SandboxConfig configures the code interpreter service and its client.
type SandboxConfig struct {
	Host      string `yaml:"host" json:"host"`
	Port      int    `yaml:"port" json:"port"`
	AuthToken string `yaml:"auth_token" json:"auth_token"`

	// Endpoints are the pod base URLs the routing client fans out over.
	Endpoints []string `yaml:"endpoints" json:"endpoints"`

	Pool   PoolConfig   `yaml:"pool" json:"pool"`
	VM     VMConfig     `yaml:"vm" json:"vm"`
	Limits LimitsConfig `yaml:"limits" json:"limits"`
}

// PoolConfig sizes the warm VM pool.
type PoolConfig struct {
	Size           int      `yaml:"size" json:"size"`
	AcquireTimeout Duration `yaml:"acquire_timeout" json:"acquire_timeout"`
	IdleTimeout    Duration `yaml:"idle_timeout" json:"idle_timeout"`
	EvictInterval  Duration `yaml:"evict_interval" json:"evict_interval"`
}

// VMConfig describes how each microVM is built.
type VMConfig struct {
	KernelPath     string `yaml:"kernel_path" json:"kernel_path"`
	RootfsPath     string `yaml:"rootfs_path" json:"rootfs_path"`
	FirecrackerBin string `yaml:"firecracker_bin" json:"firecracker_bin"`
	WorkDir        string `yaml:"work_dir" json:"work_dir"`
	VcpuCount      int64  `yaml:"vcpu_count" json:"vcpu_count"`
	MemSizeMib     int64  `yaml:"mem_size_mib" json:"mem_size_mib"`
	BootArgs       string `yaml:"boot_args" json:"boot_args"`
}

// LimitsConfig bounds sandbox requests.
type LimitsConfig struct {
	MaxCodeBytes      int      `yaml:"max_code_bytes" json:"max_code_bytes"`
	MaxTimeout        Duration `yaml:"max_timeout" json:"max_timeout"`
	MaxSessionsPerPod int      `yaml:"max_sessions_per_pod" json:"max_sessions_per_pod"`
}

// MemoryConfig configures the tiered session store.
type MemoryConfig struct {
	// RedisURL is parsed with redis.ParseURL; empty disables the hot tier.
	RedisURL  string   `yaml:"redis_url" json:"redis_url"`
	KeyPrefix string   `yaml:"key_prefix" json:"key_prefix"`
	HotTTL    Duration `yaml:"hot_ttl" json:"hot_ttl"`
	HotLimit  int      `yaml:"hot_limit" json:"hot_limit"`

	// PostgresDSN is the cold tier connection string.
	PostgresDSN string `yaml:"postgres_dsn" json:"postgres_dsn"`

	// CheckpointThreshold is the dirty message count that triggers a
	// checkpoint; 0 disables automatic checkpointing.
	CheckpointThreshold int `yaml:"checkpoint_threshold" json:"checkpoint_threshold"`

	// ArchiveAfter moves sessions idle past this horizon to archived.
	ArchiveAfter Duration `yaml:"archive_after" json:"archive_after"`

	// MaintenanceSchedule is a cron expression for the flush/archive job.
	MaintenanceSchedule string `yaml:"maintenance_schedule" json:"maintenance_schedule"`
}

// ProvidersConfig selects and configures model providers.
type ProvidersConfig struct {
	// Default names the provider used when an agent does not pin one.
	Default string `yaml:"default" json:"default"`

	OpenAI    ProviderConfig `yaml:"openai" json:"openai"`
	Anthropic ProviderConfig `yaml:"anthropic" json:"anthropic"`
	Bedrock   BedrockConfig  `yaml:"bedrock" json:"bedrock"`
	Google    ProviderConfig `yaml:"google" json:"google"`
}

// ProviderConfig is the shared shape for API-key providers.
type ProviderConfig struct {
	APIKey    string `yaml:"api_key" json:"api_key"`
	BaseURL   string `yaml:"base_url" json:"base_url"`
	Model     string `yaml:"model" json:"model"`
	MaxTokens int    `yaml:"max_tokens" json:"max_tokens"`
}

// BedrockConfig configures the AWS Bedrock provider.
type BedrockConfig struct {
	Region          string `yaml:"region" json:"region"`
	AccessKeyID     string `yaml:"access_key_id" json:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key" json:"secret_access_key"`
	SessionToken    string `yaml:"session_token" json:"session_token"`
	Model           string `yaml:"model" json:"model"`
	MaxTokens       int    `yaml:"max_tokens" json:"max_tokens"`
}

// AgentConfig tunes the orchestrator loop.
type AgentConfig struct {
	Name          string   `yaml:"name" json:"name"`
	SystemPrompt  string   `yaml:"system_prompt" json:"system_prompt"`
	MaxIterations int      `yaml:"max_iterations" json:"max_iterations"`
	ToolTimeout   Duration `yaml:"tool_timeout" json:"tool_timeout"`
	HITLTimeout   Duration `yaml:"hitl_timeout" json:"hitl_timeout"`

	// ToolsRequiringApproval lists tool names gated behind human approval.
	ToolsRequiringApproval []string `yaml:"tools_requiring_approval" json:"tools_requiring_approval"`
}

// GuardrailsConfig holds the hot-reloadable guardrail inputs.
type GuardrailsConfig struct {
	// BlockedKeywords trip the input content filter.
	BlockedKeywords []string `yaml:"blocked_keywords" json:"blocked_keywords"`

	// BlockedTools are tool names rejected outright.
	BlockedTools []string `yaml:"blocked_tools" json:"blocked_tools"`

	// MaxInputTokens bounds estimated input size; 0 disables.
	MaxInputTokens int `yaml:"max_input_tokens" json:"max_input_tokens"`
}

// ArtifactsConfig selects the artifact store backend.
type ArtifactsConfig struct {
	Backend string `yaml:"backend" json:"backend"` // local | s3
	Dir     string `yaml:"dir" json:"dir"`

	S3Bucket   string `yaml:"s3_bucket" json:"s3_bucket"`
	S3Region   string `yaml:"s3_region" json:"s3_region"`
	S3Endpoint string `yaml:"s3_endpoint" json:"s3_endpoint"`
	S3Prefix   string `yaml:"s3_prefix" json:"s3_prefix"`
}

// LoggingConfig mirrors observability.LogConfig.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// TracingConfig mirrors observability.TraceConfig.
type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint" json:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate" json:"sampling_rate"`
	Environment  string  `yaml:"environment" json:"environment"`
	Insecure     bool    `yaml:"insecure" json:"insecure"`
}

// Load reads, merges, validates and defaults the configuration file.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := ValidateRaw(raw); err != nil {
		return nil, err
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	applyEnvOverrides(cfg)
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a fully defaulted configuration without reading a file.
func Default() *Config {
	cfg := &Config{}
	applyEnvOverrides(cfg)
	applyDefaults(cfg)
	return cfg
}

// Validate rejects configurations that cannot boot.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Sandbox.Port <= 0 || c.Sandbox.Port > 65535 {
		return fmt.Errorf("invalid sandbox port %d", c.Sandbox.Port)
	}
	switch c.Server.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unknown database driver %q (expected postgres or sqlite)", c.Server.Database.Driver)
	}
	switch c.Providers.Default {
	case "openai", "anthropic", "bedrock", "google":
	default:
		return fmt.Errorf("unknown default provider %q", c.Providers.Default)
	}
	switch c.Artifacts.Backend {
	case "local", "s3":
	default:
		return fmt.Errorf("unknown artifact backend %q (expected local or s3)", c.Artifacts.Backend)
	}
	if c.Agent.MaxIterations < 1 {
		return fmt.Errorf("agent max_iterations must be at least 1, got %d", c.Agent.MaxIterations)
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Database.Driver == "" {
		if cfg.Server.Database.DSN != "" && strings.HasPrefix(cfg.Server.Database.DSN, "postgres") {
			cfg.Server.Database.Driver = "postgres"
		} else {
			cfg.Server.Database.Driver = "sqlite"
		}
	}
	if cfg.Server.Database.Driver == "sqlite" && cfg.Server.Database.DSN == "" {
		cfg.Server.Database.DSN = "axon.db"
	}
	if cfg.Server.Database.MaxOpenConns == 0 {
		cfg.Server.Database.MaxOpenConns = 25
	}
	if cfg.Server.Database.MaxIdleConns == 0 {
		cfg.Server.Database.MaxIdleConns = 5
	}
	if cfg.Server.Database.ConnMaxLifetime == 0 {
		cfg.Server.Database.ConnMaxLifetime = Duration(5 * time.Minute)
	}

	if cfg.Sandbox.Host == "" {
		cfg.Sandbox.Host = "0.0.0.0"
	}
	if cfg.Sandbox.Port == 0 {
		cfg.Sandbox.Port = 8081
	}
	if cfg.Sandbox.Pool.Size == 0 {
		cfg.Sandbox.Pool.Size = 2
	}
	if cfg.Sandbox.Pool.AcquireTimeout == 0 {
		cfg.Sandbox.Pool.AcquireTimeout = Duration(60 * time.Second)
	}
	if cfg.Sandbox.Pool.IdleTimeout == 0 {
		cfg.Sandbox.Pool.IdleTimeout = Duration(30 * time.Minute)
	}
	if cfg.Sandbox.Pool.EvictInterval == 0 {
		cfg.Sandbox.Pool.EvictInterval = Duration(60 * time.Second)
	}
	if cfg.Sandbox.VM.FirecrackerBin == "" {
		cfg.Sandbox.VM.FirecrackerBin = "firecracker"
	}
	if cfg.Sandbox.VM.WorkDir == "" {
		cfg.Sandbox.VM.WorkDir = "/var/lib/axon/vms"
	}
	if cfg.Sandbox.VM.VcpuCount == 0 {
		cfg.Sandbox.VM.VcpuCount = 1
	}
	if cfg.Sandbox.VM.MemSizeMib == 0 {
		cfg.Sandbox.VM.MemSizeMib = 512
	}
	if cfg.Sandbox.VM.BootArgs == "" {
		cfg.Sandbox.VM.BootArgs = "console=ttyS0 reboot=k panic=1 pci=off"
	}
	if cfg.Sandbox.Limits.MaxCodeBytes == 0 {
		cfg.Sandbox.Limits.MaxCodeBytes = 1 << 20
	}
	if cfg.Sandbox.Limits.MaxTimeout == 0 {
		cfg.Sandbox.Limits.MaxTimeout = Duration(300 * time.Second)
	}
	if cfg.Sandbox.Limits.MaxSessionsPerPod == 0 {
		cfg.Sandbox.Limits.MaxSessionsPerPod = 50
	}

	if cfg.Memory.KeyPrefix == "" {
		cfg.Memory.KeyPrefix = "axon"
	}
	if cfg.Memory.HotTTL == 0 {
		cfg.Memory.HotTTL = Duration(time.Hour)
	}
	if cfg.Memory.HotLimit == 0 {
		cfg.Memory.HotLimit = 200
	}
	if cfg.Memory.CheckpointThreshold == 0 {
		cfg.Memory.CheckpointThreshold = 50
	}
	if cfg.Memory.ArchiveAfter == 0 {
		cfg.Memory.ArchiveAfter = Duration(30 * 24 * time.Hour)
	}
	if cfg.Memory.MaintenanceSchedule == "" {
		cfg.Memory.MaintenanceSchedule = "@every 10m"
	}

	if cfg.Providers.Default == "" {
		cfg.Providers.Default = "anthropic"
	}
	if cfg.Providers.OpenAI.Model == "" {
		cfg.Providers.OpenAI.Model = "gpt-4o"
	}
	if cfg.Providers.Anthropic.Model == "" {
		cfg.Providers.Anthropic.Model = "claude-sonnet-4-20250514"
	}
	if cfg.Providers.Bedrock.Region == "" {
		cfg.Providers.Bedrock.Region = "us-east-1"
	}
	if cfg.Providers.Bedrock.Model == "" {
		cfg.Providers.Bedrock.Model = "anthropic.claude-3-sonnet-20240229-v1:0"
	}
	if cfg.Providers.Google.Model == "" {
		cfg.Providers.Google.Model = "gemini-2.0-flash"
	}

	if cfg.Agent.Name == "" {
		cfg.Agent.Name = "assistant"
	}
	if cfg.Agent.MaxIterations == 0 {
		cfg.Agent.MaxIterations = 10
	}
	if cfg.Agent.HITLTimeout == 0 {
		cfg.Agent.HITLTimeout = Duration(300 * time.Second)
	}
	if cfg.Agent.ToolTimeout == 0 {
		// Tool execution shares the human response budget so an approved
		// call cannot outlive the approval window.
		cfg.Agent.ToolTimeout = cfg.Agent.HITLTimeout
	}

	if cfg.Artifacts.Backend == "" {
		cfg.Artifacts.Backend = "local"
	}
	if cfg.Artifacts.Dir == "" {
		cfg.Artifacts.Dir = "artifacts"
	}
	if cfg.Artifacts.S3Region == "" {
		cfg.Artifacts.S3Region = "us-east-1"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Tracing.SamplingRate == 0 {
		cfg.Tracing.SamplingRate = 1.0
	}
}

// applyEnvOverrides maps AXON_* environment variables onto the config.
// File values lose to explicit environment settings.
func applyEnvOverrides(cfg *Config) {
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	setString("AXON_SERVER_HOST", &cfg.Server.Host)
	setInt("AXON_SERVER_PORT", &cfg.Server.Port)
	setString("AXON_JWT_SECRET", &cfg.Server.JWTSecret)
	setString("AXON_DATABASE_DRIVER", &cfg.Server.Database.Driver)
	setString("AXON_DATABASE_DSN", &cfg.Server.Database.DSN)

	setInt("AXON_SANDBOX_PORT", &cfg.Sandbox.Port)
	setString("AXON_SANDBOX_TOKEN", &cfg.Sandbox.AuthToken)
	if v, ok := os.LookupEnv("AXON_SANDBOX_ENDPOINTS"); ok && v != "" {
		cfg.Sandbox.Endpoints = splitAndTrim(v)
	}

	setString("AXON_REDIS_URL", &cfg.Memory.RedisURL)
	setString("AXON_POSTGRES_DSN", &cfg.Memory.PostgresDSN)

	setString("OPENAI_API_KEY", &cfg.Providers.OpenAI.APIKey)
	setString("ANTHROPIC_API_KEY", &cfg.Providers.Anthropic.APIKey)
	setString("GOOGLE_API_KEY", &cfg.Providers.Google.APIKey)
	setString("AXON_DEFAULT_PROVIDER", &cfg.Providers.Default)

	setString("AXON_LOG_LEVEL", &cfg.Logging.Level)
	setString("AXON_LOG_FORMAT", &cfg.Logging.Format)
	setString("AXON_OTEL_ENDPOINT", &cfg.Tracing.Endpoint)
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
