// Package config loads muxd's YAML configuration with environment variable
// overlay, the same two-stage pattern used across the rest of the stack:
// godotenv for local development, then explicit env var overrides for
// anything secret.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"muxcore/internal/llm"
)

// ObsConfig controls OpenTelemetry tracing/metrics export.
type ObsConfig struct {
	OTLP           string `yaml:"otlp"`
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
	Environment    string `yaml:"environment"`
}

// S3SSEConfig controls server-side encryption for patch-artifact archival.
type S3SSEConfig struct {
	Mode     string `yaml:"mode"` // "", "sse-s3", "sse-kms"
	KMSKeyID string `yaml:"kms_key_id,omitempty"`
}

// S3Config configures the optional S3 archival backend for subagent patch
// artifacts. Local disk remains the primary store regardless.
type S3Config struct {
	Enabled               bool        `yaml:"enabled"`
	Bucket                string      `yaml:"bucket"`
	Region                string      `yaml:"region"`
	Endpoint              string      `yaml:"endpoint,omitempty"`
	Prefix                string      `yaml:"prefix,omitempty"`
	AccessKey             string      `yaml:"access_key,omitempty"`
	SecretKey             string      `yaml:"secret_key,omitempty"`
	UsePathStyle          bool        `yaml:"use_path_style,omitempty"`
	TLSInsecureSkipVerify bool        `yaml:"tls_insecure_skip_verify,omitempty"`
	SSE                   S3SSEConfig `yaml:"sse,omitempty"`
}

// CompactionConfig holds the defaults CompactionMonitor and AgentSession
// consult.
type CompactionConfig struct {
	// Threshold in (0,1]; 1 disables auto-compaction. Default 0.85.
	Threshold float64 `yaml:"threshold"`
	// ForceBufferPct is added to Threshold*100 to compute the mid-stream
	// force-compaction crossing point.
	ForceBufferPct float64 `yaml:"force_buffer_pct"`
	// ModelString is the preferred model for compaction-request turns; empty
	// means "use the active stream's model".
	ModelString string `yaml:"model_string,omitempty"`
	// MaxEditedFiles caps cachedFileDiffs entries.
	MaxEditedFiles int `yaml:"max_edited_files"`
	// MaxFileContentSize caps bytes per cached diff.
	MaxFileContentSize int `yaml:"max_file_content_size"`
	// ContextOverrides maps a model string to a per-install context window
	// size, taking precedence over llm.ContextSize's static table.
	ContextOverrides map[string]int `yaml:"context_overrides,omitempty"`
}

// ProvidersConfig builds the llm.ProvidersConfig that AgentSession threads
// into CompactionMonitor.CheckBeforeSend/CheckMidStream.
func (c Config) ProvidersConfig() llm.ProvidersConfig {
	return llm.ProvidersConfig{ContextOverrides: c.Compaction.ContextOverrides}
}

// TaskConfig holds TaskService limits.
type TaskConfig struct {
	MaxParallelAgentTasks int    `yaml:"max_parallel_agent_tasks"`
	MaxTaskNestingDepth   int    `yaml:"max_task_nesting_depth"`
	DefaultModel          string `yaml:"default_model"`
	ReportTimeoutSeconds  int    `yaml:"report_timeout_seconds"`
}

// HookConfig locates ToolHookRunner scripts.
type HookConfig struct {
	PreTimeoutSeconds  int `yaml:"pre_timeout_seconds"`
	PostTimeoutSeconds int `yaml:"post_timeout_seconds"`
	InputEnvLimitBytes int `yaml:"input_env_limit_bytes"`
}

// MCPConfig controls MCPServerManager pooling.
type MCPConfig struct {
	IdleEvictionIntervalSeconds int `yaml:"idle_eviction_interval_seconds"`
	IdleTimeoutMinutes          int `yaml:"idle_timeout_minutes"`
	ConnectTimeoutSeconds       int `yaml:"connect_timeout_seconds"`
	StatProbeTimeoutSeconds     int `yaml:"stat_probe_timeout_seconds"`
	// RedisURL, if set, coordinates idle eviction across multiple muxd
	// instances sharing a workspace store.
	RedisURL string `yaml:"redis_url,omitempty"`
	// OAuthServers holds refresh-token-backed OAuth2 client credentials per
	// MCP server name; a server with no entry here gets no Authorization
	// header at all.
	OAuthServers map[string]OAuthServerConfig `yaml:"oauth_servers,omitempty"`
}

// OAuthServerConfig is one MCP server's OAuth2 client credentials, used to
// keep a refreshable access token via golang.org/x/oauth2.
type OAuthServerConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	TokenURL     string `yaml:"token_url"`
	RefreshToken string `yaml:"refresh_token"`
}

// SSHPromptConfig controls SSHPromptService timeouts.
type SSHPromptConfig struct {
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// TelemetrySinkConfig configures optional analytics sinks for the closed
// telemetry event union.
type TelemetrySinkConfig struct {
	KafkaBrokers []string `yaml:"kafka_brokers,omitempty"`
	KafkaTopic   string   `yaml:"kafka_topic,omitempty"`
	ClickHouseDSN string  `yaml:"clickhouse_dsn,omitempty"`
}

// Config is the root configuration loaded from YAML + environment.
type Config struct {
	DataPath     string              `yaml:"data_path"`
	LogPath      string              `yaml:"log_path"`
	LogLevel     string              `yaml:"log_level"`
	AnthropicKey string              `yaml:"anthropic_key,omitempty"`
	OpenAIAPIKey string              `yaml:"openai_api_key,omitempty"`
	Obs          ObsConfig           `yaml:"otel"`
	S3           S3Config            `yaml:"s3"`
	Compaction   CompactionConfig    `yaml:"compaction"`
	Task         TaskConfig          `yaml:"task"`
	Hooks        HookConfig          `yaml:"hooks"`
	MCP          MCPConfig           `yaml:"mcp"`
	SSHPrompt    SSHPromptConfig     `yaml:"ssh_prompt"`
	Telemetry    TelemetrySinkConfig `yaml:"telemetry"`
	// FeatureFlags maps flag names to "on"/"off"/"default" overrides,
	// consumed through featureflag.Service's TTL cache.
	FeatureFlags map[string]string `yaml:"feature_flags,omitempty"`
	// PostgresDSN, if set, backs the task workspace registry
	// (task.PostgresStore) with pgx instead of the default on-disk JSON store.
	PostgresDSN string `yaml:"postgres_dsn,omitempty"`
}

func defaults() Config {
	return Config{
		DataPath: "./data",
		LogPath:  "",
		LogLevel: "info",
		Obs: ObsConfig{
			ServiceName:    "muxd",
			ServiceVersion: "dev",
			Environment:    "development",
		},
		Compaction: CompactionConfig{
			Threshold:          0.85,
			ForceBufferPct:     10,
			MaxEditedFiles:     50,
			MaxFileContentSize: 64 * 1024,
		},
		Task: TaskConfig{
			MaxParallelAgentTasks: 4,
			MaxTaskNestingDepth:   8,
			DefaultModel:          "anthropic:claude-sonnet-4-5",
			ReportTimeoutSeconds:  600,
		},
		Hooks: HookConfig{
			PreTimeoutSeconds:  10,
			PostTimeoutSeconds: 10,
			InputEnvLimitBytes: 8000,
		},
		MCP: MCPConfig{
			IdleEvictionIntervalSeconds: 60,
			IdleTimeoutMinutes:          10,
			ConnectTimeoutSeconds:       10,
			StatProbeTimeoutSeconds:     2,
		},
		SSHPrompt: SSHPromptConfig{TimeoutSeconds: 60},
	}
}

// Load loads configuration from path (YAML), applying defaults for any zero
// fields and an environment variable overlay for secrets. It first attempts
// to load a local .env file (non-fatal if absent) so MUXCORE_* overrides are
// picked up the same way godotenv.Load is used across the stack.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil {
		_ = godotenv.Load("example.env")
	}

	cfg := defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("read config %q: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("unmarshal config %q: %w", path, err)
		}
	}

	applyDefaultsIfZero(&cfg)
	overlayEnv(&cfg)
	return cfg, nil
}

func applyDefaultsIfZero(cfg *Config) {
	d := defaults()
	if cfg.DataPath == "" {
		cfg.DataPath = d.DataPath
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = d.LogLevel
	}
	if cfg.Obs.ServiceName == "" {
		cfg.Obs.ServiceName = d.Obs.ServiceName
	}
	if cfg.Obs.ServiceVersion == "" {
		cfg.Obs.ServiceVersion = d.Obs.ServiceVersion
	}
	if cfg.Obs.Environment == "" {
		cfg.Obs.Environment = d.Obs.Environment
	}
	if cfg.Compaction.Threshold <= 0 {
		cfg.Compaction.Threshold = d.Compaction.Threshold
	}
	if cfg.Compaction.ForceBufferPct <= 0 {
		cfg.Compaction.ForceBufferPct = d.Compaction.ForceBufferPct
	}
	if cfg.Compaction.MaxEditedFiles <= 0 {
		cfg.Compaction.MaxEditedFiles = d.Compaction.MaxEditedFiles
	}
	if cfg.Compaction.MaxFileContentSize <= 0 {
		cfg.Compaction.MaxFileContentSize = d.Compaction.MaxFileContentSize
	}
	if cfg.Task.MaxParallelAgentTasks <= 0 {
		cfg.Task.MaxParallelAgentTasks = d.Task.MaxParallelAgentTasks
	}
	if cfg.Task.MaxTaskNestingDepth <= 0 {
		cfg.Task.MaxTaskNestingDepth = d.Task.MaxTaskNestingDepth
	}
	if cfg.Task.DefaultModel == "" {
		cfg.Task.DefaultModel = d.Task.DefaultModel
	}
	if cfg.Task.ReportTimeoutSeconds <= 0 {
		cfg.Task.ReportTimeoutSeconds = d.Task.ReportTimeoutSeconds
	}
	if cfg.Hooks.PreTimeoutSeconds <= 0 {
		cfg.Hooks.PreTimeoutSeconds = d.Hooks.PreTimeoutSeconds
	}
	if cfg.Hooks.PostTimeoutSeconds <= 0 {
		cfg.Hooks.PostTimeoutSeconds = d.Hooks.PostTimeoutSeconds
	}
	if cfg.Hooks.InputEnvLimitBytes <= 0 {
		cfg.Hooks.InputEnvLimitBytes = d.Hooks.InputEnvLimitBytes
	}
	if cfg.MCP.IdleEvictionIntervalSeconds <= 0 {
		cfg.MCP.IdleEvictionIntervalSeconds = d.MCP.IdleEvictionIntervalSeconds
	}
	if cfg.MCP.IdleTimeoutMinutes <= 0 {
		cfg.MCP.IdleTimeoutMinutes = d.MCP.IdleTimeoutMinutes
	}
	if cfg.MCP.ConnectTimeoutSeconds <= 0 {
		cfg.MCP.ConnectTimeoutSeconds = d.MCP.ConnectTimeoutSeconds
	}
	if cfg.MCP.StatProbeTimeoutSeconds <= 0 {
		cfg.MCP.StatProbeTimeoutSeconds = d.MCP.StatProbeTimeoutSeconds
	}
	if cfg.SSHPrompt.TimeoutSeconds <= 0 {
		cfg.SSHPrompt.TimeoutSeconds = d.SSHPrompt.TimeoutSeconds
	}
}

// overlayEnv applies MUXCORE_*-prefixed environment variables over secrets
// and a few operational knobs, matching the precedence the rest of the
// stack uses for keys that should never live only in a checked-in file.
func overlayEnv(cfg *Config) {
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		cfg.AnthropicKey = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.OpenAIAPIKey = v
	}
	if v := os.Getenv("MUXCORE_DATA_PATH"); v != "" {
		cfg.DataPath = v
	}
	if v := os.Getenv("MUXCORE_LOG_PATH"); v != "" {
		cfg.LogPath = v
	}
	if v := os.Getenv("MUXCORE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("MUXCORE_OTLP_ENDPOINT"); v != "" {
		cfg.Obs.OTLP = v
	}
	if v := os.Getenv("MUXCORE_POSTGRES_DSN"); v != "" {
		cfg.PostgresDSN = v
	}
	if v := os.Getenv("MUXCORE_COMPACTION_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Compaction.Threshold = f
		}
	}
	if v := os.Getenv("MUXCORE_MAX_PARALLEL_AGENT_TASKS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Task.MaxParallelAgentTasks = n
		}
	}
	if v := os.Getenv("MUXCORE_KAFKA_BROKERS"); v != "" {
		cfg.Telemetry.KafkaBrokers = strings.Split(v, ",")
	}
}
