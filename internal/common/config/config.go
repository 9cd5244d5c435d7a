// Package config provides configuration management for the ads server.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the server.
type Config struct {
	Web       WebConfig       `mapstructure:"web"`
	Database  DatabaseConfig  `mapstructure:"database"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Tools     ToolsConfig     `mapstructure:"tools"`
	Agents    AgentsConfig    `mapstructure:"agents"`
	Collab    CollabConfig    `mapstructure:"collab"`
	Queue     QueueConfig     `mapstructure:"queue"`
	History   HistoryConfig   `mapstructure:"history"`
	Search    SearchConfig    `mapstructure:"search"`
	Vector    VectorConfig    `mapstructure:"vector"`
	Workspace WorkspaceConfig `mapstructure:"workspace"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

// WebConfig holds the WebSocket gateway listener configuration.
type WebConfig struct {
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	Token       string `mapstructure:"token"`        // empty disables auth
	MaxClients  int    `mapstructure:"max_clients"`  // concurrent client cap
	IdleMinutes int    `mapstructure:"idle_minutes"` // 0 disables the idle close
}

// IdleTimeout returns the idle close duration, or 0 when disabled.
func (w *WebConfig) IdleTimeout() time.Duration {
	if w.IdleMinutes <= 0 {
		return 0
	}
	return time.Duration(w.IdleMinutes) * time.Minute
}

// Addr returns the host:port bind address.
func (w *WebConfig) Addr() string {
	return fmt.Sprintf("%s:%d", w.Host, w.Port)
}

// DatabaseConfig holds the embedded store configuration.
type DatabaseConfig struct {
	// Path overrides the default <workspace>/.ads/state.db location.
	Path string `mapstructure:"path"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"client_id"`
	MaxReconnects int    `mapstructure:"max_reconnects"`
}

// ToolsConfig holds the tool runtime policy knobs.
type ToolsConfig struct {
	ExecEnabled       bool   `mapstructure:"exec_enabled"`
	FileEnabled       bool   `mapstructure:"file_enabled"`
	ApplyPatchEnabled bool   `mapstructure:"apply_patch_enabled"`
	ExecAllowlist     string `mapstructure:"exec_allowlist"` // comma-separated basenames; "*" or "all" disables the check
	ExecTimeoutSec    int    `mapstructure:"exec_timeout_seconds"`
	FileMaxBytes      int64  `mapstructure:"file_max_bytes"`
	FileMaxWriteBytes int64  `mapstructure:"file_max_write_bytes"`
	PatchMaxBytes     int64  `mapstructure:"apply_patch_max_bytes"`
}

// ExecTimeout returns the default exec tool timeout.
func (t *ToolsConfig) ExecTimeout() time.Duration {
	if t.ExecTimeoutSec <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(t.ExecTimeoutSec) * time.Second
}

// ExecAllowlistEntries splits the allow-list into basenames.
// A nil result means the check is disabled (absent or wildcard sentinel).
func (t *ToolsConfig) ExecAllowlistEntries() []string {
	raw := strings.TrimSpace(t.ExecAllowlist)
	if raw == "" || raw == "*" || strings.EqualFold(raw, "all") {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			if p == "*" || strings.EqualFold(p, "all") {
				return nil
			}
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// AgentConfig describes how one adapter launches its CLI.
type AgentConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Command string   `mapstructure:"command"`
	Args    []string `mapstructure:"args"`
	Model   string   `mapstructure:"model"`
}

// AgentsConfig holds the adapter set.
type AgentsConfig struct {
	Default    string      `mapstructure:"default"`    // active adapter at session start
	Supervisor string      `mapstructure:"supervisor"` // adapter allowed to delegate
	Codex      AgentConfig `mapstructure:"codex"`
	Claude     AgentConfig `mapstructure:"claude"`
	Gemini     AgentConfig `mapstructure:"gemini"`
}

// CollabConfig bounds the supervisor delegation loop.
type CollabConfig struct {
	MaxDelegations      int `mapstructure:"max_delegations"`
	MaxSupervisorRounds int `mapstructure:"max_supervisor_rounds"`
}

// QueueConfig holds scheduler tuning.
type QueueConfig struct {
	TickIntervalSec int `mapstructure:"tick_interval_seconds"` // safety ticker; event-driven ticks are primary
	TaskTimeoutMin  int `mapstructure:"task_timeout_minutes"`
	PurgeBatchLimit int `mapstructure:"purge_batch_limit"`
	PurgeAgeDays    int `mapstructure:"purge_age_days"`
}

// TickInterval returns the scheduler safety tick interval.
func (q *QueueConfig) TickInterval() time.Duration {
	if q.TickIntervalSec <= 0 {
		return 3 * time.Second
	}
	return time.Duration(q.TickIntervalSec) * time.Second
}

// TaskTimeout returns the per-task execution budget.
func (q *QueueConfig) TaskTimeout() time.Duration {
	if q.TaskTimeoutMin <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(q.TaskTimeoutMin) * time.Minute
}

// HistoryConfig bounds the per-session history ring.
type HistoryConfig struct {
	MaxEntries int `mapstructure:"max_entries"`
	MaxTextLen int `mapstructure:"max_text_len"`
}

// SearchConfig selects the web search backend for the search tool.
type SearchConfig struct {
	Provider    string `mapstructure:"provider"` // duckduckgo or brave
	BraveAPIKey string `mapstructure:"brave_api_key"`
	MaxResults  int    `mapstructure:"max_results"`
	TimeoutSec  int    `mapstructure:"timeout_seconds"`
}

// Timeout returns the search HTTP timeout.
func (s *SearchConfig) Timeout() time.Duration {
	if s.TimeoutSec <= 0 {
		return 15 * time.Second
	}
	return time.Duration(s.TimeoutSec) * time.Second
}

// VectorConfig configures the embedded vector index used by vsearch.
type VectorConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	EmbedBaseURL string `mapstructure:"embed_base_url"` // OpenAI-compatible endpoint; empty uses the local hashing embedder
	EmbedAPIKey  string `mapstructure:"embed_api_key"`
	EmbedModel   string `mapstructure:"embed_model"`
	CacheSize    int    `mapstructure:"cache_size"`
	TopK         int    `mapstructure:"top_k"`
}

// WorkspaceConfig pins the workspace root and the directory allow-list.
type WorkspaceConfig struct {
	Root        string `mapstructure:"root"`         // empty: detect from cwd (git root)
	AllowedDirs string `mapstructure:"allowed_dirs"` // comma-separated; empty: workspace root only
	RoutedRoot  string `mapstructure:"routed_root"`  // AD_WORKSPACE override for routed commands
}

// AllowedDirList splits the allow-list into absolute directory paths.
func (w *WorkspaceConfig) AllowedDirList() []string {
	raw := strings.TrimSpace(w.AllowedDirs)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Endpoint    string `mapstructure:"endpoint"` // OTLP HTTP endpoint, host:port
	ServiceName string `mapstructure:"service_name"`
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("ADS_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Gateway defaults
	v.SetDefault("web.host", "0.0.0.0")
	v.SetDefault("web.port", 8787)
	v.SetDefault("web.token", "")
	v.SetDefault("web.max_clients", 1)
	v.SetDefault("web.idle_minutes", 0)

	// Store defaults - empty path resolves to <workspace>/.ads/state.db
	v.SetDefault("database.path", "")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.client_id", "ads-server")
	v.SetDefault("nats.max_reconnects", 10)

	// Tool policy defaults
	v.SetDefault("tools.exec_enabled", true)
	v.SetDefault("tools.file_enabled", true)
	v.SetDefault("tools.apply_patch_enabled", true)
	v.SetDefault("tools.exec_allowlist", "")
	v.SetDefault("tools.exec_timeout_seconds", 300)
	v.SetDefault("tools.file_max_bytes", 200*1024)
	v.SetDefault("tools.file_max_write_bytes", 1024*1024)
	v.SetDefault("tools.apply_patch_max_bytes", 512*1024)

	// Adapter defaults
	v.SetDefault("agents.default", "codex")
	v.SetDefault("agents.supervisor", "codex")
	v.SetDefault("agents.codex.enabled", true)
	v.SetDefault("agents.codex.command", "codex")
	v.SetDefault("agents.codex.args", []string{})
	v.SetDefault("agents.codex.model", "")
	v.SetDefault("agents.claude.enabled", true)
	v.SetDefault("agents.claude.command", "claude")
	v.SetDefault("agents.claude.args", []string{})
	v.SetDefault("agents.claude.model", "")
	v.SetDefault("agents.gemini.enabled", true)
	v.SetDefault("agents.gemini.command", "gemini")
	v.SetDefault("agents.gemini.args", []string{})
	v.SetDefault("agents.gemini.model", "")

	// Delegation bounds
	v.SetDefault("collab.max_delegations", 6)
	v.SetDefault("collab.max_supervisor_rounds", 2)

	// Scheduler defaults
	v.SetDefault("queue.tick_interval_seconds", 3)
	v.SetDefault("queue.task_timeout_minutes", 30)
	v.SetDefault("queue.purge_batch_limit", 50)
	v.SetDefault("queue.purge_age_days", 14)

	// History ring defaults
	v.SetDefault("history.max_entries", 500)
	v.SetDefault("history.max_text_len", 4000)

	// Web search defaults
	v.SetDefault("search.provider", "duckduckgo")
	v.SetDefault("search.brave_api_key", "")
	v.SetDefault("search.max_results", 5)
	v.SetDefault("search.timeout_seconds", 15)

	// Vector index defaults
	v.SetDefault("vector.enabled", true)
	v.SetDefault("vector.embed_base_url", "")
	v.SetDefault("vector.embed_api_key", "")
	v.SetDefault("vector.embed_model", "text-embedding-3-small")
	v.SetDefault("vector.cache_size", 4096)
	v.SetDefault("vector.top_k", 6)

	// Workspace defaults - empty root is detected at startup
	v.SetDefault("workspace.root", "")
	v.SetDefault("workspace.allowed_dirs", "")
	v.SetDefault("workspace.routed_root", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.output_path", "stdout")

	// Tracing defaults
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.service_name", "ads")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix ADS_ with snake_case naming.
// Config file should be named ads.yaml and placed in the workspace or /etc/ads/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("ADS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for the historical unprefixed variable names.
	// AutomaticEnv only covers ADS_<SECTION>_<KEY>, so each legacy name is
	// bound alongside its prefixed form.
	_ = v.BindEnv("tools.exec_enabled", "ADS_TOOLS_EXEC_ENABLED", "ENABLE_AGENT_EXEC_TOOL")
	_ = v.BindEnv("tools.file_enabled", "ADS_TOOLS_FILE_ENABLED", "ENABLE_AGENT_FILE_TOOLS")
	_ = v.BindEnv("tools.apply_patch_enabled", "ADS_TOOLS_APPLY_PATCH_ENABLED", "ENABLE_AGENT_APPLY_PATCH")
	_ = v.BindEnv("tools.exec_allowlist", "ADS_TOOLS_EXEC_ALLOWLIST", "AGENT_EXEC_TOOL_ALLOWLIST")
	_ = v.BindEnv("tools.file_max_bytes", "ADS_TOOLS_FILE_MAX_BYTES", "AGENT_FILE_TOOL_MAX_BYTES")
	_ = v.BindEnv("tools.file_max_write_bytes", "ADS_TOOLS_FILE_MAX_WRITE_BYTES", "AGENT_FILE_TOOL_MAX_WRITE_BYTES")
	_ = v.BindEnv("tools.apply_patch_max_bytes", "ADS_TOOLS_APPLY_PATCH_MAX_BYTES", "AGENT_APPLY_PATCH_MAX_BYTES")
	_ = v.BindEnv("workspace.allowed_dirs", "ADS_WORKSPACE_ALLOWED_DIRS", "ALLOWED_DIRS")
	_ = v.BindEnv("workspace.routed_root", "ADS_WORKSPACE_ROUTED_ROOT", "AD_WORKSPACE")

	// Configure config file
	v.SetConfigName("ads")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/ads/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var problems []string

	if cfg.Web.Port <= 0 || cfg.Web.Port > 65535 {
		problems = append(problems, "web.port must be between 1 and 65535")
	}
	if cfg.Web.MaxClients < 1 {
		problems = append(problems, "web.max_clients must be at least 1")
	}
	if cfg.Web.IdleMinutes < 0 {
		problems = append(problems, "web.idle_minutes must not be negative")
	}

	if cfg.Tools.FileMaxBytes <= 0 {
		problems = append(problems, "tools.file_max_bytes must be positive")
	}
	if cfg.Tools.FileMaxWriteBytes <= 0 {
		problems = append(problems, "tools.file_max_write_bytes must be positive")
	}
	if cfg.Tools.PatchMaxBytes <= 0 {
		problems = append(problems, "tools.apply_patch_max_bytes must be positive")
	}

	if cfg.Collab.MaxDelegations < 1 {
		problems = append(problems, "collab.max_delegations must be at least 1")
	}
	if cfg.Collab.MaxSupervisorRounds < 1 {
		problems = append(problems, "collab.max_supervisor_rounds must be at least 1")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		problems = append(problems, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		problems = append(problems, "logging.format must be one of: json, text")
	}

	if cfg.Tracing.Enabled && cfg.Tracing.Endpoint == "" {
		problems = append(problems, "tracing.endpoint is required when tracing.enabled is true")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%s", strings.Join(problems, "; "))
	}

	return nil
}

// Agent returns the adapter launch config for the given id, or false when the
// id is not one of the built-in adapters.
func (a *AgentsConfig) Agent(id string) (AgentConfig, bool) {
	switch id {
	case "codex":
		return a.Codex, true
	case "claude":
		return a.Claude, true
	case "gemini":
		return a.Gemini, true
	default:
		return AgentConfig{}, false
	}
}
