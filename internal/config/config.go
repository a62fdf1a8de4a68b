// Package config loads and validates the assistant daemon configuration
// from YAML with environment overrides.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dorel14/SoniqueBay-sub001/internal/otel"
	"gopkg.in/yaml.v3"
)

// LLMConfig holds configuration for the inference backend.
type LLMConfig struct {
	// Provider names the active backend: "google", "anthropic", "openai", "openai_compatible".
	Provider string `yaml:"provider"`

	// Model is the default model identifier; individual agent profiles may
	// override it per profile.
	Model string `yaml:"model"`

	// APIKeyEnv names the environment variable holding the provider key.
	APIKeyEnv string `yaml:"api_key_env"`

	// OpenAICompatible config.
	OpenAICompatibleProvider string `yaml:"openai_compatible_provider"`
	OpenAICompatibleBaseURL  string `yaml:"openai_compatible_base_url"`

	// CallTimeoutSeconds bounds every backend call. 0 uses default (120s).
	CallTimeoutSeconds int `yaml:"call_timeout_seconds"`

	// RetryBackoffMillis is the delay before the single retry of a
	// retryable backend error. 0 uses default (500ms).
	RetryBackoffMillis int `yaml:"retry_backoff_millis"`
}

// RoutingConfig tunes the intent router and scoring engine.
type RoutingConfig struct {
	// RouterAgent names the profile used for intent routing.
	RouterAgent string `yaml:"router_agent"`

	// Threshold is the confidence required to accept a candidate. Default 0.5.
	Threshold float64 `yaml:"threshold"`

	// MaxCandidates bounds the proposal list. Default 5.
	MaxCandidates int `yaml:"max_candidates"`

	// HistoryTurns caps the number of recent turns given to the router.
	HistoryTurns int `yaml:"history_turns"`
}

// ClarifyConfig bounds the clarification loop.
type ClarifyConfig struct {
	// MaxConsecutive is the number of consecutive clarifying turns allowed
	// before the conversation is refused. Default 2.
	MaxConsecutive int `yaml:"max_consecutive"`
}

// StreamConfig tunes output chunk coalescing.
type StreamConfig struct {
	// ChunkBytes is the flush threshold for coalesced chunks. Default 512.
	ChunkBytes int `yaml:"chunk_bytes"`

	// LingerMillis flushes a partial chunk after this idle interval. Default 50.
	LingerMillis int `yaml:"linger_millis"`
}

// SessionConfig governs conversation context lifetime.
type SessionConfig struct {
	// IdleTimeoutSeconds evicts conversations idle longer than this. Default 1800.
	IdleTimeoutSeconds int `yaml:"idle_timeout_seconds"`

	// SweepSpec is the cron spec for the eviction sweep. Default "@every 1m".
	SweepSpec string `yaml:"sweep_spec"`

	// MaxHistoryTurns bounds the in-memory turn history per conversation. Default 50.
	MaxHistoryTurns int `yaml:"max_history_turns"`

	// MaxQueuedMessages bounds the per-conversation inbound queue. Default 8.
	MaxQueuedMessages int `yaml:"max_queued_messages"`
}

// RetentionConfig governs the routing-decision audit log.
type RetentionConfig struct {
	// DecisionDays is how long routing decisions are kept. Default 30.
	DecisionDays int `yaml:"decision_days"`

	// PruneSpec is the cron spec for the retention job. Default "@daily".
	PruneSpec string `yaml:"prune_spec"`
}

// TelegramConfig enables the optional Telegram channel.
type TelegramConfig struct {
	Token      string  `yaml:"token"`
	AllowedIDs []int64 `yaml:"allowed_ids"`
	Enabled    bool    `yaml:"enabled"`
}

// ToolsConfig configures tool capabilities.
type ToolsConfig struct {
	// InvokeTimeoutSeconds bounds every tool invocation. Default 30.
	InvokeTimeoutSeconds int `yaml:"invoke_timeout_seconds"`

	// PluginDir holds WASM tool modules loaded at startup. Empty disables.
	PluginDir string `yaml:"plugin_dir"`

	// PluginAgents lists agent names authorized for plugin-provided tools.
	PluginAgents []string `yaml:"plugin_agents"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr  string `yaml:"bind_addr"`
	AuthToken string `yaml:"auth_token"`
	LogLevel  string `yaml:"log_level"`
	DBPath    string `yaml:"db_path"`

	// AllowOrigins controls which Origin headers are accepted for browser
	// WebSocket connections. Empty means same-origin only.
	AllowOrigins []string `yaml:"allow_origins"`

	LLM       LLMConfig       `yaml:"llm"`
	Routing   RoutingConfig   `yaml:"routing"`
	Clarify   ClarifyConfig   `yaml:"clarify"`
	Stream    StreamConfig    `yaml:"stream"`
	Session   SessionConfig   `yaml:"session"`
	Retention RetentionConfig `yaml:"retention"`
	Tools     ToolsConfig     `yaml:"tools"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	OTel      otel.Config     `yaml:"otel"`
}

// DefaultHomeDir returns the assistant home directory (~/.soniquebay).
func DefaultHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".soniquebay")
}

// ConfigPath returns the config file path under the given home dir.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "assistant.yaml")
}

// Load reads the YAML config from homeDir, applies environment overrides
// and defaults, and validates it. A missing file yields pure defaults.
func Load(homeDir string) (*Config, error) {
	if homeDir == "" {
		homeDir = DefaultHomeDir()
	}

	cfg := &Config{HomeDir: homeDir}

	data, err := os.ReadFile(ConfigPath(homeDir))
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	case os.IsNotExist(err):
		// Fall through to defaults.
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg.HomeDir = homeDir

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SONIQUEBAY_BIND_ADDR"); v != "" {
		cfg.BindAddr = v
	}
	if v := os.Getenv("SONIQUEBAY_AUTH_TOKEN"); v != "" {
		cfg.AuthToken = v
	}
	if v := os.Getenv("SONIQUEBAY_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("SONIQUEBAY_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("SONIQUEBAY_LLM_PROVIDER"); v != "" {
		cfg.LLM.Provider = v
	}
	if v := os.Getenv("SONIQUEBAY_ROUTING_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Routing.Threshold = f
		}
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:8750"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "assistant.db")
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "google"
	}
	if cfg.LLM.CallTimeoutSeconds <= 0 {
		cfg.LLM.CallTimeoutSeconds = 120
	}
	if cfg.LLM.RetryBackoffMillis <= 0 {
		cfg.LLM.RetryBackoffMillis = 500
	}
	if cfg.Routing.RouterAgent == "" {
		cfg.Routing.RouterAgent = "router"
	}
	if cfg.Routing.Threshold <= 0 {
		cfg.Routing.Threshold = 0.5
	}
	if cfg.Routing.MaxCandidates <= 0 {
		cfg.Routing.MaxCandidates = 5
	}
	if cfg.Routing.HistoryTurns <= 0 {
		cfg.Routing.HistoryTurns = 10
	}
	if cfg.Clarify.MaxConsecutive <= 0 {
		cfg.Clarify.MaxConsecutive = 2
	}
	if cfg.Stream.ChunkBytes <= 0 {
		cfg.Stream.ChunkBytes = 512
	}
	if cfg.Stream.LingerMillis <= 0 {
		cfg.Stream.LingerMillis = 50
	}
	if cfg.Session.IdleTimeoutSeconds <= 0 {
		cfg.Session.IdleTimeoutSeconds = 1800
	}
	if cfg.Session.SweepSpec == "" {
		cfg.Session.SweepSpec = "@every 1m"
	}
	if cfg.Session.MaxHistoryTurns <= 0 {
		cfg.Session.MaxHistoryTurns = 50
	}
	if cfg.Session.MaxQueuedMessages <= 0 {
		cfg.Session.MaxQueuedMessages = 8
	}
	if cfg.Retention.DecisionDays <= 0 {
		cfg.Retention.DecisionDays = 30
	}
	if cfg.Retention.PruneSpec == "" {
		cfg.Retention.PruneSpec = "@daily"
	}
	if cfg.Tools.InvokeTimeoutSeconds <= 0 {
		cfg.Tools.InvokeTimeoutSeconds = 30
	}
}

// Validate rejects configurations the daemon cannot serve with.
func (c *Config) Validate() error {
	if c.Routing.Threshold < 0 || c.Routing.Threshold > 1 {
		return fmt.Errorf("routing.threshold must be in [0,1], got %v", c.Routing.Threshold)
	}
	if c.Telegram.Enabled && strings.TrimSpace(c.Telegram.Token) == "" {
		return fmt.Errorf("telegram.enabled requires telegram.token")
	}
	return nil
}

// IdleTimeout returns the session idle timeout as a duration.
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.Session.IdleTimeoutSeconds) * time.Second
}

// CallTimeout returns the backend call timeout as a duration.
func (c *Config) CallTimeout() time.Duration {
	return time.Duration(c.LLM.CallTimeoutSeconds) * time.Second
}

// ToolTimeout returns the tool invocation timeout as a duration.
func (c *Config) ToolTimeout() time.Duration {
	return time.Duration(c.Tools.InvokeTimeoutSeconds) * time.Second
}

// Fingerprint returns a short stable hash of the serialized config,
// exposed by the gateway for change detection.
func (c *Config) Fingerprint() string {
	data, err := yaml.Marshal(c)
	if err != nil {
		return "unknown"
	}
	h := fnv.New64a()
	_, _ = h.Write(data)
	return fmt.Sprintf("%x", h.Sum64())
}
