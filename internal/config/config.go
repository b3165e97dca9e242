// Package config holds terascout's process-wide, compile-time-defaulted
// configuration, loaded once at startup from environment variables and
// optionally overridden by a YAML file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every process-wide tunable the service reads at startup.
type Config struct {
	// MaxEmailsPerScoutPerDay gates notification dispatch. Default: 10.
	MaxEmailsPerScoutPerDay int `yaml:"max_emails_per_scout_per_day"`
	// DefaultLifetimeHours is the default expiresAt offset. Default: 72.
	DefaultLifetimeHours int `yaml:"default_lifetime_hours"`
	// MaxLifetimeHours caps a user-supplied expiresAt. Default: 168.
	MaxLifetimeHours int `yaml:"max_lifetime_hours"`
	// PollInterval is the durable sleep between cycles. Default: 10m.
	PollInterval time.Duration `yaml:"poll_interval"`
	// MaxCycles is the hard upper bound per engine instance. Default: 200.
	MaxCycles int `yaml:"max_cycles"`
	// MaxSnapshotTextLength truncates text on store write. Default: 5000.
	MaxSnapshotTextLength int `yaml:"max_snapshot_text_length"`
	// MaxAiTextLength is the analyzer text limit. Default: 2500. The value
	// is not passed on: llmclient truncates each text it puts in a prompt
	// to a fixed 2500 bytes, whatever this field holds.
	MaxAiTextLength int `yaml:"max_ai_text_length"`
	// DedupeLookback is the recent-event window for dedup. Default: 5.
	DedupeLookback int `yaml:"dedupe_lookback"`
	// FetchMaxRetries bounds extra fetch attempts on transient failure,
	// on top of the fetcher's own 429 handling. Default: 2.
	FetchMaxRetries int `yaml:"fetch_max_retries"`
	// FetchRetryInterval is the linear backoff between fetch retries.
	// Default: 5s.
	FetchRetryInterval time.Duration `yaml:"fetch_retry_interval"`

	// DataDir is the root directory for per-scout SQLite files.
	DataDir string `yaml:"data_dir"`
	// CatalogPath is the SQLite file listing all known scouts.
	CatalogPath string `yaml:"catalog_path"`

	// Addr is the HTTP listen address for the control plane.
	Addr string `yaml:"addr"`
	// LogLevel selects the slog handler level: debug|info|warn|error.
	LogLevel string `yaml:"log_level"`

	// LLMEndpoint / LLMModel / LLMAPIKey configure the language model
	// HTTP collaborator (OpenAI-compatible chat completions).
	LLMEndpoint string `yaml:"llm_endpoint"`
	LLMModel    string `yaml:"llm_model"`
	LLMAPIKey   string `yaml:"llm_api_key"`

	// EmailEndpoint / EmailAPIKey / EmailFrom configure the outbound email
	// provider HTTP collaborator.
	EmailEndpoint string `yaml:"email_endpoint"`
	EmailAPIKey   string `yaml:"email_api_key"`
	EmailFrom     string `yaml:"email_from"`
}

func (c *Config) defaults() {
	if c.MaxEmailsPerScoutPerDay <= 0 {
		c.MaxEmailsPerScoutPerDay = 10
	}
	if c.DefaultLifetimeHours <= 0 {
		c.DefaultLifetimeHours = 72
	}
	if c.MaxLifetimeHours <= 0 {
		c.MaxLifetimeHours = 168
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Minute
	}
	if c.MaxCycles <= 0 {
		c.MaxCycles = 200
	}
	if c.MaxSnapshotTextLength <= 0 {
		c.MaxSnapshotTextLength = 5000
	}
	if c.MaxAiTextLength <= 0 {
		c.MaxAiTextLength = 2500
	}
	if c.DedupeLookback <= 0 {
		c.DedupeLookback = 5
	}
	if c.FetchMaxRetries <= 0 {
		c.FetchMaxRetries = 2
	}
	if c.FetchRetryInterval <= 0 {
		c.FetchRetryInterval = 5 * time.Second
	}
	if c.DataDir == "" {
		c.DataDir = "data/scouts"
	}
	if c.CatalogPath == "" {
		c.CatalogPath = "data/catalog.db"
	}
	if c.Addr == "" {
		c.Addr = ":8085"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.EmailFrom == "" {
		c.EmailFrom = "scout@terascout.local"
	}
}

// Load reads configuration from environment variables, layers a YAML
// override file on top if TERASCOUT_CONFIG is set, then applies defaults
// to every field still unset (or set to zero).
func Load() (*Config, error) {
	c := &Config{
		DataDir:       env("DATA_DIR", ""),
		CatalogPath:   env("CATALOG_DB", ""),
		LogLevel:      env("LOG_LEVEL", ""),
		LLMEndpoint:   env("LLM_ENDPOINT", ""),
		LLMModel:      env("LLM_MODEL", ""),
		LLMAPIKey:     env("LLM_API_KEY", ""),
		EmailEndpoint: env("EMAIL_ENDPOINT", ""),
		EmailAPIKey:   env("EMAIL_API_KEY", ""),
		EmailFrom:     env("EMAIL_FROM", ""),
	}
	if v := os.Getenv("ADDR"); v != "" {
		c.Addr = v
	} else if v := os.Getenv("PORT"); v != "" {
		c.Addr = ":" + v
	}
	if v := os.Getenv("MAX_EMAILS_PER_SCOUT_PER_DAY"); v != "" {
		c.MaxEmailsPerScoutPerDay = atoiOrZero(v)
	}
	if v := os.Getenv("DEFAULT_LIFETIME_HOURS"); v != "" {
		c.DefaultLifetimeHours = atoiOrZero(v)
	}
	if v := os.Getenv("MAX_LIFETIME_HOURS"); v != "" {
		c.MaxLifetimeHours = atoiOrZero(v)
	}
	if v := os.Getenv("POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.PollInterval = d
		}
	}
	if v := os.Getenv("MAX_CYCLES"); v != "" {
		c.MaxCycles = atoiOrZero(v)
	}

	if path := os.Getenv("TERASCOUT_CONFIG"); path != "" {
		if err := c.applyYAML(path); err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
	}

	c.defaults()
	return c, nil
}

func (c *Config) applyYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func env(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func atoiOrZero(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}
