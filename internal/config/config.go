// Package config loads and validates the gateway configuration from
// YAML with environment variable expansion.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration.
type Config struct {
	Server    ServerConfig              `yaml:"server"`
	Store     StoreConfig               `yaml:"store"`
	Auth      AuthConfig                `yaml:"auth"`
	Providers map[string]ProviderConfig `yaml:"providers"`
	Tools     ToolsConfig               `yaml:"tools"`
	Tenants   map[string]TenantConfig   `yaml:"tenants"`
	Engine    EngineConfig              `yaml:"engine"`
	Logging   LoggingConfig             `yaml:"logging"`
	Tracing   TracingConfig             `yaml:"tracing"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StoreConfig selects the run store backend. Connection strings
// starting with postgres:// use PostgreSQL; anything else is treated
// as a SQLite file path.
type StoreConfig struct {
	ConnectionString string `yaml:"connection_string"`

	// QueueDepth bounds the asynchronous run persistence queue.
	QueueDepth int `yaml:"queue_depth"`
}

// Postgres reports whether the connection string targets PostgreSQL.
func (s StoreConfig) Postgres() bool {
	return strings.HasPrefix(s.ConnectionString, "postgres://") ||
		strings.HasPrefix(s.ConnectionString, "postgresql://")
}

type AuthConfig struct {
	// TokenSigningSecret signs feedback tokens. Required.
	TokenSigningSecret string `yaml:"token_signing_secret"`

	// FeedbackTokenExpiry overrides the 90 day default.
	FeedbackTokenExpiry time.Duration `yaml:"feedback_token_expiry"`

	// APIKeys maps bearer keys to tenant names.
	APIKeys map[string]string `yaml:"api_keys"`
}

// ProviderConfig enables one upstream provider. A provider with no API
// key is not registered.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

type ToolsConfig struct {
	// SearchAPIKey enables the web-search tool. Absent disables it.
	SearchAPIKey    string `yaml:"search_api_key"`
	SearchEngineID  string `yaml:"search_engine_id"`
	PerplexityKey   string `yaml:"perplexity_api_key"`
	BrowserDisabled bool   `yaml:"browser_disabled"`
}

// TenantConfig carries per-tenant routing and rate limit overrides.
type TenantConfig struct {
	AllowedProviders []string `yaml:"allowed_providers"`
	FallbackOrder    []string `yaml:"fallback_order"`

	// OwnKeyProviders lists providers the tenant brings keys for.
	OwnKeyProviders []string `yaml:"own_key_providers"`

	RequestsPerMinute int `yaml:"requests_per_minute"`
	Burst             int `yaml:"burst"`
}

type EngineConfig struct {
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	ToolBudget     int           `yaml:"tool_budget"`
	MaxAttempts    int           `yaml:"max_attempts"`

	CacheTTL     time.Duration `yaml:"cache_ttl"`
	CacheMaxSize int           `yaml:"cache_max_size"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	Environment string  `yaml:"environment"`
	SampleRate  float64 `yaml:"sample_rate"`
	Insecure    bool    `yaml:"insecure"`
}

// Load reads, expands, decodes and validates the configuration file.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		// Streams stay open well past normal request lengths.
		c.Server.WriteTimeout = 5 * time.Minute
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 15 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "gateway"
	}
}

// Validate enforces the required settings.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Auth.TokenSigningSecret) == "" {
		return fmt.Errorf("auth.token_signing_secret is required")
	}
	if strings.TrimSpace(c.Store.ConnectionString) == "" {
		return fmt.Errorf("store.connection_string is required")
	}
	for name := range c.Providers {
		switch name {
		case "openai", "anthropic", "google":
		default:
			return fmt.Errorf("unknown provider %q", name)
		}
	}
	if c.Tools.SearchAPIKey != "" && c.Tools.SearchEngineID == "" {
		return fmt.Errorf("tools.search_engine_id is required when search_api_key is set")
	}
	for tenant, t := range c.Tenants {
		if t.RequestsPerMinute < 0 || t.Burst < 0 {
			return fmt.Errorf("tenant %q has negative rate limits", tenant)
		}
	}
	return nil
}

// TenantForKey resolves an API key to its tenant.
func (c *Config) TenantForKey(key string) (string, bool) {
	tenant, ok := c.Auth.APIKeys[key]
	return tenant, ok
}
