package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	internal "github.com/ZanzyTHEbar/hitl-chat/hitl"

	"github.com/spf13/viper"
)

// Config stores all configuration of the application.
// The values are read by viper from a config file or environment variables.
type Config struct {
	Model      ModelConfig      `mapstructure:"model"`
	Engine     EngineConfig     `mapstructure:"engine"`
	Approval   ApprovalConfig   `mapstructure:"approval"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Tools      ToolsConfig      `mapstructure:"tools"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
	Server     ServerConfig     `mapstructure:"server"`
	Log        LogConfig        `mapstructure:"log"`
}

// ModelConfig selects the chat model and its OpenAI-compatible endpoint.
type ModelConfig struct {
	Provider    string  `mapstructure:"provider"` // "openai", "groq", "ollama"
	Name        string  `mapstructure:"name"`
	BaseURL     string  `mapstructure:"base_url"` // Empty uses the provider default
	APIKey      string  `mapstructure:"api_key"`
	Temperature float32 `mapstructure:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens"`
}

// EngineConfig bounds each engine call.
type EngineConfig struct {
	MaxIterations int           `mapstructure:"max_iterations"` // Model calls per submit or resolve
	ModelTimeout  time.Duration `mapstructure:"model_timeout"`
	ToolTimeout   time.Duration `mapstructure:"tool_timeout"`
	MaxToolOutput int           `mapstructure:"max_tool_output"` // Bytes of tool output kept in a turn
}

// ApprovalConfig overrides the approval policy tools declare for themselves.
type ApprovalConfig struct {
	RequiredTools []string `mapstructure:"required_tools"`
	AutoTools     []string `mapstructure:"auto_tools"`
}

// CheckpointConfig selects where conversation state is kept.
type CheckpointConfig struct {
	Backend      string `mapstructure:"backend"` // "memory" or "libsql"
	DSN          string `mapstructure:"dsn"`     // file:... or libsql://...
	AuthToken    string `mapstructure:"auth_token"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

// ToolsConfig stores credentials and tuning for the built-in tools.
type ToolsConfig struct {
	TavilyAPIKey       string `mapstructure:"tavily_api_key"`
	TavilyBaseURL      string `mapstructure:"tavily_base_url"`
	SearchMaxResults   int    `mapstructure:"search_max_results"`
	SearchCacheEnabled bool   `mapstructure:"search_cache_enabled"`
	SearchCacheSize    int    `mapstructure:"search_cache_size"`
	SearchCacheTTL     int    `mapstructure:"search_cache_ttl_seconds"`

	TwilioAccountSID   string `mapstructure:"twilio_account_sid"`
	TwilioAuthToken    string `mapstructure:"twilio_auth_token"`
	TwilioWhatsAppFrom string `mapstructure:"twilio_whatsapp_from"`
}

// RateLimitConfig throttles model calls.
type RateLimitConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Capacity   int           `mapstructure:"capacity"`    // Token bucket capacity
	RefillRate time.Duration `mapstructure:"refill_rate"` // Time to refill one token
}

// TracingConfig selects the tracer backend.
type TracingConfig struct {
	Backend      string `mapstructure:"backend"`       // "none", "zerolog", "otel"
	OTLPEndpoint string `mapstructure:"otlp_endpoint"` // host:port of an OTLP/HTTP collector
	ServiceName  string `mapstructure:"service_name"`
}

// ServerConfig stores HTTP API settings.
type ServerConfig struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// LogConfig stores logger settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "console" or "json"
}

var AppConfig Config

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath(filepath.Join("etc", internal.DefaultAppName))
		v.AddConfigPath(internal.DefaultConfigPath)
		v.SetConfigName(internal.DefaultConfigName)
		v.SetConfigType("yaml")
	}

	// Model defaults
	v.SetDefault("model.provider", internal.ProviderGroq)
	v.SetDefault("model.name", internal.DefaultModelName)
	v.SetDefault("model.base_url", "")
	v.SetDefault("model.api_key", "")
	v.SetDefault("model.temperature", 0.7)
	v.SetDefault("model.max_tokens", 0)

	// Engine defaults
	v.SetDefault("engine.max_iterations", internal.DefaultMaxIterations)
	v.SetDefault("engine.model_timeout", internal.DefaultModelTimeout)
	v.SetDefault("engine.tool_timeout", internal.DefaultToolTimeout)
	v.SetDefault("engine.max_tool_output", internal.DefaultMaxToolOutput)

	// Approval overrides (tools declare their own default)
	v.SetDefault("approval.required_tools", []string{})
	v.SetDefault("approval.auto_tools", []string{})

	// Checkpoint defaults
	v.SetDefault("checkpoint.backend", internal.BackendMemory)
	v.SetDefault("checkpoint.dsn", internal.DefaultDatabaseDSN)
	v.SetDefault("checkpoint.auth_token", "")
	v.SetDefault("checkpoint.max_open_conns", 8)

	// Tool defaults
	v.SetDefault("tools.tavily_api_key", "")
	v.SetDefault("tools.tavily_base_url", internal.DefaultTavilyBaseURL)
	v.SetDefault("tools.search_max_results", internal.DefaultSearchMaxResults)
	v.SetDefault("tools.search_cache_enabled", true)
	v.SetDefault("tools.search_cache_size", internal.DefaultSearchCacheSize)
	v.SetDefault("tools.search_cache_ttl_seconds", internal.DefaultSearchCacheTTL)
	v.SetDefault("tools.twilio_account_sid", "")
	v.SetDefault("tools.twilio_auth_token", "")
	v.SetDefault("tools.twilio_whatsapp_from", "")

	// Rate limiting (off unless the provider enforces tight quotas)
	v.SetDefault("rate_limit.enabled", false)
	v.SetDefault("rate_limit.capacity", 10)
	v.SetDefault("rate_limit.refill_rate", "1s")

	// Tracing
	v.SetDefault("tracing.backend", "zerolog")
	v.SetDefault("tracing.otlp_endpoint", "")
	v.SetDefault("tracing.service_name", internal.DefaultAppName)

	// Server
	v.SetDefault("server.addr", internal.DefaultServerAddr)
	v.SetDefault("server.read_timeout", internal.DefaultServerReadTimeout)
	v.SetDefault("server.write_timeout", internal.DefaultServerWriteTimeout)

	// Logging
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.AutomaticEnv()
	// Replace dots with underscores in env var names e.g. tools.twilio_auth_token becomes TOOLS_TWILIO_AUTH_TOKEN
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; defaults and environment apply.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}
	applyLegacyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	AppConfig = cfg
	return &cfg, nil
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	switch c.Checkpoint.Backend {
	case internal.BackendMemory:
	case internal.BackendLibSQL:
		if c.Checkpoint.DSN == "" {
			return fmt.Errorf("checkpoint.dsn is required for the %s backend", internal.BackendLibSQL)
		}
	default:
		return fmt.Errorf("unknown checkpoint backend %q", c.Checkpoint.Backend)
	}

	switch c.Tracing.Backend {
	case "", "none", "zerolog", "otel":
	default:
		return fmt.Errorf("unknown tracing backend %q", c.Tracing.Backend)
	}

	switch strings.ToLower(c.Model.Provider) {
	case internal.ProviderOpenAI, internal.ProviderGroq, internal.ProviderOllama:
	default:
		return fmt.Errorf("unknown model provider %q", c.Model.Provider)
	}

	return nil
}
