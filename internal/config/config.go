// Package config loads and validates the Relay configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for Relay.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Auth          AuthConfig          `yaml:"auth"`
	Providers     ProvidersConfig     `yaml:"providers"`
	Guardrails    GuardrailsConfig    `yaml:"guardrails"`
	Session       SessionConfig       `yaml:"session"`
	Tools         ToolsConfig         `yaml:"tools"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type ServerConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	MetricsPort int    `yaml:"metrics_port"`
}

type DatabaseConfig struct {
	// Path is the SQLite database file. Empty selects the in-memory store.
	Path string `yaml:"path"`
}

type AuthConfig struct {
	// JWTSecret signs and verifies connection tokens. Empty disables auth
	// (local development only).
	JWTSecret   string        `yaml:"jwt_secret"`
	TokenExpiry time.Duration `yaml:"token_expiry"`
}

// ProvidersConfig selects completion backends in priority order.
type ProvidersConfig struct {
	// Priority lists provider names most-preferred first. The dispatcher
	// uses the first configured, healthy provider.
	Priority []string `yaml:"priority"`

	Anthropic ProviderConfig `yaml:"anthropic"`
	OpenAI    ProviderConfig `yaml:"openai"`

	// RequestTimeout bounds every completion call.
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

type ProviderConfig struct {
	APIKey       string `yaml:"api_key"`
	BaseURL      string `yaml:"base_url"`
	DefaultModel string `yaml:"default_model"`
}

type GuardrailsConfig struct {
	// Enabled short-circuits all evaluation to allow when false.
	Enabled bool `yaml:"enabled"`

	// MaxInputChars is the input length ceiling.
	MaxInputChars int `yaml:"max_input_chars"`

	// MaxOutputChars is the output length ceiling.
	MaxOutputChars int `yaml:"max_output_chars"`

	// SampleLength bounds audited text excerpts.
	SampleLength int `yaml:"sample_length"`
}

type SessionConfig struct {
	// ContextWindow is how many recent memory entries feed prompts.
	ContextWindow int `yaml:"context_window"`

	// NameMaxLength caps derived display names.
	NameMaxLength int `yaml:"name_max_length"`

	// IdleTimeout ends sessions with no activity for this long.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// ExpirySchedule is the cron spec for the idle-session sweeper.
	ExpirySchedule string `yaml:"expiry_schedule"`
}

type ToolsConfig struct {
	// RequestTimeout bounds HTTP tool calls.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// SandboxCommand runs function tools in an isolated subprocess.
	SandboxCommand string `yaml:"sandbox_command"`

	// SandboxTimeout bounds sandboxed evaluations.
	SandboxTimeout time.Duration `yaml:"sandbox_timeout"`
}

type ObservabilityConfig struct {
	LogLevel     string  `yaml:"log_level"`
	LogFormat    string  `yaml:"log_format"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	SampleRate   float64 `yaml:"sample_rate"`
	Environment  string  `yaml:"environment"`
}

// Default returns a configuration with sensible local-development values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:        "127.0.0.1",
			Port:        8420,
			MetricsPort: 9420,
		},
		Auth: AuthConfig{
			TokenExpiry: 24 * time.Hour,
		},
		Providers: ProvidersConfig{
			Priority:       []string{"anthropic", "openai"},
			RequestTimeout: 60 * time.Second,
		},
		Guardrails: GuardrailsConfig{
			Enabled:        true,
			MaxInputChars:  8000,
			MaxOutputChars: 32000,
			SampleLength:   200,
		},
		Session: SessionConfig{
			ContextWindow:  10,
			NameMaxLength:  50,
			IdleTimeout:    24 * time.Hour,
			ExpirySchedule: "@every 10m",
		},
		Tools: ToolsConfig{
			RequestTimeout: 30 * time.Second,
			SandboxTimeout: 10 * time.Second,
		},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogFormat: "json",
		},
	}
}

// Load reads a YAML config file, applies environment overrides, and
// validates the result. A missing path returns defaults with overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		cfg.Providers.Anthropic.APIKey = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.Providers.OpenAI.APIKey = v
	}
	if v := os.Getenv("RELAY_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("RELAY_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("RELAY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
}

// Validate checks invariants that would otherwise surface as confusing
// runtime failures.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Guardrails.MaxInputChars <= 0 {
		return fmt.Errorf("guardrails.max_input_chars must be positive")
	}
	if c.Guardrails.MaxOutputChars < c.Guardrails.MaxInputChars {
		return fmt.Errorf("guardrails.max_output_chars must be >= max_input_chars")
	}
	if c.Session.ContextWindow <= 0 {
		return fmt.Errorf("session.context_window must be positive")
	}
	if c.Providers.RequestTimeout <= 0 {
		return fmt.Errorf("providers.request_timeout must be positive")
	}
	for _, name := range c.Providers.Priority {
		switch name {
		case "anthropic", "openai":
		default:
			return fmt.Errorf("unknown provider %q in priority list", name)
		}
	}
	return nil
}
