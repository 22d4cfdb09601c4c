package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/viper"
)

// =============================================================================
// Config Types
// =============================================================================

// Config holds all application configuration.
type Config struct {
	Server ServerConfig `mapstructure:"server"`
	Engine EngineConfig `mapstructure:"engine"`
	Audit  AuditConfig  `mapstructure:"audit"`
	Fetch  FetchConfig  `mapstructure:"fetch"`
	Auth   AuthConfig   `mapstructure:"auth"`
	Log    LogConfig    `mapstructure:"log"`
	API    APIConfig    `mapstructure:"api"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Address returns the server address in host:port format.
func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// EngineConfig holds engine bus configuration.
type EngineConfig struct {
	// URL is the NATS server URL carrying engine RPC traffic.
	URL string `mapstructure:"url"`

	// Subject is the request/reply subject the engine listens on.
	Subject string `mapstructure:"subject"`

	// Timeout bounds a single engine call.
	Timeout time.Duration `mapstructure:"timeout"`
}

// AuditConfig holds dispatch audit log configuration.
type AuditConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DSN     string `mapstructure:"dsn"`
}

// FetchConfig holds remote template fetcher configuration.
type FetchConfig struct {
	Timeout  time.Duration `mapstructure:"timeout"`
	MaxBytes int64         `mapstructure:"max_bytes"`
}

// AuthConfig holds policy configuration.
type AuthConfig struct {
	// PolicyFile is a YAML file mapping actions to allowed roles. Empty
	// means every authenticated request within its tenant is allowed.
	PolicyFile string `mapstructure:"policy_file"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// APIConfig holds API surface configuration.
type APIConfig struct {
	// BaseURL prefixes self links and lookup redirects.
	BaseURL string `mapstructure:"base_url"`

	// Debug surfaces engine tracebacks in fault responses.
	Debug bool `mapstructure:"debug"`
}

// =============================================================================
// Config Loading
// =============================================================================

// LoadConfig loads configuration from file and environment.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8004)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("engine.url", "nats://localhost:4222")
	v.SetDefault("engine.subject", "engine.rpc")
	v.SetDefault("engine.timeout", "30s")
	v.SetDefault("audit.enabled", false)
	v.SetDefault("audit.dsn", "./data/stackgate.db")
	v.SetDefault("fetch.timeout", "10s")
	v.SetDefault("fetch.max_bytes", 524288)
	v.SetDefault("auth.policy_file", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("api.base_url", "http://localhost:8004")
	v.SetDefault("api.debug", false)

	// Load from file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			// Only return error if file was explicitly specified and is invalid
			if _, ok := err.(viper.ConfigParseError); ok {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
			// File not found is OK, we'll use defaults
		}
	}

	// Enable environment variable overrides
	v.SetEnvPrefix("STACKGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Unmarshal config
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// =============================================================================
// Logger Setup
// =============================================================================

// SetupLogger creates a logger with the configured level and format.
func SetupLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	case "pretty":
		handler = tint.NewHandler(os.Stdout, &tint.Options{Level: level})
	default:
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}

	return slog.New(handler)
}
