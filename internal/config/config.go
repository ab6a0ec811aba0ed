// Package config loads and validates the daemon configuration.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"

	"github.com/thetic/hass-mytpu/internal/tpu"
)

// Config holds all configuration for the daemon.
type Config struct {
	Provider ProviderConfig `mapstructure:"provider"`
	Database DatabaseConfig `mapstructure:"database"`
	Poll     PollConfig     `mapstructure:"poll"`
	Token    TokenConfig    `mapstructure:"token"`
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`

	// Services are the configured meters, validated at load.
	Services []tpu.Service `mapstructure:"-"`
}

type ProviderConfig struct {
	BaseURL  string `mapstructure:"base_url"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	// TimeoutSeconds bounds every HTTP call to the portal.
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

func (p ProviderConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Name     string `mapstructure:"name"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"ssl_mode"`
}

// ConnString renders the database/sql keyword connection string.
func (d DatabaseConfig) ConnString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
	)
}

type PollConfig struct {
	IntervalHours int `mapstructure:"interval_hours"`
	// ServerErrorReauthThreshold is how many consecutive token-exchange
	// server errors are retried before escalating to reauth. Tuned against
	// the observed server, hence configurable.
	ServerErrorReauthThreshold int `mapstructure:"server_error_reauth_threshold"`
}

func (p PollConfig) Interval() time.Duration {
	return time.Duration(p.IntervalHours) * time.Hour
}

type TokenConfig struct {
	StatePath              string `mapstructure:"state_path"`
	RefreshIntervalMinutes int    `mapstructure:"refresh_interval_minutes"`
	RefreshMarginSeconds   int    `mapstructure:"refresh_margin_seconds"`
}

func (t TokenConfig) RefreshInterval() time.Duration {
	return time.Duration(t.RefreshIntervalMinutes) * time.Minute
}

func (t TokenConfig) RefreshMargin() time.Duration {
	return time.Duration(t.RefreshMarginSeconds) * time.Second
}

type ServerConfig struct {
	Host           string  `mapstructure:"host"`
	Port           int     `mapstructure:"port"`
	CacheSize      int     `mapstructure:"cache_size"`
	RateLimit      float64 `mapstructure:"rate_limit"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from the file at path, expanding ${ENV} references
// before parsing. Service entries are rejected here, at the load boundary,
// when malformed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)
	if err := v.ReadConfig(bytes.NewReader([]byte(expanded))); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	services, err := parseServices(v.Get("services"))
	if err != nil {
		return nil, err
	}
	cfg.Services = services

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// parseServices routes each configured service entry through the same JSON
// blob path used for persisted service identities, so both construction
// paths produce equivalent records.
func parseServices(raw any) ([]tpu.Service, error) {
	if raw == nil {
		return nil, nil
	}
	entries, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("services must be a list")
	}

	services := make([]tpu.Service, 0, len(entries))
	for i, entry := range entries {
		blob, err := json.Marshal(entry)
		if err != nil {
			return nil, fmt.Errorf("service %d: %w", i, err)
		}
		svc, err := tpu.ServiceFromConfig(blob)
		if err != nil {
			return nil, fmt.Errorf("service %d: %w", i, err)
		}
		services = append(services, svc)
	}
	return services, nil
}

func (c *Config) validate() error {
	if c.Provider.BaseURL == "" {
		return fmt.Errorf("provider.base_url must not be empty")
	}
	if c.Database.Host == "" || c.Database.Name == "" {
		return fmt.Errorf("database host and name are required")
	}
	if c.Poll.IntervalHours <= 0 {
		return fmt.Errorf("poll.interval_hours must be positive")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("provider.base_url", tpu.DefaultBaseURL)
	v.SetDefault("provider.timeout_seconds", 30)

	v.SetDefault("database.port", 5432)
	v.SetDefault("database.ssl_mode", "disable")

	v.SetDefault("poll.interval_hours", 1)
	v.SetDefault("poll.server_error_reauth_threshold", 3)

	v.SetDefault("token.state_path", "mytpu_token.json")
	v.SetDefault("token.refresh_interval_minutes", 45)
	v.SetDefault("token.refresh_margin_seconds", 900)

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cache_size", 1000)
	v.SetDefault("server.rate_limit", 5.0)
	v.SetDefault("server.rate_limit_burst", 10)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
