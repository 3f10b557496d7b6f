// Package config provides application configuration management.
// Configuration is loaded from environment variables following 12-factor principles.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds all application configuration.
// All fields are populated from environment variables and read once at startup;
// only the users file is re-read at runtime, via the reload command.
type Config struct {
	// Application settings
	AppEnv string `env:"APP_ENV" envDefault:"development"`

	// Telegram bot credential
	BotToken string `env:"BOT_TOKEN,required"`

	// Upstream administration API
	UpstreamBaseURL   string        `env:"UPSTREAM_BASE_URL,required"`
	UpstreamMasterKey string        `env:"UPSTREAM_MASTER_KEY,required"`
	UpstreamTimeout   time.Duration `env:"UPSTREAM_TIMEOUT" envDefault:"30s"`

	// Authorized users file (CSV with telegram_username,email header)
	UsersCSVPath string `env:"USERS_CSV_PATH" envDefault:"users.csv"`

	// Token issuance defaults, passed through to the upstream API
	DefaultTeamID        string  `env:"DEFAULT_TEAM_ID" envDefault:""`
	DefaultTokenDuration string  `env:"DEFAULT_TOKEN_DURATION" envDefault:"90m"`
	DefaultTokenBudget   float64 `env:"DEFAULT_TOKEN_BUDGET" envDefault:"0.5"`

	// Per-command handling bound applied by the transport
	CommandTimeout time.Duration `env:"COMMAND_TIMEOUT" envDefault:"60s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Ops HTTP server (health + metrics)
	OpsPort         int           `env:"OPS_PORT" envDefault:"8080"`
	ReadTimeout     time.Duration `env:"READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT" envDefault:"10s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// Rate limiting (optional, enabled when REDIS_URL is set)
	RedisURL           string `env:"REDIS_URL" envDefault:""`
	RateLimitEnabled   bool   `env:"RATE_LIMIT_ENABLED" envDefault:"true"`
	RateLimitPerMinute int    `env:"RATE_LIMIT_PER_MINUTE" envDefault:"10"`
	RateLimitBurst     int    `env:"RATE_LIMIT_BURST" envDefault:"5"`
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

// RateLimitActive reports whether per-caller rate limiting should be wired.
func (c *Config) RateLimitActive() bool {
	return c.RateLimitEnabled && c.RedisURL != ""
}

// Load parses environment variables and returns a Config.
// Returns an error if required variables are missing.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}
