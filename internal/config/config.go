package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server   ServerConfig   `mapstructure:"server" validate:"required"`
	Database DatabaseConfig `mapstructure:"database" validate:"required"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Worker   WorkerConfig   `mapstructure:"worker" validate:"required"`
	Beat     BeatConfig     `mapstructure:"beat" validate:"required"`
	Mercure  MercureConfig  `mapstructure:"mercure"`
	Auth     AuthConfig     `mapstructure:"auth" validate:"required"`
}

// ServerConfig contains all server-related configuration settings.
type ServerConfig struct {
	Port     int    `mapstructure:"port" validate:"required,gt=0,lt=65536"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
}

// DatabaseConfig contains all database-related configuration settings.
type DatabaseConfig struct {
	URL string `mapstructure:"url" validate:"required,url"`
}

// RedisConfig selects the Redis work queue. An empty URL selects the
// in-process broker.
type RedisConfig struct {
	URL    string `mapstructure:"url" validate:"omitempty,url"`
	Prefix string `mapstructure:"prefix" validate:"required"`
}

// WorkerConfig contains the worker pool settings.
type WorkerConfig struct {
	Concurrency  int           `mapstructure:"concurrency" validate:"gt=0"`
	Queues       []string      `mapstructure:"queues" validate:"required,min=1,dive,required"`
	PollInterval time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	// DrainTimeout bounds how long shutdown waits for running jobs before
	// interrupting them.
	DrainTimeout time.Duration `mapstructure:"drain_timeout" validate:"gt=0"`
}

// BeatConfig contains the recurring schedule publisher settings.
type BeatConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	CleanupSchedule string `mapstructure:"cleanup_schedule" validate:"required"`
	Location        string `mapstructure:"location" validate:"required"`
}

// MercureConfig configures task event publishing to a Mercure hub.
// Publishing is disabled when HubURL is empty.
type MercureConfig struct {
	HubURL          string `mapstructure:"hub_url" validate:"omitempty,url"`
	JWTKey          string `mapstructure:"jwt_key" validate:"required_with=HubURL"`
	DefaultAudience string `mapstructure:"default_audience"`
}

// AuthConfig contains all authentication and authorization settings.
type AuthConfig struct {
	JWTSecret     string        `mapstructure:"jwt_secret" validate:"required,min=32"`
	TokenLifetime time.Duration `mapstructure:"token_lifetime" validate:"gt=0"`
}
