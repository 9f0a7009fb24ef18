// Package config provides Viper-based configuration loading for the realtime
// server.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig holds the HTTP listener settings. WebSocket upgrades, SSE
// streams, and the stats endpoints all share this listener.
type ServerConfig struct {
	// Host is the bind address for the HTTP listener.
	Host string `mapstructure:"host"`
	// Port is the TCP port for the HTTP listener.
	Port int `mapstructure:"port"`
	// AllowedOrigins lists origins accepted for websocket upgrades.
	// "*" accepts any origin.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	// ShutdownTimeout bounds the graceful drain on the way down.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr returns the "host:port" listen address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// DSN returns the PostgreSQL connection string.
//
// Precondition: Host, Port, User, and Name must be non-empty.
// Postcondition: Returns a valid PostgreSQL DSN string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode,
	)
}

// RealtimeConfig holds the connection manager's tunables.
type RealtimeConfig struct {
	// MaxConnectionAttempts caps connection attempts per player per window.
	MaxConnectionAttempts int `mapstructure:"max_connection_attempts"`
	// RateLimitWindow is the sliding window for connection attempts.
	RateLimitWindow time.Duration `mapstructure:"rate_limit_window"`
	// MessageRateLimit caps inbound messages per connection per window.
	MessageRateLimit int `mapstructure:"message_rate_limit"`
	// MessageRateWindow is the sliding window for inbound messages.
	MessageRateWindow time.Duration `mapstructure:"message_rate_window"`
	// PendingMessageLimit caps each player's offline message queue.
	PendingMessageLimit int `mapstructure:"pending_message_limit"`
	// HealthCheckTimeout bounds each liveness ping.
	HealthCheckTimeout time.Duration `mapstructure:"health_check_timeout"`
	// MaxConnectionAge evicts connections unseen for this long.
	MaxConnectionAge time.Duration `mapstructure:"max_connection_age"`
	// StalePlayerThreshold prunes presence unseen for this long.
	StalePlayerThreshold time.Duration `mapstructure:"stale_player_threshold"`
	// MaintenanceInterval is the background cleanup loop's tick.
	MaintenanceInterval time.Duration `mapstructure:"maintenance_interval"`
	// MemoryCheckInterval is the elapsed-time cleanup trigger.
	MemoryCheckInterval time.Duration `mapstructure:"memory_check_interval"`
	// MemoryThresholdMB is the resident-memory cleanup trigger; 0 disables it.
	MemoryThresholdMB int `mapstructure:"memory_threshold_mb"`
}

// EventBusConfig holds the event bus tunables.
type EventBusConfig struct {
	// QueueCapacity bounds the publish queue; publishes beyond it are rejected.
	QueueCapacity int `mapstructure:"queue_capacity"`
	// ShutdownGrace bounds the wait for in-flight handlers on shutdown.
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Realtime RealtimeConfig `mapstructure:"realtime"`
	EventBus EventBusConfig `mapstructure:"eventbus"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	if err := validateServer(c.Server); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateDatabase(c.Database); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateRealtime(c.Realtime); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateEventBus(c.EventBus); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateLogging(c.Logging); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateServer(s ServerConfig) error {
	var errs []string
	if s.Port < 1 || s.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port must be 1-65535, got %d", s.Port))
	}
	if s.ShutdownTimeout < 0 {
		errs = append(errs, "server.shutdown_timeout must not be negative")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateDatabase(d DatabaseConfig) error {
	var errs []string
	if d.Host == "" {
		errs = append(errs, "database.host must not be empty")
	}
	if d.Port < 1 || d.Port > 65535 {
		errs = append(errs, fmt.Sprintf("database.port must be 1-65535, got %d", d.Port))
	}
	if d.User == "" {
		errs = append(errs, "database.user must not be empty")
	}
	if d.Name == "" {
		errs = append(errs, "database.name must not be empty")
	}
	validSSL := map[string]bool{"disable": true, "require": true, "verify-ca": true, "verify-full": true}
	if !validSSL[d.SSLMode] {
		errs = append(errs, fmt.Sprintf("database.sslmode must be one of [disable, require, verify-ca, verify-full], got %q", d.SSLMode))
	}
	if d.MaxConns < 1 {
		errs = append(errs, fmt.Sprintf("database.max_conns must be >= 1, got %d", d.MaxConns))
	}
	if d.MinConns < 0 {
		errs = append(errs, fmt.Sprintf("database.min_conns must be >= 0, got %d", d.MinConns))
	}
	if d.MinConns > d.MaxConns {
		errs = append(errs, "database.min_conns must not exceed database.max_conns")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateRealtime(r RealtimeConfig) error {
	var errs []string
	if r.MaxConnectionAttempts < 1 {
		errs = append(errs, fmt.Sprintf("realtime.max_connection_attempts must be >= 1, got %d", r.MaxConnectionAttempts))
	}
	if r.RateLimitWindow <= 0 {
		errs = append(errs, "realtime.rate_limit_window must be positive")
	}
	if r.MessageRateLimit < 1 {
		errs = append(errs, fmt.Sprintf("realtime.message_rate_limit must be >= 1, got %d", r.MessageRateLimit))
	}
	if r.MessageRateWindow <= 0 {
		errs = append(errs, "realtime.message_rate_window must be positive")
	}
	if r.PendingMessageLimit < 1 {
		errs = append(errs, fmt.Sprintf("realtime.pending_message_limit must be >= 1, got %d", r.PendingMessageLimit))
	}
	if r.HealthCheckTimeout <= 0 {
		errs = append(errs, "realtime.health_check_timeout must be positive")
	}
	if r.MaxConnectionAge <= 0 {
		errs = append(errs, "realtime.max_connection_age must be positive")
	}
	if r.StalePlayerThreshold <= 0 {
		errs = append(errs, "realtime.stale_player_threshold must be positive")
	}
	if r.MaintenanceInterval <= 0 {
		errs = append(errs, "realtime.maintenance_interval must be positive")
	}
	if r.MemoryCheckInterval <= 0 {
		errs = append(errs, "realtime.memory_check_interval must be positive")
	}
	if r.MemoryThresholdMB < 0 {
		errs = append(errs, fmt.Sprintf("realtime.memory_threshold_mb must be >= 0, got %d", r.MemoryThresholdMB))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateEventBus(e EventBusConfig) error {
	var errs []string
	if e.QueueCapacity < 1 {
		errs = append(errs, fmt.Sprintf("eventbus.queue_capacity must be >= 1, got %d", e.QueueCapacity))
	}
	if e.ShutdownGrace <= 0 {
		errs = append(errs, "eventbus.shutdown_grace must be positive")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	return nil
}

// Load reads configuration from the given file path, applies environment variable
// overrides, and validates the result.
//
// Precondition: path must be a valid file path to a YAML configuration file.
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	// Environment variable overrides with MUDLINK_ prefix
	v.SetEnvPrefix("MUDLINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// LoadFromViper builds a Config from an already-configured Viper instance.
//
// Precondition: v must be non-nil and have configuration values set.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Defaults returns a fully-populated configuration suitable for local
// development, before any file or environment overrides.
func Defaults() Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	// Unmarshalling defaults cannot fail; the defaults are typed below.
	_ = v.Unmarshal(&cfg)
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "mudlink")
	v.SetDefault("database.password", "mudlink")
	v.SetDefault("database.name", "mudlink")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", "1h")

	v.SetDefault("realtime.max_connection_attempts", 10)
	v.SetDefault("realtime.rate_limit_window", "1m")
	v.SetDefault("realtime.message_rate_limit", 20)
	v.SetDefault("realtime.message_rate_window", "10s")
	v.SetDefault("realtime.pending_message_limit", 100)
	v.SetDefault("realtime.health_check_timeout", "5s")
	v.SetDefault("realtime.max_connection_age", "10m")
	v.SetDefault("realtime.stale_player_threshold", "30m")
	v.SetDefault("realtime.maintenance_interval", "30s")
	v.SetDefault("realtime.memory_check_interval", "5m")
	v.SetDefault("realtime.memory_threshold_mb", 512)

	v.SetDefault("eventbus.queue_capacity", 1024)
	v.SetDefault("eventbus.shutdown_grace", "5s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
