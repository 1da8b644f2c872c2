// Package config provides configuration management for durahub.
// It supports loading configuration from environment variables, config
// files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for durahub.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig selects and configures the durable store.
// Driver is "memory", "sqlite", or "postgres".
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"` // sqlite file path, ":memory:" for ephemeral
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
}

// NATSConfig holds NATS messaging configuration. An empty URL selects the
// in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// EngineConfig tunes the hub dispatcher and worker boundaries.
type EngineConfig struct {
	// WorkItemBufferCapacity bounds the hub's dispatch queue.
	WorkItemBufferCapacity int `mapstructure:"workItemBufferCapacity"`

	// ActivityBatchSize caps how many activity work items are locked per
	// dequeue round. Hard cap 32.
	ActivityBatchSize int `mapstructure:"activityBatchSize"`

	// LockRenewalWindow is how close to lock expiry a renewal is issued,
	// in seconds.
	LockRenewalWindow int `mapstructure:"lockRenewalWindow"`

	// MaxTimerInterval is the longest single durable timer, in seconds;
	// longer timers are split by the worker.
	MaxTimerInterval int `mapstructure:"maxTimerInterval"`

	// PartitionCount is passed through to stores that shard their queues.
	PartitionCount int `mapstructure:"partitionCount"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// TelemetryConfig holds OpenTelemetry exporter configuration. An empty
// endpoint disables the exporter.
type TelemetryConfig struct {
	Endpoint    string `mapstructure:"endpoint"`
	ServiceName string `mapstructure:"serviceName"`
	Insecure    bool   `mapstructure:"insecure"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// LockRenewalWindowDuration returns the renewal window as a time.Duration.
func (e *EngineConfig) LockRenewalWindowDuration() time.Duration {
	return time.Duration(e.LockRenewalWindow) * time.Second
}

// MaxTimerIntervalDuration returns the max timer interval as a
// time.Duration.
func (e *EngineConfig) MaxTimerIntervalDuration() time.Duration {
	return time.Duration(e.MaxTimerInterval) * time.Second
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("DURAHUB_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8484)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults - sqlite file store unless configured otherwise
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "durahub.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "durahub")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "durahub")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "durahub")
	v.SetDefault("nats.maxReconnects", 10)

	// Engine defaults
	v.SetDefault("engine.workItemBufferCapacity", 100)
	v.SetDefault("engine.activityBatchSize", 32)
	v.SetDefault("engine.lockRenewalWindow", 60)
	v.SetDefault("engine.maxTimerInterval", int((72 * time.Hour).Seconds()))
	v.SetDefault("engine.partitionCount", 1)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Telemetry defaults - disabled unless an endpoint is set
	v.SetDefault("telemetry.endpoint", "")
	v.SetDefault("telemetry.serviceName", "durahub")
	v.SetDefault("telemetry.insecure", true)
}

// Load reads configuration from environment variables, config file, and
// defaults. Environment variables use the DURAHUB_ prefix.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default
// locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("DURAHUB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/durahub/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks configuration invariants and clamps hard caps.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Database.Driver {
	case "memory", "sqlite":
	case "postgres":
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required for the postgres driver")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for the postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for the postgres driver")
		}
	default:
		errs = append(errs, "database.driver must be one of: memory, sqlite, postgres")
	}

	if cfg.Engine.WorkItemBufferCapacity <= 0 {
		errs = append(errs, "engine.workItemBufferCapacity must be positive")
	}
	if cfg.Engine.ActivityBatchSize <= 0 {
		errs = append(errs, "engine.activityBatchSize must be positive")
	}
	// The activity batch size is hard-capped at 32.
	if cfg.Engine.ActivityBatchSize > 32 {
		cfg.Engine.ActivityBatchSize = 32
	}
	if cfg.Engine.LockRenewalWindow <= 0 {
		errs = append(errs, "engine.lockRenewalWindow must be positive")
	}
	if cfg.Engine.MaxTimerInterval <= 0 {
		errs = append(errs, "engine.maxTimerInterval must be positive")
	}
	if cfg.Engine.PartitionCount <= 0 {
		errs = append(errs, "engine.partitionCount must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
