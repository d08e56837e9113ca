// Package config provides configuration management for corral using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultServerPort          = 8085
	defaultServerTimeout       = 30 * time.Second
	defaultShutdownTimeout     = 10 * time.Second
	defaultMaxOpenConns        = 10
	defaultMaxIdleConns        = 2
	defaultConnMaxIdleTime     = 30 * time.Minute
	defaultHealthCheckInterval = 30 * time.Second
	defaultNodeTimeout         = 60 * time.Second
	defaultMetricsInterval     = 15 * time.Second
	defaultMaxConcurrent       = 6
	defaultAllocateTimeout     = 5 * time.Second
	defaultSetupTimeout        = 15 * time.Second
	defaultStopTimeout         = 10 * time.Second
	defaultMinNodes            = 1
	defaultMaxNodes            = 10
	defaultScaleUpThreshold    = 80.0
	defaultScaleDownThreshold  = 30.0
	defaultCooldownPeriod      = 5 * time.Minute
	defaultQueueScaleUp        = 10
	defaultJobRetention        = "30d"
	defaultMetricsRetention    = "7d"
)

// Config holds all configuration for the application.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	AutoScaling  AutoScalingConfig  `mapstructure:"autoscaling"`
	Retention    RetentionConfig    `mapstructure:"retention"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // sqlite, postgres, mysql
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	LogLevel        string        `mapstructure:"log_level"` // silent, error, warn, info
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// OrchestratorConfig holds the recording fleet orchestration settings.
type OrchestratorConfig struct {
	// HealthCheckInterval is the cadence of the health loop.
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval"`
	// NodeTimeout is how long a node may stay silent before it is
	// marked unhealthy.
	NodeTimeout time.Duration `mapstructure:"node_timeout"`
	// MetricsInterval is the cadence of the fleet metrics aggregator.
	MetricsInterval time.Duration `mapstructure:"metrics_interval"`
	// MaxConcurrentPerNode caps a recorder's derived capacity.
	MaxConcurrentPerNode int `mapstructure:"max_concurrent_per_node"`
	// CallbackBaseURL is the externally reachable base URL recorders use
	// to deliver recording events back to the orchestrator. When empty,
	// it is derived from the server host and port.
	CallbackBaseURL string `mapstructure:"callback_base_url"`
	// AllocateTimeout bounds the recorder port-allocation RPC.
	AllocateTimeout time.Duration `mapstructure:"allocate_timeout"`
	// SetupTimeout bounds RTP forwarding configuration and recorder start.
	SetupTimeout time.Duration `mapstructure:"setup_timeout"`
	// StopTimeout bounds the stop-side RPCs.
	StopTimeout time.Duration `mapstructure:"stop_timeout"`
}

// AutoScalingConfig tunes the advisory scaling recommendations. The
// orchestrator never provisions or decommissions nodes itself.
type AutoScalingConfig struct {
	MinNodes           int           `mapstructure:"min_nodes"`
	MaxNodes           int           `mapstructure:"max_nodes"`
	ScaleUpThreshold   float64       `mapstructure:"scale_up_threshold"`   // avg load percent
	ScaleDownThreshold float64       `mapstructure:"scale_down_threshold"` // avg load percent
	CooldownPeriod     time.Duration `mapstructure:"cooldown_period"`
	// QueueScaleUpThreshold is the global pending-queue length beyond
	// which a scale-up is advised regardless of regional load.
	QueueScaleUpThreshold int `mapstructure:"queue_scale_up_threshold"`
}

// RetentionConfig holds history pruning configuration.
type RetentionConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Cron is a 6-field cron expression for the janitor schedule.
	Cron string `mapstructure:"cron"`
	// JobHistory is how long terminal jobs are kept.
	JobHistory Duration `mapstructure:"job_history"`
	// Metrics is how long metrics snapshots are kept.
	Metrics Duration `mapstructure:"metrics"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with CORRAL_ and use underscores
// for nesting. Example: CORRAL_SERVER_PORT=8085.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	SetDefaults(v)

	// Config file settings
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/corral")
		v.AddConfigPath("$HOME/.corral")
	}

	// Environment variable settings
	v.SetEnvPrefix("CORRAL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Config file not found is OK - we'll use defaults and env vars
	}

	var cfg Config
	// The text-unmarshaller hook lets custom types like Duration accept
	// human-readable values ("30d") from files and environment variables.
	decodeHook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		mapstructure.TextUnmarshallerHookFunc(),
	))
	if err := v.Unmarshal(&cfg, decodeHook); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file to ensure defaults
// are in place.
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	v.SetDefault("server.write_timeout", defaultServerTimeout)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)
	v.SetDefault("server.cors_origins", []string{"*"})

	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "corral.db")
	v.SetDefault("database.max_open_conns", defaultMaxOpenConns)
	v.SetDefault("database.max_idle_conns", defaultMaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.conn_max_idle_time", defaultConnMaxIdleTime)
	v.SetDefault("database.log_level", "warn")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// Orchestrator defaults
	v.SetDefault("orchestrator.health_check_interval", defaultHealthCheckInterval)
	v.SetDefault("orchestrator.node_timeout", defaultNodeTimeout)
	v.SetDefault("orchestrator.metrics_interval", defaultMetricsInterval)
	v.SetDefault("orchestrator.max_concurrent_per_node", defaultMaxConcurrent)
	v.SetDefault("orchestrator.callback_base_url", "")
	v.SetDefault("orchestrator.allocate_timeout", defaultAllocateTimeout)
	v.SetDefault("orchestrator.setup_timeout", defaultSetupTimeout)
	v.SetDefault("orchestrator.stop_timeout", defaultStopTimeout)

	// Autoscaling defaults (advisory only)
	v.SetDefault("autoscaling.min_nodes", defaultMinNodes)
	v.SetDefault("autoscaling.max_nodes", defaultMaxNodes)
	v.SetDefault("autoscaling.scale_up_threshold", defaultScaleUpThreshold)
	v.SetDefault("autoscaling.scale_down_threshold", defaultScaleDownThreshold)
	v.SetDefault("autoscaling.cooldown_period", defaultCooldownPeriod)
	v.SetDefault("autoscaling.queue_scale_up_threshold", defaultQueueScaleUp)

	// Retention defaults
	v.SetDefault("retention.enabled", true)
	v.SetDefault("retention.cron", "0 0 3 * * *") // Daily at 3 AM (6-field cron)
	v.SetDefault("retention.job_history", defaultJobRetention)
	v.SetDefault("retention.metrics", defaultMetricsRetention)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	// Server validation
	const maxPort = 65535
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}

	// Database validation
	validDrivers := map[string]bool{"sqlite": true, "postgres": true, "mysql": true}
	if !validDrivers[c.Database.Driver] {
		return fmt.Errorf("database.driver must be one of: sqlite, postgres, mysql")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	// Orchestrator validation
	if c.Orchestrator.HealthCheckInterval <= 0 {
		return fmt.Errorf("orchestrator.health_check_interval must be positive")
	}
	if c.Orchestrator.NodeTimeout <= 0 {
		return fmt.Errorf("orchestrator.node_timeout must be positive")
	}
	if c.Orchestrator.MetricsInterval <= 0 {
		return fmt.Errorf("orchestrator.metrics_interval must be positive")
	}
	if c.Orchestrator.MaxConcurrentPerNode < 1 {
		return fmt.Errorf("orchestrator.max_concurrent_per_node must be at least 1")
	}

	// Autoscaling validation
	if c.AutoScaling.MinNodes < 0 {
		return fmt.Errorf("autoscaling.min_nodes must not be negative")
	}
	if c.AutoScaling.MaxNodes < c.AutoScaling.MinNodes {
		return fmt.Errorf("autoscaling.max_nodes must be >= autoscaling.min_nodes")
	}
	if c.AutoScaling.ScaleUpThreshold <= c.AutoScaling.ScaleDownThreshold {
		return fmt.Errorf("autoscaling.scale_up_threshold must be above autoscaling.scale_down_threshold")
	}

	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// CallbackURL returns the full URL recorder nodes post recording events to.
// Falls back to the local server address when no explicit base is configured.
func (c *Config) CallbackURL() string {
	base := c.Orchestrator.CallbackBaseURL
	if base == "" {
		host := c.Server.Host
		if host == "0.0.0.0" || host == "::" {
			host = "127.0.0.1"
		}
		base = fmt.Sprintf("http://%s:%d", host, c.Server.Port)
	}
	return strings.TrimRight(base, "/") + "/api/v1/callbacks/recordings"
}
