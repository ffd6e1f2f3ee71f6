package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/roadmate/drivesync/pkg/compression"
	"github.com/roadmate/drivesync/pkg/connectivity"
	"github.com/roadmate/drivesync/pkg/kvstore"
	"github.com/roadmate/drivesync/pkg/observability"
	"github.com/roadmate/drivesync/pkg/policy"
	"github.com/roadmate/drivesync/pkg/storage"
	"github.com/roadmate/drivesync/pkg/syncqueue"
)

// Config is the complete engine configuration, loaded from drivesync.yaml
// with DRIVESYNC_ environment overrides
type Config struct {
	Agent         AgentConfig          `mapstructure:"agent"`
	Storage       StorageConfig        `mapstructure:"storage"`
	Compression   compression.Config   `mapstructure:"compression"`
	KV            kvstore.Config       `mapstructure:"kv"`
	Sync          SyncConfig           `mapstructure:"sync"`
	Connectivity  ConnectivityConfig   `mapstructure:"connectivity"`
	Observability observability.Config `mapstructure:"observability"`

	// Policies is the category policy table, built from the categories
	// section of the config file on top of the built-in table
	Policies *policy.Registry `mapstructure:"-"`
}

// AgentConfig contains agent-level settings
type AgentConfig struct {
	// ListenAddr is the ops API bind address
	ListenAddr string `mapstructure:"listen_addr"`
	// ShutdownTimeout bounds how long Shutdown waits for background loops
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// SweepInterval is the cadence of the persistent-store expiry sweep
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	// MetricsInterval is the gauge export cadence
	MetricsInterval time.Duration `mapstructure:"metrics_interval"`
}

// StorageConfig selects and configures the persistent tier
type StorageConfig struct {
	// Backend is "sqlite" or "redis"
	Backend string              `mapstructure:"backend"`
	SQLite  SQLiteConfig        `mapstructure:"sqlite"`
	Redis   storage.RedisConfig `mapstructure:"redis"`
}

// SQLiteConfig contains SQLite settings
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// SyncConfig contains sync coordinator settings
type SyncConfig struct {
	DrainInterval     time.Duration              `mapstructure:"drain_interval"`
	RequestTimeout    time.Duration              `mapstructure:"request_timeout"`
	RequestsPerSecond float64                    `mapstructure:"requests_per_second"`
	BurstSize         int                        `mapstructure:"burst_size"`
	EventBuffer       int                        `mapstructure:"event_buffer"`
	Retry             syncqueue.RetryConfig      `mapstructure:"retry"`
	Remote            syncqueue.HTTPRemoteConfig `mapstructure:"remote"`
}

// ConnectivityConfig selects and configures the connectivity monitor
type ConnectivityConfig struct {
	// Mode is "manual" (host app pushes states) or "probe"
	Mode string `mapstructure:"mode"`
	// InitialOnline is the starting state in manual mode
	InitialOnline bool                     `mapstructure:"initial_online"`
	Probe         connectivity.ProbeConfig `mapstructure:"probe"`
}

// Load reads configuration from the given file path, or searches the usual
// locations for drivesync.yaml when path is empty. Environment variables with
// the DRIVESYNC_ prefix override file values.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("drivesync")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/drivesync")
	}

	v.SetEnvPrefix("DRIVESYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// Defaults and environment variables carry a missing file
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	registry := policy.NewRegistry(policy.BuiltinPolicies(), nil)
	if err := policy.LoadFromViper(v, registry); err != nil {
		return nil, err
	}
	cfg.Policies = registry

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// setDefaults sets default values for configuration
func setDefaults(v *viper.Viper) {
	v.SetDefault("agent.listen_addr", "127.0.0.1:8825")
	v.SetDefault("agent.shutdown_timeout", "30s")
	v.SetDefault("agent.sweep_interval", "5m")
	v.SetDefault("agent.metrics_interval", "30s")

	v.SetDefault("storage.backend", "sqlite")
	v.SetDefault("storage.sqlite.path", "drivesync.db")
	v.SetDefault("storage.redis.addr", "localhost:6379")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.timeout", "5s")

	v.SetDefault("compression.algorithm", compression.AlgorithmGzip)
	v.SetDefault("compression.threshold_bytes", 1024)
	v.SetDefault("compression.adaptive", false)

	v.SetDefault("kv.sweep_interval", "5m")

	v.SetDefault("sync.drain_interval", "30s")
	v.SetDefault("sync.request_timeout", "30s")
	v.SetDefault("sync.requests_per_second", 10)
	v.SetDefault("sync.burst_size", 5)
	v.SetDefault("sync.retry.max_retries", 5)
	v.SetDefault("sync.retry.initial_interval", "1s")
	v.SetDefault("sync.retry.max_interval", "5m")
	v.SetDefault("sync.retry.multiplier", 2.0)
	v.SetDefault("sync.retry.randomization_factor", 0.5)
	v.SetDefault("sync.remote.timeout", "30s")

	v.SetDefault("connectivity.mode", "manual")
	v.SetDefault("connectivity.initial_online", true)
	v.SetDefault("connectivity.probe.url", "https://connectivitycheck.gstatic.com/generate_204")
	v.SetDefault("connectivity.probe.interval", "15s")
	v.SetDefault("connectivity.probe.timeout", "5s")
	v.SetDefault("connectivity.probe.failure_threshold", 2)

	v.SetDefault("observability.logging.level", "info")
	v.SetDefault("observability.metrics.enabled", true)
	v.SetDefault("observability.metrics.type", "memory")
	v.SetDefault("observability.metrics.namespace", "drivesync")
	v.SetDefault("observability.tracing.enabled", false)
	v.SetDefault("observability.tracing.service_name", "drivesync-agent")
}

// validate validates the configuration
func validate(cfg *Config) error {
	switch cfg.Storage.Backend {
	case "sqlite":
		if cfg.Storage.SQLite.Path == "" {
			return fmt.Errorf("storage.sqlite.path is required")
		}
	case "redis":
		if cfg.Storage.Redis.Addr == "" {
			return fmt.Errorf("storage.redis.addr is required")
		}
	default:
		return fmt.Errorf("unknown storage backend: %s", cfg.Storage.Backend)
	}

	switch cfg.Connectivity.Mode {
	case "manual":
	case "probe":
		if cfg.Connectivity.Probe.URL == "" {
			return fmt.Errorf("connectivity.probe.url is required")
		}
	default:
		return fmt.Errorf("unknown connectivity mode: %s", cfg.Connectivity.Mode)
	}

	if cfg.Sync.Retry.MaxRetries < 0 {
		return fmt.Errorf("sync.retry.max_retries must not be negative")
	}
	return nil
}
