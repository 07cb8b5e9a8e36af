package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	// EnvPrefix is the prefix for environment variable overrides.
	// APIGW_REDIS_ADDRESS overrides redis.address, and so on.
	EnvPrefix = "APIGW"

	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultRedisAddress is the default Redis connection URL.
	DefaultRedisAddress = "redis://127.0.0.1:6379/0"

	// DefaultDatabaseDriver is the default document store driver.
	DefaultDatabaseDriver = "sqlite"

	// DefaultSQLitePath is the default SQLite database file.
	DefaultSQLitePath = "./apigw.db"

	// DefaultEventsBackend is the default event bus backend.
	DefaultEventsBackend = "memory"

	// DefaultEventsPrefix is the default channel/subject prefix for
	// externally published events.
	DefaultEventsPrefix = "aiverify"

	// DefaultWorkerConcurrency is the default number of notifications
	// reconciled in parallel.
	DefaultWorkerConcurrency = 8

	// DefaultCoalesceInterval is how long notifications for the same key
	// are merged before being handed to the reconciler.
	DefaultCoalesceInterval = 50 * time.Millisecond

	// DefaultAPIListen is the default HTTP listen address.
	DefaultAPIListen = ":4000"

	// DefaultServiceName is the default OpenTelemetry service name.
	DefaultServiceName = "apigw-worker"
)

// Config is the root configuration for apigw-worker.
type Config struct {
	Global   GlobalConfig   `yaml:"global" mapstructure:"global"`
	Redis    RedisConfig    `yaml:"redis" mapstructure:"redis"`
	Database DatabaseConfig `yaml:"database" mapstructure:"database"`
	Events   EventsConfig   `yaml:"events" mapstructure:"events"`
	Worker   WorkerConfig   `yaml:"worker" mapstructure:"worker"`
	Schemas  SchemasConfig  `yaml:"schemas" mapstructure:"schemas"`
	API      APIConfig      `yaml:"api" mapstructure:"api"`
	Metrics  MetricsConfig  `yaml:"metrics" mapstructure:"metrics"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`
}

// RedisConfig contains the fast key-value store settings.
type RedisConfig struct {
	// Address is a redis:// URL. The database number in the URL is also
	// the database whose keyspace channel is subscribed.
	Address string `yaml:"address" mapstructure:"address"`
	// ConfigureNotifications enables keyspace notifications for hashes
	// on the server at startup (CONFIG SET notify-keyspace-events).
	ConfigureNotifications bool `yaml:"configure_notifications" mapstructure:"configure_notifications"`
	// TaskPrefix and ServicePrefix are the hash key prefixes.
	TaskPrefix    string `yaml:"task_prefix" mapstructure:"task_prefix"`
	ServicePrefix string `yaml:"service_prefix" mapstructure:"service_prefix"`
}

// DatabaseConfig contains document store connection settings.
type DatabaseConfig struct {
	Driver   string               `yaml:"driver" mapstructure:"driver"`
	SQLite   SQLiteDatabaseConfig `yaml:"sqlite,omitempty" mapstructure:"sqlite"`
	Postgres PostgresConfig       `yaml:"postgres,omitempty" mapstructure:"postgres"`
}

// SQLiteDatabaseConfig contains SQLite-specific settings.
type SQLiteDatabaseConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	SSLMode  string `yaml:"ssl_mode,omitempty" mapstructure:"ssl_mode"`
}

// EventsConfig selects the bus that normalized events are published on.
type EventsConfig struct {
	// Backend is one of "memory", "redis" or "nats".
	Backend string `yaml:"backend" mapstructure:"backend"`
	// Address is the redis:// or nats:// URL for external backends.
	Address string `yaml:"address,omitempty" mapstructure:"address"`
	Prefix  string `yaml:"prefix,omitempty" mapstructure:"prefix"`
}

// WorkerConfig tunes the notification pipeline.
type WorkerConfig struct {
	Concurrency      int           `yaml:"concurrency" mapstructure:"concurrency"`
	CoalesceInterval time.Duration `yaml:"coalesce_interval" mapstructure:"coalesce_interval"`
}

// SchemasConfig points at algorithm output schemas. Each file in Dir named
// <gid>.json is the output schema of the algorithm with that GID.
type SchemasConfig struct {
	Dir string `yaml:"dir,omitempty" mapstructure:"dir"`
}

// APIConfig contains HTTP API settings.
type APIConfig struct {
	Enabled     bool            `yaml:"enabled" mapstructure:"enabled"`
	Listen      string          `yaml:"listen" mapstructure:"listen"`
	CORSOrigins []string        `yaml:"cors_origins,omitempty" mapstructure:"cors_origins"`
	RateLimit   RateLimitConfig `yaml:"rate_limit,omitempty" mapstructure:"rate_limit"`
}

// RateLimitConfig configures per-client rate limiting. Reads and the
// event stream share RequestsPerMinute; cancellations have their own,
// usually smaller, budget. A zero CancelsPerMinute uses RequestsPerMinute.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled" mapstructure:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
	CancelsPerMinute  int  `yaml:"cancels_per_minute,omitempty" mapstructure:"cancels_per_minute"`
}

// MetricsConfig configures OpenTelemetry metrics export.
type MetricsConfig struct {
	Enabled      bool          `yaml:"enabled" mapstructure:"enabled"`
	ServiceName  string        `yaml:"service_name" mapstructure:"service_name"`
	OTLPEndpoint string        `yaml:"otlp_endpoint" mapstructure:"otlp_endpoint"`
	Insecure     bool          `yaml:"insecure" mapstructure:"insecure"`
	Interval     time.Duration `yaml:"interval" mapstructure:"interval"`
}

// Load reads and parses the configuration files in order, later files
// overriding earlier ones, then applies environment overrides.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	for i, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}

		reader := strings.NewReader(string(data))

		if i == 0 {
			err = v.ReadConfig(reader)
		} else {
			err = v.MergeConfig(reader)
		}

		if err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// setDefaults registers every known key so that AutomaticEnv can override
// keys that are absent from the file.
func setDefaults(v *viper.Viper) {
	v.SetDefault("global.log_level", DefaultLogLevel)

	v.SetDefault("redis.address", DefaultRedisAddress)
	v.SetDefault("redis.configure_notifications", false)
	v.SetDefault("redis.task_prefix", "task:")
	v.SetDefault("redis.service_prefix", "service:")

	v.SetDefault("database.driver", DefaultDatabaseDriver)
	v.SetDefault("database.sqlite.path", DefaultSQLitePath)
	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.user", "")
	v.SetDefault("database.postgres.password", "")
	v.SetDefault("database.postgres.database", "aiverify")
	v.SetDefault("database.postgres.ssl_mode", "disable")

	v.SetDefault("events.backend", DefaultEventsBackend)
	v.SetDefault("events.address", "")
	v.SetDefault("events.prefix", DefaultEventsPrefix)

	v.SetDefault("worker.concurrency", DefaultWorkerConcurrency)
	v.SetDefault("worker.coalesce_interval", DefaultCoalesceInterval)

	v.SetDefault("schemas.dir", "")

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.listen", DefaultAPIListen)
	v.SetDefault("api.rate_limit.enabled", false)
	v.SetDefault("api.rate_limit.requests_per_minute", 600)
	v.SetDefault("api.rate_limit.cancels_per_minute", 30)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.service_name", DefaultServiceName)
	v.SetDefault("metrics.otlp_endpoint", "localhost:4317")
	v.SetDefault("metrics.insecure", false)
	v.SetDefault("metrics.interval", 30*time.Second)
}

// applyDefaults sets default values for options left blank in the file.
func (c *Config) applyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	if c.Redis.TaskPrefix == "" {
		c.Redis.TaskPrefix = "task:"
	}

	if c.Redis.ServicePrefix == "" {
		c.Redis.ServicePrefix = "service:"
	}

	if c.Events.Prefix == "" {
		c.Events.Prefix = DefaultEventsPrefix
	}

	if c.Worker.Concurrency <= 0 {
		c.Worker.Concurrency = DefaultWorkerConcurrency
	}

	if c.Worker.CoalesceInterval < 0 {
		c.Worker.CoalesceInterval = 0
	}

	if c.API.Listen == "" {
		c.API.Listen = DefaultAPIListen
	}

	if c.API.RateLimit.CancelsPerMinute == 0 {
		c.API.RateLimit.CancelsPerMinute = c.API.RateLimit.RequestsPerMinute
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Redis.Address == "" {
		return errors.New("redis.address is required")
	}

	if c.Redis.TaskPrefix == c.Redis.ServicePrefix {
		return fmt.Errorf(
			"redis.task_prefix and redis.service_prefix must differ (both %q)",
			c.Redis.TaskPrefix,
		)
	}

	switch c.Database.Driver {
	case "sqlite":
		if c.Database.SQLite.Path == "" {
			return errors.New("database.sqlite.path is required")
		}
	case "postgres":
		if c.Database.Postgres.Host == "" {
			return errors.New("database.postgres.host is required")
		}
	default:
		return fmt.Errorf("unsupported database driver: %q", c.Database.Driver)
	}

	switch c.Events.Backend {
	case "memory":
	case "redis", "nats":
		if c.Events.Address == "" && c.Events.Backend == "nats" {
			return errors.New("events.address is required for the nats backend")
		}
	default:
		return fmt.Errorf("unsupported events backend: %q", c.Events.Backend)
	}

	if c.Schemas.Dir != "" {
		info, err := os.Stat(c.Schemas.Dir)
		if err != nil {
			return fmt.Errorf("schemas.dir %q does not exist", c.Schemas.Dir)
		}

		if !info.IsDir() {
			return fmt.Errorf("schemas.dir %q is not a directory", c.Schemas.Dir)
		}
	}

	if c.API.RateLimit.Enabled && c.API.RateLimit.RequestsPerMinute <= 0 {
		return errors.New("api.rate_limit.requests_per_minute must be positive")
	}

	if c.API.RateLimit.Enabled && c.API.RateLimit.CancelsPerMinute < 0 {
		return errors.New("api.rate_limit.cancels_per_minute must not be negative")
	}

	if c.Metrics.Enabled && c.Metrics.OTLPEndpoint == "" {
		return errors.New("metrics.otlp_endpoint is required when metrics are enabled")
	}

	return nil
}

// redacted replaces secrets in dumped configuration.
const redacted = "<redacted>"

// YAML renders the effective configuration with secrets redacted.
func (c *Config) YAML() ([]byte, error) {
	out := *c

	if out.Database.Postgres.Password != "" {
		out.Database.Postgres.Password = redacted
	}

	data, err := yaml.Marshal(&out)
	if err != nil {
		return nil, fmt.Errorf("encoding config: %w", err)
	}

	return data, nil
}
