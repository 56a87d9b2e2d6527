// Package config loads checkpointer settings from YAML and opens the
// configured backend.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v3"

	"github.com/smallnest/checkpointer/checkpoint"
	"github.com/smallnest/checkpointer/log"
	"github.com/smallnest/checkpointer/metrics"
	"github.com/smallnest/checkpointer/retry"
	"github.com/smallnest/checkpointer/serde"
	boltstore "github.com/smallnest/checkpointer/store/bolt"
	cosmosstore "github.com/smallnest/checkpointer/store/cosmos"
	"github.com/smallnest/checkpointer/store/memory"
	pgstore "github.com/smallnest/checkpointer/store/postgres"
	redisstore "github.com/smallnest/checkpointer/store/redis"
	sqlitestore "github.com/smallnest/checkpointer/store/sqlite"
)

// Backend names accepted in the "backend" field.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendBolt     = "bolt"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendCosmos   = "cosmos"
)

// Serializer names accepted in the "serializer" field.
const (
	SerializerJSON    = "json"
	SerializerMsgpack = "msgpack"
)

// Config is the top-level configuration file.
type Config struct {
	Backend    string        `yaml:"backend"`
	Database   string        `yaml:"database"`
	Container  string        `yaml:"container"`
	Serializer string        `yaml:"serializer"`
	LogLevel   string        `yaml:"log_level"`
	Retry      RetryConfig   `yaml:"retry"`
	Metrics    MetricsConfig `yaml:"metrics"`

	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Bolt     BoltConfig     `yaml:"bolt"`
	Redis    RedisConfig    `yaml:"redis"`
	Postgres PostgresConfig `yaml:"postgres"`
	Cosmos   CosmosConfig   `yaml:"cosmos"`
}

// RetryConfig overrides the default retry policy. Zero fields keep defaults.
type RetryConfig struct {
	MaxAttempts   int           `yaml:"max_attempts"`
	InitialDelay  time.Duration `yaml:"initial_delay"`
	BackoffFactor float64       `yaml:"backoff_factor"`
	MaxDelay      time.Duration `yaml:"max_delay"`
}

// MetricsConfig turns on Prometheus instrumentation of the saver.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

type SQLiteConfig struct {
	Path              string `yaml:"path"`
	TableName         string `yaml:"table"`
	BusyTimeoutMillis int    `yaml:"busy_timeout_ms"`
}

type BoltConfig struct {
	Path    string        `yaml:"path"`
	Timeout time.Duration `yaml:"timeout"`
}

type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Prefix   string        `yaml:"prefix"`
	TTL      time.Duration `yaml:"ttl"`
}

type PostgresConfig struct {
	ConnString string `yaml:"conn_string"`
	Schema     string `yaml:"schema"`
	TableName  string `yaml:"table"`
}

type CosmosConfig struct {
	Endpoint         string `yaml:"endpoint"`
	Key              string `yaml:"key"`
	ConnectionString string `yaml:"connection_string"`
}

// Default returns a configuration for the in-memory backend.
func Default() *Config {
	return &Config{
		Backend:    BackendMemory,
		Database:   checkpoint.DefaultDatabase,
		Container:  checkpoint.DefaultContainer,
		Serializer: SerializerJSON,
		LogLevel:   "info",
	}
}

// Load reads and parses the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse expands ${VAR} references from the environment, decodes data over
// Default() and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the selected backend has what it needs.
func (c *Config) Validate() error {
	var errs []error
	switch c.Backend {
	case BackendMemory:
	case BackendSQLite:
		if c.SQLite.Path == "" {
			errs = append(errs, errors.New("sqlite.path is required"))
		}
	case BackendBolt:
		if c.Bolt.Path == "" {
			errs = append(errs, errors.New("bolt.path is required"))
		}
	case BackendRedis:
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("redis.addr is required"))
		}
	case BackendPostgres:
		if c.Postgres.ConnString == "" {
			errs = append(errs, errors.New("postgres.conn_string is required"))
		}
	case BackendCosmos:
		if c.Cosmos.ConnectionString == "" && (c.Cosmos.Endpoint == "" || c.Cosmos.Key == "") {
			errs = append(errs, errors.New("cosmos needs connection_string or endpoint and key"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown backend %q", c.Backend))
	}

	switch c.Serializer {
	case "", SerializerJSON, SerializerMsgpack:
	default:
		errs = append(errs, fmt.Errorf("unknown serializer %q", c.Serializer))
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.Retry.MaxAttempts < 0 {
		errs = append(errs, errors.New("retry.max_attempts must not be negative"))
	}
	if c.Retry.BackoffFactor < 0 {
		errs = append(errs, errors.New("retry.backoff_factor must not be negative"))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// RetryPolicy returns the default policy with the configured overrides.
func (c *Config) RetryPolicy() retry.Policy {
	p := retry.DefaultPolicy()
	if c.Retry.MaxAttempts > 0 {
		p.MaxAttempts = c.Retry.MaxAttempts
	}
	if c.Retry.InitialDelay > 0 {
		p.InitialDelay = c.Retry.InitialDelay
	}
	if c.Retry.BackoffFactor > 0 {
		p.BackoffFactor = c.Retry.BackoffFactor
	}
	if c.Retry.MaxDelay > 0 {
		p.MaxDelay = c.Retry.MaxDelay
	}
	return p
}

// ContainerSpec returns the default container spec with the configured names.
func (c *Config) ContainerSpec() checkpoint.ContainerSpec {
	spec := checkpoint.DefaultContainerSpec()
	if c.Database != "" {
		spec.Database = c.Database
	}
	if c.Container != "" {
		spec.Container = c.Container
	}
	return spec
}

// SaverOptions builds saver options from the configuration. The logger is a
// golog logger at the configured level. When metrics are enabled the saver
// records into a metrics.Recorder registered on reg; a nil reg records
// without registering.
func (c *Config) SaverOptions(reg prometheus.Registerer) checkpoint.Options {
	level, _ := log.ParseLevel(c.LogLevel)
	policy := c.RetryPolicy()

	var s serde.Serializer = serde.NewJSONPlus()
	if c.Serializer == SerializerMsgpack {
		s = serde.NewMsgpack()
	}
	opts := checkpoint.Options{
		Serializer: s,
		Container:  c.ContainerSpec(),
		Retry:      &policy,
		Logger:     log.New(level),
	}
	if c.Metrics.Enabled {
		opts.Metrics = metrics.NewRecorder(reg)
	}
	return opts
}

// OpenBackend connects to the configured backend.
func (c *Config) OpenBackend(ctx context.Context) (checkpoint.Backend, error) {
	var (
		backend checkpoint.Backend
		err     error
	)
	switch c.Backend {
	case BackendMemory:
		backend = memory.New(memory.Options{})
	case BackendSQLite:
		backend, err = open(sqlitestore.New(sqlitestore.Options{
			Path:              c.SQLite.Path,
			TableName:         c.SQLite.TableName,
			BusyTimeoutMillis: c.SQLite.BusyTimeoutMillis,
		}))
	case BackendBolt:
		backend, err = open(boltstore.New(boltstore.Options{Path: c.Bolt.Path, Timeout: c.Bolt.Timeout}))
	case BackendRedis:
		backend = redisstore.New(redisstore.Options{
			Addr:     c.Redis.Addr,
			Password: c.Redis.Password,
			DB:       c.Redis.DB,
			Prefix:   c.Redis.Prefix,
			TTL:      c.Redis.TTL,
		})
	case BackendPostgres:
		backend, err = open(pgstore.New(ctx, pgstore.Options{
			ConnString: c.Postgres.ConnString,
			Schema:     c.Postgres.Schema,
			TableName:  c.Postgres.TableName,
		}))
	case BackendCosmos:
		backend, err = open(cosmosstore.New(cosmosstore.Options{
			Endpoint:         c.Cosmos.Endpoint,
			Key:              c.Cosmos.Key,
			ConnectionString: c.Cosmos.ConnectionString,
		}))
	default:
		err = fmt.Errorf("unknown backend %q", c.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s backend: %w", c.Backend, err)
	}
	return backend, nil
}

// open keeps a failed constructor from yielding a non-nil interface holding
// a nil pointer.
func open[B checkpoint.Backend](b B, err error) (checkpoint.Backend, error) {
	if err != nil {
		return nil, err
	}
	return b, nil
}
