// Package config loads the YAML configuration of a sharding runtime.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/block/shardmerge/pkg/dbconn"
	"github.com/block/shardmerge/pkg/merge"
	"gopkg.in/yaml.v3"
)

// Config represents the complete runtime configuration
type Config struct {
	Version     string             `yaml:"version"`
	DataSources []DataSourceConfig `yaml:"data_sources"`
	Entities    []EntityConfig     `yaml:"entities"`
	Options     OptionsConfig      `yaml:"options"`
	Database    DatabaseConfig     `yaml:"database"`
	Logging     LoggingConfig      `yaml:"logging"`
	Metrics     MetricsConfig      `yaml:"metrics"`
}

// DataSourceConfig defines one physical database. Either DSN is set, or
// the MySQL DSN is assembled from Host, Port, Database and the client
// credentials file.
type DataSourceConfig struct {
	Name     string `yaml:"name"`
	Driver   string `yaml:"driver"` // mysql, pgx, sqlite
	DSN      string `yaml:"dsn,omitempty"`
	Host     string `yaml:"host,omitempty"`
	Port     int    `yaml:"port,omitempty"`
	Database string `yaml:"database,omitempty"`
}

// EntityConfig defines how one logical table is sharded
type EntityConfig struct {
	Name                      string          `yaml:"name"`
	DefaultDataSource         string          `yaml:"default_data_source,omitempty"`
	TableSeparator            string          `yaml:"table_separator,omitempty"`
	CreateTableSQL            string          `yaml:"create_table_sql,omitempty"`
	AutoCreateTable           *bool           `yaml:"auto_create_table,omitempty"`
	AutoCreateDataSourceTable *bool           `yaml:"auto_create_data_source_table,omitempty"`
	TableSharding             *ShardingConfig `yaml:"table_sharding,omitempty"`
	DataSourceSharding        *ShardingConfig `yaml:"data_source_sharding,omitempty"`
}

// ShardingConfig defines the sharding column and the strategy that maps
// its values to tails or data sources.
type ShardingConfig struct {
	Column   string `yaml:"column"`
	Strategy string `yaml:"strategy"` // mod, list, keyrange, month

	// mod: explicit Targets, or Count generated tails. Data sources
	// default to every configured data source.
	Count      int      `yaml:"count,omitempty"`
	Targets    []string `yaml:"targets,omitempty"`
	StringKeys bool     `yaml:"string_keys,omitempty"`
	// CaseInsensitive lower-cases string keys before hashing.
	CaseInsensitive bool `yaml:"case_insensitive,omitempty"`

	// list: key -> target
	Mapping map[string]string `yaml:"mapping,omitempty"`

	// keyrange: target -> range, i.e. "-80"
	Ranges map[string]string `yaml:"ranges,omitempty"`

	// month: first and last month, yyyy-mm
	From     string `yaml:"from,omitempty"`
	To       string `yaml:"to,omitempty"`
	Location string `yaml:"location,omitempty"`
}

// OptionsConfig defines the merge options
type OptionsConfig struct {
	MaxQueryConnectionsLimit   int    `yaml:"max_query_connections_limit"`
	ThrowIfQueryRouteNotMatch  *bool  `yaml:"throw_if_query_route_not_match"`
	EnableParallelQuery        *bool  `yaml:"enable_parallel_query"`
	ConnectionMode             string `yaml:"connection_mode"` // auto, memory_strictly, connection_strictly
	CreateShardingTableOnStart bool   `yaml:"create_sharding_table_on_start"`
	IgnoreCreateTableError     bool   `yaml:"ignore_create_table_error"`
	PrefetchWorkers            int    `yaml:"prefetch_workers"`
}

// DatabaseConfig defines the connection pool settings shared by every data source
type DatabaseConfig struct {
	MaxOpenConnections    int           `yaml:"max_open_connections"`
	ConnMaxLifetime       time.Duration `yaml:"conn_max_lifetime"`
	LockWaitTimeout       int           `yaml:"lock_wait_timeout"`
	InnodbLockWaitTimeout int           `yaml:"innodb_lock_wait_timeout"`
	MaxRetries            int           `yaml:"max_retries"`
	InterpolateParams     bool          `yaml:"interpolate_params"`
	TLS                   TLSConfig     `yaml:"tls,omitempty"`
}

// TLSConfig defines TLS settings
type TLSConfig struct {
	Mode   string `yaml:"mode,omitempty"` // disabled, preferred, required, verify_ca, verify_identity
	CACert string `yaml:"ca_cert,omitempty"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// MetricsConfig selects the metrics sink
type MetricsConfig struct {
	Sink string `yaml:"sink"` // none, log, prometheus
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses and validates YAML configuration.
func Parse(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &config, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Version == "" {
		return errors.New("version is required")
	}
	if len(c.DataSources) == 0 {
		return errors.New("at least one data source is required")
	}
	names := make(map[string]bool, len(c.DataSources))
	for i, ds := range c.DataSources {
		if ds.Name == "" {
			return fmt.Errorf("data_sources[%d].name is required", i)
		}
		if names[ds.Name] {
			return fmt.Errorf("data source %q is defined twice", ds.Name)
		}
		names[ds.Name] = true
		switch ds.Driver {
		case dbconn.DriverMySQL:
			if ds.DSN == "" && ds.Host == "" {
				return fmt.Errorf("data source %q needs a dsn or a host", ds.Name)
			}
		case dbconn.DriverPostgres, dbconn.DriverSQLite:
			if ds.DSN == "" {
				return fmt.Errorf("data source %q needs a dsn", ds.Name)
			}
		default:
			return fmt.Errorf("data source %q has unsupported driver %q", ds.Name, ds.Driver)
		}
	}
	entities := make(map[string]bool, len(c.Entities))
	for i, e := range c.Entities {
		if e.Name == "" {
			return fmt.Errorf("entities[%d].name is required", i)
		}
		if entities[strings.ToLower(e.Name)] {
			return fmt.Errorf("entity %q is defined twice", e.Name)
		}
		entities[strings.ToLower(e.Name)] = true
		if e.DefaultDataSource != "" && !names[e.DefaultDataSource] {
			return fmt.Errorf("entity %q: unknown default_data_source %q", e.Name, e.DefaultDataSource)
		}
		if e.DataSourceSharding == nil && e.DefaultDataSource == "" {
			return fmt.Errorf("entity %q needs data_source_sharding or a default_data_source", e.Name)
		}
		if e.TableSharding != nil {
			if err := e.TableSharding.validate(); err != nil {
				return fmt.Errorf("entity %q table_sharding: %w", e.Name, err)
			}
		}
		if e.DataSourceSharding != nil {
			if err := e.DataSourceSharding.validate(); err != nil {
				return fmt.Errorf("entity %q data_source_sharding: %w", e.Name, err)
			}
			if e.DataSourceSharding.Strategy == StrategyMonth {
				return fmt.Errorf("entity %q data_source_sharding: data sources cannot be sharded by month", e.Name)
			}
		}
	}
	if _, err := merge.ParseConnectionMode(c.Options.ConnectionMode); err != nil {
		return err
	}
	if c.Options.MaxQueryConnectionsLimit < 0 {
		return errors.New("options.max_query_connections_limit must not be negative")
	}
	if _, err := ParseLevel(c.Logging.Level); err != nil {
		return err
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	switch c.Metrics.Sink {
	case "", "none", "log", "prometheus":
	default:
		return fmt.Errorf("metrics.sink must be none, log or prometheus, got %q", c.Metrics.Sink)
	}
	return nil
}

// MergeOptions returns the merge options, defaulted where unset.
func (c *Config) MergeOptions() merge.Options {
	opts := merge.NewOptions()
	if c.Options.MaxQueryConnectionsLimit > 0 {
		opts.MaxQueryConnectionsLimit = c.Options.MaxQueryConnectionsLimit
	}
	if c.Options.ThrowIfQueryRouteNotMatch != nil {
		opts.ThrowIfQueryRouteNotMatch = *c.Options.ThrowIfQueryRouteNotMatch
	}
	if c.Options.EnableParallelQuery != nil {
		opts.EnableParallelQuery = *c.Options.EnableParallelQuery
	}
	opts.ConnectionMode, _ = merge.ParseConnectionMode(c.Options.ConnectionMode)
	return opts
}

// DBConfig returns the pool settings, defaulted where unset.
func (c *Config) DBConfig() *dbconn.DBConfig {
	cfg := dbconn.NewDBConfig()
	d := c.Database
	if d.MaxOpenConnections > 0 {
		cfg.MaxOpenConnections = d.MaxOpenConnections
	}
	if d.ConnMaxLifetime > 0 {
		cfg.ConnMaxLifetime = d.ConnMaxLifetime
	}
	if d.LockWaitTimeout > 0 {
		cfg.LockWaitTimeout = d.LockWaitTimeout
	}
	if d.InnodbLockWaitTimeout > 0 {
		cfg.InnodbLockWaitTimeout = d.InnodbLockWaitTimeout
	}
	if d.MaxRetries > 0 {
		cfg.MaxRetries = d.MaxRetries
	}
	cfg.InterpolateParams = d.InterpolateParams
	if d.TLS.Mode != "" {
		cfg.TLSMode = strings.ToUpper(d.TLS.Mode)
	}
	cfg.TLSCertificatePath = d.TLS.CACert
	return cfg
}

// ParseLevel maps a logging level name to a slog.Level. The empty
// string is info.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown logging level %q", level)
}

// NewLogger builds the logger described by the logging section.
func (c *Config) NewLogger() *slog.Logger {
	level, _ := ParseLevel(c.Logging.Level)
	opts := &slog.HandlerOptions{Level: level}
	if c.Logging.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
