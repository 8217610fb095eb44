package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/block/shardmerge/pkg/merge"
	"github.com/block/shardmerge/pkg/route"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
version: "1"
data_sources:
  - name: ds0
    driver: sqlite
    dsn: "file:ds0.db"
  - name: ds1
    driver: mysql
    host: db1.internal
    database: shop
entities:
  - name: orders
    default_data_source: ds0
    create_table_sql: "CREATE TABLE IF NOT EXISTS {table} (id INTEGER PRIMARY KEY, user_id INTEGER)"
    auto_create_table: true
    table_sharding:
      column: user_id
      strategy: mod
      count: 4
  - name: users
    data_source_sharding:
      column: id
      strategy: mod
  - name: events
    default_data_source: ds1
    table_sharding:
      column: created_at
      strategy: month
      from: "2024-01"
      to: "2024-06"
options:
  max_query_connections_limit: 2
  enable_parallel_query: false
  connection_mode: memory_strictly
  ignore_create_table_error: true
database:
  max_open_connections: 8
  conn_max_lifetime: 1m
  tls:
    mode: disabled
logging:
  level: debug
  format: json
metrics:
  sink: prometheus
`

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shardmerge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))
	c, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"ds0", "ds1"}, c.DataSourceNames())
	require.Len(t, c.Entities, 3)

	orders := c.Entities[0].Metadata()
	assert.Equal(t, "user_id", orders.ShardingTableProperty)
	assert.Empty(t, orders.ShardingDataSourceProperty)
	require.NotNil(t, orders.AutoCreateTable)
	assert.True(t, *orders.AutoCreateTable)
	assert.Nil(t, orders.AutoCreateDataSourceTable)

	users := c.Entities[1].Metadata()
	assert.Equal(t, "id", users.ShardingDataSourceProperty)
	assert.True(t, users.IsShardingDataSource())

	opts := c.MergeOptions()
	assert.Equal(t, 2, opts.MaxQueryConnectionsLimit)
	assert.False(t, opts.EnableParallelQuery)
	assert.True(t, opts.ThrowIfQueryRouteNotMatch, "unset options keep their default")
	assert.Equal(t, merge.MemoryStrictly, opts.ConnectionMode)

	db := c.DBConfig()
	assert.Equal(t, 8, db.MaxOpenConnections)
	assert.Equal(t, time.Minute, db.ConnMaxLifetime)
	assert.Equal(t, "DISABLED", db.TLSMode)
	assert.Equal(t, 3, db.MaxRetries)

	assert.True(t, c.NewLogger().Enabled(t.Context(), slog.LevelDebug))

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestNewStrategy(t *testing.T) {
	c, err := Parse([]byte(sample))
	require.NoError(t, err)

	s, err := c.Entities[0].TableSharding.NewStrategy(nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"00", "01", "02", "03"}, s.Targets())

	s, err = c.Entities[1].DataSourceSharding.NewStrategy(c.DataSourceNames())
	require.NoError(t, err)
	assert.Equal(t, []string{"ds0", "ds1"}, s.Targets())
	target, err := s.KeyToTarget(int64(3))
	require.NoError(t, err)
	assert.Equal(t, "ds1", target)

	s, err = c.Entities[2].TableSharding.NewStrategy(nil)
	require.NoError(t, err)
	assert.Len(t, s.Targets(), 6)
	assert.Equal(t, "202401", s.Targets()[0])

	list := &ShardingConfig{Column: "region", Strategy: StrategyList, Mapping: map[string]string{"eu": "ds0", "us": "ds1"}}
	require.NoError(t, list.validate())
	s, err = list.NewStrategy(nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"ds0", "ds1"}, s.Targets())

	kr := &ShardingConfig{Column: "id", Strategy: StrategyKeyRange, Ranges: map[string]string{"ds0": "-80", "ds1": "80-"}}
	require.NoError(t, kr.validate())
	s, err = kr.NewStrategy(nil)
	require.NoError(t, err)
	assert.IsType(t, &route.KeyRangeStrategy{}, s)

	ci := &ShardingConfig{Column: "code", Strategy: StrategyMod, Count: 8, StringKeys: true, CaseInsensitive: true}
	require.NoError(t, ci.validate())
	s, err = ci.NewStrategy(nil)
	require.NoError(t, err)
	for _, key := range []string{"Tenant-1", "ACME", "mIxEd"} {
		upper, err := s.KeyToTarget(key)
		require.NoError(t, err)
		lower, err := s.KeyToTarget(strings.ToLower(key))
		require.NoError(t, err)
		assert.Equal(t, lower, upper, key)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"no version", "data_sources: [{name: ds0, driver: sqlite, dsn: x}]"},
		{"no data sources", "version: '1'"},
		{"unnamed data source", "version: '1'\ndata_sources: [{driver: sqlite, dsn: x}]"},
		{"duplicate data source", "version: '1'\ndata_sources: [{name: a, driver: sqlite, dsn: x}, {name: a, driver: sqlite, dsn: y}]"},
		{"bad driver", "version: '1'\ndata_sources: [{name: a, driver: oracle, dsn: x}]"},
		{"sqlite without dsn", "version: '1'\ndata_sources: [{name: a, driver: sqlite}]"},
		{"entity without data source", "version: '1'\ndata_sources: [{name: a, driver: sqlite, dsn: x}]\nentities: [{name: t}]"},
		{"unknown default", "version: '1'\ndata_sources: [{name: a, driver: sqlite, dsn: x}]\nentities: [{name: t, default_data_source: b}]"},
		{"duplicate entity", "version: '1'\ndata_sources: [{name: a, driver: sqlite, dsn: x}]\nentities: [{name: t, default_data_source: a}, {name: T, default_data_source: a}]"},
		{"no column", "version: '1'\ndata_sources: [{name: a, driver: sqlite, dsn: x}]\nentities: [{name: t, default_data_source: a, table_sharding: {strategy: mod, count: 2}}]"},
		{"unknown strategy", "version: '1'\ndata_sources: [{name: a, driver: sqlite, dsn: x}]\nentities: [{name: t, default_data_source: a, table_sharding: {column: c, strategy: hash}}]"},
		{"count and targets", "version: '1'\ndata_sources: [{name: a, driver: sqlite, dsn: x}]\nentities: [{name: t, default_data_source: a, table_sharding: {column: c, strategy: mod, count: 2, targets: [x]}}]"},
		{"case insensitive int keys", "version: '1'\ndata_sources: [{name: a, driver: sqlite, dsn: x}]\nentities: [{name: t, default_data_source: a, table_sharding: {column: c, strategy: mod, count: 2, case_insensitive: true}}]"},
		{"bad month", "version: '1'\ndata_sources: [{name: a, driver: sqlite, dsn: x}]\nentities: [{name: t, default_data_source: a, table_sharding: {column: c, strategy: month, from: '2024', to: '2024-02'}}]"},
		{"data sources by month", "version: '1'\ndata_sources: [{name: a, driver: sqlite, dsn: x}]\nentities: [{name: t, data_source_sharding: {column: c, strategy: month, from: '2024-01', to: '2024-02'}}]"},
		{"bad connection mode", "version: '1'\ndata_sources: [{name: a, driver: sqlite, dsn: x}]\noptions: {connection_mode: sometimes}"},
		{"bad level", "version: '1'\ndata_sources: [{name: a, driver: sqlite, dsn: x}]\nlogging: {level: loud}"},
		{"bad sink", "version: '1'\ndata_sources: [{name: a, driver: sqlite, dsn: x}]\nmetrics: {sink: statsd}"},
		{"not yaml", "version: [1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestCredentials(t *testing.T) {
	path := filepath.Join(t.TempDir(), "my.cnf")
	require.NoError(t, os.WriteFile(path, []byte("[client]\nuser = app\npassword = secret\nhost = db.internal\nport = 3307\ntls-mode = VERIFY_CA\n"), 0o600))
	creds, err := LoadCredentials(path)
	require.NoError(t, err)
	assert.Equal(t, "app", creds.GetUser())
	assert.Equal(t, "secret", creds.GetPassword())
	assert.Equal(t, 3307, creds.GetPort())

	dsn, err := ResolveDSN(DataSourceConfig{Name: "ds1", Driver: "mysql", Database: "shop"}, creds)
	require.NoError(t, err)
	assert.Contains(t, dsn, "app:secret@tcp(db.internal:3307)/shop")

	dsn, err = ResolveDSN(DataSourceConfig{Name: "ds1", Driver: "mysql", Host: "other", Port: 3310}, creds)
	require.NoError(t, err)
	assert.Contains(t, dsn, "@tcp(other:3310)/")

	dsn, err = ResolveDSN(DataSourceConfig{Name: "ds0", Driver: "sqlite", DSN: "file:x.db"}, creds)
	require.NoError(t, err)
	assert.Equal(t, "file:x.db", dsn)
	_, err = ResolveDSN(DataSourceConfig{Name: "ds0", Driver: "pgx"}, creds)
	assert.Error(t, err)

	c := &Config{}
	c.ApplyCredentials(creds)
	assert.Equal(t, "VERIFY_CA", c.Database.TLS.Mode)

	var none *Credentials
	assert.Equal(t, defaultHost, none.GetHost())
	assert.Equal(t, defaultUser, none.GetUser())
	assert.Empty(t, none.GetPassword())

	empty, err := LoadCredentials("")
	require.NoError(t, err)
	assert.Equal(t, defaultPort, empty.GetPort())

	_, err = LoadCredentials(filepath.Join(t.TempDir(), "missing.cnf"))
	assert.Error(t, err)
}
