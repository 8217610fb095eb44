package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/block/shardmerge/pkg/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	yaml := fmt.Sprintf(`
version: "1"
data_sources:
  - name: ds0
    driver: sqlite
    dsn: %q
entities:
  - name: orders
    default_data_source: ds0
    auto_create_table: true
    create_table_sql: "CREATE TABLE IF NOT EXISTS {table} (id INTEGER PRIMARY KEY, user_id INTEGER)"
    table_sharding:
      column: user_id
      strategy: mod
      count: 2
logging:
  level: error
`, testutils.SQLiteDSN(t, "ds0"))
	path := filepath.Join(t.TempDir(), "shardmerge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	return path
}

func capture(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	stdout = &buf
	t.Cleanup(func() { stdout = os.Stdout })
	return &buf
}

func TestCommands(t *testing.T) {
	g := &Globals{Config: writeConfig(t), Timeout: time.Minute}

	out := capture(t)
	require.NoError(t, (&InitCmd{}).Run(g))
	assert.Equal(t, "orders: 1 data source(s), 2 table(s) each\n", out.String())

	out.Reset()
	require.NoError(t, (&QueryCmd{SQL: "SELECT id, user_id FROM orders WHERE user_id = ?", Args: []string{"3"}}).Run(g))
	assert.Contains(t, out.String(), "id")
	assert.Contains(t, out.String(), "(0 rows)")

	out.Reset()
	require.NoError(t, (&ExplainCmd{SQL: "SELECT id FROM orders ORDER BY id LIMIT 5"}).Run(g))
	assert.Contains(t, out.String(), "kind: ordered")
	assert.Contains(t, out.String(), "`orders_01`")

	out.Reset()
	require.NoError(t, (&VersionCmd{}).Run(g))
	assert.Contains(t, out.String(), "shardmerge ")

	assert.Error(t, (&QueryCmd{SQL: "SELECT id FROM orders"}).Run(&Globals{Timeout: time.Minute}), "no config")
}

func TestParseArgs(t *testing.T) {
	assert.Equal(t, []any{int64(7), 1.5, "abc", "2024-01-02"}, parseArgs([]string{"7", "1.5", "abc", "2024-01-02"}))
	assert.Empty(t, parseArgs(nil))
}

func TestFormatValue(t *testing.T) {
	assert.Equal(t, "NULL", formatValue(nil))
	assert.Equal(t, "raw", formatValue([]byte("raw")))
	assert.Equal(t, "2026-10-18T00:00:00Z", formatValue(time.Date(2026, 10, 18, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, "42", formatValue(int64(42)))
}
