// Package testutils contains some common utilities used exclusively
// by the test suite.
package testutils

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

// DSN returns the MySQL DSN of the integration test server, or skips the
// test when MYSQL_DSN is not set.
func DSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("MYSQL_DSN")
	if dsn == "" {
		t.Skip("MYSQL_DSN is not set")
	}
	return dsn
}

// PostgresDSN returns the Postgres DSN of the integration test server, or
// skips the test when PG_DSN is not set.
func PostgresDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("PG_DSN")
	if dsn == "" {
		t.Skip("PG_DSN is not set")
	}
	return dsn
}

// DSNForDatabase returns the MySQL DSN pointed at a different database.
func DSNForDatabase(t *testing.T, dbName string) string {
	t.Helper()
	cfg, err := mysql.ParseDSN(DSN(t))
	require.NoError(t, err)
	cfg.DBName = dbName
	return cfg.FormatDSN()
}

// CreateUniqueTestDatabase creates a MySQL database named after the test
// and drops it when the test finishes.
func CreateUniqueTestDatabase(t *testing.T) string {
	t.Helper()
	dbName := fmt.Sprintf("t_%s_%d",
		strings.NewReplacer("/", "_", "-", "_").Replace(strings.ToLower(t.Name())),
		os.Getpid())
	db, err := sql.Open("mysql", DSNForDatabase(t, ""))
	require.NoError(t, err)
	defer func() {
		_ = db.Close()
	}()
	_, err = db.ExecContext(t.Context(), "CREATE DATABASE IF NOT EXISTS "+dbName)
	require.NoError(t, err)
	t.Cleanup(func() {
		db, err := sql.Open("mysql", DSNForDatabase(t, ""))
		require.NoError(t, err)
		defer func() {
			_ = db.Close()
		}()
		_, err = db.ExecContext(context.Background(), "DROP DATABASE IF EXISTS "+dbName)
		require.NoError(t, err)
	})
	return dbName
}

// SQLiteDSN returns the DSN of a fresh SQLite database file in the test's
// temporary directory.
func SQLiteDSN(t *testing.T, name string) string {
	t.Helper()
	return "file:" + filepath.Join(t.TempDir(), name+".db") + "?_pragma=busy_timeout(5000)"
}

// RunSQLite runs statements against a SQLite database.
func RunSQLite(t *testing.T, dsn string, stmts ...string) {
	t.Helper()
	db, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)
	defer func() {
		_ = db.Close()
	}()
	for _, stmt := range stmts {
		_, err = db.ExecContext(t.Context(), stmt)
		require.NoError(t, err, stmt)
	}
}

// EvenOddHasher is a test hash function that shards assuming -80 and 80- shards.
// even goes to -80, odd goes to 80-
func EvenOddHasher(colAny any) (uint64, error) {
	var col int64
	switch v := colAny.(type) {
	case int:
		col = int64(v)
	case int64:
		col = v
	default:
		return 0, fmt.Errorf("expected an integer sharding key, got %T", colAny)
	}
	if col < 0 {
		return 0, fmt.Errorf("negative sharding key %d", col)
	}
	if col%2 == 0 {
		return uint64(col), nil
	}
	return 0x8000000000000000 + uint64(col), nil
}
