// Package dbconn opens the connection pools of the data sources and
// retries the transient errors of shard queries.
package dbconn

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"math/rand"
	"time"

	"github.com/go-sql-driver/mysql"
)

const (
	errLockWaitTimeout = 1205
	errDeadlock        = 1213
	errCannotConnect   = 2003
	errConnLost        = 2013
	errQueryKilled     = 1836
	errTooManyConns    = 1040
)

type DBConfig struct {
	LockWaitTimeout       int
	InnodbLockWaitTimeout int
	MaxRetries            int
	MaxOpenConnections    int
	ConnMaxLifetime       time.Duration
	InterpolateParams     bool
	// TLS Configuration
	TLSMode            string // TLS connection mode (DISABLED, PREFERRED, REQUIRED, VERIFY_CA, VERIFY_IDENTITY)
	TLSCertificatePath string // Path to custom TLS certificate file
}

func NewDBConfig() *DBConfig {
	return &DBConfig{
		LockWaitTimeout:       30,
		InnodbLockWaitTimeout: 3,
		MaxRetries:            3,
		MaxOpenConnections:    32,
		ConnMaxLifetime:       3 * time.Minute,
		InterpolateParams:     false,
		TLSMode:               "PREFERRED",
		TLSCertificatePath:    "",
	}
}

// canRetryError decides if a failed read is worth trying again. Shard
// queries are reads, so any transient error qualifies.
func canRetryError(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, mysql.ErrInvalidConn) {
		return true
	}
	var myErr *mysql.MySQLError
	if !errors.As(err, &myErr) {
		return false
	}
	switch myErr.Number {
	case errLockWaitTimeout, errDeadlock, errCannotConnect,
		errConnLost, errQueryKilled, errTooManyConns:
		return true
	default:
		return false
	}
}

// Queryer is a *sql.DB, *sql.Conn or *sql.Tx.
type Queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// RetryableQuery runs a query, retrying up to MaxRetries times while the
// error is transient.
func RetryableQuery(ctx context.Context, q Queryer, config *DBConfig, query string, args ...any) (*sql.Rows, error) {
	var (
		rows *sql.Rows
		err  error
	)
	for i := range max(config.MaxRetries, 1) {
		rows, err = q.QueryContext(ctx, query, args...)
		if err == nil {
			return rows, nil
		}
		if !canRetryError(err) || ctx.Err() != nil {
			return nil, err
		}
		backoff(i)
	}
	return nil, err
}

// RetryableConn checks out a dedicated connection from the pool.
func RetryableConn(ctx context.Context, db *sql.DB, config *DBConfig) (*sql.Conn, error) {
	var (
		conn *sql.Conn
		err  error
	)
	for i := range max(config.MaxRetries, 1) {
		conn, err = db.Conn(ctx)
		if err == nil {
			return conn, nil
		}
		if !canRetryError(err) || ctx.Err() != nil {
			return nil, err
		}
		backoff(i)
	}
	return nil, err
}

// Exec is like db.Exec but only returns an error.
// This makes it a little bit easier to use in error handling.
func Exec(ctx context.Context, db *sql.DB, stmt string, args ...any) error {
	_, err := db.ExecContext(ctx, stmt, args...)
	return err
}

// backoff sleeps a few milliseconds before retrying.
func backoff(i int) {
	randFactor := i * rand.Intn(10) * int(time.Millisecond)
	time.Sleep(time.Duration(randFactor))
}
