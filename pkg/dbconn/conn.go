package dbconn

import (
	"crypto/tls"
	"crypto/x509"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/block/shardmerge/pkg/utils"
	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

const (
	customTLSConfigName   = "custom"
	requiredTLSConfigName = "required"
	verifyCATLSConfigName = "verify_ca"
	verifyIDTLSConfigName = "verify_identity"
)

// Supported database/sql driver names.
const (
	DriverMySQL    = "mysql"
	DriverPostgres = "pgx"
	DriverSQLite   = "sqlite"
)

// NewCustomTLSConfig creates a TLS config based on SSL mode and certificate data
func NewCustomTLSConfig(certData []byte, sslMode string) *tls.Config {
	caCertPool := x509.NewCertPool()
	if len(certData) > 0 {
		caCertPool.AppendCertsFromPEM(certData)
	}

	switch sslMode {
	case "DISABLED":
		return nil
	case "REQUIRED":
		// Encryption only
		return &tls.Config{
			RootCAs:            caCertPool,
			InsecureSkipVerify: true,
		}
	case "VERIFY_CA":
		// Verify the chain against the CA, but not the hostname
		return &tls.Config{
			RootCAs:            caCertPool,
			InsecureSkipVerify: true,
			VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
				if len(rawCerts) == 0 {
					return errors.New("no certificates provided")
				}
				var certs []*x509.Certificate
				for _, rawCert := range rawCerts {
					cert, err := x509.ParseCertificate(rawCert)
					if err != nil {
						return fmt.Errorf("failed to parse certificate: %w", err)
					}
					certs = append(certs, cert)
				}
				intermediates := x509.NewCertPool()
				for _, cert := range certs[1:] {
					intermediates.AddCert(cert)
				}
				if _, err := certs[0].Verify(x509.VerifyOptions{Roots: caCertPool, Intermediates: intermediates}); err != nil {
					return fmt.Errorf("certificate verification failed: %w", err)
				}
				return nil
			},
		}
	case "VERIFY_IDENTITY":
		return &tls.Config{
			RootCAs: caCertPool,
		}
	default:
		// PREFERRED and unknown modes: encryption only, no verification
		return &tls.Config{
			InsecureSkipVerify: true,
		}
	}
}

// getTLSConfigName returns the registered TLS config name for the mode
func getTLSConfigName(mode string) string {
	switch mode {
	case "DISABLED":
		return ""
	case "REQUIRED":
		return requiredTLSConfigName
	case "VERIFY_CA":
		return verifyCATLSConfigName
	case "VERIFY_IDENTITY":
		return verifyIDTLSConfigName
	default:
		return customTLSConfigName
	}
}

// initCustomTLS registers the TLS configuration of the mode with the
// MySQL driver.
func initCustomTLS(config *DBConfig) error {
	var certData []byte
	if config.TLSCertificatePath != "" {
		var err error
		if certData, err = os.ReadFile(config.TLSCertificatePath); err != nil {
			return fmt.Errorf("could not read TLS certificate: %w", err)
		}
	} else if config.TLSMode == "VERIFY_CA" || config.TLSMode == "VERIFY_IDENTITY" {
		// verification without a CA uses the system roots
		pool, err := x509.SystemCertPool()
		if err != nil {
			return err
		}
		tlsConfig := NewCustomTLSConfig(nil, config.TLSMode)
		tlsConfig.RootCAs = pool
		return registerTLS(getTLSConfigName(config.TLSMode), tlsConfig)
	}
	tlsConfig := NewCustomTLSConfig(certData, config.TLSMode)
	if tlsConfig == nil {
		return nil
	}
	return registerTLS(getTLSConfigName(config.TLSMode), tlsConfig)
}

func registerTLS(name string, tlsConfig *tls.Config) error {
	err := mysql.RegisterTLSConfig(name, tlsConfig)
	if err != nil && strings.Contains(err.Error(), "already registered") {
		return nil
	}
	return err
}

// newDSN returns a new DSN to be used to connect to MySQL.
// It accepts a DSN as input and appends TLS configuration
// and the session settings every shard connection uses.
func newDSN(dsn string, config *DBConfig) (string, error) {
	var ops []string
	if _, err := mysql.ParseDSN(dsn); err != nil {
		return "", err
	}
	if config.TLSMode != "DISABLED" {
		if err := initCustomTLS(config); err != nil {
			return "", err
		}
		ops = append(ops, fmt.Sprintf("%s=%s", "tls", url.QueryEscape(getTLSConfigName(config.TLSMode))))
	}
	ops = append(ops, fmt.Sprintf("%s=%s", "sql_mode", url.QueryEscape(`""`)))
	// All shards must agree on the time zone or ordered merges of
	// temporal columns interleave wrongly.
	ops = append(ops, fmt.Sprintf("%s=%s", "time_zone", url.QueryEscape(`"+00:00"`)))
	ops = append(ops, fmt.Sprintf("%s=%s", "innodb_lock_wait_timeout", url.QueryEscape(strconv.Itoa(config.InnodbLockWaitTimeout))))
	ops = append(ops, fmt.Sprintf("%s=%s", "lock_wait_timeout", url.QueryEscape(strconv.Itoa(config.LockWaitTimeout))))
	ops = append(ops, fmt.Sprintf("%s=%s", "transaction_isolation", url.QueryEscape(`"read-committed"`)))
	ops = append(ops, fmt.Sprintf("%s=%s", "charset", "utf8mb4"))
	ops = append(ops, fmt.Sprintf("%s=%s", "collation", "utf8mb4_bin"))
	ops = append(ops, fmt.Sprintf("%s=%s", "parseTime", "true"))
	ops = append(ops, fmt.Sprintf("%s=%s", "rejectReadOnly", "true"))
	ops = append(ops, fmt.Sprintf("%s=%t", "interpolateParams", config.InterpolateParams))
	ops = append(ops, fmt.Sprintf("%s=%s", "allowNativePasswords", "true"))

	separator := "?"
	if strings.Contains(dsn, "?") {
		separator = "&"
	}
	return fmt.Sprintf("%s%s%s", dsn, separator, strings.Join(ops, "&")), nil
}

// New is similar to sql.Open except the DSN is standardized for the
// driver first, and the pool is pinged to ensure it is valid.
func New(driver, inputDSN string, config *DBConfig) (*sql.DB, error) {
	var (
		db  *sql.DB
		err error
	)
	switch driver {
	case DriverMySQL:
		dsn, err := newDSN(inputDSN, config)
		if err != nil {
			return nil, err
		}
		if db, err = sql.Open(DriverMySQL, dsn); err != nil {
			return nil, err
		}
	case DriverPostgres, "postgres":
		pgConfig, err := pgx.ParseConfig(inputDSN)
		if err != nil {
			return nil, err
		}
		db = stdlib.OpenDB(*pgConfig)
	case DriverSQLite:
		if db, err = sql.Open(DriverSQLite, inputDSN); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}
	if err := db.Ping(); err != nil {
		utils.ErrInErr(db.Close())
		return nil, err
	}
	db.SetMaxOpenConns(config.MaxOpenConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	return db, nil
}
