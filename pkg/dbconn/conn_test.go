package dbconn

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

const sessionSettings = "sql_mode=%22%22&time_zone=%22%2B00%3A00%22&innodb_lock_wait_timeout=3&lock_wait_timeout=30&transaction_isolation=%22read-committed%22&charset=utf8mb4&collation=utf8mb4_bin&parseTime=true&rejectReadOnly=true"

func TestNewDSN(t *testing.T) {
	dsn := "root:password@tcp(127.0.0.1:3306)/test"
	resp, err := newDSN(dsn, NewDBConfig())
	assert.NoError(t, err)
	assert.Equal(t, "root:password@tcp(127.0.0.1:3306)/test?tls=custom&"+sessionSettings+"&interpolateParams=false&allowNativePasswords=true", resp)

	// With interpolate on.
	config := NewDBConfig()
	config.InterpolateParams = true
	resp, err = newDSN(dsn, config)
	assert.NoError(t, err)
	assert.Equal(t, "root:password@tcp(127.0.0.1:3306)/test?tls=custom&"+sessionSettings+"&interpolateParams=true&allowNativePasswords=true", resp)

	// TLS disabled, and parameters already present.
	config = NewDBConfig()
	config.TLSMode = "DISABLED"
	resp, err = newDSN(dsn+"?timeout=5s", config)
	assert.NoError(t, err)
	assert.Equal(t, "root:password@tcp(127.0.0.1:3306)/test?timeout=5s&"+sessionSettings+"&interpolateParams=false&allowNativePasswords=true", resp)

	config = NewDBConfig()
	config.TLSMode = "REQUIRED"
	resp, err = newDSN(dsn, config)
	assert.NoError(t, err)
	assert.Contains(t, resp, "?tls=required&")

	// A certificate that does not exist.
	config.TLSCertificatePath = "/does/not/exist.pem"
	_, err = newDSN(dsn, config)
	assert.Error(t, err)

	// Invalid DSN, can't parse.
	resp, err = newDSN("invalid", NewDBConfig())
	assert.Error(t, err)
	assert.Empty(t, resp)
}

func TestTLSConfigModes(t *testing.T) {
	assert.Nil(t, NewCustomTLSConfig(nil, "DISABLED"))
	assert.True(t, NewCustomTLSConfig(nil, "PREFERRED").InsecureSkipVerify)
	assert.True(t, NewCustomTLSConfig(nil, "REQUIRED").InsecureSkipVerify)
	verifyCA := NewCustomTLSConfig(nil, "VERIFY_CA")
	assert.NotNil(t, verifyCA.VerifyPeerCertificate)
	assert.Error(t, verifyCA.VerifyPeerCertificate(nil, nil))
	assert.False(t, NewCustomTLSConfig(nil, "VERIFY_IDENTITY").InsecureSkipVerify)

	assert.Equal(t, "custom", getTLSConfigName("PREFERRED"))
	assert.Equal(t, "verify_ca", getTLSConfigName("VERIFY_CA"))
	assert.Empty(t, getTLSConfigName("DISABLED"))
}
