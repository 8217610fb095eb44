package config

import (
	"fmt"
	"net"
	"strconv"

	"github.com/go-ini/ini"
	"github.com/go-sql-driver/mysql"
)

const (
	defaultHost = "127.0.0.1"
	defaultPort = 3306
	defaultUser = "root"
)

// Credentials are the [client] section of a MySQL option file.
type Credentials struct {
	host, database, user, tlsMode, tlsCA string
	password                             *string
	port                                 int
}

func (c *Credentials) GetHost() string {
	if c == nil || c.host == "" {
		return defaultHost
	}
	return c.host
}

func (c *Credentials) GetUser() string {
	if c == nil || c.user == "" {
		return defaultUser
	}
	return c.user
}

func (c *Credentials) GetPassword() string {
	if c == nil || c.password == nil {
		return ""
	}
	return *c.password
}

func (c *Credentials) GetDatabase() string {
	if c == nil {
		return ""
	}
	return c.database
}

func (c *Credentials) GetPort() int {
	if c == nil || c.port == 0 {
		return defaultPort
	}
	return c.port
}

// GetTLSMode and GetTLSCA have no defaults.
func (c *Credentials) GetTLSMode() string {
	if c == nil {
		return ""
	}
	return c.tlsMode
}

func (c *Credentials) GetTLSCA() string {
	if c == nil {
		return ""
	}
	return c.tlsCA
}

// LoadCredentials reads the [client] section of an ini file. An empty
// path returns empty credentials.
func LoadCredentials(path string) (*Credentials, error) {
	creds := &Credentials{}
	if path == "" {
		return creds, nil
	}
	file, err := ini.Load(path)
	if err != nil {
		return nil, err
	}
	if file.HasSection("client") {
		client := file.Section("client")
		creds.host = client.Key("host").String()
		creds.database = client.Key("database").String()
		creds.user = client.Key("user").String()
		creds.tlsMode = client.Key("tls-mode").String()
		creds.tlsCA = client.Key("tls-ca").String()
		creds.port = client.Key("port").MustInt()
		if client.HasKey("password") {
			pw := client.Key("password").String()
			creds.password = &pw
		}
	}
	return creds, nil
}

// ResolveDSN returns the DSN of a data source. A configured DSN is used
// as is. Otherwise a MySQL DSN is assembled from the data source's host,
// port and database, falling back to creds.
func ResolveDSN(ds DataSourceConfig, creds *Credentials) (string, error) {
	if ds.DSN != "" {
		return ds.DSN, nil
	}
	if ds.Driver != "mysql" {
		return "", fmt.Errorf("data source %q needs a dsn", ds.Name)
	}
	host, port, database := ds.Host, ds.Port, ds.Database
	if host == "" {
		host = creds.GetHost()
	}
	if port == 0 {
		port = creds.GetPort()
	}
	if database == "" {
		database = creds.GetDatabase()
	}
	cfg := mysql.NewConfig()
	cfg.User = creds.GetUser()
	cfg.Passwd = creds.GetPassword()
	cfg.Net = "tcp"
	cfg.Addr = net.JoinHostPort(host, strconv.Itoa(port))
	cfg.DBName = database
	return cfg.FormatDSN(), nil
}

// ApplyCredentials fills the TLS settings of the credentials file into
// the database section when it sets none.
func (c *Config) ApplyCredentials(creds *Credentials) {
	if c.Database.TLS.Mode == "" {
		c.Database.TLS.Mode = creds.GetTLSMode()
	}
	if c.Database.TLS.CACert == "" {
		c.Database.TLS.CACert = creds.GetTLSCA()
	}
}
