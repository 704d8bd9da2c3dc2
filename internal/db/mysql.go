// Package db owns the MySQL connection and the exchange schema.
package db

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"strings"

	_ "github.com/go-sql-driver/mysql"
)

// defaultDatabase is used when a mysql:// URI carries no path component.
const defaultDatabase = "exchange"

// driverDefaults are merged into every URI-derived DSN unless the URI sets
// them itself. parseTime is required so TIMESTAMP columns scan into
// time.Time rather than []byte.
func driverDefaults() url.Values {
	return url.Values{
		"parseTime": {"true"},
		"charset":   {"utf8mb4"},
		"collation": {"utf8mb4_unicode_ci"},
	}
}

// normalizeDSN turns the configured connection string into a go-sql-driver
// DSN. Plain DSNs pass through untouched; mysql:// URIs, the form hosted
// MySQL consoles hand out, are rewritten to
// user:password@tcp(host:port)/database form.
func normalizeDSN(raw string) (string, error) {
	if !strings.HasPrefix(raw, "mysql://") {
		return raw, nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("failed to parse URI: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("host is required")
	}

	credentials := ""
	if u.User != nil {
		credentials = u.User.Username()
		if password, ok := u.User.Password(); ok && password != "" {
			credentials += ":" + password
		}
	}

	database := strings.TrimPrefix(u.Path, "/")
	if database == "" {
		database = defaultDatabase
	}

	params := u.Query()
	for key, values := range driverDefaults() {
		if !params.Has(key) {
			params[key] = values
		}
	}

	var dsn strings.Builder
	dsn.WriteString(credentials)
	fmt.Fprintf(&dsn, "@tcp(%s)/%s", u.Host, database)
	if len(params) > 0 {
		dsn.WriteByte('?')
		dsn.WriteString(params.Encode())
	}
	return dsn.String(), nil
}

// Connect opens the pool described by the DB_DSN environment variable,
// which may be a DSN or a mysql:// URI, and verifies it with a ping.
func Connect() (*sql.DB, error) {
	raw := os.Getenv("DB_DSN")
	if raw == "" {
		return nil, fmt.Errorf("DB_DSN environment variable is required")
	}

	dsn, err := normalizeDSN(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid DB_DSN: %w", err)
	}

	pool, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := pool.Ping(); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	pool.SetMaxOpenConns(25)
	pool.SetMaxIdleConns(10)
	return pool, nil
}
