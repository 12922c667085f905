package store

import (
	"strings"
)

// Opts holds configuration for store backends.
type Opts struct {
	DSN string
}

// Option configures a store backend.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DetectDSNType returns the database/sql driver name for dsn: "postgres" for URLs and
// key=value connection strings, "sqlite3" for everything else (file paths).
func DetectDSNType(dsn string) string {
	trimmed := strings.TrimSpace(dsn)
	if strings.HasPrefix(trimmed, "postgres://") || strings.HasPrefix(trimmed, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(trimmed, "host=") || strings.Contains(trimmed, "dbname=") {
		return "postgres"
	}
	if strings.Contains(trimmed, "=") && strings.Contains(trimmed, " ") && !strings.Contains(trimmed, "/") {
		return "postgres"
	}
	return "sqlite3"
}

// Open returns the backend matching dsn.
func Open(dsn string) (Store, error) {
	if DetectDSNType(dsn) == "postgres" {
		return NewPostgresStore(WithPostgresDSN(dsn))
	}
	return NewSQLiteStore(WithSQLiteDSN(dsn))
}
