package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
)

// sqlRepo implements the entity repositories on top of database/sql for both
// SQLite and PostgreSQL. Queries are written with ? placeholders and rebound
// for PostgreSQL.
type sqlRepo struct {
	db       *sql.DB
	postgres bool
	name     string // used as the log prefix
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// rebind rewrites ? placeholders to $1..$n for PostgreSQL.
func (r *sqlRepo) rebind(query string) string {
	if !r.postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// forUpdate is appended to SELECTs inside read-modify-write transactions.
// SQLite serializes writers on its single connection instead.
func (r *sqlRepo) forUpdate() string {
	if r.postgres {
		return " FOR UPDATE"
	}
	return ""
}

func (r *sqlRepo) exec(query string, args ...any) (sql.Result, error) {
	return r.db.Exec(r.rebind(query), args...)
}

func (r *sqlRepo) queryRow(query string, args ...any) *sql.Row {
	return r.db.QueryRow(r.rebind(query), args...)
}

func (r *sqlRepo) query(query string, args ...any) (*sql.Rows, error) {
	return r.db.Query(r.rebind(query), args...)
}

// openSQL opens driver/dsn, applies pool settings, checks the connection and
// runs the idempotent migration script.
func openSQL(driver, dsn, migrations, name string, configure func(*sql.DB)) (*sqlRepo, error) {
	slog.Debug(name+": opening database", "driver", driver)
	db, err := sql.Open(driver, dsn)
	if err != nil {
		slog.Error(name+": open failed", "error", err)
		return nil, err
	}
	if configure != nil {
		configure(db)
	}
	if err := db.Ping(); err != nil {
		slog.Error(name+": ping failed", "error", err)
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(migrations); err != nil {
		slog.Error(name+": migrations failed", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug(name + ": migrations applied")
	return &sqlRepo{db: db, name: name}, nil
}

// Close closes the database connection.
func (r *sqlRepo) Close() error {
	slog.Debug(r.name + ".Close: closing database connection")
	err := r.db.Close()
	if err != nil {
		slog.Error(r.name+".Close: close failed", "error", err)
	}
	return err
}

func toJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal json column: %w", err)
	}
	return string(b), nil
}

func fromJSON(raw string, v any) error {
	if raw == "" || raw == "null" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("unmarshal json column: %w", err)
	}
	return nil
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
