// Package db opens the gateway's SQL store and applies its schema migrations.
// SQLite (modernc, pure Go) is the default; Postgres is reached through pgx.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Dialect identifies the SQL flavor behind a *sql.DB.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// Config selects and locates the database.
type Config struct {
	Driver string `toml:"driver" yaml:"driver" validate:"omitempty,oneof=sqlite postgres"`
	DSN    string `toml:"dsn" yaml:"dsn"`
	// Path is used for sqlite when DSN is empty.
	Path            string `toml:"path" yaml:"path"`
	MaxOpenConns    int    `toml:"max_open_conns" yaml:"max_open_conns"`
	ConnMaxLifetime string `toml:"conn_max_lifetime" yaml:"conn_max_lifetime"`
}

// ParseDialect maps a configured driver name to a Dialect.
func ParseDialect(driver string) (Dialect, error) {
	switch strings.TrimSpace(strings.ToLower(driver)) {
	case "", "sqlite", "sqlite3":
		return DialectSQLite, nil
	case "postgres", "postgresql", "pgx":
		return DialectPostgres, nil
	default:
		return "", fmt.Errorf("unsupported database driver: %s", driver)
	}
}

// DriverName is the database/sql driver registered for the dialect.
func (d Dialect) DriverName() string {
	if d == DialectPostgres {
		return "pgx"
	}
	return "sqlite"
}

// Rebind rewrites "?" placeholders into "$n" for Postgres.
func (d Dialect) Rebind(query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// ResolveDSN returns the connection string for c, adding sqlite pragmas.
func (c Config) ResolveDSN() (string, error) {
	dialect, err := ParseDialect(c.Driver)
	if err != nil {
		return "", err
	}
	dsn := strings.TrimSpace(c.DSN)
	if dialect == DialectPostgres {
		if dsn == "" {
			return "", fmt.Errorf("postgres dsn is required")
		}
		return dsn, nil
	}
	if dsn == "" {
		path := strings.TrimSpace(c.Path)
		if path == "" {
			path = "memoh-gateway.db"
		}
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return "", fmt.Errorf("create sqlite dir: %w", err)
			}
		}
		dsn = "file:" + path
	}
	if !strings.Contains(dsn, "_pragma=") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	}
	return dsn, nil
}

// Open connects to the configured database and verifies the connection.
func Open(ctx context.Context, cfg Config) (*sql.DB, Dialect, error) {
	dialect, err := ParseDialect(cfg.Driver)
	if err != nil {
		return nil, "", err
	}
	dsn, err := cfg.ResolveDSN()
	if err != nil {
		return nil, "", err
	}
	conn, err := sql.Open(dialect.DriverName(), dsn)
	if err != nil {
		return nil, "", fmt.Errorf("open %s: %w", dialect, err)
	}
	switch {
	case dialect == DialectSQLite:
		// SQLite allows a single writer.
		conn.SetMaxOpenConns(1)
	case cfg.MaxOpenConns > 0:
		conn.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime != "" {
		lifetime, err := time.ParseDuration(cfg.ConnMaxLifetime)
		if err != nil {
			_ = conn.Close()
			return nil, "", fmt.Errorf("parse conn_max_lifetime: %w", err)
		}
		conn.SetConnMaxLifetime(lifetime)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		_ = conn.Close()
		return nil, "", fmt.Errorf("ping %s: %w", dialect, err)
	}
	return conn, dialect, nil
}

// NowMillis is the storage representation of timestamps.
func NowMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

// FromMillis converts a stored timestamp back to time.Time.
func FromMillis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
