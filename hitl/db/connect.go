// Package db opens libsql databases (embedded file or remote Turso) and applies
// the schema migrations the durable checkpoint store relies on.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	_ "github.com/tursodatabase/go-libsql"
)

// Config holds libsql connection settings.
type Config struct {
	DSN          string // "file:/path/to.db" or "libsql://host"
	AuthToken    string // remote only
	MaxOpenConns int
}

// Open connects to the configured database, verifies connectivity and applies
// PRAGMAs for embedded files.
func Open(ctx context.Context, cfg Config, logger zerolog.Logger) (*sql.DB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database dsn cannot be empty")
	}

	dsn := cfg.DSN
	embedded := strings.HasPrefix(dsn, "file:")
	if embedded {
		if err := ensureDatabaseDir(dsn); err != nil {
			return nil, err
		}
	} else if cfg.AuthToken != "" {
		dsn = withAuthToken(dsn, cfg.AuthToken)
	}

	logger.Info().Str("dsn", MaskDSN(dsn)).Bool("embedded", embedded).Msg("Connecting to libsql")

	db, err := sql.Open("libsql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open libsql connection: %w", err)
	}

	if err := ping(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	if embedded {
		if err := configurePragmas(ctx, db); err != nil {
			db.Close()
			return nil, err
		}
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 8
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxOpen)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return db, nil
}

// MaskDSN hides credentials in a connection string so it can be logged.
func MaskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.Scheme == "" {
		return dsn
	}
	masked := false
	if u.User != nil {
		if _, ok := u.User.Password(); ok {
			u.User = url.UserPassword(u.User.Username(), "redacted")
			masked = true
		}
	}
	q := u.Query()
	if q.Has("authToken") {
		q.Set("authToken", "redacted")
		u.RawQuery = q.Encode()
		masked = true
	}
	if !masked {
		return dsn
	}
	return u.String()
}

func ensureDatabaseDir(dsn string) error {
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" || strings.HasPrefix(path, ":memory:") {
		return nil
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("could not create database directory %s: %w", dir, err)
	}
	return nil
}

func withAuthToken(dsn, token string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		if strings.Contains(dsn, "?") {
			return dsn + "&authToken=" + url.QueryEscape(token)
		}
		return dsn + "?authToken=" + url.QueryEscape(token)
	}
	q := u.Query()
	q.Set("authToken", token)
	u.RawQuery = q.Encode()
	return u.String()
}

func ping(ctx context.Context, db *sql.DB) error {
	var result int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("basic connectivity test failed: %w", err)
	}
	if result != 1 {
		return fmt.Errorf("basic connectivity test failed: unexpected result %d", result)
	}
	return nil
}

// configurePragmas runs every PRAGMA on one pinned connection. busy_timeout
// goes first so the journal_mode switch waits out a handle that is still
// releasing the file instead of failing with "database is locked".
func configurePragmas(ctx context.Context, db *sql.DB) error {
	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection for pragmas: %w", err)
	}
	defer conn.Close()

	pragmas := []struct {
		name  string
		value string
	}{
		{"busy_timeout", "5000"},
		{"journal_mode", "WAL"},
		{"synchronous", "NORMAL"},
	}

	for _, p := range pragmas {
		query := fmt.Sprintf("PRAGMA %s = %s", p.name, p.value)
		// Some PRAGMAs return a row and some do not; Query accepts both.
		rows, err := conn.QueryContext(ctx, query)
		if err != nil {
			return fmt.Errorf("failed to set %s: %w", p.name, err)
		}
		for rows.Next() {
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return fmt.Errorf("failed to set %s: %w", p.name, err)
		}
	}
	return nil
}
