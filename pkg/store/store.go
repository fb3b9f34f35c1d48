// Package store persists the upstream registry and the call audit log in
// SQLite. Only routing metadata is stored; message bodies never are.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// tsLayout is fixed width so that stored timestamps sort lexically.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store is a SQLite-backed registry.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates or opens the database at path, creating parent directories
// and the schema as needed. ":memory:" opens a private in-memory database.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if path == ":memory:" {
		// every pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Debug("SQLite store initialized", "path", path)
	return s, nil
}

func (s *Store) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS upstreams (
			id              TEXT PRIMARY KEY,
			tenant          TEXT NOT NULL,
			name            TEXT NOT NULL,
			position        INTEGER NOT NULL,
			transport       TEXT NOT NULL,
			endpoint        TEXT NOT NULL DEFAULT '',
			command         TEXT NOT NULL DEFAULT '',
			args_json       TEXT,
			env_json        TEXT,
			headers_json    TEXT,
			credentials_ref TEXT NOT NULL DEFAULT '',
			enabled         INTEGER NOT NULL DEFAULT 1,
			timeout_ms      INTEGER NOT NULL DEFAULT 0,
			created_at      TEXT NOT NULL,
			updated_at      TEXT NOT NULL,

			CHECK (transport IN ('stdio', 'http'))
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_upstreams_tenant_name
			ON upstreams(tenant, name);

		CREATE TABLE IF NOT EXISTS audit_log (
			audit_id    TEXT PRIMARY KEY,
			tenant      TEXT NOT NULL,
			request_id  TEXT NOT NULL DEFAULT '',
			method      TEXT NOT NULL,
			tool        TEXT NOT NULL DEFAULT '',
			upstream    TEXT NOT NULL DEFAULT '',
			outcome     TEXT NOT NULL,
			duration_ms INTEGER NOT NULL,
			ts          TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_audit_tenant_ts ON audit_log(tenant, ts);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
