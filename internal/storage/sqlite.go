package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (and creates if needed) the SQLite database at path and
// ensures required tables exist. The path must be on a local filesystem.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := validateSQLiteFilesystem(path); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	// Pragmas in the DSN apply to every pooled connection.
	dsn := "file:" + path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapSQLite creates tables/indexes if missing.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS instances (
  uuid          TEXT PRIMARY KEY,
  name          TEXT NOT NULL,
  host          TEXT NOT NULL DEFAULT '',
  instance_type TEXT NOT NULL DEFAULT '',
  project_id    TEXT NOT NULL DEFAULT '',
  vm_state      TEXT NOT NULL DEFAULT '',
  deleted       INTEGER NOT NULL DEFAULT 0,
  created_at    TEXT NOT NULL,
  updated_at    TEXT
);`,
		`CREATE TABLE IF NOT EXISTS instance_metadata (
  instance_uuid TEXT NOT NULL REFERENCES instances(uuid) ON DELETE CASCADE,
  key           TEXT NOT NULL,
  value         TEXT NOT NULL,
  PRIMARY KEY (instance_uuid, key)
);`,
		`CREATE TABLE IF NOT EXISTS message_queue (
  id           TEXT PRIMARY KEY,
  queue        TEXT NOT NULL,
  method       TEXT NOT NULL,
  args         JSON,
  mode         TEXT NOT NULL,
  status       TEXT NOT NULL,
  submitted_by TEXT NOT NULL,
  created_at   TEXT NOT NULL,
  started_at   TEXT,
  completed_at TEXT,
  reply        JSON,
  last_error   TEXT
);`,
		`CREATE TABLE IF NOT EXISTS message_log (
  id           TEXT PRIMARY KEY,
  queue        TEXT NOT NULL,
  method       TEXT NOT NULL,
  status       TEXT NOT NULL,
  submitted_by TEXT NOT NULL,
  created_at   TEXT NOT NULL,
  completed_at TEXT NOT NULL,
  last_error   TEXT,
  stderr       TEXT
);`,
		`CREATE INDEX IF NOT EXISTS message_queue_queue_status_created_at_idx ON message_queue(queue, status, created_at);`,
		`CREATE INDEX IF NOT EXISTS instances_project_type_idx ON instances(project_id, instance_type, deleted);`,
		`CREATE INDEX IF NOT EXISTS instance_metadata_key_value_idx ON instance_metadata(key, value);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
