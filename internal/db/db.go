package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// FileName is the embedded store file inside a shard directory.
const FileName = "mirulog.db"

// CurrentSchemaVersion is the latest schema version.
// Bump this when adding migrations.
const CurrentSchemaVersion = 1

// Init opens (creating if needed) the shard store at shardDir/mirulog.db.
// The shardDir parameter allows tests to use t.TempDir() instead of the
// configured archive root.
func Init(shardDir string) (*sql.DB, error) {
	if err := os.MkdirAll(shardDir, 0o700); err != nil {
		return nil, fmt.Errorf("create shard directory: %w", err)
	}

	// Pragmas in the connection string apply to every pooled connection.
	dbPath := filepath.Join(shardDir, FileName)
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	database, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	if err := verifyWALMode(database); err != nil {
		database.Close()
		return nil, err
	}

	if err := migrate(database); err != nil {
		database.Close()
		return nil, err
	}

	// The scheduler and the batch engine write interleaved from separate
	// processes; WAL plus busy_timeout handles that, but within one process
	// a single connection keeps status transitions serial.
	database.SetMaxOpenConns(1)

	return database, nil
}

// OpenReadOnly opens an existing shard store without write access. Used by
// the aggregator, which must never open a shard for writing.
func OpenReadOnly(dbPath string) (*sql.DB, error) {
	if _, err := os.Stat(dbPath); err != nil {
		return nil, fmt.Errorf("shard store missing: %w", err)
	}
	// mode=ro is only honored with a file: URI; query_only enforces
	// read-only on every connection regardless of DSN form.
	dsn := dbPath + "?_pragma=query_only(1)&_pragma=busy_timeout(5000)"
	database, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store read-only: %w", err)
	}
	return database, nil
}

// migrate applies schema migrations based on user_version.
func migrate(db *sql.DB) error {
	version, err := GetUserVersion(db)
	if err != nil {
		return err
	}

	// Migration 0 -> 1: Initial schema (v1)
	if version < 1 {
		schema := `
		CREATE TABLE IF NOT EXISTS captures (
		  id            TEXT PRIMARY KEY,
		  captured_at   TEXT NOT NULL,
		  window_title  TEXT,
		  process_name  TEXT,
		  hash_digest   TEXT,
		  image_path    TEXT NOT NULL,
		  status        TEXT NOT NULL DEFAULT 'pending',
		  created_at    INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_captures_status_captured
		ON captures(status, captured_at);

		CREATE INDEX IF NOT EXISTS idx_captures_captured
		ON captures(captured_at);

		CREATE TABLE IF NOT EXISTS analysis (
		  capture_id      TEXT PRIMARY KEY REFERENCES captures(id),
		  backend         TEXT NOT NULL,
		  summary         TEXT,
		  primary_task    TEXT,
		  confidence      REAL,
		  tags_json       TEXT,
		  files_json      TEXT,
		  repos_json      TEXT,
		  urls_json       TEXT,
		  raw_response    TEXT,
		  error           TEXT,
		  retry_count     INTEGER NOT NULL DEFAULT 0,
		  last_attempt_at TEXT
		);
		`
		if _, err := db.Exec(schema); err != nil {
			return fmt.Errorf("migration 1 failed: %w", err)
		}
		if err := SetUserVersion(db, 1); err != nil {
			return err
		}
	}

	// Future migrations go here:
	// if version < 2 { ... }

	return nil
}

// verifyWALMode checks that WAL mode is active (set via connection string).
func verifyWALMode(db *sql.DB) error {
	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode;").Scan(&journalMode); err != nil {
		return fmt.Errorf("failed to verify journal mode: %w", err)
	}
	if journalMode != "wal" {
		return fmt.Errorf("expected WAL mode, got %s", journalMode)
	}
	return nil
}

// GetUserVersion returns the current schema version (user_version pragma).
func GetUserVersion(db *sql.DB) (int, error) {
	var version int
	if err := db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to get user_version: %w", err)
	}
	return version, nil
}

// SetUserVersion sets the schema version (user_version pragma).
func SetUserVersion(db *sql.DB, version int) error {
	_, err := db.Exec(fmt.Sprintf("PRAGMA user_version=%d", version))
	if err != nil {
		return fmt.Errorf("failed to set user_version: %w", err)
	}
	return nil
}
