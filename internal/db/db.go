// Package db provides the local SQLite store for yuki.
//
// The database runs in embedded mode through the ncruces/go-sqlite3 driver
// with WAL enabled. Every write transaction is opened IMMEDIATE so writers
// are serialized by SQLite itself rather than failing at commit time.
//
// Architecture:
//   - Database file: <data_dir>/yuki.db
//   - Application tables: anime_list, watch_history
//   - Replication tables: change_log (the ledger), sync_state (local only)
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// DB wraps the SQLite connection pool together with the file it was opened from.
type DB struct {
	conn *sql.DB
	path string
}

// dsn builds the connection string. Pragmas are passed through the DSN so
// they apply to every pooled connection, not just the first one.
func dsn(path string) string {
	params := url.Values{}
	params.Add("_pragma", "busy_timeout(5000)")
	params.Add("_pragma", "journal_mode(wal)")
	params.Add("_pragma", "foreign_keys(on)")
	params.Set("_txlock", "immediate")
	return "file:" + filepath.ToSlash(path) + "?" + params.Encode()
}

// Open creates a new database connection at the specified path.
//
// If the database doesn't exist it is created; call InitSchema afterwards.
// The caller MUST call Close() when done.
//
// Example:
//
//	store, err := db.Open(filepath.Join(dataDir, "yuki.db"))
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	return &DB{conn: conn, path: path}, nil
}

// Exists reports whether a database file is present at path.
func Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Close checkpoints the WAL and closes the connection pool.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the database schema if it doesn't exist.
// This is idempotent - safe to call multiple times.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the database schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	schema := `
	-- Application tables
	CREATE TABLE IF NOT EXISTS anime_list (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'planning',
		episodes_watched INTEGER NOT NULL DEFAULT 0,
		total_episodes INTEGER,
		score REAL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS watch_history (
		id TEXT PRIMARY KEY,
		anime_id TEXT NOT NULL,
		episode INTEGER NOT NULL,
		position_seconds REAL NOT NULL DEFAULT 0,
		watched_at TEXT NOT NULL
	);

	-- Replication ledger
	CREATE TABLE IF NOT EXISTS change_log (
		id TEXT PRIMARY KEY,
		device_id TEXT NOT NULL,
		table_name TEXT NOT NULL,
		row_id TEXT NOT NULL,
		operation TEXT NOT NULL CHECK (operation IN ('INSERT', 'UPDATE', 'DELETE')),
		data TEXT,
		timestamp TEXT NOT NULL,
		synced INTEGER NOT NULL DEFAULT 0
	);

	-- Local-only replication bookkeeping
	CREATE TABLE IF NOT EXISTS sync_state (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_anime_list_status ON anime_list(status);
	CREATE INDEX IF NOT EXISTS idx_watch_history_anime ON watch_history(anime_id, episode);
	CREATE INDEX IF NOT EXISTS idx_change_log_synced ON change_log(synced);
	CREATE INDEX IF NOT EXISTS idx_change_log_timestamp ON change_log(timestamp);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// SnapshotTo writes a consistent, self-contained image of the database to
// dest using VACUUM INTO. dest must not exist.
func (db *DB) SnapshotTo(ctx context.Context, dest string) error {
	if _, err := os.Stat(dest); err == nil {
		return fmt.Errorf("snapshot destination %s already exists", dest)
	}
	if _, err := db.conn.ExecContext(ctx, "VACUUM INTO ?", dest); err != nil {
		return fmt.Errorf("failed to write snapshot image: %w", err)
	}
	return nil
}

// Size returns the on-disk size of the database file (excluding the WAL).
func (db *DB) Size() (int64, error) {
	info, err := os.Stat(db.path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// GetState returns a value from sync_state. Missing keys return "" and no error.
func (db *DB) GetState(ctx context.Context, key string) (string, error) {
	var value string
	err := db.conn.QueryRowContext(ctx, `SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read sync state %q: %w", key, err)
	}
	return value, nil
}

// SetState stores a value in sync_state.
func (db *DB) SetState(ctx context.Context, key, value string) error {
	_, err := db.conn.ExecContext(ctx, `
	INSERT INTO sync_state (key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to write sync state %q: %w", key, err)
	}
	return nil
}

// DeleteState removes a key from sync_state. Missing keys are not an error.
func (db *DB) DeleteState(ctx context.Context, key string) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM sync_state WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete sync state %q: %w", key, err)
	}
	return nil
}
