// Package store provides the local embedded document database for the
// workbench.
//
// The database runs in embedded mode using SQLite with WAL for concurrent
// reads. It holds the user-visible documents (workspaces, folders,
// requests) plus the local-only sync bookkeeping tables: resources,
// request backups, per-workspace and per-request metadata, the sync
// activity log and the session record.
//
// Mutations to documents are published on a change stream so the sync
// engine can observe local edits; see Subscribe.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// DB wraps the SQLite connection with workbench-specific functionality.
type DB struct {
	conn *sql.DB
	path string

	stream *changeStream
}

// Open creates a database connection at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent reads.
// If it doesn't exist it is created; call InitSchema before first use.
// The caller MUST call Close when done.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{
		conn:   conn,
		path:   path,
		stream: newChangeStream(),
	}

	// WAL mode for concurrent reads
	if _, err := db.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if _, err := db.conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return db, nil
}

// Conn returns the underlying sql.DB connection. The sibling packages
// (resource, backup, meta, message, session) run their queries through it.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// Close closes the database connection after checkpointing the WAL.
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
// Idempotent, safe to call multiple times.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the database schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		parent_id TEXT,
		name TEXT NOT NULL DEFAULT '',
		created INTEGER NOT NULL,
		modified INTEGER NOT NULL,
		showid TEXT NOT NULL DEFAULT '',
		meta_sort_key REAL NOT NULL DEFAULT 0,
		temp INTEGER NOT NULL DEFAULT 0,
		payload TEXT NOT NULL DEFAULT '{}'
	);

	CREATE INDEX IF NOT EXISTS idx_documents_type ON documents(type);
	CREATE INDEX IF NOT EXISTS idx_documents_parent ON documents(parent_id);
	CREATE INDEX IF NOT EXISTS idx_documents_type_name ON documents(type, name);

	CREATE TABLE IF NOT EXISTS resources (
		id TEXT PRIMARY KEY,
		doc_id TEXT NOT NULL,
		workspace_id TEXT NOT NULL,
		type TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		enc_content TEXT NOT NULL DEFAULT '',
		dirty INTEGER NOT NULL DEFAULT 0,
		removed INTEGER NOT NULL DEFAULT 0,
		event TEXT NOT NULL DEFAULT '',
		usn INTEGER NOT NULL DEFAULT 0,
		created_by TEXT NOT NULL DEFAULT '',
		last_edited INTEGER NOT NULL DEFAULT 0,
		last_edited_by TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_resources_doc ON resources(doc_id);
	CREATE INDEX IF NOT EXISTS idx_resources_dirty ON resources(dirty);
	CREATE INDEX IF NOT EXISTS idx_resources_workspace ON resources(workspace_id);

	CREATE TABLE IF NOT EXISTS request_backups (
		id TEXT PRIMARY KEY,
		parent_id TEXT NOT NULL,
		compressed_request TEXT NOT NULL,
		meta_sort_key REAL NOT NULL DEFAULT 0,
		created INTEGER NOT NULL,
		modified INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_backups_parent ON request_backups(parent_id, modified);

	CREATE TABLE IF NOT EXISTS workspace_meta (
		parent_id TEXT PRIMARY KEY,
		role TEXT NOT NULL DEFAULT 'owner',
		uid TEXT NOT NULL DEFAULT '',
		expired_at INTEGER,
		last_pull_at INTEGER NOT NULL DEFAULT 0,
		has_seen INTEGER NOT NULL DEFAULT 1,
		important INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS request_meta (
		parent_id TEXT PRIMARY KEY,
		unsave INTEGER NOT NULL DEFAULT 0,
		unpush INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		doc TEXT NOT NULL DEFAULT '{}',
		by TEXT NOT NULL DEFAULT '{}',
		workspace_id TEXT NOT NULL DEFAULT '',
		uid TEXT NOT NULL DEFAULT '',
		read INTEGER NOT NULL DEFAULT 0,
		created INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_messages_created ON messages(created);

	CREATE TABLE IF NOT EXISTS session (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}
