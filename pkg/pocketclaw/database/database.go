// Package database opens the central SQLite database. A single pocketclaw.db
// holds session transcripts (when the sqlite session backend is selected),
// finished subagent runs and the tool audit log. The WhatsApp device store
// lives in its own file.
package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3" // SQLite driver.
)

// SchemaVersion is recorded in schema_version after the DDL is applied.
const SchemaVersion = 1

// schema is executed on every open (idempotent via IF NOT EXISTS).
const schema = `
CREATE TABLE IF NOT EXISTS schema_version (
    version    INTEGER PRIMARY KEY,
    applied_at TEXT DEFAULT CURRENT_TIMESTAMP
);

-- One row per conversation.
CREATE TABLE IF NOT EXISTS sessions (
    key        TEXT PRIMARY KEY,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    metadata   TEXT DEFAULT '{}'
);

-- Ordered transcript; seq is the position within the session.
CREATE TABLE IF NOT EXISTS session_messages (
    session_key TEXT NOT NULL REFERENCES sessions(key) ON DELETE CASCADE,
    seq         INTEGER NOT NULL,
    role        TEXT NOT NULL,
    content     TEXT NOT NULL,
    source      TEXT DEFAULT '',
    tool_calls  TEXT DEFAULT '',
    created_at  TEXT NOT NULL,
    PRIMARY KEY (session_key, seq)
);

-- Finished background tasks.
CREATE TABLE IF NOT EXISTS subagent_runs (
    id             TEXT PRIMARY KEY,
    label          TEXT DEFAULT '',
    task           TEXT NOT NULL,
    status         TEXT NOT NULL,
    result         TEXT DEFAULT '',
    error          TEXT DEFAULT '',
    origin_channel TEXT DEFAULT '',
    origin_chat_id TEXT DEFAULT '',
    started_at     TEXT NOT NULL,
    finished_at    TEXT
);

-- Every tool invocation, main loop and subagents alike.
CREATE TABLE IF NOT EXISTS tool_audit (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    tool        TEXT NOT NULL,
    session_key TEXT DEFAULT '',
    args        TEXT DEFAULT '',
    result      TEXT DEFAULT '',
    is_error    INTEGER NOT NULL DEFAULT 0,
    duration_ms INTEGER NOT NULL DEFAULT 0,
    created_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tool_audit_created ON tool_audit(created_at);
`

// Open opens (or creates) the database at path, enables WAL mode and
// applies the schema. An empty path defaults to ./data/pocketclaw.db.
// ":memory:" opens a private in-memory database (used by tests).
func Open(path string) (*sql.DB, error) {
	if path == "" {
		path = "./data/pocketclaw.db"
	}

	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=ON"
	if path == ":memory:" {
		dsn = "file::memory:?_foreign_keys=ON"
	} else {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory %q: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w", path, err)
	}
	if path == ":memory:" {
		// Every pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	if _, err := db.Exec("INSERT OR IGNORE INTO schema_version (version) VALUES (?)", SchemaVersion); err != nil {
		db.Close()
		return nil, fmt.Errorf("record schema version: %w", err)
	}

	return db, nil
}

// CurrentVersion returns the highest applied schema version.
func CurrentVersion(db *sql.DB) (int, error) {
	var version int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}
