// Package db provides SQLite database management for Airlock.
// A single database file holds all service state: credentials, profiles,
// bindings, executions, the admin key-value pair, and the audit log.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// DBFileName is the database file inside the data directory.
const DBFileName = "airlock.db"

// Schema defines all tables. Secret-bearing columns (encrypted_value,
// key_secret_encrypted) hold authenticated-encryption blobs, never plaintext.
const Schema = `
PRAGMA journal_mode=WAL;
PRAGMA foreign_keys=ON;

CREATE TABLE IF NOT EXISTS credentials (
    id              TEXT PRIMARY KEY,
    name            TEXT NOT NULL UNIQUE,
    encrypted_value BLOB,
    description     TEXT NOT NULL DEFAULT '',
    created_at      TEXT NOT NULL,
    updated_at      TEXT
);

CREATE TABLE IF NOT EXISTS profiles (
    id                   TEXT PRIMARY KEY,
    description          TEXT NOT NULL DEFAULT '',
    locked               INTEGER NOT NULL DEFAULT 0,
    key_id               TEXT,
    key_secret_encrypted BLOB,
    expires_at           TEXT,
    revoked              INTEGER NOT NULL DEFAULT 0,
    created_at           TEXT NOT NULL,
    updated_at           TEXT,
    last_used_at         TEXT
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_profiles_key_id ON profiles(key_id) WHERE key_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS profile_credentials (
    profile_id    TEXT NOT NULL REFERENCES profiles(id),
    credential_id TEXT NOT NULL REFERENCES credentials(id),
    PRIMARY KEY (profile_id, credential_id)
);

CREATE TABLE IF NOT EXISTS executions (
    id                TEXT PRIMARY KEY,
    profile_id        TEXT NOT NULL REFERENCES profiles(id),
    script            TEXT NOT NULL,
    status            TEXT NOT NULL DEFAULT 'pending',
    result            TEXT,
    stdout            TEXT NOT NULL DEFAULT '',
    stderr            TEXT NOT NULL DEFAULT '',
    error             TEXT,
    llm_request       TEXT,
    execution_time_ms INTEGER,
    created_at        TEXT NOT NULL,
    completed_at      TEXT
);

CREATE INDEX IF NOT EXISTS idx_executions_profile ON executions(profile_id);
CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status);
CREATE INDEX IF NOT EXISTS idx_executions_created ON executions(created_at);

-- Generic admin key-value store. Exactly two keys are used:
-- admin_password_hash and session_token_hash.
CREATE TABLE IF NOT EXISTS admin (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_log (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp   TEXT NOT NULL,
    actor       TEXT NOT NULL,
    event_type  TEXT NOT NULL,
    detail      TEXT NOT NULL DEFAULT '{}',
    record_hash TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_event_type ON audit_log(event_type);
CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_log(timestamp);
`

// Open opens (creating if necessary) the Airlock database under dataDir and
// applies the schema.
func Open(dataDir string) (*sql.DB, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	path := filepath.Join(dataDir, DBFileName)
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// A single connection sidesteps SQLITE_BUSY under concurrent request
	// handling; SQLite serializes writers anyway.
	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec(Schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}

	return conn, nil
}

// OpenMemory opens a private in-memory database with the schema applied.
// Used by tests.
func OpenMemory() (*sql.DB, error) {
	conn, err := sql.Open("sqlite3", ":memory:?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("opening in-memory database: %w", err)
	}

	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec(Schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}

	return conn, nil
}
