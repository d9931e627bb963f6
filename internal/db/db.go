// Package db is the single source of truth for ingested conversations.
//
// It wraps one SQLite connection in a Store whose methods are the only
// in-process write path. The co-resident tool reads the same file from
// another process and relies on WAL for a consistent snapshot.
package db

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// CurrentSchemaVersion is the latest schema version.
// Bump this when adding migrations.
const CurrentSchemaVersion = 2

// DatabaseFile is the store's filename under the base directory.
const DatabaseFile = "local.db"

// Store owns the database connection. All mutations go through its
// methods; the connection pool is capped at one so writes serialize.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open initializes the SQLite database at baseDir/local.db and applies
// pending migrations. The baseDir parameter allows tests to use
// t.TempDir() instead of ~/.ses.
func Open(baseDir string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	_ = os.Chmod(baseDir, 0700)

	dbPath := filepath.Join(baseDir, DatabaseFile)
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single-writer discipline: one connection, writes serialize within
	// the process. External readers use WAL.
	db.SetMaxOpenConns(1)

	if err := verifyWALMode(db); err != nil {
		db.Close()
		return nil, err
	}

	if err := migrate(db, logger); err != nil {
		db.Close()
		return nil, err
	}

	_ = os.Chmod(dbPath, 0600)

	return &Store{db: db, logger: logger}, nil
}

// Close releases the connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies schema migrations in strict ascending order based on
// user_version, bracketing each step with a version write.
func migrate(db *sql.DB, logger *slog.Logger) error {
	version, err := GetUserVersion(db)
	if err != nil {
		return err
	}

	if version < 1 {
		if _, err := db.Exec(migration1); err != nil {
			return fmt.Errorf("migration 1 failed: %w", err)
		}
		if err := SetUserVersion(db, 1); err != nil {
			return err
		}
		logger.Info("applied schema migration", "version", 1)
	}

	if version < 2 {
		if _, err := db.Exec(migration2); err != nil {
			return fmt.Errorf("migration 2 failed: %w", err)
		}
		if err := SetUserVersion(db, 2); err != nil {
			return err
		}
		logger.Info("applied schema migration", "version", 2)
	}

	return nil
}

// migration1 creates sessions, messages, the messages FTS table and its
// triggers, the sync ledger, and the cloud-memory side tables.
const migration1 = `
CREATE TABLE IF NOT EXISTS sessions (
  id           INTEGER PRIMARY KEY AUTOINCREMENT,
  source       TEXT NOT NULL,
  external_id  TEXT NOT NULL,
  title        TEXT NOT NULL DEFAULT '',
  created_at   TEXT NOT NULL,
  updated_at   TEXT NOT NULL,
  synced_at    TEXT,
  content_hash TEXT NOT NULL DEFAULT '',
  UNIQUE (source, external_id)
);

CREATE TABLE IF NOT EXISTS messages (
  id          INTEGER PRIMARY KEY AUTOINCREMENT,
  session_id  INTEGER NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
  role        TEXT NOT NULL,
  content     TEXT NOT NULL,
  created_at  TEXT NOT NULL,
  token_count INTEGER,
  UNIQUE (session_id, role, created_at)
);

CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id);

CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts USING fts5(
  content,
  content='messages',
  content_rowid='id'
);

CREATE TRIGGER IF NOT EXISTS msg_fts_insert AFTER INSERT ON messages BEGIN
  INSERT INTO messages_fts(rowid, content) VALUES (new.id, new.content);
END;

CREATE TRIGGER IF NOT EXISTS msg_fts_delete AFTER DELETE ON messages BEGIN
  INSERT INTO messages_fts(messages_fts, rowid, content)
  VALUES ('delete', old.id, old.content);
END;

CREATE TRIGGER IF NOT EXISTS msg_fts_update AFTER UPDATE ON messages BEGIN
  INSERT INTO messages_fts(messages_fts, rowid, content)
  VALUES ('delete', old.id, old.content);
  INSERT INTO messages_fts(rowid, content) VALUES (new.id, new.content);
END;

CREATE TABLE IF NOT EXISTS sync_ledger (
  source         TEXT NOT NULL,
  external_id    TEXT NOT NULL,
  last_synced_at TEXT,
  doc_service_id TEXT,
  memory_synced  INTEGER NOT NULL DEFAULT 0,
  PRIMARY KEY (source, external_id)
);

CREATE TABLE IF NOT EXISTS memory_entries (
  id         INTEGER PRIMARY KEY AUTOINCREMENT,
  content    TEXT NOT NULL,
  importance INTEGER NOT NULL DEFAULT 3,
  tags_json  TEXT,
  created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS memory_sync_state (
  key   TEXT PRIMARY KEY,
  value TEXT NOT NULL
);
`

// migration2 adds observations, its FTS table, three indices, and its
// triggers.
const migration2 = `
CREATE TABLE IF NOT EXISTS observations (
  id                    INTEGER PRIMARY KEY AUTOINCREMENT,
  session_id            INTEGER NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
  observation_type      TEXT NOT NULL,
  tool_name             TEXT,
  file_path             TEXT,
  content               TEXT NOT NULL,
  token_count           INTEGER NOT NULL DEFAULT 0,
  sequence_number       INTEGER NOT NULL,
  parent_observation_id INTEGER REFERENCES observations(id) ON DELETE SET NULL,
  created_at            TEXT NOT NULL,
  UNIQUE (session_id, sequence_number)
);

CREATE INDEX IF NOT EXISTS idx_obs_session ON observations(session_id);
CREATE INDEX IF NOT EXISTS idx_obs_type    ON observations(observation_type);
CREATE INDEX IF NOT EXISTS idx_obs_parent  ON observations(parent_observation_id);

CREATE VIRTUAL TABLE IF NOT EXISTS observations_fts USING fts5(
  content,
  tool_name,
  observation_type,
  content='observations',
  content_rowid='id'
);

CREATE TRIGGER IF NOT EXISTS obs_fts_insert AFTER INSERT ON observations BEGIN
  INSERT INTO observations_fts(rowid, content, tool_name, observation_type)
  VALUES (new.id, new.content, new.tool_name, new.observation_type);
END;

CREATE TRIGGER IF NOT EXISTS obs_fts_delete AFTER DELETE ON observations BEGIN
  INSERT INTO observations_fts(observations_fts, rowid, content, tool_name, observation_type)
  VALUES ('delete', old.id, old.content, old.tool_name, old.observation_type);
END;

CREATE TRIGGER IF NOT EXISTS obs_fts_update AFTER UPDATE ON observations BEGIN
  INSERT INTO observations_fts(observations_fts, rowid, content, tool_name, observation_type)
  VALUES ('delete', old.id, old.content, old.tool_name, old.observation_type);
  INSERT INTO observations_fts(rowid, content, tool_name, observation_type)
  VALUES (new.id, new.content, new.tool_name, new.observation_type);
END;
`

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
