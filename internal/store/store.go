// Package store persists conversations, their message trees, pinned
// embeddings and dynamic functions in sqlite.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned for missing rows, and for rows owned by another
// user.
var ErrNotFound = errors.New("store: not found")

// Store is the sqlite backed store.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path. ":memory:" gives a private
// in-memory database.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("store: create dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}
	// One connection keeps :memory: databases whole and serializes writers.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{`PRAGMA journal_mode=WAL`, `PRAGMA foreign_keys=ON`} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: %s: %w", pragma, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id               INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id          INTEGER NOT NULL,
			topic            TEXT NOT NULL DEFAULT '',
			use_model        TEXT NOT NULL DEFAULT '',
			system_message   TEXT NOT NULL DEFAULT '',
			router_config    TEXT NOT NULL DEFAULT '',
			temperature      REAL NOT NULL DEFAULT 0,
			top_p            REAL NOT NULL DEFAULT 0,
			top_k            INTEGER NOT NULL DEFAULT 0,
			seed             INTEGER NOT NULL DEFAULT 0,
			min_p            REAL NOT NULL DEFAULT 0,
			mirostat         INTEGER NOT NULL DEFAULT 0,
			mirostat_eta     REAL NOT NULL DEFAULT 0,
			mirostat_tau     REAL NOT NULL DEFAULT 0,
			max_new_tokens   INTEGER NOT NULL DEFAULT 0,
			first_message_id INTEGER NOT NULL DEFAULT 0,
			created_at       TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at       TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id INTEGER NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			user_id         INTEGER NOT NULL,
			role            TEXT NOT NULL,
			content         TEXT NOT NULL DEFAULT '',
			icon            TEXT NOT NULL DEFAULT '',
			shortcuts       TEXT NOT NULL DEFAULT '',
			files           TEXT NOT NULL DEFAULT '[]',
			parent_id       INTEGER NOT NULL DEFAULT 0,
			active_child_id INTEGER NOT NULL DEFAULT 0,
			num_children    INTEGER NOT NULL DEFAULT 0,
			created_at      TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_parent ON messages(parent_id)`,
		`CREATE TABLE IF NOT EXISTS pinned_embeddings (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			pinned_string TEXT NOT NULL,
			pinned_to     TEXT NOT NULL,
			pinned_type   TEXT NOT NULL,
			created_at    TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS dynamic_functions (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			definition TEXT NOT NULL,
			code       TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate %q: %w", stmt[:40], err)
		}
	}
	return nil
}
