// Package store implements each daemon's durable local persistence:
// channel watermarks, pending messages, discovery caches, and
// notification dedup records, per spec.md §4.4.
package store

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store is the durable local persistence layer backing one daemon.
// Writes serialize on mu; SQLite's own locking handles the rest, but
// the explicit mutex keeps bulk-upsert transactions from interleaving
// with single-row writes in confusing ways.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens (creating if necessary) a SQLite-backed Store at path,
// enabling WAL mode for concurrent readers, and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies the schema idempotently. Every statement uses CREATE
// TABLE IF NOT EXISTS / CREATE INDEX IF NOT EXISTS so re-opening an
// existing database is always safe; there are no destructive automatic
// migrations.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS channel_watermarks (
		channel_id   TEXT PRIMARY KEY,
		channel_name TEXT NOT NULL DEFAULT '',
		last_ts      TEXT NOT NULL DEFAULT '',
		updated_at   TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS pending_messages (
		id              TEXT PRIMARY KEY,
		channel_id      TEXT NOT NULL,
		channel_name    TEXT NOT NULL DEFAULT '',
		user_id         TEXT NOT NULL DEFAULT '',
		user_name       TEXT NOT NULL DEFAULT '',
		text            TEXT NOT NULL DEFAULT '',
		thread_parent   TEXT,
		is_mention      INTEGER NOT NULL DEFAULT 0,
		is_dm           INTEGER NOT NULL DEFAULT 0,
		matched_keywords TEXT NOT NULL DEFAULT '[]',
		created_at      TEXT NOT NULL,
		raw_payload     TEXT NOT NULL DEFAULT '',
		status          TEXT NOT NULL DEFAULT 'pending',
		processed_at    TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_pending_messages_status ON pending_messages(status);
	CREATE INDEX IF NOT EXISTS idx_pending_messages_created ON pending_messages(created_at);

	CREATE TABLE IF NOT EXISTS cached_channels (
		id           TEXT PRIMARY KEY,
		name         TEXT NOT NULL DEFAULT '',
		purpose      TEXT NOT NULL DEFAULT '',
		topic        TEXT NOT NULL DEFAULT '',
		member_count INTEGER NOT NULL DEFAULT 0,
		updated_at   TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS cached_users (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL DEFAULT '',
		handle     TEXT NOT NULL DEFAULT '',
		email      TEXT NOT NULL DEFAULT '',
		avatar_url TEXT NOT NULL DEFAULT '',
		is_bot     INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS cached_groups (
		id         TEXT PRIMARY KEY,
		handle     TEXT NOT NULL DEFAULT '',
		name       TEXT NOT NULL DEFAULT '',
		members    TEXT NOT NULL DEFAULT '[]',
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS notified_messages (
		message_ts  TEXT NOT NULL,
		channel_id  TEXT NOT NULL,
		notified_at TEXT NOT NULL,
		PRIMARY KEY (message_ts, channel_id)
	);

	CREATE TABLE IF NOT EXISTS store_metadata (
		key        TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS forge_reviewed_prs (
		repo        TEXT NOT NULL,
		pr_number   INTEGER NOT NULL,
		head_sha    TEXT NOT NULL DEFAULT '',
		reviewed_at TEXT NOT NULL,
		PRIMARY KEY (repo, pr_number)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// SetMetadata and Metadata give daemons a key-value escape hatch for
// small bits of state (last-sweep timestamps, schema version markers)
// that don't deserve their own table, mirroring internal/opstate's
// key-value upsert idiom.
func (s *Store) SetMetadata(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO store_metadata (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, nowRFC3339(),
	)
	return err
}

func (s *Store) Metadata(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM store_metadata WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}
