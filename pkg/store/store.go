package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// Store wraps the sqlite database holding the dispatch core's durable
// state: work items, queue messages, scheduled items, routines and
// plugin state.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Config holds store configuration
type Config struct {
	DBPath string
	Logger zerolog.Logger
}

// Open opens (and migrates) the courier database.
func Open(cfg Config) (*Store, error) {
	if cfg.DBPath == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := sql.Open("sqlite3", cfg.DBPath+"?_busy_timeout=5000&_foreign_keys=1")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{
		db:     db,
		logger: cfg.Logger,
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw handle for callers composing their own statements
// inside a Transaction.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS work_items (
		id TEXT PRIMARY KEY,
		source TEXT NOT NULL,
		source_ref TEXT NOT NULL,
		plugin_instance_id TEXT NOT NULL DEFAULT '',
		session_key TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'NEW',
		title TEXT NOT NULL DEFAULT '',
		payload TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		UNIQUE(source, source_ref)
	);

	CREATE TABLE IF NOT EXISTS queue_messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		queue_key TEXT NOT NULL,
		work_item_id TEXT NOT NULL REFERENCES work_items(id),
		arrived_at INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		dispatch_id TEXT NOT NULL DEFAULT '',
		drop_reason TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_queue_messages_key_status
		ON queue_messages(queue_key, status);

	CREATE TABLE IF NOT EXISTS scheduled_items (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		session_key TEXT NOT NULL,
		type TEXT NOT NULL,
		payload TEXT NOT NULL DEFAULT '',
		run_at INTEGER NOT NULL,
		recurrence TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		source_ref TEXT NOT NULL DEFAULT '',
		plugin_instance_id TEXT NOT NULL DEFAULT '',
		response_context TEXT NOT NULL DEFAULT '',
		routine_id TEXT NOT NULL DEFAULT '',
		routine_run_id TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		claimed_at INTEGER,
		fired_at INTEGER,
		cancelled_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_scheduled_items_status_run_at
		ON scheduled_items(status, run_at);

	CREATE TABLE IF NOT EXISTS routines (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		name TEXT NOT NULL,
		recurrence TEXT NOT NULL DEFAULT '',
		enabled INTEGER NOT NULL DEFAULT 1,
		last_fired INTEGER,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS routine_runs (
		id TEXT PRIMARY KEY,
		routine_id TEXT NOT NULL REFERENCES routines(id),
		work_item_id TEXT NOT NULL DEFAULT '',
		fired_at INTEGER,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS plugin_state (
		plugin_id TEXT PRIMARY KEY,
		enabled INTEGER NOT NULL DEFAULT 1,
		reason TEXT NOT NULL DEFAULT '',
		updated_at INTEGER NOT NULL
	);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	return nil
}

// Transaction runs fn inside a single transaction. It commits when fn
// returns nil and rolls back otherwise, so a dispatch's writes are all
// or nothing.
func (s *Store) Transaction(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error().Err(rbErr).Msg("Rollback failed")
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

func now() int64 {
	return time.Now().Unix()
}
