// Package store provides SQLite-backed persistence for the enforcement core.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// SchemaVersion is the current schema version recorded in schema_migrations.
const SchemaVersion = 1

// schemaV1 defines the initial database schema.
const schemaV1 = `
CREATE TABLE IF NOT EXISTS rules (
	rule_id            TEXT PRIMARY KEY,
	name               TEXT NOT NULL,
	description        TEXT NOT NULL DEFAULT '',
	trigger_kind       TEXT NOT NULL,
	trigger_time       TEXT NOT NULL DEFAULT '',
	trigger_days       TEXT NOT NULL DEFAULT '[]',
	action_description TEXT NOT NULL DEFAULT '',
	estimated_minutes  INTEGER NOT NULL CHECK (estimated_minutes > 0),
	consequence_kind   TEXT NOT NULL,
	debt_multiplier    REAL NOT NULL DEFAULT 1.5,
	locked_apps        TEXT NOT NULL DEFAULT '[]',
	total_completions  INTEGER NOT NULL DEFAULT 0,
	total_misses       INTEGER NOT NULL DEFAULT 0,
	current_streak     INTEGER NOT NULL DEFAULT 0,
	longest_streak     INTEGER NOT NULL DEFAULT 0,
	active             INTEGER NOT NULL DEFAULT 1,
	priority           INTEGER NOT NULL DEFAULT 0,
	created_at         INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_rules_active_priority ON rules(active, priority DESC, created_at ASC);

CREATE TABLE IF NOT EXISTS executions (
	execution_id     TEXT PRIMARY KEY,
	rule_id          TEXT NOT NULL REFERENCES rules(rule_id) ON DELETE CASCADE,
	created_at       INTEGER NOT NULL,
	status           TEXT NOT NULL DEFAULT 'PENDING',
	completed_at     INTEGER NOT NULL DEFAULT 0,
	duration_minutes INTEGER NOT NULL DEFAULT 0,
	hour_of_day      INTEGER NOT NULL DEFAULT 0,
	day_of_week      INTEGER NOT NULL DEFAULT 0,
	suspicion_score  REAL NOT NULL DEFAULT 0.0,
	completion_speed REAL NOT NULL DEFAULT 0.0,
	debt_added       INTEGER NOT NULL DEFAULT 0,
	reminded         INTEGER NOT NULL DEFAULT 0,
	note             TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_executions_created ON executions(created_at);
CREATE INDEX IF NOT EXISTS idx_executions_rule_created ON executions(rule_id, created_at);
CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status);
CREATE UNIQUE INDEX IF NOT EXISTS idx_executions_one_pending ON executions(rule_id) WHERE status = 'PENDING';

CREATE TABLE IF NOT EXISTS time_debt (
	id                   INTEGER PRIMARY KEY CHECK (id = 1),
	active_debt_minutes  INTEGER NOT NULL DEFAULT 0 CHECK (active_debt_minutes >= 0),
	total_debt_minutes   INTEGER NOT NULL DEFAULT 0,
	cleared_debt_minutes INTEGER NOT NULL DEFAULT 0,
	peak_debt_minutes    INTEGER NOT NULL DEFAULT 0,
	current_multiplier   REAL NOT NULL DEFAULT 1.5,
	max_multiplier       REAL NOT NULL DEFAULT 3.0,
	last_cleared_at      INTEGER NOT NULL DEFAULT 0,
	updated_at           INTEGER NOT NULL DEFAULT 0,
	state_version        INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS debt_transactions (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	created_at     INTEGER NOT NULL,
	kind           TEXT NOT NULL,
	amount_minutes INTEGER NOT NULL DEFAULT 0,
	multiplier     REAL NOT NULL DEFAULT 1.0,
	reason         TEXT NOT NULL DEFAULT '',
	rule_id        TEXT NOT NULL DEFAULT '',
	execution_id   TEXT NOT NULL DEFAULT '',
	balance_before INTEGER NOT NULL DEFAULT 0,
	balance_after  INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_debt_tx_created ON debt_transactions(created_at);

CREATE TABLE IF NOT EXISTS system_state (
	id                           INTEGER PRIMARY KEY CHECK (id = 1),
	boring_mode_active           INTEGER NOT NULL DEFAULT 0,
	boring_mode_level            INTEGER NOT NULL DEFAULT 0,
	boring_mode_reason           TEXT NOT NULL DEFAULT '',
	locked_apps                  TEXT NOT NULL DEFAULT '[]',
	unlocked_apps                TEXT NOT NULL DEFAULT '[]',
	music_unlocked               INTEGER NOT NULL DEFAULT 0,
	video_unlocked               INTEGER NOT NULL DEFAULT 0,
	color_unlocked               INTEGER NOT NULL DEFAULT 1,
	skip_tokens_available        INTEGER NOT NULL DEFAULT 0 CHECK (skip_tokens_available >= 0),
	global_suspicion             REAL NOT NULL DEFAULT 0.0,
	silent_punishment_active     INTEGER NOT NULL DEFAULT 0,
	silent_punishment_multiplier REAL NOT NULL DEFAULT 1.0,
	current_perfect_days         INTEGER NOT NULL DEFAULT 0,
	longest_perfect_streak       INTEGER NOT NULL DEFAULT 0,
	total_days_active            INTEGER NOT NULL DEFAULT 0,
	uninstall_attempts           INTEGER NOT NULL DEFAULT 0,
	updated_at                   INTEGER NOT NULL DEFAULT 0,
	state_version                INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS rewards (
	reward_type            TEXT PRIMARY KEY,
	name                   TEXT NOT NULL,
	description            TEXT NOT NULL DEFAULT '',
	requires_perfect_days  INTEGER NOT NULL DEFAULT 0,
	requires_debt_free     INTEGER NOT NULL DEFAULT 0,
	requires_streak_length INTEGER NOT NULL DEFAULT 0,
	unlocked               INTEGER NOT NULL DEFAULT 0,
	unlocked_at            INTEGER NOT NULL DEFAULT 0,
	times_used             INTEGER NOT NULL DEFAULT 0,
	last_used_at           INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS skip_tokens (
	id                   INTEGER PRIMARY KEY AUTOINCREMENT,
	earned_at            INTEGER NOT NULL,
	earned_by_streak     INTEGER NOT NULL DEFAULT 0,
	used                 INTEGER NOT NULL DEFAULT 0,
	used_at              INTEGER NOT NULL DEFAULT 0,
	used_on_rule_id      TEXT NOT NULL DEFAULT '',
	used_on_execution_id TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_skip_tokens_unused ON skip_tokens(used, earned_at);

CREATE TABLE IF NOT EXISTS behavior_patterns (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	kind             TEXT NOT NULL UNIQUE,
	description      TEXT NOT NULL DEFAULT '',
	failure_hours    TEXT NOT NULL DEFAULT '[]',
	failure_days     TEXT NOT NULL DEFAULT '[]',
	occurrence_count INTEGER NOT NULL DEFAULT 0,
	confidence       REAL NOT NULL DEFAULT 0.0,
	detected_at      INTEGER NOT NULL DEFAULT 0,
	last_occurrence  INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS settled_days (
	day               TEXT PRIMARY KEY,
	perfect           INTEGER NOT NULL,
	execution_count   INTEGER NOT NULL DEFAULT 0,
	perfect_streak    INTEGER NOT NULL DEFAULT 0,
	skip_token_minted INTEGER NOT NULL DEFAULT 0,
	snapshot_json     TEXT NOT NULL DEFAULT '{}',
	checksum          TEXT NOT NULL DEFAULT '',
	settled_at        INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
	seq          INTEGER PRIMARY KEY AUTOINCREMENT,
	kind         TEXT NOT NULL,
	payload_json TEXT NOT NULL DEFAULT '{}',
	created_at   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_records (
	id         TEXT PRIMARY KEY,
	category   TEXT NOT NULL,
	actor      TEXT NOT NULL DEFAULT '',
	action     TEXT NOT NULL,
	subject    TEXT NOT NULL DEFAULT '',
	detail     TEXT NOT NULL DEFAULT '',
	severity   TEXT NOT NULL DEFAULT 'info',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_category ON audit_records(category, created_at);
`

// seedV1 creates the singleton rows and the reward catalog. Existing rows are left alone.
const seedV1 = `
INSERT OR IGNORE INTO time_debt (id, current_multiplier, max_multiplier) VALUES (1, 1.5, 3.0);
INSERT OR IGNORE INTO system_state (id, color_unlocked, silent_punishment_multiplier) VALUES (1, 1, 1.0);
INSERT OR IGNORE INTO rewards (reward_type, name, description, requires_perfect_days, requires_debt_free, requires_streak_length, unlocked)
VALUES
	('MUSIC_UNLOCK',  'Music Access', 'Unlock music apps',   1, 1, 0, 0),
	('VIDEO_UNLOCK',  'Video Access', 'Unlock video apps',   1, 1, 0, 0),
	('COLOR_RESTORE', 'Color Mode',   'Restore full color',  0, 0, 0, 1),
	('SKIP_TOKEN',    'Skip Token',   'Skip one rule once',  7, 1, 7, 0);
`

// DBTX is the subset of *sql.DB and *sql.Tx used by the repos, so every
// repo method can run standalone or inside a caller's transaction.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// NewDB opens a SQLite database at the given path with recommended pragmas
// and runs the schema migration.
func NewDB(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Limit connections to 1 for SQLite (WAL allows concurrent reads but single writer).
	// A transaction therefore holds the only connection: code running inside one
	// must use the *sql.Tx, never the *sql.DB.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return db, nil
}

func migrate(db *sql.DB) error {
	ctx := context.Background()

	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if current >= SchemaVersion {
		return nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, schemaV1); err != nil {
		return fmt.Errorf("apply schema v1: %w", err)
	}
	if _, err := tx.ExecContext(ctx, seedV1); err != nil {
		return fmt.Errorf("seed v1: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES (?)`, SchemaVersion); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit()
}

// WithTx runs fn inside a transaction, committing on success and rolling back otherwise.
func WithTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
