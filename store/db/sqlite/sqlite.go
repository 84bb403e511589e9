// Package sqlite implements the store driver on SQLite.
package sqlite

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	// Import the SQLite driver.
	_ "modernc.org/sqlite"

	"github.com/hrygo/microclaw/internal/profile"
	"github.com/hrygo/microclaw/store"
)

type DB struct {
	db      *sql.DB
	profile *profile.Profile
}

// NewDB opens the SQLite database at the profile DSN.
func NewDB(profile *profile.Profile) (store.Driver, error) {
	if profile.DSN == "" {
		return nil, errors.New("dsn required")
	}

	// Connect with sane settings for a single-process writer:
	// - busy_timeout guards the rare concurrent read during checkpointing.
	// - WAL journal mode keeps cursor writes durable without table locks.
	//
	// Notes:
	// - When using the `modernc.org/sqlite` driver, each pragma must be
	//   prefixed with `_pragma=`.
	sqliteDB, err := sql.Open("sqlite", profile.DSN+"?_pragma=foreign_keys(0)&_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open db with dsn: %s", profile.DSN)
	}

	// A single connection is optimal for SQLite with WAL; it also makes the
	// synchronous cursor-persistence guarantee trivial to reason about.
	sqliteDB.SetMaxOpenConns(1)
	sqliteDB.SetMaxIdleConns(1)
	sqliteDB.SetConnMaxLifetime(0)
	sqliteDB.SetConnMaxIdleTime(0)

	driver := DB{db: sqliteDB, profile: profile}

	return &driver, nil
}

func (d *DB) GetDB() *sql.DB {
	return d.db
}

func (d *DB) Close() error {
	return d.db.Close()
}

var migrationDDL = []string{
	`CREATE TABLE IF NOT EXISTS message (
		id TEXT NOT NULL,
		chat_jid TEXT NOT NULL,
		sender TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL DEFAULT '',
		timestamp TEXT NOT NULL,
		is_from_me INTEGER NOT NULL DEFAULT 0,
		is_bot_message INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (chat_jid, id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_message_chat_ts ON message (chat_jid, timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_message_ts ON message (timestamp)`,
	`CREATE TABLE IF NOT EXISTS registered_group (
		jid TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		folder TEXT NOT NULL UNIQUE,
		requires_trigger INTEGER NOT NULL DEFAULT 1,
		assistant_name TEXT NOT NULL DEFAULT '',
		channel TEXT NOT NULL DEFAULT '',
		created_ts INTEGER NOT NULL,
		updated_ts INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS scheduled_task (
		id TEXT PRIMARY KEY,
		group_folder TEXT NOT NULL,
		chat_jid TEXT NOT NULL,
		prompt TEXT NOT NULL,
		schedule_type TEXT NOT NULL,
		schedule_value TEXT NOT NULL,
		context_mode TEXT NOT NULL DEFAULT 'isolated',
		next_run_ts INTEGER,
		status TEXT NOT NULL DEFAULT 'active',
		created_ts INTEGER NOT NULL,
		updated_ts INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_task_due ON scheduled_task (status, next_run_ts)`,
	`CREATE TABLE IF NOT EXISTS task_run (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL,
		started_ts INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		result TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_task_run_task ON task_run (task_id, started_ts)`,
	`CREATE TABLE IF NOT EXISTS message_status (
		message_id TEXT PRIMARY KEY,
		chat_jid TEXT NOT NULL,
		is_main INTEGER NOT NULL DEFAULT 0,
		state TEXT NOT NULL DEFAULT 'received',
		updated_ts INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_status_chat ON message_status (chat_jid, state)`,
	`CREATE TABLE IF NOT EXISTS router_kv (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS session (
		group_folder TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		updated_ts INTEGER NOT NULL
	)`,
}

// Migrate applies the schema. Statements are idempotent so re-running on an
// initialized database is a no-op.
func (d *DB) Migrate(ctx context.Context) error {
	for _, stmt := range migrationDDL {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "failed to apply migration")
		}
	}
	return nil
}
