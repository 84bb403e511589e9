package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
)

func (d *DB) GetKV(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := d.db.QueryRowContext(ctx, "SELECT value FROM router_kv WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrapf(err, "failed to get kv %q", key)
	}
	return value, true, nil
}

func (d *DB) SetKV(ctx context.Context, key, value string) error {
	stmt := `
		INSERT INTO router_kv (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value
	`
	if _, err := d.db.ExecContext(ctx, stmt, key, value); err != nil {
		return errors.Wrapf(err, "failed to set kv %q", key)
	}
	return nil
}

func (d *DB) GetSession(ctx context.Context, groupFolder string) (string, error) {
	var sessionID string
	err := d.db.QueryRowContext(ctx, "SELECT session_id FROM session WHERE group_folder = ?", groupFolder).Scan(&sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrapf(err, "failed to get session for %q", groupFolder)
	}
	return sessionID, nil
}

func (d *DB) SetSession(ctx context.Context, groupFolder, sessionID string) error {
	stmt := `
		INSERT INTO session (group_folder, session_id, updated_ts) VALUES (?, ?, ?)
		ON CONFLICT (group_folder) DO UPDATE SET session_id = excluded.session_id, updated_ts = excluded.updated_ts
	`
	if _, err := d.db.ExecContext(ctx, stmt, groupFolder, sessionID, time.Now().Unix()); err != nil {
		return errors.Wrapf(err, "failed to set session for %q", groupFolder)
	}
	return nil
}
