package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/microclaw/store"
)

func (d *DB) UpsertRegisteredGroup(ctx context.Context, upsert *store.RegisteredGroup) (*store.RegisteredGroup, error) {
	now := time.Now().Unix()
	stmt := `
		INSERT INTO registered_group (jid, name, folder, requires_trigger, assistant_name, channel, created_ts, updated_ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (jid) DO UPDATE SET
			name = excluded.name,
			folder = excluded.folder,
			requires_trigger = excluded.requires_trigger,
			assistant_name = excluded.assistant_name,
			channel = excluded.channel,
			updated_ts = excluded.updated_ts
	`
	_, err := d.db.ExecContext(ctx, stmt,
		upsert.JID,
		upsert.Name,
		upsert.Folder,
		boolToInt(upsert.RequiresTrigger),
		upsert.AssistantName,
		upsert.Channel,
		now,
		now,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to upsert registered group")
	}
	return d.GetRegisteredGroup(ctx, upsert.JID)
}

func (d *DB) GetRegisteredGroup(ctx context.Context, jid string) (*store.RegisteredGroup, error) {
	query := `
		SELECT jid, name, folder, requires_trigger, assistant_name, channel, created_ts, updated_ts
		FROM registered_group
		WHERE jid = ?
	`
	row := d.db.QueryRowContext(ctx, query, jid)
	group, err := scanGroup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return group, err
}

func (d *DB) ListRegisteredGroups(ctx context.Context) ([]*store.RegisteredGroup, error) {
	query := `
		SELECT jid, name, folder, requires_trigger, assistant_name, channel, created_ts, updated_ts
		FROM registered_group
		ORDER BY created_ts ASC
	`
	rows, err := d.db.QueryContext(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list registered groups")
	}
	defer rows.Close()

	var list []*store.RegisteredGroup
	for rows.Next() {
		group, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, group)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate registered groups")
	}
	return list, nil
}

func (d *DB) DeleteRegisteredGroup(ctx context.Context, jid string) error {
	if _, err := d.db.ExecContext(ctx, "DELETE FROM registered_group WHERE jid = ?", jid); err != nil {
		return errors.Wrap(err, "failed to delete registered group")
	}
	return nil
}

type singleRowScanner interface {
	Scan(dest ...any) error
}

func scanGroup(row singleRowScanner) (*store.RegisteredGroup, error) {
	var group store.RegisteredGroup
	var requiresTrigger int
	err := row.Scan(
		&group.JID,
		&group.Name,
		&group.Folder,
		&requiresTrigger,
		&group.AssistantName,
		&group.Channel,
		&group.CreatedTs,
		&group.UpdatedTs,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, errors.Wrap(err, "failed to scan registered group")
	}
	group.RequiresTrigger = requiresTrigger != 0
	return &group, nil
}
