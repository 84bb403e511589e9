package sqlite

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/microclaw/store"
)

// CreateMessageStatus inserts a status record in its initial state. Returns
// false when a record for the message already exists (duplicate markReceived
// calls are rejected silently).
func (d *DB) CreateMessageStatus(ctx context.Context, create *store.MessageStatus) (bool, error) {
	state := create.State
	if state == "" {
		state = store.StatusReceived
	}
	stmt := `
		INSERT INTO message_status (message_id, chat_jid, is_main, state, updated_ts)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (message_id) DO NOTHING
	`
	res, err := d.db.ExecContext(ctx, stmt,
		create.MessageID,
		create.ChatJID,
		boolToInt(create.IsMain),
		state,
		time.Now().Unix(),
	)
	if err != nil {
		return false, errors.Wrap(err, "failed to create message status")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to read rows affected")
	}
	return affected > 0, nil
}

func (d *DB) ListMessageStatuses(ctx context.Context, find *store.FindMessageStatus) ([]*store.MessageStatus, error) {
	where, args := []string{"1 = 1"}, []any{}
	if find.ChatJID != "" {
		where = append(where, "chat_jid = ?")
		args = append(args, find.ChatJID)
	}
	if len(find.States) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(find.States)), ",")
		where = append(where, "state IN ("+placeholders+")")
		for _, s := range find.States {
			args = append(args, s)
		}
	}

	query := `
		SELECT message_id, chat_jid, is_main, state, updated_ts
		FROM message_status
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY updated_ts ASC, message_id ASC
	`
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list message statuses")
	}
	defer rows.Close()

	var list []*store.MessageStatus
	for rows.Next() {
		var status store.MessageStatus
		var isMain int
		if err := rows.Scan(&status.MessageID, &status.ChatJID, &isMain, &status.State, &status.UpdatedTs); err != nil {
			return nil, errors.Wrap(err, "failed to scan message status")
		}
		status.IsMain = isMain != 0
		list = append(list, &status)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate message statuses")
	}
	return list, nil
}

// UpdateMessageStatusState advances a record to state, but only when its
// current state is in allowedFrom. The WHERE guard is what enforces the
// forward-only DAG under concurrent callers.
func (d *DB) UpdateMessageStatusState(ctx context.Context, messageID, state string, allowedFrom []string) (bool, error) {
	if len(allowedFrom) == 0 {
		return false, errors.Errorf("no legal predecessor states for %q", state)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(allowedFrom)), ",")
	args := []any{state, time.Now().Unix(), messageID}
	for _, s := range allowedFrom {
		args = append(args, s)
	}
	stmt := `
		UPDATE message_status
		SET state = ?, updated_ts = ?
		WHERE message_id = ? AND state IN (` + placeholders + `)
	`
	res, err := d.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return false, errors.Wrap(err, "failed to update message status")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to read rows affected")
	}
	return affected > 0, nil
}
