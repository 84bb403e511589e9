package sqlite

import (
	"context"
	"strings"

	"github.com/pkg/errors"

	"github.com/hrygo/microclaw/store"
)

// CreateMessage appends a message to the per-chat log. The (chat_jid, id)
// primary key makes re-delivery from a channel a no-op.
func (d *DB) CreateMessage(ctx context.Context, create *store.Message) error {
	stmt := `
		INSERT INTO message (id, chat_jid, sender, content, timestamp, is_from_me, is_bot_message)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (chat_jid, id) DO NOTHING
	`
	_, err := d.db.ExecContext(ctx, stmt,
		create.ID,
		create.ChatJID,
		create.Sender,
		create.Content,
		create.Timestamp,
		boolToInt(create.IsFromMe),
		boolToInt(create.IsBotMessage),
	)
	if err != nil {
		return errors.Wrap(err, "failed to create message")
	}
	return nil
}

func (d *DB) ListMessages(ctx context.Context, find *store.FindMessage) ([]*store.Message, error) {
	where, args := []string{"chat_jid = ?"}, []any{find.ChatJID}
	if find.AfterTimestamp != "" {
		where = append(where, "timestamp > ?")
		args = append(args, find.AfterTimestamp)
	}

	query := `
		SELECT id, chat_jid, sender, content, timestamp, is_from_me, is_bot_message
		FROM message
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY timestamp ASC, id ASC
	`
	if find.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, find.Limit)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list messages")
	}
	defer rows.Close()

	return scanMessages(rows)
}

func (d *DB) ListMessagesAcross(ctx context.Context, chatJIDs []string, afterTimestamp string) ([]*store.Message, error) {
	if len(chatJIDs) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(chatJIDs)), ",")
	args := make([]any, 0, len(chatJIDs)+1)
	for _, jid := range chatJIDs {
		args = append(args, jid)
	}
	query := `
		SELECT id, chat_jid, sender, content, timestamp, is_from_me, is_bot_message
		FROM message
		WHERE chat_jid IN (` + placeholders + `)
	`
	if afterTimestamp != "" {
		query += " AND timestamp > ?"
		args = append(args, afterTimestamp)
	}
	query += " ORDER BY timestamp ASC, id ASC"

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list messages across chats")
	}
	defer rows.Close()

	return scanMessages(rows)
}

type rowScanner interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanMessages(rows rowScanner) ([]*store.Message, error) {
	var list []*store.Message
	for rows.Next() {
		var msg store.Message
		var fromMe, bot int
		if err := rows.Scan(&msg.ID, &msg.ChatJID, &msg.Sender, &msg.Content, &msg.Timestamp, &fromMe, &bot); err != nil {
			return nil, errors.Wrap(err, "failed to scan message")
		}
		msg.IsFromMe = fromMe != 0
		msg.IsBotMessage = bot != 0
		list = append(list, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate messages")
	}
	return list, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
