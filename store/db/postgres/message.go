package postgres

import (
	"context"

	"github.com/pkg/errors"

	"github.com/wzp-123777/Mul-in-ONE/store"
)

func (d *DB) AddMessage(ctx context.Context, create *store.Message) (*store.Message, error) {
	var exists bool
	if err := d.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM sessions WHERE id = $1)`, create.SessionID,
	).Scan(&exists); err != nil {
		return nil, errors.Wrap(err, "failed to check session")
	}
	if !exists {
		return nil, store.ErrNotFound
	}

	query := `
		INSERT INTO messages (id, session_id, sender_type, sender, content, created_ts)
		VALUES (` + placeholders(6) + `)
	`
	if _, err := d.db.ExecContext(ctx, query,
		create.ID,
		create.SessionID,
		create.SenderType,
		create.Sender,
		create.Content,
		create.CreatedTs,
	); err != nil {
		return nil, errors.Wrap(err, "failed to insert message")
	}
	return create, nil
}

func (d *DB) ListMessages(ctx context.Context, find *store.FindMessage) ([]*store.Message, error) {
	// With a limit, take the newest N rows and flip them back to
	// chronological order.
	query := `
		SELECT id, session_id, sender_type, sender, content, created_ts
		FROM messages
		WHERE session_id = $1
		ORDER BY created_ts, id
	`
	args := []any{find.SessionID}
	if find.Limit > 0 {
		query = `
			SELECT id, session_id, sender_type, sender, content, created_ts
			FROM messages
			WHERE session_id = $1
			ORDER BY created_ts DESC, id DESC
			LIMIT $2
		`
		args = append(args, find.Limit)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list messages")
	}
	defer rows.Close()

	messages := []*store.Message{}
	for rows.Next() {
		message := &store.Message{}
		if err := rows.Scan(
			&message.ID,
			&message.SessionID,
			&message.SenderType,
			&message.Sender,
			&message.Content,
			&message.CreatedTs,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan message")
		}
		messages = append(messages, message)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate messages")
	}

	if find.Limit > 0 {
		for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
			messages[i], messages[j] = messages[j], messages[i]
		}
	}
	return messages, nil
}
