package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/wzp-123777/Mul-in-ONE/store"
)

func (d *DB) CreateSession(ctx context.Context, create *store.Session) (*store.Session, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	query := `
		INSERT INTO sessions (id, username, title, user_display_name, user_handle, user_persona, created_ts)
		VALUES (` + placeholders(7) + `)
	`
	if _, err := tx.ExecContext(ctx, query,
		create.ID,
		create.Username,
		create.Title,
		create.UserDisplayName,
		create.UserHandle,
		create.UserPersona,
		create.CreatedTs,
	); err != nil {
		return nil, errors.Wrap(err, "failed to insert session")
	}

	for _, p := range create.Participants {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO session_participants (session_id, persona_id) VALUES ($1, $2)`,
			create.ID, p.ID,
		); err != nil {
			return nil, errors.Wrapf(err, "failed to bind participant %d", p.ID)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit transaction")
	}
	return d.GetSession(ctx, create.ID)
}

func (d *DB) GetSession(ctx context.Context, sessionID string) (*store.Session, error) {
	query := `
		SELECT id, username, title, user_display_name, user_handle, user_persona, created_ts
		FROM sessions
		WHERE id = $1
	`
	session := &store.Session{}
	err := d.db.QueryRowContext(ctx, query, sessionID).Scan(
		&session.ID,
		&session.Username,
		&session.Title,
		&session.UserDisplayName,
		&session.UserHandle,
		&session.UserPersona,
		&session.CreatedTs,
	)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get session")
	}

	participants, err := d.listSessionParticipants(ctx, session.ID)
	if err != nil {
		return nil, err
	}
	session.Participants = participants
	return session, nil
}

func (d *DB) ListSessions(ctx context.Context, find *store.FindSession) ([]*store.Session, error) {
	where, args := []string{"1 = 1"}, []any{}
	if v := find.Username; v != nil {
		args = append(args, *v)
		where = append(where, "username = "+placeholder(len(args)))
	}
	if v := find.ID; v != nil {
		args = append(args, *v)
		where = append(where, "id = "+placeholder(len(args)))
	}

	query := fmt.Sprintf(`
		SELECT id, username, title, user_display_name, user_handle, user_persona, created_ts
		FROM sessions
		WHERE %s
		ORDER BY created_ts DESC, id
	`, strings.Join(where, " AND "))

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list sessions")
	}
	defer rows.Close()

	sessions := []*store.Session{}
	for rows.Next() {
		session := &store.Session{}
		if err := rows.Scan(
			&session.ID,
			&session.Username,
			&session.Title,
			&session.UserDisplayName,
			&session.UserHandle,
			&session.UserPersona,
			&session.CreatedTs,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan session")
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate sessions")
	}

	for _, session := range sessions {
		participants, err := d.listSessionParticipants(ctx, session.ID)
		if err != nil {
			return nil, err
		}
		session.Participants = participants
	}
	return sessions, nil
}

func (d *DB) UpdateSessionMetadata(ctx context.Context, update *store.UpdateSessionMetadata) (*store.Session, error) {
	set, args := []string{}, []any{}
	if v := update.Title; v != nil {
		args = append(args, *v)
		set = append(set, "title = "+placeholder(len(args)))
	}
	if v := update.UserDisplayName; v != nil {
		args = append(args, *v)
		set = append(set, "user_display_name = "+placeholder(len(args)))
	}
	if v := update.UserHandle; v != nil {
		args = append(args, *v)
		set = append(set, "user_handle = "+placeholder(len(args)))
	}
	if v := update.UserPersona; v != nil {
		args = append(args, *v)
		set = append(set, "user_persona = "+placeholder(len(args)))
	}
	if len(set) == 0 {
		return d.GetSession(ctx, update.SessionID)
	}

	args = append(args, update.SessionID)
	query := fmt.Sprintf(`UPDATE sessions SET %s WHERE id = %s`,
		strings.Join(set, ", "), placeholder(len(args)))

	result, err := d.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to update session")
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return nil, store.ErrNotFound
	}
	return d.GetSession(ctx, update.SessionID)
}

func (d *DB) UpdateSessionParticipants(ctx context.Context, sessionID string, personaIDs []int32) (*store.Session, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	var exists bool
	if err := tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM sessions WHERE id = $1)`, sessionID,
	).Scan(&exists); err != nil {
		return nil, errors.Wrap(err, "failed to check session")
	}
	if !exists {
		return nil, store.ErrNotFound
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM session_participants WHERE session_id = $1`, sessionID,
	); err != nil {
		return nil, errors.Wrap(err, "failed to clear participants")
	}
	for _, id := range personaIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO session_participants (session_id, persona_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			sessionID, id,
		); err != nil {
			return nil, errors.Wrapf(err, "failed to bind participant %d", id)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit transaction")
	}
	return d.GetSession(ctx, sessionID)
}

func (d *DB) DeleteSession(ctx context.Context, sessionID string) error {
	result, err := d.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, sessionID)
	if err != nil {
		return errors.Wrap(err, "failed to delete session")
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (d *DB) DeleteSessions(ctx context.Context, sessionIDs []string) error {
	if len(sessionIDs) == 0 {
		return nil
	}
	args := make([]any, 0, len(sessionIDs))
	for _, id := range sessionIDs {
		args = append(args, id)
	}
	query := fmt.Sprintf(`DELETE FROM sessions WHERE id IN (%s)`, placeholders(len(args)))
	if _, err := d.db.ExecContext(ctx, query, args...); err != nil {
		return errors.Wrap(err, "failed to delete sessions")
	}
	return nil
}

// listSessionParticipants loads a session's personas ordered by persona id.
func (d *DB) listSessionParticipants(ctx context.Context, sessionID string) ([]*store.Persona, error) {
	query := personaSelect + `
		JOIN session_participants sp ON sp.persona_id = p.id
		WHERE sp.session_id = $1
		ORDER BY p.id
	`
	rows, err := d.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list participants")
	}
	defer rows.Close()
	return scanPersonas(rows)
}
