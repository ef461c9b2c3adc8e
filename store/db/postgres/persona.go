package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/wzp-123777/Mul-in-ONE/store"
)

// personaSelect joins the bound API profile so callers get resolved model
// and base URL in one query. The key stays encrypted; decryption is the
// runtime loader's job.
const personaSelect = `
	SELECT
		p.id, p.username, p.name, p.handle, p.prompt, p.tone, p.proactivity,
		p.memory_window, p.max_agents_per_turn, p.background, p.is_default,
		p.created_ts, p.api_profile_id,
		COALESCE(ap.model, ''), COALESCE(ap.base_url, ''),
		COALESCE(ap.api_key_cipher, ''), ap.temperature
	FROM personas p
	LEFT JOIN api_profiles ap ON ap.id = p.api_profile_id
`

func scanPersonas(rows *sql.Rows) ([]*store.Persona, error) {
	personas := []*store.Persona{}
	for rows.Next() {
		persona := &store.Persona{}
		var temperature sql.NullFloat64
		if err := rows.Scan(
			&persona.ID,
			&persona.Username,
			&persona.Name,
			&persona.Handle,
			&persona.Prompt,
			&persona.Tone,
			&persona.Proactivity,
			&persona.MemoryWindow,
			&persona.MaxAgentsPerTurn,
			&persona.Background,
			&persona.IsDefault,
			&persona.CreatedTs,
			&persona.APIProfileID,
			&persona.APIModel,
			&persona.APIBaseURL,
			&persona.APIKey,
			&temperature,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan persona")
		}
		if temperature.Valid {
			t := float32(temperature.Float64)
			persona.Temperature = &t
		}
		personas = append(personas, persona)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate personas")
	}
	return personas, nil
}

func (d *DB) CreatePersona(ctx context.Context, create *store.Persona) (*store.Persona, error) {
	query := `
		INSERT INTO personas (
			username, name, handle, prompt, tone, proactivity, memory_window,
			max_agents_per_turn, background, is_default, api_profile_id, created_ts
		)
		VALUES (` + placeholders(12) + `)
		RETURNING id
	`
	if err := d.db.QueryRowContext(ctx, query,
		create.Username,
		create.Name,
		create.Handle,
		create.Prompt,
		create.Tone,
		create.Proactivity,
		create.MemoryWindow,
		create.MaxAgentsPerTurn,
		create.Background,
		create.IsDefault,
		create.APIProfileID,
		create.CreatedTs,
	).Scan(&create.ID); err != nil {
		return nil, errors.Wrap(err, "failed to insert persona")
	}
	return d.GetPersona(ctx, create.Username, create.ID)
}

func (d *DB) GetPersona(ctx context.Context, username string, personaID int32) (*store.Persona, error) {
	query := personaSelect + ` WHERE p.username = $1 AND p.id = $2`
	rows, err := d.db.QueryContext(ctx, query, username, personaID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get persona")
	}
	defer rows.Close()

	personas, err := scanPersonas(rows)
	if err != nil {
		return nil, err
	}
	if len(personas) == 0 {
		return nil, store.ErrNotFound
	}
	return personas[0], nil
}

func (d *DB) ListPersonas(ctx context.Context, username string) ([]*store.Persona, error) {
	query := personaSelect + ` WHERE p.username = $1 ORDER BY p.id`
	rows, err := d.db.QueryContext(ctx, query, username)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list personas")
	}
	defer rows.Close()
	return scanPersonas(rows)
}

func (d *DB) UpdatePersona(ctx context.Context, update *store.UpdatePersona) (*store.Persona, error) {
	set, args := []string{}, []any{}
	if v := update.Name; v != nil {
		args = append(args, *v)
		set = append(set, "name = "+placeholder(len(args)))
	}
	if v := update.Handle; v != nil {
		args = append(args, *v)
		set = append(set, "handle = "+placeholder(len(args)))
	}
	if v := update.Prompt; v != nil {
		args = append(args, *v)
		set = append(set, "prompt = "+placeholder(len(args)))
	}
	if v := update.Tone; v != nil {
		args = append(args, *v)
		set = append(set, "tone = "+placeholder(len(args)))
	}
	if v := update.Proactivity; v != nil {
		args = append(args, *v)
		set = append(set, "proactivity = "+placeholder(len(args)))
	}
	if v := update.MemoryWindow; v != nil {
		args = append(args, *v)
		set = append(set, "memory_window = "+placeholder(len(args)))
	}
	if v := update.MaxAgentsPerTurn; v != nil {
		args = append(args, *v)
		set = append(set, "max_agents_per_turn = "+placeholder(len(args)))
	}
	if v := update.Background; v != nil {
		args = append(args, *v)
		set = append(set, "background = "+placeholder(len(args)))
	}
	if update.ClearAPIProfile {
		set = append(set, "api_profile_id = NULL")
	} else if v := update.APIProfileID; v != nil {
		args = append(args, *v)
		set = append(set, "api_profile_id = "+placeholder(len(args)))
	}
	if len(set) == 0 {
		return d.GetPersona(ctx, update.Username, update.PersonaID)
	}

	args = append(args, update.Username)
	usernamePh := placeholder(len(args))
	args = append(args, update.PersonaID)
	idPh := placeholder(len(args))

	query := fmt.Sprintf(`UPDATE personas SET %s WHERE username = %s AND id = %s`,
		strings.Join(set, ", "), usernamePh, idPh)
	result, err := d.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to update persona")
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return nil, store.ErrNotFound
	}
	return d.GetPersona(ctx, update.Username, update.PersonaID)
}

func (d *DB) DeletePersona(ctx context.Context, username string, personaID int32) error {
	result, err := d.db.ExecContext(ctx,
		`DELETE FROM personas WHERE username = $1 AND id = $2`, username, personaID)
	if err != nil {
		return errors.Wrap(err, "failed to delete persona")
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}
