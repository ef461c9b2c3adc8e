package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/wzp-123777/Mul-in-ONE/store"
)

const apiProfileSelect = `
	SELECT id, username, name, base_url, model, api_key_cipher, temperature,
		is_embedding_model, embedding_dim, created_ts
	FROM api_profiles
`

func scanAPIProfile(row interface{ Scan(dest ...any) error }) (*store.APIProfile, error) {
	p := &store.APIProfile{}
	if err := row.Scan(
		&p.ID,
		&p.Username,
		&p.Name,
		&p.BaseURL,
		&p.Model,
		&p.APIKeyCipher,
		&p.Temperature,
		&p.IsEmbedding,
		&p.EmbeddingDim,
		&p.CreatedTs,
	); err != nil {
		return nil, err
	}
	return p, nil
}

func (d *DB) CreateAPIProfile(ctx context.Context, create *store.APIProfile) (*store.APIProfile, error) {
	query := `
		INSERT INTO api_profiles (
			username, name, base_url, model, api_key_cipher, temperature,
			is_embedding_model, embedding_dim, created_ts
		)
		VALUES (` + placeholders(9) + `)
		RETURNING id
	`
	if err := d.db.QueryRowContext(ctx, query,
		create.Username,
		create.Name,
		create.BaseURL,
		create.Model,
		create.APIKeyCipher,
		create.Temperature,
		create.IsEmbedding,
		create.EmbeddingDim,
		create.CreatedTs,
	).Scan(&create.ID); err != nil {
		return nil, errors.Wrap(err, "failed to insert api profile")
	}
	return d.GetAPIProfile(ctx, create.Username, create.ID)
}

func (d *DB) GetAPIProfile(ctx context.Context, username string, profileID int32) (*store.APIProfile, error) {
	query := apiProfileSelect + ` WHERE username = $1 AND id = $2`
	p, err := scanAPIProfile(d.db.QueryRowContext(ctx, query, username, profileID))
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get api profile")
	}
	return p, nil
}

func (d *DB) ListAPIProfiles(ctx context.Context, username string) ([]*store.APIProfile, error) {
	query := apiProfileSelect + ` WHERE username = $1 ORDER BY id`
	rows, err := d.db.QueryContext(ctx, query, username)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list api profiles")
	}
	defer rows.Close()

	profiles := []*store.APIProfile{}
	for rows.Next() {
		p, err := scanAPIProfile(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan api profile")
		}
		profiles = append(profiles, p)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate api profiles")
	}
	return profiles, nil
}

func (d *DB) UpdateAPIProfile(ctx context.Context, update *store.UpdateAPIProfile) (*store.APIProfile, error) {
	set, args := []string{}, []any{}
	if v := update.Name; v != nil {
		args = append(args, *v)
		set = append(set, "name = "+placeholder(len(args)))
	}
	if v := update.BaseURL; v != nil {
		args = append(args, *v)
		set = append(set, "base_url = "+placeholder(len(args)))
	}
	if v := update.Model; v != nil {
		args = append(args, *v)
		set = append(set, "model = "+placeholder(len(args)))
	}
	if v := update.APIKeyCipher; v != nil {
		args = append(args, *v)
		set = append(set, "api_key_cipher = "+placeholder(len(args)))
	}
	if v := update.Temperature; v != nil {
		args = append(args, *v)
		set = append(set, "temperature = "+placeholder(len(args)))
	}
	if v := update.IsEmbedding; v != nil {
		args = append(args, *v)
		set = append(set, "is_embedding_model = "+placeholder(len(args)))
	}
	if v := update.EmbeddingDim; v != nil {
		args = append(args, *v)
		set = append(set, "embedding_dim = "+placeholder(len(args)))
	}
	if len(set) == 0 {
		return d.GetAPIProfile(ctx, update.Username, update.ProfileID)
	}

	args = append(args, update.Username)
	usernamePh := placeholder(len(args))
	args = append(args, update.ProfileID)
	idPh := placeholder(len(args))

	query := fmt.Sprintf(`UPDATE api_profiles SET %s WHERE username = %s AND id = %s`,
		strings.Join(set, ", "), usernamePh, idPh)
	result, err := d.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to update api profile")
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return nil, store.ErrNotFound
	}
	return d.GetAPIProfile(ctx, update.Username, update.ProfileID)
}

func (d *DB) DeleteAPIProfile(ctx context.Context, username string, profileID int32) error {
	result, err := d.db.ExecContext(ctx,
		`DELETE FROM api_profiles WHERE username = $1 AND id = $2`, username, profileID)
	if err != nil {
		return errors.Wrap(err, "failed to delete api profile")
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (d *DB) GetUserEmbeddingProfile(ctx context.Context, username string) (*store.APIProfile, error) {
	query := apiProfileSelect + `
		WHERE id = (SELECT embedding_api_profile_id FROM user_settings WHERE username = $1)
	`
	p, err := scanAPIProfile(d.db.QueryRowContext(ctx, query, username))
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get embedding profile")
	}
	return p, nil
}

func (d *DB) SetUserEmbeddingProfile(ctx context.Context, username string, profileID *int32) error {
	query := `
		INSERT INTO user_settings (username, embedding_api_profile_id)
		VALUES ($1, $2)
		ON CONFLICT (username) DO UPDATE SET embedding_api_profile_id = EXCLUDED.embedding_api_profile_id
	`
	if _, err := d.db.ExecContext(ctx, query, username, profileID); err != nil {
		return errors.Wrap(err, "failed to set embedding profile")
	}
	return nil
}
