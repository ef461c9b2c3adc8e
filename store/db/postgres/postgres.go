// Package postgres implements the store driver on PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	// Postgres driver.
	_ "github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/wzp-123777/Mul-in-ONE/internal/profile"
	"github.com/wzp-123777/Mul-in-ONE/store"
)

// DB is a PostgreSQL-backed store driver.
type DB struct {
	db      *sql.DB
	profile *profile.Profile
}

// NewDB opens a PostgreSQL connection from the profile's DATABASE_URL.
func NewDB(profile *profile.Profile) (store.Driver, error) {
	if profile.DatabaseURL == "" {
		return nil, errors.New("database URL is required")
	}

	db, err := sql.Open("postgres", profile.DatabaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}
	if err := db.Ping(); err != nil {
		return nil, errors.Wrap(err, "failed to ping database")
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	return &DB{db: db, profile: profile}, nil
}

func (d *DB) GetDB() *sql.DB {
	return d.db
}

func (d *DB) Close() error {
	return d.db.Close()
}

// placeholder returns the n-th Postgres positional parameter, e.g. $3.
func placeholder(n int) string {
	return fmt.Sprintf("$%d", n)
}

// placeholders returns "$1, $2, ..., $n".
func placeholders(n int) string {
	list := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		list = append(list, placeholder(i))
	}
	return strings.Join(list, ", ")
}

var migrationStmts = []string{
	`CREATE TABLE IF NOT EXISTS api_profiles (
		id SERIAL PRIMARY KEY,
		username TEXT NOT NULL,
		name TEXT NOT NULL,
		base_url TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		api_key_cipher TEXT NOT NULL DEFAULT '',
		temperature REAL NOT NULL DEFAULT 0.4,
		is_embedding_model BOOLEAN NOT NULL DEFAULT FALSE,
		embedding_dim INTEGER NOT NULL DEFAULT 0,
		created_ts BIGINT NOT NULL,
		UNIQUE (username, name)
	)`,
	`CREATE TABLE IF NOT EXISTS personas (
		id SERIAL PRIMARY KEY,
		username TEXT NOT NULL,
		name TEXT NOT NULL,
		handle TEXT NOT NULL,
		prompt TEXT NOT NULL DEFAULT '',
		tone TEXT NOT NULL DEFAULT 'neutral',
		proactivity DOUBLE PRECISION NOT NULL DEFAULT 0.5,
		memory_window INTEGER NOT NULL DEFAULT 8,
		max_agents_per_turn INTEGER NOT NULL DEFAULT 2,
		background TEXT NOT NULL DEFAULT '',
		is_default BOOLEAN NOT NULL DEFAULT FALSE,
		api_profile_id INTEGER REFERENCES api_profiles (id) ON DELETE SET NULL,
		created_ts BIGINT NOT NULL,
		UNIQUE (username, handle)
	)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		user_display_name TEXT NOT NULL DEFAULT '',
		user_handle TEXT NOT NULL DEFAULT '',
		user_persona TEXT NOT NULL DEFAULT '',
		created_ts BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_username ON sessions (username, created_ts DESC)`,
	`CREATE TABLE IF NOT EXISTS session_participants (
		session_id TEXT NOT NULL REFERENCES sessions (id) ON DELETE CASCADE,
		persona_id INTEGER NOT NULL REFERENCES personas (id) ON DELETE CASCADE,
		PRIMARY KEY (session_id, persona_id)
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions (id) ON DELETE CASCADE,
		sender_type TEXT NOT NULL,
		sender TEXT NOT NULL,
		content TEXT NOT NULL,
		created_ts BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages (session_id, created_ts)`,
	`CREATE TABLE IF NOT EXISTS user_settings (
		username TEXT PRIMARY KEY,
		embedding_api_profile_id INTEGER REFERENCES api_profiles (id) ON DELETE SET NULL
	)`,
}

// Migrate creates the schema. Retrieval collections are created lazily per
// (user, persona) by the rag package; the pgvector extension is prepared here
// so those CREATE TABLE statements can rely on the vector type.
func (d *DB) Migrate(ctx context.Context) error {
	// Best-effort: the extension may already exist or require superuser.
	if _, err := d.db.ExecContext(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		return errors.Wrap(err, "failed to ensure pgvector extension")
	}

	for _, stmt := range migrationStmts {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrapf(err, "failed to run migration: %.60s", stmt)
		}
	}
	return nil
}
