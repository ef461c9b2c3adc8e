package rag

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
	"github.com/pkg/errors"
)

// Passage is one stored background chunk.
type Passage struct {
	ID     string
	Text   string
	Source string
	Vector []float32
}

// CollectionName returns the per-(user, persona) table holding background
// vectors. The name alone enforces tenant isolation.
func CollectionName(username string, personaID int32) string {
	return fmt.Sprintf("%s_persona_%d_rag", sanitizeIdent(username), personaID)
}

// sanitizeIdent keeps usernames safe to embed in a table name.
func sanitizeIdent(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "user"
	}
	return b.String()
}

// collections wraps raw pgvector table access.
type collections struct {
	db *sql.DB
}

// ensure creates the collection table and its IVFFlat L2 index if missing.
func (c *collections) ensure(ctx context.Context, name string, dim int) error {
	create := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id VARCHAR(64) PRIMARY KEY,
			text TEXT NOT NULL,
			source TEXT NOT NULL DEFAULT '',
			embedding vector(%d) NOT NULL
		)`, name, dim)
	if _, err := c.db.ExecContext(ctx, create); err != nil {
		return errors.Wrapf(err, "failed to create collection %s", name)
	}

	index := fmt.Sprintf(
		`CREATE INDEX IF NOT EXISTS idx_%s_embedding ON %s USING ivfflat (embedding vector_l2_ops)`,
		name, name)
	if _, err := c.db.ExecContext(ctx, index); err != nil {
		return errors.Wrapf(err, "failed to index collection %s", name)
	}
	return nil
}

func (c *collections) insert(ctx context.Context, name string, passages []Passage) error {
	stmt := fmt.Sprintf(
		`INSERT INTO %s (id, text, source, embedding) VALUES ($1, $2, $3, $4)`, name)
	for _, p := range passages {
		if _, err := c.db.ExecContext(ctx, stmt,
			p.ID, p.Text, p.Source, pgvector.NewVector(p.Vector),
		); err != nil {
			return errors.Wrapf(err, "failed to insert passage into %s", name)
		}
	}
	return nil
}

// search returns the topK nearest passages by L2 distance. A missing
// collection yields an empty result, not an error.
func (c *collections) search(ctx context.Context, name string, vector []float32, topK int) ([]Passage, error) {
	if topK <= 0 {
		topK = 4
	}
	query := fmt.Sprintf(`
		SELECT id, text, source
		FROM %s
		ORDER BY embedding <-> $1
		LIMIT $2
	`, name)

	rows, err := c.db.QueryContext(ctx, query, pgvector.NewVector(vector), topK)
	if err != nil {
		if isUndefinedTable(err) {
			return []Passage{}, nil
		}
		return nil, errors.Wrapf(err, "failed to search collection %s", name)
	}
	defer rows.Close()

	passages := []Passage{}
	for rows.Next() {
		var p Passage
		if err := rows.Scan(&p.ID, &p.Text, &p.Source); err != nil {
			return nil, errors.Wrap(err, "failed to scan passage")
		}
		passages = append(passages, p)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate passages")
	}
	return passages, nil
}

func isUndefinedTable(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "42P01"
	}
	return false
}
