package rag

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/wzp-123777/Mul-in-ONE/store"
	"github.com/wzp-123777/Mul-in-ONE/store/crypto"
)

// EmbedderFactory builds an embedder for a resolved credential set.
// Tests inject a fake; production uses NewEmbedder.
type EmbedderFactory func(baseURL, apiKey, model string, dim int) Embedder

// Service ingests background text and retrieves passages per (user, persona).
type Service struct {
	store       *store.Store
	cipher      *crypto.Cipher
	splitter    *Splitter
	newEmbedder EmbedderFactory
}

// NewService wires the retrieval service. factory may be nil.
func NewService(st *store.Store, cipher *crypto.Cipher, factory EmbedderFactory) *Service {
	if factory == nil {
		factory = NewEmbedder
	}
	return &Service{
		store:       st,
		cipher:      cipher,
		splitter:    NewSplitter(DefaultChunkSize, DefaultChunkOverlap),
		newEmbedder: factory,
	}
}

func (s *Service) db() *sql.DB {
	return s.store.GetDriver().GetDB()
}

// embedderFor resolves the user's designated embedding profile.
func (s *Service) embedderFor(ctx context.Context, username string) (Embedder, error) {
	profile, err := s.store.GetUserEmbeddingProfile(ctx, username)
	if err != nil {
		return nil, errors.Wrap(err, "no embedding profile configured")
	}
	apiKey, err := s.cipher.Decrypt(profile.APIKeyCipher)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decrypt embedding key")
	}
	dim := profile.EmbeddingDim
	if dim <= 0 {
		dim = 1024
	}
	return s.newEmbedder(profile.BaseURL, apiKey, profile.Model, dim), nil
}

// Ingest chunks text, embeds it via the user's embedding profile and stores
// the passages in the (user, persona) collection. Returns the number of
// passages written.
func (s *Service) Ingest(ctx context.Context, username string, personaID int32, text, source string) (int, error) {
	db := s.db()
	if db == nil {
		slog.Warn("retrieval disabled: store has no SQL backend", "user", username)
		return 0, nil
	}

	chunks := s.splitter.Split(text)
	if len(chunks) == 0 {
		return 0, nil
	}

	embedder, err := s.embedderFor(ctx, username)
	if err != nil {
		return 0, err
	}
	vectors, err := embedder.Embed(ctx, chunks)
	if err != nil {
		return 0, errors.Wrap(err, "failed to embed chunks")
	}
	vectors, err = reconcileVectors(chunks, vectors, embedder.Dimension())
	if err != nil {
		return 0, err
	}
	if len(vectors) < len(chunks) {
		chunks = chunks[:len(vectors)]
	}

	name := CollectionName(username, personaID)
	coll := &collections{db: db}
	if err := coll.ensure(ctx, name, embedder.Dimension()); err != nil {
		return 0, err
	}

	passages := make([]Passage, 0, len(chunks))
	for i, chunk := range chunks {
		passages = append(passages, Passage{
			ID:     uuid.NewString(),
			Text:   chunk,
			Source: source,
			Vector: vectors[i],
		})
	}
	if err := coll.insert(ctx, name, passages); err != nil {
		return 0, err
	}

	slog.Info("ingested background chunks",
		"user", username, "persona_id", personaID, "chunks", len(passages))
	return len(passages), nil
}

// reconcileVectors aligns the embedding matrix with the chunk list. Some
// endpoints return several vectors per input; when the ratio is integral we
// keep the first of each group, otherwise we truncate. A wrong vector width
// is a hard failure.
func reconcileVectors(chunks []string, vectors [][]float32, dim int) ([][]float32, error) {
	if len(vectors) != len(chunks) && len(chunks) > 0 {
		if len(vectors) > len(chunks) && len(vectors)%len(chunks) == 0 {
			group := len(vectors) / len(chunks)
			sampled := make([][]float32, 0, len(chunks))
			for i := 0; i < len(chunks); i++ {
				sampled = append(sampled, vectors[i*group])
			}
			vectors = sampled
		} else if len(vectors) > len(chunks) {
			vectors = vectors[:len(chunks)]
		}
	}
	for i, v := range vectors {
		if len(v) != dim {
			return nil, errors.Errorf("embedding %d has width %d, want %d", i, len(v), dim)
		}
	}
	return vectors, nil
}

// Search embeds the query and returns the topK passages for the scope,
// which the caller must take from the turn context. A missing collection
// returns an empty list.
func (s *Service) Search(ctx context.Context, query, username string, personaID int32, topK int) ([]Passage, error) {
	db := s.db()
	if db == nil {
		return []Passage{}, nil
	}

	embedder, err := s.embedderFor(ctx, username)
	if err != nil {
		return nil, err
	}
	vectors, err := embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, errors.Wrap(err, "failed to embed query")
	}
	if len(vectors) == 0 {
		return []Passage{}, nil
	}

	coll := &collections{db: db}
	return coll.search(ctx, CollectionName(username, personaID), vectors[0], topK)
}
