package v1

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/sync/semaphore"

	"github.com/wzp-123777/Mul-in-ONE/ai/rag"
	"github.com/wzp-123777/Mul-in-ONE/store"
)

// ingestTimeout bounds the background corpus embedding of one persona.
const ingestTimeout = 5 * time.Minute

// maxConcurrentIngests limits how many corpora embed at once; embedding
// calls are the expensive part.
const maxConcurrentIngests = 2

// PersonaService handles persona CRUD plus background-corpus ingestion.
type PersonaService struct {
	Store       *store.Store
	Retriever   *rag.Service
	Invalidator CredentialInvalidator

	ingestSemaphore *semaphore.Weighted
}

type personaResponse struct {
	ID               int32   `json:"id"`
	Name             string  `json:"name"`
	Handle           string  `json:"handle"`
	Prompt           string  `json:"prompt"`
	Tone             string  `json:"tone,omitempty"`
	Proactivity      float64 `json:"proactivity"`
	MemoryWindow     int     `json:"memory_window,omitempty"`
	MaxAgentsPerTurn int     `json:"max_agents_per_turn,omitempty"`
	Background       string  `json:"background,omitempty"`
	APIProfileID     *int32  `json:"api_profile_id,omitempty"`
	CreatedTs        int64   `json:"created_ts"`
}

func convertPersona(p *store.Persona) personaResponse {
	return personaResponse{
		ID:               p.ID,
		Name:             p.Name,
		Handle:           p.Handle,
		Prompt:           p.Prompt,
		Tone:             p.Tone,
		Proactivity:      p.Proactivity,
		MemoryWindow:     p.MemoryWindow,
		MaxAgentsPerTurn: p.MaxAgentsPerTurn,
		Background:       p.Background,
		APIProfileID:     p.APIProfileID,
		CreatedTs:        p.CreatedTs,
	}
}

type createPersonaRequest struct {
	Name             string  `json:"name"`
	Handle           string  `json:"handle"`
	Prompt           string  `json:"prompt"`
	Tone             string  `json:"tone"`
	Proactivity      float64 `json:"proactivity"`
	MemoryWindow     int     `json:"memory_window"`
	MaxAgentsPerTurn int     `json:"max_agents_per_turn"`
	Background       string  `json:"background"`
	APIProfileID     *int32  `json:"api_profile_id"`
}

func (s *PersonaService) CreatePersona(c echo.Context) error {
	req := &createPersonaRequest{}
	if err := c.Bind(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	if req.Name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name is required")
	}
	if req.Handle == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "handle is required")
	}
	if req.Proactivity < 0 || req.Proactivity > 1 {
		return echo.NewHTTPError(http.StatusBadRequest, "proactivity must be in [0,1]")
	}

	username := currentUsername(c)
	persona, err := s.Store.CreatePersona(c.Request().Context(), &store.Persona{
		Username:         username,
		Name:             req.Name,
		Handle:           req.Handle,
		Prompt:           req.Prompt,
		Tone:             req.Tone,
		Proactivity:      req.Proactivity,
		MemoryWindow:     req.MemoryWindow,
		MaxAgentsPerTurn: req.MaxAgentsPerTurn,
		Background:       req.Background,
		APIProfileID:     req.APIProfileID,
		CreatedTs:        time.Now().Unix(),
	})
	if err != nil {
		return toHTTPError(err)
	}

	s.ingestBackground(username, persona)
	return c.JSON(http.StatusCreated, convertPersona(persona))
}

func (s *PersonaService) ListPersonas(c echo.Context) error {
	personas, err := s.Store.ListPersonas(c.Request().Context(), currentUsername(c))
	if err != nil {
		return toHTTPError(err)
	}
	out := make([]personaResponse, 0, len(personas))
	for _, p := range personas {
		out = append(out, convertPersona(p))
	}
	return c.JSON(http.StatusOK, out)
}

func (s *PersonaService) GetPersona(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	persona, err := s.Store.GetPersona(c.Request().Context(), currentUsername(c), id)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, convertPersona(persona))
}

type updatePersonaRequest struct {
	Name             *string  `json:"name"`
	Handle           *string  `json:"handle"`
	Prompt           *string  `json:"prompt"`
	Tone             *string  `json:"tone"`
	Proactivity      *float64 `json:"proactivity"`
	MemoryWindow     *int     `json:"memory_window"`
	MaxAgentsPerTurn *int     `json:"max_agents_per_turn"`
	Background       *string  `json:"background"`
	APIProfileID     *int32   `json:"api_profile_id"`
	ClearAPIProfile  bool     `json:"clear_api_profile"`
}

func (s *PersonaService) UpdatePersona(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	req := &updatePersonaRequest{}
	if err := c.Bind(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	if req.Proactivity != nil && (*req.Proactivity < 0 || *req.Proactivity > 1) {
		return echo.NewHTTPError(http.StatusBadRequest, "proactivity must be in [0,1]")
	}

	username := currentUsername(c)
	persona, err := s.Store.UpdatePersona(c.Request().Context(), &store.UpdatePersona{
		Username:         username,
		PersonaID:        id,
		Name:             req.Name,
		Handle:           req.Handle,
		Prompt:           req.Prompt,
		Tone:             req.Tone,
		Proactivity:      req.Proactivity,
		MemoryWindow:     req.MemoryWindow,
		MaxAgentsPerTurn: req.MaxAgentsPerTurn,
		Background:       req.Background,
		APIProfileID:     req.APIProfileID,
		ClearAPIProfile:  req.ClearAPIProfile,
	})
	if err != nil {
		return toHTTPError(err)
	}

	if s.Invalidator != nil && (req.APIProfileID != nil || req.ClearAPIProfile) {
		s.Invalidator.Invalidate(username)
	}
	if req.Background != nil {
		s.ingestBackground(username, persona)
	}
	return c.JSON(http.StatusOK, convertPersona(persona))
}

func (s *PersonaService) DeletePersona(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	username := currentUsername(c)
	if err := s.Store.DeletePersona(c.Request().Context(), username, id); err != nil {
		return toHTTPError(err)
	}
	if s.Invalidator != nil {
		s.Invalidator.Invalidate(username)
	}
	return c.NoContent(http.StatusNoContent)
}

// ingestBackground chunks and embeds the persona's background corpus off the
// request path. Failures only log; the persona stays usable without its
// corpus.
func (s *PersonaService) ingestBackground(username string, p *store.Persona) {
	if s.Retriever == nil || p.Background == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), ingestTimeout)
		defer cancel()
		if err := s.ingestSemaphore.Acquire(ctx, 1); err != nil {
			return
		}
		defer s.ingestSemaphore.Release(1)
		n, err := s.Retriever.Ingest(ctx, username, p.ID, p.Background, "background")
		if err != nil {
			slog.Warn("background ingestion failed",
				"user", username, "persona", p.Name, "error", err)
			return
		}
		slog.Info("background ingested",
			"user", username, "persona", p.Name, "chunks", n)
	}()
}
