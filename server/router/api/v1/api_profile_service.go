package v1

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/wzp-123777/Mul-in-ONE/store"
	"github.com/wzp-123777/Mul-in-ONE/store/crypto"
)

// APIProfileService manages reusable LLM credential sets. Keys are
// encrypted at rest and only ever leave the API masked.
type APIProfileService struct {
	Store       *store.Store
	Cipher      *crypto.Cipher
	Invalidator CredentialInvalidator
}

type apiProfileResponse struct {
	ID           int32   `json:"id"`
	Name         string  `json:"name"`
	BaseURL      string  `json:"base_url"`
	Model        string  `json:"model"`
	KeyPreview   string  `json:"key_preview"`
	Temperature  float32 `json:"temperature"`
	IsEmbedding  bool    `json:"is_embedding"`
	EmbeddingDim int     `json:"embedding_dim,omitempty"`
	CreatedTs    int64   `json:"created_ts"`
}

func (s *APIProfileService) convertAPIProfile(p *store.APIProfile) apiProfileResponse {
	// The stored value is the ciphertext; decrypt only to build the masked
	// preview.
	preview := ""
	if key, err := s.Cipher.Decrypt(p.APIKeyCipher); err == nil {
		masked := &store.APIProfile{APIKey: key}
		preview = masked.KeyPreview()
	}
	return apiProfileResponse{
		ID:           p.ID,
		Name:         p.Name,
		BaseURL:      p.BaseURL,
		Model:        p.Model,
		KeyPreview:   preview,
		Temperature:  p.Temperature,
		IsEmbedding:  p.IsEmbedding,
		EmbeddingDim: p.EmbeddingDim,
		CreatedTs:    p.CreatedTs,
	}
}

type createAPIProfileRequest struct {
	Name         string  `json:"name"`
	BaseURL      string  `json:"base_url"`
	Model        string  `json:"model"`
	APIKey       string  `json:"api_key"`
	Temperature  float32 `json:"temperature"`
	IsEmbedding  bool    `json:"is_embedding"`
	EmbeddingDim int     `json:"embedding_dim"`
}

func (s *APIProfileService) CreateAPIProfile(c echo.Context) error {
	req := &createAPIProfileRequest{}
	if err := c.Bind(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	if req.Name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name is required")
	}
	if req.Model == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "model is required")
	}

	cipherText, err := s.Cipher.Encrypt(req.APIKey)
	if err != nil {
		return toHTTPError(err)
	}

	profile, err := s.Store.CreateAPIProfile(c.Request().Context(), &store.APIProfile{
		Username:     currentUsername(c),
		Name:         req.Name,
		BaseURL:      req.BaseURL,
		Model:        req.Model,
		APIKeyCipher: cipherText,
		Temperature:  req.Temperature,
		IsEmbedding:  req.IsEmbedding,
		EmbeddingDim: req.EmbeddingDim,
		CreatedTs:    time.Now().Unix(),
	})
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusCreated, s.convertAPIProfile(profile))
}

func (s *APIProfileService) ListAPIProfiles(c echo.Context) error {
	profiles, err := s.Store.ListAPIProfiles(c.Request().Context(), currentUsername(c))
	if err != nil {
		return toHTTPError(err)
	}
	out := make([]apiProfileResponse, 0, len(profiles))
	for _, p := range profiles {
		out = append(out, s.convertAPIProfile(p))
	}
	return c.JSON(http.StatusOK, out)
}

func (s *APIProfileService) GetAPIProfile(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	profile, err := s.Store.GetAPIProfile(c.Request().Context(), currentUsername(c), id)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, s.convertAPIProfile(profile))
}

type updateAPIProfileRequest struct {
	Name         *string  `json:"name"`
	BaseURL      *string  `json:"base_url"`
	Model        *string  `json:"model"`
	APIKey       *string  `json:"api_key"`
	Temperature  *float32 `json:"temperature"`
	IsEmbedding  *bool    `json:"is_embedding"`
	EmbeddingDim *int     `json:"embedding_dim"`
}

func (s *APIProfileService) UpdateAPIProfile(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	req := &updateAPIProfileRequest{}
	if err := c.Bind(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}

	update := &store.UpdateAPIProfile{
		Username:     currentUsername(c),
		ProfileID:    id,
		Name:         req.Name,
		BaseURL:      req.BaseURL,
		Model:        req.Model,
		Temperature:  req.Temperature,
		IsEmbedding:  req.IsEmbedding,
		EmbeddingDim: req.EmbeddingDim,
	}
	if req.APIKey != nil {
		cipherText, err := s.Cipher.Encrypt(*req.APIKey)
		if err != nil {
			return toHTTPError(err)
		}
		update.APIKeyCipher = &cipherText
	}

	profile, err := s.Store.UpdateAPIProfile(c.Request().Context(), update)
	if err != nil {
		return toHTTPError(err)
	}
	if s.Invalidator != nil {
		s.Invalidator.Invalidate(currentUsername(c))
	}
	return c.JSON(http.StatusOK, s.convertAPIProfile(profile))
}

func (s *APIProfileService) DeleteAPIProfile(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	username := currentUsername(c)
	if err := s.Store.DeleteAPIProfile(c.Request().Context(), username, id); err != nil {
		return toHTTPError(err)
	}
	if s.Invalidator != nil {
		s.Invalidator.Invalidate(username)
	}
	return c.NoContent(http.StatusNoContent)
}

type setEmbeddingProfileRequest struct {
	ProfileID *int32 `json:"profile_id"`
}

// SetEmbeddingProfile binds (or clears, with null) the user's embedding
// credential used for background-corpus retrieval.
func (s *APIProfileService) SetEmbeddingProfile(c echo.Context) error {
	req := &setEmbeddingProfileRequest{}
	if err := c.Bind(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}

	username := currentUsername(c)
	if req.ProfileID != nil {
		profile, err := s.Store.GetAPIProfile(c.Request().Context(), username, *req.ProfileID)
		if err != nil {
			return toHTTPError(err)
		}
		if !profile.IsEmbedding {
			return echo.NewHTTPError(http.StatusBadRequest, "profile is not an embedding profile")
		}
	}
	if err := s.Store.SetUserEmbeddingProfile(c.Request().Context(), username, req.ProfileID); err != nil {
		return toHTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *APIProfileService) GetEmbeddingProfile(c echo.Context) error {
	profile, err := s.Store.GetUserEmbeddingProfile(c.Request().Context(), currentUsername(c))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, s.convertAPIProfile(profile))
}
