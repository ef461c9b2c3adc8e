// Package v1 exposes the REST and WebSocket API.
package v1

import (
	"github.com/labstack/echo/v4"
	"golang.org/x/sync/semaphore"

	"github.com/wzp-123777/Mul-in-ONE/ai/rag"
	"github.com/wzp-123777/Mul-in-ONE/ai/session"
	"github.com/wzp-123777/Mul-in-ONE/internal/profile"
	"github.com/wzp-123777/Mul-in-ONE/store"
	"github.com/wzp-123777/Mul-in-ONE/store/crypto"
)

// CredentialInvalidator drops cached LLM clients after persona or API
// profile changes. The stub runtime has nothing to invalidate.
type CredentialInvalidator interface {
	Invalidate(username string)
}

// APIV1Service bundles the domain services behind /api.
type APIV1Service struct {
	SessionService    *SessionService
	PersonaService    *PersonaService
	APIProfileService *APIProfileService

	Profile *profile.Profile
	Store   *store.Store
}

// NewAPIV1Service wires the API services. retriever, cipher and
// invalidator may be nil.
func NewAPIV1Service(
	p *profile.Profile,
	st *store.Store,
	sessions *session.Service,
	retriever *rag.Service,
	cipher *crypto.Cipher,
	invalidator CredentialInvalidator,
) *APIV1Service {
	return &APIV1Service{
		SessionService: &SessionService{
			Sessions:     sessions,
			Store:        st,
			HistoryLimit: p.HistoryLimit,
		},
		PersonaService: &PersonaService{
			Store:           st,
			Retriever:       retriever,
			Invalidator:     invalidator,
			ingestSemaphore: semaphore.NewWeighted(maxConcurrentIngests),
		},
		APIProfileService: &APIProfileService{
			Store:       st,
			Cipher:      cipher,
			Invalidator: invalidator,
		},
		Profile: p,
		Store:   st,
	}
}

// Register attaches every route to the echo instance.
func (s *APIV1Service) Register(e *echo.Echo) {
	api := e.Group("/api")

	api.POST("/sessions", s.SessionService.CreateSession)
	api.GET("/sessions", s.SessionService.ListSessions)
	api.GET("/sessions/:id", s.SessionService.GetSession)
	api.PATCH("/sessions/:id", s.SessionService.UpdateSession)
	api.DELETE("/sessions/:id", s.SessionService.DeleteSession)
	api.PUT("/sessions/:id/participants", s.SessionService.UpdateParticipants)
	api.POST("/sessions/batch-delete", s.SessionService.BatchDeleteSessions)
	api.POST("/sessions/:id/messages", s.SessionService.PostMessage)
	api.GET("/sessions/:id/messages", s.SessionService.ListMessages)
	api.POST("/sessions/:id/stop", s.SessionService.StopSession)
	api.GET("/ws/sessions/:id", s.SessionService.StreamEvents)

	api.POST("/personas", s.PersonaService.CreatePersona)
	api.GET("/personas", s.PersonaService.ListPersonas)
	api.GET("/personas/:id", s.PersonaService.GetPersona)
	api.PATCH("/personas/:id", s.PersonaService.UpdatePersona)
	api.DELETE("/personas/:id", s.PersonaService.DeletePersona)

	api.POST("/api-profiles", s.APIProfileService.CreateAPIProfile)
	api.GET("/api-profiles", s.APIProfileService.ListAPIProfiles)
	api.GET("/api-profiles/:id", s.APIProfileService.GetAPIProfile)
	api.PATCH("/api-profiles/:id", s.APIProfileService.UpdateAPIProfile)
	api.DELETE("/api-profiles/:id", s.APIProfileService.DeleteAPIProfile)
	api.PUT("/settings/embedding-profile", s.APIProfileService.SetEmbeddingProfile)
	api.GET("/settings/embedding-profile", s.APIProfileService.GetEmbeddingProfile)
}
