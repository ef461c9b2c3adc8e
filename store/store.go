// Package store provides database access to all raw objects.
package store

import (
	"context"

	"github.com/wzp-123777/Mul-in-ONE/internal/profile"
)

// Store provides database access to sessions, messages, personas and API profiles.
type Store struct {
	profile *profile.Profile
	driver  Driver
}

// New creates a new instance of Store.
func New(driver Driver, profile *profile.Profile) *Store {
	return &Store{
		driver:  driver,
		profile: profile,
	}
}

func (s *Store) GetDriver() Driver {
	return s.driver
}

func (s *Store) Close() error {
	return s.driver.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	return s.driver.Migrate(ctx)
}

// Session operations.

func (s *Store) CreateSession(ctx context.Context, create *Session) (*Session, error) {
	return s.driver.CreateSession(ctx, create)
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	return s.driver.GetSession(ctx, sessionID)
}

func (s *Store) ListSessions(ctx context.Context, find *FindSession) ([]*Session, error) {
	return s.driver.ListSessions(ctx, find)
}

func (s *Store) UpdateSessionMetadata(ctx context.Context, update *UpdateSessionMetadata) (*Session, error) {
	return s.driver.UpdateSessionMetadata(ctx, update)
}

func (s *Store) UpdateSessionParticipants(ctx context.Context, sessionID string, personaIDs []int32) (*Session, error) {
	return s.driver.UpdateSessionParticipants(ctx, sessionID, personaIDs)
}

func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	return s.driver.DeleteSession(ctx, sessionID)
}

func (s *Store) DeleteSessions(ctx context.Context, sessionIDs []string) error {
	return s.driver.DeleteSessions(ctx, sessionIDs)
}

// Message operations.

func (s *Store) AddMessage(ctx context.Context, create *Message) (*Message, error) {
	return s.driver.AddMessage(ctx, create)
}

func (s *Store) ListMessages(ctx context.Context, find *FindMessage) ([]*Message, error) {
	return s.driver.ListMessages(ctx, find)
}

// Persona operations.

func (s *Store) CreatePersona(ctx context.Context, create *Persona) (*Persona, error) {
	return s.driver.CreatePersona(ctx, create)
}

func (s *Store) GetPersona(ctx context.Context, username string, personaID int32) (*Persona, error) {
	return s.driver.GetPersona(ctx, username, personaID)
}

func (s *Store) ListPersonas(ctx context.Context, username string) ([]*Persona, error) {
	return s.driver.ListPersonas(ctx, username)
}

func (s *Store) UpdatePersona(ctx context.Context, update *UpdatePersona) (*Persona, error) {
	return s.driver.UpdatePersona(ctx, update)
}

func (s *Store) DeletePersona(ctx context.Context, username string, personaID int32) error {
	return s.driver.DeletePersona(ctx, username, personaID)
}

// API profile operations.

func (s *Store) CreateAPIProfile(ctx context.Context, create *APIProfile) (*APIProfile, error) {
	return s.driver.CreateAPIProfile(ctx, create)
}

func (s *Store) GetAPIProfile(ctx context.Context, username string, profileID int32) (*APIProfile, error) {
	return s.driver.GetAPIProfile(ctx, username, profileID)
}

func (s *Store) ListAPIProfiles(ctx context.Context, username string) ([]*APIProfile, error) {
	return s.driver.ListAPIProfiles(ctx, username)
}

func (s *Store) UpdateAPIProfile(ctx context.Context, update *UpdateAPIProfile) (*APIProfile, error) {
	return s.driver.UpdateAPIProfile(ctx, update)
}

func (s *Store) DeleteAPIProfile(ctx context.Context, username string, profileID int32) error {
	return s.driver.DeleteAPIProfile(ctx, username, profileID)
}

func (s *Store) GetUserEmbeddingProfile(ctx context.Context, username string) (*APIProfile, error) {
	return s.driver.GetUserEmbeddingProfile(ctx, username)
}

func (s *Store) SetUserEmbeddingProfile(ctx context.Context, username string, profileID *int32) error {
	return s.driver.SetUserEmbeddingProfile(ctx, username, profileID)
}
