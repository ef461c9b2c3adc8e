package store

import (
	"context"
	"database/sql"
	"errors"
)

// Driver is an interface for store driver.
// It contains all methods that store database driver should implement.
type Driver interface {
	GetDB() *sql.DB
	Close() error
	Migrate(ctx context.Context) error

	// Session model related methods.
	CreateSession(ctx context.Context, create *Session) (*Session, error)
	GetSession(ctx context.Context, sessionID string) (*Session, error)
	ListSessions(ctx context.Context, find *FindSession) ([]*Session, error)
	UpdateSessionMetadata(ctx context.Context, update *UpdateSessionMetadata) (*Session, error)
	UpdateSessionParticipants(ctx context.Context, sessionID string, personaIDs []int32) (*Session, error)
	DeleteSession(ctx context.Context, sessionID string) error
	DeleteSessions(ctx context.Context, sessionIDs []string) error

	// Message model related methods.
	AddMessage(ctx context.Context, create *Message) (*Message, error)
	ListMessages(ctx context.Context, find *FindMessage) ([]*Message, error)

	// Persona model related methods.
	CreatePersona(ctx context.Context, create *Persona) (*Persona, error)
	GetPersona(ctx context.Context, username string, personaID int32) (*Persona, error)
	ListPersonas(ctx context.Context, username string) ([]*Persona, error)
	UpdatePersona(ctx context.Context, update *UpdatePersona) (*Persona, error)
	DeletePersona(ctx context.Context, username string, personaID int32) error

	// API profile model related methods.
	CreateAPIProfile(ctx context.Context, create *APIProfile) (*APIProfile, error)
	GetAPIProfile(ctx context.Context, username string, profileID int32) (*APIProfile, error)
	ListAPIProfiles(ctx context.Context, username string) ([]*APIProfile, error)
	UpdateAPIProfile(ctx context.Context, update *UpdateAPIProfile) (*APIProfile, error)
	DeleteAPIProfile(ctx context.Context, username string, profileID int32) error
	GetUserEmbeddingProfile(ctx context.Context, username string) (*APIProfile, error)
	SetUserEmbeddingProfile(ctx context.Context, username string, profileID *int32) error
}

// ErrNotFound is returned by drivers when the requested row does not exist.
var ErrNotFound = errors.New("not found")
