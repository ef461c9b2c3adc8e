// Package memstore implements the store driver in process memory.
// It backs MUL_IN_ONE_SESSION_REPO=memory and the test suite, so no
// Postgres instance is needed for either.
package memstore

import (
	"context"
	"database/sql"
	"sort"
	"sync"

	"github.com/wzp-123777/Mul-in-ONE/store"
)

// DB is an in-memory store driver guarded by a single mutex.
type DB struct {
	mu sync.RWMutex

	sessions     map[string]*store.Session
	messages     map[string][]*store.Message // session id -> chronological
	participants map[string][]int32          // session id -> persona ids
	personas     map[string]*userPersonas    // username -> personas
	apiProfiles  map[string]*userProfiles    // username -> profiles
	embedding    map[string]*int32           // username -> embedding profile id
}

type userPersonas struct {
	nextID int32
	items  map[int32]*store.Persona
}

type userProfiles struct {
	nextID int32
	items  map[int32]*store.APIProfile
}

// NewDB creates an empty in-memory driver.
func NewDB() *DB {
	return &DB{
		sessions:     map[string]*store.Session{},
		messages:     map[string][]*store.Message{},
		participants: map[string][]int32{},
		personas:     map[string]*userPersonas{},
		apiProfiles:  map[string]*userProfiles{},
		embedding:    map[string]*int32{},
	}
}

func (d *DB) GetDB() *sql.DB { return nil }

func (d *DB) Close() error { return nil }

func (d *DB) Migrate(ctx context.Context) error { return nil }

// Session model.

func (d *DB) CreateSession(ctx context.Context, create *store.Session) (*store.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := *create
	s.Participants = nil
	d.sessions[s.ID] = &s

	ids := make([]int32, 0, len(create.Participants))
	for _, p := range create.Participants {
		ids = append(ids, p.ID)
	}
	d.participants[s.ID] = ids
	return d.getSessionLocked(s.ID)
}

func (d *DB) GetSession(ctx context.Context, sessionID string) (*store.Session, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.getSessionLocked(sessionID)
}

func (d *DB) getSessionLocked(sessionID string) (*store.Session, error) {
	s, ok := d.sessions[sessionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := *s
	out.Participants = d.participantsLocked(sessionID)
	return &out, nil
}

// participantsLocked resolves participant personas ordered by persona id.
func (d *DB) participantsLocked(sessionID string) []*store.Persona {
	session := d.sessions[sessionID]
	personas := []*store.Persona{}
	up := d.personas[session.Username]
	for _, id := range d.participants[sessionID] {
		if up == nil {
			continue
		}
		if p, ok := up.items[id]; ok {
			personas = append(personas, d.resolvePersonaLocked(p))
		}
	}
	sort.Slice(personas, func(i, j int) bool { return personas[i].ID < personas[j].ID })
	return personas
}

func (d *DB) ListSessions(ctx context.Context, find *store.FindSession) ([]*store.Session, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	sessions := []*store.Session{}
	for id, s := range d.sessions {
		if find.Username != nil && s.Username != *find.Username {
			continue
		}
		if find.ID != nil && s.ID != *find.ID {
			continue
		}
		out, err := d.getSessionLocked(id)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, out)
	}
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].CreatedTs != sessions[j].CreatedTs {
			return sessions[i].CreatedTs > sessions[j].CreatedTs
		}
		return sessions[i].ID < sessions[j].ID
	})
	return sessions, nil
}

func (d *DB) UpdateSessionMetadata(ctx context.Context, update *store.UpdateSessionMetadata) (*store.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	s, ok := d.sessions[update.SessionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if v := update.Title; v != nil {
		s.Title = *v
	}
	if v := update.UserDisplayName; v != nil {
		s.UserDisplayName = *v
	}
	if v := update.UserHandle; v != nil {
		s.UserHandle = *v
	}
	if v := update.UserPersona; v != nil {
		s.UserPersona = *v
	}
	return d.getSessionLocked(update.SessionID)
}

func (d *DB) UpdateSessionParticipants(ctx context.Context, sessionID string, personaIDs []int32) (*store.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.sessions[sessionID]; !ok {
		return nil, store.ErrNotFound
	}
	seen := map[int32]bool{}
	ids := make([]int32, 0, len(personaIDs))
	for _, id := range personaIDs {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	d.participants[sessionID] = ids
	return d.getSessionLocked(sessionID)
}

func (d *DB) DeleteSession(ctx context.Context, sessionID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.sessions[sessionID]; !ok {
		return store.ErrNotFound
	}
	delete(d.sessions, sessionID)
	delete(d.messages, sessionID)
	delete(d.participants, sessionID)
	return nil
}

func (d *DB) DeleteSessions(ctx context.Context, sessionIDs []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, id := range sessionIDs {
		delete(d.sessions, id)
		delete(d.messages, id)
		delete(d.participants, id)
	}
	return nil
}

// Message model.

func (d *DB) AddMessage(ctx context.Context, create *store.Message) (*store.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.sessions[create.SessionID]; !ok {
		return nil, store.ErrNotFound
	}
	m := *create
	d.messages[create.SessionID] = append(d.messages[create.SessionID], &m)
	return &m, nil
}

func (d *DB) ListMessages(ctx context.Context, find *store.FindMessage) ([]*store.Message, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	all := d.messages[find.SessionID]
	start := 0
	if find.Limit > 0 && len(all) > find.Limit {
		start = len(all) - find.Limit
	}
	out := make([]*store.Message, 0, len(all)-start)
	for _, m := range all[start:] {
		copied := *m
		out = append(out, &copied)
	}
	return out, nil
}

// Persona model.

func (d *DB) userPersonasLocked(username string) *userPersonas {
	up, ok := d.personas[username]
	if !ok {
		up = &userPersonas{items: map[int32]*store.Persona{}}
		d.personas[username] = up
	}
	return up
}

// resolvePersonaLocked fills the credential fields from the bound API
// profile, mirroring the Postgres join.
func (d *DB) resolvePersonaLocked(p *store.Persona) *store.Persona {
	out := *p
	if p.APIProfileID == nil {
		return &out
	}
	profiles := d.apiProfiles[p.Username]
	if profiles == nil {
		return &out
	}
	ap, ok := profiles.items[*p.APIProfileID]
	if !ok {
		return &out
	}
	out.APIModel = ap.Model
	out.APIBaseURL = ap.BaseURL
	out.APIKey = ap.APIKeyCipher
	t := ap.Temperature
	out.Temperature = &t
	return &out
}

func (d *DB) CreatePersona(ctx context.Context, create *store.Persona) (*store.Persona, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	up := d.userPersonasLocked(create.Username)
	up.nextID++
	p := *create
	p.ID = up.nextID
	up.items[p.ID] = &p
	return d.resolvePersonaLocked(&p), nil
}

func (d *DB) GetPersona(ctx context.Context, username string, personaID int32) (*store.Persona, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	up := d.personas[username]
	if up == nil {
		return nil, store.ErrNotFound
	}
	p, ok := up.items[personaID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return d.resolvePersonaLocked(p), nil
}

func (d *DB) ListPersonas(ctx context.Context, username string) ([]*store.Persona, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	personas := []*store.Persona{}
	if up := d.personas[username]; up != nil {
		for _, p := range up.items {
			personas = append(personas, d.resolvePersonaLocked(p))
		}
	}
	sort.Slice(personas, func(i, j int) bool { return personas[i].ID < personas[j].ID })
	return personas, nil
}

func (d *DB) UpdatePersona(ctx context.Context, update *store.UpdatePersona) (*store.Persona, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	up := d.personas[update.Username]
	if up == nil {
		return nil, store.ErrNotFound
	}
	p, ok := up.items[update.PersonaID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if v := update.Name; v != nil {
		p.Name = *v
	}
	if v := update.Handle; v != nil {
		p.Handle = *v
	}
	if v := update.Prompt; v != nil {
		p.Prompt = *v
	}
	if v := update.Tone; v != nil {
		p.Tone = *v
	}
	if v := update.Proactivity; v != nil {
		p.Proactivity = *v
	}
	if v := update.MemoryWindow; v != nil {
		p.MemoryWindow = *v
	}
	if v := update.MaxAgentsPerTurn; v != nil {
		p.MaxAgentsPerTurn = *v
	}
	if v := update.Background; v != nil {
		p.Background = *v
	}
	if update.ClearAPIProfile {
		p.APIProfileID = nil
	} else if v := update.APIProfileID; v != nil {
		id := *v
		p.APIProfileID = &id
	}
	return d.resolvePersonaLocked(p), nil
}

func (d *DB) DeletePersona(ctx context.Context, username string, personaID int32) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	up := d.personas[username]
	if up == nil {
		return store.ErrNotFound
	}
	if _, ok := up.items[personaID]; !ok {
		return store.ErrNotFound
	}
	delete(up.items, personaID)
	for sid, ids := range d.participants {
		kept := ids[:0]
		for _, id := range ids {
			if id != personaID {
				kept = append(kept, id)
			}
		}
		d.participants[sid] = kept
	}
	return nil
}

// API profile model.

func (d *DB) userProfilesLocked(username string) *userProfiles {
	up, ok := d.apiProfiles[username]
	if !ok {
		up = &userProfiles{items: map[int32]*store.APIProfile{}}
		d.apiProfiles[username] = up
	}
	return up
}

func (d *DB) CreateAPIProfile(ctx context.Context, create *store.APIProfile) (*store.APIProfile, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	up := d.userProfilesLocked(create.Username)
	up.nextID++
	p := *create
	p.ID = up.nextID
	up.items[p.ID] = &p
	out := p
	return &out, nil
}

func (d *DB) GetAPIProfile(ctx context.Context, username string, profileID int32) (*store.APIProfile, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	up := d.apiProfiles[username]
	if up == nil {
		return nil, store.ErrNotFound
	}
	p, ok := up.items[profileID]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := *p
	return &out, nil
}

func (d *DB) ListAPIProfiles(ctx context.Context, username string) ([]*store.APIProfile, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	profiles := []*store.APIProfile{}
	if up := d.apiProfiles[username]; up != nil {
		for _, p := range up.items {
			out := *p
			profiles = append(profiles, &out)
		}
	}
	sort.Slice(profiles, func(i, j int) bool { return profiles[i].ID < profiles[j].ID })
	return profiles, nil
}

func (d *DB) UpdateAPIProfile(ctx context.Context, update *store.UpdateAPIProfile) (*store.APIProfile, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	up := d.apiProfiles[update.Username]
	if up == nil {
		return nil, store.ErrNotFound
	}
	p, ok := up.items[update.ProfileID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if v := update.Name; v != nil {
		p.Name = *v
	}
	if v := update.BaseURL; v != nil {
		p.BaseURL = *v
	}
	if v := update.Model; v != nil {
		p.Model = *v
	}
	if v := update.APIKeyCipher; v != nil {
		p.APIKeyCipher = *v
	}
	if v := update.Temperature; v != nil {
		p.Temperature = *v
	}
	if v := update.IsEmbedding; v != nil {
		p.IsEmbedding = *v
	}
	if v := update.EmbeddingDim; v != nil {
		p.EmbeddingDim = *v
	}
	out := *p
	return &out, nil
}

func (d *DB) DeleteAPIProfile(ctx context.Context, username string, profileID int32) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	up := d.apiProfiles[username]
	if up == nil {
		return store.ErrNotFound
	}
	if _, ok := up.items[profileID]; !ok {
		return store.ErrNotFound
	}
	delete(up.items, profileID)
	if personas := d.personas[username]; personas != nil {
		for _, p := range personas.items {
			if p.APIProfileID != nil && *p.APIProfileID == profileID {
				p.APIProfileID = nil
			}
		}
	}
	if id := d.embedding[username]; id != nil && *id == profileID {
		d.embedding[username] = nil
	}
	return nil
}

func (d *DB) GetUserEmbeddingProfile(ctx context.Context, username string) (*store.APIProfile, error) {
	d.mu.RLock()
	id := d.embedding[username]
	d.mu.RUnlock()
	if id == nil {
		return nil, store.ErrNotFound
	}
	return d.GetAPIProfile(ctx, username, *id)
}

func (d *DB) SetUserEmbeddingProfile(ctx context.Context, username string, profileID *int32) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if profileID == nil {
		d.embedding[username] = nil
		return nil
	}
	id := *profileID
	d.embedding[username] = &id
	return nil
}
