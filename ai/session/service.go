package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/wzp-123777/Mul-in-ONE/ai/conversation"
	"github.com/wzp-123777/Mul-in-ONE/ai/metrics"
	"github.com/wzp-123777/Mul-in-ONE/store"
)

// defaultHistoryLimit caps the stored context attached to each inbound
// message.
const defaultHistoryLimit = 50

var (
	// ErrSessionNotFound marks lookups for sessions that do not exist.
	ErrSessionNotFound = errors.New("session not found")
	// ErrRateLimited marks messages rejected by the per-session limiter.
	ErrRateLimited = errors.New("rate limited")
)

// Service orchestrates session lifecycle: it owns the runtime per session
// and routes inbound messages, stop requests and subscriptions to it.
type Service struct {
	store   *store.Store
	adapter Adapter

	mu       sync.Mutex
	runtimes map[string]*Runtime
	limiters map[string]*rate.Limiter
}

// NewService builds the orchestration service.
func NewService(st *store.Store, adapter Adapter) *Service {
	return &Service{
		store:    st,
		adapter:  adapter,
		runtimes: map[string]*Runtime{},
		limiters: map[string]*rate.Limiter{},
	}
}

// CreateSessionRequest carries the fields of a new group chat.
type CreateSessionRequest struct {
	Username        string
	Title           string
	UserDisplayName string
	UserHandle      string
	UserPersona     string
	PersonaIDs      []int32
}

// CreateSession creates a session bound to the given personas.
func (s *Service) CreateSession(ctx context.Context, req *CreateSessionRequest) (*store.Session, error) {
	participants := make([]*store.Persona, 0, len(req.PersonaIDs))
	for _, id := range req.PersonaIDs {
		persona, err := s.store.GetPersona(ctx, req.Username, id)
		if err != nil {
			return nil, errors.Wrapf(err, "persona %d", id)
		}
		participants = append(participants, persona)
	}

	create := &store.Session{
		ID:              shortuuid.New(),
		Username:        req.Username,
		Title:           req.Title,
		UserDisplayName: req.UserDisplayName,
		UserHandle:      req.UserHandle,
		UserPersona:     req.UserPersona,
		CreatedTs:       time.Now().Unix(),
		Participants:    participants,
	}
	return s.store.CreateSession(ctx, create)
}

// GetSession loads one session.
func (s *Service) GetSession(ctx context.Context, sessionID string) (*store.Session, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	return sess, err
}

// ListSessions lists a user's sessions, newest first.
func (s *Service) ListSessions(ctx context.Context, username string) ([]*store.Session, error) {
	return s.store.ListSessions(ctx, &store.FindSession{Username: &username})
}

// UpdateSessionMetadata patches session fields and refreshes the live
// runtime's snapshot so the change applies from the next turn.
func (s *Service) UpdateSessionMetadata(ctx context.Context, update *store.UpdateSessionMetadata) (*store.Session, error) {
	sess, err := s.store.UpdateSessionMetadata(ctx, update)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	s.refreshRuntime(sess)
	return sess, nil
}

// UpdateSessionParticipants replaces the participant set.
func (s *Service) UpdateSessionParticipants(ctx context.Context, sessionID string, personaIDs []int32) (*store.Session, error) {
	sess, err := s.store.UpdateSessionParticipants(ctx, sessionID, personaIDs)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	s.refreshRuntime(sess)
	return sess, nil
}

// DeleteSession removes a session and stops its runtime.
func (s *Service) DeleteSession(ctx context.Context, sessionID string) error {
	err := s.store.DeleteSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrSessionNotFound
	}
	if err != nil {
		return err
	}
	s.dropRuntime(sessionID)
	return nil
}

// DeleteSessions removes a batch of sessions.
func (s *Service) DeleteSessions(ctx context.Context, sessionIDs []string) error {
	if err := s.store.DeleteSessions(ctx, sessionIDs); err != nil {
		return err
	}
	for _, id := range sessionIDs {
		s.dropRuntime(id)
	}
	return nil
}

// ListMessages returns the newest messages in chronological order.
func (s *Service) ListMessages(ctx context.Context, sessionID string, limit int) ([]*store.Message, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.store.ListMessages(ctx, &store.FindMessage{SessionID: sessionID, Limit: limit})
}

// EnqueueMessage accepts one user message. While a turn is streaming, an
// explicit stop command force-stops the session instead of being queued,
// and any other message raises the interrupt flag so the running turn
// yields after its current round.
func (s *Service) EnqueueMessage(ctx context.Context, sessionID, sender, content string) error {
	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if !s.limiter(sessionID).Allow() {
		return ErrRateLimited
	}

	runtime := s.ensureRuntime(sess)

	if runtime.IsStreaming() {
		if conversation.IsExplicitStop(content) {
			slog.Info("explicit stop received", "session_id", sessionID)
			runtime.ForceStop(ReasonUserExplicitStop)
			return nil
		}
		RequestInterrupt(sessionID)
	}

	userMsg := &store.Message{
		ID:         shortuuid.New(),
		SessionID:  sessionID,
		SenderType: store.SenderTypeUser,
		Sender:     sender,
		Content:    content,
		CreatedTs:  time.Now().Unix(),
	}
	if _, err := s.store.AddMessage(ctx, userMsg); err != nil {
		return errors.Wrap(err, "failed to persist user message")
	}

	history, err := s.prepareHistory(ctx, sess, userMsg.ID)
	if err != nil {
		return err
	}

	targets := make([]string, 0, len(sess.Participants))
	for _, p := range sess.Participants {
		targets = append(targets, p.Handle)
	}

	runtime.Enqueue(&Message{
		SessionID:      sessionID,
		Sender:         sender,
		Content:        content,
		History:        history,
		UserPersona:    sess.UserPersona,
		TargetPersonas: targets,
	})
	metrics.MessagesEnqueued.Inc()
	return nil
}

// Subscribe attaches a subscriber to the session's event stream, starting
// the worker if needed.
func (s *Service) Subscribe(ctx context.Context, sessionID string) (*Subscription, error) {
	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return s.ensureRuntime(sess).Subscribe(), nil
}

// StopSession force-stops the session's running turn.
func (s *Service) StopSession(ctx context.Context, sessionID string, reason string) error {
	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	s.ensureRuntime(sess).ForceStop(reason)
	return nil
}

// Shutdown stops every live runtime.
func (s *Service) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.runtimes {
		r.Stop()
	}
	s.runtimes = map[string]*Runtime{}
}

// prepareHistory loads the latest persisted messages, excluding the message
// just appended, and prepends the user's self-description when present.
func (s *Service) prepareHistory(ctx context.Context, sess *store.Session, excludeID string) ([]HistoryEntry, error) {
	msgs, err := s.store.ListMessages(ctx, &store.FindMessage{
		SessionID: sess.ID,
		Limit:     defaultHistoryLimit,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to load history")
	}

	history := []HistoryEntry{}
	if sess.UserPersona != "" {
		history = append(history, HistoryEntry{Sender: "user_persona", Content: sess.UserPersona})
	}
	for _, m := range msgs {
		if m.ID == excludeID {
			continue
		}
		history = append(history, HistoryEntry{Sender: m.Sender, Content: m.Content})
	}
	return history, nil
}

// ensureRuntime returns the session's runtime, creating and starting one on
// first use. An existing runtime gets the fresh session snapshot.
func (s *Service) ensureRuntime(sess *store.Session) *Runtime {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runtimes[sess.ID]
	if !ok {
		r = newRuntime(sess, s.adapter, s.store, defaultHistoryLimit)
		s.runtimes[sess.ID] = r
	} else {
		r.setSession(sess)
	}
	r.Start()
	return r
}

func (s *Service) refreshRuntime(sess *store.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.runtimes[sess.ID]; ok {
		r.setSession(sess)
	}
}

func (s *Service) dropRuntime(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.runtimes[sessionID]; ok {
		r.Stop()
		delete(s.runtimes, sessionID)
	}
	delete(s.limiters, sessionID)
}

// limiter returns the session's message limiter: one message per second
// with a small burst for quick follow-ups.
func (s *Service) limiter(sessionID string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[sessionID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(1), 5)
		s.limiters[sessionID] = l
	}
	return l
}
