package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/wzp-123777/Mul-in-ONE/ai/session"
	"github.com/wzp-123777/Mul-in-ONE/store"
)

// SessionService handles the session REST surface.
type SessionService struct {
	Sessions     *session.Service
	Store        *store.Store
	HistoryLimit int
}

type sessionResponse struct {
	ID              string            `json:"id"`
	Title           string            `json:"title"`
	UserDisplayName string            `json:"user_display_name"`
	UserHandle      string            `json:"user_handle"`
	UserPersona     string            `json:"user_persona"`
	CreatedTs       int64             `json:"created_ts"`
	Participants    []personaResponse `json:"participants"`
}

func convertSession(s *store.Session) sessionResponse {
	participants := make([]personaResponse, 0, len(s.Participants))
	for _, p := range s.Participants {
		participants = append(participants, convertPersona(p))
	}
	return sessionResponse{
		ID:              s.ID,
		Title:           s.Title,
		UserDisplayName: s.UserDisplayName,
		UserHandle:      s.UserHandle,
		UserPersona:     s.UserPersona,
		CreatedTs:       s.CreatedTs,
		Participants:    participants,
	}
}

type createSessionRequest struct {
	Title           string  `json:"title"`
	UserDisplayName string  `json:"user_display_name"`
	UserHandle      string  `json:"user_handle"`
	UserPersona     string  `json:"user_persona"`
	PersonaIDs      []int32 `json:"persona_ids"`
}

func (s *SessionService) CreateSession(c echo.Context) error {
	req := &createSessionRequest{}
	if err := c.Bind(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}

	sess, err := s.Sessions.CreateSession(c.Request().Context(), &session.CreateSessionRequest{
		Username:        currentUsername(c),
		Title:           req.Title,
		UserDisplayName: req.UserDisplayName,
		UserHandle:      req.UserHandle,
		UserPersona:     req.UserPersona,
		PersonaIDs:      req.PersonaIDs,
	})
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusCreated, convertSession(sess))
}

func (s *SessionService) ListSessions(c echo.Context) error {
	sessions, err := s.Sessions.ListSessions(c.Request().Context(), currentUsername(c))
	if err != nil {
		return toHTTPError(err)
	}
	out := make([]sessionResponse, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, convertSession(sess))
	}
	return c.JSON(http.StatusOK, out)
}

// ownedSession loads the session and enforces tenant ownership; foreign
// sessions are indistinguishable from missing ones.
func (s *SessionService) ownedSession(c echo.Context) (*store.Session, error) {
	sess, err := s.Sessions.GetSession(c.Request().Context(), c.Param("id"))
	if err != nil {
		return nil, toHTTPError(err)
	}
	if sess.Username != currentUsername(c) {
		return nil, echo.NewHTTPError(http.StatusNotFound, "not found")
	}
	return sess, nil
}

func (s *SessionService) GetSession(c echo.Context) error {
	sess, err := s.ownedSession(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, convertSession(sess))
}

type updateSessionRequest struct {
	Title           *string `json:"title"`
	UserDisplayName *string `json:"user_display_name"`
	UserHandle      *string `json:"user_handle"`
	UserPersona     *string `json:"user_persona"`
}

func (s *SessionService) UpdateSession(c echo.Context) error {
	if _, err := s.ownedSession(c); err != nil {
		return err
	}
	req := &updateSessionRequest{}
	if err := c.Bind(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}

	sess, err := s.Sessions.UpdateSessionMetadata(c.Request().Context(), &store.UpdateSessionMetadata{
		SessionID:       c.Param("id"),
		Title:           req.Title,
		UserDisplayName: req.UserDisplayName,
		UserHandle:      req.UserHandle,
		UserPersona:     req.UserPersona,
	})
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, convertSession(sess))
}

type updateParticipantsRequest struct {
	PersonaIDs []int32 `json:"persona_ids"`
}

func (s *SessionService) UpdateParticipants(c echo.Context) error {
	if _, err := s.ownedSession(c); err != nil {
		return err
	}
	req := &updateParticipantsRequest{}
	if err := c.Bind(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}

	sess, err := s.Sessions.UpdateSessionParticipants(c.Request().Context(), c.Param("id"), req.PersonaIDs)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, convertSession(sess))
}

func (s *SessionService) DeleteSession(c echo.Context) error {
	if _, err := s.ownedSession(c); err != nil {
		return err
	}
	if err := s.Sessions.DeleteSession(c.Request().Context(), c.Param("id")); err != nil {
		return toHTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

type batchDeleteRequest struct {
	SessionIDs []string `json:"session_ids"`
}

func (s *SessionService) BatchDeleteSessions(c echo.Context) error {
	req := &batchDeleteRequest{}
	if err := c.Bind(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}

	// Only delete the caller's own sessions; unknown ids are skipped.
	username := currentUsername(c)
	owned := make([]string, 0, len(req.SessionIDs))
	for _, id := range req.SessionIDs {
		sess, err := s.Sessions.GetSession(c.Request().Context(), id)
		if err != nil || sess.Username != username {
			continue
		}
		owned = append(owned, id)
	}
	if err := s.Sessions.DeleteSessions(c.Request().Context(), owned); err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]int{"deleted": len(owned)})
}

type postMessageRequest struct {
	Sender  string `json:"sender"`
	Content string `json:"content"`
}

func (s *SessionService) PostMessage(c echo.Context) error {
	sess, err := s.ownedSession(c)
	if err != nil {
		return err
	}
	req := &postMessageRequest{}
	if err := c.Bind(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	if req.Content == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "content is required")
	}

	sender := req.Sender
	if sender == "" {
		sender = sess.UserDisplayName
	}
	if sender == "" {
		sender = "user"
	}

	if err := s.Sessions.EnqueueMessage(c.Request().Context(), sess.ID, sender, req.Content); err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusAccepted, map[string]string{
		"status":     "queued",
		"session_id": sess.ID,
	})
}

type messageResponse struct {
	ID         string `json:"id"`
	SenderType string `json:"sender_type"`
	Sender     string `json:"sender"`
	Content    string `json:"content"`
	CreatedTs  int64  `json:"created_ts"`
}

func (s *SessionService) ListMessages(c echo.Context) error {
	sess, err := s.ownedSession(c)
	if err != nil {
		return err
	}
	msgs, err := s.Sessions.ListMessages(c.Request().Context(), sess.ID, queryLimit(c, s.HistoryLimit))
	if err != nil {
		return toHTTPError(err)
	}
	out := make([]messageResponse, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageResponse{
			ID:         m.ID,
			SenderType: m.SenderType,
			Sender:     m.Sender,
			Content:    m.Content,
			CreatedTs:  m.CreatedTs,
		})
	}
	return c.JSON(http.StatusOK, out)
}

type stopSessionRequest struct {
	Reason string `json:"reason"`
}

func (s *SessionService) StopSession(c echo.Context) error {
	sess, err := s.ownedSession(c)
	if err != nil {
		return err
	}
	req := &stopSessionRequest{}
	_ = c.Bind(req)

	if err := s.Sessions.StopSession(c.Request().Context(), sess.ID, req.Reason); err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "stopped"})
}
