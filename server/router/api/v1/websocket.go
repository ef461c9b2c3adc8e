package v1

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Browsers connect cross-origin in dev; auth happens at the proxy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// StreamEvents upgrades the connection and pumps the session's event stream
// until either side disconnects. An unknown session closes with policy
// violation (1008) after the upgrade, matching what browser clients expect.
func (s *SessionService) StreamEvents(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	sessionID := c.Param("id")
	sess, err := s.Sessions.GetSession(c.Request().Context(), sessionID)
	if err != nil || sess.Username != currentUsername(c) {
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unknown session")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteTimeout))
		return nil
	}

	sub, err := s.Sessions.Subscribe(c.Request().Context(), sessionID)
	if err != nil {
		return nil
	}
	defer sub.Close()

	// Reader goroutine: the client sends nothing meaningful, but reading is
	// required to notice disconnects and answer pings.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return nil
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return nil
			}
		case event, ok := <-sub.C:
			if !ok {
				// Dropped as a laggard: tell the client to reconnect.
				msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "event stream overflow")
				_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteTimeout))
				return nil
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(event); err != nil {
				slog.Debug("websocket write failed", "session_id", sessionID, "error", err)
				return nil
			}
		}
	}
}
