// Package session owns the per-session worker, its event fan-out and the
// orchestration service in front of both.
package session

// Event names flowing to WebSocket subscribers.
const (
	EventAgentStart         = "agent.start"
	EventAgentChunk         = "agent.chunk"
	EventAgentEnd           = "agent.end"
	EventSessionStopped     = "session.stopped"
	EventSessionInterrupted = "session.interrupted"
)

// Stop reasons.
const (
	ReasonForceStop        = "force_stop"
	ReasonUserExplicitStop = "user_explicit_stop"
)

// StreamEvent is one structured frame delivered to subscribers.
type StreamEvent struct {
	Event string         `json:"event"`
	Data  map[string]any `json:"data"`
}

// HistoryEntry is one stored message attached to an inbound message.
type HistoryEntry struct {
	Sender  string `json:"sender"`
	Content string `json:"content"`
}

// Message is one inbound user message with the context the worker attaches
// before processing.
type Message struct {
	SessionID string
	Sender    string
	Content   string

	// Attached by the service during history preparation.
	History        []HistoryEntry
	UserPersona    string
	TargetPersonas []string
}
