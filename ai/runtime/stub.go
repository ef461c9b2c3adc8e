package runtime

import (
	"context"
	"fmt"

	"github.com/wzp-123777/Mul-in-ONE/ai/session"
	"github.com/wzp-123777/Mul-in-ONE/store"
)

// StubAdapter echoes the inbound message back as a single agent reply. It
// backs MUL_IN_ONE_RUNTIME_MODE=stub for deployment smoke tests where no
// LLM credentials are available.
type StubAdapter struct{}

// NewStubAdapter builds the echo adapter.
func NewStubAdapter() *StubAdapter {
	return &StubAdapter{}
}

// InvokeStream replies as the session's first participant with
// "{sender}:{content}".
func (a *StubAdapter) InvokeStream(ctx context.Context, sess *store.Session, msg *session.Message) (<-chan session.StreamEvent, error) {
	sender := "assistant"
	if len(sess.Participants) > 0 {
		sender = sess.Participants[0].Name
	}
	echo := fmt.Sprintf("%s:%s", msg.Sender, msg.Content)

	out := make(chan session.StreamEvent, 3)
	out <- session.StreamEvent{Event: session.EventAgentStart, Data: map[string]any{"sender": sender}}
	out <- session.StreamEvent{Event: session.EventAgentChunk, Data: map[string]any{"sender": sender, "content": echo}}
	out <- session.StreamEvent{Event: session.EventAgentEnd, Data: map[string]any{"sender": sender, "content": echo}}
	close(out)
	return out, nil
}
