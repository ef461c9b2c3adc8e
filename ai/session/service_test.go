package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wzp-123777/Mul-in-ONE/internal/profile"
	"github.com/wzp-123777/Mul-in-ONE/store"
	"github.com/wzp-123777/Mul-in-ONE/store/memstore"
)

// scriptedAdapter emits a fixed event script per invocation and records what
// it was asked to run.
type scriptedAdapter struct {
	script  []StreamEvent
	delay   time.Duration
	invoked chan *Message
}

func newScriptedAdapter(script []StreamEvent) *scriptedAdapter {
	return &scriptedAdapter{script: script, invoked: make(chan *Message, 16)}
}

func (a *scriptedAdapter) InvokeStream(ctx context.Context, sess *store.Session, msg *Message) (<-chan StreamEvent, error) {
	a.invoked <- msg
	out := make(chan StreamEvent, len(a.script))
	go func() {
		defer close(out)
		for _, ev := range a.script {
			if a.delay > 0 {
				select {
				case <-time.After(a.delay):
				case <-ctx.Done():
					return
				}
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func newTestService(t *testing.T, adapter Adapter) (*Service, *store.Store) {
	t.Helper()
	st := store.New(memstore.NewDB(), &profile.Profile{SessionRepo: "memory"})
	return NewService(st, adapter), st
}

func createTestSession(t *testing.T, svc *Service, st *store.Store) *store.Session {
	t.Helper()
	ctx := context.Background()
	persona, err := st.CreatePersona(ctx, &store.Persona{
		Username: "wang", Name: "Ada", Handle: "ada", Proactivity: 0.8,
	})
	require.NoError(t, err)
	sess, err := svc.CreateSession(ctx, &CreateSessionRequest{
		Username:        "wang",
		Title:           "周末闲聊",
		UserDisplayName: "老王",
		UserHandle:      "wang",
		PersonaIDs:      []int32{persona.ID},
	})
	require.NoError(t, err)
	return sess
}

func agentScript(sender string, chunks ...string) []StreamEvent {
	events := []StreamEvent{
		{Event: EventAgentStart, Data: map[string]any{"sender": sender}},
	}
	for _, c := range chunks {
		events = append(events, StreamEvent{
			Event: EventAgentChunk,
			Data:  map[string]any{"sender": sender, "content": c},
		})
	}
	events = append(events, StreamEvent{
		Event: EventAgentEnd,
		Data:  map[string]any{"sender": sender, "content": ""},
	})
	return events
}

func drainUntil(t *testing.T, sub *Subscription, stop func(StreamEvent) bool) []StreamEvent {
	t.Helper()
	var got []StreamEvent
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				return got
			}
			got = append(got, ev)
			if stop(ev) {
				return got
			}
		case <-deadline:
			t.Fatalf("timed out, got %d events", len(got))
		}
	}
}

func TestTurnEmitsPairedStartAndEnd(t *testing.T) {
	adapter := newScriptedAdapter(agentScript("Ada", "你好", "，世界"))
	svc, st := newTestService(t, adapter)
	sess := createTestSession(t, svc, st)

	sub, err := svc.Subscribe(context.Background(), sess.ID)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, svc.EnqueueMessage(context.Background(), sess.ID, "老王", "大家好"))

	events := drainUntil(t, sub, func(ev StreamEvent) bool { return ev.Event == EventAgentEnd })
	require.Len(t, events, 4)
	assert.Equal(t, EventAgentStart, events[0].Event)
	assert.Equal(t, EventAgentChunk, events[1].Event)
	assert.Equal(t, EventAgentChunk, events[2].Event)
	assert.Equal(t, EventAgentEnd, events[3].Event)

	// One message id spans the whole start..end sequence.
	id := events[0].Data["message_id"]
	require.NotEmpty(t, id)
	for _, ev := range events[1:] {
		assert.Equal(t, id, ev.Data["message_id"])
	}
	assert.Equal(t, sess.ID, events[0].Data["session_id"])

	// The empty end content was reassembled from the chunks.
	assert.Equal(t, "你好，世界", events[3].Data["content"])
	assert.NotEmpty(t, events[3].Data["persisted_message_id"])
	assert.NotEmpty(t, events[3].Data["timestamp"])
}

func TestAgentEndPersistsMessage(t *testing.T) {
	adapter := newScriptedAdapter(agentScript("Ada", "回复"))
	svc, st := newTestService(t, adapter)
	sess := createTestSession(t, svc, st)

	sub, err := svc.Subscribe(context.Background(), sess.ID)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, svc.EnqueueMessage(context.Background(), sess.ID, "老王", "说点什么"))
	drainUntil(t, sub, func(ev StreamEvent) bool { return ev.Event == EventAgentEnd })

	msgs, err := st.ListMessages(context.Background(), &store.FindMessage{SessionID: sess.ID})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, store.SenderTypeUser, msgs[0].SenderType)
	assert.Equal(t, "说点什么", msgs[0].Content)
	assert.Equal(t, store.SenderTypeAgent, msgs[1].SenderType)
	assert.Equal(t, "Ada", msgs[1].Sender)
	assert.Equal(t, "回复", msgs[1].Content)
}

func TestMissingEndIsSynthesized(t *testing.T) {
	// The adapter never sends agent.end; the worker must flush one.
	adapter := newScriptedAdapter([]StreamEvent{
		{Event: EventAgentStart, Data: map[string]any{"sender": "Ada"}},
		{Event: EventAgentChunk, Data: map[string]any{"sender": "Ada", "content": "半句话"}},
	})
	svc, st := newTestService(t, adapter)
	sess := createTestSession(t, svc, st)

	sub, err := svc.Subscribe(context.Background(), sess.ID)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, svc.EnqueueMessage(context.Background(), sess.ID, "老王", "hi"))
	events := drainUntil(t, sub, func(ev StreamEvent) bool { return ev.Event == EventAgentEnd })

	end := events[len(events)-1]
	assert.Equal(t, "半句话", end.Data["content"])
	assert.Equal(t, events[0].Data["message_id"], end.Data["message_id"])

	msgs, err := st.ListMessages(context.Background(), &store.FindMessage{SessionID: sess.ID})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "半句话", msgs[1].Content)
}

func TestForceStopEmitsSingleStoppedEvent(t *testing.T) {
	adapter := newScriptedAdapter(agentScript("Ada", "a", "b", "c"))
	adapter.delay = 50 * time.Millisecond
	svc, st := newTestService(t, adapter)
	sess := createTestSession(t, svc, st)

	sub, err := svc.Subscribe(context.Background(), sess.ID)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, svc.EnqueueMessage(context.Background(), sess.ID, "老王", "hi"))
	<-adapter.invoked

	require.NoError(t, svc.StopSession(context.Background(), sess.ID, ""))

	events := drainUntil(t, sub, func(ev StreamEvent) bool { return ev.Event == EventSessionStopped })
	stopped := events[len(events)-1]
	assert.Equal(t, ReasonForceStop, stopped.Data["reason"])
	assert.Equal(t, sess.ID, stopped.Data["session_id"])
	assert.NotEmpty(t, stopped.Data["timestamp"])
}

func TestExplicitStopWhileStreamingIsNotPersisted(t *testing.T) {
	adapter := newScriptedAdapter(agentScript("Ada", "a", "b", "c", "d"))
	adapter.delay = 100 * time.Millisecond
	svc, st := newTestService(t, adapter)
	sess := createTestSession(t, svc, st)

	sub, err := svc.Subscribe(context.Background(), sess.ID)
	require.NoError(t, err)
	defer sub.Close()

	ctx := context.Background()
	require.NoError(t, svc.EnqueueMessage(ctx, sess.ID, "老王", "开始聊"))
	<-adapter.invoked
	// Give the worker a beat to mark itself streaming.
	require.Eventually(t, func() bool {
		return svc.runtimes[sess.ID].IsStreaming()
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, svc.EnqueueMessage(ctx, sess.ID, "老王", "停止对话"))

	events := drainUntil(t, sub, func(ev StreamEvent) bool { return ev.Event == EventSessionStopped })
	assert.Equal(t, ReasonUserExplicitStop, events[len(events)-1].Data["reason"])

	// The stop command itself never reaches the transcript.
	msgs, err := st.ListMessages(ctx, &store.FindMessage{SessionID: sess.ID})
	require.NoError(t, err)
	for _, m := range msgs {
		assert.NotEqual(t, "停止对话", m.Content)
	}
}

// stubbornAdapter ignores cancellation and keeps emitting until released,
// the way a blocked upstream call would.
type stubbornAdapter struct {
	invoked chan struct{}
	release chan struct{}
}

func newStubbornAdapter() *stubbornAdapter {
	return &stubbornAdapter{
		invoked: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
}

func (a *stubbornAdapter) InvokeStream(ctx context.Context, sess *store.Session, msg *Message) (<-chan StreamEvent, error) {
	a.invoked <- struct{}{}
	out := make(chan StreamEvent, 8)
	go func() {
		defer close(out)
		out <- StreamEvent{Event: EventAgentStart, Data: map[string]any{"sender": "Ada"}}
		out <- StreamEvent{Event: EventAgentChunk, Data: map[string]any{"sender": "Ada", "content": "前半"}}
		<-a.release
		out <- StreamEvent{Event: EventAgentChunk, Data: map[string]any{"sender": "Ada", "content": "迟到的后半"}}
		out <- StreamEvent{Event: EventAgentEnd, Data: map[string]any{"sender": "Ada", "content": "前半迟到的后半"}}
	}()
	return out, nil
}

func TestNoEventsAfterForceStop(t *testing.T) {
	adapter := newStubbornAdapter()
	svc, st := newTestService(t, adapter)
	sess := createTestSession(t, svc, st)

	sub, err := svc.Subscribe(context.Background(), sess.ID)
	require.NoError(t, err)
	defer sub.Close()

	ctx := context.Background()
	require.NoError(t, svc.EnqueueMessage(ctx, sess.ID, "老王", "hi"))
	<-adapter.invoked
	drainUntil(t, sub, func(ev StreamEvent) bool { return ev.Event == EventAgentChunk })

	require.NoError(t, svc.StopSession(ctx, sess.ID, ""))
	drainUntil(t, sub, func(ev StreamEvent) bool { return ev.Event == EventSessionStopped })

	// The adapter now emits post-cancellation events; none may reach the
	// subscriber and none may be persisted.
	close(adapter.release)
	select {
	case ev, ok := <-sub.C:
		if ok {
			t.Fatalf("event %q delivered after session.stopped", ev.Event)
		}
	case <-time.After(300 * time.Millisecond):
	}

	msgs, err := st.ListMessages(ctx, &store.FindMessage{SessionID: sess.ID})
	require.NoError(t, err)
	for _, m := range msgs {
		assert.NotEqual(t, store.SenderTypeAgent, m.SenderType)
	}
}

func TestOrdinaryMessageWhileStreamingSetsInterrupt(t *testing.T) {
	adapter := newScriptedAdapter(agentScript("Ada", "a", "b"))
	adapter.delay = 100 * time.Millisecond
	svc, st := newTestService(t, adapter)
	sess := createTestSession(t, svc, st)

	sub, err := svc.Subscribe(context.Background(), sess.ID)
	require.NoError(t, err)
	defer sub.Close()

	ctx := context.Background()
	require.NoError(t, svc.EnqueueMessage(ctx, sess.ID, "老王", "第一句"))
	<-adapter.invoked
	require.Eventually(t, func() bool {
		return svc.runtimes[sess.ID].IsStreaming()
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, svc.EnqueueMessage(ctx, sess.ID, "老王", "等等，先听我说"))
	assert.True(t, PeekInterrupt(sess.ID))

	// Unlike the stop command, an ordinary message is persisted and queued.
	msgs, err := st.ListMessages(ctx, &store.FindMessage{SessionID: sess.ID})
	require.NoError(t, err)
	contents := []string{}
	for _, m := range msgs {
		if m.SenderType == store.SenderTypeUser {
			contents = append(contents, m.Content)
		}
	}
	assert.Contains(t, contents, "等等，先听我说")

	ConsumeInterrupt(sess.ID)
}

func TestEnqueueUnknownSession(t *testing.T) {
	svc, _ := newTestService(t, newScriptedAdapter(nil))
	err := svc.EnqueueMessage(context.Background(), "missing", "老王", "hi")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = svc.Subscribe(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestHistoryPreparation(t *testing.T) {
	adapter := newScriptedAdapter(agentScript("Ada", "ok"))
	svc, st := newTestService(t, adapter)
	sess := createTestSession(t, svc, st)

	ctx := context.Background()
	_, err := svc.UpdateSessionMetadata(ctx, &store.UpdateSessionMetadata{
		SessionID:   sess.ID,
		UserPersona: strPtr("一位养了三只猫的程序员"),
	})
	require.NoError(t, err)

	_, err = st.AddMessage(ctx, &store.Message{
		ID: "m1", SessionID: sess.ID, SenderType: store.SenderTypeUser,
		Sender: "老王", Content: "昨天聊到哪了", CreatedTs: 1,
	})
	require.NoError(t, err)

	require.NoError(t, svc.EnqueueMessage(ctx, sess.ID, "老王", "继续吧"))
	msg := <-adapter.invoked

	// Synthetic persona entry first, then stored history, excluding the
	// message being processed.
	require.GreaterOrEqual(t, len(msg.History), 2)
	assert.Equal(t, "user_persona", msg.History[0].Sender)
	assert.Equal(t, "一位养了三只猫的程序员", msg.History[0].Content)
	assert.Equal(t, "昨天聊到哪了", msg.History[1].Content)
	for _, h := range msg.History {
		assert.NotEqual(t, "继续吧", h.Content)
	}
	assert.Equal(t, []string{"ada"}, msg.TargetPersonas)
}

func TestRateLimiterRejectsBurst(t *testing.T) {
	adapter := newScriptedAdapter(agentScript("Ada", "ok"))
	svc, st := newTestService(t, adapter)
	sess := createTestSession(t, svc, st)

	ctx := context.Background()
	var limited bool
	for i := 0; i < 20; i++ {
		if err := svc.EnqueueMessage(ctx, sess.ID, "老王", "刷屏"); err != nil {
			assert.ErrorIs(t, err, ErrRateLimited)
			limited = true
			break
		}
	}
	assert.True(t, limited)
}

func TestAgentMessageIDFormat(t *testing.T) {
	assert.Regexp(t, `^ada_[0-9a-f]{8}$`, agentMessageID("Ada"))

	// CJK persona names keep their sender prefix.
	assert.Regexp(t, `^小明_[0-9a-f]{8}$`, agentMessageID("小明"))
	assert.Regexp(t, `^小_明_2号_[0-9a-f]{8}$`, agentMessageID("小 明@2号"))

	// A name with no letters or digits at all falls back to "agent".
	assert.Regexp(t, `^agent_[0-9a-f]{8}$`, agentMessageID("！！！"))
}

func strPtr(s string) *string { return &s }
