package conversation

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedInvoker replies with a fixed token script per persona.
type scriptedInvoker struct {
	replies map[string][]string
	calls   []*InvokePayload
}

func (s *scriptedInvoker) Stream(ctx context.Context, payload *InvokePayload) <-chan string {
	s.calls = append(s.calls, payload)
	tokens := s.replies[payload.PersonaName]
	out := make(chan string, len(tokens))
	for _, t := range tokens {
		out <- t
	}
	close(out)
	return out
}

type capturedEvent struct {
	event string
	data  map[string]any
}

func runLoop(t *testing.T, participants []Participant, inv *scriptedInvoker, cfg Config, input *TurnInput, interrupt func() bool) []capturedEvent {
	t.Helper()
	var events []capturedEvent
	emit := func(event string, data map[string]any) {
		events = append(events, capturedEvent{event: event, data: data})
	}
	loop := NewLoop("wang", participants, inv, emit, interrupt, cfg, rand.New(rand.NewSource(1)))
	loop.Run(context.Background(), input)
	return events
}

func TestMentionForcesSpeakerAndEventOrder(t *testing.T) {
	participants := []Participant{
		{ID: 1, Name: "Ada", Handle: "ada", Proactivity: 0.1},
		{ID: 2, Name: "Ben", Handle: "ben", Proactivity: 0.1},
	}
	inv := &scriptedInvoker{replies: map[string][]string{
		"Ada": {"我", "在"},
	}}

	events := runLoop(t, participants, inv, Config{MaxExchanges: 1}, &TurnInput{
		Sender:  "老王",
		Content: "@ada 在吗",
	}, nil)

	require.Len(t, events, 4)
	assert.Equal(t, "agent.start", events[0].event)
	assert.Equal(t, "Ada", events[0].data["sender"])
	assert.Equal(t, "agent.chunk", events[1].event)
	assert.Equal(t, "我", events[1].data["content"])
	assert.Equal(t, "agent.chunk", events[2].event)
	assert.Equal(t, "agent.end", events[3].event)
	assert.Equal(t, "我在", events[3].data["content"])

	// The mention target got the user-turn framing.
	require.Len(t, inv.calls, 1)
	assert.Equal(t, "Ada", inv.calls[0].PersonaName)
	assert.True(t, inv.calls[0].IsUserTurn)
	assert.Equal(t, "@ada 在吗", inv.calls[0].UserMessage)
}

func TestTargetedSubsetEndsAfterAllResponded(t *testing.T) {
	participants := []Participant{
		{ID: 1, Name: "Ada", Handle: "ada", Proactivity: 0.9},
		{ID: 2, Name: "Ben", Handle: "ben", Proactivity: 0.9},
	}
	inv := &scriptedInvoker{replies: map[string][]string{
		"Ada": {"好的"},
		"Ben": {"不该轮到我"},
	}}

	events := runLoop(t, participants, inv, Config{MaxExchanges: 5}, &TurnInput{
		Sender:  "老王",
		Content: "@ada 单独问你一下",
	}, nil)

	for _, ev := range events {
		assert.NotEqual(t, "Ben", ev.data["sender"])
	}
	require.Len(t, inv.calls, 1)
}

func TestSoftClosingRunsSingleRound(t *testing.T) {
	participants := []Participant{
		{ID: 1, Name: "Ada", Handle: "ada", Proactivity: 0.9},
	}
	inv := &scriptedInvoker{replies: map[string][]string{
		"Ada": {"好梦"},
	}}

	runLoop(t, participants, inv, Config{MaxExchanges: 8}, &TurnInput{
		Sender:  "老王",
		Content: "我先睡了，晚安",
	}, nil)

	assert.Len(t, inv.calls, 1)
}

func TestZeroParticipantsEmitsNothing(t *testing.T) {
	inv := &scriptedInvoker{}
	events := runLoop(t, nil, inv, Config{}, &TurnInput{Sender: "老王", Content: "有人吗"}, nil)
	assert.Empty(t, events)
	assert.Empty(t, inv.calls)
}

func TestClosingPhraseStopsAfterEnd(t *testing.T) {
	participants := []Participant{
		{ID: 1, Name: "Ada", Handle: "ada", Proactivity: 0.9},
	}
	inv := &scriptedInvoker{replies: map[string][]string{
		"Ada": {"聊得很开心，", "再见！"},
	}}

	events := runLoop(t, participants, inv, Config{MaxExchanges: 8}, &TurnInput{
		Sender:  "老王",
		Content: "@ada 今天先到这",
	}, nil)

	require.GreaterOrEqual(t, len(events), 2)
	last := events[len(events)-1]
	assert.Equal(t, "session.stopped", last.event)
	assert.Equal(t, "closing_phrase", last.data["reason"])
	// The reply is finalized before the stop event.
	assert.Equal(t, "agent.end", events[len(events)-2].event)
}

func TestInterruptEndsTurnBetweenRounds(t *testing.T) {
	participants := []Participant{
		{ID: 1, Name: "Ada", Handle: "ada", Proactivity: 0.9},
		{ID: 2, Name: "Ben", Handle: "ben", Proactivity: 0.9},
	}
	inv := &scriptedInvoker{replies: map[string][]string{
		"Ada": {"第一轮发言，这个话题值得展开说说？"},
		"Ben": {"第一轮发言，这个话题值得展开说说？"},
	}}

	events := runLoop(t, participants, inv, Config{MaxExchanges: 4}, &TurnInput{
		Sender:  "老王",
		Content: "@ada @ben 大家聊聊",
	}, func() bool { return true })

	last := events[len(events)-1]
	assert.Equal(t, "session.interrupted", last.event)
	assert.Equal(t, "user_message_pending", last.data["reason"])

	// Only round 0 ran.
	for _, c := range inv.calls {
		assert.True(t, c.IsUserTurn || c.LastSpeaker != "")
	}
	assert.LessOrEqual(t, len(inv.calls), 2)
}

func TestSpecialTokensFilteredFromChunks(t *testing.T) {
	participants := []Participant{
		{ID: 1, Name: "Ada", Handle: "ada", Proactivity: 0.9},
	}
	inv := &scriptedInvoker{replies: map[string][]string{
		"Ada": {"回答<|im_end|>", "<｜end▁of▁sentence｜>"},
	}}

	events := runLoop(t, participants, inv, Config{MaxExchanges: 1}, &TurnInput{
		Sender:  "老王",
		Content: "@ada 说句话",
	}, nil)

	var chunks []string
	for _, ev := range events {
		if ev.event == "agent.chunk" {
			chunks = append(chunks, ev.data["content"].(string))
		}
	}
	// The artifact-only chunk was dropped entirely.
	assert.Equal(t, []string{"回答"}, chunks)

	last := events[len(events)-1]
	assert.Equal(t, "agent.end", last.event)
	assert.Equal(t, "回答", last.data["content"])
}
