package conversation

import (
	"context"
	"log/slog"
	"math/rand"
	"strings"

	"github.com/wzp-123777/Mul-in-ONE/ai/memory"
	"github.com/wzp-123777/Mul-in-ONE/ai/rag"
	"github.com/wzp-123777/Mul-in-ONE/ai/scheduler"
)

// Event names emitted by the loop. The session worker enriches them with
// message ids, session id and timestamps before broadcasting.
const (
	EventAgentStart         = "agent.start"
	EventAgentChunk         = "agent.chunk"
	EventAgentEnd           = "agent.end"
	EventSessionStopped     = "session.stopped"
	EventSessionInterrupted = "session.interrupted"
)

// Stop reasons.
const (
	ReasonClosingPhrase      = "closing_phrase"
	ReasonUserMessagePending = "user_message_pending"
)

// Emit delivers one structured event upstream.
type Emit func(event string, data map[string]any)

// InvokePayload carries everything the persona invoker needs for one reply.
type InvokePayload struct {
	PersonaName string
	PersonaID   int32
	History     []memory.Entry

	// UserMessage is the raw user content on the turn's first invocation;
	// later invocations observe LastSpeaker/LastMessage instead.
	UserMessage string
	IsUserTurn  bool
	LastSpeaker string
	LastMessage string
}

// Invoker streams one persona reply. The channel closes when the reply is
// complete; upstream failures surface as a final synthetic token, never as
// a missing close.
type Invoker interface {
	Stream(ctx context.Context, payload *InvokePayload) <-chan string
}

// HistoryEntry is one stored message fed into turn memory.
type HistoryEntry struct {
	Sender  string
	Content string
}

// TurnInput describes the user message that starts a turn.
type TurnInput struct {
	Sender  string
	Content string
	History []HistoryEntry
	// TargetPersonas restricts the turn to a subset of participant handles.
	TargetPersonas []string
}

// Config tunes a conversation loop.
type Config struct {
	MaxAgents    int
	MaxExchanges int
	// MemoryWindow caps the transcript handed to invokers; <=0 passes the
	// full transcript.
	MemoryWindow        int
	Patience            int
	HeatThreshold       float64
	SimilarityThreshold float64
}

// Loop drives the rounds of a single session's turns.
type Loop struct {
	username     string
	participants []Participant
	invoker      Invoker
	emit         Emit
	// consumeInterrupt atomically reads-and-clears the session's interrupt
	// flag; nil disables interruption.
	consumeInterrupt func() bool
	cfg              Config
	rng              *rand.Rand
}

// NewLoop builds a loop for one session.
func NewLoop(
	username string,
	participants []Participant,
	invoker Invoker,
	emit Emit,
	consumeInterrupt func() bool,
	cfg Config,
	rng *rand.Rand,
) *Loop {
	if cfg.MaxExchanges <= 0 {
		cfg.MaxExchanges = 8
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}
	return &Loop{
		username:         username,
		participants:     participants,
		invoker:          invoker,
		emit:             emit,
		consumeInterrupt: consumeInterrupt,
		cfg:              cfg,
		rng:              rng,
	}
}

// Run executes one user turn. With zero participants it emits nothing.
func (l *Loop) Run(ctx context.Context, input *TurnInput) {
	if len(l.participants) == 0 {
		return
	}

	mem := memory.New()
	for _, h := range input.History {
		mem.Add(h.Sender, h.Content, "")
	}
	sender := input.Sender
	if sender == "" {
		sender = "user"
	}
	mem.Add(sender, input.Content, "")

	states := make([]*scheduler.PersonaState, 0, len(l.participants))
	byName := make(map[string]Participant, len(l.participants))
	byHandle := make(map[string]Participant, len(l.participants))
	for _, p := range l.participants {
		states = append(states, scheduler.NewPersonaState(p.Name, p.ID, p.Proactivity))
		byName[p.Name] = p
		byHandle[strings.ToLower(p.Handle)] = p
	}
	sched := scheduler.New(states, l.cfg.MaxAgents, scheduler.WithRand(l.rng))

	// Round-0 tags: explicit @mentions first, then routing hints.
	tags := ExtractMentions(input.Content, l.participants)
	inTags := func(name string) bool {
		for _, t := range tags {
			if t == name {
				return true
			}
		}
		return false
	}
	for _, handle := range input.TargetPersonas {
		if p, ok := byHandle[strings.ToLower(handle)]; ok && !inTags(p.Name) {
			tags = append(tags, p.Name)
		}
	}

	// A proper subset of participants means the user targeted specific
	// personas; once they have all responded the turn ends.
	targeted := map[string]bool{}
	if len(tags) > 0 && len(tags) < len(l.participants) {
		for _, t := range tags {
			targeted[t] = true
		}
	}

	maxRounds := l.cfg.MaxExchanges
	softClose := IsSoftClosing(input.Content)
	if softClose {
		maxRounds = 1
	}

	stop := NewStopPolicy(l.cfg.Patience, l.cfg.HeatThreshold, l.cfg.SimilarityThreshold)
	lastSpeaker := sender
	responded := map[string]bool{}
	firstInvocation := true
	carriedTags := []string{}

	for round := 0; round < maxRounds; round++ {
		if ctx.Err() != nil {
			return
		}
		if round > 0 && l.consumeInterrupt != nil && l.consumeInterrupt() {
			l.emit(EventSessionInterrupted, map[string]any{"reason": ReasonUserMessagePending})
			return
		}
		if len(targeted) > 0 && allResponded(targeted, responded) {
			return
		}

		roundTags := carriedTags
		if round == 0 {
			roundTags = tags
		} else if len(targeted) > 0 {
			roundTags = filterTags(roundTags, targeted)
		}
		carriedTags = nil

		speakers := sched.NextTurn(roundTags, lastSpeaker, round == 0)
		if len(speakers) == 0 {
			return
		}
		// A lone candidate repeating itself: skip this round but keep the
		// turn alive so others get a chance next round.
		if round > 0 && len(speakers) == 1 && speakers[0] == lastSpeaker {
			continue
		}

		var roundText strings.Builder
		newSpeakers := 0
		roundMentions := []string{}

		for _, name := range speakers {
			p, ok := byName[name]
			if !ok {
				continue
			}
			if ctx.Err() != nil {
				return
			}

			l.emit(EventAgentStart, map[string]any{"sender": name})

			payload := &InvokePayload{
				PersonaName: name,
				PersonaID:   p.ID,
				History:     mem.Recent(l.cfg.MemoryWindow),
			}
			if firstInvocation {
				payload.UserMessage = input.Content
				payload.IsUserTurn = true
			} else {
				payload.LastSpeaker = lastSpeaker
				payload.LastMessage = mem.Last()
			}
			firstInvocation = false

			turnCtx := rag.WithTurnContext(ctx, l.username, p.ID)
			var reply strings.Builder
			for token := range l.invoker.Stream(turnCtx, payload) {
				filtered := FilterSpecialTokens(token)
				if filtered == "" {
					continue
				}
				l.emit(EventAgentChunk, map[string]any{"sender": name, "content": filtered})
				reply.WriteString(filtered)
			}

			text := reply.String()
			l.emit(EventAgentEnd, map[string]any{"sender": name, "content": text})

			mem.Add(name, text, "")
			if !responded[name] {
				responded[name] = true
				newSpeakers++
			}
			lastSpeaker = name
			roundText.WriteString(text)

			for _, m := range ExtractMentions(text, l.participants) {
				if m != name {
					roundMentions = append(roundMentions, m)
				}
			}

			if IsClosingPhrase(text) {
				slog.Debug("conversation closed by farewell", "sender", name)
				l.emit(EventSessionStopped, map[string]any{"reason": ReasonClosingPhrase})
				return
			}
		}

		carriedTags = dedupe(roundMentions)

		if !softClose && stop.ShouldStop(RoundStats{
			Text:             roundText.String(),
			NewParticipants:  newSpeakers,
			TotalParticipant: len(l.participants),
			NewMentions:      len(dedupe(roundMentions)),
		}) {
			slog.Debug("conversation wound down", "round", round)
			return
		}
	}
}

func allResponded(targeted, responded map[string]bool) bool {
	for name := range targeted {
		if !responded[name] {
			return false
		}
	}
	return true
}

func filterTags(tags []string, allowed map[string]bool) []string {
	out := tags[:0]
	for _, t := range tags {
		if allowed[t] {
			out = append(out, t)
		}
	}
	return out
}

func dedupe(names []string) []string {
	seen := map[string]bool{}
	out := []string{}
	for _, n := range names {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	return out
}
