// Package runtime implements the session.Adapter contract: it turns one
// queued user message into a streamed multi-persona exchange.
package runtime

import (
	"context"
	"log/slog"
	"sync"

	"github.com/pkg/errors"

	"github.com/wzp-123777/Mul-in-ONE/ai/conversation"
	"github.com/wzp-123777/Mul-in-ONE/ai/invoker"
	"github.com/wzp-123777/Mul-in-ONE/ai/llm"
	"github.com/wzp-123777/Mul-in-ONE/ai/rag"
	"github.com/wzp-123777/Mul-in-ONE/ai/session"
	"github.com/wzp-123777/Mul-in-ONE/ai/tools"
	"github.com/wzp-123777/Mul-in-ONE/internal/profile"
	"github.com/wzp-123777/Mul-in-ONE/store"
	"github.com/wzp-123777/Mul-in-ONE/store/crypto"
)

// Engine is the full conversation adapter: per turn it builds one invoker
// per participant and drives the scheduling loop over them.
type Engine struct {
	profile   *profile.Profile
	store     *store.Store
	cipher    *crypto.Cipher
	retriever *rag.Service

	// newLLM is swappable in tests.
	newLLM func(cfg *llm.Config) llm.Service

	mu sync.Mutex
	// services caches one LLM client per (username, persona id). Entries
	// are dropped on persona or API-profile change.
	services map[string]map[int32]llm.Service
}

// NewEngine wires the conversation engine. retriever may be nil to run
// without background-corpus tools.
func NewEngine(p *profile.Profile, st *store.Store, cipher *crypto.Cipher, retriever *rag.Service) *Engine {
	return &Engine{
		profile:   p,
		store:     st,
		cipher:    cipher,
		retriever: retriever,
		newLLM:    llm.NewService,
		services:  map[string]map[int32]llm.Service{},
	}
}

// Invalidate drops the user's cached LLM clients so credential changes take
// effect on the next turn.
func (e *Engine) Invalidate(username string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.services, username)
}

// InvokeStream runs one user turn. The returned channel carries the raw
// loop events and closes when the turn completes.
func (e *Engine) InvokeStream(ctx context.Context, sess *store.Session, msg *session.Message) (<-chan session.StreamEvent, error) {
	roster := e.roster(sess, msg.TargetPersonas)

	participants := make([]conversation.Participant, 0, len(roster))
	handles := make([]string, 0, len(roster))
	for _, p := range roster {
		participants = append(participants, conversation.Participant{
			ID:          p.ID,
			Name:        p.Name,
			Handle:      p.Handle,
			Proactivity: p.Proactivity,
		})
		handles = append(handles, p.Handle)
	}

	identity := invoker.SessionIdentity{
		UserDisplayName:    sess.UserDisplayName,
		UserHandle:         sess.UserHandle,
		UserPersona:        msg.UserPersona,
		ParticipantHandles: handles,
	}

	invokers := make(map[string]conversation.Invoker, len(roster))
	for _, p := range roster {
		service, err := e.serviceFor(sess.Username, p)
		if err != nil {
			return nil, errors.Wrapf(err, "persona %q", p.Name)
		}
		invokers[p.Name] = invoker.New(e.personaConfig(p), service, e.toolset(), identity)
	}

	// Targets covering the whole roster are the default fan-out, not a
	// user restriction.
	targets := msg.TargetPersonas
	if len(targets) >= len(roster) {
		targets = nil
	}

	history := make([]conversation.HistoryEntry, 0, len(msg.History))
	for _, h := range msg.History {
		history = append(history, conversation.HistoryEntry{Sender: h.Sender, Content: h.Content})
	}

	out := make(chan session.StreamEvent, 64)
	emit := func(event string, data map[string]any) {
		select {
		case out <- session.StreamEvent{Event: event, Data: data}:
		case <-ctx.Done():
		}
	}

	loop := conversation.NewLoop(
		sess.Username,
		participants,
		&dispatcher{invokers: invokers},
		emit,
		func() bool { return session.ConsumeInterrupt(sess.ID) },
		conversation.Config{
			MaxAgents:           e.maxAgents(roster),
			MaxExchanges:        e.profile.MaxExchanges,
			MemoryWindow:        e.memoryWindow(roster),
			Patience:            e.profile.StopPatience,
			HeatThreshold:       e.profile.StopHeatThresh,
			SimilarityThreshold: e.profile.StopSimThresh,
		},
		nil,
	)

	go func() {
		defer close(out)
		loop.Run(ctx, &conversation.TurnInput{
			Sender:         msg.Sender,
			Content:        msg.Content,
			History:        history,
			TargetPersonas: targets,
		})
	}()
	return out, nil
}

// roster keeps session participants whose handle appears in targets; empty
// targets keep everyone.
func (e *Engine) roster(sess *store.Session, targets []string) []*store.Persona {
	if len(targets) == 0 {
		return sess.Participants
	}
	allowed := make(map[string]bool, len(targets))
	for _, t := range targets {
		allowed[t] = true
	}
	roster := make([]*store.Persona, 0, len(sess.Participants))
	for _, p := range sess.Participants {
		if allowed[p.Handle] {
			roster = append(roster, p)
		}
	}
	if len(roster) == 0 {
		return sess.Participants
	}
	return roster
}

// serviceFor returns the persona's LLM client, building and caching it on
// first use. Credentials come from the persona's bound API profile.
func (e *Engine) serviceFor(username string, p *store.Persona) (llm.Service, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	user, ok := e.services[username]
	if !ok {
		user = map[int32]llm.Service{}
		e.services[username] = user
	}
	if svc, ok := user[p.ID]; ok {
		return svc, nil
	}

	apiKey, err := e.cipher.Decrypt(p.APIKey)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decrypt API key")
	}
	if apiKey == "" {
		slog.Warn("persona has no API credentials, upstream calls will fail",
			"user", username, "persona", p.Name)
	}

	temperature := e.profile.Temperature
	if p.Temperature != nil {
		temperature = *p.Temperature
	}

	svc := e.newLLM(&llm.Config{
		Model:       p.APIModel,
		APIKey:      apiKey,
		BaseURL:     p.APIBaseURL,
		Temperature: temperature,
	})
	user[p.ID] = svc
	return svc, nil
}

func (e *Engine) personaConfig(p *store.Persona) invoker.PersonaConfig {
	cfg := invoker.PersonaConfig{
		Name:         p.Name,
		Prompt:       p.Prompt,
		MemoryWindow: p.MemoryWindow,
	}
	if p.Tone != "" {
		cfg.Instructions = "语气：" + p.Tone
	}
	return cfg
}

// memoryWindow sizes the turn transcript handed to the invokers. Any
// participant with an unlimited window (<=0) lifts the cap for the whole
// turn; each invoker then trims to its own persona window.
func (e *Engine) memoryWindow(roster []*store.Persona) int {
	window := e.profile.MemoryWindow
	if window <= 0 {
		return 0
	}
	for _, p := range roster {
		if p.MemoryWindow <= 0 {
			return 0
		}
		if p.MemoryWindow > window {
			window = p.MemoryWindow
		}
	}
	return window
}

func (e *Engine) toolset() []tools.Tool {
	set := []tools.Tool{tools.NewWebSearch(nil)}
	if e.retriever != nil {
		set = append(set, tools.NewRagQuery(e.retriever))
	}
	return set
}

// maxAgents takes the largest per-persona cap, falling back to the server
// default when no participant sets one.
func (e *Engine) maxAgents(roster []*store.Persona) int {
	max := 0
	for _, p := range roster {
		if p.MaxAgentsPerTurn > max {
			max = p.MaxAgentsPerTurn
		}
	}
	if max == 0 {
		return e.profile.MaxAgents
	}
	return max
}

// dispatcher routes each invocation to the speaking persona's invoker.
type dispatcher struct {
	invokers map[string]conversation.Invoker
}

func (d *dispatcher) Stream(ctx context.Context, payload *conversation.InvokePayload) <-chan string {
	inv, ok := d.invokers[payload.PersonaName]
	if !ok {
		out := make(chan string)
		close(out)
		return out
	}
	return inv.Stream(ctx, payload)
}
