// Package scheduler decides which personas speak in each conversation round.
package scheduler

import (
	"math/rand"
	"sort"
)

const (
	// mentionScore marks a forced speaker; normal scores stay well below it.
	mentionScore = 100.0

	baseThreshold    = 0.5
	silenceThreshold = 0.3
	firstPickFloor   = 0.4
)

// PersonaState tracks one persona's speaking history within a turn scheduler.
// PersonaState 记录单个 persona 在调度器内的发言状态。
type PersonaState struct {
	Name        string
	ID          int32
	Proactivity float64
	// Cooldown is how many rounds a persona rests after speaking.
	Cooldown          int
	LastTurn          int
	ConsecutiveSpeaks int
}

// NewPersonaState returns a state with the default cooldown and a LastTurn
// far enough in the past that the persona is immediately eligible.
func NewPersonaState(name string, id int32, proactivity float64) *PersonaState {
	return &PersonaState{
		Name:        name,
		ID:          id,
		Proactivity: proactivity,
		Cooldown:    1,
		LastTurn:    -10,
	}
}

// TurnScheduler picks speakers for each round of a multi-persona chat:
// 动态对话调度器，模拟自然多人对话：
//   - persona 根据上下文动态决定是否发言
//   - 被 @ 时强制发言
//   - 防止单个 persona 霸占对话
//   - 冷场时自动降低发言门槛
type TurnScheduler struct {
	personas  map[string]*PersonaState
	order     []string // registration order, for stable iteration
	maxAgents int
	turn      int

	silenceAfter int // rounds of silence before the threshold drops
	silenceCount int

	rng *rand.Rand
}

// Option configures a TurnScheduler.
type Option func(*TurnScheduler)

// WithRand injects the random source. Tests pass a seeded source to get
// deterministic selections.
func WithRand(rng *rand.Rand) Option {
	return func(s *TurnScheduler) { s.rng = rng }
}

// WithSilenceThreshold sets how many silent rounds count as a lull.
func WithSilenceThreshold(rounds int) Option {
	return func(s *TurnScheduler) { s.silenceAfter = rounds }
}

// New creates a scheduler over the given persona states.
// maxAgents <= 0 means every participant may speak in one round.
func New(personas []*PersonaState, maxAgents int, opts ...Option) *TurnScheduler {
	if maxAgents <= 0 {
		maxAgents = len(personas)
	}
	s := &TurnScheduler{
		personas:     make(map[string]*PersonaState, len(personas)),
		maxAgents:    maxAgents,
		silenceAfter: 2,
		rng:          rand.New(rand.NewSource(rand.Int63())),
	}
	for _, p := range personas {
		s.personas[p.Name] = p
		s.order = append(s.order, p.Name)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type candidate struct {
	name  string
	id    int32
	score float64
}

// NextTurn decides who speaks this round. contextTags are the personas
// explicitly mentioned (in mention order), lastSpeaker is the previous
// speaker ("user" on round 0), isUserMessage is true on round 0 of a turn.
// The returned slice may be empty.
func (s *TurnScheduler) NextTurn(contextTags []string, lastSpeaker string, isUserMessage bool) []string {
	tagged := make(map[string]int, len(contextTags))
	for i, tag := range contextTags {
		if _, ok := tagged[tag]; !ok {
			tagged[tag] = i
		}
	}

	mentioned := []candidate{}
	candidates := []candidate{}
	for _, name := range s.order {
		p := s.personas[name]
		sinceLast := s.turn - p.LastTurn

		// 被 @ 的 persona 必须回复（除非刚说过话）。
		if pos, ok := tagged[p.Name]; ok && sinceLast > 0 {
			mentioned = append(mentioned, candidate{name: p.Name, id: p.ID, score: mentionScore - float64(pos)})
			continue
		}

		score := p.Proactivity

		// 冷却期内不参与评分。
		if sinceLast <= p.Cooldown {
			continue
		}

		// 连续发言惩罚，避免霸占对话。
		if p.ConsecutiveSpeaks >= 2 {
			score -= 0.3 * float64(p.ConsecutiveSpeaks)
		}

		// 很久没说话了，适当加分。
		if sinceLast > 5 {
			bonus := 0.05 * float64(sinceLast)
			if bonus > 0.3 {
				bonus = 0.3
			}
			score += bonus
		}

		// 回应上一个发言者（如果不是自己）。
		if lastSpeaker != "" && lastSpeaker != p.Name && sinceLast > 1 {
			score += 0.15
		}

		// 用户新消息时，高主动性 persona 更积极。
		if isUserMessage && p.Proactivity > 0.6 {
			score += 0.2
		}

		score += s.rng.Float64()*0.2 - 0.1

		candidates = append(candidates, candidate{name: p.Name, id: p.ID, score: score})
	}

	if len(mentioned) > 0 {
		// Forced mode: mentioned personas reply in mention order.
		sort.SliceStable(mentioned, func(i, j int) bool { return mentioned[i].score > mentioned[j].score })
		chosen := make([]string, 0, len(mentioned))
		for _, c := range mentioned {
			chosen = append(chosen, c.name)
		}
		s.commit(chosen)
		s.silenceCount = 0
		s.turn++
		return chosen
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].id < candidates[j].id
	})

	threshold := baseThreshold
	if s.silenceCount >= s.silenceAfter {
		threshold = silenceThreshold
	}

	chosen := []string{}
	for _, c := range candidates {
		if len(chosen) >= s.maxAgents || c.score < threshold {
			continue
		}
		if len(chosen) == 0 {
			if c.score >= firstPickFloor {
				chosen = append(chosen, c.name)
			}
		} else if c.score >= threshold+0.1*float64(len(chosen)) {
			chosen = append(chosen, c.name)
		}
	}

	// 用户新消息至少选出一名发言者，保证对话推进。
	if len(chosen) == 0 && isUserMessage && len(candidates) > 0 {
		chosen = []string{candidates[0].name}
	}

	s.commit(chosen)
	if len(chosen) > 0 {
		s.silenceCount = 0
	} else {
		s.silenceCount++
	}
	s.turn++
	return chosen
}

// commit applies the selection to every persona's state.
func (s *TurnScheduler) commit(chosen []string) {
	selected := make(map[string]bool, len(chosen))
	for _, name := range chosen {
		selected[name] = true
	}
	for _, p := range s.personas {
		if selected[p.Name] {
			p.LastTurn = s.turn
			p.ConsecutiveSpeaks++
		} else {
			p.ConsecutiveSpeaks = 0
		}
	}
}

// Turn returns the current round counter.
func (s *TurnScheduler) Turn() int {
	return s.turn
}
