package conversation

import "strings"

// Heat weights. Only the window size and the two thresholds are
// configurable; the weights themselves are fixed.
const (
	heatLengthWeight   = 0.6
	heatLengthScale    = 80.0
	heatNewSpeakers    = 0.2
	heatQuestionWeight = 0.2
	heatMentionWeight  = 0.1
	heatMentionCap     = 0.2
)

// StopPolicy decides when a multi-round exchange has run out of steam.
// 判停策略：热度窗口均值过低，或相邻两轮内容高度重复时收尾。
type StopPolicy struct {
	patience      int
	heatThreshold float64
	simThreshold  float64

	heats         []float64
	prevRoundText string
	highSimStreak int
}

// RoundStats summarizes one completed round for the stop policy.
type RoundStats struct {
	Text             string
	NewParticipants  int
	TotalParticipant int
	NewMentions      int
}

// NewStopPolicy builds a policy; non-positive arguments fall back to the
// defaults (patience 2, heat 0.6, similarity 0.9).
func NewStopPolicy(patience int, heatThreshold, simThreshold float64) *StopPolicy {
	if patience <= 0 {
		patience = 2
	}
	if heatThreshold <= 0 {
		heatThreshold = 0.6
	}
	if simThreshold <= 0 {
		simThreshold = 0.9
	}
	return &StopPolicy{
		patience:      patience,
		heatThreshold: heatThreshold,
		simThreshold:  simThreshold,
	}
}

// Heat scores a round's liveliness in [0,1].
func (p *StopPolicy) Heat(stats RoundStats) float64 {
	length := float64(len([]rune(stats.Text))) / heatLengthScale
	if length > 1 {
		length = 1
	}
	heat := heatLengthWeight * length

	if stats.TotalParticipant > 0 {
		heat += heatNewSpeakers * float64(stats.NewParticipants) / float64(stats.TotalParticipant)
	}
	if hasQuestion(stats.Text) {
		heat += heatQuestionWeight
	}
	mention := heatMentionWeight * float64(stats.NewMentions)
	if mention > heatMentionCap {
		mention = heatMentionCap
	}
	heat += mention

	if heat > 1 {
		heat = 1
	}
	if heat < 0 {
		heat = 0
	}
	return heat
}

// ShouldStop folds one finished round into the policy state and reports
// whether the turn should end now.
func (p *StopPolicy) ShouldStop(stats RoundStats) bool {
	heat := p.Heat(stats)
	p.heats = append(p.heats, heat)
	if len(p.heats) > p.patience {
		p.heats = p.heats[1:]
	}

	similarity := 0.0
	if p.prevRoundText != "" {
		similarity = CosineSimilarity(stats.Text, p.prevRoundText)
	}
	if similarity >= p.simThreshold && !hasQuestion(stats.Text) && stats.NewMentions == 0 {
		p.highSimStreak++
	} else {
		p.highSimStreak = 0
	}
	p.prevRoundText = stats.Text

	if p.highSimStreak >= 2 {
		return true
	}
	if len(p.heats) >= p.patience {
		sum := 0.0
		for _, h := range p.heats {
			sum += h
		}
		if sum/float64(len(p.heats)) < p.heatThreshold {
			return true
		}
	}
	return false
}

func hasQuestion(text string) bool {
	return strings.ContainsAny(text, "?？")
}
