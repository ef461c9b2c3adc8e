package conversation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHeatScoring(t *testing.T) {
	p := NewStopPolicy(0, 0, 0)

	// Long text with a question, fresh speakers and mentions maxes out.
	lively := RoundStats{
		Text:             strings.Repeat("大家觉得呢？", 30),
		NewParticipants:  3,
		TotalParticipant: 3,
		NewMentions:      2,
	}
	assert.InDelta(t, 1.0, p.Heat(lively), 1e-9)

	// A short shrug with no engagement is cold.
	cold := p.Heat(RoundStats{Text: "嗯。", TotalParticipant: 3})
	assert.Less(t, cold, 0.1)

	// The mention bonus is capped.
	few := p.Heat(RoundStats{Text: "好", TotalParticipant: 3, NewMentions: 1})
	many := p.Heat(RoundStats{Text: "好", TotalParticipant: 3, NewMentions: 9})
	assert.InDelta(t, few+0.1, many, 1e-9)
}

func TestShouldStopOnColdWindow(t *testing.T) {
	p := NewStopPolicy(2, 0.6, 0.9)

	// First cold round: window not yet full.
	assert.False(t, p.ShouldStop(RoundStats{Text: "嗯", TotalParticipant: 2}))
	// Second cold round fills the window below the threshold.
	assert.True(t, p.ShouldStop(RoundStats{Text: "哦", TotalParticipant: 2}))
}

func TestShouldStopKeepsLivelyConversation(t *testing.T) {
	p := NewStopPolicy(2, 0.6, 0.9)
	lively := RoundStats{
		Text:             strings.Repeat("这个话题很有意思，我们展开说说？", 5),
		NewParticipants:  2,
		TotalParticipant: 2,
		NewMentions:      1,
	}
	for i := 0; i < 5; i++ {
		assert.False(t, p.ShouldStop(lively), "round %d", i)
	}
}

func TestShouldStopOnRepetitionStreak(t *testing.T) {
	p := NewStopPolicy(10, 0.01, 0.9) // heat rule effectively disabled

	same := RoundStats{
		Text:             strings.Repeat("我完全同意你的看法。", 10),
		NewParticipants:  1,
		TotalParticipant: 2,
	}
	// Round 1 sets the baseline, rounds 2 and 3 build the streak.
	assert.False(t, p.ShouldStop(same))
	assert.False(t, p.ShouldStop(same))
	assert.True(t, p.ShouldStop(same))
}

func TestQuestionBreaksRepetitionStreak(t *testing.T) {
	p := NewStopPolicy(10, 0.01, 0.9)

	same := RoundStats{Text: strings.Repeat("我完全同意你的看法。", 10), TotalParticipant: 2}
	withQuestion := same
	withQuestion.Text += "你呢？"

	assert.False(t, p.ShouldStop(same))
	assert.False(t, p.ShouldStop(same))
	// A question resets the streak even though the text barely changed.
	assert.False(t, p.ShouldStop(withQuestion))
}
