// Package conversation runs one user turn: rounds of scheduled persona
// replies with mention routing, stop rules and redundancy detection.
package conversation

import (
	"math"
	"regexp"
	"strings"
	"unicode"
)

var (
	// latinRun matches word-like Latin/numeric runs.
	latinRun = regexp.MustCompile(`[A-Za-z0-9_]+`)

	// specialToken matches tokenizer artifacts such as <|im_end|> and the
	// fullwidth-bar variant <｜end▁of▁sentence｜> some model families emit.
	specialToken = regexp.MustCompile(`<[|｜][^|｜]*[|｜]>`)

	// mentionTag captures the token after an @.
	mentionTag = regexp.MustCompile(`@([A-Za-z0-9_\p{Han}]+)`)

	// explicitStop matches a whole-message stop command.
	explicitStop = regexp.MustCompile(`(?i)^\s*(?:/stop|stop|结束|终止|强制停止|停止对话)\s*[。.!！]*\s*$`)

	// softClosing matches user farewells that wind the turn down to one round.
	softClosing = regexp.MustCompile(`(?i)晚安|睡了|明天见|先下了|回聊|good\s*night|goodnight|see\s+you\s+tomorrow`)

	// closingPhrase matches agent replies that end the conversation.
	closingPhrase = regexp.MustCompile(`(?i)晚安|再见|下次聊|回头聊|good\s*night|goodnight|bye\s*bye|goodbye`)
)

// Tokenize splits text into lowercase Latin word runs and single CJK
// characters, the unit used for similarity vectors.
func Tokenize(text string) []string {
	tokens := []string{}
	lowered := strings.ToLower(text)
	var latin strings.Builder
	flush := func() {
		if latin.Len() > 0 {
			tokens = append(tokens, latin.String())
			latin.Reset()
		}
	}
	for _, r := range lowered {
		switch {
		case r == '_' || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			latin.WriteRune(r)
		case unicode.Is(unicode.Han, r):
			flush()
			tokens = append(tokens, string(r))
		default:
			flush()
		}
	}
	flush()
	return tokens
}

// CosineSimilarity compares two texts as bag-of-token count vectors.
// Empty texts yield 0.
func CosineSimilarity(a, b string) float64 {
	va := countVector(Tokenize(a))
	vb := countVector(Tokenize(b))
	if len(va) == 0 || len(vb) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for token, ca := range va {
		normA += float64(ca * ca)
		if cb, ok := vb[token]; ok {
			dot += float64(ca * cb)
		}
	}
	for _, cb := range vb {
		normB += float64(cb * cb)
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func countVector(tokens []string) map[string]int {
	v := make(map[string]int, len(tokens))
	for _, t := range tokens {
		v[t]++
	}
	return v
}

// Participant is the minimal persona view the loop needs.
type Participant struct {
	ID          int32
	Name        string
	Handle      string
	Proactivity float64
}

// ExtractMentions returns participant names mentioned in text, order of
// first occurrence preserved. The first pass matches explicit @handle tags;
// only when that yields nothing does the second pass fall back to substring
// matches of handle or name.
func ExtractMentions(text string, participants []Participant) []string {
	if text == "" || len(participants) == 0 {
		return nil
	}

	byHandle := make(map[string]string, len(participants))
	for _, p := range participants {
		byHandle[strings.ToLower(p.Handle)] = p.Name
	}

	found := []string{}
	seen := map[string]bool{}
	for _, m := range mentionTag.FindAllStringSubmatch(text, -1) {
		if name, ok := byHandle[strings.ToLower(m[1])]; ok && !seen[name] {
			seen[name] = true
			found = append(found, name)
		}
	}
	if len(found) > 0 {
		return found
	}

	lowered := strings.ToLower(text)
	for _, p := range participants {
		if seen[p.Name] {
			continue
		}
		if strings.Contains(lowered, strings.ToLower(p.Handle)) ||
			strings.Contains(lowered, strings.ToLower(p.Name)) {
			seen[p.Name] = true
			found = append(found, p.Name)
		}
	}
	return found
}

// FilterSpecialTokens strips tokenizer artifacts from a chunk. Returns ""
// when the chunk was nothing but artifacts.
func FilterSpecialTokens(chunk string) string {
	return specialToken.ReplaceAllString(chunk, "")
}

// IsExplicitStop reports whether a message is a stop command
// (/stop, stop, 结束, 终止, ...).
func IsExplicitStop(text string) bool {
	return explicitStop.MatchString(text)
}

// IsSoftClosing reports whether a user message is a farewell, which caps
// the turn at a single round.
func IsSoftClosing(text string) bool {
	return softClosing.MatchString(text)
}

// IsClosingPhrase reports whether an agent reply ends the conversation.
func IsClosingPhrase(text string) bool {
	return closingPhrase.MatchString(text)
}
