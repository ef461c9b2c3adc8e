package rag

import "strings"

// Default chunking parameters for background ingestion.
const (
	DefaultChunkSize    = 500
	DefaultChunkOverlap = 50
)

var defaultSeparators = []string{"\n\n", "\n", "。", ".", " ", ""}

// Splitter cuts text into overlapping chunks, preferring paragraph and
// sentence boundaries before falling back to hard cuts.
type Splitter struct {
	ChunkSize int
	Overlap   int
}

// NewSplitter returns a splitter with the given parameters; non-positive
// values fall back to the defaults.
func NewSplitter(chunkSize, overlap int) *Splitter {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if overlap < 0 || overlap >= chunkSize {
		overlap = DefaultChunkOverlap
	}
	return &Splitter{ChunkSize: chunkSize, Overlap: overlap}
}

// Split chunks text recursively. Sizes are measured in runes so CJK text
// chunks comparably to Latin text.
func (s *Splitter) Split(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	pieces := s.split([]rune(text), defaultSeparators)
	chunks := make([]string, 0, len(pieces))
	for _, p := range pieces {
		trimmed := strings.TrimSpace(string(p))
		if trimmed != "" {
			chunks = append(chunks, trimmed)
		}
	}
	return chunks
}

func (s *Splitter) split(text []rune, separators []string) [][]rune {
	if len(text) <= s.ChunkSize {
		return [][]rune{text}
	}
	if len(separators) == 0 {
		return s.window(text)
	}

	sep := separators[0]
	rest := separators[1:]
	if sep == "" {
		return s.window(text)
	}

	parts := strings.Split(string(text), sep)
	if len(parts) == 1 {
		return s.split(text, rest)
	}

	// Merge parts into chunks no larger than ChunkSize, carrying the
	// trailing overlap into the next chunk.
	chunks := [][]rune{}
	var current []rune
	flush := func() {
		if len(current) > 0 {
			chunks = append(chunks, current)
			if s.Overlap > 0 && len(current) > s.Overlap {
				current = append([]rune{}, current[len(current)-s.Overlap:]...)
			} else {
				current = nil
			}
		}
	}
	for _, part := range parts {
		piece := []rune(part + sep)
		if len(piece) > s.ChunkSize {
			flush()
			current = nil
			chunks = append(chunks, s.split(piece, rest)...)
			continue
		}
		if len(current)+len(piece) > s.ChunkSize {
			flush()
		}
		current = append(current, piece...)
	}
	if len(current) > 0 {
		chunks = append(chunks, current)
	}
	return chunks
}

// window is the last-resort fixed-size chunker.
func (s *Splitter) window(text []rune) [][]rune {
	step := s.ChunkSize - s.Overlap
	if step <= 0 {
		step = s.ChunkSize
	}
	chunks := [][]rune{}
	for start := 0; start < len(text); start += step {
		end := start + s.ChunkSize
		if end > len(text) {
			end = len(text)
		}
		chunks = append(chunks, text[start:end])
		if end == len(text) {
			break
		}
	}
	return chunks
}
