// Package memory holds the in-turn conversation transcript fed to personas.
package memory

import "time"

// Entry is one remembered utterance. Recipient is empty for group chat.
type Entry struct {
	Speaker   string
	Content   string
	Recipient string
	Timestamp time.Time
}

// ConversationMemory is an append-only transcript for a single turn.
// It is built from stored history when the turn starts and grows as
// personas speak. Not safe for concurrent use; a turn owns its memory.
type ConversationMemory struct {
	entries []Entry
}

// New returns an empty ConversationMemory.
func New() *ConversationMemory {
	return &ConversationMemory{}
}

// Add appends an utterance. recipient may be empty (group message).
func (m *ConversationMemory) Add(speaker, content, recipient string) {
	m.entries = append(m.entries, Entry{
		Speaker:   speaker,
		Content:   content,
		Recipient: recipient,
		Timestamp: time.Now(),
	})
}

// Recent returns the last n entries. n <= 0 means the full history.
func (m *ConversationMemory) Recent(n int) []Entry {
	if n <= 0 || n >= len(m.entries) {
		return m.entries
	}
	return m.entries[len(m.entries)-n:]
}

// Last returns the content of the most recent entry, or "".
func (m *ConversationMemory) Last() string {
	if len(m.entries) == 0 {
		return ""
	}
	return m.entries[len(m.entries)-1].Content
}

// Len reports the number of stored entries.
func (m *ConversationMemory) Len() int {
	return len(m.entries)
}
