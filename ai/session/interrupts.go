package session

import "sync"

// Interrupt flags let the worker tell a running turn that a new user
// message is waiting, so the turn ends after the present round.
// 进程级打断标记：新用户消息到达时截断当前多轮交流。
var (
	interruptMu    sync.Mutex
	interruptFlags = map[string]bool{}
)

// RequestInterrupt marks the session for interruption.
func RequestInterrupt(sessionID string) {
	interruptMu.Lock()
	defer interruptMu.Unlock()
	interruptFlags[sessionID] = true
}

// ConsumeInterrupt atomically reads and clears the session's flag.
func ConsumeInterrupt(sessionID string) bool {
	interruptMu.Lock()
	defer interruptMu.Unlock()
	set := interruptFlags[sessionID]
	delete(interruptFlags, sessionID)
	return set
}

// PeekInterrupt reads the flag without clearing it.
func PeekInterrupt(sessionID string) bool {
	interruptMu.Lock()
	defer interruptMu.Unlock()
	return interruptFlags[sessionID]
}
