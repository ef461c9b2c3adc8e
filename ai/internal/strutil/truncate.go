// Package strutil holds small string helpers shared by the ai packages.
package strutil

// Truncate caps a string at maxLen runes, appending "..." when it was cut.
// Rune-level slicing keeps multi-byte text (Chinese, emoji) intact.
func Truncate(s string, maxLen int) string {
	if s == "" || maxLen <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
