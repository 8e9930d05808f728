// Package textx holds small text helpers shared across services.
package textx

import "strings"

// StripControl drops control characters from agent output, keeping tab,
// newline and carriage return, and trims surrounding whitespace. Streaming
// providers occasionally interleave stray control bytes into content.
func StripControl(s string) string {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			return r
		case r < 32 || r == 127:
			return -1
		default:
			return r
		}
	}, s)
	return strings.TrimSpace(cleaned)
}
