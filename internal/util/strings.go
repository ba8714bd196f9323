// Package util holds the small helpers shared across the core: rune-safe
// truncation for log lines and tool feedback caps, and short content
// digests for correlating payloads on the event stream.
package util

// TruncateRunes caps s at maxRunes code points, marking the cut with an
// ellipsis. A cap of zero or less disables truncation. Counting runes
// rather than bytes keeps multi-byte tool output from being split
// mid-character.
func TruncateRunes(s string, maxRunes int) string {
	if maxRunes <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= maxRunes {
		return s
	}
	return string(runes[:maxRunes]) + "..."
}
