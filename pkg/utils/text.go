package utils

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// --- Text Normalization ---

// Runs of whitespace, including newlines and tabs
var whitespaceRuns = regexp.MustCompile(`\s+`)

// Everything outside the allowed charset (letters, digits, underscore,
// whitespace, and -.,()/ punctuation)
var disallowedTextChars = regexp.MustCompile(`[^\p{L}\p{N}_\s\-.,()/]`)

// NormalizeText collapses whitespace and blanks out characters outside the
// allowed charset (letters, digits, underscore, whitespace, -.,()/).
// Disallowed characters become a space rather than vanishing, so "Ward©3"
// stays two tokens instead of fusing into "Ward3".
// Idempotent: NormalizeText(NormalizeText(s)) == NormalizeText(s).
func NormalizeText(text string) string {
	normalized := whitespaceRuns.ReplaceAllString(text, " ")
	normalized = disallowedTextChars.ReplaceAllString(normalized, " ")
	// The substitution can leave runs of spaces, collapse again
	normalized = whitespaceRuns.ReplaceAllString(normalized, " ")
	return strings.TrimSpace(normalized)
}

// FormatDuration renders a duration as "2h 5m 3s" style for run summaries.
func FormatDuration(d time.Duration) string {
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := d.Seconds() - float64(hours*3600+minutes*60)
	switch {
	case hours > 0:
		return fmt.Sprintf("%dh %dm %.0fs", hours, minutes, seconds)
	case minutes > 0:
		return fmt.Sprintf("%dm %.0fs", minutes, seconds)
	default:
		return fmt.Sprintf("%.1fs", seconds)
	}
}
