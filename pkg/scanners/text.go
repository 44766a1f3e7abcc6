package scanners

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// maskThreshold is the evidence length above which the middle of a
// matched span is replaced with a redaction marker.
const maskThreshold = 100

const redactionMarker = "...[REDACTED]..."

// normalizeText applies NFKC normalization so homoglyph and fullwidth
// tricks don't slip past pattern matching.
func normalizeText(s string) string {
	return norm.NFKC.String(s)
}

// maskEvidence truncates long matched spans, keeping the head and tail.
// Cut points back off to rune boundaries so the result stays valid
// UTF-8.
func maskEvidence(s string) string {
	if len(s) <= maskThreshold {
		return s
	}
	head := 40
	for head > 0 && !utf8.RuneStart(s[head]) {
		head--
	}
	tail := len(s) - 40
	for tail < len(s) && !utf8.RuneStart(s[tail]) {
		tail++
	}
	return s[:head] + redactionMarker + s[tail:]
}

// maskValue hides all but the last 4 characters of a sensitive value,
// e.g. "123-45-6789" -> "*******6789".
func maskValue(s string) string {
	if len(s) <= 4 {
		return strings.Repeat("*", len(s))
	}
	return strings.Repeat("*", len(s)-4) + s[len(s)-4:]
}
