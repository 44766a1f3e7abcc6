package policy

import (
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/clay-good/proxilion-grc-sub001/pkg/contracts"
)

const defaultReplacement = "[REDACTED]"

// ApplyRedaction returns a deep copy of the request with every finding
// span replaced. Scanners emit byte offsets into the NFKC-normalized
// message text, so the redacted message is rebuilt from that same
// normalized form; overlapping spans are merged so the replacement is
// applied once per contiguous region. The replacement string comes from
// the decision's "replacement" param when present.
func ApplyRedaction(req *contracts.Request, findings []contracts.Finding, params map[string]string) *contracts.Request {
	replacement := defaultReplacement
	if params != nil && params["replacement"] != "" {
		replacement = params["replacement"]
	}

	out := req.Clone()
	byMessage := make(map[int][]contracts.Location)
	for _, f := range findings {
		loc := f.Location
		if loc.MessageIndex < 0 || loc.MessageIndex >= len(out.Messages) {
			continue
		}
		if loc.End <= loc.Start {
			continue
		}
		byMessage[loc.MessageIndex] = append(byMessage[loc.MessageIndex], loc)
	}

	for idx, locs := range byMessage {
		text := norm.NFKC.String(out.Messages[idx].Text())
		out.Messages[idx].Content = redactSpans(text, locs, replacement)
		out.Messages[idx].Parts = nil
	}
	return out
}

// redactSpans rebuilds text with each merged byte span replaced.
func redactSpans(text string, locs []contracts.Location, replacement string) string {
	merged := mergeSpans(locs, len(text))
	var b strings.Builder
	prev := 0
	for _, s := range merged {
		b.WriteString(text[prev:s.Start])
		b.WriteString(replacement)
		prev = s.End
	}
	b.WriteString(text[prev:])
	return b.String()
}

type span struct{ Start, End int }

func mergeSpans(locs []contracts.Location, limit int) []span {
	spans := make([]span, 0, len(locs))
	for _, l := range locs {
		start, end := l.Start, l.End
		if start < 0 {
			start = 0
		}
		if end > limit {
			end = limit
		}
		if end <= start {
			continue
		}
		spans = append(spans, span{start, end})
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].Start < spans[j].Start })

	out := spans[:0]
	for _, s := range spans {
		if len(out) > 0 && s.Start <= out[len(out)-1].End {
			if s.End > out[len(out)-1].End {
				out[len(out)-1].End = s.End
			}
			continue
		}
		out = append(out, s)
	}
	return out
}
