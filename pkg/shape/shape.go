// Package shape prepares assistant reply text for a constrained glasses
// display.
//
// Shaping happens in three passes: normalization (control characters, line
// endings, paragraph spacing), bounded truncation, and sentence-aware
// segmentation. The output is deterministic and idempotent — shaping the
// FullText of a previous result reproduces the same segments.
package shape

import (
	"strings"
)

// Limits bounds the shaped output.
type Limits struct {
	// MaxSegmentChars is the maximum rune length of a single display segment.
	MaxSegmentChars int

	// MaxSegments caps the number of segments; text beyond the cap is dropped
	// from the segment list (FullText still carries it, subject to
	// MaxTotalChars).
	MaxSegments int

	// MaxTotalChars is the maximum rune length of the whole reply. Longer
	// replies are cut and flagged as truncated.
	MaxTotalChars int
}

// DefaultLimits suits a single-line head-up display with a short scrollback.
var DefaultLimits = Limits{
	MaxSegmentChars: 140,
	MaxSegments:     10,
	MaxTotalChars:   1400,
}

// Segment is one display unit of the shaped reply.
type Segment struct {
	// Index numbers segments sequentially from 0 across the whole reply.
	Index int `json:"index"`

	// Text is the segment content.
	Text string `json:"text"`

	// Continuation is true for every segment after the first that was derived
	// from a single paragraph, letting the display render a continuation
	// marker instead of a paragraph break.
	Continuation bool `json:"continuation"`
}

// Result is the shaped reply.
type Result struct {
	// FullText is the normalized (and possibly truncated) reply.
	FullText string `json:"fullText"`

	// Segments is the display segmentation of FullText.
	Segments []Segment `json:"segments"`

	// Truncated reports whether FullText was cut at MaxTotalChars.
	Truncated bool `json:"truncated"`
}

// sentence terminators considered when splitting an over-long paragraph.
const terminators = ".!?"

// Shape normalizes, truncates, and segments text under lim. Zero or negative
// limit fields fall back to [DefaultLimits].
func Shape(text string, lim Limits) Result {
	if lim.MaxSegmentChars <= 0 {
		lim.MaxSegmentChars = DefaultLimits.MaxSegmentChars
	}
	if lim.MaxSegments <= 0 {
		lim.MaxSegments = DefaultLimits.MaxSegments
	}
	if lim.MaxTotalChars <= 0 {
		lim.MaxTotalChars = DefaultLimits.MaxTotalChars
	}

	normalized := Normalize(text)

	truncated := false
	runes := []rune(normalized)
	if len(runes) > lim.MaxTotalChars {
		normalized = strings.TrimRight(string(runes[:lim.MaxTotalChars]), " \t\n")
		truncated = true
	}

	return Result{
		FullText:  normalized,
		Segments:  segment(normalized, lim),
		Truncated: truncated,
	}
}

// Normalize strips ASCII control characters except tab and newline, converts
// CRLF and bare CR line endings to LF, collapses runs of three or more
// newlines down to exactly two (preserving paragraph breaks), and trims outer
// whitespace.
func Normalize(text string) string {
	// Line endings first, so carriage returns survive as newlines rather than
	// being dropped by the control-character pass.
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if r < 0x20 && r != '\t' && r != '\n' {
			continue
		}
		if r == 0x7f {
			continue
		}
		b.WriteRune(r)
	}
	text = b.String()

	// Collapse 3+ newlines (ignoring any trailing count) to a paragraph break.
	for strings.Contains(text, "\n\n\n") {
		text = strings.ReplaceAll(text, "\n\n\n", "\n\n")
	}

	return strings.TrimSpace(text)
}

// segment splits text on paragraph boundaries and further splits over-long
// paragraphs at the latest sentence terminator inside the window, or at the
// window edge when no terminator exists.
func segment(text string, lim Limits) []Segment {
	if text == "" {
		return nil
	}

	var out []Segment
	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		for i, piece := range splitParagraph(para, lim.MaxSegmentChars) {
			if len(out) >= lim.MaxSegments {
				return out
			}
			out = append(out, Segment{
				Index:        len(out),
				Text:         piece,
				Continuation: i > 0,
			})
		}
	}
	return out
}

// splitParagraph cuts para into pieces of at most max runes each, preferring
// the latest sentence terminator at or before the limit.
func splitParagraph(para string, max int) []string {
	runes := []rune(para)
	if len(runes) <= max {
		return []string{para}
	}

	var pieces []string
	for len(runes) > 0 {
		if len(runes) <= max {
			pieces = append(pieces, strings.TrimSpace(string(runes)))
			break
		}
		cut := max
		window := runes[:max]
		if at := lastTerminator(window); at >= 0 {
			cut = at + 1
		}
		pieces = append(pieces, strings.TrimSpace(string(runes[:cut])))
		runes = trimLeadingSpace(runes[cut:])
	}

	// Drop pieces reduced to nothing by trimming.
	filtered := pieces[:0]
	for _, p := range pieces {
		if p != "" {
			filtered = append(filtered, p)
		}
	}
	return filtered
}

// lastTerminator returns the index of the last sentence terminator in window,
// or -1 when none exists.
func lastTerminator(window []rune) int {
	for i := len(window) - 1; i >= 0; i-- {
		if strings.ContainsRune(terminators, window[i]) {
			return i
		}
	}
	return -1
}

func trimLeadingSpace(runes []rune) []rune {
	for len(runes) > 0 && (runes[0] == ' ' || runes[0] == '\t' || runes[0] == '\n') {
		runes = runes[1:]
	}
	return runes
}
