package pipeline

import (
	"regexp"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	radix "github.com/armon/go-radix"
)

// Method names the rule that produced an extraction.
type Method string

const (
	MethodNone     Method = ""
	MethodMarkers  Method = "markers"
	MethodInline   Method = "inline"
	MethodUnclosed Method = "unclosed"
	MethodFallback Method = "fallback"
)

// Extraction is the final answer isolated from raw model text. OK is false
// when nothing usable was found, which differs from an OK empty answer.
type Extraction struct {
	Text          string
	OK            bool
	Method        Method
	LowConfidence bool // fallback results may still contain leaked reasoning
}

// ResponseExtractor isolates the delimited final answer from model output.
type ResponseExtractor struct {
	span      *regexp.Regexp // open marker, lazy body, close marker
	open      *regexp.Regexp
	markers   *regexp.Regexp // either marker, stripped from fallback lines
	inline    *regexp.Regexp // nil when no inline marker is configured
	minLength int

	mu        sync.RWMutex
	reasoning *radix.Tree // lower-cased line prefixes treated as reasoning
}

// NewResponseExtractor creates an extractor. Markers match case-insensitively.
func NewResponseExtractor(openMarker, closeMarker, inlineMarker string, minLength int, reasoningPrefixes []string) *ResponseExtractor {
	open, closing := regexp.QuoteMeta(openMarker), regexp.QuoteMeta(closeMarker)
	e := &ResponseExtractor{
		span:      regexp.MustCompile(`(?is)` + open + `(.*?)` + closing),
		open:      regexp.MustCompile(`(?i)` + open),
		markers:   regexp.MustCompile(`(?i)` + open + `|` + closing),
		minLength: minLength,
	}
	if inlineMarker != "" {
		e.inline = regexp.MustCompile(`(?i)` + regexp.QuoteMeta(inlineMarker))
	}
	e.SetReasoningPrefixes(reasoningPrefixes)
	return e
}

// SetReasoningPrefixes replaces the fallback deny-list.
func (e *ResponseExtractor) SetReasoningPrefixes(prefixes []string) {
	tree := radix.New()
	for _, p := range prefixes {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			tree.Insert(p, struct{}{})
		}
	}

	e.mu.Lock()
	e.reasoning = tree
	e.mu.Unlock()
}

// Extract applies, in order: the last marker span, the text after the first
// inline marker, the text after an open marker that was never closed, and the
// last non-reasoning line. The first rule that matches decides; a result
// shorter than the minimum length is a failure.
func (e *ResponseExtractor) Extract(raw string) Extraction {
	if matches := e.span.FindAllStringSubmatch(raw, -1); len(matches) > 0 {
		return e.accept(matches[len(matches)-1][1], MethodMarkers, false)
	}

	if e.inline != nil {
		if loc := e.inline.FindStringIndex(raw); loc != nil {
			return e.accept(raw[loc[1]:], MethodInline, false)
		}
	}

	// An unclosed span is usually an answer cut off at max_tokens.
	if locs := e.open.FindAllStringIndex(raw, -1); len(locs) > 0 {
		return e.accept(raw[locs[len(locs)-1][1]:], MethodUnclosed, true)
	}

	if line, ok := e.lastAnswerLine(raw); ok {
		return e.accept(line, MethodFallback, true)
	}
	return Extraction{}
}

func (e *ResponseExtractor) accept(text string, method Method, lowConfidence bool) Extraction {
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) < e.minLength {
		return Extraction{Method: method}
	}
	return Extraction{Text: text, OK: true, Method: method, LowConfidence: lowConfidence}
}

// lastAnswerLine returns the last non-empty line that does not open like
// reasoning. This is a heuristic and can be fooled either way.
func (e *ResponseExtractor) lastAnswerLine(raw string) (string, bool) {
	lines := strings.Split(strings.ReplaceAll(raw, "\r\n", "\n"), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(e.markers.ReplaceAllString(lines[i], ""))
		if line == "" || e.looksLikeReasoning(line) {
			continue
		}
		return line, true
	}
	return "", false
}

func (e *ResponseExtractor) looksLikeReasoning(line string) bool {
	lower := strings.ToLower(line)

	e.mu.RLock()
	defer e.mu.RUnlock()

	found := false
	e.reasoning.WalkPath(lower, func(prefix string, _ interface{}) bool {
		// Only whole-word prefixes count: "we should" but not "we shoulder".
		rest := lower[len(prefix):]
		next, _ := utf8.DecodeRuneInString(rest)
		if rest == "" || !unicode.IsLetter(next) {
			found = true
		}
		return found
	})
	return found
}
