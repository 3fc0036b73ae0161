package schema

import (
	"encoding/json"
	"regexp"
	"strings"
)

var (
	jsonFenceRe    = regexp.MustCompile("(?s)```json\\s*(.*?)\\s*```")
	genericFenceRe = regexp.MustCompile("(?s)```\\s*(.*?)\\s*```")
)

// ExtractJSON tries, in order, to find a JSON object embedded in free-form
// text: a bare leading object, a ```json fenced block, a
// generic fenced block, and finally the first balanced {...} substring
// found by depth counting. It returns the first candidate that parses as
// valid JSON, or nil if none do.
func ExtractJSON(text string) map[string]any {
	for _, candidate := range extractionCandidates(text) {
		var decoded map[string]any
		if err := json.Unmarshal([]byte(candidate), &decoded); err == nil {
			return decoded
		}
	}
	return nil
}

func extractionCandidates(text string) []string {
	var candidates []string

	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "{") {
		candidates = append(candidates, trimmed)
	}

	if m := jsonFenceRe.FindStringSubmatch(text); m != nil {
		candidates = append(candidates, m[1])
	}

	if m := genericFenceRe.FindStringSubmatch(text); m != nil {
		candidates = append(candidates, m[1])
	}

	if span := firstBalancedBraces(text); span != "" {
		candidates = append(candidates, span)
	}

	return candidates
}

// firstBalancedBraces scans text for the first substring starting at an
// opening '{' whose braces balance out, ignoring braces inside double-
// quoted strings.
func firstBalancedBraces(text string) string {
	return firstBalancedSpan(text, '{', '}')
}

// ExtractJSONArray applies the same multi-mode strategy as ExtractJSON
// (bare leading value, ```json fence, generic fence, balanced-span scan)
// but for a top-level JSON array instead of an object. The orchestrator's
// planning phase uses this: the model is asked to emit a JSON array of
// tasks rather than a single object.
func ExtractJSONArray(text string) []any {
	for _, candidate := range extractionCandidatesFor(text, '[', ']') {
		var decoded []any
		if err := json.Unmarshal([]byte(candidate), &decoded); err == nil {
			return decoded
		}
	}
	return nil
}

func extractionCandidatesFor(text string, open, close byte) []string {
	var candidates []string

	trimmed := strings.TrimSpace(text)
	if len(trimmed) > 0 && trimmed[0] == open {
		candidates = append(candidates, trimmed)
	}

	if m := jsonFenceRe.FindStringSubmatch(text); m != nil {
		candidates = append(candidates, m[1])
	}

	if m := genericFenceRe.FindStringSubmatch(text); m != nil {
		candidates = append(candidates, m[1])
	}

	if span := firstBalancedSpan(text, rune(open), rune(close)); span != "" {
		candidates = append(candidates, span)
	}

	return candidates
}

// firstBalancedSpan scans text for the first substring starting at an
// opening rune whose matching closing rune balances out, ignoring
// delimiters inside double-quoted strings.
func firstBalancedSpan(text string, open, close rune) string {
	start := -1
	depth := 0
	inString := false
	escaped := false

	for i, r := range text {
		if start == -1 {
			if r == open {
				start = i
				depth = 1
			}
			continue
		}

		if inString {
			switch {
			case escaped:
				escaped = false
			case r == '\\':
				escaped = true
			case r == '"':
				inString = false
			}
			continue
		}

		switch r {
		case '"':
			inString = true
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}
