// Package xpath implements C3: tolerant extraction of candidate XPath
// strings from free-form model output, and the safety filter C5 applies
// before ever invoking the browser port with a candidate.
//
// The tolerant-parsing shape — try strict JSON first, fall back to scanning
// for something plausible — is grounded on the teacher's llm/openai.go,
// which validates model output with json.Valid before trusting it and
// otherwise surfaces a classified failure rather than panicking.
package xpath

import (
	"encoding/json"
	"regexp"
	"strings"
)

// fencedBlockRe matches a single fenced code block, optionally annotated
// with a language/content-type tag (```json, ```, etc).
var fencedBlockRe = regexp.MustCompile("(?s)```[a-zA-Z]*\\s*\\n?(.*?)```")

// xpathShapeRe recognizes plausible XPath expressions: a leading "//",
// a name step, optional bracketed predicates, and further "/"-separated
// steps.
var xpathShapeRe = regexp.MustCompile(`//[A-Za-z*][\w:-]*(?:\[[^\]\n]*\])*(?:/[A-Za-z*@][\w:.\-]*(?:\[[^\]\n]*\])*)*`)

// ParseCandidates extracts a de-duplicated, order-preserving list of
// candidate XPath strings from raw model output, per §4.3's three-step
// policy. An empty result is a valid outcome.
func ParseCandidates(raw string) []string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil
	}

	if list := parseStringArray(trimmed); len(list) > 0 {
		return dedupe(list)
	}

	if m := fencedBlockRe.FindStringSubmatch(trimmed); m != nil {
		if list := parseStringArray(strings.TrimSpace(m[1])); len(list) > 0 {
			return dedupe(list)
		}
	}

	matches := xpathShapeRe.FindAllString(trimmed, -1)
	return dedupe(matches)
}

// parseStringArray attempts to unmarshal s as a JSON array of strings,
// discarding any non-string elements. Returns nil if s is not a JSON array.
func parseStringArray(s string) []string {
	var raw []json.RawMessage
	if err := json.Unmarshal([]byte(s), &raw); err != nil {
		return nil
	}

	out := make([]string, 0, len(raw))
	for _, r := range raw {
		var str string
		if err := json.Unmarshal(r, &str); err == nil {
			out = append(out, str)
		}
	}
	return out
}

// dedupe preserves first-seen order while dropping repeats and blanks.
func dedupe(items []string) []string {
	if len(items) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, it := range items {
		if it == "" {
			continue
		}
		if _, ok := seen[it]; ok {
			continue
		}
		seen[it] = struct{}{}
		out = append(out, it)
	}
	return out
}

// MaxSelectorLength is the §8 boundary: candidates longer than this are
// rejected without ever invoking the browser port.
const MaxSelectorLength = 500

// safeCharsRe restricts accepted selectors to a conservative XPath charset —
// letters, digits, and the punctuation XPath step/predicate syntax needs.
// Anything else (e.g. a ";", "$", "{" or backtick) is rejected outright.
// Single and double quotes are allowed, since XPath predicates need them.
var safeCharsRe = regexp.MustCompile(`^[a-zA-Z0-9_@/\[\]().,:'"*\s=<>!&|+-]+$`)

// IsSafe reports whether a candidate selector passes the §4.5/§8 safety
// filter: bounded length, restricted character set.
func IsSafe(candidate string) bool {
	if candidate == "" || len(candidate) > MaxSelectorLength {
		return false
	}
	return safeCharsRe.MatchString(candidate)
}
