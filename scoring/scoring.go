// Package scoring implements C2: a pure function mapping ElementDetails to a
// 0..1 quality score, and the ranking operator used to pick among candidates.
//
// The weighted-sum-of-signals shape is grounded on the teacher's
// cleaner/pruning.go scoreElement (text density / link density / tag weight
// / class-id weight) and on the heuristics-assessor rule-weight scaffold
// seen in the wider pack (regex/selector rules each contributing a weight to
// a running score, clamped at the end).
package scoring

import "github.com/use-agent/extractengine/ports"

// MinContentChars is the §4.2 textLength threshold.
const MinContentChars = 200

// MinScoreThreshold is the §4.5 acceptance bar.
const MinScoreThreshold = 0.7

// Score computes the §4.2 weighted sum, clamped to [0,1].
func Score(d ports.ElementDetails) float64 {
	var s float64

	if d.TextLength > MinContentChars {
		s += 0.30
	}
	if d.LinkDensity < 0.30 {
		s += 0.20
	}
	if d.ParagraphCount >= 3 {
		s += 0.15
	}
	if d.HeadingCount >= 1 {
		s += 0.10
	}
	if d.SemanticScore > 0 {
		s += 0.15
	}
	if d.DOMDepth > 3 && d.DOMDepth < 10 {
		s += 0.10
	}
	if d.UnwantedTagScore > 0 {
		s -= 0.30
	}

	if s < 0 {
		s = 0
	}
	if s > 1 {
		s = 1
	}
	return s
}

// Accepted reports whether details clear the §4.5 acceptance bar.
func Accepted(d *ports.ElementDetails) bool {
	if d == nil {
		return false
	}
	return d.TextLength >= MinContentChars && Score(*d) >= MinScoreThreshold
}

// Candidate pairs a candidate xpath with its (possibly absent) details.
type Candidate struct {
	XPath   string
	Details *ports.ElementDetails
}

// Rank sorts candidates by score descending, missing details scoring 0, with
// a stable sort so ties preserve input order (§4.2).
func Rank(candidates []Candidate) []Candidate {
	ranked := make([]Candidate, len(candidates))
	copy(ranked, candidates)

	scores := make([]float64, len(ranked))
	for i, c := range ranked {
		if c.Details != nil {
			scores[i] = Score(*c.Details)
		}
	}

	// Stable insertion sort: the candidate counts here are small (a handful
	// of model suggestions per request), and stability must be exact.
	for i := 1; i < len(ranked); i++ {
		j := i
		for j > 0 && scores[j] > scores[j-1] {
			ranked[j], ranked[j-1] = ranked[j-1], ranked[j]
			scores[j], scores[j-1] = scores[j-1], scores[j]
			j--
		}
	}
	return ranked
}

// Best returns the top-ranked candidate, or nil if candidates is empty.
func Best(candidates []Candidate) *Candidate {
	ranked := Rank(candidates)
	if len(ranked) == 0 {
		return nil
	}
	return &ranked[0]
}
