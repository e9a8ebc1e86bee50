// Package validate implements C5: given a page handle and a candidate
// selector, decide whether the selector survives the safety filter, what
// the browser reports about the element it names, and whether that
// evidence clears the acceptance bar.
package validate

import (
	"context"

	"github.com/use-agent/extractengine/ports"
	"github.com/use-agent/extractengine/scoring"
	"github.com/use-agent/extractengine/xpath"
)

// Result is the outcome of validating one candidate selector.
type Result struct {
	XPath    string
	Accepted bool
	Details  *ports.ElementDetails
	Rejected string // reason a rejected candidate was rejected, for logging
}

// Candidate checks candidate against the safety filter, then (if it
// passes) asks browser to evaluate it and collects element details. The
// candidate is accepted iff details are present and scoring.Accepted holds.
func Candidate(ctx context.Context, browser ports.Browser, page ports.PageID, candidate string) (Result, error) {
	if !xpath.IsSafe(candidate) {
		return Result{XPath: candidate, Accepted: false, Rejected: "unsafe selector"}, nil
	}

	matches, err := browser.EvaluateSelector(ctx, page, candidate)
	if err != nil {
		return Result{}, err
	}
	if len(matches) != 1 {
		return Result{XPath: candidate, Accepted: false, Rejected: "selector did not resolve to exactly one element"}, nil
	}

	details, err := browser.GetElementDetails(ctx, page, candidate)
	if err != nil {
		return Result{}, err
	}

	if !scoring.Accepted(details) {
		return Result{XPath: candidate, Accepted: false, Details: details, Rejected: "below acceptance bar"}, nil
	}

	return Result{XPath: candidate, Accepted: true, Details: details}, nil
}
