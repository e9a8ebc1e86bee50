// Package solver provides a ports.ChallengeSolver stub. No third-party
// CAPTCHA-solving vendor is in scope here (see §9's generic-challenge open
// question); this adapter exists so the pipeline always has a non-nil
// solver port to call, reporting every challenge as unsolved rather than
// leaving the port nil and forcing every caller to guard against it.
package solver

import (
	"context"

	"github.com/use-agent/extractengine/ports"
)

// Unsupported always reports a challenge as unsolved. It is the default
// wiring until a real vendor adapter (e.g. a CAPTCHA-solving API client) is
// added.
type Unsupported struct{}

// Solve always returns an unsolved result; it never fails outright, since
// an unsolved challenge is a tolerated engine outcome (§7 CHALLENGE), not a
// transport error.
func (Unsupported) Solve(ctx context.Context, req ports.SolveRequest) (ports.SolveResult, error) {
	return ports.SolveResult{
		Solved: false,
		Reason: "no challenge-solver vendor configured",
	}, nil
}
