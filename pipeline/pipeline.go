// Package pipeline implements C6: the central strategy state machine that
// turns a URL and options into a ScrapeResult by driving the browser,
// model, challenge-solver, and store ports. The engine never references a
// concrete adapter — only the ports package's interfaces.
//
// The numbered-step, scope-guarded shape (load a resource, defer its
// release on every exit path, fall through a sequence of named stages) is
// grounded on the teacher's scraper/page.go doScrapeRod, generalized from
// one fixed HTTP-fetch flow into the rule-lookup / discovery branching
// this state machine needs. Structured logging follows the same file's use
// of log/slog with key-value pairs rather than formatted strings.
//
// Scrape itself admits every call through the engine's own C7 queue
// (§2's Flow: "C7 admits or rejects; when admitted, C6 runs") before
// running the state machine below, so the FIFO-ordering and
// maxInFlight/queue-full guarantees in §5/§8 hold for the public API, not
// only for a queue instance wired up separately by a caller.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/use-agent/extractengine/domainkey"
	"github.com/use-agent/extractengine/domscan"
	"github.com/use-agent/extractengine/errs"
	"github.com/use-agent/extractengine/format"
	"github.com/use-agent/extractengine/ports"
	"github.com/use-agent/extractengine/queue"
	"github.com/use-agent/extractengine/scoring"
	"github.com/use-agent/extractengine/validate"
	"github.com/use-agent/extractengine/xpath"
)

// RediscoverThreshold is the default consecutive-failure count (REDISCOVER_N
// in §4.6) after which a known rule is abandoned in favor of discovery.
// Callers may override it by setting Engine.RediscoverThreshold.
const RediscoverThreshold = 2

// Options are the per-call knobs §6.1 exposes.
type Options struct {
	OutputMode       format.Mode
	SelectorOverride string
	Proxy            string
	UserAgent        string
	Timeout          time.Duration
	CorrelationID    string
}

// Result is the §3 ScrapeResult.
type Result struct {
	Success  bool
	Selector string
	Method   ports.Method
	Data     any
	// ErrorKind is one of errs.Kind; empty when Success is true.
	ErrorKind errs.Kind
	Error     string
	Details   string
}

// Engine wires the four ports together behind the scrape operation.
type Engine struct {
	Browser             ports.Browser
	Model               ports.Model
	Solver              ports.ChallengeSolver
	Store               ports.Store
	Log                 *slog.Logger
	RediscoverThreshold int

	// Queue is the C7 admission gate every Scrape call is submitted
	// through (§9's Design Note: "the only legitimate process-wide state
	// is the request queue instance owned by the engine"). New wires up
	// a default-configured queue; callers needing a different
	// maxInFlight/maxWaiting replace this field before the first Scrape
	// call.
	Queue *queue.Queue
}

// New constructs an Engine with the given ports. A nil logger falls back to
// slog.Default(). The engine owns a default-configured (maxInFlight=1,
// maxWaiting=100) admission queue; replace Engine.Queue to reconfigure it.
func New(browser ports.Browser, model ports.Model, solver ports.ChallengeSolver, store ports.Store, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		Browser:             browser,
		Model:               model,
		Solver:              solver,
		Store:               store,
		Log:                 log,
		RediscoverThreshold: RediscoverThreshold,
		Queue:               queue.New(queue.DefaultMaxInFlight, queue.DefaultMaxWaiting),
	}
}

func (e *Engine) rediscoverThreshold() int {
	if e.RediscoverThreshold > 0 {
		return e.RediscoverThreshold
	}
	return RediscoverThreshold
}

// Scrape is the §6.1 public surface: it admits the request through the
// engine's C7 queue — waiting its turn FIFO behind maxInFlight concurrent
// runs, or rejecting synchronously once the waiting list is full — and
// only then runs the §4.6 state machine. A queue-full or
// cancelled-before-admission outcome is reported as an UNKNOWN Result,
// consistent with §7's "the pipeline does not throw across the admission
// boundary". A panic inside the state machine is recovered and reported as
// an UNKNOWN Result with the panic value in Details.
func (e *Engine) Scrape(ctx context.Context, rawURL string, opts Options) (Result, error) {
	var result Result
	if err := e.Queue.Submit(ctx, rawURL, func(ctx context.Context) error {
		defer func() {
			if r := recover(); r != nil {
				result = fail(errs.Unknown, "unexpected panic in pipeline", fmt.Errorf("%v", r))
			}
		}()
		var innerErr error
		result, innerErr = e.scrape(ctx, rawURL, opts)
		return innerErr
	}); err != nil {
		return fail(errs.Unknown, "request not admitted", err), nil
	}
	return result, nil
}

// scrape runs the full §4.6 state machine for one URL, once admitted.
// Operational failures are returned in Result, never as an error; err is
// reserved for caller misuse and unrecoverable infrastructure failure, per
// §7.
func (e *Engine) scrape(ctx context.Context, rawURL string, opts Options) (Result, error) {
	log := e.Log.With("correlationId", opts.CorrelationID, "url", rawURL)

	// ── VALIDATE_URL ──────────────────────────────────────────────────
	parsed, err := validateURL(rawURL)
	if err != nil {
		return fail(errs.Configuration, "invalid url", err), nil
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	domain := domainkey.Normalize(parsed.Hostname())

	// ── LOOKUP_RULE ───────────────────────────────────────────────────
	var known *ports.SiteConfig
	if opts.SelectorOverride == "" {
		known, err = e.Store.Get(ctx, domain)
		if err != nil {
			log.Error("store get failed", "error", err)
			return fail(errs.Unknown, "store lookup failed", err), nil
		}
	}

	needsDiscovery := known == nil || known.FailuresSinceSuccess >= e.rediscoverThreshold()
	selector := opts.SelectorOverride
	if selector == "" && known != nil {
		selector = known.Selector
	}
	if opts.SelectorOverride != "" {
		needsDiscovery = false // known-rule override: try it first (§4.6 detail rules)

		// §7: an override selector that fails the safety filter is a
		// CONFIGURATION error, distinct from a selector that is safe but
		// evaluates to nothing. It must never reach validate.Candidate or
		// the browser port.
		if !xpath.IsSafe(opts.SelectorOverride) {
			return fail(errs.Configuration, "selector override failed the safety filter", nil), nil
		}
	}

	// ── LOAD_PAGE ─────────────────────────────────────────────────────
	page, err := e.Browser.LoadPage(ctx, rawURL, ports.LoadOptions{
		Proxy:     opts.Proxy,
		UserAgent: opts.UserAgent,
		Timeout:   opts.Timeout,
		Stealth:   true,
	})
	if err != nil {
		return fail(errs.Network, "page load failed", err), nil
	}
	defer func() {
		if cerr := e.Browser.ClosePage(context.Background(), page); cerr != nil {
			log.Warn("failed to close page", "error", cerr)
		}
	}()

	// ── DETECT_CHALLENGE / SOLVE_CHALLENGE ───────────────────────────
	solvedChallenge := false
	challenge, err := e.Browser.DetectChallenge(ctx, page)
	if err != nil {
		return fail(errs.Network, "challenge detection failed", err), nil
	}
	if challenge.Kind != ports.ChallengeNone {
		solved, res, err := e.solveChallenge(ctx, page, challenge, rawURL, opts)
		if err != nil {
			return fail(errs.Unknown, "challenge solve failed", err), nil
		}
		if !solved {
			return res, nil
		}
		solvedChallenge = true
	}

	if opts.OutputMode == format.ModeFullHTML {
		html, err := e.Browser.GetPageHTML(ctx, page)
		if err != nil {
			return fail(errs.Network, "failed to read rendered page", err), nil
		}
		shaped, err := format.Shape(format.ModeFullHTML, "", html, "", ports.SiteConfig{})
		if err != nil {
			return fail(errs.Configuration, "formatting failed", err), nil
		}
		return Result{Success: true, Method: methodFor(solvedChallenge), Data: shaped.Text}, nil
	}

	// ── APPLY_RULE (known selector, when one is available) ───────────
	isOverride := opts.SelectorOverride != ""
	if !needsDiscovery && selector != "" {
		res, err := validate.Candidate(ctx, e.Browser, page, selector)
		if err != nil {
			return fail(errs.Network, "selector evaluation failed", err), nil
		}
		if res.Accepted {
			if err := e.Store.MarkSuccess(ctx, domain); err != nil {
				log.Warn("failed to mark store success", "error", err)
			}
			return e.finish(ctx, page, selector, methodFor(solvedChallenge), opts, known)
		}

		if isOverride {
			// Known-rule override: the selector passed the safety filter
			// above but was rejected on evaluation (no match, or scored too
			// low). Fall through to a single discovery attempt
			// unconditionally (§4.6 detail rules).
			return e.discover(ctx, page, domain, rawURL, solvedChallenge, opts)
		}

		if err := e.Store.IncrementFailure(ctx, domain); err != nil {
			log.Warn("failed to increment store failure", "error", err)
		}
		refreshed, _ := e.Store.Get(ctx, domain)
		if refreshed == nil || refreshed.FailuresSinceSuccess < e.rediscoverThreshold() {
			return fail(errs.Extraction, "selector no longer matches main content", nil), nil
		}
		// crossed the rediscovery threshold: fall through to DISCOVER
	}

	// ── DISCOVER ──────────────────────────────────────────────────────
	return e.discover(ctx, page, domain, rawURL, solvedChallenge, opts)
}

// solveChallenge drives SOLVE_CHALLENGE and the cookie-inject/reload step.
// It returns (true, zero-Result, nil) on success, or (false, failure
// Result, nil) when the challenge could not be solved.
func (e *Engine) solveChallenge(ctx context.Context, page ports.PageID, ch ports.Challenge, rawURL string, opts Options) (bool, Result, error) {
	if ch.Kind == ports.ChallengeGeneric && ch.SiteKey == "" {
		// §9 Open Question: a generic challenge missing a site key is an
		// immediate failure, never a solver invocation.
		return false, fail(errs.Challenge, "generic challenge missing site key", nil), nil
	}

	result, err := e.Solver.Solve(ctx, ports.SolveRequest{
		Page: page, Kind: ch.Kind, PageURL: rawURL, CaptchaURL: ch.CaptchaURL,
		SiteKey: ch.SiteKey, Proxy: opts.Proxy, UserAgent: opts.UserAgent,
	})
	if err != nil {
		return false, Result{}, err
	}
	if !result.Solved {
		return false, fail(errs.Challenge, "challenge solve failed", fmt.Errorf("%s", result.Reason)), nil
	}

	if result.UpdatedCookie != "" {
		if err := e.Browser.SetCookies(ctx, page, result.UpdatedCookie); err != nil {
			return false, Result{}, err
		}
		if err := e.Browser.Reload(ctx, page, opts.Timeout); err != nil {
			return false, Result{}, err
		}
	}
	return true, Result{}, nil
}

// discover runs SUMMARIZE_DOM, MODEL_SUGGEST, and per-candidate VALIDATE,
// persisting the best surviving candidate.
func (e *Engine) discover(ctx context.Context, page ports.PageID, domain, rawURL string, solvedChallenge bool, opts Options) (Result, error) {
	html, err := e.Browser.GetPageHTML(ctx, page)
	if err != nil {
		return fail(errs.Network, "failed to read rendered page", err), nil
	}

	simplified := domscan.Simplify(html)
	snippets := domscan.Snippets(html, 3, 150)

	suggestions, err := e.Model.Suggest(ctx, ports.SuggestRequest{
		SimplifiedDOM: simplified,
		Snippets:      snippets,
		URL:           rawURL,
	})
	if err != nil {
		return fail(errs.Model, "model suggestion failed", err), nil
	}
	if len(suggestions) == 0 {
		return fail(errs.Model, "model returned no candidates", nil), nil
	}

	var candidates []scoring.Candidate
	var validated []validate.Result
	for _, s := range suggestions {
		if !xpath.IsSafe(s.XPath) {
			continue
		}
		res, err := validate.Candidate(ctx, e.Browser, page, s.XPath)
		if err != nil {
			e.Log.Warn("candidate validation failed", "xpath", s.XPath, "error", err)
			continue
		}
		validated = append(validated, res)
		candidates = append(candidates, scoring.Candidate{XPath: res.XPath, Details: res.Details})
	}

	best := scoring.Best(candidates)
	if best == nil || !scoring.Accepted(best.Details) {
		return fail(errs.Extraction, "no candidate cleared the acceptance bar", nil), nil
	}

	method := methodFor(solvedChallenge)
	cfg := ports.SiteConfig{
		Domain:               domain,
		Selector:             best.XPath,
		Method:               method,
		DiscoveredByModel:    true,
		NeedsChallengeSolver: solvedChallenge,
	}
	if err := e.Store.Save(ctx, cfg); err != nil {
		return fail(errs.Unknown, "failed to persist discovered rule", err), nil
	}

	return e.finish(ctx, page, best.XPath, method, opts, &cfg)
}

// finish evaluates the chosen selector one final time to obtain the
// extracted fragment, and formats it per the requested output mode.
func (e *Engine) finish(ctx context.Context, page ports.PageID, selector string, method ports.Method, opts Options, cfg *ports.SiteConfig) (Result, error) {
	matches, err := e.Browser.EvaluateSelector(ctx, page, selector)
	if err != nil {
		return fail(errs.Network, "final selector evaluation failed", err), nil
	}
	if len(matches) == 0 {
		return fail(errs.Extraction, "selector resolved to nothing on final pass", nil), nil
	}

	var siteCfg ports.SiteConfig
	if cfg != nil {
		siteCfg = *cfg
	}

	mode := opts.OutputMode
	if mode == "" {
		mode = format.ModeContentOnly
	}

	var fullHTML string
	if mode == format.ModeFullHTML {
		fullHTML, _ = e.Browser.GetPageHTML(ctx, page)
	}

	shaped, err := format.Shape(mode, matches[0], fullHTML, selector, siteCfg)
	if err != nil {
		return fail(errs.Configuration, "formatting failed", err), nil
	}

	data := shaped.Text
	var payload any = data
	if shaped.Metadata != nil {
		payload = shaped.Metadata
	}

	return Result{Success: true, Selector: selector, Method: method, Data: payload}, nil
}

func methodFor(solvedChallenge bool) ports.Method {
	if solvedChallenge {
		return ports.MethodRenderPlusChallenge
	}
	return ports.MethodDirectRender
}

func validateURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("url must be absolute with scheme http or https: %q", raw)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("url missing host: %q", raw)
	}
	return u, nil
}

func fail(kind errs.Kind, message string, cause error) Result {
	r := Result{Success: false, ErrorKind: kind, Error: message}
	if cause != nil {
		r.Details = cause.Error()
	}
	return r
}
