package pipeline

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/use-agent/extractengine/errs"
	"github.com/use-agent/extractengine/ports"
	"github.com/use-agent/extractengine/queue"
)

// fakeBrowser is a scripted ports.Browser for pipeline tests.
type fakeBrowser struct {
	mu sync.Mutex

	loadPageCalls []string
	challenge     ports.Challenge
	evalResult    map[string][]string // xpath -> matches
	details       map[string]*ports.ElementDetails
	html          string
	cookiesSet    string
	reloaded      bool
	closed        bool
}

func newFakeBrowser() *fakeBrowser {
	return &fakeBrowser{
		evalResult: make(map[string][]string),
		details:    make(map[string]*ports.ElementDetails),
		challenge:  ports.Challenge{Kind: ports.ChallengeNone},
	}
}

func (f *fakeBrowser) LoadPage(ctx context.Context, url string, opts ports.LoadOptions) (ports.PageID, error) {
	f.mu.Lock()
	f.loadPageCalls = append(f.loadPageCalls, url)
	f.mu.Unlock()
	return "page-1", nil
}
func (f *fakeBrowser) EvaluateSelector(ctx context.Context, page ports.PageID, xpath string) ([]string, error) {
	if m, ok := f.evalResult[xpath]; ok {
		return m, nil
	}
	return nil, nil
}
func (f *fakeBrowser) GetPageHTML(ctx context.Context, page ports.PageID) (string, error) {
	return f.html, nil
}
func (f *fakeBrowser) DetectChallenge(ctx context.Context, page ports.PageID) (ports.Challenge, error) {
	return f.challenge, nil
}
func (f *fakeBrowser) GetElementDetails(ctx context.Context, page ports.PageID, xpath string) (*ports.ElementDetails, error) {
	return f.details[xpath], nil
}
func (f *fakeBrowser) GetCookies(ctx context.Context, page ports.PageID) (string, error) { return "", nil }
func (f *fakeBrowser) SetCookies(ctx context.Context, page ports.PageID, cookieString string) error {
	f.cookiesSet = cookieString
	return nil
}
func (f *fakeBrowser) Reload(ctx context.Context, page ports.PageID, timeout time.Duration) error {
	f.reloaded = true
	return nil
}
func (f *fakeBrowser) ClosePage(ctx context.Context, page ports.PageID) error {
	f.closed = true
	return nil
}
func (f *fakeBrowser) Close() error { return nil }

type fakeModel struct {
	suggestions []ports.Suggestion
	err         error
	called      bool
}

func (f *fakeModel) Suggest(ctx context.Context, req ports.SuggestRequest) ([]ports.Suggestion, error) {
	f.called = true
	return f.suggestions, f.err
}

type fakeSolver struct {
	result ports.SolveResult
	err    error
}

func (f *fakeSolver) Solve(ctx context.Context, req ports.SolveRequest) (ports.SolveResult, error) {
	return f.result, f.err
}

type fakeStore struct {
	mu      sync.Mutex
	records map[string]ports.SiteConfig

	markSuccessCalls []string
	incrFailureCalls []string
	saveCalls        []ports.SiteConfig
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[string]ports.SiteConfig)}
}

func (s *fakeStore) Get(ctx context.Context, domain string) (*ports.SiteConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.records[domain]
	if !ok {
		return nil, nil
	}
	clone := cfg.Clone()
	return &clone, nil
}
func (s *fakeStore) Save(ctx context.Context, cfg ports.SiteConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[cfg.Domain] = cfg.Clone()
	s.saveCalls = append(s.saveCalls, cfg.Clone())
	return nil
}
func (s *fakeStore) IncrementFailure(ctx context.Context, domain string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.incrFailureCalls = append(s.incrFailureCalls, domain)
	cfg, ok := s.records[domain]
	if !ok {
		return nil
	}
	cfg.FailuresSinceSuccess++
	s.records[domain] = cfg
	return nil
}
func (s *fakeStore) MarkSuccess(ctx context.Context, domain string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markSuccessCalls = append(s.markSuccessCalls, domain)
	cfg, ok := s.records[domain]
	if !ok {
		return nil
	}
	cfg.FailuresSinceSuccess = 0
	s.records[domain] = cfg
	return nil
}
func (s *fakeStore) Delete(ctx context.Context, domain string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, domain)
	return nil
}
func (s *fakeStore) GetAll(ctx context.Context) ([]ports.SiteConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ports.SiteConfig, 0, len(s.records))
	for _, c := range s.records {
		out = append(out, c.Clone())
	}
	return out, nil
}

func goodDetails() *ports.ElementDetails {
	return &ports.ElementDetails{
		TextLength: 800, LinkDensity: 0.1, ParagraphCount: 5,
		HeadingCount: 1, SemanticScore: 1, DOMDepth: 5,
	}
}

// Scenario 1: known rule, fast path.
func TestScrapeKnownRuleFastPath(t *testing.T) {
	browser := newFakeBrowser()
	browser.evalResult["//article[@id='main']"] = []string{"<article>content</article>"}
	browser.details["//article[@id='main']"] = goodDetails()

	model := &fakeModel{}
	store := newFakeStore()
	store.records["example.com"] = ports.SiteConfig{Domain: "example.com", Selector: "//article[@id='main']"}

	eng := New(browser, model, &fakeSolver{}, store, nil)
	res, err := eng.Scrape(context.Background(), "https://example.com/post", Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Success || res.Selector != "//article[@id='main']" {
		t.Fatalf("expected success with the known selector, got %+v", res)
	}
	if model.called {
		t.Error("model port must not be consulted on the fast path")
	}
	if len(store.markSuccessCalls) != 1 || store.markSuccessCalls[0] != "example.com" {
		t.Errorf("expected markSuccess(example.com), got %v", store.markSuccessCalls)
	}
}

// Scenario 2: rule fails once, succeeds via rediscovery.
func TestScrapeRediscoveryAfterThreshold(t *testing.T) {
	browser := newFakeBrowser()
	browser.evalResult["//article[@id='main']"] = []string{"<div>short</div>"}
	browser.details["//article[@id='main']"] = &ports.ElementDetails{TextLength: 40}
	browser.evalResult["//article"] = []string{"<article>content</article>"}
	browser.details["//article"] = goodDetails()
	browser.html = "<html><body><article>content</article></body></html>"

	model := &fakeModel{suggestions: []ports.Suggestion{{XPath: "//article"}}}
	store := newFakeStore()
	store.records["example.com"] = ports.SiteConfig{
		Domain: "example.com", Selector: "//article[@id='main']", FailuresSinceSuccess: 1,
	}

	eng := New(browser, model, &fakeSolver{}, store, nil)
	res, err := eng.Scrape(context.Background(), "https://example.com/post", Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Success || res.Selector != "//article" {
		t.Fatalf("expected rediscovery to succeed with //article, got %+v", res)
	}
	if len(store.incrFailureCalls) != 1 {
		t.Errorf("expected exactly one incrementFailure call, got %d", len(store.incrFailureCalls))
	}
	if len(store.saveCalls) != 1 || store.saveCalls[0].FailuresSinceSuccess != 0 {
		t.Errorf("expected the rediscovered rule to be saved with failuresSinceSuccess reset, got %+v", store.saveCalls)
	}
}

// Scenario 3: challenge solved, method recorded as render_plus_challenge.
func TestScrapeChallengeSolved(t *testing.T) {
	browser := newFakeBrowser()
	browser.challenge = ports.Challenge{Kind: ports.ChallengeSliding, CaptchaURL: "https://example.com/captcha"}
	browser.evalResult["//article"] = []string{"<article>content</article>"}
	browser.details["//article"] = goodDetails()
	browser.html = "<html><body><article>content</article></body></html>"

	model := &fakeModel{suggestions: []ports.Suggestion{{XPath: "//article"}}}
	solver := &fakeSolver{result: ports.SolveResult{Solved: true, UpdatedCookie: "x=1"}}
	store := newFakeStore()

	eng := New(browser, model, solver, store, nil)
	res, err := eng.Scrape(context.Background(), "https://example.com/post", Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if res.Method != ports.MethodRenderPlusChallenge {
		t.Errorf("expected method render_plus_challenge, got %v", res.Method)
	}
	if !browser.reloaded || browser.cookiesSet != "x=1" {
		t.Error("expected the solved cookie to be injected and the page reloaded")
	}
	if len(store.saveCalls) != 1 || !store.saveCalls[0].NeedsChallengeSolver {
		t.Errorf("expected persisted record to record needsChallengeSolver, got %+v", store.saveCalls)
	}
}

// Scenario 4: challenge unsolvable.
func TestScrapeChallengeUnsolvable(t *testing.T) {
	browser := newFakeBrowser()
	browser.challenge = ports.Challenge{Kind: ports.ChallengeSliding}
	model := &fakeModel{}
	solver := &fakeSolver{result: ports.SolveResult{Solved: false, Reason: "unsolvable"}}
	store := newFakeStore()

	eng := New(browser, model, solver, store, nil)
	res, err := eng.Scrape(context.Background(), "https://example.com/post", Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Success {
		t.Fatal("expected failure")
	}
	if res.ErrorKind != errs.Challenge {
		t.Errorf("expected errorKind CHALLENGE, got %v", res.ErrorKind)
	}
	if len(store.saveCalls) != 0 {
		t.Error("expected the store not to be mutated on an unsolvable challenge")
	}
}

func TestScrapeGenericChallengeMissingSiteKeyFailsWithoutSolverCall(t *testing.T) {
	browser := newFakeBrowser()
	browser.challenge = ports.Challenge{Kind: ports.ChallengeGeneric} // no SiteKey
	solverCalled := false
	solver := solverFunc(func(ctx context.Context, req ports.SolveRequest) (ports.SolveResult, error) {
		solverCalled = true
		return ports.SolveResult{Solved: true}, nil
	})
	store := newFakeStore()

	eng := New(browser, &fakeModel{}, solver, store, nil)
	res, err := eng.Scrape(context.Background(), "https://example.com/post", Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Success || res.ErrorKind != errs.Challenge {
		t.Fatalf("expected a CHALLENGE failure, got %+v", res)
	}
	if solverCalled {
		t.Error("a generic challenge missing a site key must never reach the solver")
	}
}

type solverFunc func(ctx context.Context, req ports.SolveRequest) (ports.SolveResult, error)

func (f solverFunc) Solve(ctx context.Context, req ports.SolveRequest) (ports.SolveResult, error) {
	return f(ctx, req)
}

func TestScrapeInvalidURL(t *testing.T) {
	eng := New(newFakeBrowser(), &fakeModel{}, &fakeSolver{}, newFakeStore(), nil)
	res, err := eng.Scrape(context.Background(), "not-a-url", Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Success || res.ErrorKind != errs.Configuration {
		t.Fatalf("expected a CONFIGURATION failure, got %+v", res)
	}
}

// An override selector that fails the safety filter must short-circuit to
// a CONFIGURATION failure before ever touching the browser port or the
// normal rejection/discovery fallthrough.
func TestScrapeUnsafeSelectorOverrideShortCircuits(t *testing.T) {
	browser := newFakeBrowser()
	model := &fakeModel{}
	eng := New(browser, model, &fakeSolver{}, newFakeStore(), nil)

	unsafe := "//div[@id=\"" + strings.Repeat("a", 600) + "\"]"
	res, err := eng.Scrape(context.Background(), "https://example.com/post", Options{
		SelectorOverride: unsafe,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Success || res.ErrorKind != errs.Configuration {
		t.Fatalf("expected a CONFIGURATION failure, got %+v", res)
	}
	if len(browser.loadPageCalls) != 0 {
		t.Error("expected the browser port never to be invoked for an unsafe override selector")
	}
	if model.called {
		t.Error("expected the model port never to be invoked for an unsafe override selector")
	}
}

func TestScrapeModelReturnsNothing(t *testing.T) {
	browser := newFakeBrowser()
	browser.html = "<html><body><article>content</article></body></html>"
	eng := New(browser, &fakeModel{suggestions: nil}, &fakeSolver{}, newFakeStore(), nil)
	res, err := eng.Scrape(context.Background(), "https://example.com/post", Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Success || res.ErrorKind != errs.Model {
		t.Fatalf("expected a MODEL failure, got %+v", res)
	}
}

func TestScrapeAlwaysClosesPage(t *testing.T) {
	browser := newFakeBrowser()
	browser.html = "<html><body></body></html>"
	eng := New(browser, &fakeModel{}, &fakeSolver{}, newFakeStore(), nil)
	_, _ = eng.Scrape(context.Background(), "https://example.com/post", Options{})
	if !browser.closed {
		t.Error("expected the page handle to be closed on every exit path")
	}
}

// Scenario 5: queue ordering. Three Scrape calls submitted in order reach
// loadPage in that same order — exercised against Engine.Scrape itself, not
// an independently wired Queue. Each goroutine submits only after the
// previous call has returned; concurrency of loadPage is not checked here.
func TestScrapeQueueOrdering(t *testing.T) {
	browser := newFakeBrowser()
	browser.evalResult["//article"] = []string{"<article>content</article>"}
	browser.details["//article"] = goodDetails()

	store := newFakeStore()
	for _, domain := range []string{"a.example.com", "b.example.com", "c.example.com"} {
		store.records[domain] = ports.SiteConfig{Domain: domain, Selector: "//article"}
	}

	eng := New(browser, &fakeModel{}, &fakeSolver{}, store, nil)
	eng.Queue = queue.New(1, 10)

	urls := []string{
		"https://a.example.com/post",
		"https://b.example.com/post",
		"https://c.example.com/post",
	}

	var wg sync.WaitGroup
	started := make(chan struct{})
	for i, u := range urls {
		wg.Add(1)
		go func(u string, i int) {
			defer wg.Done()
			if i > 0 {
				<-started
			}
			_, _ = eng.Scrape(context.Background(), u, Options{})
			if i < len(urls)-1 {
				started <- struct{}{}
			}
		}(u, i)
		time.Sleep(2 * time.Millisecond) // stagger submission order
	}
	wg.Wait()

	browser.mu.Lock()
	order := append([]string(nil), browser.loadPageCalls...)
	browser.mu.Unlock()

	if len(order) != 3 || order[0] != urls[0] || order[1] != urls[1] || order[2] != urls[2] {
		t.Errorf("expected FIFO loadPage order %v, got %v", urls, order)
	}
}

// Scenario 6: queue saturation. With the waiting list already full,
// submitting through Engine.Scrape returns a synchronous rejection and
// never touches the browser port for the rejected request.
func TestScrapeQueueSaturationRejectsSynchronously(t *testing.T) {
	browser := newFakeBrowser()
	browser.evalResult["//article"] = []string{"<article>content</article>"}
	browser.details["//article"] = goodDetails()

	store := newFakeStore()
	store.records["example.com"] = ports.SiteConfig{Domain: "example.com", Selector: "//article"}

	eng := New(browser, &fakeModel{}, &fakeSolver{}, store, nil)
	eng.Queue = queue.New(1, 1)

	release := make(chan struct{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = eng.Queue.Submit(context.Background(), "running", func(ctx context.Context) error {
			<-release
			return nil
		})
	}()
	time.Sleep(5 * time.Millisecond) // let it occupy the in-flight slot

	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = eng.Queue.Submit(context.Background(), "waiting", func(ctx context.Context) error {
			<-release
			return nil
		})
	}()
	time.Sleep(5 * time.Millisecond) // let it occupy the single waiting slot

	res, err := eng.Scrape(context.Background(), "https://example.com/post", Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Success {
		t.Fatal("expected the overflow submission to be rejected")
	}
	if len(browser.loadPageCalls) != 0 {
		t.Error("expected the browser port never to be invoked for a rejected submission")
	}

	close(release)
	wg.Wait()
}
