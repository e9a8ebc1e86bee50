// Package modelclient implements ports.Model against an OpenAI-compatible
// chat completion API via the sashabaranov/go-openai SDK.
//
// The client-construction shape (openai.ClientConfig with an overridable
// BaseURL) is grounded on hyperifyio-goresearch's internal/llm/provider.go,
// which wraps *openai.Client behind a narrow interface rather than calling
// the SDK directly from business logic. The system-prompt-plus-rules idiom
// and tolerant handling of the model's raw text response are grounded on
// the teacher's llm/openai.go, adapted here from schema-driven structured
// extraction to XPath-candidate discovery: the model's free-form answer is
// parsed with xpath.ParseCandidates rather than unmarshaled against a
// schema, and a candidate that fails xpath.IsSafe is discarded before it
// ever reaches a Suggestion.
package modelclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/use-agent/extractengine/errs"
	"github.com/use-agent/extractengine/ports"
	"github.com/use-agent/extractengine/xpath"
)

// Config configures the OpenAI-compatible backend.
type Config struct {
	APIKey  string
	BaseURL string // e.g. "https://api.openai.com/v1"; empty uses the SDK default
	Model   string
}

// Client adapts an *openai.Client to ports.Model.
type Client struct {
	inner *openai.Client
	model string
}

// New constructs a Client from cfg.
func New(cfg Config) *Client {
	oaiCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oaiCfg.BaseURL = cfg.BaseURL
	}
	return &Client{
		inner: openai.NewClientWithConfig(oaiCfg),
		model: cfg.Model,
	}
}

// Suggest asks the model for candidate selectors describing the main
// content region of req.SimplifiedDOM, returning a Suggestion per
// plausible, safety-filtered XPath the model proposed. An empty slice is a
// valid outcome (§4.3/§4.4): a model that proposes nothing, or proposes
// only unsafe/malformed candidates, is treated as "no suggestion" rather
// than an error.
func (c *Client) Suggest(ctx context.Context, req ports.SuggestRequest) ([]ports.Suggestion, error) {
	resp, err := c.inner.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt()},
			{Role: openai.ChatMessageRoleUser, Content: buildUserPrompt(req)},
		},
		Temperature: 0,
	})
	if err != nil {
		return nil, classifyError(err)
	}

	if len(resp.Choices) == 0 {
		return nil, nil
	}

	raw := resp.Choices[0].Message.Content
	candidates := xpath.ParseCandidates(raw)
	if len(candidates) == 0 {
		return nil, nil
	}

	explanations := parseExplanations(raw)

	suggestions := make([]ports.Suggestion, 0, len(candidates))
	for _, cand := range candidates {
		if !xpath.IsSafe(cand) {
			continue
		}
		suggestions = append(suggestions, ports.Suggestion{
			XPath:       cand,
			Explanation: explanations[cand],
		})
	}
	return suggestions, nil
}

// systemPrompt mirrors the teacher's buildSystemPrompt: a short role
// statement plus an explicit output-shape rule list, adapted from
// schema-driven JSON extraction to XPath-candidate discovery.
func systemPrompt() string {
	return `You are a web page structure analyst. Given a simplified DOM tree and
a handful of sample text snippets from a page, propose XPath expressions
that select the single element containing the page's main content:
the article body, not navigation, ads, footers, or comment sections.

Rules:
- Return ONLY a JSON array of strings, each string one XPath expression.
- Order candidates from most to least likely.
- Do not wrap the array in markdown fences or add explanatory text.
- If no element plausibly contains the main content, return an empty array.
- Propose at most 5 candidates.`
}

// buildUserPrompt assembles the per-request content, including
// req.PreviousFailureReason when the caller sets one.
func buildUserPrompt(req ports.SuggestRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "URL: %s\n\n", req.URL)
	if req.PreviousFailureReason != "" {
		fmt.Fprintf(&b, "A previous candidate was rejected: %s\n\n", req.PreviousFailureReason)
	}
	if len(req.Snippets) > 0 {
		b.WriteString("Sample text snippets found on the page:\n")
		for _, s := range req.Snippets {
			fmt.Fprintf(&b, "- %s\n", s)
		}
		b.WriteString("\n")
	}
	b.WriteString("Simplified DOM:\n")
	b.WriteString(req.SimplifiedDOM)
	return b.String()
}

// parseExplanations is a best-effort companion to xpath.ParseCandidates:
// when the model answers with an array of {xpath, explanation} objects
// instead of bare strings, the explanation text is recovered here rather
// than lost. A model that answers with bare strings yields an empty map,
// and every Suggestion's Explanation is left blank — a tolerated outcome.
func parseExplanations(raw string) map[string]string {
	type candidate struct {
		XPath       string `json:"xpath"`
		Explanation string `json:"explanation"`
	}
	trimmed := strings.TrimSpace(raw)
	var list []candidate
	if err := json.Unmarshal([]byte(trimmed), &list); err != nil {
		return nil
	}
	out := make(map[string]string, len(list))
	for _, c := range list {
		if c.XPath != "" && c.Explanation != "" {
			out[c.XPath] = c.Explanation
		}
	}
	return out
}

// classifyError maps an SDK error to the §7 MODEL taxonomy tag. go-openai
// surfaces HTTP failures as *openai.APIError; anything else (transport
// failure, context cancellation) is still tagged MODEL since it occurred
// while calling the model port.
func classifyError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return errs.New(errs.Model, fmt.Sprintf("model API returned %d: %s", apiErr.HTTPStatusCode, apiErr.Message), err)
	}
	return errs.New(errs.Model, "model request failed", err)
}
