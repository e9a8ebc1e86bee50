// Package domscan implements C4: the DOM simplifier and snippet picker that
// feed the language-model port during discovery. Both operate on goquery
// documents, following the teacher's cleaner/pruning.go shape of walking a
// parsed document with class/id substring matching rather than raw string
// surgery — the blocklist token set here generalizes pruning.go's
// negativeClassIDPatterns.
package domscan

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// MaxInputBytes bounds the HTML accepted before any processing, per §4.4.
const MaxInputBytes = 1 << 20 // 1 MiB

// MaxOutputChars is the simplified-output length cap, per §4.4.
const MaxOutputChars = 8000

// TruncationMarker is appended when the simplified output is cut at
// MaxOutputChars.
const TruncationMarker = "...[truncated]"

// MaxTextNodeChars is the per-text-node truncation threshold.
const MaxTextNodeChars = 50

// removedTagSelector matches the elements stripped outright before scoring.
const removedTagSelector = "script, style, noscript, svg, iframe"

// blockedClassTokens are substrings in a class attribute that mark an
// element as boilerplate, not main content.
var blockedClassTokens = []string{
	"ad", "advertisement", "social-share", "related-posts", "sidebar",
	"menu", "nav", "comment",
}

// BlockedMarker replaces an element removed for matching a blocklisted class.
const BlockedMarker = "<!--blocked-->"

var whitespaceRe = regexp.MustCompile(`\s+`)

// Simplify reduces html to a compact representation suitable for a
// discovery prompt: scripts/styles/comments gone, boilerplate elements
// replaced by a marker, long text nodes truncated, whitespace collapsed,
// and the whole thing capped at MaxOutputChars.
func Simplify(html string) string {
	if len(html) > MaxInputBytes {
		html = html[:MaxInputBytes]
	}
	if strings.TrimSpace(html) == "" {
		return ""
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}

	doc.Find(removedTagSelector).Remove()
	for _, n := range doc.Selection.Nodes {
		removeComments(n)
	}
	removeBlockedClassElements(doc.Selection)
	truncateTextNodes(doc.Selection)

	out, err := doc.Html()
	if err != nil {
		return ""
	}

	out = whitespaceRe.ReplaceAllString(out, " ")
	out = strings.TrimSpace(out)

	if len(out) > MaxOutputChars {
		out = out[:MaxOutputChars] + TruncationMarker
	}
	return out
}

// removeBlockedClassElements replaces each element whose class attribute
// contains a blocklisted token with an inline marker node.
func removeBlockedClassElements(root *goquery.Selection) {
	root.Find("*").Each(func(_ int, s *goquery.Selection) {
		class, ok := s.Attr("class")
		if !ok {
			return
		}
		if hasBlockedClass(class) {
			s.ReplaceWithHtml(BlockedMarker)
		}
	})
}

func hasBlockedClass(class string) bool {
	lower := strings.ToLower(class)
	for _, tok := range blockedClassTokens {
		if strings.Contains(lower, tok) {
			return true
		}
	}
	return false
}

// removeComments strips html.CommentNode nodes from the tree rooted at
// node, per §4.4 ("comment nodes" are removed alongside script/style/
// noscript/svg/iframe). goquery's CSS selectors cannot reach comment
// nodes, so they otherwise round-trip verbatim through doc.Html(). The
// children are snapshotted before recursing, following the teacher pack's
// removeEmptyNodesBottomUp, since removing a node mutates its parent's
// sibling linked list mid-walk.
func removeComments(node *html.Node) {
	if node == nil {
		return
	}

	var children []*html.Node
	for c := node.FirstChild; c != nil; c = c.NextSibling {
		children = append(children, c)
	}

	for _, c := range children {
		removeComments(c)
	}

	if node.Type == html.CommentNode && node.Parent != nil {
		node.Parent.RemoveChild(node)
	}
}

// truncateTextNodes shortens any direct text node longer than
// MaxTextNodeChars to its first MaxTextNodeChars runes plus an ellipsis.
func truncateTextNodes(root *goquery.Selection) {
	root.Find("*").AddBack().Each(func(_ int, s *goquery.Selection) {
		for _, n := range s.Nodes {
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				if c.Type != html.TextNode {
					continue
				}
				r := []rune(c.Data)
				if len(r) > MaxTextNodeChars {
					c.Data = string(r[:MaxTextNodeChars]) + "…"
				}
			}
		}
	})
}

// Snippets scans <p> elements for representative excerpts, skipping those
// near a blocklisted class, per §4.4.
func Snippets(html string, maxSnippets, maxChars int) []string {
	if maxSnippets <= 0 {
		maxSnippets = 3
	}
	if maxChars <= 0 {
		maxChars = 150
	}
	if strings.TrimSpace(html) == "" {
		return nil
	}
	if len(html) > MaxInputBytes {
		html = html[:MaxInputBytes]
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil
	}

	var out []string
	seen := make(map[string]struct{})

	doc.Find("p").EachWithBreak(func(_ int, p *goquery.Selection) bool {
		if len(out) >= maxSnippets {
			return false
		}
		text := strings.TrimSpace(whitespaceRe.ReplaceAllString(p.Text(), " "))
		if len(text) < 100 {
			return true
		}
		if nearBlockedClass(p) {
			return true
		}
		snippet := truncateAtWordBoundary(text, maxChars)
		if _, dup := seen[snippet]; dup {
			return true
		}
		seen[snippet] = struct{}{}
		out = append(out, snippet)
		return true
	})

	return out
}

// nearBlockedClass reports whether p itself, an ancestor, or a close
// preceding sibling carries a blocklisted class — approximating the
// "~200-character preceding window" rule against the structure goquery
// actually exposes.
func nearBlockedClass(p *goquery.Selection) bool {
	if class, ok := p.Attr("class"); ok && hasBlockedClass(class) {
		return true
	}
	near := false
	p.ParentsUntil("body").EachWithBreak(func(_ int, a *goquery.Selection) bool {
		if class, ok := a.Attr("class"); ok && hasBlockedClass(class) {
			near = true
			return false
		}
		return true
	})
	if near {
		return true
	}

	budget := 200
	for prev := p.Prev(); prev.Length() > 0 && budget > 0; prev = prev.Prev() {
		if class, ok := prev.Attr("class"); ok && hasBlockedClass(class) {
			return true
		}
		budget -= len(prev.Text())
	}
	return false
}

// truncateAtWordBoundary cuts s at the last space at or before maxChars,
// falling back to a hard cut if no space is available.
func truncateAtWordBoundary(s string, maxChars int) string {
	if len(s) <= maxChars {
		return s
	}
	cut := s[:maxChars]
	if idx := strings.LastIndexByte(cut, ' '); idx > 0 {
		return cut[:idx]
	}
	return cut
}
