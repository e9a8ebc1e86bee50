// Package format implements C8: shaping validated extraction output into
// one of the five output modes a caller may request.
//
// Markdown rendering reuses the teacher's newMarkdownConverter shape
// (cleaner/markdown.go): a converter.Converter built once from the base,
// commonmark, and table plugins. HTML sanitization is grounded on the
// bluemonday dependency the wider pack carries for exactly this purpose —
// an allowlist policy restricted to the structural/inline tags §4.8 names.
package format

import (
	"regexp"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/PuerkitoBio/goquery"
	"github.com/microcosm-cc/bluemonday"

	"github.com/use-agent/extractengine/ports"
)

// Mode is one of the five output shapes §4.8 names.
type Mode string

const (
	ModeContentOnly   Mode = "content_only"
	ModeCleanedHTML   Mode = "cleaned_html"
	ModeMarkdown      Mode = "markdown"
	ModeFullHTML      Mode = "full_html"
	ModeMetadataOnly  Mode = "metadata_only"
)

// Metadata is the data shape for ModeMetadataOnly.
type Metadata struct {
	Selector      string `json:"selector"`
	ContentLength int    `json:"contentLength"`
	Method        string `json:"method"`
}

// Result carries the formatted payload; exactly one of the typed fields
// below is populated, matching Mode.
type Result struct {
	Mode     Mode
	Text     string    // content_only, cleaned_html, markdown, full_html
	Metadata *Metadata // metadata_only
}

var sanitizePolicy = newSanitizePolicy()

// newSanitizePolicy builds the §4.8 allowlist: block-level structural tags,
// lists, tables, inline emphasis, anchors, images; anchors are restricted
// to http/https/mailto schemes.
func newSanitizePolicy() *bluemonday.Policy {
	p := bluemonday.NewPolicy()
	p.AllowElements(
		"p", "div", "section", "article", "main", "header", "footer", "aside",
		"h1", "h2", "h3", "h4", "h5", "h6", "blockquote", "pre", "br", "hr",
		"ul", "ol", "li",
		"table", "thead", "tbody", "tr", "td", "th",
		"em", "strong", "b", "i", "code", "span",
	)
	p.AllowAttrs("href").OnElements("a")
	p.AllowStandardURLs()
	p.AllowURLSchemes("http", "https", "mailto")
	p.AllowAttrs("src", "alt").OnElements("img")
	p.RequireNoFollowOnLinks(false)
	return p
}

var markdownConverter = newMarkdownConverter()

func newMarkdownConverter() *converter.Converter {
	return converter.NewConverter(
		converter.WithPlugins(
			base.NewBasePlugin(),
			commonmark.NewCommonmarkPlugin(),
			table.NewTablePlugin(),
		),
	)
}

var whitespaceRe = regexp.MustCompile(`\s+`)

// Shape renders fragmentHTML (the content matched by selector) and
// fullHTML (the whole rendered page) into the requested mode, removing
// cfg's cleanup classes from the fragment first.
func Shape(mode Mode, fragmentHTML, fullHTML, selector string, cfg ports.SiteConfig) (Result, error) {
	cleaned := removeCleanupClasses(fragmentHTML, cfg.CleanupClasses)

	switch mode {
	case ModeFullHTML:
		return Result{Mode: mode, Text: fullHTML}, nil

	case ModeMetadataOnly:
		return Result{Mode: mode, Metadata: &Metadata{
			Selector:      selector,
			ContentLength: len(cleaned),
			Method:        string(cfg.Method),
		}}, nil

	case ModeCleanedHTML:
		return Result{Mode: mode, Text: sanitizePolicy.Sanitize(cleaned)}, nil

	case ModeMarkdown:
		sanitized := sanitizePolicy.Sanitize(cleaned)
		md, err := markdownConverter.ConvertString(sanitized)
		if err != nil {
			return Result{}, err
		}
		return Result{Mode: mode, Text: md}, nil

	case ModeContentOnly, "":
		return Result{Mode: ModeContentOnly, Text: plainText(sanitizePolicy.Sanitize(cleaned))}, nil

	default:
		return Result{}, ErrUnknownMode
	}
}

// ErrUnknownMode is returned for an unrecognized output mode (a
// CONFIGURATION failure at the engine boundary).
var ErrUnknownMode = unknownModeErr{}

type unknownModeErr struct{}

func (unknownModeErr) Error() string { return "unknown output mode" }

// removeCleanupClasses strips any element whose class attribute contains one
// of classes.
func removeCleanupClasses(html string, classes []string) string {
	if len(classes) == 0 || strings.TrimSpace(html) == "" {
		return html
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return html
	}
	doc.Find("[class]").Each(func(_ int, s *goquery.Selection) {
		class, _ := s.Attr("class")
		for _, want := range classes {
			if strings.Contains(class, want) {
				s.Remove()
				return
			}
		}
	})
	out, err := doc.Find("body").Html()
	if err != nil || strings.TrimSpace(out) == "" {
		if whole, err2 := doc.Html(); err2 == nil {
			return whole
		}
		return html
	}
	return out
}

// plainText strips all tags and collapses whitespace.
func plainText(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return html
	}
	text := doc.Text()
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(text, " "))
}
