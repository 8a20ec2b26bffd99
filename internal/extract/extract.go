// Package extract converts a captured response element's HTML into clean
// markdown so tables, lists, and formatting survive for the evaluation
// consumer alongside the plain text.
package extract

import (
	"bytes"
	"regexp"
	"strings"
	"unicode"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
)

// Styles that hide content from a human but not from innerHTML. Hidden
// nodes are dropped before conversion so invisible UI scaffolding never
// leaks into the record.
var hiddenStylePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)display\s*:\s*none`),
	regexp.MustCompile(`(?i)visibility\s*:\s*hidden`),
	regexp.MustCompile(`(?i)font-size\s*:\s*0[^1-9]`),
	regexp.MustCompile(`(?i)opacity\s*:\s*0[^.]`),
	regexp.MustCompile(`(?i)position\s*:\s*absolute[^;]*-\d{4,}`),
}

// Converter turns response HTML into markdown.
type Converter struct {
	md     *converter.Converter
	policy *bluemonday.Policy
}

// New creates a Converter with commonmark and table support.
func New() *Converter {
	return &Converter{
		md: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
		policy: bluemonday.UGCPolicy(),
	}
}

// Markdown sanitizes the HTML, strips hidden nodes, and converts to
// markdown. On any failure, or when the conversion yields no readable
// text, it returns the fallback plain text so callers always have
// something to persist.
func (c *Converter) Markdown(rawHTML, fallback string) string {
	if strings.TrimSpace(rawHTML) == "" {
		return fallback
	}

	cleaned := StripHidden(rawHTML)
	safe := c.policy.Sanitize(cleaned)

	out, err := c.md.ConvertString(safe)
	if err != nil || !hasText(out) {
		return fallback
	}
	return strings.TrimSpace(out)
}

var imageRefPattern = regexp.MustCompile(`!\[[^\]]*\]\([^)]*\)`)

// hasText reports whether the markdown carries readable content. Image
// references alone do not count: a record whose markdown is a bare
// `![](...)` is worth less than the extracted plain text.
func hasText(md string) bool {
	stripped := imageRefPattern.ReplaceAllString(md, "")
	for _, r := range stripped {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}

// StripHidden removes elements whose inline style hides them.
func StripHidden(rawHTML string) string {
	doc, err := html.Parse(strings.NewReader(rawHTML))
	if err != nil {
		return rawHTML
	}

	removeHidden(doc)

	var buf bytes.Buffer
	if err := html.Render(&buf, doc); err != nil {
		return rawHTML
	}
	return buf.String()
}

func removeHidden(n *html.Node) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		if isHidden(c) {
			n.RemoveChild(c)
		} else {
			removeHidden(c)
		}
		c = next
	}
}

func isHidden(n *html.Node) bool {
	if n.Type != html.ElementNode {
		return false
	}
	for _, a := range n.Attr {
		if a.Key != "style" {
			continue
		}
		for _, pat := range hiddenStylePatterns {
			if pat.MatchString(a.Val) {
				return true
			}
		}
	}
	return false
}
