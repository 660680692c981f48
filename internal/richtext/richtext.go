// Package richtext flattens LMS rich-text (HTML) bodies into plain text.
package richtext

import (
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
)

// Text returns the visible text of an HTML fragment with whitespace collapsed.
// Input that fails to parse is returned with whitespace collapsed only.
func Text(html string) string {
	if strings.TrimSpace(html) == "" {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return collapse(html)
	}
	doc.Find("script, style").Remove()
	doc.Find("br").ReplaceWithHtml(" ")
	doc.Find("p, div, li, h1, h2, h3, h4, h5, h6, tr, td").Each(func(_ int, s *goquery.Selection) {
		s.AppendHtml(" ")
	})
	return collapse(doc.Text())
}

// Length counts the runes of the plain-text rendering.
func Length(html string) int {
	return utf8.RuneCountInString(Text(html))
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
