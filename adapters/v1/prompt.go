package v1

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var (
	markup     = regexp.MustCompile(`<[a-zA-Z/!][^>]*>`)
	blankLines = regexp.MustCompile(`\n\s*\n+`)
	spaces     = regexp.MustCompile(`[ \t\r\f\v]+`)
)

// PromptText turns advisory feed content into plain text for the prompt.
// Markup is stripped when present, whitespace is collapsed but paragraph breaks are kept.
func PromptText(raw string) string {
	text := raw
	if markup.MatchString(raw) {
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(raw))
		if err == nil {
			doc.Find("script, style").Remove()
			doc.Find("br").ReplaceWithHtml("\n")
			doc.Find("p, div, li, tr, h1, h2, h3, h4, h5, h6").Each(func(_ int, s *goquery.Selection) {
				s.AppendHtml("\n")
			})
			text = doc.Text()
		}
	}
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(spaces.ReplaceAllString(l, " "))
	}
	text = strings.Join(lines, "\n")
	return strings.TrimSpace(blankLines.ReplaceAllString(text, "\n\n"))
}
