// Package enrich turns a sanitized extraction into a stored article:
// image relocation, AI metadata with deterministic fallbacks, auto-link
// injection and persistence.
package enrich

import (
	"strings"
	"unicode"

	md "github.com/JohannesKaufmann/html-to-markdown"
)

// excerptLength bounds the deterministic fallback excerpt.
const excerptLength = 200

// Excerpt reduces article HTML to a short plain-text teaser. Markdown
// conversion handles entity decoding and block separation better than a
// bare tag strip.
func Excerpt(html string, maxLen int) string {
	if maxLen <= 0 {
		maxLen = excerptLength
	}
	converter := md.NewConverter("", true, nil)
	text, err := converter.ConvertString(html)
	if err != nil {
		text = html
	}
	text = flatten(text)
	runes := []rune(text)
	if len(runes) <= maxLen {
		return text
	}
	cut := string(runes[:maxLen])
	if idx := strings.LastIndexByte(cut, ' '); idx > maxLen/2 {
		cut = cut[:idx]
	}
	return cut + "…"
}

// flatten collapses markdown syntax and whitespace into a single line.
func flatten(text string) string {
	var b strings.Builder
	lastSpace := true
	for _, r := range text {
		switch {
		case unicode.IsSpace(r):
			if !lastSpace {
				b.WriteRune(' ')
				lastSpace = true
			}
		case strings.ContainsRune("#*_`>[]()!", r):
			// markdown punctuation
		default:
			b.WriteRune(r)
			lastSpace = false
		}
	}
	return strings.TrimSpace(b.String())
}

// Slugify builds a URL slug from a title.
func Slugify(title string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(title) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastDash = false
		case !lastDash:
			b.WriteRune('-')
			lastDash = true
		}
	}
	return strings.Trim(b.String(), "-")
}
