package enrich

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// KeywordLinker is the reference pipeline.AutoLinker: it wraps the first
// occurrence of each configured keyword in a link. A real deployment
// swaps in an external linking service.
type KeywordLinker struct {
	links map[string]string
}

// NewKeywordLinker builds a linker over a keyword to URL map.
func NewKeywordLinker(links map[string]string) *KeywordLinker {
	return &KeywordLinker{links: links}
}

// InjectLinks wraps keyword occurrences in anchors. Longer keywords are
// applied first so "central bank" wins over "bank".
func (l *KeywordLinker) InjectLinks(_ context.Context, bodyHTML string) (string, error) {
	keywords := make([]string, 0, len(l.links))
	for k := range l.links {
		keywords = append(keywords, k)
	}
	sort.Slice(keywords, func(i, j int) bool { return len(keywords[i]) > len(keywords[j]) })

	for _, keyword := range keywords {
		idx := indexOutsideTags(bodyHTML, keyword)
		if idx == -1 {
			continue
		}
		anchor := fmt.Sprintf(`<a href="%s">%s</a>`, l.links[keyword], bodyHTML[idx:idx+len(keyword)])
		bodyHTML = bodyHTML[:idx] + anchor + bodyHTML[idx+len(keyword):]
	}
	return bodyHTML, nil
}

// indexOutsideTags finds the first case-insensitive match that is not
// inside an HTML tag.
func indexOutsideTags(html, keyword string) int {
	lower := strings.ToLower(html)
	key := strings.ToLower(keyword)
	from := 0
	for {
		rel := strings.Index(lower[from:], key)
		if rel == -1 {
			return -1
		}
		idx := from + rel
		if !insideTag(lower, idx) {
			return idx
		}
		from = idx + len(key)
	}
}

func insideTag(html string, idx int) bool {
	open := strings.LastIndexByte(html[:idx], '<')
	if open == -1 {
		return false
	}
	closeIdx := strings.LastIndexByte(html[:idx], '>')
	return closeIdx < open
}
