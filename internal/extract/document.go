package extract

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/marberlow/newsmill/internal/pipeline"
)

// Fallback chains applied when a source's own selectors resolve to
// nothing. Ordered from most to least specific.
var (
	titleFallbacks = []string{
		"h1",
		`meta[property="og:title"]`,
		"title",
	}
	contentFallbacks = []string{
		"article",
		"main",
		".post-content",
		".entry-content",
		".article-content",
		"#content",
	}
	thumbnailFallbacks = []string{
		`meta[property="og:image"]`,
		"article img",
		"img",
	}
)

// documentResult carries everything the selector walk pulled from one
// parsed page.
type documentResult struct {
	Title        string
	ContentHTML  string
	ThumbnailURL string
	ImageURLs    []string
}

// extractDocument runs the selector-or-fallback walk against a parsed
// page and sanitizes the chosen content block. baseURL anchors relative
// image references.
func extractDocument(doc *goquery.Document, selectors pipeline.SelectorSet, baseURL string) documentResult {
	var res documentResult

	res.Title = findTitle(doc, selectors.Title)
	res.ThumbnailURL = resolveURL(baseURL, findThumbnail(doc, selectors.Thumbnail))

	content := findContent(doc, selectors.Content)
	if content != nil {
		sanitize(content)
		res.ImageURLs = collectImages(content, baseURL)
		if html, err := content.Html(); err == nil {
			res.ContentHTML = strings.TrimSpace(html)
		}
	}
	if res.ContentHTML == "" {
		res.ContentHTML = paragraphFallback(doc)
	}
	return res
}

// findTitle tries the explicit selector first, then the fallback chain.
func findTitle(doc *goquery.Document, selector string) string {
	for _, sel := range selectorChain(selector, titleFallbacks) {
		found := doc.Find(sel).First()
		if found.Length() == 0 {
			continue
		}
		text := strings.TrimSpace(found.Text())
		if text == "" {
			text = strings.TrimSpace(found.AttrOr("content", ""))
		}
		if text != "" {
			return text
		}
	}
	return ""
}

// findContent returns the first non-empty content container, or nil.
func findContent(doc *goquery.Document, selector string) *goquery.Selection {
	for _, sel := range selectorChain(selector, contentFallbacks) {
		found := doc.Find(sel).First()
		if found.Length() == 0 {
			continue
		}
		if strings.TrimSpace(found.Text()) == "" && found.Find("img").Length() == 0 {
			continue
		}
		return found
	}
	return nil
}

func findThumbnail(doc *goquery.Document, selector string) string {
	for _, sel := range selectorChain(selector, thumbnailFallbacks) {
		found := doc.Find(sel).First()
		if found.Length() == 0 {
			continue
		}
		if src := imageRef(found); src != "" {
			return src
		}
	}
	return ""
}

// selectorChain splits a comma-separated operator selector into its own
// ordered steps and appends the built-in fallbacks.
func selectorChain(selector string, fallbacks []string) []string {
	var chain []string
	for _, part := range strings.Split(selector, ",") {
		if part = strings.TrimSpace(part); part != "" {
			chain = append(chain, part)
		}
	}
	return append(chain, fallbacks...)
}

// sanitize strips elements that must not survive into an article body.
// Anchor hrefs are removed so crawled content carries no outbound links.
func sanitize(sel *goquery.Selection) {
	sel.Find("script, style, iframe, noscript, form, link").Remove()
	sel.Find("a").RemoveAttr("href")
	sel.Find("*").Each(func(_ int, node *goquery.Selection) {
		if len(node.Nodes) == 0 {
			return
		}
		attrs := append([]html.Attribute(nil), node.Nodes[0].Attr...)
		for _, attr := range attrs {
			if strings.HasPrefix(strings.ToLower(attr.Key), "on") {
				node.RemoveAttr(attr.Key)
			}
		}
	})
}

// collectImages resolves every img src in the content block against the
// page URL and returns the absolute references in document order.
func collectImages(sel *goquery.Selection, baseURL string) []string {
	var urls []string
	seen := make(map[string]struct{})
	sel.Find("img").Each(func(_ int, img *goquery.Selection) {
		src := resolveURL(baseURL, imageRef(img))
		if src == "" {
			return
		}
		if _, dup := seen[src]; dup {
			return
		}
		seen[src] = struct{}{}
		urls = append(urls, src)
	})
	return urls
}

// imageRef pulls an image reference from either an img-like element or
// an og:image meta tag.
func imageRef(sel *goquery.Selection) string {
	for _, attr := range []string{"src", "data-src", "content"} {
		if v := strings.TrimSpace(sel.AttrOr(attr, "")); v != "" {
			return v
		}
	}
	return ""
}

// paragraphFallback is the last resort: stitch the page's substantial
// paragraphs back together.
func paragraphFallback(doc *goquery.Document) string {
	var parts []string
	doc.Find("p").Each(func(_ int, p *goquery.Selection) {
		text := strings.TrimSpace(p.Text())
		if len(text) >= 40 {
			parts = append(parts, fmt.Sprintf("<p>%s</p>", text))
		}
	})
	return strings.Join(parts, "\n")
}

func resolveURL(baseURL, ref string) string {
	if ref == "" {
		return ""
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return ref
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(u).String()
}
