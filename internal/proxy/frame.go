package proxy

import (
	"fmt"
	"html"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/mirrorshield/internal/sanitize"
)

const frameDocument = `<!DOCTYPE html><html><head><meta charset="utf-8"><title>Player</title></head>` +
	`<body><iframe src="%s" allowfullscreen allow="autoplay; fullscreen; encrypted-media; picture-in-picture"` +
	` referrerpolicy="origin"></iframe></body></html>`

// ExtractFrame replaces doc with a minimal document holding only the first
// embeddable iframe. Relative sources resolve against base. It returns
// ErrContentNotFound when no iframe has an http(s) source.
func ExtractFrame(doc *goquery.Document, base *url.URL) (*goquery.Document, error) {
	var src string
	doc.Find("iframe[src]").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		raw, _ := sel.Attr("src")
		resolved, ok := resolveFrameSource(base, raw)
		if ok {
			src = resolved
		}
		return !ok
	})
	if src == "" {
		return nil, ErrContentNotFound
	}
	frame, err := sanitize.Parse(strings.NewReader(fmt.Sprintf(frameDocument, html.EscapeString(src))))
	if err != nil {
		return nil, fmt.Errorf("build frame document: %w", err)
	}
	return frame, nil
}

func resolveFrameSource(base *url.URL, raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	if base != nil {
		ref = base.ResolveReference(ref)
	}
	if ref.Scheme != "http" && ref.Scheme != "https" {
		return "", false
	}
	return ref.String(), true
}
