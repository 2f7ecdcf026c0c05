package guard

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/JakeFAU/mirrorshield/internal/profile"
)

func render(t *testing.T, n *html.Node) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, html.Render(&buf, n))
	return buf.String()
}

func newInjector(t *testing.T, p *profile.Profile) *Injector {
	t.Helper()
	inj, err := New(p)
	require.NoError(t, err)
	return inj
}

func TestInject_PrecedesUpstreamScripts(t *testing.T) {
	t.Parallel()

	doc, err := html.Parse(strings.NewReader(`<html><head><title>t</title><script src="/player.js"></script></head><body></body></html>`))
	require.NoError(t, err)

	placement, err := newInjector(t, profile.Default()).Inject(doc)
	require.NoError(t, err)
	require.Equal(t, PlacementHead, placement)

	out := render(t, doc)
	guardAt := strings.Index(out, `<script data-mirrorshield="guard">`)
	upstreamAt := strings.Index(out, `<script src="/player.js">`)
	require.GreaterOrEqual(t, guardAt, 0)
	require.Greater(t, upstreamAt, guardAt)
	assert.Less(t, guardAt, strings.Index(out, "<title>"))
	assert.Contains(t, out, `<style data-mirrorshield="guard">`)
}

func TestInject_FallsBackToBody(t *testing.T) {
	t.Parallel()

	root := &html.Node{Type: html.DocumentNode}
	htmlEl := &html.Node{Type: html.ElementNode, Data: "html", DataAtom: atom.Html}
	body := &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	para := &html.Node{Type: html.ElementNode, Data: "p", DataAtom: atom.P}
	root.AppendChild(htmlEl)
	htmlEl.AppendChild(body)
	body.AppendChild(para)

	placement, err := newInjector(t, profile.Default()).Inject(root)
	require.NoError(t, err)
	require.Equal(t, PlacementBody, placement)

	out := render(t, root)
	assert.Greater(t, strings.Index(out, `data-mirrorshield="guard"`), strings.Index(out, "<p>"))
}

func TestInject_FallsBackToRoot(t *testing.T) {
	t.Parallel()

	root := &html.Node{Type: html.DocumentNode}
	htmlEl := &html.Node{Type: html.ElementNode, Data: "html", DataAtom: atom.Html}
	root.AppendChild(htmlEl)

	placement, err := newInjector(t, profile.Default()).Inject(root)
	require.NoError(t, err)
	require.Equal(t, PlacementRoot, placement)
	assert.Contains(t, render(t, root), `data-mirrorshield="guard"`)
}

func TestInject_FreshNodesPerDocument(t *testing.T) {
	t.Parallel()

	inj := newInjector(t, profile.Default())
	for range 2 {
		doc, err := html.Parse(strings.NewReader(`<html><head></head><body></body></html>`))
		require.NoError(t, err)
		_, err = inj.Inject(doc)
		require.NoError(t, err)
		assert.Equal(t, 1, strings.Count(render(t, doc), `<script data-mirrorshield="guard">`))
	}
}

func TestNew_EmbedsProfileParameters(t *testing.T) {
	t.Parallel()

	p, err := profile.Build("site", profile.Config{
		Mirrors:         []string{"https://mirror.test"},
		AdKeywords:      []string{"promo", "</script>"},
		PlayerSelectors: []string{"#stage", "video"},
		OverlayCoverage: 0.6,
	})
	require.NoError(t, err)

	markup := newInjector(t, p).Markup()
	assert.Contains(t, markup, `"adKeywords":["promo","\u003c/script\u003e"]`)
	assert.Contains(t, markup, `"playerSelectors":["#stage","video"]`)
	assert.Contains(t, markup, `"overlayCoverage":0.6`)
	assert.Contains(t, markup, `google-analytics.com`)
	assert.Contains(t, markup, "#stage,video{width:100% !important")
	assert.Equal(t, 1, strings.Count(markup, "</script>"))
}

func TestNew_OmitsAllowlistWhenExemptionDisabled(t *testing.T) {
	t.Parallel()

	off := false
	p, err := profile.Build("strict", profile.Config{
		Mirrors:            []string{"https://mirror.test"},
		AnalyticsExemption: &off,
	})
	require.NoError(t, err)

	markup := newInjector(t, p).Markup()
	assert.Contains(t, markup, `"analyticsAllowlist":[]`)
	assert.NotContains(t, markup, "google-analytics.com")
}

func TestNew_OverlayHeuristicIsGeometric(t *testing.T) {
	t.Parallel()

	markup := newInjector(t, profile.Default()).Markup()
	assert.NotContains(t, markup, "getComputedStyle")
	assert.Contains(t, markup, "el.offsetWidth >= window.innerWidth * cfg.overlayCoverage")
	assert.Contains(t, markup, "if (isPlayer(el)) return false;")
}
