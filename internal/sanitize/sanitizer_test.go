package sanitize

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/mirrorshield/internal/profile"
)

const (
	// decodes to a window.open call
	openPayload = "d2luZG93Lm9wZW4oJ2h0dHBzOi8vbGFuZGluZy5leGFtcGxlLnRlc3Qvb2ZmZXInKTsgc2V0VGltZW91dChuZXh0LCAyNTApOw=="
	// decodes to an ordinary English sentence
	harmlessPayload = "dGhlIHF1aWNrIGJyb3duIGZveCBqdW1wcyBvdmVyIHRoZSBsYXp5IGRvZyB3aGlsZSB0aGUgc3VuIHNldHMgc2xvd2x5"
	// decodes to a document.location.replace call
	locationPayload = "ZG9jdW1lbnQubG9jYXRpb24ucmVwbGFjZSgnaHR0cHM6Ly9sYW5kaW5nLmV4YW1wbGUudGVzdC9nbz9pZD00MiZzcmM9ZW1iZWQnKTs="
)

func newTestSanitizer(t *testing.T) *Sanitizer {
	t.Helper()
	return New(profile.Default())
}

func TestSanitizer_Rules_Order(t *testing.T) {
	t.Parallel()

	var names []string
	for _, r := range newTestSanitizer(t).Rules() {
		names = append(names, r.Name)
	}
	require.Equal(t, []string{
		RuleEventHandlers, RuleAdIframes, RuleAdContainers,
		RuleAdScripts, RuleEncodedPayloads, RuleHijackExpressions,
	}, names)
}

func TestSanitize_RemovesAdOverlayContainer(t *testing.T) {
	t.Parallel()

	in := `<html><head></head><body><div class="ad-overlay"><script>var x = 1;</script><p>Buy now</p></div><div id="player"><video src="/v.mp4"></video></div></body></html>`
	out, report, err := newTestSanitizer(t).Sanitize(in)
	require.NoError(t, err)

	assert.NotContains(t, out, "ad-overlay")
	assert.NotContains(t, out, "Buy now")
	assert.Contains(t, out, `<div id="player"><video src="/v.mp4"></video></div>`)
	assert.Equal(t, 1, report.Removed[RuleAdContainers])
}

func TestSanitize_KeepsStructuralElements(t *testing.T) {
	t.Parallel()

	in := `<html class="ads-enabled"><head></head><body class="modal-open"><div id="player"></div></body></html>`
	out, _, err := newTestSanitizer(t).Sanitize(in)
	require.NoError(t, err)

	assert.Contains(t, out, `<body class="modal-open">`)
	assert.Contains(t, out, `<div id="player"></div>`)
}

func TestSanitize_KeywordsRespectWordStart(t *testing.T) {
	t.Parallel()

	in := `<html><body><div class="header">top</div><div class="roads">map</div><iframe src="/embed/loading"></iframe><iframe src="https://cdn.test/ads/banner"></iframe></body></html>`
	out, report, err := newTestSanitizer(t).Sanitize(in)
	require.NoError(t, err)

	assert.Contains(t, out, `<div class="header">top</div>`)
	assert.Contains(t, out, `<div class="roads">map</div>`)
	assert.Contains(t, out, `<iframe src="/embed/loading"></iframe>`)
	assert.NotContains(t, out, "banner")
	assert.Equal(t, 1, report.Removed[RuleAdIframes])
}

func TestSanitize_RemovesIframeByAttributeName(t *testing.T) {
	t.Parallel()

	in := `<html><body><iframe data-sponsor="1" src="/embed/x"></iframe></body></html>`
	out, _, err := newTestSanitizer(t).Sanitize(in)
	require.NoError(t, err)
	assert.NotContains(t, out, "iframe")
}

func TestSanitize_RemovesBareAdIframes(t *testing.T) {
	t.Parallel()

	in := `<html><head></head><body>` +
		`<iframe class="ad" src="/a"></iframe>` +
		`<iframe src="/ad/x"></iframe>` +
		`<iframe src="https://player.test/adaptive/1"></iframe>` +
		`</body></html>`
	out, report, err := newTestSanitizer(t).Sanitize(in)
	require.NoError(t, err)

	assert.NotContains(t, out, `class="ad"`)
	assert.NotContains(t, out, `src="/ad/x"`)
	assert.Contains(t, out, `<iframe src="https://player.test/adaptive/1"></iframe>`)
	assert.Equal(t, 2, report.Removed[RuleAdIframes])
}

func TestSanitize_StripsEventHandlers(t *testing.T) {
	t.Parallel()

	in := `<html><body onload="hijack()"><img src="x.png" onerror="go()" OnClick="go()" alt="poster"></body></html>`
	out, report, err := newTestSanitizer(t).Sanitize(in)
	require.NoError(t, err)

	lower := strings.ToLower(out)
	assert.NotContains(t, lower, "onload")
	assert.NotContains(t, lower, "onerror")
	assert.NotContains(t, lower, "onclick")
	assert.Contains(t, out, `<img src="x.png" alt="poster"/>`)
	assert.Equal(t, 3, report.Removed[RuleEventHandlers])
}

func TestSanitize_AllowlistedScriptKeptVerbatim(t *testing.T) {
	t.Parallel()

	script := `<script src="https://www.google-analytics.com/analytics.js?ads=1"></script>`
	in := `<html><head>` + script + `<script src="https://cdn.test/popunder.js"></script></head><body></body></html>`
	out, report, err := newTestSanitizer(t).Sanitize(in)
	require.NoError(t, err)

	assert.Contains(t, out, script)
	assert.NotContains(t, out, "popunder.js")
	assert.Equal(t, 1, report.Removed[RuleAdScripts])
}

func TestSanitize_AllowlistIgnoredWhenExemptionDisabled(t *testing.T) {
	t.Parallel()

	off := false
	p, err := profile.Build("strict", profile.Config{
		Mirrors:            []string{"https://mirror.test"},
		AnalyticsExemption: &off,
	})
	require.NoError(t, err)

	in := `<html><head><script src="https://www.google-analytics.com/analytics.js?ads=1"></script></head><body></body></html>`
	out, _, err := New(p).Sanitize(in)
	require.NoError(t, err)
	assert.NotContains(t, out, "google-analytics")
}

func TestSanitize_RemovesHijackScripts(t *testing.T) {
	t.Parallel()

	in := `<html><head><script>document.write('<p>x</p>')</script><script>var player = 1;</script></head><body></body></html>`
	out, report, err := newTestSanitizer(t).Sanitize(in)
	require.NoError(t, err)

	assert.NotContains(t, out, "document.write")
	assert.Contains(t, out, "<script>var player = 1;</script>")
	assert.Equal(t, 1, report.Removed[RuleAdScripts])
}

func TestSanitize_EncodedPayloads(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		payload string
		removed bool
	}{
		{name: "dangerous payload", payload: openPayload, removed: true},
		{name: "harmless payload", payload: harmlessPayload, removed: false},
		{name: "undecodable token", payload: strings.Repeat("/", 84), removed: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			script := `<script>var cfg = "` + tt.payload + `"; boot(cfg);</script>`
			in := `<html><head>` + script + `</head><body></body></html>`
			out, report, err := newTestSanitizer(t).Sanitize(in)
			require.NoError(t, err)

			if tt.removed {
				assert.NotContains(t, out, "boot(cfg)")
				assert.Equal(t, 1, report.Removed[RuleEncodedPayloads])
				return
			}
			assert.Contains(t, out, script)
			assert.Zero(t, report.Total())
		})
	}
}

func TestSanitize_ShortTokensIgnored(t *testing.T) {
	t.Parallel()

	// "d2luZG93Lm9wZW4=" decodes to window.open but is under the length floor.
	script := `<script>var k = "d2luZG93Lm9wZW4="; boot(k);</script>`
	out, report, err := newTestSanitizer(t).Sanitize(`<html><head>` + script + `</head></html>`)
	require.NoError(t, err)
	assert.Contains(t, out, script)
	assert.Zero(t, report.Total())
}

func TestSanitize_RemovesHijackExpressions(t *testing.T) {
	t.Parallel()

	t.Run("inline script", func(t *testing.T) {
		t.Parallel()

		in := `<html><head><script>start();eval(atob('` + locationPayload + `'));</script></head></html>`
		out, _, err := newTestSanitizer(t).Sanitize(in)
		require.NoError(t, err)
		assert.NotContains(t, out, "eval(atob(")
		assert.NotContains(t, out, locationPayload)
	})

	t.Run("allowlisted script keeps everything else", func(t *testing.T) {
		t.Parallel()

		in := "<html><head><script>/* googletagmanager.com */ start(); eval(atob(`" + locationPayload + "`));</script></head></html>"
		out, report, err := newTestSanitizer(t).Sanitize(in)
		require.NoError(t, err)
		assert.Contains(t, out, "<script>/* googletagmanager.com */ start(); </script>")
		assert.Equal(t, 1, report.Removed[RuleHijackExpressions])
	})

	t.Run("attribute value", func(t *testing.T) {
		t.Parallel()

		in := `<html><body><a href="javascript:eval(atob(&quot;` + locationPayload + `&quot;))">play</a></body></html>`
		out, report, err := newTestSanitizer(t).Sanitize(in)
		require.NoError(t, err)
		assert.Contains(t, out, `<a href="javascript:">play</a>`)
		assert.Equal(t, 1, report.Removed[RuleHijackExpressions])
	})
}

func TestSanitize_Idempotent(t *testing.T) {
	t.Parallel()

	in := `<!DOCTYPE html><html><head>
<script src="https://www.googletagmanager.com/gtag/js?id=G-1"></script>
<script>window.open('https://pop.test')</script>
<script>var cfg = "` + openPayload + `";</script>
</head><body class="modal-open" onload="x()">
<div class="sponsor-box"><div class="popup"><iframe src="/ad"></iframe></div></div>
<iframe class="ads-frame" src="/embed/ads"></iframe>
<div id="player"><iframe src="/embed/movie/123" allowfullscreen></iframe></div>
</body></html>`

	s := newTestSanitizer(t)
	once, first, err := s.Sanitize(in)
	require.NoError(t, err)
	require.Positive(t, first.Total())

	twice, second, err := s.Sanitize(once)
	require.NoError(t, err)
	assert.Equal(t, once, twice)
	assert.Zero(t, second.Total())
	assert.Contains(t, once, "/embed/movie/123")
	assert.Contains(t, once, "googletagmanager.com")
}

func TestSanitize_ConcurrentUse(t *testing.T) {
	t.Parallel()

	s := newTestSanitizer(t)
	in := `<html><body><div class="popup">x</div><div id="player"></div></body></html>`
	done := make(chan string, 8)
	for range 8 {
		go func() {
			out, _, err := s.Sanitize(in)
			assert.NoError(t, err)
			done <- out
		}()
	}
	for range 8 {
		assert.NotContains(t, <-done, "popup")
	}
}
