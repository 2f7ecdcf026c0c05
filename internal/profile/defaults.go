package profile

// DefaultID names the profile served when configuration declares none.
const DefaultID = "default"

// Default returns the built-in profile. Its values mirror the single-site handler
// this service grew out of.
func Default() *Profile {
	return &Profile{
		ID:      DefaultID,
		Mirrors: []string{"https://autoembed.co"},
		UserAgents: []string{
			"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
			"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15",
			"Mozilla/5.0 (X11; Linux x86_64; rv:125.0) Gecko/20100101 Firefox/125.0",
		},
		AdKeywords: []string{
			"sponsor", "popup", "popunder", "pop_up", "overlay",
			"ad-", "ads", "adserver", "doubleclick", "modal",
		},
		// Matched as whole words on iframe attributes, in addition to AdKeywords.
		IframeKeywords: []string{"ad"},
		ScriptKeywords: []string{
			"popunder", "pop_up", "popup", "ads", "sponsor",
		},
		HijackPatterns: []string{
			"window.open", "document.write", "atob(", "redirect",
		},
		AnalyticsAllowlist: []string{
			"google-analytics.com", "googletagmanager.com", "static.cloudflareinsights.com",
		},
		AnalyticsExemption: true,
		DangerousPatterns: []string{
			"window.open", "document.write", "eval", "atob",
			"popunder", "redirect", "ad_", "sponsor", "click",
		},
		EventAttributes: []string{
			"onclick", "onmouseover", "onmouseout", "onmouseenter",
			"onmouseleave", "onbeforeunload", "onload", "onerror",
		},
		PlayerSelectors:  []string{"iframe", "video", "#player", ".player"},
		MinEncodedLength: 80,
		MinHijackLength:  40,
		OverlayCoverage:  0.8,
	}
}
