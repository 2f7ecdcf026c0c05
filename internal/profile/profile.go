// Package profile defines the per-site configuration that parameterizes the proxy pipeline.
package profile

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/andybalholm/cascadia"
)

// maxTokenLength is the largest repetition count RE2 accepts in a bounded quantifier.
const maxTokenLength = 1000

// Config is the mapstructure shape of a profile as it appears in configuration files.
type Config struct {
	Mirrors             []string `mapstructure:"mirrors"`
	UserAgents          []string `mapstructure:"user_agents"`
	Referers            []string `mapstructure:"referers"`
	AdKeywords          []string `mapstructure:"ad_keywords"`
	IframeKeywords      []string `mapstructure:"iframe_keywords"`
	ScriptKeywords      []string `mapstructure:"script_keywords"`
	HijackPatterns      []string `mapstructure:"hijack_patterns"`
	AnalyticsAllowlist  []string `mapstructure:"analytics_allowlist"`
	AnalyticsExemption  *bool    `mapstructure:"analytics_exemption"`
	DangerousPatterns   []string `mapstructure:"dangerous_patterns"`
	EventAttributes     []string `mapstructure:"event_attributes"`
	PlayerSelectors     []string `mapstructure:"player_selectors"`
	MinEncodedLength    int      `mapstructure:"min_encoded_length"`
	MinHijackLength     int      `mapstructure:"min_hijack_length"`
	OverlayCoverage     float64  `mapstructure:"overlay_coverage"`
	FrameOnly           bool     `mapstructure:"frame_only"`
	BrowserIdentityOnly bool     `mapstructure:"browser_identity_only"`
}

// Profile is the validated, immutable form of Config. It is built once at startup
// and shared read-only by every request.
type Profile struct {
	ID                  string
	Mirrors             []string
	UserAgents          []string
	Referers            []string
	AdKeywords          []string
	IframeKeywords      []string
	ScriptKeywords      []string
	HijackPatterns      []string
	AnalyticsAllowlist  []string
	AnalyticsExemption  bool
	DangerousPatterns   []string
	EventAttributes     []string
	PlayerSelectors     []string
	MinEncodedLength    int
	MinHijackLength     int
	OverlayCoverage     float64
	FrameOnly           bool
	BrowserIdentityOnly bool
}

// Build validates cfg and fills unset fields from the built-in defaults.
func Build(id string, cfg Config) (*Profile, error) {
	id = strings.TrimSpace(strings.ToLower(id))
	if id == "" {
		return nil, fmt.Errorf("profile id is required")
	}
	def := Default()
	p := &Profile{
		ID:                  id,
		Mirrors:             normalizeMirrors(cfg.Mirrors),
		UserAgents:          normalizeList(cfg.UserAgents, false),
		Referers:            normalizeList(cfg.Referers, false),
		AdKeywords:          orDefault(normalizeList(cfg.AdKeywords, true), def.AdKeywords),
		IframeKeywords:      orDefault(normalizeList(cfg.IframeKeywords, true), def.IframeKeywords),
		ScriptKeywords:      orDefault(normalizeList(cfg.ScriptKeywords, true), def.ScriptKeywords),
		HijackPatterns:      orDefault(normalizeList(cfg.HijackPatterns, true), def.HijackPatterns),
		AnalyticsAllowlist:  orDefault(normalizeList(cfg.AnalyticsAllowlist, true), def.AnalyticsAllowlist),
		AnalyticsExemption:  def.AnalyticsExemption,
		DangerousPatterns:   orDefault(normalizeList(cfg.DangerousPatterns, true), def.DangerousPatterns),
		EventAttributes:     orDefault(normalizeList(cfg.EventAttributes, true), def.EventAttributes),
		PlayerSelectors:     orDefault(normalizeList(cfg.PlayerSelectors, false), def.PlayerSelectors),
		MinEncodedLength:    cfg.MinEncodedLength,
		MinHijackLength:     cfg.MinHijackLength,
		OverlayCoverage:     cfg.OverlayCoverage,
		FrameOnly:           cfg.FrameOnly,
		BrowserIdentityOnly: cfg.BrowserIdentityOnly,
	}
	if cfg.AnalyticsExemption != nil {
		p.AnalyticsExemption = *cfg.AnalyticsExemption
	}
	if p.MinEncodedLength == 0 {
		p.MinEncodedLength = def.MinEncodedLength
	}
	if p.MinHijackLength == 0 {
		p.MinHijackLength = def.MinHijackLength
	}
	if p.OverlayCoverage == 0 {
		p.OverlayCoverage = def.OverlayCoverage
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("profile %q: %w", id, err)
	}
	return p, nil
}

// Validate enforces required values and reasonable limits.
func (p *Profile) Validate() error {
	if len(p.Mirrors) == 0 {
		return fmt.Errorf("mirrors must include at least one base URL")
	}
	for _, m := range p.Mirrors {
		u, err := url.Parse(m)
		if err != nil {
			return fmt.Errorf("mirror %q: %w", m, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("mirror %q must use http or https", m)
		}
		if u.Host == "" {
			return fmt.Errorf("mirror %q must include a host", m)
		}
	}
	if p.MinEncodedLength <= 0 || p.MinEncodedLength > maxTokenLength {
		return fmt.Errorf("min_encoded_length must be in [1, %d]", maxTokenLength)
	}
	if p.MinHijackLength <= 0 || p.MinHijackLength > maxTokenLength {
		return fmt.Errorf("min_hijack_length must be in [1, %d]", maxTokenLength)
	}
	if p.OverlayCoverage <= 0 || p.OverlayCoverage > 1 {
		return fmt.Errorf("overlay_coverage must be in (0, 1]")
	}
	if len(p.PlayerSelectors) == 0 {
		return fmt.Errorf("player_selectors must not be empty")
	}
	for _, sel := range p.PlayerSelectors {
		if _, err := cascadia.Compile(sel); err != nil {
			return fmt.Errorf("player selector %q: %w", sel, err)
		}
	}
	for _, attr := range p.EventAttributes {
		if !strings.HasPrefix(attr, "on") {
			return fmt.Errorf("event attribute %q must start with \"on\"", attr)
		}
	}
	return nil
}

// AllowlistMatch reports whether s references an analytics allowlist domain. It is
// always false when the profile does not enable the analytics exemption.
func (p *Profile) AllowlistMatch(s string) bool {
	if !p.AnalyticsExemption || s == "" {
		return false
	}
	lower := strings.ToLower(s)
	for _, domain := range p.AnalyticsAllowlist {
		if strings.Contains(lower, domain) {
			return true
		}
	}
	return false
}

func normalizeMirrors(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, m := range in {
		m = strings.TrimRight(strings.TrimSpace(m), "/")
		if m == "" {
			continue
		}
		if _, dup := seen[m]; dup {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	return out
}

func normalizeList(in []string, lower bool) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if lower {
			v = strings.ToLower(v)
		}
		out = append(out, v)
	}
	return out
}

func orDefault(v, def []string) []string {
	if len(v) == 0 {
		return append([]string(nil), def...)
	}
	return v
}
