// Package guard renders the client-side guard block and inserts it into sanitized documents.
//
// The guard runs in the browser before any upstream script. It neutralizes popup
// and navigation hijacks, filters dynamically inserted scripts, sweeps overlays as
// the DOM changes, and stretches the first player element to fill the viewport.
package guard

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/JakeFAU/mirrorshield/internal/profile"
)

// Placement records where the guard block landed.
type Placement string

const (
	PlacementHead Placement = "head"
	PlacementBody Placement = "body"
	PlacementRoot Placement = "root"
)

var tmpl = template.Must(template.New("guard").Parse(guardTemplate))

type params struct {
	AdKeywords         []string `json:"adKeywords"`
	DangerousPatterns  []string `json:"dangerousPatterns"`
	AnalyticsAllowlist []string `json:"analyticsAllowlist"`
	PlayerSelectors    []string `json:"playerSelectors"`
	OverlayCoverage    float64  `json:"overlayCoverage"`
}

// Injector holds the guard markup rendered for one profile.
type Injector struct {
	markup string
}

// New renders the guard for p. The allowlist is omitted when the profile disables
// the analytics exemption so the browser side agrees with the sanitizer.
func New(p *profile.Profile) (*Injector, error) {
	cfg := params{
		AdKeywords:         nonNil(p.AdKeywords),
		DangerousPatterns:  nonNil(p.DangerousPatterns),
		AnalyticsAllowlist: []string{},
		PlayerSelectors:    nonNil(p.PlayerSelectors),
		OverlayCoverage:    p.OverlayCoverage,
	}
	if p.AnalyticsExemption {
		cfg.AnalyticsAllowlist = nonNil(p.AnalyticsAllowlist)
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encode guard params: %w", err)
	}
	var buf bytes.Buffer
	err = tmpl.Execute(&buf, struct {
		Config          string
		PlayerSelectors string
	}{
		Config:          string(raw),
		PlayerSelectors: cssSelectorList(p.PlayerSelectors),
	})
	if err != nil {
		return nil, fmt.Errorf("render guard: %w", err)
	}
	return &Injector{markup: buf.String()}, nil
}

// Markup returns the rendered guard block.
func (i *Injector) Markup() string {
	return i.markup
}

// Inject inserts a fresh copy of the guard into the document rooted at root: as the
// first children of <head>, else at the end of <body>, else appended to the root
// element.
func (i *Injector) Inject(root *html.Node) (Placement, error) {
	if head := findElement(root, atom.Head); head != nil {
		nodes, err := i.nodes(atom.Head)
		if err != nil {
			return "", err
		}
		first := head.FirstChild
		for _, n := range nodes {
			head.InsertBefore(n, first)
		}
		return PlacementHead, nil
	}
	if body := findElement(root, atom.Body); body != nil {
		if err := i.appendTo(body); err != nil {
			return "", err
		}
		return PlacementBody, nil
	}
	target := root
	if el := findElement(root, atom.Html); el != nil {
		target = el
	}
	if err := i.appendTo(target); err != nil {
		return "", err
	}
	return PlacementRoot, nil
}

func (i *Injector) appendTo(parent *html.Node) error {
	nodes, err := i.nodes(atom.Body)
	if err != nil {
		return err
	}
	for _, n := range nodes {
		parent.AppendChild(n)
	}
	return nil
}

// nodes parses a fresh copy of the markup as children of a ctx element.
func (i *Injector) nodes(ctx atom.Atom) ([]*html.Node, error) {
	parent := &html.Node{Type: html.ElementNode, Data: ctx.String(), DataAtom: ctx}
	nodes, err := html.ParseFragment(strings.NewReader(i.markup), parent)
	if err != nil {
		return nil, fmt.Errorf("parse guard markup: %w", err)
	}
	return nodes, nil
}

func findElement(n *html.Node, a atom.Atom) *html.Node {
	if n.Type == html.ElementNode && n.DataAtom == a {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findElement(c, a); found != nil {
			return found
		}
	}
	return nil
}

// cssSelectorList joins selectors for the style block, dropping any that could
// break out of the rule.
func cssSelectorList(selectors []string) string {
	out := make([]string, 0, len(selectors))
	for _, s := range selectors {
		if strings.ContainsAny(s, "{}<>") {
			continue
		}
		out = append(out, s)
	}
	return strings.Join(out, ",")
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
