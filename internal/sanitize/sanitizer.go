// Package sanitize strips advertising and popup constructs from HTML documents.
//
// Documents are parsed into a node tree and filtered by an ordered rule set. Order
// matters: iframe and container removal run before script inspection so scripts
// nested inside ad containers are already gone when the script rules look. The
// rule set is applied until a pass removes nothing, which makes Sanitize
// idempotent.
package sanitize

import (
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/JakeFAU/mirrorshield/internal/profile"
)

// Rule names, in evaluation order.
const (
	RuleEventHandlers     = "event_handlers"
	RuleAdIframes         = "ad_iframes"
	RuleAdContainers      = "ad_containers"
	RuleAdScripts         = "ad_scripts"
	RuleEncodedPayloads   = "encoded_payloads"
	RuleHijackExpressions = "hijack_expressions"
)

// maxPasses bounds the fixed-point loop. Every pass that reports a change removes
// content, so real documents settle in two or three passes.
const maxPasses = 16

// Rule is one step of the sanitization pipeline. Apply returns how many
// elements, attributes, or expressions it removed.
type Rule struct {
	Name  string
	Apply func(doc *goquery.Document) int
}

// Report summarizes what a Sanitize call removed.
type Report struct {
	Removed map[string]int
	Passes  int
}

// Total returns the number of removals across all rules.
func (r Report) Total() int {
	total := 0
	for _, n := range r.Removed {
		total += n
	}
	return total
}

// Sanitizer applies a profile's rule set. It holds no per-call state and is safe
// for concurrent use.
type Sanitizer struct {
	profile    *profile.Profile
	events     []string
	adWords    keywordMatcher
	iframeAds  keywordMatcher
	scriptAds  keywordMatcher
	hijacks    substringMatcher
	dangerous  substringMatcher
	tokenExpr  *regexp.Regexp
	hijackExpr *regexp.Regexp
	rules      []Rule
}

// New builds a Sanitizer for p.
func New(p *profile.Profile) *Sanitizer {
	s := &Sanitizer{
		profile:    p,
		events:     p.EventAttributes,
		adWords:    newKeywordMatcher(p.AdKeywords),
		iframeAds:  newWholeWordMatcher(p.IframeKeywords),
		scriptAds:  newKeywordMatcher(p.ScriptKeywords),
		hijacks:    newSubstringMatcher(p.HijackPatterns),
		dangerous:  newSubstringMatcher(p.DangerousPatterns),
		tokenExpr:  regexp.MustCompile(fmt.Sprintf(`[A-Za-z0-9+/=]{%d,}`, p.MinEncodedLength)),
		hijackExpr: compileHijackExpr(p.MinHijackLength),
	}
	s.rules = []Rule{
		{Name: RuleEventHandlers, Apply: s.stripEventHandlers},
		{Name: RuleAdIframes, Apply: s.removeAdIframes},
		{Name: RuleAdContainers, Apply: s.removeAdContainers},
		{Name: RuleAdScripts, Apply: s.removeAdScripts},
		{Name: RuleEncodedPayloads, Apply: s.removeEncodedPayloads},
		{Name: RuleHijackExpressions, Apply: s.removeHijackExpressions},
	}
	return s
}

// Rules returns the rule set in evaluation order.
func (s *Sanitizer) Rules() []Rule {
	return append([]Rule(nil), s.rules...)
}

// Sanitize parses raw, applies the rule set, and renders the result.
func (s *Sanitizer) Sanitize(raw string) (string, Report, error) {
	doc, err := Parse(strings.NewReader(raw))
	if err != nil {
		return "", Report{}, err
	}
	report := s.Apply(doc)
	out, err := Render(doc)
	if err != nil {
		return "", report, err
	}
	return out, report, nil
}

// Apply runs the rule set against doc in place until a pass removes nothing.
func (s *Sanitizer) Apply(doc *goquery.Document) Report {
	report := Report{Removed: make(map[string]int, len(s.rules))}
	for report.Passes < maxPasses {
		report.Passes++
		changed := 0
		for _, rule := range s.rules {
			n := rule.Apply(doc)
			if n > 0 {
				report.Removed[rule.Name] += n
				changed += n
			}
		}
		if changed == 0 {
			break
		}
	}
	return report
}

func (s *Sanitizer) stripEventHandlers(doc *goquery.Document) int {
	removed := 0
	doc.Find("*").Each(func(_ int, sel *goquery.Selection) {
		for _, attr := range s.events {
			if _, ok := sel.Attr(attr); ok {
				sel.RemoveAttr(attr)
				removed++
			}
		}
	})
	return removed
}

func (s *Sanitizer) removeAdIframes(doc *goquery.Document) int {
	removed := 0
	doc.Find("iframe").Each(func(_ int, sel *goquery.Selection) {
		node := sel.Get(0)
		for _, attr := range node.Attr {
			if s.adIframeAttr(attr.Key) || s.adIframeAttr(attr.Val) {
				if detach(node) {
					removed++
				}
				return
			}
		}
	})
	return removed
}

func (s *Sanitizer) adIframeAttr(v string) bool {
	return s.adWords.match(v) || s.iframeAds.match(v)
}

func (s *Sanitizer) removeAdContainers(doc *goquery.Document) int {
	removed := 0
	doc.Find("[class], [id]").Each(func(_ int, sel *goquery.Selection) {
		node := sel.Get(0)
		if isStructural(node) {
			return
		}
		class, _ := sel.Attr("class")
		id, _ := sel.Attr("id")
		if s.adWords.match(class) || s.adWords.match(id) {
			if detach(node) {
				removed++
			}
		}
	})
	return removed
}

func (s *Sanitizer) removeAdScripts(doc *goquery.Document) int {
	removed := 0
	doc.Find("script").Each(func(_ int, sel *goquery.Selection) {
		src, _ := sel.Attr("src")
		text := scriptText(sel.Get(0))
		if s.allowlisted(src, text) {
			return
		}
		if s.scriptAds.match(src) || s.scriptAds.match(text) || s.hijacks.match(src) || s.hijacks.match(text) {
			if detach(sel.Get(0)) {
				removed++
			}
		}
	})
	return removed
}

func (s *Sanitizer) removeEncodedPayloads(doc *goquery.Document) int {
	removed := 0
	doc.Find("script").Each(func(_ int, sel *goquery.Selection) {
		src, _ := sel.Attr("src")
		text := scriptText(sel.Get(0))
		if text == "" || s.allowlisted(src, text) {
			return
		}
		for _, token := range s.tokenExpr.FindAllString(text, -1) {
			decoded, ok := decodeToken(token)
			if !ok {
				continue
			}
			if s.dangerous.match(decoded) {
				if detach(sel.Get(0)) {
					removed++
				}
				return
			}
		}
	})
	return removed
}

func (s *Sanitizer) removeHijackExpressions(doc *goquery.Document) int {
	removed := 0
	doc.Find("*").Each(func(_ int, sel *goquery.Selection) {
		node := sel.Get(0)
		for i, attr := range node.Attr {
			if n := len(s.hijackExpr.FindAllStringIndex(attr.Val, -1)); n > 0 {
				node.Attr[i].Val = s.hijackExpr.ReplaceAllString(attr.Val, "")
				removed += n
			}
		}
		if node.Data != "script" {
			return
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			if c.Type != html.TextNode {
				continue
			}
			if n := len(s.hijackExpr.FindAllStringIndex(c.Data, -1)); n > 0 {
				c.Data = s.hijackExpr.ReplaceAllString(c.Data, "")
				removed += n
			}
		}
	})
	return removed
}

func (s *Sanitizer) allowlisted(src, text string) bool {
	return s.profile.AllowlistMatch(src) || s.profile.AllowlistMatch(text)
}

// compileHijackExpr matches eval(atob("...")) call expressions whose payload is at
// least minLen base64 characters, with any of the three JavaScript quote styles.
func compileHijackExpr(minLen int) *regexp.Regexp {
	payload := fmt.Sprintf(`[A-Za-z0-9+/=]{%d,}`, minLen)
	quoted := fmt.Sprintf("(?:'%[1]s'|\"%[1]s\"|`%[1]s`)", payload)
	return regexp.MustCompile(`(?i)eval\s*\(\s*atob\s*\(\s*` + quoted + `\s*\)\s*\)\s*;?`)
}

// Parse reads an HTML document into a goquery document.
func Parse(r io.Reader) (*goquery.Document, error) {
	root, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return goquery.NewDocumentFromNode(root), nil
}

// Render serializes the whole document, doctype included.
func Render(doc *goquery.Document) (string, error) {
	var buf bytes.Buffer
	for _, n := range doc.Nodes {
		if err := html.Render(&buf, n); err != nil {
			return "", fmt.Errorf("render html: %w", err)
		}
	}
	return buf.String(), nil
}

func scriptText(n *html.Node) string {
	if n == nil {
		return ""
	}
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
		}
	}
	return b.String()
}

// detach removes n from the tree. It returns false when n, or one of its
// ancestors, was already removed earlier in the same pass.
func detach(n *html.Node) bool {
	if n == nil || !attached(n) {
		return false
	}
	n.Parent.RemoveChild(n)
	return true
}

func attached(n *html.Node) bool {
	for p := n; p != nil; p = p.Parent {
		if p.Type == html.DocumentNode {
			return true
		}
	}
	return false
}

func isStructural(n *html.Node) bool {
	switch n.Data {
	case "html", "head", "body":
		return true
	}
	return false
}
