package sanitize

import "strings"

// keywordMatcher matches configured keywords case-insensitively. Keywords that
// begin with a letter or digit must start at a word boundary, so "ads" matches
// "?ads=1" and "ads-top" but not "uploads".
type keywordMatcher struct {
	words []string
	// whole also requires a boundary after keywords that end in a letter or
	// digit, so "ad" matches "/ad/x" and "ad" but not "adaptive".
	whole bool
}

func newWholeWordMatcher(words []string) keywordMatcher {
	m := newKeywordMatcher(words)
	m.whole = true
	return m
}

func newKeywordMatcher(words []string) keywordMatcher {
	out := make([]string, 0, len(words))
	for _, w := range words {
		w = strings.ToLower(strings.TrimSpace(w))
		if w != "" {
			out = append(out, w)
		}
	}
	return keywordMatcher{words: out}
}

func (m keywordMatcher) match(s string) bool {
	if s == "" || len(m.words) == 0 {
		return false
	}
	lower := strings.ToLower(s)
	for _, w := range m.words {
		if !isWordByte(w[0]) {
			if strings.Contains(lower, w) {
				return true
			}
			continue
		}
		for i := 0; i < len(lower); {
			j := strings.Index(lower[i:], w)
			if j < 0 {
				break
			}
			j += i
			end := j + len(w)
			startOK := j == 0 || !isWordByte(lower[j-1])
			endOK := !m.whole || !isWordByte(w[len(w)-1]) || end == len(lower) || !isWordByte(lower[end])
			if startOK && endOK {
				return true
			}
			i = j + 1
		}
	}
	return false
}

// substringMatcher matches code fragments such as "window.open" anywhere in the input.
type substringMatcher struct {
	patterns []string
}

func newSubstringMatcher(patterns []string) substringMatcher {
	out := make([]string, 0, len(patterns))
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			out = append(out, p)
		}
	}
	return substringMatcher{patterns: out}
}

func (m substringMatcher) match(s string) bool {
	if s == "" {
		return false
	}
	lower := strings.ToLower(s)
	for _, p := range m.patterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

func isWordByte(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}
