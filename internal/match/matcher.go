// Package match resolves filenames returned by the model back to the
// authoritative input set. Models routinely strip extensions, change case,
// or drop sidecar suffixes; the matcher recovers those cases without ever
// crossing over to a genuinely different file.
package match

import (
	"regexp"
	"strings"
)

// Confidence classifies how a match was found, ordered strongest first.
type Confidence string

const (
	Exact      Confidence = "exact"
	Normalized Confidence = "normalized"
	Prefix     Confidence = "prefix"
	Token      Confidence = "token"
	None       Confidence = "none"
)

// refSuffix is the sidecar extension describing non-text artifacts.
const refSuffix = ".ref.json"

// imageExtensions are stripped during normalization, after refSuffix.
var imageExtensions = []string{
	".jpg", ".jpeg", ".png", ".gif", ".tiff", ".tif", ".bmp", ".webp",
}

// prefixMinLen rejects prefix matches on very short normalized strings,
// where shared stems are meaningless.
const prefixMinLen = 4

// prefixMinRatio is the minimum shorter/longer length ratio for a prefix match.
const prefixMinRatio = 0.6

// jaccardThreshold is the minimum token-set similarity for a token match.
const jaccardThreshold = 0.7

var (
	whitespaceRe = regexp.MustCompile(`\s+`)
	tokenSplitRe = regexp.MustCompile(`[ _\-.]+`)
)

// Normalize lowercases, strips the sidecar and image extensions, and
// collapses whitespace.
func Normalize(s string) string {
	n := strings.ToLower(s)
	n = strings.TrimSuffix(n, refSuffix)
	for _, ext := range imageExtensions {
		if strings.HasSuffix(n, ext) {
			n = strings.TrimSuffix(n, ext)
			break
		}
	}
	n = whitespaceRe.ReplaceAllString(n, " ")
	return strings.TrimSpace(n)
}

func tokenSet(normalized string) map[string]struct{} {
	parts := tokenSplitRe.Split(normalized, -1)
	set := make(map[string]struct{}, len(parts))
	for _, p := range parts {
		if p != "" {
			set[p] = struct{}{}
		}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	var inter int
	for t := range a {
		if _, ok := b[t]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

// Matcher precomputes normalized forms and token sets for an input set so
// individual lookups cost time linear in the number of inputs.
type Matcher struct {
	names      []string
	exact      map[string]struct{}
	normalized []string
	tokens     []map[string]struct{}
}

// NewMatcher builds a matcher over the given input names. Input order is
// preserved for deterministic tie-breaking.
func NewMatcher(names []string) *Matcher {
	m := &Matcher{
		names:      names,
		exact:      make(map[string]struct{}, len(names)),
		normalized: make([]string, len(names)),
		tokens:     make([]map[string]struct{}, len(names)),
	}
	for i, n := range names {
		m.exact[n] = struct{}{}
		m.normalized[i] = Normalize(n)
		m.tokens[i] = tokenSet(m.normalized[i])
	}
	return m
}

// Match resolves s to one of the input names, trying exact, normalized,
// prefix, and token-set strategies in order. The returned name is empty when
// confidence is None.
func (m *Matcher) Match(s string) (string, Confidence) {
	if _, ok := m.exact[s]; ok {
		return s, Exact
	}

	norm := Normalize(s)
	for i, n := range m.normalized {
		if n == norm {
			return m.names[i], Normalized
		}
	}

	if len(norm) >= prefixMinLen {
		for i, n := range m.normalized {
			if prefixCompatible(norm, n) {
				return m.names[i], Prefix
			}
		}
	}

	qTokens := tokenSet(norm)
	bestIdx, bestScore := -1, 0.0
	for i, ts := range m.tokens {
		if score := jaccard(qTokens, ts); score > bestScore {
			bestIdx, bestScore = i, score
		}
	}
	if bestIdx >= 0 && bestScore >= jaccardThreshold {
		return m.names[bestIdx], Token
	}

	return "", None
}

// prefixCompatible reports whether one normalized string is a prefix of the
// other and the shorter covers at least prefixMinRatio of the longer. Both
// sides must be non-trivially long; a single differing character inside the
// shorter length disqualifies the pair.
func prefixCompatible(a, b string) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	shorter, longer := a, b
	if len(shorter) > len(longer) {
		shorter, longer = longer, shorter
	}
	if len(shorter) < prefixMinLen {
		return false
	}
	if !strings.HasPrefix(longer, shorter) {
		return false
	}
	return float64(len(shorter)) >= prefixMinRatio*float64(len(longer))
}
