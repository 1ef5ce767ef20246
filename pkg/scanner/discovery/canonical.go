// Package discovery turns raw mention surfaces into the normalized alias keys
// used for coreference name matching and for the canonical alias index.
package discovery

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// CanonicalToken is a normalized alias key. Two surfaces that differ only in
// case, width, punctuation or spacing share the same token.
type CanonicalToken string

var folder = cases.Fold()

// Canonicalize processes a raw surface into an alias key and a display form.
// Returns (key, display, valid).
// Rules:
// 1. NFKC + case folding
// 2. Curly apostrophes straightened, possessive 's removed
// 3. Periods and apostrophes dropped ("U.S." -> "us"), other punctuation becomes a space
// 4. Whitespace collapsed; a key without letters or digits is invalid
func Canonicalize(raw string) (CanonicalToken, string, bool) {
	display := strings.Join(strings.Fields(raw), " ")
	if display == "" {
		return "", "", false
	}

	s := norm.NFKC.String(display)
	s = folder.String(s)
	s = strings.NewReplacer("’", "'", "‘", "'", "`", "'").Replace(s)

	var b strings.Builder
	b.Grow(len(s))
	for _, word := range strings.Fields(s) {
		if len(word) > 2 && (strings.HasSuffix(word, "'s") || strings.HasSuffix(word, "s'")) {
			word = strings.TrimSuffix(strings.TrimSuffix(word, "'s"), "'")
		}
		for _, r := range word {
			switch {
			case unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.Is(unicode.Mn, r):
				b.WriteRune(r)
			case r == '.' || r == '\'':
				// dropped
			default:
				b.WriteByte(' ')
			}
		}
		b.WriteByte(' ')
	}

	key := strings.Join(strings.Fields(b.String()), " ")
	if key == "" {
		return "", "", false
	}
	return CanonicalToken(key), display, true
}

// Normalize returns the alias key for raw, or "" when raw carries no letters or digits.
func Normalize(raw string) string {
	key, _, _ := Canonicalize(raw)
	return string(key)
}

// Tokens splits a normalized key into its words.
func Tokens(key string) []string {
	return strings.Fields(key)
}

// IndexTokens returns the distinct non-stopword tokens of key, in first-seen order.
// These feed the near-exact side of the alias index.
func IndexTokens(key string) []string {
	words := strings.Fields(key)
	seen := make(map[string]bool, len(words))
	out := make([]string, 0, len(words))
	for _, w := range words {
		if StopWords[w] || seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
	}
	return out
}
