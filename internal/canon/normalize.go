package canon

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var leadingArticles = []string{"the ", "a ", "an "}

// NormalizeTitle folds case and accents, strips punctuation and collapses
// whitespace: "Jazz Night!" and "jazz  night" both become "jazz night".
func NormalizeTitle(s string) string {
	return collapse(fold(s))
}

// NormalizeVenue is NormalizeTitle with a leading article dropped, so
// "The Masquerade" and "Masquerade" compare equal.
func NormalizeVenue(s string) string {
	n := NormalizeTitle(s)
	for _, a := range leadingArticles {
		if strings.HasPrefix(n, a) {
			return strings.TrimPrefix(n, a)
		}
	}
	return n
}

func fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC, cases.Fold())
	out, _, err := transform.String(t, s)
	if err != nil {
		return strings.ToLower(s)
	}
	return out
}

func collapse(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			b.WriteRune(r)
			space = false
			continue
		}
		space = true
	}
	return b.String()
}
