// Package textnorm folds product text into a comparable form: NFKD
// decomposition with combining marks removed, lowercased, punctuation
// squashed to spaces, whitespace collapsed.
package textnorm

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var lower = cases.Lower(language.Und)

// Fold returns s normalized for matching. "Café  Olé®" -> "cafe ole".
func Fold(s string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFKC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = norm.NFKC.String(s)
	}
	out = lower.String(out)

	var b strings.Builder
	b.Grow(len(out))
	for _, r := range out {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
			b.WriteRune(r)
		case r == '.' || r == ',':
			// keep decimal separators inside numbers ("6.1", "1,5")
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}
	return Squash(trimSeparators(b.String()))
}

// Squash trims s and collapses internal whitespace runs to a single space.
func Squash(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Tokens returns the folded whitespace-separated tokens of s.
func Tokens(s string) []string {
	return strings.Fields(Fold(s))
}

// trimSeparators drops '.' and ',' that are not between two digits.
func trimSeparators(s string) string {
	rs := []rune(s)
	for i, r := range rs {
		if r != '.' && r != ',' {
			continue
		}
		if i > 0 && i < len(rs)-1 && unicode.IsDigit(rs[i-1]) && unicode.IsDigit(rs[i+1]) {
			if r == ',' {
				rs[i] = '.'
			}
			continue
		}
		rs[i] = ' '
	}
	return string(rs)
}

// Truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
