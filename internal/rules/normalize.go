package rules

import (
	"strings"
	"unicode"
)

// Normalize lowercases text and undoes the two cheap evasion tricks
// raw regex matching is blind to: repeated characters ("baaad") and
// separator insertion ("b-a-d"). Keywords are normalized with the same
// function at compile time so both sides collapse identically.
func Normalize(s string) string {
	runes := []rune(strings.ToLower(s))

	// Separators go first: "k-i-l-l" has no adjacent repeats until the
	// dashes are gone.
	stripped := make([]rune, 0, len(runes))
	for i, r := range runes {
		if isSeparator(r) && i > 0 && i < len(runes)-1 &&
			isWordRune(runes[i-1]) && isWordRune(runes[i+1]) {
			continue
		}
		stripped = append(stripped, r)
	}

	out := make([]rune, 0, len(stripped))
	for i, r := range stripped {
		if i > 0 && stripped[i-1] == r {
			continue
		}
		out = append(out, r)
	}
	return string(out)
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

func isSeparator(r rune) bool {
	return !isWordRune(r) && !unicode.IsSpace(r)
}
