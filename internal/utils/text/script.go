package text

import "unicode"

// HasCyrillics checks if the given string contains any Cyrillic characters
func HasCyrillics(content string) bool {
	for _, r := range content {
		if unicode.Is(unicode.Cyrillic, r) {
			return true
		}
	}
	return false
}

// HasArabic checks if the given string contains any Arabic characters
func HasArabic(content string) bool {
	for _, r := range content {
		if unicode.Is(unicode.Arabic, r) {
			return true
		}
	}
	return false
}

// ScriptHint guesses a coarse language hint from the dominant script.
// Returns an empty string when nothing recognizable is found, so
// callers can fall back to the sender's client language.
func ScriptHint(content string) string {
	switch {
	case HasCyrillics(content):
		return "ru"
	case HasArabic(content):
		return "ar"
	}
	return ""
}
