package util

import (
	"html"
	"strings"
	"unicode"
)

const maxDisplayNameLen = 64

// SanitizeInput trims and HTML-escapes user supplied text.
func SanitizeInput(s string) string {
	s = strings.TrimSpace(s)
	return html.EscapeString(s)
}

// SanitizeDisplayName prepares a recipient name for an email template.
// Control characters are dropped and the result is capped at 64 runes.
func SanitizeDisplayName(name string) string {
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, name)
	cleaned = strings.TrimSpace(cleaned)
	if r := []rune(cleaned); len(r) > maxDisplayNameLen {
		cleaned = string(r[:maxDisplayNameLen])
	}
	return html.EscapeString(cleaned)
}

func ContainsSuspicious(s string) bool {
	lower := strings.ToLower(s)
	for _, c := range []string{"<", ">", "$", "{", "}", "script", "onerror", "onload"} {
		if strings.Contains(lower, c) {
			return true
		}
	}
	return false
}

// IsDigits reports whether s is non-empty and made only of ASCII digits.
func IsDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
