package auth

import (
	"strings"
	"unicode/utf8"

	"passage/internal/provider"
)

const fallbackFirstName = "User"

// deriveNames picks first and last names from a provider profile. Explicit
// given and family names win; otherwise the display name is split on its
// first space.
func deriveNames(info provider.UserInfo) (string, string) {
	name := strings.TrimSpace(info.Name)
	head, tail, _ := strings.Cut(name, " ")

	first := strings.TrimSpace(info.GivenName)
	if first == "" {
		first = strings.TrimSpace(head)
	}
	if first == "" {
		first = fallbackFirstName
	}

	last := strings.TrimSpace(info.FamilyName)
	if last == "" {
		last = strings.TrimSpace(tail)
	}
	return first, last
}

// truncateString caps s at maxLen bytes without splitting a rune.
func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
