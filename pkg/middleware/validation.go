package middleware

import (
	"strings"
)

// SanitizeString strips null bytes and surrounding whitespace from
// operator-supplied input before it reaches the Telco/Agent providers.
func SanitizeString(s string) string {
	s = strings.ReplaceAll(s, "\x00", "")
	s = strings.TrimSpace(s)
	return s
}
