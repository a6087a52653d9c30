package helpers

import "strings"

// MaskSecret redacts a credential for logging. Short secrets are fully
// masked; longer ones keep the first and last two characters so operators
// can tell which key is configured without exposing it.
func MaskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 6 {
		return strings.Repeat("*", len(s))
	}
	return s[:2] + strings.Repeat("*", len(s)-4) + s[len(s)-2:]
}
