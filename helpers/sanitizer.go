package helpers

import (
	"strings"
	"unicode/utf8"
)

// SanitizeUTF8 removes NULL bytes and invalid UTF-8 sequences from a string.
// PostgreSQL rejects text containing 0x00, and mail headers in the wild carry
// both. Valid input is returned unchanged without allocation.
func SanitizeUTF8(s string) string {
	if !strings.ContainsRune(s, 0) && utf8.ValidString(s) {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	for i, r := range s {
		if r == 0 {
			continue
		}
		if r == utf8.RuneError {
			// Distinguish a literal U+FFFD from a decode failure.
			if _, size := utf8.DecodeRuneInString(s[i:]); size == 1 {
				continue
			}
		}
		b.WriteRune(r)
	}
	return b.String()
}
