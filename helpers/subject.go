package helpers

import (
	"strings"
	"unicode"
)

// NormalizeSubject reduces a subject line to its base form for reply
// correlation: reply and forward prefixes are stripped repeatedly, interior
// whitespace is collapsed, and the result is lowercased. Two messages in the
// same conversation normalize to the same string even when one side's client
// stacks "Re: Re[2]: Fwd:" prefixes.
func NormalizeSubject(subject string) string {
	s := strings.TrimSpace(subject)

	for {
		stripped := removeReplyPrefix(s)
		stripped = removeForwardPrefix(stripped)
		if stripped == s {
			break
		}
		s = stripped
	}

	return strings.ToLower(collapseWhitespace(s))
}

// removeReplyPrefix strips a single leading reply marker: "Re:", "RE[2]:",
// "Re(3):" and the like. Returns the input unchanged when no marker matches.
func removeReplyPrefix(s string) string {
	rest, ok := stripPrefixFold(s, "re")
	if !ok {
		return s
	}
	rest = skipBracketedNumber(rest)
	if !strings.HasPrefix(rest, ":") {
		return s
	}
	return strings.TrimSpace(rest[1:])
}

// removeForwardPrefix strips a single leading forward marker: "Fwd:", "Fw:"
// or "Forward:". Returns the input unchanged when no marker matches.
func removeForwardPrefix(s string) string {
	for _, prefix := range []string{"fwd", "fw", "forward"} {
		rest, ok := stripPrefixFold(s, prefix)
		if !ok {
			continue
		}
		if strings.HasPrefix(rest, ":") {
			return strings.TrimSpace(rest[1:])
		}
	}
	return s
}

// stripPrefixFold removes prefix from s case-insensitively. The character
// following the prefix must not be a letter, so "Ref:" is not mistaken for a
// reply marker.
func stripPrefixFold(s, prefix string) (string, bool) {
	if len(s) < len(prefix) {
		return s, false
	}
	if !strings.EqualFold(s[:len(prefix)], prefix) {
		return s, false
	}
	rest := s[len(prefix):]
	if rest != "" {
		r := rune(rest[0])
		if unicode.IsLetter(r) {
			return s, false
		}
	}
	return strings.TrimSpace(rest), true
}

// skipBracketedNumber consumes a "[N]" or "(N)" counter some clients insert
// between the reply marker and the colon.
func skipBracketedNumber(s string) string {
	if s == "" {
		return s
	}
	var closing byte
	switch s[0] {
	case '[':
		closing = ']'
	case '(':
		closing = ')'
	default:
		return s
	}
	end := strings.IndexByte(s, closing)
	if end < 2 {
		return s
	}
	for _, r := range s[1:end] {
		if !unicode.IsDigit(r) {
			return s
		}
	}
	return strings.TrimSpace(s[end+1:])
}

// collapseWhitespace replaces runs of whitespace with a single space.
func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
