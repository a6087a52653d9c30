package helpers

import "strings"

// CanonicalMessageID normalizes a Message-ID header value to its bare
// "local@domain" form: surrounding whitespace and angle brackets are removed.
// Returns "" when nothing usable remains.
func CanonicalMessageID(id string) string {
	id = strings.TrimSpace(id)
	id = strings.TrimPrefix(id, "<")
	id = strings.TrimSuffix(id, ">")
	id = strings.TrimSpace(id)
	if !strings.Contains(id, "@") {
		return ""
	}
	return id
}

// ParseMessageIDs extracts all message IDs from an In-Reply-To or References
// header value. IDs are returned in header order, in canonical form, with
// duplicates removed. Malformed tokens are skipped.
func ParseMessageIDs(header string) []string {
	if header == "" {
		return nil
	}

	var ids []string
	seen := make(map[string]struct{})
	rest := header
	for {
		start := strings.IndexByte(rest, '<')
		if start < 0 {
			break
		}
		rest = rest[start+1:]
		end := strings.IndexByte(rest, '>')
		if end < 0 {
			break
		}
		if id := CanonicalMessageID(rest[:end]); id != "" {
			if _, dup := seen[id]; !dup {
				seen[id] = struct{}{}
				ids = append(ids, id)
			}
		}
		rest = rest[end+1:]
	}

	// Some clients emit bare IDs without angle brackets.
	if len(ids) == 0 {
		for _, tok := range strings.FieldsFunc(header, func(r rune) bool {
			return r == ' ' || r == '\t' || r == ',' || r == '\n' || r == '\r'
		}) {
			if id := CanonicalMessageID(tok); id != "" {
				if _, dup := seen[id]; !dup {
					seen[id] = struct{}{}
					ids = append(ids, id)
				}
			}
		}
	}

	return ids
}
