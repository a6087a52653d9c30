package helpers

import "strings"

// SplitEmailAddress splits an email address into local part and domain.
// Both parts are lowercased. If the address has no "@", the whole input
// is returned as the local part with an empty domain.
func SplitEmailAddress(address string) (localPart, domain string) {
	parts := strings.SplitN(strings.ToLower(strings.TrimSpace(address)), "@", 2)
	if len(parts) != 2 {
		return parts[0], ""
	}
	return parts[0], parts[1]
}
