// Package email provides common email address helpers.
package email

import (
	"errors"
	"net/mail"
	"strings"
)

// ErrInvalidAddress is returned when an address cannot be parsed
var ErrInvalidAddress = errors.New("invalid email address")

// Normalize returns the canonical form used as a lookup key:
// surrounding whitespace removed and lowercased.
func Normalize(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// Parse validates an address (with or without display name) and returns
// the normalized bare address.
func Parse(addr string) (string, error) {
	parsed, err := mail.ParseAddress(strings.TrimSpace(addr))
	if err != nil {
		return "", ErrInvalidAddress
	}
	at := strings.LastIndex(parsed.Address, "@")
	if at <= 0 || at == len(parsed.Address)-1 {
		return "", ErrInvalidAddress
	}
	return Normalize(parsed.Address), nil
}

// ExtractDomain extracts the domain part from an email address.
// Returns empty string if the email is invalid.
func ExtractDomain(email string) string {
	addr, err := mail.ParseAddress(email)
	if err != nil {
		// Try simple extraction for malformed addresses
		at := strings.LastIndex(email, "@")
		if at <= 0 || at == len(email)-1 {
			return ""
		}
		return strings.ToLower(email[at+1:])
	}
	at := strings.LastIndex(addr.Address, "@")
	if at <= 0 || at == len(addr.Address)-1 {
		return ""
	}
	return strings.ToLower(addr.Address[at+1:])
}

// NormalizeAll normalizes a list of addresses, dropping empty entries and
// duplicates while keeping the first-seen order.
func NormalizeAll(addrs []string) []string {
	seen := make(map[string]struct{}, len(addrs))
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		n := Normalize(a)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}
