package validator

import (
	"strings"

	"github.com/badoux/checkmail"
	"golang.org/x/net/idna"
)

const (
	maxAddressLength = 254
	maxLocalLength   = 64
)

// Normalize trims and lower-cases an address. It is the cache identity key.
func Normalize(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// splitAddress splits at the last '@'. ok is false when either side is empty.
func splitAddress(email string) (local, domain string, ok bool) {
	at := strings.LastIndex(email, "@")
	if at < 1 || at == len(email)-1 {
		return "", "", false
	}
	return email[:at], email[at+1:], true
}

// CheckFormat validates the syntax of email and returns the normalized
// address, with an internationalized domain converted to punycode.
// It performs no I/O.
func CheckFormat(email string) (string, error) {
	email = Normalize(email)
	if email == "" {
		return "", ErrEmptyAddress
	}

	local, domain, ok := splitAddress(email)
	if !ok {
		return "", &FormatError{Email: email, Reason: "missing local part or domain"}
	}
	if len(local) > maxLocalLength {
		return "", &FormatError{Email: email, Reason: "local part exceeds 64 characters"}
	}

	if !isASCII(domain) {
		ascii, err := idna.Lookup.ToASCII(domain)
		if err != nil {
			return "", &FormatError{Email: email, Reason: "invalid internationalized domain"}
		}
		domain = ascii
		email = local + "@" + domain
	}
	if len(email) > maxAddressLength {
		return "", &FormatError{Email: email, Reason: "address exceeds 254 characters"}
	}

	if err := checkmail.ValidateFormat(email); err != nil {
		return "", &FormatError{Email: email, Reason: err.Error()}
	}
	return email, nil
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > 127 {
			return false
		}
	}
	return true
}
