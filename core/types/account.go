package types

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// MaxAccountLength bounds the byte length of an account identifier.
const MaxAccountLength = 64

var ErrInvalidAccount = errors.New("types: invalid account id")

// NormalizeAccount returns the canonical form of an account identifier:
// NFC-normalised, trimmed and lower-cased. Only [a-z0-9._-] survive.
func NormalizeAccount(raw string) (string, error) {
	account := strings.ToLower(norm.NFC.String(strings.TrimSpace(raw)))
	if account == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidAccount)
	}
	if len(account) > MaxAccountLength {
		return "", fmt.Errorf("%w: exceeds %d bytes", ErrInvalidAccount, MaxAccountLength)
	}
	for _, r := range account {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '.' || r == '_' || r == '-':
		default:
			return "", fmt.Errorf("%w: unexpected character %q", ErrInvalidAccount, r)
		}
	}
	return account, nil
}

// MustAccount panics when raw is not a valid account id. Intended for
// constants and tests.
func MustAccount(raw string) string {
	account, err := NormalizeAccount(raw)
	if err != nil {
		panic(err)
	}
	return account
}
