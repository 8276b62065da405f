// Package identity canonicalizes phone-number-like identifiers into the
// conversation key every other package buckets messages by.
package identity

import (
	"errors"
	"strings"
)

// ErrEmptyKey is returned by Require when the input carries no digits.
var ErrEmptyKey = errors.New("identity: empty conversation key")

// Normalize keeps only the digits of raw and prefixes them with a single '+'.
// Separators, spaces, parentheses and repeated or misplaced '+' signs are dropped.
// Input without digits normalizes to "", which is never a valid key.
func Normalize(raw string) string {
	var b strings.Builder
	b.Grow(len(raw) + 1)
	b.WriteByte('+')
	for i := 0; i < len(raw); i++ {
		if c := raw[i]; c >= '0' && c <= '9' {
			b.WriteByte(c)
		}
	}
	if b.Len() == 1 {
		return ""
	}
	return b.String()
}

// Matches reports whether a and b denote the same number. The leading '+'
// is ignored, so "+5491135562673" matches "5491135562673".
func Matches(a, b string) bool {
	na, nb := Digits(a), Digits(b)
	return na != "" && na == nb
}

// Digits returns the normalized key without its leading '+'. Provider APIs
// usually expect this form.
func Digits(raw string) string {
	return strings.TrimPrefix(Normalize(raw), "+")
}

// Valid reports whether key is already a canonical, non-empty key.
func Valid(key string) bool {
	return key != "" && Normalize(key) == key
}

// Require normalizes raw and rejects identifiers with no digits.
func Require(raw string) (string, error) {
	key := Normalize(raw)
	if key == "" {
		return "", ErrEmptyKey
	}
	return key, nil
}
