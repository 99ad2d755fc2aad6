// Package phone normalizes user-entered mobile numbers to E.164.
package phone

import (
	"strings"
)

const DefaultCountryCode = "966"

// Normalizer turns free-form input into +<country><subscriber>.
type Normalizer struct {
	countryCode string
}

func NewNormalizer(countryCode string) *Normalizer {
	if countryCode == "" {
		countryCode = DefaultCountryCode
	}
	return &Normalizer{countryCode: strings.TrimPrefix(countryCode, "+")}
}

// Normalize never fails. Non-digits are dropped, a trunk 0 becomes the
// country code and the country code is prepended when missing.
func (n *Normalizer) Normalize(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()

	if strings.HasPrefix(digits, "0") {
		digits = n.countryCode + digits[1:]
	}
	if !strings.HasPrefix(digits, n.countryCode) {
		digits = n.countryCode + digits
	}
	return "+" + digits
}

// IsValidMobile reports whether raw normalizes to +<country>5XXXXXXXX.
func (n *Normalizer) IsValidMobile(raw string) bool {
	return n.IsCanonicalMobile(n.Normalize(raw))
}

// IsCanonicalMobile checks an already normalized number.
func (n *Normalizer) IsCanonicalMobile(e164 string) bool {
	prefix := "+" + n.countryCode + "5"
	if len(e164) != len(prefix)+8 || !strings.HasPrefix(e164, prefix) {
		return false
	}
	for _, r := range e164[len(prefix):] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

var defaultNormalizer = NewNormalizer(DefaultCountryCode)

func Normalize(raw string) string {
	return defaultNormalizer.Normalize(raw)
}

func IsValidMobile(raw string) bool {
	return defaultNormalizer.IsValidMobile(raw)
}
