package marketplace

import (
	"fmt"
	"regexp"
	"strings"
)

const kenyanCountryPrefix = "+254"

// Accepts +2547XXXXXXXX, 07XXXXXXXX, 7XXXXXXXX and the 1XXXXXXXX ranges.
var kenyanMobilePattern = regexp.MustCompile(`^(?:\+254|0)?(7\d{8}|1\d{8})$`)

// CanonicalPhone is a Kenyan mobile number in +254XXXXXXXXX form.
type CanonicalPhone struct {
	value string
}

// NormalizePhone canonicalizes a Kenyan mobile number after trimming surrounding whitespace.
func NormalizePhone(raw string) (CanonicalPhone, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return CanonicalPhone{}, fmt.Errorf("%w: empty value", ErrInvalidPhone)
	}
	match := kenyanMobilePattern.FindStringSubmatch(trimmed)
	if match == nil {
		return CanonicalPhone{}, fmt.Errorf("%w: %q", ErrInvalidPhone, trimmed)
	}
	return CanonicalPhone{value: kenyanCountryPrefix + match[1]}, nil
}

// String returns the +254 form.
func (phone CanonicalPhone) String() string {
	return phone.value
}

// Digits returns the number without the leading '+', as the gateway expects.
func (phone CanonicalPhone) Digits() string {
	return strings.TrimPrefix(phone.value, "+")
}

// IsZero reports whether the phone is unset.
func (phone CanonicalPhone) IsZero() bool {
	return phone.value == ""
}
