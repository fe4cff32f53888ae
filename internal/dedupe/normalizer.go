package dedupe

import (
	"regexp"
	"strings"
)

// Identifier normalization. All functions here are pure and total: bad
// input yields ok=false, never a panic and never a fabricated value. They
// are the unit-test anchor for the whole engine.

// emailRe is deliberately permissive. Sales and marketing exports contain
// slightly malformed addresses that still route, so anything shaped like
// local@domain.tld passes.
var emailRe = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

var hexRe = regexp.MustCompile(`^[0-9a-f]{64}$`)

// sentinel values that spreadsheet tooling writes for missing cells.
var emptySentinels = map[string]bool{
	"":     true,
	"nan":  true,
	"null": true,
	"none": true,
	"n/a":  true,
}

// NormalizeEmail lowercases and trims a raw email value. Quote and angle
// wrappers from copy-pasted address books are stripped. Returns ok=false
// for empty cells, sentinel strings, and values that do not look like an
// address at all.
func NormalizeEmail(raw string) (string, bool) {
	email := strings.ToLower(strings.TrimSpace(raw))
	email = strings.Trim(email, "\"'<>")
	if emptySentinels[email] {
		return "", false
	}
	if !emailRe.MatchString(email) {
		return "", false
	}
	return email, true
}

// NormalizePhone converts a raw phone value to E.164. Everything except
// digits and a leading + is stripped; 10-digit inputs are assumed to be
// US/Canada (country code 1) and 11-digit inputs must already start with 1.
// Any other digit count returns ok=false; the engine never guesses a
// country code. Feeding the function its own output yields the same value.
func NormalizePhone(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	if emptySentinels[strings.ToLower(s)] {
		return "", false
	}

	var b strings.Builder
	for i, r := range s {
		if r == '+' && i == 0 {
			continue // tracked via the digit count below
		}
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()

	switch {
	case len(digits) == 10:
		return "+1" + digits, true
	case len(digits) == 11 && digits[0] == '1':
		return "+" + digits, true
	default:
		return "", false
	}
}

// ValidateHash accepts exactly 64 hex characters (a SHA-256 digest) and
// returns the lowercased form.
func ValidateHash(raw string) (string, bool) {
	h := strings.ToLower(strings.TrimSpace(raw))
	if !hexRe.MatchString(h) {
		return "", false
	}
	return h, true
}
