package compliance

import (
	"fmt"
	"regexp"
	"strings"
)

// Keys are compared lowercased with separators removed.
var (
	sensitiveExact = map[string]bool{
		"pan": true, "cvv": true, "cvc": true, "cvv2": true, "cvc2": true,
		"pin": true, "mpin": true, "otp": true, "exp": true, "expiry": true,
		"expmonth": true, "expyear": true,
	}
	sensitiveParts = []string{
		"cardnumber", "securitycode", "passkey", "password", "secret",
		"accesstoken", "authorization", "clientsecret",
	}
	cardLike = regexp.MustCompile(`\b(?:\d[ -]?){12,18}\d\b`)
)

func sensitiveKey(k string) bool {
	n := strings.NewReplacer("_", "", "-", "", " ", "").Replace(strings.ToLower(k))
	if sensitiveExact[n] {
		return true
	}
	for _, p := range sensitiveParts {
		if strings.Contains(n, p) {
			return true
		}
	}
	return false
}

// Sanitize returns a deep copy of details with sensitive keys removed and
// card-number-like values masked.
func Sanitize(details map[string]any) map[string]any {
	out := make(map[string]any, len(details))
	for k, v := range details {
		if sensitiveKey(k) {
			continue
		}
		out[k] = sanitizeValue(v)
	}
	return out
}

func sanitizeValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return Sanitize(x)
	case map[string]string:
		m := make(map[string]any, len(x))
		for k, s := range x {
			m[k] = s
		}
		return Sanitize(m)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = sanitizeValue(e)
		}
		return out
	case string:
		return maskCards(x)
	case fmt.Stringer:
		return maskCards(x.String())
	default:
		return v
	}
}

func maskCards(s string) string {
	return cardLike.ReplaceAllStringFunc(s, func(m string) string {
		digits := strings.NewReplacer(" ", "", "-", "").Replace(m)
		if !luhn(digits) {
			return m
		}
		return "****" + digits[len(digits)-4:]
	})
}

func luhn(digits string) bool {
	sum, double := 0, false
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i] - '0')
		if double {
			if d *= 2; d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}
