package vault

import (
	"strings"

	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/apperr"
)

// classify works out what sensitive holds and returns its normalized and
// masked forms.
func classify(sensitive string) (Kind, string, string, error) {
	s := strings.TrimSpace(sensitive)
	if s == "" {
		return "", "", "", apperr.Validation("nothing to tokenize")
	}

	digits := stripSeparators(s)
	switch {
	case isDigits(digits) && len(digits) >= 12 && len(digits) <= 19:
		if !luhnValid(digits) {
			return "", "", "", apperr.Validation("card number failed checksum")
		}
		return KindCard, digits, MaskCard(digits), nil
	case strings.HasPrefix(digits, "+") && isDigits(digits[1:]) && len(digits) >= 10:
		return KindPhone, digits, MaskPhone(digits), nil
	default:
		return KindOpaque, s, maskTail(s, 4), nil
	}
}

// MaskCard keeps the last four digits: "**** **** **** 4242".
func MaskCard(pan string) string {
	if len(pan) < 4 {
		return "****"
	}
	return "**** **** **** " + pan[len(pan)-4:]
}

// MaskPhone keeps the country prefix and the last three digits.
func MaskPhone(phone string) string {
	if len(phone) < 8 {
		return maskTail(phone, 2)
	}
	return phone[:4] + strings.Repeat("*", len(phone)-7) + phone[len(phone)-3:]
}

func maskTail(s string, keep int) string {
	if len(s) <= keep {
		return strings.Repeat("*", len(s))
	}
	return strings.Repeat("*", len(s)-keep) + s[len(s)-keep:]
}

func stripSeparators(s string) string {
	return strings.Map(func(r rune) rune {
		if r == ' ' || r == '-' {
			return -1
		}
		return r
	}, s)
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	// ASCII only: the checksum and masking index bytes.
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func luhnValid(digits string) bool {
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}
