package mpesa

import (
	"encoding/base64"
	"regexp"
	"strings"
	"time"

	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/apperr"
)

const timestampLayout = "20060102150405"

// Kenya does not observe daylight saving, so a fixed zone is exact.
var eastAfrica = time.FixedZone("EAT", 3*60*60)

var canonicalPhone = regexp.MustCompile(`^\+254(7|1)\d{8}$`)

// Timestamp formats t the way the gateway expects it, in East Africa Time.
func Timestamp(t time.Time) string {
	return t.In(eastAfrica).Format(timestampLayout)
}

// Password is base64(shortcode + passkey + timestamp).
func Password(shortCode, passkey, timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(shortCode + passkey + timestamp))
}

// NormalizePhone converts local and international spellings of a Kenyan
// mobile number to the canonical +254XXXXXXXXX form.
func NormalizePhone(raw string) (string, error) {
	p := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '(', ')', '.':
			return -1
		}
		return r
	}, strings.TrimSpace(raw))

	switch {
	case strings.HasPrefix(p, "+"):
	case strings.HasPrefix(p, "254"):
		p = "+" + p
	case strings.HasPrefix(p, "0") && len(p) == 10:
		p = "+254" + p[1:]
	case len(p) == 9:
		p = "+254" + p
	}

	if !canonicalPhone.MatchString(p) {
		return "", apperr.Validation("phone number must be a Kenyan mobile number")
	}
	return p, nil
}

// msisdn is the wire form of a canonical number: digits only.
func msisdn(canonical string) string {
	return strings.TrimPrefix(canonical, "+")
}

// parseTransactionDate reads the yyyyMMddHHmmss value carried in callbacks.
func parseTransactionDate(v string) (time.Time, bool) {
	t, err := time.ParseInLocation(timestampLayout, v, eastAfrica)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}
