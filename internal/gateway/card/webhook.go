package card

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/gateway"
)

const (
	SignatureHeader  = "Stripe-Signature"
	DefaultTolerance = 5 * time.Minute
)

var (
	ErrSignature = errors.New("invalid webhook signature")
	// ErrIgnoredEvent marks well-formed events that carry no payment outcome.
	ErrIgnoredEvent = errors.New("event type not handled")
)

// VerifySignature checks a "t=<unix>,v1=<hex>" header against
// HMAC-SHA256(secret, "<t>.<payload>") and rejects stale timestamps.
func VerifySignature(payload []byte, header, secret string, now time.Time, tolerance time.Duration) error {
	if secret == "" {
		return fmt.Errorf("%w: no webhook secret configured", ErrSignature)
	}

	var (
		ts   int64
		sigs []string
	)
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return fmt.Errorf("%w: bad timestamp", ErrSignature)
			}
			ts = n
		case "v1":
			sigs = append(sigs, v)
		}
	}
	if ts == 0 || len(sigs) == 0 {
		return fmt.Errorf("%w: missing timestamp or signature", ErrSignature)
	}

	age := now.Sub(time.Unix(ts, 0))
	if age > tolerance || age < -tolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", ErrSignature)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(payload)
	expected := mac.Sum(nil)

	for _, s := range sigs {
		got, err := hex.DecodeString(s)
		if err == nil && hmac.Equal(got, expected) {
			return nil
		}
	}
	return ErrSignature
}

// Sign produces a header VerifySignature accepts.
func Sign(payload []byte, secret string, at time.Time) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", at.Unix())
	mac.Write(payload)
	return fmt.Sprintf("t=%d,v1=%s", at.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

type event struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object paymentIntent `json:"object"`
	} `json:"data"`
}

// ParseWebhook turns a verified payment_intent event into a callback.
func ParseWebhook(payload []byte) (gateway.Callback, error) {
	var ev event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return gateway.Callback{}, gateway.Malformed("malformed card webhook", err)
	}

	switch ev.Type {
	case "payment_intent.succeeded", "payment_intent.payment_failed", "payment_intent.canceled":
	default:
		return gateway.Callback{}, ErrIgnoredEvent
	}
	if ev.Data.Object.ID == "" {
		return gateway.Callback{}, gateway.Malformed("malformed card webhook", errors.New("missing intent id"))
	}

	cb := fromIntent(ev.Data.Object, "webhook")
	cb.Details["eventId"] = ev.ID
	cb.Details["eventType"] = ev.Type
	return cb, nil
}
