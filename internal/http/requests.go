package httpapi

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/apperr"
	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/intent"
	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/payment"
	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/reconcile"
)

type MobileMoneyDetails struct {
	Phone string `json:"phone"`
}

type CardDetails struct {
	Token string `json:"token"`
}

// InitiatePaymentRequest carries exactly one method-specific variant, chosen
// by the method discriminator.
type InitiatePaymentRequest struct {
	OrderID     string
	Amount      decimal.Decimal
	Currency    string
	Method      payment.Provider
	MobileMoney *MobileMoneyDetails
	Card        *CardDetails
}

type initiateWire struct {
	OrderID     string              `json:"orderId"`
	Amount      *decimal.Decimal    `json:"amount"`
	Currency    string              `json:"currency"`
	Method      string              `json:"method"`
	MobileMoney *MobileMoneyDetails `json:"mobileMoney"`
	Card        *CardDetails        `json:"card"`
}

func (r *InitiatePaymentRequest) UnmarshalJSON(b []byte) error {
	var w initiateWire
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&w); err != nil {
		return apperr.Validation("invalid request body")
	}
	if w.Amount == nil {
		return apperr.Validation("amount is required")
	}

	method, err := payment.ParseProvider(w.Method)
	if err != nil {
		return apperr.Validation("method must be MOBILE_MONEY or CARD")
	}
	switch method {
	case payment.ProviderMobileMoney:
		if w.MobileMoney == nil || w.Card != nil {
			return apperr.Validation("MOBILE_MONEY payments take mobileMoney details only")
		}
	case payment.ProviderCard:
		if w.Card == nil || w.MobileMoney != nil {
			return apperr.Validation("CARD payments take card details only")
		}
	default:
		return apperr.Validation("method must be MOBILE_MONEY or CARD")
	}

	*r = InitiatePaymentRequest{
		OrderID:     strings.TrimSpace(w.OrderID),
		Amount:      *w.Amount,
		Currency:    strings.ToUpper(strings.TrimSpace(w.Currency)),
		Method:      method,
		MobileMoney: w.MobileMoney,
		Card:        w.Card,
	}
	return nil
}

func (r InitiatePaymentRequest) intent() intent.Request {
	req := intent.Request{
		OrderID:  r.OrderID,
		Provider: r.Method,
		Amount:   r.Amount,
		Currency: r.Currency,
	}
	if r.MobileMoney != nil {
		req.Phone = r.MobileMoney.Phone
	}
	if r.Card != nil {
		req.CardToken = r.Card.Token
	}
	return req
}

type tokenizeRequest struct {
	Data string `json:"data"`
}

type tokenizeResponse struct {
	Token      string    `json:"token"`
	MaskedData string    `json:"maskedData"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

type manualPaymentRequest struct {
	OrderID        string          `json:"orderId"`
	Channel        string          `json:"channel"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	Reference      string          `json:"reference"`
	PayerReference string          `json:"payerReference"`
	Notes          string          `json:"notes"`
	ReceivedAt     *time.Time      `json:"receivedAt"`
}

func (m manualPaymentRequest) manual(admin string) (reconcile.ManualPayment, error) {
	channel, err := payment.ParseProvider(m.Channel)
	if err != nil {
		return reconcile.ManualPayment{}, apperr.Validation("channel must be CASH, PAYBILL or BANK_TRANSFER")
	}
	out := reconcile.ManualPayment{
		OrderID:        strings.TrimSpace(m.OrderID),
		Channel:        channel,
		Amount:         m.Amount,
		Currency:       strings.ToUpper(strings.TrimSpace(m.Currency)),
		Reference:      m.Reference,
		PayerReference: m.PayerReference,
		Notes:          m.Notes,
		RecordedBy:     admin,
	}
	if m.ReceivedAt != nil {
		out.ReceivedAt = *m.ReceivedAt
	}
	return out, nil
}

type confirmRequest struct {
	ReceiptNumber string     `json:"receiptNumber"`
	SettledAt     *time.Time `json:"settledAt"`
}

type refundRequest struct {
	Reason string           `json:"reason"`
	Amount *decimal.Decimal `json:"amount"`
}

type pushRequest struct {
	OrderID string          `json:"orderId"`
	Amount  decimal.Decimal `json:"amount"`
	Phone   string          `json:"phone"`
}

type statusResponse struct {
	Transaction   payment.Transaction `json:"transaction"`
	RetryEligible bool                `json:"retryEligible"`
	MaxAttempts   int                 `json:"maxAttempts"`
	Refreshed     bool                `json:"refreshed"`
}
