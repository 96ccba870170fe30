// Package card creates and inspects card payment intents on a Stripe-style
// gateway. Card details never reach this service; the storefront confirms the
// intent client-side with the returned client secret.
package card

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/apperr"
	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/gateway"
	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/payment"
	"github.com/shopspring/decimal"
)

type Config struct {
	BaseURL       string
	SecretKey     string
	WebhookSecret string
	Timeout       time.Duration
}

type Adapter struct {
	cfg    Config
	client *gateway.Client
}

func New(cfg Config, httpClient *http.Client) (*Adapter, error) {
	client, err := gateway.NewClient("card", cfg.BaseURL, httpClient)
	if err != nil {
		return nil, err
	}
	return &Adapter{cfg: cfg, client: client}, nil
}

func (a *Adapter) Provider() payment.Provider { return payment.ProviderCard }

type paymentIntent struct {
	ID               string            `json:"id"`
	ClientSecret     string            `json:"client_secret"`
	Status           string            `json:"status"`
	Amount           int64             `json:"amount"`
	Currency         string            `json:"currency"`
	LatestCharge     string            `json:"latest_charge"`
	Metadata         map[string]string `json:"metadata"`
	LastPaymentError *struct {
		Code        string `json:"code"`
		DeclineCode string `json:"decline_code"`
		Message     string `json:"message"`
	} `json:"last_payment_error"`
}

type apiError struct {
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// MinorUnits converts an amount to the smallest currency unit.
func MinorUnits(amount decimal.Decimal) (int64, error) {
	n := amount.Shift(2).Round(0).IntPart()
	if n < 1 {
		return 0, apperr.Validation("amount must be positive")
	}
	return n, nil
}

func (a *Adapter) Submit(ctx context.Context, req gateway.SubmitRequest) (gateway.SubmitResult, error) {
	minor, err := MinorUnits(req.Amount)
	if err != nil {
		return gateway.SubmitResult{}, err
	}
	if req.Currency == "" {
		return gateway.SubmitResult{}, apperr.Validation("currency is required")
	}

	form := url.Values{}
	form.Set("amount", fmt.Sprint(minor))
	form.Set("currency", strings.ToLower(req.Currency))
	form.Set("metadata[order_id]", req.OrderID)
	form.Set("metadata[transaction_id]", req.TransactionID)
	form.Set("automatic_payment_methods[enabled]", "true")
	if req.Description != "" {
		form.Set("description", req.Description)
	}

	h := a.headers()
	h.Set("Content-Type", "application/x-www-form-urlencoded")
	if req.IdempotencyKey != "" {
		h.Set("Idempotency-Key", req.IdempotencyKey)
	}

	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	status, body, err := a.client.Call(ctx, http.MethodPost, "/v1/payment_intents", "", strings.NewReader(form.Encode()), h)
	if err != nil {
		return gateway.SubmitResult{}, err
	}
	if err := statusError(status, body); err != nil {
		return gateway.SubmitResult{}, err
	}

	var pi paymentIntent
	if err := json.Unmarshal(body, &pi); err != nil || pi.ID == "" {
		return gateway.SubmitResult{}, gateway.Unavailable("card gateway returned an unreadable response", err)
	}
	return gateway.SubmitResult{
		CorrelationID: pi.ID,
		ClientSecret:  pi.ClientSecret,
		Message:       "confirm the payment with the returned client secret",
	}, nil
}

func (a *Adapter) QueryStatus(ctx context.Context, intentID string) (gateway.Callback, error) {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	status, body, err := a.client.Call(ctx, http.MethodGet, "/v1/payment_intents/"+url.PathEscape(intentID), "", nil, a.headers())
	if err != nil {
		return gateway.Callback{}, err
	}
	if err := statusError(status, body); err != nil {
		return gateway.Callback{}, err
	}

	var pi paymentIntent
	if err := json.Unmarshal(body, &pi); err != nil {
		return gateway.Callback{}, gateway.Unavailable("card gateway returned an unreadable response", err)
	}
	return fromIntent(pi, "intent_query"), nil
}

func (a *Adapter) headers() http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+a.cfg.SecretKey)
	return h
}

func (a *Adapter) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.cfg.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, a.cfg.Timeout)
}

func statusError(status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	var e apiError
	_ = json.Unmarshal(body, &e)
	msg := gateway.SanitizeMessage(e.Error.Message)
	cause := fmt.Errorf("card gateway status %d type %q code %q: %s", status, e.Error.Type, e.Error.Code, msg)
	if status >= 500 || status == http.StatusTooManyRequests {
		return gateway.Unavailable("card gateway error", cause)
	}
	if msg == "" {
		return gateway.Rejected("card payment rejected", cause)
	}
	return gateway.Rejected("card payment rejected: "+msg, cause)
}

// fromIntent maps an intent's lifecycle status onto a callback result.
func fromIntent(pi paymentIntent, source string) gateway.Callback {
	cb := gateway.Callback{
		Provider:      payment.ProviderCard,
		CorrelationID: pi.ID,
		ResultCode:    pi.Status,
		Details: map[string]any{
			"source":   source,
			"intentId": pi.ID,
			"status":   pi.Status,
		},
	}
	if pi.Amount > 0 {
		amt := decimal.New(pi.Amount, -2)
		cb.Amount = &amt
		cb.Details["amount"] = amt.String()
	}

	switch pi.Status {
	case "succeeded":
		cb.Result = gateway.ResultSucceeded
		cb.ReceiptNumber = pi.LatestCharge
		cb.ResultDesc = "payment succeeded"
	case "canceled":
		cb.Result = gateway.ResultFailed
		cb.ResultDesc = "payment canceled"
	default:
		// A declined attempt returns the intent to requires_payment_method and
		// the payer may confirm it again, so only cancellation is terminal.
		cb.Result = gateway.ResultPending
	}

	if pi.LastPaymentError != nil {
		code := pi.LastPaymentError.DeclineCode
		if code == "" {
			code = pi.LastPaymentError.Code
		}
		cb.ResultCode = code
		cb.ResultDesc = gateway.SanitizeMessage(pi.LastPaymentError.Message)
		cb.Details["declineCode"] = code
		cb.Transient = cb.Result == gateway.ResultFailed && (code == "processing_error" || code == "try_again_later")
	}
	return cb
}
