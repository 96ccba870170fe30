package card

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/apperr"
	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/gateway"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func newTestAdapter(t *testing.T, h http.HandlerFunc) *Adapter {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	a, err := New(Config{BaseURL: srv.URL, SecretKey: "sk_test_1", Timeout: time.Second}, srv.Client())
	require.NoError(t, err)
	return a
}

func TestMinorUnits(t *testing.T) {
	n, err := MinorUnits(decimal.RequireFromString("1500.5"))
	require.NoError(t, err)
	require.Equal(t, int64(150050), n)

	_, err = MinorUnits(decimal.Zero)
	require.True(t, errors.Is(err, apperr.ErrValidation))
}

func TestSubmitCreatesIntent(t *testing.T) {
	var (
		mu   sync.Mutex
		form url.Values
		auth string
		idem string
	)
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/payment_intents", r.URL.Path)
		require.NoError(t, r.ParseForm())
		mu.Lock()
		form, auth, idem = r.PostForm, r.Header.Get("Authorization"), r.Header.Get("Idempotency-Key")
		mu.Unlock()
		_, _ = w.Write([]byte(`{"id":"pi_123","client_secret":"pi_123_secret_abc","status":"requires_payment_method"}`))
	})

	res, err := a.Submit(context.Background(), gateway.SubmitRequest{
		TransactionID:  "tx-1",
		OrderID:        "order-1",
		Amount:         decimal.NewFromInt(1500),
		Currency:       "KES",
		IdempotencyKey: "tx-1-0",
	})
	require.NoError(t, err)
	require.Equal(t, "pi_123", res.CorrelationID)
	require.Equal(t, "pi_123_secret_abc", res.ClientSecret)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, "150000", form.Get("amount"))
	require.Equal(t, "kes", form.Get("currency"))
	require.Equal(t, "order-1", form.Get("metadata[order_id]"))
	require.Equal(t, "tx-1", form.Get("metadata[transaction_id]"))
	require.Equal(t, "Bearer sk_test_1", auth)
	require.Equal(t, "tx-1-0", idem)
}

func TestSubmitErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		kind   error
	}{
		{"declined", http.StatusPaymentRequired, apperr.ErrGatewayRejected},
		{"bad request", http.StatusBadRequest, apperr.ErrGatewayRejected},
		{"outage", http.StatusServiceUnavailable, apperr.ErrGatewayUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error":{"type":"card_error","code":"card_declined","message":"Your card was declined."}}`))
			})
			_, err := a.Submit(context.Background(), gateway.SubmitRequest{Amount: decimal.NewFromInt(10), Currency: "KES"})
			require.True(t, errors.Is(err, tt.kind), err)
		})
	}
}

func TestQueryStatus(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/payment_intents/pi_123", r.URL.Path)
		_, _ = w.Write([]byte(`{"id":"pi_123","status":"succeeded","amount":150000,"currency":"kes","latest_charge":"ch_9"}`))
	})
	cb, err := a.QueryStatus(context.Background(), "pi_123")
	require.NoError(t, err)
	require.Equal(t, gateway.ResultSucceeded, cb.Result)
	require.Equal(t, "ch_9", cb.ReceiptNumber)
	require.True(t, cb.Amount.Equal(decimal.NewFromInt(1500)))
}

func TestVerifySignature(t *testing.T) {
	payload := []byte(`{"id":"evt_1"}`)
	now := time.Unix(1_700_000_000, 0)
	header := Sign(payload, "whsec_test", now)

	require.NoError(t, VerifySignature(payload, header, "whsec_test", now.Add(time.Minute), DefaultTolerance))
	require.ErrorIs(t, VerifySignature(payload, header, "other", now, DefaultTolerance), ErrSignature)
	require.ErrorIs(t, VerifySignature([]byte(`{"id":"evt_2"}`), header, "whsec_test", now, DefaultTolerance), ErrSignature)
	require.ErrorIs(t, VerifySignature(payload, header, "whsec_test", now.Add(10*time.Minute), DefaultTolerance), ErrSignature)
	require.ErrorIs(t, VerifySignature(payload, "garbage", "whsec_test", now, DefaultTolerance), ErrSignature)
}

func TestParseWebhook(t *testing.T) {
	cb, err := ParseWebhook([]byte(`{"id":"evt_1","type":"payment_intent.succeeded","data":{"object":{"id":"pi_1","status":"succeeded","amount":50000,"latest_charge":"ch_1"}}}`))
	require.NoError(t, err)
	require.Equal(t, gateway.ResultSucceeded, cb.Result)
	require.Equal(t, "pi_1", cb.CorrelationID)
	require.Equal(t, "ch_1", cb.ReceiptNumber)

	cb, err = ParseWebhook([]byte(`{"id":"evt_2","type":"payment_intent.payment_failed","data":{"object":{"id":"pi_2","status":"requires_payment_method","last_payment_error":{"code":"card_declined","decline_code":"insufficient_funds","message":"Your card has insufficient funds."}}}}`))
	require.NoError(t, err)
	require.Equal(t, gateway.ResultPending, cb.Result)
	require.Equal(t, "insufficient_funds", cb.ResultCode)
	require.Equal(t, "insufficient_funds", cb.Details["declineCode"])
	require.False(t, cb.Transient)

	cb, err = ParseWebhook([]byte(`{"id":"evt_4","type":"payment_intent.canceled","data":{"object":{"id":"pi_2","status":"canceled","last_payment_error":{"code":"card_declined","decline_code":"insufficient_funds","message":"Your card has insufficient funds."}}}}`))
	require.NoError(t, err)
	require.Equal(t, gateway.ResultFailed, cb.Result)
	require.Equal(t, "insufficient_funds", cb.ResultCode)

	_, err = ParseWebhook([]byte(`{"id":"evt_3","type":"charge.refunded","data":{"object":{}}}`))
	require.ErrorIs(t, err, ErrIgnoredEvent)

	_, err = ParseWebhook([]byte(`{`))
	require.True(t, errors.Is(err, apperr.ErrCallbackAnomaly))
}
