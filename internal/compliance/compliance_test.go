package compliance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/payment"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type memStore struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (m *memStore) Append(_ context.Context, e Event) (Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return Event{}, m.err
	}
	e.ID = int64(len(m.events) + 1)
	m.events = append(m.events, e)
	return e, nil
}

func (m *memStore) CountSince(_ context.Context, since time.Time) ([]Count, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := map[string]int{}
	var out []Count
	for _, e := range m.events {
		if e.OccurredAt.Before(since) {
			continue
		}
		i, ok := idx[e.Type]
		if !ok {
			i = len(out)
			idx[e.Type] = i
			out = append(out, Count{Type: e.Type, Risk: e.Risk})
		}
		out[i].Count++
	}
	return out, nil
}

func (m *memStore) ListSince(_ context.Context, since time.Time, risk RiskLevel, limit int) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for i := len(m.events) - 1; i >= 0 && len(out) < limit; i-- {
		if e := m.events[i]; e.Risk == risk && !e.OccurredAt.Before(since) {
			out = append(out, e)
		}
	}
	return out, nil
}

type fakeAlert struct {
	alerts []Event
	err    error
}

func (f *fakeAlert) Alert(_ context.Context, e Event) error {
	f.alerts = append(f.alerts, e)
	return f.err
}

func TestClassify(t *testing.T) {
	tests := map[string]RiskLevel{
		EventPaymentFailure:        RiskHigh,
		EventTokenValidationFailed: RiskHigh,
		EventPaymentRetry:          RiskMedium,
		EventTokenExpired:          RiskMedium,
		EventPaymentCompleted:      RiskLow,
		"something_new":            RiskLow,
	}
	for typ, want := range tests {
		require.Equal(t, want, Classify(typ), typ)
	}
}

func TestSanitizeStripsSensitiveFields(t *testing.T) {
	in := map[string]any{
		"card_number": "4242424242424242",
		"CVV":         "123",
		"pin":         "0000",
		"Passkey":     "bfb279f9",
		"orderId":     "order-1",
		"note":        "customer read 4242 4242 4242 4242 over the phone",
		"receipt":     "NLJ7RT61SV",
		"when":        "20191219102115",
		"nested": map[string]any{
			"cvc":    "999",
			"status": "ok",
		},
		"items": []any{map[string]any{"pan": "4111111111111111", "name": "Amount"}},
	}

	out := Sanitize(in)
	require.NotContains(t, out, "card_number")
	require.NotContains(t, out, "CVV")
	require.NotContains(t, out, "pin")
	require.NotContains(t, out, "Passkey")
	require.Equal(t, "order-1", out["orderId"])
	require.Equal(t, "customer read ****4242 over the phone", out["note"])
	require.Equal(t, "NLJ7RT61SV", out["receipt"])
	require.Equal(t, map[string]any{"status": "ok"}, out["nested"])
	require.Equal(t, []any{map[string]any{"name": "Amount"}}, out["items"])
	require.Contains(t, in, "card_number", "input must not be mutated")
}

func TestRecordAlertsOnlyHighRisk(t *testing.T) {
	store := &memStore{}
	alert := &fakeAlert{}
	l := NewLogger(store, alert, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, l.Record(ctx, EventPaymentCompleted, map[string]any{"orderId": "o1"}, ""))
	require.NoError(t, l.Record(ctx, EventPaymentRetry, nil, "admin-1"))
	require.NoError(t, l.Record(ctx, EventPaymentFailure, map[string]any{"cvv": "123", "reason": "timeout"}, ""))

	require.Len(t, store.events, 3)
	require.Equal(t, "system", store.events[0].Actor)
	require.Equal(t, RiskMedium, store.events[1].Risk)
	require.Len(t, alert.alerts, 1)
	require.Equal(t, EventPaymentFailure, alert.alerts[0].Type)
	require.NotContains(t, alert.alerts[0].Details, "cvv")
}

func TestRecordSurvivesAlertFailure(t *testing.T) {
	l := NewLogger(&memStore{}, &fakeAlert{err: errors.New("broker down")}, zap.NewNop())
	require.NoError(t, l.Record(context.Background(), EventOverpayment, nil, ""))
}

func TestRecordReturnsStoreError(t *testing.T) {
	l := NewLogger(&memStore{err: errors.New("db down")}, nil, zap.NewNop())
	require.Error(t, l.Record(context.Background(), EventPaymentCompleted, nil, ""))
}

func TestRecordTransition(t *testing.T) {
	store := &memStore{}
	l := NewLogger(store, nil, zap.NewNop())
	reason := "Request cancelled by user"
	l.RecordTransition(context.Background(), payment.Transaction{
		ID: "tx-1", OrderID: "o1", Provider: payment.ProviderMobileMoney,
		Status: payment.StatusFailed, Amount: decimal.NewFromInt(500), FailureReason: &reason,
	}, payment.StatusPending, "system")

	require.Len(t, store.events, 1)
	e := store.events[0]
	require.Equal(t, EventTransition, e.Type)
	require.Equal(t, "PENDING", e.Details["from"])
	require.Equal(t, "FAILED", e.Details["to"])
	require.Equal(t, reason, e.Details["failureReason"])
}

func TestReportAggregatesWindow(t *testing.T) {
	store := &memStore{}
	l := NewLogger(store, nil, zap.NewNop())
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	l.now = func() time.Time { return now.Add(-48 * time.Hour) }
	require.NoError(t, l.Record(ctx, EventPaymentFailure, nil, ""))

	l.now = func() time.Time { return now.Add(-time.Hour) }
	require.NoError(t, l.Record(ctx, EventPaymentFailure, nil, ""))
	require.NoError(t, l.Record(ctx, EventPaymentRetry, nil, ""))
	require.NoError(t, l.Record(ctx, EventPaymentCompleted, nil, ""))
	require.NoError(t, l.Record(ctx, EventPaymentCompleted, nil, ""))

	l.now = func() time.Time { return now }
	r, err := l.Report(ctx, 24)
	require.NoError(t, err)
	require.Equal(t, 4, r.Total)
	require.Equal(t, map[RiskLevel]int{RiskHigh: 1, RiskMedium: 1, RiskLow: 2}, r.ByRisk)
	require.Equal(t, 2, r.ByType[EventPaymentCompleted])
	require.Len(t, r.RecentHigh, 1)
}
