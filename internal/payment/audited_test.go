package payment_test

import (
	"context"
	"sync"
	"testing"

	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/order"
	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/payment"
	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/payment/paymenttest"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type recorded struct {
	from, to payment.Status
	actor    string
}

type fakeRecorder struct {
	mu     sync.Mutex
	events []recorded
}

func (f *fakeRecorder) RecordTransition(_ context.Context, t payment.Transaction, from payment.Status, actor string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, recorded{from: from, to: t.Status, actor: actor})
}

func TestAuditedRecordsOnlyAppliedTransitions(t *testing.T) {
	mem := paymenttest.New()
	mem.AddOrder(order.Order{ID: "order-1", Total: decimal.NewFromInt(1500)})
	rec := &fakeRecorder{}
	l := payment.NewAudited(mem, rec)

	ctx := payment.WithActor(context.Background(), "admin-7")
	tx, _, err := l.CreatePending(ctx, payment.Transaction{
		OrderID: "order-1", Provider: payment.ProviderMobileMoney, Amount: decimal.NewFromInt(1500), Currency: "KES",
	})
	require.NoError(t, err)

	tr, err := l.Complete(ctx, tx.ID, payment.Completion{ReceiptNumber: "R1"})
	require.NoError(t, err)
	require.True(t, tr.Applied)

	// Second completion is a no-op and must not be audited again.
	tr, err = l.Complete(ctx, tx.ID, payment.Completion{ReceiptNumber: "R1"})
	require.NoError(t, err)
	require.False(t, tr.Applied)

	require.Equal(t, []recorded{
		{from: "", to: payment.StatusPending, actor: "admin-7"},
		{from: payment.StatusPending, to: payment.StatusCompleted, actor: "admin-7"},
	}, rec.events)
	require.Equal(t, order.PaymentPaid, mem.Order("order-1").PaymentStatus)
}

func TestActorDefaultsToSystem(t *testing.T) {
	require.Equal(t, "system", payment.ActorFrom(context.Background()))
}
