package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/compliance"
	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/middleware"
	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/order"
	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/payment"
)

type published struct {
	exchange, key string
	msg           amqp.Publishing
}

type fakeChannel struct {
	sent []published
	err  error
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, published{exchange: exchange, key: key, msg: msg})
	return nil
}

func (f *fakeChannel) Close() error { return nil }

type fakeSequencer struct {
	seqs map[string]int64
	err  error
}

func (f *fakeSequencer) Next(_ context.Context, key string) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.seqs[key]++
	return f.seqs[key], nil
}

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestPublisher(ch *fakeChannel, seq *fakeSequencer) *Publisher {
	p := newPublisher(ch, seq, PublisherOptions{}, zap.NewNop())
	p.now = func() time.Time { return fixedNow }
	return p
}

func TestPaymentSucceededEnvelope(t *testing.T) {
	ch := &fakeChannel{}
	p := newTestPublisher(ch, &fakeSequencer{seqs: map[string]int64{}})
	receipt := "NLJ7RT61SV"

	ctx := middleware.WithCorrelationID(context.Background(), "corr-1")
	err := p.PaymentSucceeded(ctx, payment.Transaction{
		ID: "tx-1", OrderID: "order-1", Provider: payment.ProviderMobileMoney,
		Amount: decimal.NewFromInt(1500), Currency: "KES", ReceiptNumber: &receipt,
	}, &order.Order{ID: "order-1", UserID: "user-1", PaymentStatus: order.PaymentPaid})
	require.NoError(t, err)

	require.Len(t, ch.sent, 1)
	require.Equal(t, Exchange, ch.sent[0].exchange)
	require.Equal(t, "payment.succeeded.v1", ch.sent[0].key)
	require.Equal(t, amqp.Persistent, ch.sent[0].msg.DeliveryMode)

	var env Envelope[PaymentSucceededPayload]
	require.NoError(t, json.Unmarshal(ch.sent[0].msg.Body, &env))
	require.NoError(t, env.Expect(EventTypePaymentSucceeded, 1))
	require.Equal(t, "corr-1", env.Correlation)
	require.Equal(t, "tx-1", env.Causation)
	require.Equal(t, producerName, env.Producer)
	require.Equal(t, env.ID, ch.sent[0].msg.MessageId)
	require.NotNil(t, env.Sequence)
	require.Equal(t, int64(1), *env.Sequence)
	require.Equal(t, "user-1", env.Payload.UserID)
	require.Equal(t, "PAID", env.Payload.PaymentStatus)
	require.Equal(t, receipt, env.Payload.ReceiptNumber)
	require.True(t, decimal.NewFromInt(1500).Equal(env.Payload.Amount))
}

func TestSequencePerOrder(t *testing.T) {
	ch := &fakeChannel{}
	p := newTestPublisher(ch, &fakeSequencer{seqs: map[string]int64{}})
	reason := "Request cancelled by user"
	tx := payment.Transaction{ID: "tx-1", OrderID: "order-1", Status: payment.StatusFailed, FailureReason: &reason}

	require.NoError(t, p.PaymentFailed(context.Background(), tx))
	require.NoError(t, p.PaymentFailed(context.Background(), tx))
	tx.OrderID = "order-2"
	require.NoError(t, p.PaymentFailed(context.Background(), tx))

	var seqs []int64
	for _, s := range ch.sent {
		var env Envelope[PaymentFailedPayload]
		require.NoError(t, json.Unmarshal(s.msg.Body, &env))
		require.Equal(t, reason, env.Payload.Reason)
		seqs = append(seqs, *env.Sequence)
	}
	require.Equal(t, []int64{1, 2, 1}, seqs)
}

func TestPublishWithoutSequence(t *testing.T) {
	ch := &fakeChannel{}
	p := newTestPublisher(ch, &fakeSequencer{err: errors.New("db down")})

	require.NoError(t, p.Alert(context.Background(), compliance.Event{
		ID: 9, Type: compliance.EventOverpayment, Risk: compliance.RiskHigh, Actor: "system", OccurredAt: fixedNow,
	}))

	var env Envelope[ComplianceAlertPayload]
	require.NoError(t, json.Unmarshal(ch.sent[0].msg.Body, &env))
	require.Nil(t, env.Sequence)
	require.Equal(t, RoutingKey(EventTypeComplianceAlert), ch.sent[0].key)
	require.Equal(t, compliancePartition, env.Partition)
	require.Equal(t, compliance.EventOverpayment, env.Payload.EventType)
	require.Equal(t, "HIGH", env.Payload.RiskLevel)
}

func TestPublishErrorPropagates(t *testing.T) {
	ch := &fakeChannel{err: errors.New("channel closed")}
	p := newTestPublisher(ch, &fakeSequencer{seqs: map[string]int64{}})
	amt := decimal.NewFromInt(200)

	err := p.PaymentRefunded(context.Background(), payment.Transaction{ID: "tx-1", OrderID: "o", RefundedAmount: &amt}, nil)
	require.ErrorContains(t, err, "channel closed")
}
