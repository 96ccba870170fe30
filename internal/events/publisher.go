package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/compliance"
	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/middleware"
	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/order"
	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/payment"
)

const publishTimeout = 3 * time.Second

type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Sequencer hands out per-stream event positions.
type Sequencer interface {
	Next(ctx context.Context, stream string) (int64, error)
}

type Publisher struct {
	ch       channel
	seq      Sequencer
	producer string
	logger   *zap.Logger
	now      func() time.Time
}

type PublisherOptions struct {
	Producer string
}

func NewPublisher(conn *amqp.Connection, seq Sequencer, opts PublisherOptions, logger *zap.Logger) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if err := declareExchange(ch); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("declare events exchange: %w", err)
	}

	return newPublisher(ch, seq, opts, logger), nil
}

func newPublisher(ch channel, seq Sequencer, opts PublisherOptions, logger *zap.Logger) *Publisher {
	producer := opts.Producer
	if producer == "" {
		producer = producerName
	}
	return &Publisher{ch: ch, seq: seq, producer: producer, logger: logger.Named("events"), now: time.Now}
}

func (p *Publisher) Close() error {
	return p.ch.Close()
}

// PaymentSucceeded announces a completed payment. o is the order as synced in
// the same ledger transaction and may be nil.
func (p *Publisher) PaymentSucceeded(ctx context.Context, t payment.Transaction, o *order.Order) error {
	payload := PaymentSucceededPayload{
		OrderID:       t.OrderID,
		TransactionID: t.ID,
		Provider:      string(t.Provider),
		Amount:        t.Amount,
		Currency:      t.Currency,
		Timestamp:     p.now().UTC(),
	}
	if t.ReceiptNumber != nil {
		payload.ReceiptNumber = *t.ReceiptNumber
	}
	if o != nil {
		payload.UserID = o.UserID
		payload.PaymentStatus = string(o.PaymentStatus)
	}
	return publish(ctx, p, EventTypePaymentSucceeded, t.OrderID, t.ID, payload)
}

func (p *Publisher) PaymentFailed(ctx context.Context, t payment.Transaction) error {
	payload := PaymentFailedPayload{
		OrderID:       t.OrderID,
		TransactionID: t.ID,
		Provider:      string(t.Provider),
		Attempt:       t.Attempt,
		Status:        string(t.Status),
		Timestamp:     p.now().UTC(),
	}
	if t.FailureReason != nil {
		payload.Reason = *t.FailureReason
	}
	return publish(ctx, p, EventTypePaymentFailed, t.OrderID, t.ID, payload)
}

func (p *Publisher) PaymentRefunded(ctx context.Context, t payment.Transaction, o *order.Order) error {
	payload := PaymentRefundedPayload{
		OrderID:        t.OrderID,
		TransactionID:  t.ID,
		RefundedAmount: t.Amount,
		Currency:       t.Currency,
		Timestamp:      p.now().UTC(),
	}
	if t.RefundedAmount != nil {
		payload.RefundedAmount = *t.RefundedAmount
	}
	if t.RefundReason != nil {
		payload.Reason = *t.RefundReason
	}
	if o != nil {
		payload.UserID = o.UserID
		payload.PaymentStatus = string(o.PaymentStatus)
	}
	return publish(ctx, p, EventTypePaymentRefunded, t.OrderID, t.ID, payload)
}

// Alert publishes a HIGH risk compliance event so that on-call tooling can
// pick it up. It satisfies compliance.AlertHook.
func (p *Publisher) Alert(ctx context.Context, e compliance.Event) error {
	payload := ComplianceAlertPayload{
		EventID:   e.ID,
		EventType: e.Type,
		RiskLevel: string(e.Risk),
		Actor:     e.Actor,
		Details:   e.Details,
		Timestamp: e.OccurredAt,
	}
	return publish(ctx, p, EventTypeComplianceAlert, compliancePartition, "", payload)
}

// publish wraps payload in an envelope and sends it. causation names the
// transaction that produced the event, when there is one.
func publish[T any](ctx context.Context, p *Publisher, name, partition, causation string, payload T) error {
	r, ok := routes[name]
	if !ok {
		return fmt.Errorf("publish: no route for event %s", name)
	}
	env := Envelope[T]{
		Meta: Meta{
			Name:        name,
			Version:     1,
			ID:          uuid.NewString(),
			Correlation: middleware.CorrelationIDFrom(ctx),
			Causation:   causation,
			Producer:    p.producer,
			Partition:   partition,
			OccurredAt:  p.now().UTC(),
			Schema:      r.schema,
		},
		Payload: payload,
	}

	if seq, err := p.seq.Next(ctx, partition); err != nil {
		// Consumers tolerate a missing sequence, so publish without one.
		p.logger.Warn("event sequence unavailable", zap.String("event", name), zap.Error(err))
	} else {
		env.Sequence = &seq
	}

	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal %s envelope: %w", name, err)
	}
	return p.publishJSON(ctx, r.key, env.ID, body)
}

func (p *Publisher) publishJSON(ctx context.Context, routingKey, messageID string, body []byte) error {
	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	return p.ch.PublishWithContext(
		pubCtx,
		Exchange,
		routingKey,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    messageID,
			Timestamp:    p.now().UTC(),
			Body:         body,
		},
	)
}
