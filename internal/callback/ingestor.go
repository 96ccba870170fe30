// Package callback applies asynchronous gateway notifications to the ledger.
// Gateways deliver at least once and in any order; every write here is a
// conditional update keyed on the expected prior status, so a redelivery is
// a no-op rather than a second credit.
package callback

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/compliance"
	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/gateway"
	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/order"
	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/payment"
)

type Kind string

const (
	KindCompleted   Kind = "completed"
	KindFailed      Kind = "failed"
	KindPending     Kind = "pending"
	KindDuplicate   Kind = "duplicate"
	KindAnomaly     Kind = "anomaly"
	KindOverpayment Kind = "overpayment"
	KindLateSuccess Kind = "late_success"
)

// Outcome says what a callback did. Every outcome is acknowledged to the
// gateway; only a returned error asks it to deliver again.
type Outcome struct {
	Kind           Kind                 `json:"outcome"`
	Transaction    *payment.Transaction `json:"transaction,omitempty"`
	RetryScheduled bool                 `json:"retryScheduled,omitempty"`
}

type Notifier interface {
	PaymentSucceeded(ctx context.Context, t payment.Transaction, o *order.Order) error
	PaymentFailed(ctx context.Context, t payment.Transaction) error
}

type Auditor interface {
	Record(ctx context.Context, eventType string, details map[string]any, actor string) error
}

type RetryScheduler interface {
	ScheduleAutoRetry(ctx context.Context, transactionID string) error
}

type Options struct {
	// AutoRetryTransient schedules a delayed retry for failures the gateway
	// marks as transient. Cancellations are never retried automatically.
	AutoRetryTransient bool
	MaxAttempts        int
}

type Ingestor struct {
	ledger   payment.Ledger
	notifier Notifier
	audit    Auditor
	retries  RetryScheduler
	opts     Options
	logger   *zap.Logger
	now      func() time.Time
}

func NewIngestor(ledger payment.Ledger, notifier Notifier, audit Auditor, retries RetryScheduler, opts Options, logger *zap.Logger) *Ingestor {
	return &Ingestor{
		ledger:   ledger,
		notifier: notifier,
		audit:    audit,
		retries:  retries,
		opts:     opts,
		logger:   logger.Named("callback"),
		now:      time.Now,
	}
}

// Ingest applies cb. Unknown references and redeliveries are not errors.
func (in *Ingestor) Ingest(ctx context.Context, cb gateway.Callback) (Outcome, error) {
	if cb.CorrelationID == "" {
		in.anomaly(ctx, cb, "missing correlation id")
		return Outcome{Kind: KindAnomaly}, nil
	}

	tx, err := in.ledger.GetByCorrelationID(ctx, cb.CorrelationID)
	if errors.Is(err, payment.ErrNotFound) {
		in.anomaly(ctx, cb, "unknown correlation id")
		return Outcome{Kind: KindAnomaly}, nil
	}
	if err != nil {
		return Outcome{}, err
	}
	if cb.Provider != "" && cb.Provider != tx.Provider {
		in.anomaly(ctx, cb, "provider does not match transaction")
		return Outcome{Kind: KindAnomaly, Transaction: &tx}, nil
	}

	switch cb.Result {
	case gateway.ResultSucceeded:
		return in.succeed(ctx, tx, cb)
	case gateway.ResultFailed:
		return in.fail(ctx, tx, cb)
	case gateway.ResultPending:
		if _, declined := cb.Details["declineCode"]; declined && tx.Status == payment.StatusPending {
			// The payer can still confirm again; the transaction stays open.
			_ = in.audit.Record(ctx, compliance.EventAttemptDeclined, in.details(tx, cb), payment.ActorFrom(ctx))
		}
		return Outcome{Kind: KindPending, Transaction: &tx}, nil
	default:
		in.anomaly(ctx, cb, "unrecognized result")
		return Outcome{Kind: KindAnomaly, Transaction: &tx}, nil
	}
}

func (in *Ingestor) succeed(ctx context.Context, tx payment.Transaction, cb gateway.Callback) (Outcome, error) {
	if tx.Status != payment.StatusPending {
		return in.settled(ctx, tx, cb), nil
	}
	if cb.Amount != nil && !amountMatches(tx, *cb.Amount) {
		in.anomaly(ctx, cb, "settled amount differs from requested amount")
	}

	settledAt := cb.SettledAt
	if settledAt.IsZero() {
		settledAt = in.now().UTC()
	}
	tr, err := in.ledger.Complete(ctx, tx.ID, payment.Completion{
		ReceiptNumber: cb.ReceiptNumber,
		SettledAt:     settledAt,
	})
	if err != nil {
		return Outcome{}, err
	}
	if !tr.Applied {
		return in.settled(ctx, tr.Transaction, cb), nil
	}
	out := tr.Transaction

	if tr.Overpayment {
		_ = in.audit.Record(ctx, compliance.EventOverpayment, in.details(out, cb), payment.ActorFrom(ctx))
		in.logger.Warn("success callback would overpay order",
			zap.String("transaction_id", out.ID),
			zap.String("order_id", out.OrderID),
		)
		return Outcome{Kind: KindOverpayment, Transaction: &out}, nil
	}

	_ = in.audit.Record(ctx, compliance.EventPaymentCompleted, in.details(out, cb), payment.ActorFrom(ctx))
	in.notify(ctx, out, func(ctx context.Context) error {
		return in.notifier.PaymentSucceeded(ctx, out, tr.Order)
	})
	in.logger.Info("payment completed",
		zap.String("transaction_id", out.ID),
		zap.String("order_id", out.OrderID),
	)
	return Outcome{Kind: KindCompleted, Transaction: &out}, nil
}

// settled classifies a success that arrived for a transaction no longer PENDING.
func (in *Ingestor) settled(ctx context.Context, tx payment.Transaction, cb gateway.Callback) Outcome {
	switch tx.Status {
	case payment.StatusFailed, payment.StatusRetryExhausted:
		// The payer paid after we gave up on the request. Money moved but the
		// ledger will not count it; staff reconcile by hand.
		_ = in.audit.Record(ctx, compliance.EventLateSuccess, in.details(tx, cb), payment.ActorFrom(ctx))
		return Outcome{Kind: KindLateSuccess, Transaction: &tx}
	default:
		in.duplicate(ctx, tx, cb)
		return Outcome{Kind: KindDuplicate, Transaction: &tx}
	}
}

func (in *Ingestor) fail(ctx context.Context, tx payment.Transaction, cb gateway.Callback) (Outcome, error) {
	if tx.Status != payment.StatusPending {
		in.duplicate(ctx, tx, cb)
		return Outcome{Kind: KindDuplicate, Transaction: &tx}, nil
	}

	tr, err := in.ledger.Fail(ctx, tx.ID, failureReason(cb))
	if err != nil {
		return Outcome{}, err
	}
	if !tr.Applied {
		in.duplicate(ctx, tr.Transaction, cb)
		return Outcome{Kind: KindDuplicate, Transaction: &tr.Transaction}, nil
	}
	out := tr.Transaction

	details := in.details(out, cb)
	details["transient"] = cb.Transient
	_ = in.audit.Record(ctx, compliance.EventPaymentFailure, details, payment.ActorFrom(ctx))
	in.notify(ctx, out, func(ctx context.Context) error {
		return in.notifier.PaymentFailed(ctx, out)
	})

	outcome := Outcome{Kind: KindFailed, Transaction: &out}
	if in.opts.AutoRetryTransient && cb.Transient && in.retries != nil && out.RetryEligible(in.opts.MaxAttempts) {
		if err := in.retries.ScheduleAutoRetry(ctx, out.ID); err != nil {
			in.logger.Error("auto retry not scheduled", zap.String("transaction_id", out.ID), zap.Error(err))
		} else {
			outcome.RetryScheduled = true
		}
	}
	return outcome, nil
}

// notify runs a notification hook after the ledger write has committed. A
// failing hook is logged and audited, never surfaced.
func (in *Ingestor) notify(ctx context.Context, tx payment.Transaction, hook func(context.Context) error) {
	if in.notifier == nil {
		return
	}
	if err := hook(context.WithoutCancel(ctx)); err != nil {
		in.logger.Warn("notification hook failed", zap.String("transaction_id", tx.ID), zap.Error(err))
		_ = in.audit.Record(ctx, compliance.EventNotificationHookFailed, map[string]any{
			"transactionId": tx.ID,
			"orderId":       tx.OrderID,
			"error":         err.Error(),
		}, payment.ActorFrom(ctx))
	}
}

func (in *Ingestor) anomaly(ctx context.Context, cb gateway.Callback, reason string) {
	in.logger.Warn("callback anomaly",
		zap.String("provider", string(cb.Provider)),
		zap.String("correlation_id", cb.CorrelationID),
		zap.String("reason", reason),
	)
	_ = in.audit.Record(ctx, compliance.EventCallbackAnomaly, map[string]any{
		"reason":        reason,
		"provider":      string(cb.Provider),
		"correlationId": cb.CorrelationID,
		"resultCode":    cb.ResultCode,
		"result":        string(cb.Result),
		"payload":       cb.Details,
	}, payment.ActorFrom(ctx))
}

func (in *Ingestor) duplicate(ctx context.Context, tx payment.Transaction, cb gateway.Callback) {
	in.logger.Debug("duplicate callback ignored",
		zap.String("transaction_id", tx.ID),
		zap.String("status", string(tx.Status)),
	)
	_ = in.audit.Record(ctx, compliance.EventDuplicateCallback, map[string]any{
		"transactionId": tx.ID,
		"correlationId": cb.CorrelationID,
		"status":        string(tx.Status),
		"result":        string(cb.Result),
	}, payment.ActorFrom(ctx))
}

func (in *Ingestor) details(tx payment.Transaction, cb gateway.Callback) map[string]any {
	d := map[string]any{
		"transactionId": tx.ID,
		"orderId":       tx.OrderID,
		"provider":      string(tx.Provider),
		"correlationId": cb.CorrelationID,
		"status":        string(tx.Status),
		"amount":        tx.Amount.String(),
		"resultCode":    cb.ResultCode,
		"resultDesc":    cb.ResultDesc,
		"payload":       cb.Details,
	}
	if cb.ReceiptNumber != "" {
		d["receiptNumber"] = cb.ReceiptNumber
	}
	return d
}

func failureReason(cb gateway.Callback) string {
	if msg := gateway.SanitizeMessage(cb.ResultDesc); msg != "" {
		return msg
	}
	if cb.ResultCode != "" {
		return "payment failed with result code " + cb.ResultCode
	}
	return "payment failed"
}

// amountMatches allows for the gateway reporting whole units only.
func amountMatches(tx payment.Transaction, settled decimal.Decimal) bool {
	return settled.Equal(tx.Amount) || settled.Equal(tx.Amount.Round(0))
}
