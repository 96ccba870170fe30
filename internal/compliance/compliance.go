// Package compliance keeps the append-only, risk-classified audit trail of
// the payment engine.
package compliance

import (
	"context"
	"fmt"
	"time"

	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/payment"
	"go.uber.org/zap"
)

type RiskLevel string

const (
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

const (
	EventPaymentInitiated       = "payment_initiated"
	EventPaymentCompleted       = "payment_completed"
	EventPaymentFailure         = "payment_failure"
	EventPaymentRetry           = "payment_retry"
	EventRetryExhausted         = "retry_exhausted"
	EventTransition             = "transaction_transition"
	EventCallbackAnomaly        = "callback_anomaly"
	EventDuplicateCallback      = "duplicate_callback"
	EventLateSuccess            = "late_success_callback"
	EventOverpayment            = "overpayment_detected"
	EventSignatureInvalid       = "callback_signature_invalid"
	EventTokenIssued            = "token_issued"
	EventTokenExpired           = "token_expired"
	EventTokenValidationFailed  = "token_validation_failed"
	EventManualSettlement       = "manual_settlement"
	EventRefundProcessed        = "refund_processed"
	EventC2BConfirmation        = "c2b_confirmation"
	EventNotificationHookFailed = "notification_hook_failed"
	EventPendingConfirmed       = "pending_payment_confirmed"
	EventAttemptDeclined        = "payment_attempt_declined"
)

var riskTable = map[string]RiskLevel{
	EventPaymentFailure:        RiskHigh,
	EventTokenValidationFailed: RiskHigh,
	EventSignatureInvalid:      RiskHigh,
	EventOverpayment:           RiskHigh,
	EventRetryExhausted:        RiskHigh,
	EventLateSuccess:           RiskHigh,

	EventPaymentRetry:     RiskMedium,
	EventTokenExpired:     RiskMedium,
	EventCallbackAnomaly:  RiskMedium,
	EventManualSettlement: RiskMedium,
	EventRefundProcessed:  RiskMedium,
	EventPendingConfirmed: RiskMedium,
}

// Classify returns the static risk level for an event type. Unlisted types are LOW.
func Classify(eventType string) RiskLevel {
	if r, ok := riskTable[eventType]; ok {
		return r
	}
	return RiskLow
}

type Event struct {
	ID         int64          `json:"id"`
	OccurredAt time.Time      `json:"occurredAt"`
	Type       string         `json:"eventType"`
	Risk       RiskLevel      `json:"riskLevel"`
	Actor      string         `json:"actor"`
	Details    map[string]any `json:"details"`
}

type Store interface {
	Append(ctx context.Context, e Event) (Event, error)
	CountSince(ctx context.Context, since time.Time) ([]Count, error)
	ListSince(ctx context.Context, since time.Time, risk RiskLevel, limit int) ([]Event, error)
}

// Count is the number of events of one type and risk level.
type Count struct {
	Type  string
	Risk  RiskLevel
	Count int
}

// AlertHook is invoked synchronously for HIGH risk events.
type AlertHook interface {
	Alert(ctx context.Context, e Event) error
}

type Logger struct {
	store  Store
	alert  AlertHook
	logger *zap.Logger
	now    func() time.Time
}

func NewLogger(store Store, alert AlertHook, logger *zap.Logger) *Logger {
	return &Logger{store: store, alert: alert, logger: logger.Named("compliance"), now: time.Now}
}

// Record sanitizes details, classifies the event and appends it. A failing
// alert hook is logged and does not fail the record.
func (l *Logger) Record(ctx context.Context, eventType string, details map[string]any, actor string) error {
	if actor == "" {
		actor = "system"
	}
	e := Event{
		OccurredAt: l.now().UTC(),
		Type:       eventType,
		Risk:       Classify(eventType),
		Actor:      actor,
		Details:    Sanitize(details),
	}

	stored, err := l.store.Append(ctx, e)
	if err != nil {
		l.logger.Error("compliance event not stored", zap.String("event_type", eventType), zap.Error(err))
		return fmt.Errorf("append compliance event: %w", err)
	}

	if stored.Risk == RiskHigh && l.alert != nil {
		if err := l.alert.Alert(ctx, stored); err != nil {
			l.logger.Warn("compliance alert hook failed", zap.String("event_type", eventType), zap.Error(err))
		}
	}
	return nil
}

// RecordTransition appends a transaction_transition event. Audit failures
// never undo a committed transition, so errors are only logged.
func (l *Logger) RecordTransition(ctx context.Context, t payment.Transaction, from payment.Status, actor string) {
	details := map[string]any{
		"transactionId": t.ID,
		"orderId":       t.OrderID,
		"provider":      string(t.Provider),
		"from":          string(from),
		"to":            string(t.Status),
		"amount":        t.Amount.String(),
		"attempt":       t.Attempt,
	}
	if t.FailureReason != nil {
		details["failureReason"] = *t.FailureReason
	}
	_ = l.Record(ctx, EventTransition, details, actor)
}

type Report struct {
	WindowHours int               `json:"windowHours"`
	From        time.Time         `json:"from"`
	To          time.Time         `json:"to"`
	Total       int               `json:"total"`
	ByRisk      map[RiskLevel]int `json:"byRisk"`
	ByType      map[string]int    `json:"byType"`
	RecentHigh  []Event           `json:"recentHigh"`
}

const recentHighLimit = 20

// Report aggregates events over the trailing window.
func (l *Logger) Report(ctx context.Context, windowHours int) (Report, error) {
	if windowHours <= 0 {
		windowHours = 24
	}
	to := l.now().UTC()
	from := to.Add(-time.Duration(windowHours) * time.Hour)

	counts, err := l.store.CountSince(ctx, from)
	if err != nil {
		return Report{}, fmt.Errorf("count compliance events: %w", err)
	}
	high, err := l.store.ListSince(ctx, from, RiskHigh, recentHighLimit)
	if err != nil {
		return Report{}, fmt.Errorf("list high risk events: %w", err)
	}

	r := Report{
		WindowHours: windowHours,
		From:        from,
		To:          to,
		ByRisk:      map[RiskLevel]int{RiskLow: 0, RiskMedium: 0, RiskHigh: 0},
		ByType:      map[string]int{},
		RecentHigh:  high,
	}
	for _, c := range counts {
		r.Total += c.Count
		r.ByRisk[c.Risk] += c.Count
		r.ByType[c.Type] += c.Count
	}
	return r, nil
}
