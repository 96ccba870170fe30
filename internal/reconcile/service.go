// Package reconcile tracks what each order has been paid, records payments
// staff confirm out of band and processes refunds.
package reconcile

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/apperr"
	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/compliance"
	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/gateway"
	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/gateway/mpesa"
	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/intent"
	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/order"
	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/payment"
	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/vault"
)

type IntentCreator interface {
	CreateIntent(ctx context.Context, req intent.Request) (intent.Result, error)
}

type Notifier interface {
	PaymentSucceeded(ctx context.Context, t payment.Transaction, o *order.Order) error
	PaymentRefunded(ctx context.Context, t payment.Transaction, o *order.Order) error
}

type Auditor interface {
	Record(ctx context.Context, eventType string, details map[string]any, actor string) error
}

type Service struct {
	ledger   payment.Ledger
	intents  IntentCreator
	notifier Notifier
	audit    Auditor
	logger   *zap.Logger
	now      func() time.Time
}

func NewService(ledger payment.Ledger, intents IntentCreator, notifier Notifier, audit Auditor, logger *zap.Logger) *Service {
	return &Service{
		ledger:   ledger,
		intents:  intents,
		notifier: notifier,
		audit:    audit,
		logger:   logger.Named("reconcile"),
		now:      time.Now,
	}
}

type PartialPaymentResult struct {
	Transaction      payment.Transaction  `json:"transaction"`
	Continuation     gateway.SubmitResult `json:"continuation"`
	PaidAmount       decimal.Decimal      `json:"paidAmount"`
	RemainingBalance decimal.Decimal      `json:"remainingBalance"`
	FullyPaid        bool                 `json:"fullyPaid"`
}

// ProcessPartialPayment opens a payment for part of the outstanding balance.
// The balance check and the insert share one ledger transaction under the
// order lock, so two concurrent partial payments cannot both claim the same
// remainder. RemainingBalance is what is left once this payment completes.
func (s *Service) ProcessPartialPayment(ctx context.Context, req intent.Request) (PartialPaymentResult, error) {
	res, err := s.intents.CreateIntent(ctx, req)
	if err != nil {
		return PartialPaymentResult{Transaction: res.Transaction}, err
	}
	bal, err := s.ledger.Balance(ctx, req.OrderID)
	if err != nil {
		return PartialPaymentResult{}, err
	}
	return PartialPaymentResult{
		Transaction:      res.Transaction,
		Continuation:     res.Continuation,
		PaidAmount:       bal.Completed,
		RemainingBalance: res.RemainingBalance,
		FullyPaid:        bal.Remaining().IsZero(),
	}, nil
}

// ManualPayment is a payment taken outside the gateways: cash at the
// counter, a paybill deposit or a bank transfer.
type ManualPayment struct {
	OrderID  string
	Channel  payment.Provider
	Amount   decimal.Decimal
	Currency string
	// Reference is the channel's own receipt, such as a paybill confirmation
	// code. A reference can be recorded only once per channel.
	Reference      string
	PayerReference string
	Notes          string
	ReceivedAt     time.Time
	// RecordedBy is the admin who attests to the payment.
	RecordedBy string
}

func (m ManualPayment) validate() error {
	if m.OrderID == "" {
		return apperr.Validation("orderId is required")
	}
	if !m.Channel.Manual() {
		return apperr.Validation("channel must be CASH, PAYBILL or BANK_TRANSFER")
	}
	if !m.Amount.IsPositive() {
		return apperr.Validation("amount must be positive")
	}
	if m.Amount.Exponent() < -2 {
		return apperr.Validation("amount must have at most two decimal places")
	}
	if strings.TrimSpace(m.RecordedBy) == "" {
		return apperr.Validation("recording admin is required")
	}
	return nil
}

func (m ManualPayment) transaction() payment.Transaction {
	t := payment.Transaction{
		OrderID:        m.OrderID,
		Provider:       m.Channel,
		Amount:         m.Amount,
		Currency:       m.Currency,
		PayerReference: maskPayer(m.PayerReference),
		RecordedBy:     optional(m.RecordedBy),
		Notes:          optional(strings.TrimSpace(m.Notes)),
		ReceiptNumber:  optional(strings.TrimSpace(m.Reference)),
	}
	if ref := strings.ToUpper(strings.TrimSpace(m.Reference)); ref != "" {
		t.CorrelationID = fmt.Sprintf("manual:%s:%s", m.Channel, ref)
	}
	if !m.ReceivedAt.IsZero() {
		at := m.ReceivedAt.UTC()
		t.SettledAt = &at
	}
	return t
}

// RecordManualSettlement books a staff-confirmed payment straight to
// COMPLETED. Nothing external corroborates it; the recording admin is kept
// on the transaction and in the audit trail.
func (s *Service) RecordManualSettlement(ctx context.Context, m ManualPayment) (payment.Transition, error) {
	if err := m.validate(); err != nil {
		return payment.Transition{}, err
	}
	if m.ReceivedAt.After(s.now().Add(5 * time.Minute)) {
		return payment.Transition{}, apperr.Validation("receivedAt cannot be in the future")
	}

	tr, err := s.ledger.CreateSettled(payment.WithActor(ctx, m.RecordedBy), m.transaction())
	if err != nil {
		return payment.Transition{}, err
	}
	tx := tr.Transaction

	_ = s.audit.Record(ctx, compliance.EventManualSettlement, map[string]any{
		"transactionId": tx.ID,
		"orderId":       tx.OrderID,
		"channel":       string(tx.Provider),
		"amount":        tx.Amount.String(),
		"reference":     m.Reference,
		"notes":         m.Notes,
	}, m.RecordedBy)
	s.notifySucceeded(ctx, tr)
	s.logger.Info("manual settlement recorded",
		zap.String("transaction_id", tx.ID),
		zap.String("order_id", tx.OrderID),
		zap.String("recorded_by", m.RecordedBy),
	)
	return tr, nil
}

// RecordPendingPayment books a manual payment that staff expect but have not
// yet seen clear, for example a bank transfer in flight. It counts against
// the balance only once confirmed.
func (s *Service) RecordPendingPayment(ctx context.Context, m ManualPayment) (payment.Transaction, error) {
	if err := m.validate(); err != nil {
		return payment.Transaction{}, err
	}
	tx, _, err := s.ledger.CreatePending(payment.WithActor(ctx, m.RecordedBy), m.transaction())
	if err != nil {
		return payment.Transaction{}, err
	}
	_ = s.audit.Record(ctx, compliance.EventPaymentInitiated, map[string]any{
		"transactionId": tx.ID,
		"orderId":       tx.OrderID,
		"channel":       string(tx.Provider),
		"amount":        tx.Amount.String(),
		"pending":       true,
	}, m.RecordedBy)
	return tx, nil
}

type Confirmation struct {
	ReceiptNumber string
	SettledAt     time.Time
	ConfirmedBy   string
}

// ConfirmPendingPayment completes a pending manual payment.
func (s *Service) ConfirmPendingPayment(ctx context.Context, id string, c Confirmation) (payment.Transition, error) {
	if strings.TrimSpace(c.ConfirmedBy) == "" {
		return payment.Transition{}, apperr.Validation("confirming admin is required")
	}
	tx, err := s.ledger.Get(ctx, id)
	if err != nil {
		return payment.Transition{}, err
	}
	if !tx.Provider.Manual() {
		return payment.Transition{}, apperr.Validation("only manually recorded payments can be confirmed by staff")
	}

	settledAt := c.SettledAt
	if settledAt.IsZero() {
		settledAt = s.now().UTC()
	}
	tr, err := s.ledger.Complete(payment.WithActor(ctx, c.ConfirmedBy), id, payment.Completion{
		ReceiptNumber: strings.TrimSpace(c.ReceiptNumber),
		SettledAt:     settledAt,
	})
	if err != nil {
		return payment.Transition{}, err
	}
	if !tr.Applied {
		return tr, apperr.Conflict(fmt.Sprintf("payment is %s, not PENDING", tr.Transaction.Status))
	}
	if tr.Overpayment {
		_ = s.audit.Record(ctx, compliance.EventOverpayment, map[string]any{
			"transactionId": id,
			"orderId":       tx.OrderID,
			"amount":        tx.Amount.String(),
		}, c.ConfirmedBy)
		return tr, payment.ErrExceedsBalance
	}

	_ = s.audit.Record(ctx, compliance.EventPendingConfirmed, map[string]any{
		"transactionId": id,
		"orderId":       tx.OrderID,
		"channel":       string(tx.Provider),
		"amount":        tx.Amount.String(),
		"receiptNumber": c.ReceiptNumber,
	}, c.ConfirmedBy)
	s.notifySucceeded(ctx, tr)
	return tr, nil
}

// ProcessRefund moves a COMPLETED transaction to REFUNDED and resyncs the
// order. Anything not COMPLETED is rejected with no side effects.
func (s *Service) ProcessRefund(ctx context.Context, id string, r payment.RefundRequest) (payment.Transition, error) {
	r.Reason = strings.TrimSpace(r.Reason)
	if r.Reason == "" {
		return payment.Transition{}, apperr.Validation("refund reason is required")
	}
	if r.Actor == "" {
		r.Actor = payment.ActorFrom(ctx)
	}

	tr, err := s.ledger.Refund(payment.WithActor(ctx, r.Actor), id, r)
	if err != nil {
		return payment.Transition{}, err
	}
	if !tr.Applied {
		return payment.Transition{}, payment.ErrNotRefundable
	}
	tx := tr.Transaction

	details := map[string]any{
		"transactionId":  tx.ID,
		"orderId":        tx.OrderID,
		"provider":       string(tx.Provider),
		"amount":         tx.Amount.String(),
		"refundedAmount": tx.Amount.String(),
		"reason":         r.Reason,
		"receiptNumber":  deref(tx.ReceiptNumber),
	}
	if tx.RefundedAmount != nil {
		details["refundedAmount"] = tx.RefundedAmount.String()
	}
	if tr.Order != nil {
		details["orderPaymentStatus"] = string(tr.Order.PaymentStatus)
	}
	_ = s.audit.Record(ctx, compliance.EventRefundProcessed, details, r.Actor)

	if s.notifier != nil {
		if err := s.notifier.PaymentRefunded(context.WithoutCancel(ctx), tx, tr.Order); err != nil {
			s.logger.Warn("refund notification failed", zap.String("transaction_id", tx.ID), zap.Error(err))
		}
	}
	return tr, nil
}

type Summary struct {
	OrderID          string                `json:"orderId"`
	Currency         string                `json:"currency"`
	Total            decimal.Decimal       `json:"totalAmount"`
	PaidAmount       decimal.Decimal       `json:"paidAmount"`
	RefundedAmount   decimal.Decimal       `json:"refundedAmount"`
	PendingAmount    decimal.Decimal       `json:"pendingAmount"`
	RemainingBalance decimal.Decimal       `json:"remainingBalance"`
	FullyPaid        bool                  `json:"fullyPaid"`
	PaymentStatus    order.PaymentStatus   `json:"paymentStatus"`
	OrderStatus      order.Status          `json:"orderStatus"`
	Transactions     []payment.Transaction `json:"transactions"`
}

// OrderSummary is the payment history of an order with its running totals.
func (s *Service) OrderSummary(ctx context.Context, orderID string) (Summary, error) {
	bal, err := s.ledger.Balance(ctx, orderID)
	if err != nil {
		return Summary{}, err
	}
	txs, err := s.ledger.ListByOrder(ctx, orderID)
	if err != nil {
		return Summary{}, err
	}

	pending := decimal.Zero
	for _, t := range txs {
		if t.Status == payment.StatusPending {
			pending = pending.Add(t.Amount)
		}
	}
	return Summary{
		OrderID:          orderID,
		Currency:         bal.Order.Currency,
		Total:            bal.Order.Total,
		PaidAmount:       bal.Completed,
		RefundedAmount:   bal.Refunded,
		PendingAmount:    pending,
		RemainingBalance: bal.Remaining(),
		FullyPaid:        bal.Remaining().IsZero() && bal.Completed.IsPositive(),
		PaymentStatus:    bal.Order.PaymentStatus,
		OrderStatus:      bal.Order.Status,
		Transactions:     txs,
	}, nil
}

func (s *Service) notifySucceeded(ctx context.Context, tr payment.Transition) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.PaymentSucceeded(context.WithoutCancel(ctx), tr.Transaction, tr.Order); err != nil {
		s.logger.Warn("payment notification failed", zap.String("transaction_id", tr.Transaction.ID), zap.Error(err))
	}
}

// maskPayer masks phone numbers staff type in as the payer reference. Other
// references (bank names, depositor names) are kept as given.
func maskPayer(ref string) string {
	ref = strings.TrimSpace(ref)
	if phone, err := mpesa.NormalizePhone(ref); err == nil {
		return vault.MaskPhone(phone)
	}
	return ref
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
