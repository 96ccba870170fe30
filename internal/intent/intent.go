// Package intent opens payments against an order's outstanding balance and
// hands them to the provider's gateway.
package intent

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/apperr"
	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/compliance"
	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/gateway"
	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/gateway/mpesa"
	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/payment"
	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/vault"
)

type Request struct {
	OrderID  string
	Provider payment.Provider
	Amount   decimal.Decimal
	Currency string
	// Phone is required for mobile money.
	Phone string
	// CardToken is a vault token, required for card payments.
	CardToken   string
	Description string
}

type Result struct {
	Transaction payment.Transaction `json:"transaction"`
	// RemainingBalance is what the order will still owe once this payment completes.
	RemainingBalance decimal.Decimal      `json:"remainingBalance"`
	Continuation     gateway.SubmitResult `json:"continuation"`
}

type Adapters interface {
	Adapter(p payment.Provider) (gateway.Adapter, error)
}

type TokenResolver interface {
	Resolve(ctx context.Context, token string) (vault.Entry, error)
}

type Auditor interface {
	Record(ctx context.Context, eventType string, details map[string]any, actor string) error
}

type Issuer struct {
	ledger   payment.Ledger
	adapters Adapters
	tokens   TokenResolver
	audit    Auditor
	logger   *zap.Logger
	timeout  time.Duration
}

func NewIssuer(ledger payment.Ledger, adapters Adapters, tokens TokenResolver, audit Auditor, timeout time.Duration, logger *zap.Logger) *Issuer {
	return &Issuer{
		ledger:   ledger,
		adapters: adapters,
		tokens:   tokens,
		audit:    audit,
		logger:   logger.Named("intent"),
		timeout:  timeout,
	}
}

// CreateIntent validates req, records a PENDING transaction and submits it to
// the gateway. Nothing on the order changes until the gateway confirms.
func (s *Issuer) CreateIntent(ctx context.Context, req Request) (Result, error) {
	tx, err := s.prepare(ctx, req)
	if err != nil {
		return Result{}, err
	}
	adapter, err := s.adapters.Adapter(tx.Provider)
	if err != nil {
		return Result{}, err
	}

	tx, bal, err := s.ledger.CreatePending(ctx, tx)
	if err != nil {
		return Result{}, err
	}

	_ = s.audit.Record(ctx, compliance.EventPaymentInitiated, map[string]any{
		"transactionId": tx.ID,
		"orderId":       tx.OrderID,
		"provider":      string(tx.Provider),
		"amount":        tx.Amount.String(),
		"currency":      tx.Currency,
	}, payment.ActorFrom(ctx))

	res, tx, err := s.submit(ctx, adapter, tx)
	if err != nil {
		return Result{Transaction: tx}, err
	}
	return Result{
		Transaction:      tx,
		RemainingBalance: bal.Remaining().Sub(tx.Amount),
		Continuation:     res,
	}, nil
}

// Submit resubmits an existing PENDING transaction, as the retry path does.
func (s *Issuer) Submit(ctx context.Context, tx payment.Transaction) (gateway.SubmitResult, payment.Transaction, error) {
	adapter, err := s.adapters.Adapter(tx.Provider)
	if err != nil {
		return gateway.SubmitResult{}, tx, err
	}
	return s.submit(ctx, adapter, tx)
}

func (s *Issuer) prepare(ctx context.Context, req Request) (payment.Transaction, error) {
	if req.OrderID == "" {
		return payment.Transaction{}, apperr.Validation("orderId is required")
	}
	if !req.Amount.IsPositive() {
		return payment.Transaction{}, apperr.Validation("amount must be positive")
	}
	if req.Amount.Exponent() < -2 {
		return payment.Transaction{}, apperr.Validation("amount must have at most two decimal places")
	}

	tx := payment.Transaction{
		OrderID:  req.OrderID,
		Provider: req.Provider,
		Amount:   req.Amount,
		Currency: req.Currency,
	}

	switch req.Provider {
	case payment.ProviderMobileMoney:
		phone, err := mpesa.NormalizePhone(req.Phone)
		if err != nil {
			return payment.Transaction{}, err
		}
		if _, err := mpesa.WholeShillings(req.Amount); err != nil {
			return payment.Transaction{}, err
		}
		tx.PayerReference = phone
	case payment.ProviderCard:
		entry, err := s.resolveCard(ctx, req)
		if err != nil {
			return payment.Transaction{}, err
		}
		tx.PayerReference = entry.Masked
	default:
		if req.Provider.Manual() {
			return payment.Transaction{}, apperr.Validation("offline payments are recorded by staff, not initiated")
		}
		return payment.Transaction{}, apperr.Validation("unsupported payment method")
	}
	return tx, nil
}

func (s *Issuer) resolveCard(ctx context.Context, req Request) (vault.Entry, error) {
	if req.CardToken == "" {
		return vault.Entry{}, apperr.Validation("card token is required")
	}
	entry, err := s.tokens.Resolve(ctx, req.CardToken)
	switch {
	case errors.Is(err, apperr.ErrTokenExpired):
		_ = s.audit.Record(ctx, compliance.EventTokenExpired, map[string]any{"orderId": req.OrderID}, payment.ActorFrom(ctx))
		return vault.Entry{}, err
	case errors.Is(err, apperr.ErrInvalidToken):
		_ = s.audit.Record(ctx, compliance.EventTokenValidationFailed, map[string]any{"orderId": req.OrderID}, payment.ActorFrom(ctx))
		return vault.Entry{}, err
	case err != nil:
		return vault.Entry{}, err
	}
	if entry.Kind != vault.KindCard {
		_ = s.audit.Record(ctx, compliance.EventTokenValidationFailed, map[string]any{
			"orderId": req.OrderID,
			"kind":    string(entry.Kind),
		}, payment.ActorFrom(ctx))
		return vault.Entry{}, apperr.New(apperr.ErrInvalidToken, "token does not reference a card")
	}
	return entry, nil
}

// submit calls the gateway outside any ledger transaction. Any failure,
// including a timeout, fails the transaction at once without scheduling a retry.
func (s *Issuer) submit(ctx context.Context, adapter gateway.Adapter, tx payment.Transaction) (gateway.SubmitResult, payment.Transaction, error) {
	callCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	res, err := adapter.Submit(callCtx, gateway.SubmitRequest{
		TransactionID:  tx.ID,
		OrderID:        tx.OrderID,
		Amount:         tx.Amount,
		Currency:       tx.Currency,
		PayerReference: tx.PayerReference,
		Description:    "Order " + tx.OrderID,
		IdempotencyKey: tx.ID + "-" + strconv.Itoa(tx.Attempt),
	})
	if err == nil && res.CorrelationID == "" {
		err = gateway.Unavailable("gateway returned no reference", nil)
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, apperr.ErrGatewayUnavailable) {
			err = gateway.Unavailable("payment gateway timed out", err)
		}
		return gateway.SubmitResult{}, s.failSubmission(ctx, tx, err), err
	}

	// The ledger write must survive a caller that has gone away.
	persistCtx := context.WithoutCancel(ctx)
	if err := s.ledger.SetCorrelationID(persistCtx, tx.ID, res.CorrelationID); err != nil {
		s.logger.Error("gateway reference not stored",
			zap.String("transaction_id", tx.ID),
			zap.String("correlation_id", res.CorrelationID),
			zap.Error(err),
		)
		wrapped := fmt.Errorf("store gateway reference: %w", err)
		return gateway.SubmitResult{}, s.failSubmission(ctx, tx, wrapped), wrapped
	}
	tx.CorrelationID = res.CorrelationID
	return res, tx, nil
}

func (s *Issuer) failSubmission(ctx context.Context, tx payment.Transaction, cause error) payment.Transaction {
	persistCtx := context.WithoutCancel(ctx)
	reason := gateway.SanitizeMessage(apperr.PublicMessage(cause))

	tr, err := s.ledger.Fail(persistCtx, tx.ID, reason)
	if err != nil {
		s.logger.Error("failed submission not recorded", zap.String("transaction_id", tx.ID), zap.Error(err))
	} else {
		tx = tr.Transaction
	}

	_ = s.audit.Record(persistCtx, compliance.EventPaymentFailure, map[string]any{
		"transactionId": tx.ID,
		"orderId":       tx.OrderID,
		"provider":      string(tx.Provider),
		"kind":          apperr.Kind(cause),
		"stage":         "submit",
		"detail":        cause.Error(),
	}, payment.ActorFrom(ctx))

	s.logger.Warn("gateway submission failed",
		zap.String("transaction_id", tx.ID),
		zap.String("provider", string(tx.Provider)),
		zap.String("kind", apperr.Kind(cause)),
	)
	return tx
}
