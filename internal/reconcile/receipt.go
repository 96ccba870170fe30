package reconcile

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/apperr"
	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/payment"
)

// Receipt is the customer-facing proof of a settled payment.
type Receipt struct {
	ReceiptNumber    string           `json:"receiptNumber"`
	TransactionID    string           `json:"transactionId"`
	OrderID          string           `json:"orderId"`
	Provider         payment.Provider `json:"provider"`
	Status           payment.Status   `json:"status"`
	Amount           decimal.Decimal  `json:"amount"`
	RefundedAmount   *decimal.Decimal `json:"refundedAmount,omitempty"`
	Currency         string           `json:"currency"`
	Payer            string           `json:"payer"`
	PaidAt           time.Time        `json:"paidAt"`
	OrderTotal       decimal.Decimal  `json:"orderTotal"`
	OrderPaid        decimal.Decimal  `json:"orderPaid"`
	RemainingBalance decimal.Decimal  `json:"remainingBalance"`
	IssuedAt         time.Time        `json:"issuedAt"`
}

func (s *Service) Receipt(ctx context.Context, id string) (Receipt, error) {
	tx, err := s.ledger.Get(ctx, id)
	if err != nil {
		return Receipt{}, err
	}
	if tx.Status != payment.StatusCompleted && tx.Status != payment.StatusRefunded {
		return Receipt{}, apperr.Validation("receipts are only issued for completed payments")
	}
	bal, err := s.ledger.Balance(ctx, tx.OrderID)
	if err != nil {
		return Receipt{}, err
	}

	number := deref(tx.ReceiptNumber)
	if number == "" {
		number = "RCT-" + strings.ToUpper(shortID(tx.ID))
	}
	paidAt := tx.UpdatedAt
	if tx.SettledAt != nil {
		paidAt = *tx.SettledAt
	}
	return Receipt{
		ReceiptNumber:    number,
		TransactionID:    tx.ID,
		OrderID:          tx.OrderID,
		Provider:         tx.Provider,
		Status:           tx.Status,
		Amount:           tx.Amount,
		RefundedAmount:   tx.RefundedAmount,
		Currency:         tx.Currency,
		Payer:            tx.PayerReference,
		PaidAt:           paidAt,
		OrderTotal:       bal.Order.Total,
		OrderPaid:        bal.Completed,
		RemainingBalance: bal.Remaining(),
		IssuedAt:         s.now().UTC(),
	}, nil
}

func shortID(id string) string {
	id = strings.ReplaceAll(id, "-", "")
	if len(id) > 10 {
		return id[:10]
	}
	return id
}
