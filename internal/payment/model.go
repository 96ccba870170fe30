package payment

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Provider string

const (
	ProviderMobileMoney  Provider = "MOBILE_MONEY"
	ProviderCard         Provider = "CARD"
	ProviderCash         Provider = "CASH"
	ProviderPaybill      Provider = "PAYBILL"
	ProviderBankTransfer Provider = "BANK_TRANSFER"
)

func ParseProvider(s string) (Provider, error) {
	switch p := Provider(strings.ToUpper(strings.TrimSpace(s))); p {
	case ProviderMobileMoney, ProviderCard, ProviderCash, ProviderPaybill, ProviderBankTransfer:
		return p, nil
	case "MPESA", "M-PESA", "STK":
		return ProviderMobileMoney, nil
	default:
		return "", fmt.Errorf("unknown payment provider %q", s)
	}
}

// Manual reports whether the provider is settled out-of-band by staff rather
// than through a gateway adapter.
func (p Provider) Manual() bool {
	switch p {
	case ProviderCash, ProviderPaybill, ProviderBankTransfer:
		return true
	default:
		return false
	}
}

type Transaction struct {
	ID             string           `json:"id"`
	OrderID        string           `json:"orderId"`
	Provider       Provider         `json:"provider"`
	CorrelationID  string           `json:"correlationId"`
	Amount         decimal.Decimal  `json:"amount"`
	Currency       string           `json:"currency"`
	PayerReference string           `json:"payerReference"`
	Status         Status           `json:"status"`
	FailureReason  *string          `json:"failureReason,omitempty"`
	ReceiptNumber  *string          `json:"receiptNumber,omitempty"`
	SettledAt      *time.Time       `json:"settledAt,omitempty"`
	Attempt        int              `json:"attempt"`
	RecordedBy     *string          `json:"recordedBy,omitempty"`
	Notes          *string          `json:"notes,omitempty"`
	RefundReason   *string          `json:"refundReason,omitempty"`
	RefundedAmount *decimal.Decimal `json:"refundedAmount,omitempty"`
	RefundedAt     *time.Time       `json:"refundedAt,omitempty"`
	CreatedAt      time.Time        `json:"createdAt"`
	UpdatedAt      time.Time        `json:"updatedAt"`
}

// RetryEligible reports whether a caller may be offered a retry action.
func (t Transaction) RetryEligible(maxAttempts int) bool {
	return t.Status == StatusFailed && !t.Provider.Manual() && t.Attempt < maxAttempts
}

// RetryRecord is written each time a failed transaction is resubmitted.
type RetryRecord struct {
	TransactionID string    `json:"transactionId"`
	AttemptNumber int       `json:"attemptNumber"`
	ScheduledAt   time.Time `json:"scheduledAt"`
}

// Completion carries the settlement data extracted from a gateway callback.
type Completion struct {
	ReceiptNumber string
	SettledAt     time.Time
}

// RefundRequest is applied to a COMPLETED transaction. A nil Amount refunds
// the full transaction amount.
type RefundRequest struct {
	Reason string
	Amount *decimal.Decimal
	Actor  string
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
