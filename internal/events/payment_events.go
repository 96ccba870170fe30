package events

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	EventTypePaymentSucceeded = "PaymentSucceeded"
	EventTypePaymentFailed    = "PaymentFailed"
	EventTypePaymentRefunded  = "PaymentRefunded"
	EventTypeComplianceAlert  = "ComplianceAlert"
)

type PaymentSucceededPayload struct {
	OrderID       string          `json:"orderId"`
	UserID        string          `json:"userId,omitempty"`
	TransactionID string          `json:"transactionId"`
	Provider      string          `json:"provider"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	ReceiptNumber string          `json:"receiptNumber,omitempty"`
	PaymentStatus string          `json:"paymentStatus,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

type PaymentFailedPayload struct {
	OrderID       string    `json:"orderId"`
	TransactionID string    `json:"transactionId"`
	Provider      string    `json:"provider"`
	Reason        string    `json:"reason"`
	Attempt       int       `json:"attempt"`
	Status        string    `json:"status"`
	Timestamp     time.Time `json:"timestamp"`
}

type PaymentRefundedPayload struct {
	OrderID        string          `json:"orderId"`
	UserID         string          `json:"userId,omitempty"`
	TransactionID  string          `json:"transactionId"`
	RefundedAmount decimal.Decimal `json:"refundedAmount"`
	Currency       string          `json:"currency"`
	Reason         string          `json:"reason,omitempty"`
	PaymentStatus  string          `json:"paymentStatus,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
}

type ComplianceAlertPayload struct {
	EventID   int64          `json:"eventId"`
	EventType string         `json:"eventType"`
	RiskLevel string         `json:"riskLevel"`
	Actor     string         `json:"actor"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
