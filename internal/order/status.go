package order

import "github.com/shopspring/decimal"

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusConfirmed Status = "CONFIRMED"
	StatusCancelled Status = "CANCELLED"
)

type PaymentStatus string

const (
	PaymentUnpaid        PaymentStatus = "UNPAID"
	PaymentPartiallyPaid PaymentStatus = "PARTIALLY_PAID"
	PaymentPaid          PaymentStatus = "PAID"
	PaymentRefunded      PaymentStatus = "REFUNDED"
)

// PaymentStatusFor derives the order payment status from the completed and
// refunded totals recorded in the ledger.
func PaymentStatusFor(total, completed, refunded decimal.Decimal) PaymentStatus {
	switch {
	case completed.GreaterThanOrEqual(total) && total.IsPositive():
		return PaymentPaid
	case completed.IsPositive():
		return PaymentPartiallyPaid
	case refunded.IsPositive():
		return PaymentRefunded
	default:
		return PaymentUnpaid
	}
}
