package order

import (
	"time"

	"github.com/shopspring/decimal"
)

// Order is the slice of the order-service order that payments read and sync.
type Order struct {
	ID            string          `json:"orderId"`
	UserID        string          `json:"userId"`
	Total         decimal.Decimal `json:"totalAmount"`
	Currency      string          `json:"currency"`
	Status        Status          `json:"status"`
	PaymentStatus PaymentStatus   `json:"paymentStatus"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// Remaining is the outstanding balance given the sum of completed payments.
func (o Order) Remaining(completed decimal.Decimal) decimal.Decimal {
	rem := o.Total.Sub(completed)
	if rem.IsNegative() {
		return decimal.Zero
	}
	return rem
}
