package payment

import (
	"context"
	"strings"
	"time"

	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/apperr"
	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/order"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound       = apperr.NotFound("payment transaction not found")
	ErrExceedsBalance = apperr.Validation("amount exceeds outstanding balance")
	ErrOrderSettled   = apperr.Validation("order is already fully paid")
	ErrOrderCancelled = apperr.Validation("order is cancelled")
	ErrCurrency       = apperr.Validation("currency does not match order")
	ErrRefundAmount   = apperr.Validation("refund amount must be positive and not exceed the paid amount")
	ErrNotRefundable  = apperr.Validation("only completed payments can be refunded")
	ErrDuplicateRef   = apperr.Conflict("correlation id already in use")
)

// OverpaymentReason is stored on a transaction whose completion would have
// pushed the order past its total.
const OverpaymentReason = "overpayment: exceeds outstanding balance"

// Transition is the outcome of a conditional status update. Applied is false
// when the transaction was no longer in the expected source status, in which
// case Transaction holds the current stored state.
type Transition struct {
	Transaction Transaction
	From        Status
	Applied     bool
	Overpayment bool
	Order       *order.Order
}

// Balance is an order together with its ledger totals.
type Balance struct {
	Order     order.Order
	Completed decimal.Decimal
	Refunded  decimal.Decimal
}

func (b Balance) Remaining() decimal.Decimal { return b.Order.Remaining(b.Completed) }

// Ledger is the single source of truth for payment transactions. Every
// operation that moves money against an order serializes on that order.
type Ledger interface {
	// CreatePending records a new PENDING transaction after checking it fits
	// inside the order's outstanding balance. The returned balance is the one
	// observed before the insert.
	CreatePending(ctx context.Context, t Transaction) (Transaction, Balance, error)
	// CreateSettled records a COMPLETED transaction directly and syncs the order.
	CreateSettled(ctx context.Context, t Transaction) (Transition, error)
	SetCorrelationID(ctx context.Context, id, correlationID string) error

	Get(ctx context.Context, id string) (Transaction, error)
	GetByCorrelationID(ctx context.Context, correlationID string) (Transaction, error)
	ListByOrder(ctx context.Context, orderID string) ([]Transaction, error)
	Balance(ctx context.Context, orderID string) (Balance, error)

	Complete(ctx context.Context, id string, c Completion) (Transition, error)
	Fail(ctx context.Context, id, reason string) (Transition, error)
	// Requeue moves a FAILED transaction back to PENDING as the given attempt
	// and writes the matching retry record.
	Requeue(ctx context.Context, id string, attempt int) (Transition, error)
	Exhaust(ctx context.Context, id string) (Transition, error)
	Refund(ctx context.Context, id string, r RefundRequest) (Transition, error)
	CountRetries(ctx context.Context, id string) (int, error)

	Search(ctx context.Context, f Filter) (Page, error)
	Stats(ctx context.Context, from, to time.Time) (Stats, error)
	Analytics(ctx context.Context, p Period, from, to time.Time) ([]Bucket, error)
}

type Filter struct {
	Status   Status
	Provider Provider
	OrderID  string
	Query    string
	From     time.Time
	To       time.Time
	Page     int
	PageSize int
}

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

func (f Filter) Normalize() Filter {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize <= 0 {
		f.PageSize = defaultPageSize
	}
	if f.PageSize > maxPageSize {
		f.PageSize = maxPageSize
	}
	f.Query = strings.TrimSpace(f.Query)
	return f
}

func (f Filter) Offset() int { return (f.Page - 1) * f.PageSize }

type Page struct {
	Items    []Transaction `json:"items"`
	Total    int           `json:"total"`
	Page     int           `json:"page"`
	PageSize int           `json:"pageSize"`
}

type StatusTotals struct {
	Count  int             `json:"count"`
	Amount decimal.Decimal `json:"amount"`
}

type Stats struct {
	From            time.Time               `json:"from"`
	To              time.Time               `json:"to"`
	ByStatus        map[Status]StatusTotals `json:"byStatus"`
	TotalCount      int                     `json:"totalCount"`
	SuccessRate     float64                 `json:"successRate"`
	CompletedAmount decimal.Decimal         `json:"completedAmount"`
	RefundedAmount  decimal.Decimal         `json:"refundedAmount"`
}

// FinishStats derives the aggregate fields from ByStatus. Success rate is
// settled payments over every transaction that reached an outcome.
func FinishStats(s Stats) Stats {
	var settled, decided int
	s.TotalCount = 0
	for st, tot := range s.ByStatus {
		s.TotalCount += tot.Count
		switch st {
		case StatusCompleted, StatusRefunded:
			settled += tot.Count
			decided += tot.Count
		case StatusFailed, StatusRetryExhausted:
			decided += tot.Count
		}
	}
	s.CompletedAmount = s.ByStatus[StatusCompleted].Amount
	if decided > 0 {
		s.SuccessRate = float64(settled) / float64(decided)
	}
	return s
}

type Period string

const (
	PeriodDay   Period = "day"
	PeriodWeek  Period = "week"
	PeriodMonth Period = "month"
)

func ParsePeriod(s string) (Period, error) {
	switch p := Period(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PeriodDay, nil
	case PeriodDay, PeriodWeek, PeriodMonth:
		return p, nil
	default:
		return "", apperr.Validation("period must be day, week or month")
	}
}

// TruncatePeriod mirrors Postgres date_trunc for the supported periods.
// Weeks start on Monday.
func TruncatePeriod(t time.Time, p Period) time.Time {
	t = t.UTC()
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	switch p {
	case PeriodWeek:
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	case PeriodMonth:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return day
	}
}

// Bucket is one row of settled volume per period and provider.
type Bucket struct {
	Start    time.Time       `json:"start"`
	Provider Provider        `json:"provider"`
	Count    int             `json:"count"`
	Amount   decimal.Decimal `json:"amount"`
}

// checkAddable validates that amount can be recorded against b.
func checkAddable(b Balance, amount decimal.Decimal, currency string) error {
	if b.Order.Status == order.StatusCancelled {
		return ErrOrderCancelled
	}
	if currency != "" && !strings.EqualFold(currency, b.Order.Currency) {
		return ErrCurrency
	}
	rem := b.Remaining()
	if rem.IsZero() {
		return ErrOrderSettled
	}
	if amount.GreaterThan(rem) {
		return ErrExceedsBalance
	}
	return nil
}

// refundAmount resolves the amount a refund request returns to the payer.
func refundAmount(t Transaction, r RefundRequest) (decimal.Decimal, error) {
	if r.Amount == nil {
		return t.Amount, nil
	}
	amt := *r.Amount
	if !amt.IsPositive() || amt.GreaterThan(t.Amount) {
		return decimal.Zero, ErrRefundAmount
	}
	return amt, nil
}
