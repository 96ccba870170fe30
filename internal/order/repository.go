package order

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/apperr"
)

var ErrNotFound = apperr.NotFound("order not found")

// Querier is the subset of pgx shared by *pgxpool.Pool and pgx.Tx.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

type Repository interface {
	Get(ctx context.Context, orderID string) (Order, error)
}

type PostgresRepository struct {
	db Querier
}

func NewPostgresRepository(db Querier) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const selectOrder = `
	SELECT id, user_id, total_amount::text, currency, status, payment_status, created_at, updated_at
	FROM orders
	WHERE id = $1`

func (r *PostgresRepository) Get(ctx context.Context, orderID string) (Order, error) {
	return scanOrder(r.db.QueryRow(ctx, selectOrder, orderID))
}

// LockForUpdate reads the order and holds its row lock until q's transaction
// ends. All balance checks against an order go through this lock.
func LockForUpdate(ctx context.Context, q Querier, orderID string) (Order, error) {
	return scanOrder(q.QueryRow(ctx, selectOrder+` FOR UPDATE`, orderID))
}

// SyncPaymentState writes the payment status derived from the ledger totals.
// A fully paid order is also confirmed; other states leave status untouched.
func SyncPaymentState(ctx context.Context, q Querier, o Order, completed, refunded decimal.Decimal) (Order, error) {
	ps := PaymentStatusFor(o.Total, completed, refunded)
	status := o.Status
	if ps == PaymentPaid {
		status = StatusConfirmed
	}

	_, err := q.Exec(ctx, `
		UPDATE orders
		SET payment_status = $2, status = $3, updated_at = now()
		WHERE id = $1
	`, o.ID, string(ps), string(status))
	if err != nil {
		return Order{}, fmt.Errorf("update order payment state: %w", err)
	}

	o.PaymentStatus = ps
	o.Status = status
	return o, nil
}

func scanOrder(row pgx.Row) (Order, error) {
	var (
		o      Order
		total  string
		status string
		paySt  string
	)
	if err := row.Scan(&o.ID, &o.UserID, &total, &o.Currency, &status, &paySt, &o.CreatedAt, &o.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Order{}, ErrNotFound
		}
		return Order{}, fmt.Errorf("select order: %w", err)
	}
	amt, err := decimal.NewFromString(total)
	if err != nil {
		return Order{}, fmt.Errorf("parse order total: %w", err)
	}
	o.Total = amt
	o.Status = Status(status)
	o.PaymentStatus = PaymentStatus(paySt)
	return o, nil
}
