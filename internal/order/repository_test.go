package order

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var orderColumns = []string{"id", "user_id", "total_amount", "currency", "status", "payment_status", "created_at", "updated_at"}

func TestPostgresRepository_Get(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Now().UTC()
	mock.ExpectQuery(`FROM orders`).
		WithArgs("order-1").
		WillReturnRows(pgxmock.NewRows(orderColumns).
			AddRow("order-1", "user-1", "1500.00", "KES", "PENDING", "UNPAID", now, now))

	o, err := NewPostgresRepository(mock).Get(context.Background(), "order-1")
	require.NoError(t, err)
	require.True(t, o.Total.Equal(decimal.NewFromInt(1500)))
	require.Equal(t, PaymentUnpaid, o.PaymentStatus)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_GetMissing(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(`FROM orders`).WithArgs("missing").WillReturnError(pgx.ErrNoRows)

	_, err = NewPostgresRepository(mock).Get(context.Background(), "missing")
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestSyncPaymentState(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	o := Order{ID: "order-1", Total: decimal.NewFromInt(1500), Status: StatusPending, PaymentStatus: PaymentUnpaid}

	mock.ExpectExec(`UPDATE orders`).
		WithArgs("order-1", "PAID", "CONFIRMED").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	got, err := SyncPaymentState(context.Background(), mock, o, decimal.NewFromInt(1500), decimal.Zero)
	require.NoError(t, err)
	require.Equal(t, PaymentPaid, got.PaymentStatus)
	require.Equal(t, StatusConfirmed, got.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPaymentStatusFor(t *testing.T) {
	total := decimal.NewFromInt(1500)
	tests := map[string]struct {
		completed, refunded int64
		want                PaymentStatus
	}{
		"nothing paid":   {0, 0, PaymentUnpaid},
		"partial":        {500, 0, PaymentPartiallyPaid},
		"exactly paid":   {1500, 0, PaymentPaid},
		"fully refunded": {0, 1500, PaymentRefunded},
		"partly refund":  {500, 1000, PaymentPartiallyPaid},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			got := PaymentStatusFor(total, decimal.NewFromInt(tt.completed), decimal.NewFromInt(tt.refunded))
			require.Equal(t, tt.want, got)
		})
	}
}

func TestRemaining(t *testing.T) {
	o := Order{Total: decimal.NewFromInt(1500)}
	require.True(t, o.Remaining(decimal.NewFromInt(500)).Equal(decimal.NewFromInt(1000)))
	require.True(t, o.Remaining(decimal.NewFromInt(2000)).IsZero())
}
