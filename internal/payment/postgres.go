package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/order"
	"github.com/shopspring/decimal"
)

// DBPool matches the methods from *pgxpool.Pool that we use.
type DBPool interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

type PostgresLedger struct {
	pool DBPool
	now  func() time.Time
}

func NewPostgresLedger(pool DBPool) *PostgresLedger {
	return &PostgresLedger{pool: pool, now: time.Now}
}

// errNotApplied aborts a transaction whose conditional update matched nothing.
var errNotApplied = errors.New("transition not applied")

const txColumns = `id::text, order_id, provider, correlation_id, amount::text, currency, payer_reference,
	status, failure_reason, receipt_number, settled_at, attempt, recorded_by, notes,
	refund_reason, refunded_amount::text, refunded_at, created_at, updated_at`

// Net paid counts the retained part of partially refunded transactions.
const sumsByOrder = `
	SELECT
		COALESCE(SUM(CASE
			WHEN status = 'COMPLETED' THEN amount
			WHEN status = 'REFUNDED' THEN amount - COALESCE(refunded_amount, amount)
			ELSE 0 END), 0)::text,
		COALESCE(SUM(CASE WHEN status = 'REFUNDED' THEN COALESCE(refunded_amount, amount) ELSE 0 END), 0)::text
	FROM payment_transactions
	WHERE order_id = $1`

func (l *PostgresLedger) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := l.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (l *PostgresLedger) CreatePending(ctx context.Context, t Transaction) (Transaction, Balance, error) {
	var bal Balance
	err := l.withTx(ctx, func(tx pgx.Tx) error {
		var err error
		bal, err = lockedBalance(ctx, tx, t.OrderID)
		if err != nil {
			return err
		}
		if err := checkAddable(bal, t.Amount, t.Currency); err != nil {
			return err
		}
		if t.Currency == "" {
			t.Currency = bal.Order.Currency
		}
		t.Status = StatusPending
		t, err = l.insert(ctx, tx, t)
		return err
	})
	if err != nil {
		return Transaction{}, Balance{}, err
	}
	return t, bal, nil
}

func (l *PostgresLedger) CreateSettled(ctx context.Context, t Transaction) (Transition, error) {
	var out Transition
	err := l.withTx(ctx, func(tx pgx.Tx) error {
		bal, err := lockedBalance(ctx, tx, t.OrderID)
		if err != nil {
			return err
		}
		if err := checkAddable(bal, t.Amount, t.Currency); err != nil {
			return err
		}
		if t.Currency == "" {
			t.Currency = bal.Order.Currency
		}

		t.Status = StatusCompleted
		if t.SettledAt == nil {
			now := l.now().UTC()
			t.SettledAt = &now
		}
		if t, err = l.insert(ctx, tx, t); err != nil {
			return err
		}

		o, err := order.SyncPaymentState(ctx, tx, bal.Order, bal.Completed.Add(t.Amount), bal.Refunded)
		if err != nil {
			return err
		}
		out = Transition{Transaction: t, Applied: true, Order: &o}
		return nil
	})
	return out, err
}

func (l *PostgresLedger) insert(ctx context.Context, tx pgx.Tx, t Transaction) (Transaction, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CorrelationID == "" {
		t.CorrelationID = "local-" + t.ID
	}
	t.Currency = strings.ToUpper(t.Currency)

	err := tx.QueryRow(ctx, `
		INSERT INTO payment_transactions
			(id, order_id, provider, correlation_id, amount, currency, payer_reference,
			 status, receipt_number, settled_at, attempt, recorded_by, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING created_at, updated_at
	`, t.ID, t.OrderID, string(t.Provider), t.CorrelationID, t.Amount.String(), t.Currency, t.PayerReference,
		string(t.Status), t.ReceiptNumber, t.SettledAt, t.Attempt, t.RecordedBy, t.Notes,
	).Scan(&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return Transaction{}, ErrDuplicateRef
		}
		return Transaction{}, fmt.Errorf("insert payment transaction: %w", err)
	}
	return t, nil
}

func (l *PostgresLedger) SetCorrelationID(ctx context.Context, id, correlationID string) error {
	tag, err := l.pool.Exec(ctx, `
		UPDATE payment_transactions SET correlation_id = $2, updated_at = now() WHERE id = $1
	`, id, correlationID)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateRef
		}
		return fmt.Errorf("set correlation id: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (l *PostgresLedger) Get(ctx context.Context, id string) (Transaction, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Transaction{}, ErrNotFound
	}
	return scanTransaction(l.pool.QueryRow(ctx, `SELECT `+txColumns+` FROM payment_transactions WHERE id = $1`, id))
}

func (l *PostgresLedger) GetByCorrelationID(ctx context.Context, correlationID string) (Transaction, error) {
	return scanTransaction(l.pool.QueryRow(ctx,
		`SELECT `+txColumns+` FROM payment_transactions WHERE correlation_id = $1`, correlationID))
}

func (l *PostgresLedger) ListByOrder(ctx context.Context, orderID string) ([]Transaction, error) {
	rows, err := l.pool.Query(ctx,
		`SELECT `+txColumns+` FROM payment_transactions WHERE order_id = $1 ORDER BY created_at, id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("list order transactions: %w", err)
	}
	return collectTransactions(rows)
}

func (l *PostgresLedger) Balance(ctx context.Context, orderID string) (Balance, error) {
	o, err := order.NewPostgresRepository(l.pool).Get(ctx, orderID)
	if err != nil {
		return Balance{}, err
	}
	return withSums(ctx, l.pool, o)
}

func lockedBalance(ctx context.Context, q order.Querier, orderID string) (Balance, error) {
	o, err := order.LockForUpdate(ctx, q, orderID)
	if err != nil {
		return Balance{}, err
	}
	return withSums(ctx, q, o)
}

func withSums(ctx context.Context, q order.Querier, o order.Order) (Balance, error) {
	var completed, refunded string
	if err := q.QueryRow(ctx, sumsByOrder, o.ID).Scan(&completed, &refunded); err != nil {
		return Balance{}, fmt.Errorf("sum order payments: %w", err)
	}
	b := Balance{Order: o}
	var err error
	if b.Completed, err = decimal.NewFromString(completed); err != nil {
		return Balance{}, fmt.Errorf("parse completed sum: %w", err)
	}
	if b.Refunded, err = decimal.NewFromString(refunded); err != nil {
		return Balance{}, fmt.Errorf("parse refunded sum: %w", err)
	}
	return b, nil
}

// Complete settles a PENDING transaction. Lock order is order row first, then
// the conditional update on the transaction, so concurrent callbacks for the
// same order serialize and exactly one of them applies.
func (l *PostgresLedger) Complete(ctx context.Context, id string, c Completion) (Transition, error) {
	cur, err := l.Get(ctx, id)
	if err != nil {
		return Transition{}, err
	}

	var out Transition
	err = l.withTx(ctx, func(tx pgx.Tx) error {
		bal, err := lockedBalance(ctx, tx, cur.OrderID)
		if err != nil {
			return err
		}

		settledAt := c.SettledAt
		if settledAt.IsZero() {
			settledAt = l.now()
		}

		if bal.Completed.Add(cur.Amount).GreaterThan(bal.Order.Total) {
			t, err := scanTransaction(tx.QueryRow(ctx, `
				UPDATE payment_transactions
				SET status = 'FAILED', failure_reason = $2, receipt_number = $3, updated_at = now()
				WHERE id = $1 AND status = 'PENDING'
				RETURNING `+txColumns, id, OverpaymentReason, strPtr(c.ReceiptNumber)))
			if errors.Is(err, ErrNotFound) {
				return errNotApplied
			}
			if err != nil {
				return err
			}
			out = Transition{Transaction: t, From: StatusPending, Applied: true, Overpayment: true}
			return nil
		}

		t, err := scanTransaction(tx.QueryRow(ctx, `
			UPDATE payment_transactions
			SET status = 'COMPLETED', receipt_number = $2, settled_at = $3, failure_reason = NULL, updated_at = now()
			WHERE id = $1 AND status = 'PENDING'
			RETURNING `+txColumns, id, strPtr(c.ReceiptNumber), settledAt.UTC()))
		if errors.Is(err, ErrNotFound) {
			return errNotApplied
		}
		if err != nil {
			return err
		}

		o, err := order.SyncPaymentState(ctx, tx, bal.Order, bal.Completed.Add(t.Amount), bal.Refunded)
		if err != nil {
			return err
		}
		out = Transition{Transaction: t, From: StatusPending, Applied: true, Order: &o}
		return nil
	})
	return l.settle(ctx, id, StatusPending, out, err)
}

func (l *PostgresLedger) Fail(ctx context.Context, id, reason string) (Transition, error) {
	t, err := scanTransaction(l.pool.QueryRow(ctx, `
		UPDATE payment_transactions
		SET status = 'FAILED', failure_reason = $2, updated_at = now()
		WHERE id = $1 AND status = 'PENDING'
		RETURNING `+txColumns, id, reason))
	if errors.Is(err, ErrNotFound) {
		err = errNotApplied
	}
	return l.settle(ctx, id, StatusPending, Transition{Transaction: t, From: StatusPending, Applied: true}, err)
}

func (l *PostgresLedger) Requeue(ctx context.Context, id string, attempt int) (Transition, error) {
	var out Transition
	err := l.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO payment_retry_records (transaction_id, attempt_number)
			VALUES ($1, $2)
			ON CONFLICT (transaction_id, attempt_number) DO NOTHING
		`, id, attempt)
		if err != nil {
			return fmt.Errorf("insert retry record: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return errNotApplied
		}

		// A fresh placeholder detaches callbacks that still reference the
		// previous gateway request.
		placeholder := fmt.Sprintf("local-%s-r%d", id, attempt)
		t, err := scanTransaction(tx.QueryRow(ctx, `
			UPDATE payment_transactions
			SET status = 'PENDING', attempt = $2, correlation_id = $3, failure_reason = NULL, updated_at = now()
			WHERE id = $1 AND status = 'FAILED'
			RETURNING `+txColumns, id, attempt, placeholder))
		if errors.Is(err, ErrNotFound) {
			return errNotApplied
		}
		if err != nil {
			return err
		}
		out = Transition{Transaction: t, From: StatusFailed, Applied: true}
		return nil
	})
	return l.settle(ctx, id, StatusFailed, out, err)
}

func (l *PostgresLedger) Exhaust(ctx context.Context, id string) (Transition, error) {
	t, err := scanTransaction(l.pool.QueryRow(ctx, `
		UPDATE payment_transactions
		SET status = 'RETRY_EXHAUSTED', updated_at = now()
		WHERE id = $1 AND status = 'FAILED'
		RETURNING `+txColumns, id))
	if errors.Is(err, ErrNotFound) {
		err = errNotApplied
	}
	return l.settle(ctx, id, StatusFailed, Transition{Transaction: t, From: StatusFailed, Applied: true}, err)
}

func (l *PostgresLedger) Refund(ctx context.Context, id string, r RefundRequest) (Transition, error) {
	cur, err := l.Get(ctx, id)
	if err != nil {
		return Transition{}, err
	}
	if cur.Status != StatusCompleted {
		return Transition{}, ErrNotRefundable
	}
	amt, err := refundAmount(cur, r)
	if err != nil {
		return Transition{}, err
	}

	var out Transition
	err = l.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := order.LockForUpdate(ctx, tx, cur.OrderID); err != nil {
			return err
		}
		t, err := scanTransaction(tx.QueryRow(ctx, `
			UPDATE payment_transactions
			SET status = 'REFUNDED', refund_reason = $2, refunded_amount = $3, refunded_at = now(), updated_at = now()
			WHERE id = $1 AND status = 'COMPLETED'
			RETURNING `+txColumns, id, r.Reason, amt.String()))
		if errors.Is(err, ErrNotFound) {
			return ErrNotRefundable
		}
		if err != nil {
			return err
		}

		bal, err := lockedBalance(ctx, tx, cur.OrderID)
		if err != nil {
			return err
		}
		o, err := order.SyncPaymentState(ctx, tx, bal.Order, bal.Completed, bal.Refunded)
		if err != nil {
			return err
		}
		out = Transition{Transaction: t, From: StatusCompleted, Applied: true, Order: &o}
		return nil
	})
	if err != nil {
		return Transition{}, err
	}
	return out, nil
}

// settle turns errNotApplied into a non-applied transition carrying the
// current stored state.
func (l *PostgresLedger) settle(ctx context.Context, id string, from Status, out Transition, err error) (Transition, error) {
	if err == nil {
		return out, nil
	}
	if !errors.Is(err, errNotApplied) {
		return Transition{}, err
	}
	cur, gerr := l.Get(ctx, id)
	if gerr != nil {
		return Transition{}, gerr
	}
	return Transition{Transaction: cur, From: from}, nil
}

func (l *PostgresLedger) CountRetries(ctx context.Context, id string) (int, error) {
	var n int
	if err := l.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM payment_retry_records WHERE transaction_id = $1`, id).Scan(&n); err != nil {
		return 0, fmt.Errorf("count retries: %w", err)
	}
	return n, nil
}

func (l *PostgresLedger) Search(ctx context.Context, f Filter) (Page, error) {
	f = f.Normalize()

	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.Provider != "" {
		add("provider = $%d", string(f.Provider))
	}
	if f.OrderID != "" {
		add("order_id = $%d", f.OrderID)
	}
	if !f.From.IsZero() {
		add("created_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("created_at < $%d", f.To)
	}
	if f.Query != "" {
		args = append(args, "%"+f.Query+"%")
		n := len(args)
		where = append(where, fmt.Sprintf(
			"(order_id ILIKE $%[1]d OR correlation_id ILIKE $%[1]d OR receipt_number ILIKE $%[1]d OR payer_reference ILIKE $%[1]d)", n))
	}

	cond := ""
	if len(where) > 0 {
		cond = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := l.pool.QueryRow(ctx, `SELECT COUNT(*) FROM payment_transactions`+cond, args...).Scan(&total); err != nil {
		return Page{}, fmt.Errorf("count transactions: %w", err)
	}

	pageArgs := append(append([]any{}, args...), f.PageSize, f.Offset())
	rows, err := l.pool.Query(ctx, fmt.Sprintf(
		`SELECT %s FROM payment_transactions%s ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`,
		txColumns, cond, len(args)+1, len(args)+2), pageArgs...)
	if err != nil {
		return Page{}, fmt.Errorf("search transactions: %w", err)
	}
	items, err := collectTransactions(rows)
	if err != nil {
		return Page{}, err
	}
	return Page{Items: items, Total: total, Page: f.Page, PageSize: f.PageSize}, nil
}

func (l *PostgresLedger) Stats(ctx context.Context, from, to time.Time) (Stats, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT status, COUNT(*), COALESCE(SUM(amount), 0)::text, COALESCE(SUM(refunded_amount), 0)::text
		FROM payment_transactions
		WHERE created_at >= $1 AND created_at < $2
		GROUP BY status
	`, from, to)
	if err != nil {
		return Stats{}, fmt.Errorf("payment stats: %w", err)
	}
	defer rows.Close()

	s := Stats{From: from, To: to, ByStatus: map[Status]StatusTotals{}, RefundedAmount: decimal.Zero}
	for rows.Next() {
		var (
			status           string
			count            int
			amount, refunded string
		)
		if err := rows.Scan(&status, &count, &amount, &refunded); err != nil {
			return Stats{}, fmt.Errorf("scan stats: %w", err)
		}
		amt, err := decimal.NewFromString(amount)
		if err != nil {
			return Stats{}, fmt.Errorf("parse stats amount: %w", err)
		}
		ref, err := decimal.NewFromString(refunded)
		if err != nil {
			return Stats{}, fmt.Errorf("parse stats refund: %w", err)
		}
		s.ByStatus[Status(status)] = StatusTotals{Count: count, Amount: amt}
		s.RefundedAmount = s.RefundedAmount.Add(ref)
	}
	if err := rows.Err(); err != nil {
		return Stats{}, err
	}
	s = FinishStats(s)
	return s, nil
}

func (l *PostgresLedger) Analytics(ctx context.Context, p Period, from, to time.Time) ([]Bucket, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT date_trunc($1, settled_at) AS bucket, provider, COUNT(*), COALESCE(SUM(amount), 0)::text
		FROM payment_transactions
		WHERE status IN ('COMPLETED', 'REFUNDED') AND settled_at >= $2 AND settled_at < $3
		GROUP BY bucket, provider
		ORDER BY bucket, provider
	`, string(p), from, to)
	if err != nil {
		return nil, fmt.Errorf("payment analytics: %w", err)
	}
	defer rows.Close()

	var out []Bucket
	for rows.Next() {
		var (
			b        Bucket
			provider string
			amount   string
		)
		if err := rows.Scan(&b.Start, &provider, &b.Count, &amount); err != nil {
			return nil, fmt.Errorf("scan analytics: %w", err)
		}
		if b.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("parse analytics amount: %w", err)
		}
		b.Provider = Provider(provider)
		out = append(out, b)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (Transaction, error) {
	var (
		t                        Transaction
		provider, status, amount string
		refunded                 *string
	)
	err := row.Scan(&t.ID, &t.OrderID, &provider, &t.CorrelationID, &amount, &t.Currency, &t.PayerReference,
		&status, &t.FailureReason, &t.ReceiptNumber, &t.SettledAt, &t.Attempt, &t.RecordedBy, &t.Notes,
		&t.RefundReason, &refunded, &t.RefundedAt, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, ErrNotFound
		}
		return Transaction{}, fmt.Errorf("scan payment transaction: %w", err)
	}

	t.Provider = Provider(provider)
	t.Status = Status(status)
	if t.Amount, err = decimal.NewFromString(amount); err != nil {
		return Transaction{}, fmt.Errorf("parse amount: %w", err)
	}
	if refunded != nil {
		r, err := decimal.NewFromString(*refunded)
		if err != nil {
			return Transaction{}, fmt.Errorf("parse refunded amount: %w", err)
		}
		t.RefundedAmount = &r
	}
	return t, nil
}

func collectTransactions(rows pgx.Rows) ([]Transaction, error) {
	defer rows.Close()
	out := []Transaction{}
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
