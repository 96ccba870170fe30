// Package paymenttest provides an in-memory payment.Ledger for service tests.
package paymenttest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/order"
	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/payment"
	"github.com/shopspring/decimal"
)

// Ledger applies the same balance and transition rules as the Postgres ledger
// under a single mutex.
type Ledger struct {
	mu      sync.Mutex
	orders  map[string]order.Order
	txs     map[string]payment.Transaction
	retries map[string][]int
	seq     int
}

func New() *Ledger {
	return &Ledger{
		orders:  map[string]order.Order{},
		txs:     map[string]payment.Transaction{},
		retries: map[string][]int{},
	}
}

func (l *Ledger) AddOrder(o order.Order) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if o.Status == "" {
		o.Status = order.StatusPending
	}
	if o.PaymentStatus == "" {
		o.PaymentStatus = order.PaymentUnpaid
	}
	if o.Currency == "" {
		o.Currency = "KES"
	}
	l.orders[o.ID] = o
}

func (l *Ledger) Order(id string) order.Order {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.orders[id]
}

// Put stores t as-is, bypassing balance checks.
func (l *Ledger) Put(t payment.Transaction) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Unix(int64(l.seq), 0).UTC()
	}
	l.txs[t.ID] = t
}

func (l *Ledger) balance(orderID string) (payment.Balance, error) {
	o, ok := l.orders[orderID]
	if !ok {
		return payment.Balance{}, order.ErrNotFound
	}
	b := payment.Balance{Order: o, Completed: decimal.Zero, Refunded: decimal.Zero}
	for _, t := range l.txs {
		if t.OrderID != orderID {
			continue
		}
		switch t.Status {
		case payment.StatusCompleted:
			b.Completed = b.Completed.Add(t.Amount)
		case payment.StatusRefunded:
			ref := t.Amount
			if t.RefundedAmount != nil {
				ref = *t.RefundedAmount
			}
			b.Completed = b.Completed.Add(t.Amount.Sub(ref))
			b.Refunded = b.Refunded.Add(ref)
		}
	}
	return b, nil
}

func (l *Ledger) checkAddable(b payment.Balance, t payment.Transaction) error {
	if b.Order.Status == order.StatusCancelled {
		return payment.ErrOrderCancelled
	}
	if t.Currency != "" && !strings.EqualFold(t.Currency, b.Order.Currency) {
		return payment.ErrCurrency
	}
	rem := b.Remaining()
	if rem.IsZero() {
		return payment.ErrOrderSettled
	}
	if t.Amount.GreaterThan(rem) {
		return payment.ErrExceedsBalance
	}
	return nil
}

func (l *Ledger) insert(t payment.Transaction) (payment.Transaction, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CorrelationID == "" {
		t.CorrelationID = "local-" + t.ID
	}
	for _, other := range l.txs {
		if other.CorrelationID == t.CorrelationID {
			return payment.Transaction{}, payment.ErrDuplicateRef
		}
	}
	l.seq++
	t.Currency = strings.ToUpper(t.Currency)
	t.CreatedAt = time.Unix(int64(l.seq), 0).UTC()
	t.UpdatedAt = t.CreatedAt
	l.txs[t.ID] = t
	return t, nil
}

func (l *Ledger) sync(orderID string) *order.Order {
	b, _ := l.balance(orderID)
	o := b.Order
	o.PaymentStatus = order.PaymentStatusFor(o.Total, b.Completed, b.Refunded)
	if o.PaymentStatus == order.PaymentPaid {
		o.Status = order.StatusConfirmed
	}
	l.orders[orderID] = o
	return &o
}

func (l *Ledger) CreatePending(_ context.Context, t payment.Transaction) (payment.Transaction, payment.Balance, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, err := l.balance(t.OrderID)
	if err != nil {
		return payment.Transaction{}, payment.Balance{}, err
	}
	if err := l.checkAddable(b, t); err != nil {
		return payment.Transaction{}, payment.Balance{}, err
	}
	if t.Currency == "" {
		t.Currency = b.Order.Currency
	}
	t.Status = payment.StatusPending
	t, err = l.insert(t)
	return t, b, err
}

func (l *Ledger) CreateSettled(_ context.Context, t payment.Transaction) (payment.Transition, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, err := l.balance(t.OrderID)
	if err != nil {
		return payment.Transition{}, err
	}
	if err := l.checkAddable(b, t); err != nil {
		return payment.Transition{}, err
	}
	if t.Currency == "" {
		t.Currency = b.Order.Currency
	}
	t.Status = payment.StatusCompleted
	if t.SettledAt == nil {
		now := time.Now().UTC()
		t.SettledAt = &now
	}
	if t, err = l.insert(t); err != nil {
		return payment.Transition{}, err
	}
	return payment.Transition{Transaction: t, Applied: true, Order: l.sync(t.OrderID)}, nil
}

func (l *Ledger) SetCorrelationID(_ context.Context, id, correlationID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.txs[id]
	if !ok {
		return payment.ErrNotFound
	}
	for oid, other := range l.txs {
		if oid != id && other.CorrelationID == correlationID {
			return payment.ErrDuplicateRef
		}
	}
	t.CorrelationID = correlationID
	l.txs[id] = t
	return nil
}

func (l *Ledger) Get(_ context.Context, id string) (payment.Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.txs[id]
	if !ok {
		return payment.Transaction{}, payment.ErrNotFound
	}
	return t, nil
}

func (l *Ledger) GetByCorrelationID(_ context.Context, correlationID string) (payment.Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, t := range l.txs {
		if t.CorrelationID == correlationID {
			return t, nil
		}
	}
	return payment.Transaction{}, payment.ErrNotFound
}

func (l *Ledger) ListByOrder(_ context.Context, orderID string) ([]payment.Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := []payment.Transaction{}
	for _, t := range l.txs {
		if t.OrderID == orderID {
			out = append(out, t)
		}
	}
	sortByCreated(out)
	return out, nil
}

func (l *Ledger) Balance(_ context.Context, orderID string) (payment.Balance, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balance(orderID)
}

func (l *Ledger) transition(id string, from payment.Status, apply func(*payment.Transaction) error) (payment.Transition, error) {
	t, ok := l.txs[id]
	if !ok {
		return payment.Transition{}, payment.ErrNotFound
	}
	if t.Status != from {
		return payment.Transition{Transaction: t, From: from}, nil
	}
	if err := apply(&t); err != nil {
		return payment.Transition{}, err
	}
	t.UpdatedAt = time.Now().UTC()
	l.txs[id] = t
	return payment.Transition{Transaction: t, From: from, Applied: true}, nil
}

func (l *Ledger) Complete(_ context.Context, id string, c payment.Completion) (payment.Transition, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, ok := l.txs[id]
	if !ok {
		return payment.Transition{}, payment.ErrNotFound
	}
	b, err := l.balance(cur.OrderID)
	if err != nil {
		return payment.Transition{}, err
	}
	receipt := c.ReceiptNumber

	if b.Completed.Add(cur.Amount).GreaterThan(b.Order.Total) {
		tr, err := l.transition(id, payment.StatusPending, func(t *payment.Transaction) error {
			reason := payment.OverpaymentReason
			t.Status = payment.StatusFailed
			t.FailureReason = &reason
			if receipt != "" {
				t.ReceiptNumber = &receipt
			}
			return nil
		})
		tr.Overpayment = tr.Applied
		return tr, err
	}

	tr, err := l.transition(id, payment.StatusPending, func(t *payment.Transaction) error {
		at := c.SettledAt
		if at.IsZero() {
			at = time.Now()
		}
		at = at.UTC()
		t.Status = payment.StatusCompleted
		t.SettledAt = &at
		t.FailureReason = nil
		if receipt != "" {
			t.ReceiptNumber = &receipt
		}
		return nil
	})
	if err == nil && tr.Applied {
		tr.Order = l.sync(cur.OrderID)
	}
	return tr, err
}

func (l *Ledger) Fail(_ context.Context, id, reason string) (payment.Transition, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.transition(id, payment.StatusPending, func(t *payment.Transaction) error {
		t.Status = payment.StatusFailed
		t.FailureReason = &reason
		return nil
	})
}

func (l *Ledger) Requeue(_ context.Context, id string, attempt int) (payment.Transition, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, n := range l.retries[id] {
		if n == attempt {
			t := l.txs[id]
			return payment.Transition{Transaction: t, From: payment.StatusFailed}, nil
		}
	}
	tr, err := l.transition(id, payment.StatusFailed, func(t *payment.Transaction) error {
		t.Status = payment.StatusPending
		t.Attempt = attempt
		t.CorrelationID = fmt.Sprintf("local-%s-r%d", id, attempt)
		t.FailureReason = nil
		return nil
	})
	if err == nil && tr.Applied {
		l.retries[id] = append(l.retries[id], attempt)
	}
	return tr, err
}

func (l *Ledger) Exhaust(_ context.Context, id string) (payment.Transition, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.transition(id, payment.StatusFailed, func(t *payment.Transaction) error {
		t.Status = payment.StatusRetryExhausted
		return nil
	})
}

func (l *Ledger) Refund(_ context.Context, id string, r payment.RefundRequest) (payment.Transition, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, ok := l.txs[id]
	if !ok {
		return payment.Transition{}, payment.ErrNotFound
	}
	if cur.Status != payment.StatusCompleted {
		return payment.Transition{}, payment.ErrNotRefundable
	}
	amt := cur.Amount
	if r.Amount != nil {
		amt = *r.Amount
		if !amt.IsPositive() || amt.GreaterThan(cur.Amount) {
			return payment.Transition{}, payment.ErrRefundAmount
		}
	}
	tr, err := l.transition(id, payment.StatusCompleted, func(t *payment.Transaction) error {
		now := time.Now().UTC()
		reason := r.Reason
		t.Status = payment.StatusRefunded
		t.RefundReason = &reason
		t.RefundedAmount = &amt
		t.RefundedAt = &now
		return nil
	})
	if err == nil && tr.Applied {
		tr.Order = l.sync(cur.OrderID)
	}
	return tr, err
}

func (l *Ledger) CountRetries(_ context.Context, id string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.retries[id]), nil
}

func (l *Ledger) Search(_ context.Context, f payment.Filter) (payment.Page, error) {
	f = f.Normalize()
	l.mu.Lock()
	defer l.mu.Unlock()

	var all []payment.Transaction
	q := strings.ToLower(f.Query)
	for _, t := range l.txs {
		switch {
		case f.Status != "" && t.Status != f.Status,
			f.Provider != "" && t.Provider != f.Provider,
			f.OrderID != "" && t.OrderID != f.OrderID,
			!f.From.IsZero() && t.CreatedAt.Before(f.From),
			!f.To.IsZero() && !t.CreatedAt.Before(f.To):
			continue
		}
		if q != "" && !strings.Contains(strings.ToLower(t.OrderID+" "+t.CorrelationID+" "+t.PayerReference), q) {
			continue
		}
		all = append(all, t)
	}
	sortByCreated(all)
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}

	items := []payment.Transaction{}
	if off := f.Offset(); off < len(all) {
		end := off + f.PageSize
		if end > len(all) {
			end = len(all)
		}
		items = append(items, all[off:end]...)
	}
	return payment.Page{Items: items, Total: len(all), Page: f.Page, PageSize: f.PageSize}, nil
}

func (l *Ledger) Stats(_ context.Context, from, to time.Time) (payment.Stats, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := payment.Stats{From: from, To: to, ByStatus: map[payment.Status]payment.StatusTotals{}, RefundedAmount: decimal.Zero}
	for _, t := range l.txs {
		if t.CreatedAt.Before(from) || !t.CreatedAt.Before(to) {
			continue
		}
		tot := s.ByStatus[t.Status]
		tot.Count++
		tot.Amount = tot.Amount.Add(t.Amount)
		s.ByStatus[t.Status] = tot
		if t.RefundedAmount != nil {
			s.RefundedAmount = s.RefundedAmount.Add(*t.RefundedAmount)
		}
	}
	return payment.FinishStats(s), nil
}

func (l *Ledger) Analytics(_ context.Context, p payment.Period, from, to time.Time) ([]payment.Bucket, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	type key struct {
		start    time.Time
		provider payment.Provider
	}
	agg := map[key]*payment.Bucket{}
	for _, t := range l.txs {
		if t.SettledAt == nil || (t.Status != payment.StatusCompleted && t.Status != payment.StatusRefunded) {
			continue
		}
		at := t.SettledAt.UTC()
		if at.Before(from) || !at.Before(to) {
			continue
		}
		k := key{payment.TruncatePeriod(at, p), t.Provider}
		b, ok := agg[k]
		if !ok {
			b = &payment.Bucket{Start: k.start, Provider: k.provider, Amount: decimal.Zero}
			agg[k] = b
		}
		b.Count++
		b.Amount = b.Amount.Add(t.Amount)
	}
	out := make([]payment.Bucket, 0, len(agg))
	for _, b := range agg {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Start.Equal(out[j].Start) {
			return out[i].Start.Before(out[j].Start)
		}
		return out[i].Provider < out[j].Provider
	})
	return out, nil
}

func sortByCreated(ts []payment.Transaction) {
	sort.Slice(ts, func(i, j int) bool {
		if !ts[i].CreatedAt.Equal(ts[j].CreatedAt) {
			return ts[i].CreatedAt.Before(ts[j].CreatedAt)
		}
		return ts[i].ID < ts[j].ID
	})
}

var _ payment.Ledger = (*Ledger)(nil)
