package retry

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/apperr"
	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/compliance"
	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/gateway"
	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/jobs"
	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/order"
	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/payment"
	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/payment/paymenttest"
)

// fakeSubmitter plays the gateway: it either accepts the resubmission or
// fails the transaction the way the intent issuer does.
type fakeSubmitter struct {
	ledger *paymenttest.Ledger
	fail   bool
	calls  int
}

func (f *fakeSubmitter) Submit(ctx context.Context, tx payment.Transaction) (gateway.SubmitResult, payment.Transaction, error) {
	f.calls++
	if f.fail {
		tr, err := f.ledger.Fail(ctx, tx.ID, "DS timeout user cannot be reached")
		if err != nil {
			return gateway.SubmitResult{}, tx, err
		}
		return gateway.SubmitResult{}, tr.Transaction, gateway.Unavailable("mobile money gateway error", nil)
	}
	ref := "ws_CO_retry_" + tx.CorrelationID
	if err := f.ledger.SetCorrelationID(ctx, tx.ID, ref); err != nil {
		return gateway.SubmitResult{}, tx, err
	}
	tx.CorrelationID = ref
	return gateway.SubmitResult{CorrelationID: ref}, tx, nil
}

type fakeAuditor struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeAuditor) Record(_ context.Context, eventType string, _ map[string]any, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, eventType)
	return nil
}

type enqueued struct {
	kind, key string
	payload   any
	due       time.Time
}

type fakeJobs struct{ got []enqueued }

func (f *fakeJobs) Enqueue(_ context.Context, kind, key string, payload any, due time.Time) error {
	f.got = append(f.got, enqueued{kind, key, payload, due})
	return nil
}

const txID = "6f1c1f5e-6a55-4d0c-9a8e-0c2f8b7d1a10"

type fixture struct {
	ledger    *paymenttest.Ledger
	submitter *fakeSubmitter
	jobs      *fakeJobs
	audit     *fakeAuditor
	sched     *Scheduler
}

func newFixture(status payment.Status) *fixture {
	l := paymenttest.New()
	l.AddOrder(order.Order{ID: "order-1", Total: decimal.NewFromInt(1500)})
	reason := "Request cancelled by user"
	l.Put(payment.Transaction{
		ID: txID, OrderID: "order-1", Provider: payment.ProviderMobileMoney, CorrelationID: "ws_CO_1",
		Amount: decimal.NewFromInt(500), Currency: "KES", PayerReference: "+254712345678",
		Status: status, FailureReason: &reason,
	})
	f := &fixture{ledger: l, submitter: &fakeSubmitter{ledger: l}, jobs: &fakeJobs{}, audit: &fakeAuditor{}}
	f.sched = NewScheduler(l, f.submitter, f.jobs, f.audit, 3, 2*time.Minute, zap.NewNop())
	return f
}

func TestRetryResubmitsFailedTransaction(t *testing.T) {
	f := newFixture(payment.StatusFailed)

	tx, err := f.sched.Retry(context.Background(), txID)
	require.NoError(t, err)
	require.Equal(t, payment.StatusPending, tx.Status)
	require.Equal(t, 1, tx.Attempt)
	require.Nil(t, tx.FailureReason)
	require.Equal(t, 1, f.submitter.calls)
	require.Equal(t, []string{compliance.EventPaymentRetry}, f.audit.events)

	// The original reference no longer resolves, so a late callback for it is an anomaly.
	_, err = f.ledger.GetByCorrelationID(context.Background(), "ws_CO_1")
	require.ErrorIs(t, err, payment.ErrNotFound)
}

func TestRetryFourthAttemptExhaustsWithoutGatewayCall(t *testing.T) {
	f := newFixture(payment.StatusFailed)
	ctx := context.Background()
	for attempt := 1; attempt <= 3; attempt++ {
		tr, err := f.ledger.Requeue(ctx, txID, attempt)
		require.NoError(t, err)
		require.True(t, tr.Applied)
		_, err = f.ledger.Fail(ctx, txID, "timeout")
		require.NoError(t, err)
	}

	tx, err := f.sched.Retry(ctx, txID)
	require.ErrorIs(t, err, apperr.ErrRetryExhausted)
	require.Equal(t, payment.StatusRetryExhausted, tx.Status)
	require.Zero(t, f.submitter.calls)
	require.Equal(t, []string{compliance.EventRetryExhausted}, f.audit.events)

	_, err = f.sched.Retry(ctx, txID)
	require.ErrorIs(t, err, apperr.ErrRetryExhausted)
	require.Zero(t, f.submitter.calls)
}

func TestRetryNeverExceedsCap(t *testing.T) {
	f := newFixture(payment.StatusFailed)
	f.submitter.fail = true
	ctx := context.Background()

	var last payment.Transaction
	var err error
	for i := 0; i < 10; i++ {
		last, err = f.sched.Retry(ctx, txID)
		if last.Status == payment.StatusRetryExhausted {
			break
		}
		require.ErrorIs(t, err, apperr.ErrGatewayUnavailable)
	}
	require.Equal(t, payment.StatusRetryExhausted, last.Status)
	require.Equal(t, 3, f.submitter.calls)

	n, err := f.ledger.CountRetries(ctx, txID)
	require.NoError(t, err)
	require.Equal(t, 3, n)
}

func TestRetryIsNoOpUnlessFailed(t *testing.T) {
	for _, st := range []payment.Status{payment.StatusPending, payment.StatusCompleted, payment.StatusRefunded} {
		t.Run(string(st), func(t *testing.T) {
			f := newFixture(st)
			tx, err := f.sched.Retry(context.Background(), txID)
			require.NoError(t, err)
			require.Equal(t, st, tx.Status)
			require.Zero(t, f.submitter.calls)
			require.Empty(t, f.audit.events)
		})
	}
}

func TestRetryRejectsManualProvider(t *testing.T) {
	f := newFixture(payment.StatusFailed)
	f.ledger.Put(payment.Transaction{ID: "cash-1", OrderID: "order-1", Provider: payment.ProviderCash, Status: payment.StatusFailed})

	_, err := f.sched.Retry(context.Background(), "cash-1")
	require.ErrorIs(t, err, apperr.ErrValidation)
}

func TestScheduleAutoRetryUsesFlatBackoff(t *testing.T) {
	f := newFixture(payment.StatusFailed)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	f.sched.now = func() time.Time { return now }

	require.NoError(t, f.sched.ScheduleAutoRetry(context.Background(), txID))
	require.Len(t, f.jobs.got, 1)
	require.Equal(t, JobKind, f.jobs.got[0].kind)
	require.Equal(t, txID+":0", f.jobs.got[0].key)
	require.Equal(t, now.Add(2*time.Minute), f.jobs.got[0].due)
}

func TestScheduleAutoRetryKeysJobPerAttempt(t *testing.T) {
	f := newFixture(payment.StatusFailed)
	f.submitter.fail = true

	require.NoError(t, f.sched.ScheduleAutoRetry(context.Background(), txID))

	// The job for attempt 0 is still open while its resubmission fails again.
	_, err := f.sched.Retry(context.Background(), txID)
	require.ErrorIs(t, err, apperr.ErrGatewayUnavailable)
	require.NoError(t, f.sched.ScheduleAutoRetry(context.Background(), txID))

	require.Len(t, f.jobs.got, 2)
	require.Equal(t, txID+":0", f.jobs.got[0].key)
	require.Equal(t, txID+":1", f.jobs.got[1].key)
}

func TestScheduleAutoRetryUnknownTransaction(t *testing.T) {
	f := newFixture(payment.StatusFailed)
	require.Error(t, f.sched.ScheduleAutoRetry(context.Background(), "7a2d3c4b-0000-4000-8000-000000000000"))
	require.Empty(t, f.jobs.got)
}

func TestHandleJob(t *testing.T) {
	f := newFixture(payment.StatusFailed)

	err := f.sched.HandleJob(context.Background(), jobs.Job{ID: 1, Kind: JobKind, Payload: json.RawMessage(`{}`)})
	require.ErrorIs(t, err, jobs.ErrPermanent)

	payload, err := json.Marshal(jobPayload{TransactionID: txID})
	require.NoError(t, err)
	require.NoError(t, f.sched.HandleJob(context.Background(), jobs.Job{ID: 2, Kind: JobKind, Payload: payload}))

	tx, err := f.ledger.Get(context.Background(), txID)
	require.NoError(t, err)
	require.Equal(t, payment.StatusPending, tx.Status)

	// Redelivery of the same job is harmless.
	require.NoError(t, f.sched.HandleJob(context.Background(), jobs.Job{ID: 2, Kind: JobKind, Payload: payload}))
	require.Equal(t, 1, f.submitter.calls)
}
