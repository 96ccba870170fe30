package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPostgresQueueEnqueue(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	due := time.Date(2024, 5, 1, 12, 2, 0, 0, time.UTC)
	mock.ExpectExec(`ON CONFLICT \(kind, job_key\) WHERE completed_at IS NULL DO NOTHING`).
		WithArgs("payment.retry", "tx-1", []byte(`{"transactionId":"tx-1"}`), due).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	q := NewPostgresQueue(mock)
	require.NoError(t, q.Enqueue(context.Background(), "payment.retry", "tx-1", map[string]string{"transactionId": "tx-1"}, due))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresQueueClaim(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	lastErr := "gateway timeout"
	mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).
		WithArgs(now, 10, now.Add(time.Minute)).
		WillReturnRows(pgxmock.NewRows([]string{"id", "kind", "job_key", "payload", "due_at", "attempts", "last_error"}).
			AddRow(int64(3), "payment.retry", "tx-1", json.RawMessage(`{"transactionId":"tx-1"}`), now, 2, &lastErr))

	q := NewPostgresQueue(mock)
	q.now = func() time.Time { return now }
	got, err := q.Claim(context.Background(), 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, int64(3), got[0].ID)
	require.Equal(t, 2, got[0].Attempts)
	require.JSONEq(t, `{"transactionId":"tx-1"}`, string(got[0].Payload))
	require.Equal(t, "gateway timeout", *got[0].LastError)
	require.NoError(t, mock.ExpectationsWereMet())
}

type memQueue struct {
	mu          sync.Mutex
	pending     []Job
	completed   []int64
	abandoned   map[int64]string
	rescheduled map[int64]string
	claimErr    error
	completeErr map[int64]error
	// completeFailed is closed once a Complete call has failed.
	completeFailed chan struct{}
}

func newMemQueue(jobs ...Job) *memQueue {
	return &memQueue{pending: jobs, abandoned: map[int64]string{}, rescheduled: map[int64]string{}}
}

func (m *memQueue) Enqueue(_ context.Context, kind, key string, _ any, dueAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = append(m.pending, Job{ID: int64(len(m.pending) + 1), Kind: kind, Key: key, DueAt: dueAt})
	return nil
}

func (m *memQueue) Claim(_ context.Context, limit int, _ time.Duration) ([]Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.claimErr != nil {
		return nil, m.claimErr
	}
	n := min(limit, len(m.pending))
	out := m.pending[:n]
	m.pending = m.pending[n:]
	for i := range out {
		out[i].Attempts++
	}
	return out, nil
}

func (m *memQueue) Complete(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.completeErr[id]; err != nil {
		if m.completeFailed != nil {
			close(m.completeFailed)
		}
		return err
	}
	m.completed = append(m.completed, id)
	return nil
}

func (m *memQueue) Reschedule(_ context.Context, id int64, _ time.Time, lastErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rescheduled[id] = lastErr
	return nil
}

func (m *memQueue) Abandon(_ context.Context, id int64, lastErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.abandoned[id] = lastErr
	return nil
}

func TestWorkerRunOnceDispatchesByKind(t *testing.T) {
	q := newMemQueue(
		Job{ID: 1, Kind: "payment.retry", Key: "tx-1"},
		Job{ID: 2, Kind: "payment.retry", Key: "tx-2"},
		Job{ID: 3, Kind: "payment.retry", Key: "tx-3"},
		Job{ID: 4, Kind: "payment.retry", Key: "tx-4", Attempts: 4},
		Job{ID: 5, Kind: "unknown.kind", Key: "x"},
		Job{ID: 6, Kind: "payment.retry", Key: "tx-6"},
	)
	w := NewWorker(q, Options{BatchSize: 10, MaxAttempts: 5}, zap.NewNop())

	var mu sync.Mutex
	seen := map[string]bool{}
	w.Handle("payment.retry", func(_ context.Context, job Job) error {
		mu.Lock()
		seen[job.Key] = true
		mu.Unlock()
		switch job.Key {
		case "tx-2":
			return errors.New("database unavailable")
		case "tx-3":
			return fmt.Errorf("bad payload: %w", ErrPermanent)
		case "tx-4":
			return errors.New("still failing")
		}
		return nil
	})

	n, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 6, n)
	require.Len(t, seen, 5)

	require.ElementsMatch(t, []int64{1, 6}, q.completed)
	require.Equal(t, map[int64]string{2: "database unavailable"}, q.rescheduled)
	require.Contains(t, q.abandoned, int64(3))
	require.Contains(t, q.abandoned, int64(4))
	require.Equal(t, "no handler registered", q.abandoned[5])
}

func TestWorkerBookkeepingFailureKeepsSiblingsRunning(t *testing.T) {
	q := newMemQueue(
		Job{ID: 1, Kind: "payment.retry", Key: "tx-1"},
		Job{ID: 2, Kind: "payment.retry", Key: "tx-2"},
	)
	q.completeErr = map[int64]error{1: errors.New("connection reset")}
	q.completeFailed = make(chan struct{})
	w := NewWorker(q, Options{BatchSize: 10, Concurrency: 2}, zap.NewNop())

	var siblingErr error
	w.Handle("payment.retry", func(ctx context.Context, job Job) error {
		if job.Key == "tx-2" {
			select {
			case <-q.completeFailed:
			case <-time.After(2 * time.Second):
				t.Error("job 1 never completed")
			}
			// Give a shared group context time to be cancelled, if there were one.
			time.Sleep(50 * time.Millisecond)
			siblingErr = ctx.Err()
		}
		return nil
	})

	_, err := w.RunOnce(context.Background())
	require.ErrorContains(t, err, "connection reset")
	require.NoError(t, siblingErr)
	require.Equal(t, []int64{2}, q.completed)
}

func TestWorkerRunStopsOnCancel(t *testing.T) {
	q := newMemQueue()
	q.claimErr = errors.New("connection refused")
	w := NewWorker(q, Options{PollInterval: 5 * time.Millisecond}, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	require.NoError(t, w.Run(ctx))
}
