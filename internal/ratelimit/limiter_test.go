package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testNow = time.Date(2024, 3, 1, 12, 0, 40, 0, time.UTC)

func newTestLimiter(t *testing.T, limit int) (*Limiter, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	l := NewLimiter(mock, limit, time.Minute)
	l.now = func() time.Time { return testNow }
	return l, mock
}

func expectHits(mock pgxmock.PgxPoolIface, key string, hits int) {
	mock.ExpectQuery(`INSERT INTO rate_limit_counters`).
		WithArgs(key, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)).
		WillReturnRows(pgxmock.NewRows([]string{"hits"}).AddRow(hits))
}

func TestAllow(t *testing.T) {
	l, mock := newTestLimiter(t, 2)

	expectHits(mock, "k", 2)
	d, err := l.Allow(context.Background(), "k")
	require.NoError(t, err)
	require.True(t, d.Allowed)
	require.Equal(t, 0, d.Remaining)

	expectHits(mock, "k", 3)
	d, err = l.Allow(context.Background(), "k")
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Equal(t, 20*time.Second, d.RetryAfter)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMiddlewareRejectsOverLimit(t *testing.T) {
	l, mock := newTestLimiter(t, 1)
	called := 0
	h := l.Middleware("initiate", zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called++
		w.WriteHeader(http.StatusCreated)
	}))

	expectHits(mock, "initiate:10.0.0.7", 1)
	req := httptest.NewRequest(http.MethodPost, "/api/payments/initiate", nil)
	req.RemoteAddr = "10.0.0.7:51234"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	expectHits(mock, "initiate:10.0.0.7", 2)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "20", rec.Header().Get("Retry-After"))
	require.Contains(t, rec.Body.String(), "rate_limited")
	require.Equal(t, 1, called)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMiddlewareFailsOpen(t *testing.T) {
	l, mock := newTestLimiter(t, 1)
	mock.ExpectQuery(`INSERT INTO rate_limit_counters`).WillReturnError(errors.New("db down"))

	h := l.Middleware("tokenize", zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/payments/tokenize", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestPrune(t *testing.T) {
	l, mock := newTestLimiter(t, 1)
	mock.ExpectExec(`DELETE FROM rate_limit_counters`).
		WithArgs(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)).
		WillReturnResult(pgxmock.NewResult("DELETE", 4))

	n, err := l.Prune(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(4), n)
	require.NoError(t, mock.ExpectationsWereMet())
}
