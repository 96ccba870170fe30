// Package ratelimit counts requests per client in fixed windows stored in
// Postgres, so every instance behind the load balancer shares one budget.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/apperr"
	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/middleware"
)

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

type Limiter struct {
	db     DB
	limit  int
	window time.Duration
	now    func() time.Time
}

func NewLimiter(db DB, limit int, window time.Duration) *Limiter {
	return &Limiter{db: db, limit: limit, window: window, now: time.Now}
}

// Allow counts one hit for key in the current window.
func (l *Limiter) Allow(ctx context.Context, key string) (Decision, error) {
	now := l.now().UTC()
	start := now.Truncate(l.window)

	var hits int
	err := l.db.QueryRow(ctx, `
		INSERT INTO rate_limit_counters (bucket_key, window_start, hits)
		VALUES ($1, $2, 1)
		ON CONFLICT (bucket_key, window_start)
		DO UPDATE SET hits = rate_limit_counters.hits + 1
		RETURNING hits
	`, key, start).Scan(&hits)
	if err != nil {
		return Decision{}, fmt.Errorf("count hit: %w", err)
	}

	if hits > l.limit {
		return Decision{RetryAfter: start.Add(l.window).Sub(now)}, nil
	}
	return Decision{Allowed: true, Remaining: l.limit - hits}, nil
}

// Prune deletes every window that closed before now.
func (l *Limiter) Prune(ctx context.Context) (int64, error) {
	cutoff := l.now().UTC().Truncate(l.window)
	tag, err := l.db.Exec(ctx, `DELETE FROM rate_limit_counters WHERE window_start < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Middleware limits requests per client address under the given scope name.
// A counter store failure lets the request through.
func (l *Limiter) Middleware(scope string, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := scope + ":" + clientAddr(r)
			d, err := l.Allow(r.Context(), key)
			if err != nil {
				logger.Warn("rate limit check failed", zap.String("scope", scope), zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(l.limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			if !d.Allowed {
				secs := int(math.Ceil(d.RetryAfter.Seconds()))
				if secs < 1 {
					secs = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				middleware.WriteError(w, r, http.StatusTooManyRequests, apperr.Kind(apperr.ErrRateLimited), "too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientAddr expects chi's RealIP to have run first.
func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
