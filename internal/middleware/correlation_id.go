package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

const HeaderCorrelationID = "X-Correlation-Id"

// maxCorrelationLen bounds what a caller can push into our logs and events.
const maxCorrelationLen = 128

type ctxKey int

const (
	correlationKey ctxKey = iota
	adminKey
)

// CorrelationID propagates the caller's correlation id, or mints one, and
// echoes it on the response so gateway callbacks and admin calls can be
// traced across services.
func CorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cid, ok := cleanCorrelationID(r.Header.Get(HeaderCorrelationID))
		if !ok {
			cid = uuid.NewString()
		}
		w.Header().Set(HeaderCorrelationID, cid)
		next.ServeHTTP(w, r.WithContext(WithCorrelationID(r.Context(), cid)))
	})
}

// cleanCorrelationID accepts printable ASCII without spaces only.
func cleanCorrelationID(v string) (string, bool) {
	if v == "" || len(v) > maxCorrelationLen {
		return "", false
	}
	for i := 0; i < len(v); i++ {
		if v[i] <= ' ' || v[i] > '~' {
			return "", false
		}
	}
	return v, true
}

func WithCorrelationID(ctx context.Context, cid string) context.Context {
	return context.WithValue(ctx, correlationKey, cid)
}

func CorrelationIDFrom(ctx context.Context) string {
	cid, _ := ctx.Value(correlationKey).(string)
	return cid
}
