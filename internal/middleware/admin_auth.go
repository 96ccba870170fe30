package middleware

import (
	"context"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// AdminCredential is a staff identity with the bcrypt hash of its bearer token.
type AdminCredential struct {
	ID   string
	Hash []byte
}

// ParseAdminCredentials reads "id:bcrypt-hash" pairs. Malformed entries are skipped.
func ParseAdminCredentials(pairs []string) []AdminCredential {
	out := make([]AdminCredential, 0, len(pairs))
	for _, p := range pairs {
		id, hash, ok := strings.Cut(p, ":")
		id, hash = strings.TrimSpace(id), strings.TrimSpace(hash)
		if !ok || id == "" || hash == "" {
			continue
		}
		out = append(out, AdminCredential{ID: id, Hash: []byte(hash)})
	}
	return out
}

// AdminAuth requires an Authorization bearer token matching one of creds and
// stores the matching admin id in the request context.
func AdminAuth(creds []AdminCredential) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				WriteError(w, r, http.StatusUnauthorized, "unauthorized", "missing bearer token")
				return
			}
			for _, c := range creds {
				if bcrypt.CompareHashAndPassword(c.Hash, []byte(token)) == nil {
					ctx := WithAdminID(r.Context(), c.ID)
					next.ServeHTTP(w, r.WithContext(ctx))
					return
				}
			}
			WriteError(w, r, http.StatusUnauthorized, "unauthorized", "invalid credentials")
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func WithAdminID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, adminKey, id)
}

func AdminIDFrom(ctx context.Context) string {
	if v, ok := ctx.Value(adminKey).(string); ok {
		return v
	}
	return ""
}
