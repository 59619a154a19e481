package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/yansir/claude-mux/internal/apikey"
)

type contextKey string

const keyInfoKey contextKey = "apiKey"

// Middleware validates downstream API keys and attaches the record to the
// request context.
type Middleware struct {
	keys *apikey.Store
}

func NewMiddleware(keys *apikey.Store) *Middleware {
	return &Middleware{keys: keys}
}

// Authenticate rejects requests without a valid key and enforces the
// client-identity restriction.
func (m *Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "authentication_error", "missing or invalid API key")
			return
		}

		key, err := m.keys.Validate(r.Context(), token)
		if err != nil {
			if !errors.Is(err, apikey.ErrNotFound) {
				slog.Warn("key validation failed", "error", err)
			}
			writeError(w, http.StatusUnauthorized, "authentication_error", "invalid API key")
			return
		}

		if !key.ClientAllowed(r.UserAgent()) {
			writeError(w, http.StatusForbidden, "forbidden", "client not permitted for this API key")
			return
		}

		ctx := context.WithValue(r.Context(), keyInfoKey, key)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// KeyFromContext returns the validated key, or nil outside the middleware.
func KeyFromContext(ctx context.Context) *apikey.Key {
	k, _ := ctx.Value(keyInfoKey).(*apikey.Key)
	return k
}

// WithKey attaches a key record to a context the way Authenticate does.
func WithKey(ctx context.Context, k *apikey.Key) context.Context {
	return context.WithValue(ctx, keyInfoKey, k)
}

func extractToken(r *http.Request) string {
	if key := r.Header.Get("x-api-key"); key != "" {
		return key
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func writeError(w http.ResponseWriter, status int, errType, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"type":"error","error":{"type":"%s","message":"%s"}}`, errType, msg)
}
