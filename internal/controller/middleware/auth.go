// Package middleware contains HTTP middleware for the data API.
package middleware

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"dataplane/internal/auth"
	"dataplane/pkg/api"
)

// clientKey is the context key for the authenticated client's key hash.
type clientKey struct{}

// NewContextWithClient stores the client identity in ctx.
func NewContextWithClient(ctx context.Context, client string) context.Context {
	return context.WithValue(ctx, clientKey{}, client)
}

// ClientFromContext returns the client identity set by RequireAPIKey.
func ClientFromContext(ctx context.Context) (string, bool) {
	c, ok := ctx.Value(clientKey{}).(string)
	return c, ok && c != ""
}

// RequireAPIKey checks "Authorization: Bearer <key>" against the SHA-256 hash
// of the configured key. An empty keyHash disables the check.
func RequireAPIKey(keyHash string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if keyHash == "" {
			return next
		}

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				unauthorized(w, "Missing authorization header")
				return
			}

			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				unauthorized(w, "Invalid authorization header")
				return
			}

			hash := auth.HashKey(parts[1])
			if subtle.ConstantTimeCompare([]byte(hash), []byte(keyHash)) != 1 {
				unauthorized(w, "Invalid API key")
				return
			}

			next.ServeHTTP(w, r.WithContext(NewContextWithClient(r.Context(), hash)))
		})
	}
}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(api.ErrorResponse{
		Error: message,
		Code:  "401",
	})
}
