// Package middleware provides HTTP middleware: authentication, per-client
// request throttling, and request IDs.
package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type userKey struct{}

// WithUser stores the authenticated user id in the context.
func WithUser(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, userKey{}, id)
}

// UserFromContext extracts the authenticated user id from the context.
func UserFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userKey{}).(string)
	return id, ok
}

// AuthConfig configures the authentication middleware.
type AuthConfig struct {
	// JWTSecret is the shared HS256 signing secret.
	JWTSecret []byte
	// AllowDevTokens accepts "Bearer user:<id>" without a signature. Never
	// enabled in production.
	AllowDevTokens bool
}

const devTokenPrefix = "user:"

// Auth returns middleware that resolves the caller from the Authorization
// header. A signed HS256 JWT identifies the user by its "sub" claim; with
// AllowDevTokens a plain "Bearer user:<id>" token is accepted instead.
// Requests without a resolvable identity get 401.
func Auth(cfg AuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				writeUnauthorized(w)
				return
			}
			tokenStr := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))

			if cfg.AllowDevTokens && strings.HasPrefix(tokenStr, devTokenPrefix) {
				id := strings.TrimPrefix(tokenStr, devTokenPrefix)
				if id != "" {
					next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), id)))
					return
				}
				writeUnauthorized(w)
				return
			}

			token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
				return cfg.JWTSecret, nil
			}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
			if err == nil && token.Valid {
				if claims, ok := token.Claims.(jwt.MapClaims); ok {
					if sub, ok := claims["sub"].(string); ok && sub != "" {
						next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), sub)))
						return
					}
				}
			}

			writeUnauthorized(w)
		})
	}
}

func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"code":    http.StatusUnauthorized,
		"message": "unauthorized: provide a valid bearer token",
	})
}
