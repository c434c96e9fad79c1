package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/matgo18/TheyMissYou/internal/auth"
	"github.com/rs/zerolog/log"
)

type contextKey string

const tokenKey contextKey = "token"

// TokenVerifier resolves a bearer token to an identity id
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (string, error)
}

// AuthMiddleware creates a middleware for bearer token authentication
func AuthMiddleware(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				respondError(w, "Authorization header required", http.StatusUnauthorized)
				return
			}

			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				respondError(w, "Invalid authorization header format", http.StatusUnauthorized)
				return
			}

			token := parts[1]
			userID, err := verifier.Verify(r.Context(), token)
			if err != nil {
				if !errors.Is(err, auth.ErrInvalidToken) {
					log.Error().Err(err).Msg("Failed to verify token")
					respondError(w, "Failed to verify token", http.StatusInternalServerError)
					return
				}
				respondError(w, "Invalid token", http.StatusUnauthorized)
				return
			}

			ctx := auth.WithIdentity(r.Context(), userID)
			ctx = context.WithValue(ctx, tokenKey, token)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetUserID extracts user ID from context
func GetUserID(ctx context.Context) string {
	return auth.IdentityID(ctx)
}

// GetToken returns the bearer token the request was authenticated with
func GetToken(ctx context.Context) string {
	token, ok := ctx.Value(tokenKey).(string)
	if !ok {
		return ""
	}
	return token
}

// respondError sends an error response
func respondError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	w.Write([]byte(`{"error":"` + message + `"}`))
}

// ValidateWebSocketToken validates a token passed as a WebSocket query parameter
func ValidateWebSocketToken(ctx context.Context, token string, verifier TokenVerifier) (string, error) {
	if token == "" {
		return "", auth.ErrInvalidToken
	}
	return verifier.Verify(ctx, token)
}
