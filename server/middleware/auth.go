package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/convoylink/convoyd/server/auth"
)

// ContextKey is a strict type for context keys to prevent collisions.
type ContextKey string

const (
	// UserKey is the context key for the authenticated user id.
	UserKey ContextKey = "user_id"
)

// AuthMiddleware enforces bearer authentication on requests.
// STRICT: Fails fast on missing or malformed headers.
func AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")

		// STRICT: Fail fast if missing
		if authHeader == "" {
			http.Error(w, "Missing Authorization header", http.StatusUnauthorized)
			return
		}

		// STRICT: Validate format "Bearer <token>"
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			http.Error(w, "Invalid Authorization format. Expected 'Bearer <token>'", http.StatusUnauthorized)
			return
		}

		userID, err := auth.Verify(parts[1])
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), UserKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetUserFromContext safely retrieves the authenticated user id.
func GetUserFromContext(ctx context.Context) (string, error) {
	val := ctx.Value(UserKey)
	if val == nil {
		return "", fmt.Errorf("user_id not found in context")
	}
	userID, ok := val.(string)
	if !ok {
		return "", fmt.Errorf("user_id in context is not a string")
	}
	return userID, nil
}
