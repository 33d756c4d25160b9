// ABOUTME: HTTP middleware for JWT authentication on messaging API endpoints
// ABOUTME: Extracts bearer token, resolves the user, and attaches Identity to context

package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/majeeddane/masar-messaging/internal/store"
)

// UserStore is the subset of the store the middleware needs to resolve a
// verified token subject into a known user.
type UserStore interface {
	GetUser(ctx context.Context, id string) (*store.User, error)
}

// extractBearerToken extracts a bearer token from the Authorization header.
// WebSocket browser clients cannot set headers, so a token query parameter is
// accepted as a fallback. Returns the token and an error message (empty if
// successful).
func extractBearerToken(r *http.Request) (string, string) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		if token := r.URL.Query().Get("token"); token != "" {
			return token, ""
		}
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// Middleware creates an HTTP middleware that extracts and validates JWT
// tokens, then resolves the subject against the user store. Requests whose
// subject does not map to a known user are rejected: a valid signature is not
// enough, the identity has to exist.
func Middleware(users UserStore, verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := extractBearerToken(r)
			if errMsg != "" {
				http.Error(w, `{"error":"`+errMsg+`"}`, http.StatusUnauthorized)
				return
			}

			userID, err := verifier.Verify(token)
			if err != nil {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}

			user, err := users.GetUser(r.Context(), userID)
			if err != nil {
				// A missing user is an auth failure; a failing store is not
				if errors.Is(err, store.ErrNotFound) {
					http.Error(w, `{"error":"unknown user"}`, http.StatusUnauthorized)
					return
				}
				http.Error(w, `{"error":"identity lookup failed"}`, http.StatusServiceUnavailable)
				return
			}

			id := &Identity{UserID: user.ID, DisplayName: user.DisplayName}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}
