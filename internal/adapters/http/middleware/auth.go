package middleware

import (
	"context"
	"log"
	"net/http"
	"strings"

	"github.com/meridian-chat/meridian/internal/adapters/auth"
	"github.com/meridian-chat/meridian/internal/ports"
)

type contextKey string

const (
	UserIDContextKey contextKey = "user_id"
)

// Auth verifies the bearer token on every request and stores the verified
// user ID in the request context. Failures answer 401 with the stable
// verification code so clients can distinguish expired from invalid.
func Auth(verifier ports.TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			claims, err := verifier.Verify(r.Context(), token)
			if err != nil {
				code := auth.CodeOf(err)
				log.Printf("HTTP 401: token rejected (%s) path=%s", code, r.URL.Path)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				w.Write([]byte(`{"error":"` + code + `","message":"authentication failed"}`))
				return
			}

			ctx := context.WithValue(r.Context(), UserIDContextKey, claims.UserID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetUserID returns the verified user ID, or "" outside an authenticated
// request.
func GetUserID(ctx context.Context) string {
	userID, ok := ctx.Value(UserIDContextKey).(string)
	if !ok {
		return ""
	}
	return userID
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	// Websocket clients cannot set headers from the browser; they pass the
	// token as a query parameter instead.
	return r.URL.Query().Get("token")
}
