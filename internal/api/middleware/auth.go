package middleware

import (
	"context"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// TokenVerifier resolves a bearer token to a user ID
type TokenVerifier interface {
	Verify(token string) (string, error)
}

type userKey struct{}

// WithUserID stores the authenticated user ID
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userKey{}, userID)
}

// GetUserID returns the authenticated user ID or ""
func GetUserID(ctx context.Context) string {
	id, _ := ctx.Value(userKey{}).(string)
	return id
}

// Auth rejects requests without a valid "Authorization: Bearer" token
func Auth(tokens TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
			token = strings.TrimSpace(token)
			if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
				unauthorized(w, "missing bearer token")
				return
			}
			userID, err := tokens.Verify(token)
			if err != nil {
				unauthorized(w, "invalid or expired token")
				return
			}

			if slot, ok := r.Context().Value(userSlotKey{}).(*string); ok {
				*slot = userID
			}
			trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("enduser.id", userID))
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
		})
	}
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="healthsync"`)
	writeError(w, http.StatusUnauthorized, msg)
}
