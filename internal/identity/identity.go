// Package identity carries the caller identity through the request context.
// It is the attribution extension point: callers are identified by the
// X-User-ID header, and verification policy is deliberately out of scope.
package identity

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

const (
	UserIDHeader    = "X-User-ID"
	RequestIDHeader = "X-Request-ID"
)

type contextKey string

const (
	userIDKey    contextKey = "user_id"
	requestIDKey contextKey = "request_id"
)

// Middleware assigns every request an id, echoes it back to the caller, and
// lifts the X-User-ID header into the context.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		requestID := r.Header.Get(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.New().String()
		}
		ctx = context.WithValue(ctx, requestIDKey, requestID)
		w.Header().Set(RequestIDHeader, requestID)

		if userID := r.Header.Get(UserIDHeader); userID != "" {
			ctx = context.WithValue(ctx, userIDKey, userID)
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func UserID(ctx context.Context) string {
	if id, ok := ctx.Value(userIDKey).(string); ok {
		return id
	}
	return ""
}

func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// Helpers for testing
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}
