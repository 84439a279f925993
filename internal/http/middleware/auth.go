package middleware

import (
	"context"
	"net/http"
)

type contextKey string

const SubjectKey contextKey = "subject"

// SessionLookup reports the subject of the active session
type SessionLookup func(ctx context.Context) (subject string, ok bool)

// RequireSession answers 401 when no session is stored and otherwise puts
// the subject id in the request context.
func RequireSession(lookup SessionLookup) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subject, ok := lookup(r.Context())
			if !ok {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"no active session","kind":"auth"}`))
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), SubjectKey, subject)))
		})
	}
}

// Subject returns the subject stored by RequireSession
func Subject(ctx context.Context) string {
	s, _ := ctx.Value(SubjectKey).(string)
	return s
}
