package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
)

type sessionKey struct{}

// AuthGate resolves the session with refresh enabled before every request.
// Cookie mutations (rotated pair or clearance) are copied onto the forwarded
// request and the response. Authentication problems never block the request:
// the handler runs, anonymously if need be.
func AuthGate(resolver *SessionResolver, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			jar := NewJar(NewRequestCookies(r))
			sess, err := resolveSafely(r.Context(), resolver, jar)
			if err != nil && !errors.Is(err, ErrNoSession) {
				logger.Warn("auth gate continuing anonymously", "path", r.URL.Path, "error", err)
			}

			ctx := r.Context()
			if sess != nil {
				ctx = context.WithValue(ctx, sessionKey{}, sess)
				setRequestSubject(ctx, sess.User.ID)
			}
			r = r.Clone(ctx)

			if jar.Changed() {
				jar.Apply(NewRequestCookies(r))
				jar.Flush(w)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// SessionFromContext returns the session resolved by AuthGate.
func SessionFromContext(ctx context.Context) (*Session, bool) {
	sess, ok := ctx.Value(sessionKey{}).(*Session)
	return sess, ok && sess != nil
}

func resolveSafely(ctx context.Context, resolver *SessionResolver, store CookieStore) (sess *Session, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			sess, err = nil, fmt.Errorf("session resolution panicked: %v", rec)
		}
	}()
	return resolver.Resolve(ctx, store, true)
}
