package server

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// DefaultRefreshBuffer is how long before expiry an access token is already
// treated as expired. Resolution often runs well before the code that uses
// the token, so a token must outlive the request that carries it.
const DefaultRefreshBuffer = 20 * time.Second

// Session is an authenticated identity backed by a verified access token.
type Session struct {
	User         Identity `json:"user"`
	Token        string   `json:"token"`
	TokenExpires int64    `json:"tokenExpires"`
}

// SessionResolver turns persisted cookie state into a session, refreshing the
// token pair through the provider when allowed.
type SessionResolver struct {
	provider IdentityProvider
	verifier AccessTokenVerifier
	cookies  *SessionCookies
	buffer   time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// NewSessionResolver constructs a resolver. A non-positive buffer selects DefaultRefreshBuffer.
func NewSessionResolver(provider IdentityProvider, verifier AccessTokenVerifier, cookies *SessionCookies, buffer time.Duration, logger *slog.Logger) *SessionResolver {
	if buffer <= 0 {
		buffer = DefaultRefreshBuffer
	}
	return &SessionResolver{
		provider: provider,
		verifier: verifier,
		cookies:  cookies,
		buffer:   buffer,
		now:      time.Now,
		logger:   logger,
	}
}

// Cookies exposes the persistence layout used by the resolver.
func (s *SessionResolver) Cookies() *SessionCookies {
	return s.cookies
}

// Resolve returns the current session or ErrNoSession.
//
// A verified token that outlives the refresh buffer is returned without
// contacting the provider. Otherwise, when allowRefresh is set and a refresh
// token is present, the pair is refreshed, re-verified and written back to
// store. Callers that cannot propagate cookies to the client must pass
// allowRefresh=false: rotating a refresh token nobody persists would strand
// the client.
//
// A provider outage returns an error wrapping ErrProviderUnreachable and
// leaves store untouched. Any other terminal failure on the refresh path,
// including unusable session cookies, clears them.
func (s *SessionResolver) Resolve(ctx context.Context, store CookieStore, allowRefresh bool) (*Session, error) {
	pair := s.cookies.Load(store)
	if pair.Empty() {
		if allowRefresh {
			// Drops leftovers such as a malformed value or a lone expiry cookie.
			s.cookies.Clear(store)
		}
		return nil, ErrNoSession
	}

	if pair.AccessToken != "" {
		claims, err := s.verifier.Verify(ctx, pair.AccessToken)
		switch {
		case err != nil:
			s.logger.Debug("stored access token not usable", "error", err)
		case !s.expiringSoon(claims.Expiry()):
			return newSession(pair.AccessToken, claims, claims.Expiry()), nil
		default:
			s.logger.Debug("access token inside refresh buffer", "sub", claims.Subject, "exp", claims.Expiry())
		}
	}

	if !allowRefresh {
		return nil, ErrNoSession
	}
	if pair.RefreshToken == "" {
		s.cookies.Clear(store)
		return nil, ErrNoSession
	}
	return s.refresh(ctx, store, pair.RefreshToken)
}

func (s *SessionResolver) refresh(ctx context.Context, store CookieStore, refreshToken string) (*Session, error) {
	next, err := s.provider.Refresh(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, ErrProviderUnreachable) {
			s.logger.Warn("token refresh failed, keeping session cookies", "error", err)
			return nil, err
		}
		s.logger.Info("token refresh rejected, clearing session", "error", err)
		s.cookies.Clear(store)
		return nil, ErrNoSession
	}

	claims, err := s.verifier.Verify(ctx, next.AccessToken)
	if err != nil {
		s.logger.Warn("refreshed access token failed verification, clearing session", "error", err)
		s.cookies.Clear(store)
		return nil, ErrNoSession
	}

	if next.RefreshToken == "" {
		next.RefreshToken = refreshToken
	}
	if next.Expiry == 0 {
		next.Expiry = claims.Expiry()
	}
	s.cookies.Save(store, next)
	return newSession(next.AccessToken, claims, next.Expiry), nil
}

// Establish persists a pair obtained from a completed login.
func (s *SessionResolver) Establish(store CookieStore, pair TokenPair) {
	s.cookies.Save(store, pair)
}

// Logout clears the session cookies and revokes the refresh token. Cookies
// are cleared even when revocation fails.
func (s *SessionResolver) Logout(ctx context.Context, store CookieStore) error {
	pair := s.cookies.Load(store)
	s.cookies.Clear(store)
	if pair.RefreshToken == "" {
		return nil
	}
	return s.provider.Revoke(ctx, pair.RefreshToken)
}

func (s *SessionResolver) expiringSoon(exp int64) bool {
	return s.now().Add(s.buffer).Unix() >= exp
}

func newSession(token string, claims *Claims, expires int64) *Session {
	return &Session{
		User:         claims.Identity(),
		Token:        token,
		TokenExpires: expires,
	}
}
