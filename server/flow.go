package server

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"golang.org/x/oauth2"
)

// Required actions understood by Keycloak-style providers.
const (
	ActionUpdatePassword = "UPDATE_PASSWORD"
	ActionUpdateProfile  = "UPDATE_PROFILE"
)

// AccessTokenVerifier validates access tokens before they back a session.
type AccessTokenVerifier interface {
	Verify(ctx context.Context, raw string) (*Claims, error)
}

// LoginAttempt is a freshly started authorization code flow.
type LoginAttempt struct {
	URL          string
	State        string
	CodeVerifier string
}

// LoginFlow starts and completes PKCE authorization code logins. The state
// and verifier live in short-lived cookies scoped to the auth endpoints.
type LoginFlow struct {
	provider     IdentityProvider
	verifier     AccessTokenVerifier
	actionParam  string
	stateName    string
	verifierName string
	opts         CookieOptions
	logger       *slog.Logger
}

// NewLoginFlow wires the flow to its provider and verifier.
func NewLoginFlow(provider IdentityProvider, verifier AccessTokenVerifier, cfg Config, logger *slog.Logger) *LoginFlow {
	return &LoginFlow{
		provider:     provider,
		verifier:     verifier,
		actionParam:  cfg.Provider.ActionParam,
		stateName:    cfg.Session.CookiePrefix + "oauth_state",
		verifierName: cfg.Session.CookiePrefix + "oauth_verifier",
		opts: CookieOptions{
			Path:     AuthPathPrefix,
			MaxAge:   cfg.Session.LoginTTL,
			HTTPOnly: true,
			Secure:   !cfg.Server.DevMode,
			// Lax so the cookies survive the top-level redirect back from the provider.
			SameSite: http.SameSiteLaxMode,
		},
		logger: logger,
	}
}

// Begin generates state and verifier and derives the authorization URL.
// A non-empty action is forwarded to the provider as a required-action hint.
func (f *LoginFlow) Begin(action string) (LoginAttempt, error) {
	state, err := randomToken(32)
	if err != nil {
		return LoginAttempt{}, fmt.Errorf("generate state: %w", err)
	}
	verifier := oauth2.GenerateVerifier()

	var opts []oauth2.AuthCodeOption
	if action != "" && f.actionParam != "" {
		opts = append(opts, oauth2.SetAuthURLParam(f.actionParam, action))
	}

	return LoginAttempt{
		URL:          f.provider.AuthorizationURL(state, verifier, opts...),
		State:        state,
		CodeVerifier: verifier,
	}, nil
}

// Remember persists the attempt's secrets for the callback.
func (f *LoginFlow) Remember(store CookieStore, attempt LoginAttempt) {
	store.Set(f.stateName, attempt.State, f.opts)
	store.Set(f.verifierName, attempt.CodeVerifier, f.opts)
}

// Complete validates the callback against the remembered attempt, redeems the
// code and verifies the issued access token. The one-shot cookies are deleted
// whatever the outcome. Transport failures wrap ErrProviderUnreachable, every
// other failure wraps ErrLoginFailed.
func (f *LoginFlow) Complete(ctx context.Context, store CookieStore, code, state string) (TokenPair, error) {
	expectedState, _ := store.Get(f.stateName)
	codeVerifier, _ := store.Get(f.verifierName)
	f.Abandon(store)

	if code == "" || expectedState == "" || codeVerifier == "" {
		return TokenPair{}, fmt.Errorf("%w: missing code or login cookies", ErrLoginFailed)
	}
	if subtle.ConstantTimeCompare([]byte(state), []byte(expectedState)) != 1 {
		return TokenPair{}, fmt.Errorf("%w: state mismatch", ErrLoginFailed)
	}

	pair, err := f.provider.ExchangeCode(ctx, code, codeVerifier)
	if err != nil {
		if errors.Is(err, ErrProviderUnreachable) {
			f.logger.Error("code exchange failed", "error", err)
			return TokenPair{}, err
		}
		return TokenPair{}, fmt.Errorf("%w: %v", ErrLoginFailed, err)
	}

	claims, err := f.verifier.Verify(ctx, pair.AccessToken)
	if err != nil {
		return TokenPair{}, fmt.Errorf("%w: issued token unusable: %v", ErrLoginFailed, err)
	}
	if pair.Expiry == 0 {
		pair.Expiry = claims.Expiry()
	}
	return pair, nil
}

// Abandon deletes the one-shot login cookies.
func (f *LoginFlow) Abandon(store CookieStore) {
	store.Delete(f.stateName, f.opts)
	store.Delete(f.verifierName, f.opts)
}

func randomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
