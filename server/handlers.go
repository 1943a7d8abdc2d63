package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
)

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config   Config
	Logger   *slog.Logger
	Provider IdentityProvider
	Keys     *KeyResolver
	Verifier AccessTokenVerifier
	Sessions *SessionResolver
	Login    *LoginFlow
	Proxy    *ProxyManager
}

// NewApp discovers the provider and wires together the application state.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	client := &http.Client{Timeout: cfg.Provider.Timeout}

	discoverCtx, cancel := context.WithTimeout(ctx, cfg.Provider.Timeout)
	defer cancel()
	provider, err := NewOIDCProvider(discoverCtx, cfg.Provider, cfg.RedirectURL(), client, logger)
	if err != nil {
		return nil, err
	}

	keys := NewKeyResolver(provider.JWKSURL(), client, cfg.Session.KeyCacheSize, cfg.Session.KeyCacheTTL, logger)
	verifier := NewTokenVerifier(keys, cfg.Provider.Audience, logger)

	app, err := assembleApp(cfg, logger, provider, verifier)
	if err != nil {
		return nil, err
	}
	app.Keys = keys
	return app, nil
}

func assembleApp(cfg Config, logger *slog.Logger, provider IdentityProvider, verifier AccessTokenVerifier) (*App, error) {
	cookies := NewSessionCookies(cfg)
	app := &App{
		Config:   cfg,
		Logger:   logger,
		Provider: provider,
		Verifier: verifier,
		Sessions: NewSessionResolver(provider, verifier, cookies, cfg.Session.RefreshBuffer, logger),
		Login:    NewLoginFlow(provider, verifier, cfg, logger),
	}

	if len(cfg.Proxy.Routes) > 0 {
		proxy, err := NewProxyManager(cfg.Proxy, cfg.Session.CookiePrefix, logger)
		if err != nil {
			return nil, fmt.Errorf("init proxy: %w", err)
		}
		app.Proxy = proxy
	}
	return app, nil
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *App) handleLogin(w http.ResponseWriter, r *http.Request) {
	a.startLogin(w, r, "")
}

func (a *App) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	a.startLogin(w, r, ActionUpdatePassword)
}

func (a *App) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	a.startLogin(w, r, ActionUpdateProfile)
}

func (a *App) startLogin(w http.ResponseWriter, r *http.Request, action string) {
	attempt, err := a.Login.Begin(action)
	if err != nil {
		a.Logger.Error("begin login", "error", err)
		a.redirectHome(w, r)
		return
	}

	jar := NewJar(NewRequestCookies(r))
	a.Login.Remember(jar, attempt)
	jar.Flush(w)

	a.Logger.Debug("login started", "action", action)
	http.Redirect(w, r, attempt.URL, http.StatusFound)
}

func (a *App) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	jar := NewJar(NewRequestCookies(r))

	if providerErr := q.Get("error"); providerErr != "" {
		a.Logger.Info("provider returned error", "error", providerErr, "description", q.Get("error_description"))
		a.Login.Abandon(jar)
		jar.Flush(w)
		a.redirectHome(w, r)
		return
	}

	pair, err := a.Login.Complete(r.Context(), jar, q.Get("code"), q.Get("state"))
	if err != nil {
		if errors.Is(err, ErrProviderUnreachable) {
			a.Logger.Error("login aborted, provider unreachable", "error", err)
		} else {
			a.Logger.Warn("login failed", "error", err)
		}
		jar.Flush(w)
		a.redirectHome(w, r)
		return
	}

	a.Sessions.Establish(jar, pair)
	jar.Flush(w)
	a.Logger.Info("login completed")
	a.redirectHome(w, r)
}

func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	if _, ok := SessionFromContext(r.Context()); !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	jar := NewJar(NewRequestCookies(r))
	if err := a.Sessions.Logout(r.Context(), jar); err != nil {
		a.Logger.Warn("refresh token revocation failed", "error", err)
	}
	jar.Flush(w)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (a *App) handleMe(w http.ResponseWriter, r *http.Request) {
	sess, ok := SessionFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": sess.User})
}

type tokenResponse struct {
	Token   string `json:"token"`
	Expires int64  `json:"expires"`
}

func (a *App) handleToken(w http.ResponseWriter, r *http.Request) {
	sess, ok := SessionFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, tokenResponse{Token: sess.Token, Expires: sess.TokenExpires})
}

func (a *App) redirectHome(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, a.Config.Server.PublicURL, http.StatusFound)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
