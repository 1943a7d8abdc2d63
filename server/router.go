package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router. Every route, proxied ones included,
// runs behind the auth gate.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))
	if !a.Config.Server.DevMode {
		r.Use(SecurityHeadersMiddleware(a.Config.Server.TLS.HSTSMaxAge))
	}

	r.Get("/healthz", a.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(AuthGate(a.Sessions, a.Logger))

		r.Route(AuthPathPrefix, func(r chi.Router) {
			r.Get("/login", a.handleLogin)
			r.Get("/callback", a.handleCallback)
			r.Get("/change-password", a.handleChangePassword)
			r.Get("/update-profile", a.handleUpdateProfile)
			r.Post("/logout", a.handleLogout)
			r.Get("/me", a.handleMe)
			r.Post("/token", a.handleToken)
		})

		if a.Proxy != nil {
			a.Proxy.Mount(r)
		}
	})

	return r
}
