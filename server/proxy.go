package server

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
)

// ProxyManager forwards gated requests to upstream applications.
type ProxyManager struct {
	routes       []*proxyRoute
	cookiePrefix string
	logger       *slog.Logger
}

type proxyRoute struct {
	prefix       string
	target       string
	proxy        *httputil.ReverseProxy
	requireAuth  bool
	injectBearer bool
}

// NewProxyManager creates a proxy manager from configuration.
func NewProxyManager(cfg ProxyConfig, cookiePrefix string, logger *slog.Logger) (*ProxyManager, error) {
	pm := &ProxyManager{cookiePrefix: cookiePrefix, logger: logger}
	for _, routeCfg := range cfg.Routes {
		if err := pm.addRoute(routeCfg); err != nil {
			return nil, fmt.Errorf("invalid proxy route for %s: %w", routeCfg.Prefix, err)
		}
	}
	return pm, nil
}

func (pm *ProxyManager) addRoute(cfg ProxyRoute) error {
	if cfg.Prefix == "" {
		return fmt.Errorf("prefix is required")
	}
	targetURL, err := url.Parse(cfg.Target)
	if err != nil {
		return fmt.Errorf("invalid target URL: %w", err)
	}

	timeout := 30 * time.Second
	if cfg.Timeout != "" {
		parsed, err := time.ParseDuration(cfg.Timeout)
		if err != nil {
			return fmt.Errorf("invalid timeout: %w", err)
		}
		timeout = parsed
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: timeout,
		ExpectContinueTimeout: 1 * time.Second,
	}

	prefix := strings.TrimSuffix(cfg.Prefix, "/")
	route := &proxyRoute{
		prefix:       prefix,
		target:       cfg.Target,
		requireAuth:  cfg.RequireAuth,
		injectBearer: cfg.InjectBearer,
	}

	proxy := httputil.NewSingleHostReverseProxy(targetURL)
	proxy.Transport = transport

	originalDirector := proxy.Director
	proxy.Director = func(req *http.Request) {
		originalHost := req.Host
		originalDirector(req)

		if cfg.StripPrefix && prefix != "" {
			req.URL.Path = strings.TrimPrefix(req.URL.Path, prefix)
			req.URL.RawPath = ""
			if req.URL.Path == "" {
				req.URL.Path = "/"
			}
		}
		if !cfg.PreserveHost {
			req.Host = targetURL.Host
		}

		pm.stripAuthCookies(req)
		req.Header.Del("Authorization")
		if route.injectBearer {
			if sess, ok := SessionFromContext(req.Context()); ok {
				req.Header.Set("Authorization", "Bearer "+sess.Token)
			}
		}

		req.Header.Set("X-Forwarded-Proto", schemeFromRequest(req))
		req.Header.Set("X-Forwarded-Host", originalHost)
	}

	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		pm.logger.Error("proxy error",
			"prefix", cfg.Prefix,
			"target", cfg.Target,
			"error", err,
			"path", r.URL.Path,
		)
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
	}

	route.proxy = proxy
	pm.routes = append(pm.routes, route)
	pm.logger.Info("proxy route added",
		"prefix", cfg.Prefix,
		"target", cfg.Target,
		"require_auth", cfg.RequireAuth,
		"inject_bearer", cfg.InjectBearer,
	)
	return nil
}

// Mount registers every route on r. Routes must be mounted behind AuthGate.
func (pm *ProxyManager) Mount(r chi.Router) {
	for _, route := range pm.routes {
		h := pm.handler(route)
		if route.prefix == "" {
			r.Handle("/*", h)
			continue
		}
		r.Handle(route.prefix, h)
		r.Handle(route.prefix+"/*", h)
	}
}

func (pm *ProxyManager) handler(route *proxyRoute) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if route.requireAuth {
			if _, ok := SessionFromContext(r.Context()); !ok {
				pm.logger.Debug("proxy request without session", "prefix", route.prefix, "path", r.URL.Path)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
		}
		route.proxy.ServeHTTP(w, r)
	})
}

// stripAuthCookies keeps session and login cookies away from upstreams.
func (pm *ProxyManager) stripAuthCookies(req *http.Request) {
	cookies := req.Cookies()
	kept := make([]string, 0, len(cookies))
	for _, ck := range cookies {
		if strings.HasPrefix(ck.Name, pm.cookiePrefix) {
			continue
		}
		kept = append(kept, (&http.Cookie{Name: ck.Name, Value: ck.Value}).String())
	}
	if len(kept) == 0 {
		req.Header.Del("Cookie")
		return
	}
	req.Header.Set("Cookie", strings.Join(kept, "; "))
}

func schemeFromRequest(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		return proto
	}
	return "http"
}
