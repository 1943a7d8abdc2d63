package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"oidcbff/server"
)

const maxProbeRedirects = 10

// probeLogin follows the authorization redirect chain once and succeeds when
// it ends on a provider page that renders.
func probeLogin(ctx context.Context, cfg server.Config, logger *slog.Logger, provider server.IdentityProvider, client *http.Client) error {
	if client == nil {
		client = &http.Client{Timeout: cfg.Provider.Timeout}
	}
	if provider == nil {
		p, err := server.NewOIDCProvider(ctx, cfg.Provider, cfg.RedirectURL(), client, logger)
		if err != nil {
			return fmt.Errorf("discover provider: %w", err)
		}
		provider = p
	}

	state := make([]byte, 16)
	if _, err := rand.Read(state); err != nil {
		return fmt.Errorf("generate state: %w", err)
	}
	authURL := provider.AuthorizationURL(hex.EncodeToString(state), oauth2.GenerateVerifier())
	logger.Info("probe.start", "auth_url", authURL)

	// Copy so the caller's client keeps its redirect policy.
	probe := *client
	probe.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		logger.Info("probe.redirect", "step", len(via)+1, "url", req.URL.String())
		if len(via) >= maxProbeRedirects {
			return fmt.Errorf("too many redirects (%d)", len(via))
		}
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, authURL, nil)
	if err != nil {
		return fmt.Errorf("create authorize request: %w", err)
	}
	resp, err := probe.Do(req)
	if err != nil {
		return fmt.Errorf("call authorize endpoint: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	final := resp.Request.URL.String()
	logger.Info("probe.result", "status", resp.StatusCode, "effective_url", final)
	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("provider answered %s at %s", resp.Status, final)
	}
	return nil
}

// checkURLs reports unreachable dependencies through report without failing.
func checkURLs(ctx context.Context, cfg server.Config, logger *slog.Logger, report func(msg string, args ...any)) {
	discovery := strings.TrimSuffix(cfg.Provider.Issuer, "/") + "/.well-known/openid-configuration"
	if err := checkReachable(ctx, discovery); err != nil {
		report("provider discovery may not be accessible", "issuer", cfg.Provider.Issuer, "url", discovery, "error", err)
	} else {
		logger.Info("provider discovery is accessible", "issuer", cfg.Provider.Issuer)
	}

	for i, route := range cfg.Proxy.Routes {
		if err := checkReachable(ctx, route.Target); err != nil {
			report("proxy backend may not be accessible", "index", i, "prefix", route.Prefix, "target", route.Target, "error", err)
			continue
		}
		logger.Debug("proxy backend is accessible", "prefix", route.Prefix, "target", route.Target)
	}
}

func checkReachable(ctx context.Context, target string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := (&http.Client{Timeout: 5 * time.Second}).Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("received status %d", resp.StatusCode)
	}
	return nil
}
