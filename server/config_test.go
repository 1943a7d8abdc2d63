package server

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func validConfig() Config {
	cfg := DefaultConfig()
	cfg.Provider.Issuer = testIssuer
	cfg.Provider.ClientID = testAudience
	return cfg
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigAppliesEnvOverrides(t *testing.T) {
	path := writeConfig(t, `server:
  public_url: http://localhost:8080
  dev_mode: true
provider:
  issuer: https://idp.example.com/realms/main
  client_id: web
# comment lines are ignored
session:
  max_age: 720h
  refresh_buffer: 30s
`)

	t.Setenv("OIDCBFF_PUBLIC_URL", "http://app.localhost:3000")
	t.Setenv("OIDCBFF_PROVIDER_CLIENT_ID", "spa")
	t.Setenv("OIDCBFF_SESSION_SPLIT_COOKIES", "yes")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}

	if cfg.Server.PublicURL != "http://app.localhost:3000" {
		t.Fatalf("PublicURL override mismatch, got %q", cfg.Server.PublicURL)
	}
	if cfg.Provider.ClientID != "spa" {
		t.Fatalf("ClientID override mismatch, got %q", cfg.Provider.ClientID)
	}
	if !cfg.Session.SplitCookies {
		t.Fatalf("expected split cookies from env")
	}
	if cfg.Session.MaxAge != 720*time.Hour || cfg.Session.RefreshBuffer != 30*time.Second {
		t.Fatalf("durations not decoded: %+v", cfg.Session)
	}
	if cfg.Session.CookiePrefix != DefaultCookiePrefix || cfg.Provider.ActionParam != DefaultActionParam {
		t.Fatalf("defaults lost: %+v", cfg)
	}
	if cfg.RedirectURL() != "http://app.localhost:3000/api/auth/callback" {
		t.Fatalf("unexpected redirect url %q", cfg.RedirectURL())
	}
}

func TestLoadConfigRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, `server:
  public_url: http://localhost:8080
  unknown_field: value
provider:
  issuer: https://idp.example.com
  client_id: web
`)

	_, err := LoadConfig(path)
	if err == nil {
		t.Fatalf("expected error for unknown field")
	}
	if !containsAny(err.Error(), []string{"unknown_field", "not found", "field"}) {
		t.Fatalf("error should mention unknown field, got: %v", err)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestDefaultConfigNeedsProvider(t *testing.T) {
	if err := DefaultConfig().Validate(); err == nil {
		t.Fatalf("default config must not validate without a provider")
	}
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}

func TestSplitAndTrimRemovesEmpty(t *testing.T) {
	in := " a , ,b,, c "
	out := splitAndTrim(in)
	expected := []string{"a", "b", "c"}
	if len(out) != len(expected) {
		t.Fatalf("unexpected length: got %d want %d", len(out), len(expected))
	}
	for i := range expected {
		if out[i] != expected[i] {
			t.Fatalf("element %d mismatch: got %q want %q", i, out[i], expected[i])
		}
	}
}

func TestParseBoolFallback(t *testing.T) {
	if parseBool("", true) != true {
		t.Fatalf("empty input should return fallback true")
	}
	if parseBool("invalid", false) != false {
		t.Fatalf("invalid input should return fallback false")
	}
	if parseBool("YES", false) != true {
		t.Fatalf("expected true for yes")
	}
	if parseBool("0", true) != false {
		t.Fatalf("expected false for zero")
	}
}

func TestParseDurationFallback(t *testing.T) {
	fallback := 5 * time.Minute
	if parseDuration("bogus", fallback) != fallback {
		t.Fatalf("invalid duration should return fallback")
	}
	if parseDuration("30s", fallback) != 30*time.Second {
		t.Fatalf("parsed duration mismatch")
	}
}

func TestConfigValidationErrorMessages(t *testing.T) {
	tests := []struct {
		name          string
		setupConfig   func(*Config)
		expectedError []string
	}{
		{
			name:          "missing_public_url",
			setupConfig:   func(c *Config) { c.Server.PublicURL = "" },
			expectedError: []string{"public_url", "required"},
		},
		{
			name:          "invalid_public_url_format",
			setupConfig:   func(c *Config) { c.Server.PublicURL = "localhost:8080" },
			expectedError: []string{"http://", "https://"},
		},
		{
			name:          "production_without_domains",
			setupConfig:   func(c *Config) { c.Server.DevMode = false },
			expectedError: []string{"tls.domains"},
		},
		{
			name:          "missing_issuer",
			setupConfig:   func(c *Config) { c.Provider.Issuer = "" },
			expectedError: []string{"issuer"},
		},
		{
			name:          "missing_client_id",
			setupConfig:   func(c *Config) { c.Provider.ClientID = "" },
			expectedError: []string{"client_id"},
		},
		{
			name:          "zero_timeout",
			setupConfig:   func(c *Config) { c.Provider.Timeout = 0 },
			expectedError: []string{"timeout"},
		},
		{
			name:          "unknown_same_site",
			setupConfig:   func(c *Config) { c.Session.SameSite = "sometimes" },
			expectedError: []string{"same_site"},
		},
		{
			name:          "same_site_none_in_dev",
			setupConfig:   func(c *Config) { c.Session.SameSite = "none" },
			expectedError: []string{"secure"},
		},
		{
			name:          "empty_cookie_prefix",
			setupConfig:   func(c *Config) { c.Session.CookiePrefix = "" },
			expectedError: []string{"cookie_prefix"},
		},
		{
			name:          "negative_buffer",
			setupConfig:   func(c *Config) { c.Session.RefreshBuffer = -time.Second },
			expectedError: []string{"refresh_buffer"},
		},
		{
			name: "relative_proxy_prefix",
			setupConfig: func(c *Config) {
				c.Proxy.Routes = []ProxyRoute{{Prefix: "app", Target: "http://backend:3000"}}
			},
			expectedError: []string{"prefix"},
		},
		{
			name: "proxy_shadows_auth_routes",
			setupConfig: func(c *Config) {
				c.Proxy.Routes = []ProxyRoute{{Prefix: "/api/auth/extra", Target: "http://backend:3000"}}
			},
			expectedError: []string{"overlaps"},
		},
		{
			name: "invalid_proxy_target",
			setupConfig: func(c *Config) {
				c.Proxy.Routes = []ProxyRoute{{Prefix: "/app", Target: "ftp://backend"}}
			},
			expectedError: []string{"target"},
		},
		{
			name: "invalid_proxy_timeout",
			setupConfig: func(c *Config) {
				c.Proxy.Routes = []ProxyRoute{{Prefix: "/app", Target: "http://backend:3000", Timeout: "5 minutes"}}
			},
			expectedError: []string{"timeout", "duration"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.setupConfig(&cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !containsAny(err.Error(), tt.expectedError) {
				t.Errorf("error should contain one of %v, got: %v", tt.expectedError, err)
			}
		})
	}
}

func containsAny(s string, substrs []string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
