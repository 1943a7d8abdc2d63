package server

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// AuthPathPrefix is where the auth endpoints and the login cookies live.
const AuthPathPrefix = "/api/auth"

// Session and provider defaults.
const (
	DefaultProviderTimeout = 30 * time.Second
	DefaultSessionMaxAge   = 365 * 24 * time.Hour
	DefaultLoginTTL        = 5 * time.Minute
	DefaultCookiePrefix    = "ses_"
	DefaultActionParam     = "kc_action"
)

// Config captures the full application configuration loaded from YAML and environment variables.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Provider ProviderConfig `yaml:"provider"`
	Session  SessionConfig  `yaml:"session"`
	Proxy    ProxyConfig    `yaml:"proxy"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL       string    `yaml:"public_url"`
	ListenAddr      string    `yaml:"listen_addr"`
	HTTPSListenAddr string    `yaml:"https_listen_addr"`
	DevMode         bool      `yaml:"dev_mode"`
	CookieDomain    string    `yaml:"cookie_domain"`
	TLS             TLSConfig `yaml:"tls"`
}

// TLSConfig defines autocert behaviour for production mode.
type TLSConfig struct {
	Domains    []string `yaml:"domains"`
	Email      string   `yaml:"email"`
	CacheDir   string   `yaml:"cache_dir"`
	HSTSMaxAge int      `yaml:"hsts_max_age"`
}

// ProviderConfig describes the upstream OpenID Connect provider.
type ProviderConfig struct {
	Issuer        string        `yaml:"issuer"`
	ClientID      string        `yaml:"client_id"`
	ClientSecret  string        `yaml:"client_secret"`
	Scopes        []string      `yaml:"scopes"`
	Audience      string        `yaml:"audience"`
	JWKSURL       string        `yaml:"jwks_url"`
	RevocationURL string        `yaml:"revocation_url"`
	ActionParam   string        `yaml:"action_param"`
	Timeout       time.Duration `yaml:"timeout"`
}

// SessionConfig shapes the cookie-carried session.
type SessionConfig struct {
	CookiePrefix  string        `yaml:"cookie_prefix"`
	SplitCookies  bool          `yaml:"split_cookies"`
	MaxAge        time.Duration `yaml:"max_age"`
	SameSite      string        `yaml:"same_site"`
	RefreshBuffer time.Duration `yaml:"refresh_buffer"`
	LoginTTL      time.Duration `yaml:"login_ttl"`
	KeyCacheSize  int           `yaml:"key_cache_size"`
	KeyCacheTTL   time.Duration `yaml:"key_cache_ttl"`
}

// ProxyConfig lists upstream applications served behind the auth gate.
type ProxyConfig struct {
	Routes []ProxyRoute `yaml:"routes"`
}

// ProxyRoute maps a path prefix to a backend target.
type ProxyRoute struct {
	Prefix       string `yaml:"prefix"`
	Target       string `yaml:"target"`
	StripPrefix  bool   `yaml:"strip_prefix"`
	PreserveHost bool   `yaml:"preserve_host"`
	RequireAuth  bool   `yaml:"require_auth"`
	InjectBearer bool   `yaml:"inject_bearer"`
	Timeout      string `yaml:"timeout"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}

		decoder := yaml.NewDecoder(bytes.NewReader(stripYAMLComments(b)))
		decoder.KnownFields(true)

		if err := decoder.Decode(&cfg); err != nil {
			if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
				slog.Error("Configuration contains unknown keys", "error", err, "file", path)
				return Config{}, fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
			}
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://127.0.0.1:3000",
			ListenAddr:      "127.0.0.1:3000",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			TLS: TLSConfig{
				CacheDir:   ".secrets/tls",
				HSTSMaxAge: 63072000,
			},
		},
		Provider: ProviderConfig{
			Scopes:      []string{"openid"},
			ActionParam: DefaultActionParam,
			Timeout:     DefaultProviderTimeout,
		},
		Session: SessionConfig{
			CookiePrefix:  DefaultCookiePrefix,
			MaxAge:        DefaultSessionMaxAge,
			SameSite:      "strict",
			RefreshBuffer: DefaultRefreshBuffer,
			LoginTTL:      DefaultLoginTTL,
			KeyCacheSize:  DefaultKeyCacheSize,
			KeyCacheTTL:   DefaultKeyCacheTTL,
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func stripYAMLComments(in []byte) []byte {
	lines := bytes.Split(in, []byte("\n"))
	out := make([][]byte, 0, len(lines))
	for _, line := range lines {
		trim := bytes.TrimLeft(line, " \t")
		if len(trim) > 0 && trim[0] == '#' {
			continue
		}
		out = append(out, line)
	}
	return bytes.Join(out, []byte("\n"))
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"OIDCBFF_PUBLIC_URL":             func(v string) { cfg.Server.PublicURL = v },
		"OIDCBFF_LISTEN_ADDR":            func(v string) { cfg.Server.ListenAddr = v },
		"OIDCBFF_DEV_MODE":               func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"OIDCBFF_TLS_DOMAINS":            func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"OIDCBFF_TLS_EMAIL":              func(v string) { cfg.Server.TLS.Email = v },
		"OIDCBFF_PROVIDER_ISSUER":        func(v string) { cfg.Provider.Issuer = v },
		"OIDCBFF_PROVIDER_CLIENT_ID":     func(v string) { cfg.Provider.ClientID = v },
		"OIDCBFF_PROVIDER_CLIENT_SECRET": func(v string) { cfg.Provider.ClientSecret = v },
		"OIDCBFF_PROVIDER_AUDIENCE":      func(v string) { cfg.Provider.Audience = v },
		"OIDCBFF_PROVIDER_TIMEOUT":       func(v string) { cfg.Provider.Timeout = parseDuration(v, cfg.Provider.Timeout) },
		"OIDCBFF_SESSION_SPLIT_COOKIES":  func(v string) { cfg.Session.SplitCookies = parseBool(v, cfg.Session.SplitCookies) },
		"OIDCBFF_SESSION_REFRESH_BUFFER": func(v string) { cfg.Session.RefreshBuffer = parseDuration(v, cfg.Session.RefreshBuffer) },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func parseSameSite(val string) http.SameSite {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "lax":
		return http.SameSiteLaxMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteStrictMode
	}
}

// Validate performs sanity checks on the config.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		slog.Error("Missing required configuration", "field", "server.public_url")
		return errors.New("server.public_url is required")
	}
	if !strings.HasPrefix(c.Server.PublicURL, "http://") && !strings.HasPrefix(c.Server.PublicURL, "https://") {
		slog.Error("Invalid configuration value", "field", "server.public_url", "value", c.Server.PublicURL, "reason", "must start with http:// or https://")
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
	}
	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		slog.Error("Missing required configuration for production mode", "field", "server.tls.domains")
		return errors.New("server.tls.domains must be provided in production")
	}

	if c.Provider.Issuer == "" {
		slog.Error("Missing required configuration", "field", "provider.issuer")
		return errors.New("provider.issuer is required")
	}
	if _, err := url.Parse(c.Provider.Issuer); err != nil {
		return fmt.Errorf("provider.issuer: %w", err)
	}
	if c.Provider.ClientID == "" {
		slog.Error("Missing required configuration", "field", "provider.client_id")
		return errors.New("provider.client_id is required")
	}
	if c.Provider.Timeout <= 0 {
		return fmt.Errorf("provider.timeout must be positive, got: %s", c.Provider.Timeout)
	}

	switch strings.ToLower(c.Session.SameSite) {
	case "", "strict", "lax":
	case "none":
		if c.Server.DevMode {
			return errors.New("session.same_site none requires secure cookies, disable dev_mode")
		}
	default:
		return fmt.Errorf("session.same_site must be strict, lax or none, got: %s", c.Session.SameSite)
	}
	if c.Session.CookiePrefix == "" {
		return errors.New("session.cookie_prefix is required")
	}
	if c.Session.MaxAge <= 0 {
		return fmt.Errorf("session.max_age must be positive, got: %s", c.Session.MaxAge)
	}
	if c.Session.RefreshBuffer < 0 {
		return fmt.Errorf("session.refresh_buffer must not be negative, got: %s", c.Session.RefreshBuffer)
	}
	if c.Session.KeyCacheSize < 0 {
		return fmt.Errorf("session.key_cache_size must not be negative, got: %d", c.Session.KeyCacheSize)
	}

	for i, route := range c.Proxy.Routes {
		if !strings.HasPrefix(route.Prefix, "/") {
			slog.Error("Proxy route prefix must be absolute", "index", i, "prefix", route.Prefix)
			return fmt.Errorf("proxy.routes[%d]: prefix must start with /, got: %q", i, route.Prefix)
		}
		if strings.HasPrefix(route.Prefix, AuthPathPrefix) {
			return fmt.Errorf("proxy.routes[%d] (%s): prefix overlaps %s", i, route.Prefix, AuthPathPrefix)
		}
		if !strings.HasPrefix(route.Target, "http://") && !strings.HasPrefix(route.Target, "https://") {
			slog.Error("Invalid proxy target URL", "prefix", route.Prefix, "target", route.Target, "reason", "must be a valid HTTP(S) URL")
			return fmt.Errorf("proxy.routes[%d] (%s): target must start with http:// or https://, got: %s", i, route.Prefix, route.Target)
		}
		if route.Timeout != "" {
			if _, err := time.ParseDuration(route.Timeout); err != nil {
				return fmt.Errorf("proxy.routes[%d] (%s): invalid timeout duration '%s': %w", i, route.Prefix, route.Timeout, err)
			}
		}
	}

	return nil
}

// RedirectURL is the callback address registered with the provider.
func (c Config) RedirectURL() string {
	return strings.TrimSuffix(c.Server.PublicURL, "/") + AuthPathPrefix + "/callback"
}
