package server

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

const (
	testKeyID    = "test-key"
	testAudience = "web-app"
	testIssuer   = "https://idp.example.com/realms/test"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// keyServer publishes an RSA key set and counts fetches.
type keyServer struct {
	*httptest.Server
	key  *rsa.PrivateKey
	kid  string
	hits atomic.Int32
}

func newKeyServer(t *testing.T) *keyServer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	ks := &keyServer{key: key, kid: testKeyID}
	ks.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ks.hits.Add(1)
		set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
			Key:       &key.PublicKey,
			KeyID:     ks.kid,
			Algorithm: "RS256",
			Use:       "sig",
		}}}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(set)
	}))
	t.Cleanup(ks.Close)
	return ks
}

func (ks *keyServer) sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = ks.kid
	raw, err := tok.SignedString(ks.key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return raw
}

// accessToken issues a token for sub that expires at exp.
func (ks *keyServer) accessToken(t *testing.T, sub string, exp time.Time) string {
	t.Helper()
	return ks.sign(t, jwt.MapClaims{
		"iss":                testIssuer,
		"sub":                sub,
		"aud":                testAudience,
		"exp":                exp.Unix(),
		"iat":                time.Now().Unix(),
		"email":              sub + "@example.com",
		"email_verified":     true,
		"name":               "Test User",
		"preferred_username": sub,
		"given_name":         "Test",
		"family_name":        "User",
	})
}

// fakeProvider is a scripted IdentityProvider.
type fakeProvider struct {
	mu            sync.Mutex
	exchangeCalls int
	refreshCalls  int
	revoked       []string
	onExchange    func(code, verifier string) (TokenPair, error)
	onRefresh     func(refreshToken string) (TokenPair, error)
	revokeErr     error
}

func (p *fakeProvider) AuthorizationURL(state, codeVerifier string, opts ...oauth2.AuthCodeOption) string {
	cfg := oauth2.Config{
		ClientID:    testAudience,
		RedirectURL: "http://127.0.0.1:3000/api/auth/callback",
		Endpoint:    oauth2.Endpoint{AuthURL: testIssuer + "/protocol/openid-connect/auth"},
		Scopes:      []string{"openid"},
	}
	all := append([]oauth2.AuthCodeOption{oauth2.S256ChallengeOption(codeVerifier)}, opts...)
	return cfg.AuthCodeURL(state, all...)
}

func (p *fakeProvider) ExchangeCode(_ context.Context, code, codeVerifier string) (TokenPair, error) {
	p.mu.Lock()
	p.exchangeCalls++
	fn := p.onExchange
	p.mu.Unlock()
	if fn == nil {
		return TokenPair{}, ErrProviderRejected
	}
	return fn(code, codeVerifier)
}

func (p *fakeProvider) Refresh(_ context.Context, refreshToken string) (TokenPair, error) {
	p.mu.Lock()
	p.refreshCalls++
	fn := p.onRefresh
	p.mu.Unlock()
	if fn == nil {
		return TokenPair{}, ErrProviderRejected
	}
	return fn(refreshToken)
}

func (p *fakeProvider) Revoke(_ context.Context, refreshToken string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.revoked = append(p.revoked, refreshToken)
	return p.revokeErr
}

func (p *fakeProvider) calls() (exchange, refresh int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exchangeCalls, p.refreshCalls
}

// testEnv bundles a key server, a scripted provider and the components built on them.
type testEnv struct {
	keys     *keyServer
	provider *fakeProvider
	verifier *TokenVerifier
	cfg      Config
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ks := newKeyServer(t)
	logger := testLogger()
	cfg := DefaultConfig()
	cfg.Provider.Issuer = testIssuer
	cfg.Provider.ClientID = testAudience
	cfg.Provider.Audience = testAudience

	resolver := NewKeyResolver(ks.URL, ks.Client(), DefaultKeyCacheSize, DefaultKeyCacheTTL, logger)
	return &testEnv{
		keys:     ks,
		provider: &fakeProvider{},
		verifier: NewTokenVerifier(resolver, testAudience, logger),
		cfg:      cfg,
	}
}

func (e *testEnv) resolver() *SessionResolver {
	return NewSessionResolver(e.provider, e.verifier, NewSessionCookies(e.cfg), e.cfg.Session.RefreshBuffer, testLogger())
}

func (e *testEnv) app(t *testing.T) *App {
	t.Helper()
	app, err := assembleApp(e.cfg, testLogger(), e.provider, e.verifier)
	if err != nil {
		t.Fatalf("assemble app: %v", err)
	}
	return app
}

// memoryStore is a plain map-backed CookieStore.
type memoryStore map[string]string

func (m memoryStore) Get(name string) (string, bool) {
	v, ok := m[name]
	return v, ok
}

func (m memoryStore) Set(name, value string, _ CookieOptions) { m[name] = value }

func (m memoryStore) Delete(name string, _ CookieOptions) { delete(m, name) }

func (m memoryStore) clone() memoryStore {
	out := make(memoryStore, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// responseCookie finds the last Set-Cookie for name.
func responseCookie(resp *http.Response, name string) (*http.Cookie, bool) {
	var found *http.Cookie
	for _, ck := range resp.Cookies() {
		if ck.Name == name {
			found = ck
		}
	}
	return found, found != nil
}
