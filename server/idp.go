package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// TokenPair is the credential set carried in the session cookie.
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	// Expiry is the access token expiry in epoch seconds as declared by the provider.
	Expiry int64 `json:"expiresAt,omitempty"`
}

// Empty reports whether the pair carries no token material.
func (p TokenPair) Empty() bool {
	return p.AccessToken == "" && p.RefreshToken == ""
}

// IdentityProvider is the upstream authorization server. Errors wrap
// ErrProviderUnreachable for transport failures and ErrProviderRejected for
// protocol rejections.
type IdentityProvider interface {
	AuthorizationURL(state, codeVerifier string, opts ...oauth2.AuthCodeOption) string
	ExchangeCode(ctx context.Context, code, codeVerifier string) (TokenPair, error)
	Refresh(ctx context.Context, refreshToken string) (TokenPair, error)
	Revoke(ctx context.Context, refreshToken string) error
}

// OIDCProvider talks to a discovered OpenID Connect provider.
type OIDCProvider struct {
	oauthConfig   *oauth2.Config
	client        *http.Client
	jwksURL       string
	revocationURL string
	logger        *slog.Logger
}

// NewOIDCProvider initializes the provider via discovery. Explicit JWKS and
// revocation URLs in cfg take precedence over discovered ones.
func NewOIDCProvider(ctx context.Context, cfg ProviderConfig, redirect string, client *http.Client, logger *slog.Logger) (*OIDCProvider, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("provider issuer required")
	}

	op, err := oidc.NewProvider(oidc.ClientContext(ctx, client), cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("discover provider: %w", err)
	}

	var meta struct {
		JWKSURL       string `json:"jwks_uri"`
		RevocationURL string `json:"revocation_endpoint"`
	}
	if err := op.Claims(&meta); err != nil {
		return nil, fmt.Errorf("parse discovery document: %w", err)
	}

	endpoint := op.Endpoint()
	if cfg.ClientSecret == "" {
		endpoint.AuthStyle = oauth2.AuthStyleInParams
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID}
	}

	p := &OIDCProvider{
		oauthConfig: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  redirect,
			Endpoint:     endpoint,
			Scopes:       scopes,
		},
		client:        client,
		jwksURL:       firstNonEmpty(cfg.JWKSURL, meta.JWKSURL),
		revocationURL: firstNonEmpty(cfg.RevocationURL, meta.RevocationURL),
		logger:        logger,
	}
	if p.jwksURL == "" {
		return nil, errors.New("provider publishes no jwks_uri and none configured")
	}
	return p, nil
}

// JWKSURL returns the key publication endpoint.
func (p *OIDCProvider) JWKSURL() string {
	return p.jwksURL
}

// AuthorizationURL builds the authorization request with an S256 code challenge.
func (p *OIDCProvider) AuthorizationURL(state, codeVerifier string, opts ...oauth2.AuthCodeOption) string {
	all := append([]oauth2.AuthCodeOption{oauth2.S256ChallengeOption(codeVerifier)}, opts...)
	return p.oauthConfig.AuthCodeURL(state, all...)
}

// ExchangeCode redeems an authorization code together with its PKCE verifier.
func (p *OIDCProvider) ExchangeCode(ctx context.Context, code, codeVerifier string) (TokenPair, error) {
	tok, err := p.oauthConfig.Exchange(p.clientContext(ctx), code, oauth2.VerifierOption(codeVerifier))
	if err != nil {
		return TokenPair{}, classifyProviderError("exchange code", err)
	}
	return pairFromToken(tok)
}

// Refresh trades a refresh token for a new token pair.
func (p *OIDCProvider) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	src := p.oauthConfig.TokenSource(p.clientContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return TokenPair{}, classifyProviderError("refresh token", err)
	}
	return pairFromToken(tok)
}

// Revoke invalidates a refresh token at the provider (RFC 7009).
func (p *OIDCProvider) Revoke(ctx context.Context, refreshToken string) error {
	if p.revocationURL == "" {
		p.logger.Debug("provider has no revocation endpoint, skipping revoke")
		return nil
	}

	form := url.Values{}
	form.Set("token", refreshToken)
	form.Set("token_type_hint", "refresh_token")
	form.Set("client_id", p.oauthConfig.ClientID)
	if p.oauthConfig.ClientSecret != "" {
		form.Set("client_secret", p.oauthConfig.ClientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.revocationURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("create revoke request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("revoke token: %w: %v", ErrProviderUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if resp.StatusCode >= 500 {
		return fmt.Errorf("revoke token: %w: %s: %s", ErrProviderUnreachable, resp.Status, body)
	}
	return fmt.Errorf("revoke token: %w: %s: %s", ErrProviderRejected, resp.Status, body)
}

func (p *OIDCProvider) clientContext(ctx context.Context) context.Context {
	if p.client == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, p.client)
}

// classifyProviderError separates rejections (4xx token endpoint answers) from
// transport trouble. 5xx answers count as unreachable.
func classifyProviderError(op string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		if re.Response != nil && re.Response.StatusCode >= 500 {
			return fmt.Errorf("%s: %w: %v", op, ErrProviderUnreachable, err)
		}
		return fmt.Errorf("%s: %w: %v", op, ErrProviderRejected, err)
	}
	return fmt.Errorf("%s: %w: %v", op, ErrProviderUnreachable, err)
}

func pairFromToken(tok *oauth2.Token) (TokenPair, error) {
	if tok.AccessToken == "" {
		return TokenPair{}, fmt.Errorf("%w: response has no access token", ErrProviderRejected)
	}
	pair := TokenPair{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
	}
	if !tok.Expiry.IsZero() {
		pair.Expiry = tok.Expiry.Unix()
	}
	return pair, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
