package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

// KeyLookup resolves a token's key id to public key material.
type KeyLookup interface {
	Resolve(ctx context.Context, kid string) (jose.JSONWebKey, error)
}

// Identity is the user projected from verified access token claims.
type Identity struct {
	ID                string `json:"id"`
	Email             string `json:"email"`
	EmailVerified     bool   `json:"emailVerified"`
	Name              string `json:"name"`
	PreferredUsername string `json:"preferredUsername"`
	GivenName         string `json:"givenName"`
	FamilyName        string `json:"familyName"`
}

// Claims is the subset of access token claims the service consumes.
type Claims struct {
	jwt.RegisteredClaims
	Email             string `json:"email"`
	EmailVerified     bool   `json:"email_verified"`
	Name              string `json:"name"`
	PreferredUsername string `json:"preferred_username"`
	GivenName         string `json:"given_name"`
	FamilyName        string `json:"family_name"`
}

// Identity maps claims onto the user view.
func (c *Claims) Identity() Identity {
	return Identity{
		ID:                c.Subject,
		Email:             c.Email,
		EmailVerified:     c.EmailVerified,
		Name:              c.Name,
		PreferredUsername: c.PreferredUsername,
		GivenName:         c.GivenName,
		FamilyName:        c.FamilyName,
	}
}

// Expiry returns the exp claim as epoch seconds.
func (c *Claims) Expiry() int64 {
	if c.ExpiresAt == nil {
		return 0
	}
	return c.ExpiresAt.Unix()
}

var signingMethods = []string{
	jwt.SigningMethodRS256.Alg(),
	jwt.SigningMethodRS384.Alg(),
	jwt.SigningMethodRS512.Alg(),
	jwt.SigningMethodPS256.Alg(),
	jwt.SigningMethodES256.Alg(),
	jwt.SigningMethodES384.Alg(),
}

// TokenVerifier checks signature, expiry and audience of access tokens.
type TokenVerifier struct {
	keys     KeyLookup
	audience string
	now      func() time.Time
	logger   *slog.Logger
}

// NewTokenVerifier creates a verifier. An empty audience disables the audience check.
func NewTokenVerifier(keys KeyLookup, audience string, logger *slog.Logger) *TokenVerifier {
	return &TokenVerifier{keys: keys, audience: audience, now: time.Now, logger: logger}
}

// Verify returns the token's claims or an error wrapping ErrVerification.
// The underlying cause is logged, not exposed.
func (v *TokenVerifier) Verify(ctx context.Context, raw string) (*Claims, error) {
	if raw == "" {
		return nil, fmt.Errorf("%w: empty token", ErrVerification)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods(signingMethods),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	claims := &Claims{}
	_, err := jwt.NewParser(opts...).ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		key, err := v.keys.Resolve(ctx, kid)
		if err != nil {
			return nil, err
		}
		if key.Algorithm != "" && key.Algorithm != token.Method.Alg() {
			return nil, fmt.Errorf("key %q is for %s, token uses %s", kid, key.Algorithm, token.Method.Alg())
		}
		pub := key.Public()
		if pub.Key == nil {
			return nil, fmt.Errorf("key %q has no public part", kid)
		}
		return pub.Key, nil
	})
	if err != nil {
		v.logger.Debug("access token rejected", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrVerification, err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: sub missing", ErrVerification)
	}
	return claims, nil
}
