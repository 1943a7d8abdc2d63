package server

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestTokenVerifierAcceptsValidToken(t *testing.T) {
	env := newTestEnv(t)
	raw := env.keys.accessToken(t, "alice", time.Now().Add(time.Hour))

	claims, err := env.verifier.Verify(context.Background(), raw)
	if err != nil {
		t.Fatalf("Verify returned error: %v", err)
	}

	id := claims.Identity()
	if id.ID != "alice" || id.Email != "alice@example.com" || !id.EmailVerified {
		t.Fatalf("unexpected identity: %+v", id)
	}
	if id.PreferredUsername != "alice" || id.GivenName != "Test" || id.FamilyName != "User" {
		t.Fatalf("unexpected profile fields: %+v", id)
	}
	if claims.Expiry() == 0 {
		t.Fatalf("expected exp claim to be exposed")
	}
}

func TestTokenVerifierRejects(t *testing.T) {
	env := newTestEnv(t)
	otherKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	forged := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"sub": "mallory",
		"aud": testAudience,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	forged.Header["kid"] = testKeyID
	forgedRaw, err := forged.SignedString(otherKey)
	if err != nil {
		t.Fatalf("sign forged token: %v", err)
	}

	hmac := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "mallory",
		"aud": testAudience,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	hmac.Header["kid"] = testKeyID
	hmacRaw, err := hmac.SignedString([]byte("shared"))
	if err != nil {
		t.Fatalf("sign hmac token: %v", err)
	}

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"malformed", "not.a.jwt"},
		{"expired", env.keys.accessToken(t, "alice", time.Now().Add(-time.Minute))},
		{"wrong_audience", env.keys.sign(t, jwt.MapClaims{
			"sub": "alice",
			"aud": "someone-else",
			"exp": time.Now().Add(time.Hour).Unix(),
		})},
		{"missing_exp", env.keys.sign(t, jwt.MapClaims{"sub": "alice", "aud": testAudience})},
		{"missing_sub", env.keys.sign(t, jwt.MapClaims{
			"aud": testAudience,
			"exp": time.Now().Add(time.Hour).Unix(),
		})},
		{"forged_signature", forgedRaw},
		{"symmetric_algorithm", hmacRaw},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.verifier.Verify(context.Background(), tt.token)
			if !errors.Is(err, ErrVerification) {
				t.Fatalf("expected ErrVerification, got %v", err)
			}
		})
	}
}

func TestTokenVerifierUnknownKeyCollapsesToVerification(t *testing.T) {
	env := newTestEnv(t)
	env.keys.kid = "unpublished"
	raw := env.keys.accessToken(t, "alice", time.Now().Add(time.Hour))
	env.keys.kid = testKeyID

	_, err := env.verifier.Verify(context.Background(), raw)
	if !errors.Is(err, ErrVerification) {
		t.Fatalf("expected ErrVerification, got %v", err)
	}
}

func TestTokenVerifierWithoutAudience(t *testing.T) {
	env := newTestEnv(t)
	resolver := NewKeyResolver(env.keys.URL, env.keys.Client(), 0, 0, testLogger())
	verifier := NewTokenVerifier(resolver, "", testLogger())

	raw := env.keys.sign(t, jwt.MapClaims{
		"sub": "alice",
		"aud": "any-client",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	if _, err := verifier.Verify(context.Background(), raw); err != nil {
		t.Fatalf("expected audience check to be skipped, got %v", err)
	}
}
