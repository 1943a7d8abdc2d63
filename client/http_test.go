package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAuthService(t *testing.T) *httptest.Server {
	t.Helper()
	authed := func(r *http.Request) bool {
		ck, err := r.Cookie("ses_tokens")
		return err == nil && ck.Value == "valid"
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/signin", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "ses_tokens", Value: "valid", Path: "/"})
	})
	mux.HandleFunc("/api/auth/me", func(w http.ResponseWriter, r *http.Request) {
		if !authed(r) {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"Unauthorized"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"user": Identity{ID: "alice", Email: "alice@example.com"}})
	})
	mux.HandleFunc("/api/auth/token", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !authed(r) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"token":"at-1","expires":1900000000}`))
	})
	mux.HandleFunc("/api/auth/logout", func(w http.ResponseWriter, r *http.Request) {
		if !authed(r) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "ses_tokens", Value: "", Path: "/", MaxAge: -1})
		_, _ = w.Write([]byte(`{"success":true}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPFetcherLifecycle(t *testing.T) {
	srv := newAuthService(t)
	fetcher, err := NewHTTPFetcher(srv.URL+"/", nil)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = fetcher.Identity(ctx)
	assert.True(t, errors.Is(err, ErrUnauthorized))
	_, err = fetcher.Token(ctx)
	assert.True(t, errors.Is(err, ErrUnauthorized))

	resp, err := fetcher.client.Get(srv.URL + "/signin")
	require.NoError(t, err)
	resp.Body.Close()

	user, err := fetcher.Identity(ctx)
	require.NoError(t, err)
	assert.Equal(t, "alice", user.ID)

	tok, err := fetcher.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "at-1", tok.Value)
	assert.Equal(t, int64(1900000000), tok.ExpiresAt)

	require.NoError(t, fetcher.Logout(ctx))
	_, err = fetcher.Identity(ctx)
	assert.True(t, errors.Is(err, ErrUnauthorized))

	assert.NoError(t, fetcher.Logout(ctx), "logging out twice is not an error")
}

func TestHTTPFetcherServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	fetcher, err := NewHTTPFetcher(srv.URL, srv.Client())
	require.NoError(t, err)

	_, err = fetcher.Token(context.Background())
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrUnauthorized))
}

func TestSessionCacheOverHTTP(t *testing.T) {
	srv := newAuthService(t)
	fetcher, err := NewHTTPFetcher(srv.URL, nil)
	require.NoError(t, err)
	cache := NewSessionCache(fetcher, 0)

	_, ok := cache.Identity(context.Background())
	assert.False(t, ok)

	resp, err := fetcher.client.Get(srv.URL + "/signin")
	require.NoError(t, err)
	resp.Body.Close()

	user, ok := cache.Identity(context.Background())
	require.True(t, ok)
	assert.Equal(t, "alice", user.ID)

	tok, ok := cache.AccessToken(context.Background())
	require.True(t, ok)
	assert.Equal(t, "at-1", tok)

	require.NoError(t, cache.Logout(context.Background()))
	_, ok = cache.AccessToken(context.Background())
	assert.False(t, ok)
}
