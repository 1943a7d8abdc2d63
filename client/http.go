package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"
)

// HTTPFetcher talks to the auth endpoints of the service. Session cookies are
// kept in the client's cookie jar.
type HTTPFetcher struct {
	baseURL string
	client  *http.Client
}

// NewHTTPFetcher creates a fetcher rooted at baseURL. A nil client gets a
// fresh cookie jar.
func NewHTTPFetcher(baseURL string, client *http.Client) (*HTTPFetcher, error) {
	if client == nil {
		jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
		if err != nil {
			return nil, fmt.Errorf("create cookie jar: %w", err)
		}
		client = &http.Client{Jar: jar, Timeout: 30 * time.Second}
	}
	return &HTTPFetcher{baseURL: strings.TrimSuffix(baseURL, "/"), client: client}, nil
}

func (f *HTTPFetcher) Identity(ctx context.Context) (*Identity, error) {
	var body struct {
		User *Identity `json:"user"`
	}
	if err := f.call(ctx, http.MethodGet, "/api/auth/me", &body); err != nil {
		return nil, err
	}
	return body.User, nil
}

func (f *HTTPFetcher) Token(ctx context.Context) (*Token, error) {
	var tok Token
	if err := f.call(ctx, http.MethodPost, "/api/auth/token", &tok); err != nil {
		return nil, err
	}
	if tok.Value == "" {
		return nil, fmt.Errorf("token response without token")
	}
	return &tok, nil
}

// Logout treats an already ended session as success.
func (f *HTTPFetcher) Logout(ctx context.Context) error {
	err := f.call(ctx, http.MethodPost, "/api/auth/logout", nil)
	if errors.Is(err, ErrUnauthorized) {
		return nil
	}
	return err
}

func (f *HTTPFetcher) call(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, f.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrUnauthorized
	case resp.StatusCode != http.StatusOK:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(msg)))
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
