// Package client keeps a process-local view of the caller's session with the
// auth service, deduplicating concurrent identity and token fetches.
package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultTokenBuffer is how long before expiry a cached token is refetched.
const DefaultTokenBuffer = 10 * time.Second

// ErrUnauthorized is returned by a Fetcher when the service reports no session.
var ErrUnauthorized = errors.New("unauthorized")

// Identity mirrors the user returned by the service.
type Identity struct {
	ID                string `json:"id"`
	Email             string `json:"email"`
	EmailVerified     bool   `json:"emailVerified"`
	Name              string `json:"name"`
	PreferredUsername string `json:"preferredUsername"`
	GivenName         string `json:"givenName"`
	FamilyName        string `json:"familyName"`
}

// Token is an access token with its absolute expiry in epoch seconds.
type Token struct {
	Value     string `json:"token"`
	ExpiresAt int64  `json:"expires"`
}

// Fetcher performs the network calls behind a SessionCache.
type Fetcher interface {
	Identity(ctx context.Context) (*Identity, error)
	Token(ctx context.Context) (*Token, error)
	Logout(ctx context.Context) error
}

const (
	identityKey = "identity"
	tokenKey    = "token"
)

// SessionCache caches the identity and access token. At most one identity
// fetch and one token fetch are in flight at any time; concurrent callers
// share the outcome. Clear discards the results of fetches already running.
type SessionCache struct {
	fetcher Fetcher
	buffer  time.Duration
	now     func() time.Time

	mu    sync.Mutex
	user  *Identity
	token *Token
	gen   uint64
	group singleflight.Group
}

// NewSessionCache creates a cache. A non-positive buffer selects DefaultTokenBuffer.
func NewSessionCache(fetcher Fetcher, buffer time.Duration) *SessionCache {
	if buffer <= 0 {
		buffer = DefaultTokenBuffer
	}
	return &SessionCache{fetcher: fetcher, buffer: buffer, now: time.Now}
}

// Identity returns the current user, fetching it once if needed. A missing or
// failed result clears the whole cache.
func (c *SessionCache) Identity(ctx context.Context) (*Identity, bool) {
	c.mu.Lock()
	if c.user != nil {
		user := c.user
		c.mu.Unlock()
		return user, true
	}
	c.mu.Unlock()

	v, ok := c.do(ctx, identityKey, func(ctx context.Context, gen uint64) (any, error) {
		user, err := c.fetcher.Identity(ctx)
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.gen != gen {
			return (*Identity)(nil), nil
		}
		if err != nil || user == nil {
			c.clearLocked()
			return (*Identity)(nil), nil
		}
		c.user = user
		return user, nil
	})
	if !ok {
		return nil, false
	}
	user := v.(*Identity)
	return user, user != nil
}

// AccessToken returns a token that outlives the buffer, refreshing it once if
// needed. An unauthorized answer yields no token without touching the cached
// identity; any other failure clears the whole cache.
func (c *SessionCache) AccessToken(ctx context.Context) (string, bool) {
	c.mu.Lock()
	if c.usableLocked() {
		value := c.token.Value
		c.mu.Unlock()
		return value, true
	}
	c.mu.Unlock()

	v, ok := c.do(ctx, tokenKey, func(ctx context.Context, gen uint64) (any, error) {
		tok, err := c.fetcher.Token(ctx)
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.gen != gen {
			return (*Token)(nil), nil
		}
		switch {
		case errors.Is(err, ErrUnauthorized):
			c.token = nil
			return (*Token)(nil), nil
		case err != nil || tok == nil:
			c.clearLocked()
			return (*Token)(nil), nil
		}
		c.token = tok
		return tok, nil
	})
	if !ok {
		return "", false
	}
	tok := v.(*Token)
	if tok == nil {
		return "", false
	}
	return tok.Value, true
}

// Refresh drops the cached identity and fetches it again. A refresh issued
// while an identity fetch is running joins that fetch instead of starting a
// second one.
func (c *SessionCache) Refresh(ctx context.Context) (*Identity, bool) {
	c.mu.Lock()
	c.user = nil
	c.mu.Unlock()
	return c.Identity(ctx)
}

// Clear forgets everything. Fetches still in flight complete but their
// results are discarded.
func (c *SessionCache) Clear() {
	c.mu.Lock()
	c.clearLocked()
	c.mu.Unlock()
	c.group.Forget(identityKey)
	c.group.Forget(tokenKey)
}

// Logout ends the session with the service and clears the cache. The cache is
// cleared even when the call fails.
func (c *SessionCache) Logout(ctx context.Context) error {
	err := c.fetcher.Logout(ctx)
	c.Clear()
	return err
}

func (c *SessionCache) do(ctx context.Context, key string, fn func(ctx context.Context, gen uint64) (any, error)) (any, bool) {
	ch := c.group.DoChan(key, func() (any, error) {
		c.mu.Lock()
		gen := c.gen
		c.mu.Unlock()
		return fn(context.WithoutCancel(ctx), gen)
	})
	select {
	case res := <-ch:
		return res.Val, true
	case <-ctx.Done():
		return nil, false
	}
}

func (c *SessionCache) usableLocked() bool {
	return c.token != nil && c.now().Add(c.buffer).Unix() < c.token.ExpiresAt
}

func (c *SessionCache) clearLocked() {
	c.gen++
	c.user = nil
	c.token = nil
}
