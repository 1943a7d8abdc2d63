package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultKeyCacheSize = 10
	DefaultKeyCacheTTL  = time.Hour

	// MinKeySetRefetch bounds how often cache misses may hit the key endpoint.
	MinKeySetRefetch = 10 * time.Second
)

// KeyResolver looks up the provider's public signing keys by key id.
// Keys are cached in a bounded LRU with a TTL; a miss fetches the published
// key set once per key id even under concurrent callers.
type KeyResolver struct {
	jwksURL string
	client  *http.Client
	cache   *expirable.LRU[string, jose.JSONWebKey]
	group   singleflight.Group
	logger  *slog.Logger

	mu          sync.Mutex
	lastFetch   time.Time
	minInterval time.Duration
	now         func() time.Time
}

// NewKeyResolver builds a resolver for the key set published at jwksURL.
func NewKeyResolver(jwksURL string, client *http.Client, size int, ttl time.Duration, logger *slog.Logger) *KeyResolver {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if size <= 0 {
		size = DefaultKeyCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultKeyCacheTTL
	}
	return &KeyResolver{
		jwksURL: jwksURL,
		client:  client,
		cache:   expirable.NewLRU[string, jose.JSONWebKey](size, nil, ttl),
		logger:  logger,

		minInterval: MinKeySetRefetch,
		now:         time.Now,
	}
}

// Resolve returns the public key for kid. An empty kid resolves only when the
// published set holds exactly one signing key. Misses within MinKeySetRefetch
// of the previous fetch fail without contacting the key endpoint.
func (k *KeyResolver) Resolve(ctx context.Context, kid string) (jose.JSONWebKey, error) {
	if key, ok := k.cache.Get(kid); ok {
		return key, nil
	}

	ch := k.group.DoChan(kid, func() (any, error) {
		// The fetch outlives a cancelled first caller so later waiters still get a result.
		return k.fetch(context.WithoutCancel(ctx), kid)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return jose.JSONWebKey{}, res.Err
		}
		return res.Val.(jose.JSONWebKey), nil
	case <-ctx.Done():
		return jose.JSONWebKey{}, fmt.Errorf("%w: %v", ErrKeyResolution, ctx.Err())
	}
}

func (k *KeyResolver) fetch(ctx context.Context, kid string) (jose.JSONWebKey, error) {
	k.mu.Lock()
	now := k.now()
	if !k.lastFetch.IsZero() && now.Sub(k.lastFetch) < k.minInterval {
		since := now.Sub(k.lastFetch)
		k.mu.Unlock()
		return jose.JSONWebKey{}, fmt.Errorf("%w: key %q unknown, key set fetched %s ago", ErrKeyResolution, kid, since.Round(time.Millisecond))
	}
	k.lastFetch = now
	k.mu.Unlock()

	set, err := k.fetchSet(ctx)
	if err != nil {
		k.logger.Warn("jwks fetch failed", "url", k.jwksURL, "error", err)
		return jose.JSONWebKey{}, fmt.Errorf("%w: %v", ErrKeyResolution, err)
	}

	var signing []jose.JSONWebKey
	for _, key := range set.Keys {
		if key.Use != "" && key.Use != "sig" {
			continue
		}
		signing = append(signing, key)
		if key.KeyID != "" {
			k.cache.Add(key.KeyID, key)
		}
	}

	if kid == "" {
		if len(signing) != 1 {
			return jose.JSONWebKey{}, fmt.Errorf("%w: token has no kid and key set holds %d keys", ErrKeyResolution, len(signing))
		}
		k.cache.Add("", signing[0])
		return signing[0], nil
	}

	for _, key := range signing {
		if key.KeyID == kid {
			return key, nil
		}
	}
	return jose.JSONWebKey{}, fmt.Errorf("%w: key %q not published", ErrKeyResolution, kid)
}

func (k *KeyResolver) fetchSet(ctx context.Context) (jose.JSONWebKeySet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, k.jwksURL, nil)
	if err != nil {
		return jose.JSONWebKeySet{}, fmt.Errorf("create jwks request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := k.client.Do(req)
	if err != nil {
		return jose.JSONWebKeySet{}, fmt.Errorf("fetch jwks: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return jose.JSONWebKeySet{}, fmt.Errorf("jwks returned %s: %s", resp.Status, body)
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return jose.JSONWebKeySet{}, fmt.Errorf("decode jwks: %w", err)
	}
	return set, nil
}
