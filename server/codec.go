package server

import (
	"encoding/base64"
	"encoding/json"
	"strconv"
)

// EncodeSession serializes a token pair into an opaque cookie value.
func EncodeSession(pair TokenPair) string {
	b, _ := json.Marshal(pair)
	return base64.RawURLEncoding.EncodeToString(b)
}

// DecodeSession is the inverse of EncodeSession. Malformed input yields an
// empty pair, which callers treat as "not logged in".
func DecodeSession(value string) TokenPair {
	if value == "" {
		return TokenPair{}
	}
	b, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		return TokenPair{}
	}
	var pair TokenPair
	if err := json.Unmarshal(b, &pair); err != nil {
		return TokenPair{}
	}
	return pair
}

// SessionCookies persists token pairs in cookies, either as one encoded
// cookie or split across one cookie per field.
type SessionCookies struct {
	prefix string
	split  bool
	opts   CookieOptions
}

// NewSessionCookies builds the persistence layout from configuration.
// Cookies are Secure outside dev mode.
func NewSessionCookies(cfg Config) *SessionCookies {
	return &SessionCookies{
		prefix: cfg.Session.CookiePrefix,
		split:  cfg.Session.SplitCookies,
		opts: CookieOptions{
			Path:     "/",
			Domain:   cfg.Server.CookieDomain,
			MaxAge:   cfg.Session.MaxAge,
			HTTPOnly: true,
			Secure:   !cfg.Server.DevMode,
			SameSite: parseSameSite(cfg.Session.SameSite),
		},
	}
}

func (s *SessionCookies) tokensName() string { return s.prefix + "tokens" }
func (s *SessionCookies) accessName() string { return s.prefix + "access_token" }
func (s *SessionCookies) refreshName() string { return s.prefix + "refresh_token" }
func (s *SessionCookies) expiresName() string { return s.prefix + "token_expires" }

func (s *SessionCookies) names() []string {
	if s.split {
		return []string{s.accessName(), s.refreshName(), s.expiresName()}
	}
	return []string{s.tokensName()}
}

// Load reads the raw pair without validating it.
func (s *SessionCookies) Load(store CookieStore) TokenPair {
	if !s.split {
		value, _ := store.Get(s.tokensName())
		return DecodeSession(value)
	}
	access, _ := store.Get(s.accessName())
	refresh, _ := store.Get(s.refreshName())
	pair := TokenPair{AccessToken: access, RefreshToken: refresh}
	if raw, ok := store.Get(s.expiresName()); ok {
		if exp, err := strconv.ParseInt(raw, 10, 64); err == nil {
			pair.Expiry = exp
		}
	}
	return pair
}

// Save overwrites the persisted pair.
func (s *SessionCookies) Save(store CookieStore, pair TokenPair) {
	if !s.split {
		store.Set(s.tokensName(), EncodeSession(pair), s.opts)
		return
	}
	store.Set(s.accessName(), pair.AccessToken, s.opts)
	store.Set(s.refreshName(), pair.RefreshToken, s.opts)
	if pair.Expiry > 0 {
		store.Set(s.expiresName(), strconv.FormatInt(pair.Expiry, 10), s.opts)
	} else {
		store.Delete(s.expiresName(), s.opts)
	}
}

// Clear removes all session cookies. Clearing an already clear store is a no-op.
func (s *SessionCookies) Clear(store CookieStore) {
	for _, name := range s.names() {
		store.Delete(name, s.opts)
	}
}

// Owns reports whether name is one of the session cookies.
func (s *SessionCookies) Owns(name string) bool {
	for _, n := range s.names() {
		if n == name {
			return true
		}
	}
	return false
}
