package server

import (
	"net/http"
	"strings"
	"time"
)

// CookieOptions are the attributes written alongside a cookie value.
type CookieOptions struct {
	Path     string
	Domain   string
	MaxAge   time.Duration
	HTTPOnly bool
	Secure   bool
	SameSite http.SameSite
}

// CookieStore is a request- or response-scoped cookie carrier.
type CookieStore interface {
	Get(name string) (string, bool)
	Set(name, value string, opts CookieOptions)
	Delete(name string, opts CookieOptions)
}

// RequestCookies reads and rewrites the Cookie header of an inbound request so
// downstream handlers observe mutations.
type RequestCookies struct {
	r *http.Request
}

func NewRequestCookies(r *http.Request) RequestCookies {
	return RequestCookies{r: r}
}

func (c RequestCookies) Get(name string) (string, bool) {
	ck, err := c.r.Cookie(name)
	if err != nil {
		return "", false
	}
	return ck.Value, true
}

func (c RequestCookies) Set(name, value string, _ CookieOptions) {
	c.rewrite(name, &http.Cookie{Name: name, Value: value})
}

func (c RequestCookies) Delete(name string, _ CookieOptions) {
	c.rewrite(name, nil)
}

func (c RequestCookies) rewrite(name string, replacement *http.Cookie) {
	parts := make([]string, 0, len(c.r.Cookies())+1)
	for _, ck := range c.r.Cookies() {
		if ck.Name == name {
			continue
		}
		parts = append(parts, (&http.Cookie{Name: ck.Name, Value: ck.Value}).String())
	}
	if replacement != nil {
		parts = append(parts, replacement.String())
	}
	if len(parts) == 0 {
		c.r.Header.Del("Cookie")
		return
	}
	c.r.Header.Set("Cookie", strings.Join(parts, "; "))
}

// ResponseCookies emits Set-Cookie headers on an outbound response.
type ResponseCookies struct {
	w http.ResponseWriter
}

func NewResponseCookies(w http.ResponseWriter) ResponseCookies {
	return ResponseCookies{w: w}
}

// Get returns the value most recently set on the response, if any.
func (c ResponseCookies) Get(name string) (string, bool) {
	header := http.Header{"Set-Cookie": c.w.Header().Values("Set-Cookie")}
	resp := http.Response{Header: header}
	value, found := "", false
	for _, ck := range resp.Cookies() {
		if ck.Name != name {
			continue
		}
		if ck.MaxAge < 0 {
			value, found = "", false
			continue
		}
		value, found = ck.Value, true
	}
	return value, found
}

func (c ResponseCookies) Set(name, value string, opts CookieOptions) {
	ck := newCookie(name, value, opts)
	ck.MaxAge = int(opts.MaxAge.Seconds())
	c.put(ck)
}

func (c ResponseCookies) Delete(name string, opts CookieOptions) {
	ck := newCookie(name, "", opts)
	ck.MaxAge = -1
	c.put(ck)
}

// put replaces any Set-Cookie already queued for the same name and path.
func (c ResponseCookies) put(ck *http.Cookie) {
	existing := c.w.Header().Values("Set-Cookie")
	kept := make([]string, 0, len(existing)+1)
	for _, line := range existing {
		parsed := (&http.Response{Header: http.Header{"Set-Cookie": {line}}}).Cookies()
		if len(parsed) == 1 && parsed[0].Name == ck.Name && parsed[0].Path == ck.Path {
			continue
		}
		kept = append(kept, line)
	}
	kept = append(kept, ck.String())
	c.w.Header()["Set-Cookie"] = kept
}

func newCookie(name, value string, opts CookieOptions) *http.Cookie {
	path := opts.Path
	if path == "" {
		path = "/"
	}
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     path,
		Domain:   opts.Domain,
		HttpOnly: opts.HTTPOnly,
		Secure:   opts.Secure,
		SameSite: opts.SameSite,
	}
}

type cookieMutation struct {
	name   string
	value  string
	opts   CookieOptions
	delete bool
}

// Jar is the per-request session state: it reads through to the inbound
// cookies and records every mutation so they can be replayed once onto the
// forwarded request and once onto the response.
type Jar struct {
	base    CookieStore
	pending []cookieMutation
}

// NewJar wraps a read source, usually the inbound request's cookies.
func NewJar(base CookieStore) *Jar {
	return &Jar{base: base}
}

func (j *Jar) Get(name string) (string, bool) {
	for i := len(j.pending) - 1; i >= 0; i-- {
		m := j.pending[i]
		if m.name != name {
			continue
		}
		if m.delete {
			return "", false
		}
		return m.value, true
	}
	return j.base.Get(name)
}

func (j *Jar) Set(name, value string, opts CookieOptions) {
	j.record(cookieMutation{name: name, value: value, opts: opts})
}

func (j *Jar) Delete(name string, opts CookieOptions) {
	if _, ok := j.Get(name); !ok {
		return
	}
	j.record(cookieMutation{name: name, opts: opts, delete: true})
}

func (j *Jar) record(m cookieMutation) {
	kept := j.pending[:0]
	for _, p := range j.pending {
		if p.name != m.name {
			kept = append(kept, p)
		}
	}
	j.pending = append(kept, m)
}

// Changed reports whether any cookie was set or deleted.
func (j *Jar) Changed() bool {
	return len(j.pending) > 0
}

// Apply replays the recorded mutations onto dst.
func (j *Jar) Apply(dst CookieStore) {
	for _, m := range j.pending {
		if m.delete {
			dst.Delete(m.name, m.opts)
			continue
		}
		dst.Set(m.name, m.value, m.opts)
	}
}

// Flush writes the mutations to the response. Call before the body is written.
func (j *Jar) Flush(w http.ResponseWriter) {
	j.Apply(NewResponseCookies(w))
}
