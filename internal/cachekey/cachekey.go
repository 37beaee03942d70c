package cachekey

import (
	"net"
	"net/url"
	"strings"
)

// Key identifies a resource in the caches and in the pending fetch registry
type Key string

// Empty is the key of a request without a URL. It never matches a stored resource.
const Empty Key = ""

func (k Key) IsEmpty() bool {
	return k == Empty
}

func (k Key) String() string {
	if k.IsEmpty() {
		return "<empty>"
	}
	return string(k)
}

// Filter maps a parsed, normalized URL to a cache key
type Filter func(u *url.URL) string

type Resolver struct {
	filter Filter
}

type ResolverOption func(*Resolver)

// WithFilter lets the caller decide the key of URL based requests.
// An empty filter result falls back to the normalized URL.
func WithFilter(filter Filter) ResolverOption {
	return func(r *Resolver) {
		r.filter = filter
	}
}

func NewResolver(options ...ResolverOption) *Resolver {
	r := &Resolver{}
	for _, option := range options {
		option(r)
	}
	return r
}

func (r *Resolver) Resolve(rawURL string, explicitKey string) Key {
	if explicitKey != "" {
		return Key(explicitKey)
	}

	trimmed := strings.TrimSpace(rawURL)
	if trimmed == "" {
		return Empty
	}

	u, err := url.Parse(trimmed)
	if err != nil {
		// The fetch will be rejected, but the key stays deterministic
		return Key(trimmed)
	}

	normalize(u)

	if r.filter != nil {
		if filtered := r.filter(u); filtered != "" {
			return Key(filtered)
		}
	}

	return Key(u.String())
}

var defaultResolver = NewResolver()

// Resolve derives the key using the default normalization
func Resolve(rawURL string, explicitKey string) Key {
	return defaultResolver.Resolve(rawURL, explicitKey)
}

var defaultPorts = map[string]string{
	"http":  "80",
	"https": "443",
}

func normalize(u *url.URL) {
	u.Scheme = strings.ToLower(u.Scheme)
	u.User = nil
	u.Fragment = ""
	u.RawFragment = ""

	host := strings.ToLower(u.Host)
	if hostname, port, err := net.SplitHostPort(host); err == nil && defaultPorts[u.Scheme] == port {
		host = hostname
		if strings.Contains(hostname, ":") {
			// IPv6 literal
			host = "[" + hostname + "]"
		}
	}
	u.Host = host

	escapedPath := canonicalEscapes(u.EscapedPath())
	if escapedPath == "" && u.Host != "" {
		escapedPath = "/"
	}
	if decoded, err := url.PathUnescape(escapedPath); err == nil {
		u.Path = decoded
		u.RawPath = escapedPath
	}

	if u.RawQuery != "" {
		if values, err := url.ParseQuery(u.RawQuery); err == nil {
			u.RawQuery = values.Encode()
		}
	}
	u.ForceQuery = false
}

// canonicalEscapes decodes percent-escaped unreserved characters and uppercases the remaining escapes.
// Escaped reserved characters stay escaped since "a%2Fb" and "a/b" name different resources.
func canonicalEscapes(escaped string) string {
	if !strings.Contains(escaped, "%") {
		return escaped
	}

	var b strings.Builder
	b.Grow(len(escaped))
	for i := 0; i < len(escaped); i++ {
		if escaped[i] != '%' || i+2 >= len(escaped) || !isHex(escaped[i+1]) || !isHex(escaped[i+2]) {
			b.WriteByte(escaped[i])
			continue
		}

		c := unhex(escaped[i+1])<<4 | unhex(escaped[i+2])
		if isUnreserved(c) {
			b.WriteByte(c)
		} else {
			b.WriteByte('%')
			b.WriteString(strings.ToUpper(escaped[i+1 : i+3]))
		}
		i += 2
	}
	return b.String()
}

func isUnreserved(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	}
	return c == '-' || c == '.' || c == '_' || c == '~'
}

func isHex(c byte) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}

func unhex(c byte) byte {
	switch {
	case '0' <= c && c <= '9':
		return c - '0'
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10
	default:
		return c - 'A' + 10
	}
}
