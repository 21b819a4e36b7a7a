package transport

import (
	"fmt"
	"net/url"
	"strings"
)

// Endpoint is an immutable destination: a base address plus an optional
// path suffix, resolved once into a concrete URL.
type Endpoint struct {
	base string
	path string
	url  *url.URL
}

// NewEndpoint resolves base and path into a transport URL.
//
// A base without a scheme is treated as ws://. http and https are mapped
// to ws and wss. The path is appended to any path already on base with a
// single slash between them. Query strings on base are kept.
func NewEndpoint(base, path string) (Endpoint, error) {
	if strings.TrimSpace(base) == "" {
		return Endpoint{}, fmt.Errorf("%w: empty address", ErrInvalidEndpoint)
	}

	raw := base
	if !strings.Contains(raw, "://") {
		raw = "ws://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss", "tcp", "pipe":
	default:
		return Endpoint{}, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
	if u.Host == "" {
		return Endpoint{}, fmt.Errorf("%w: missing host in %q", ErrInvalidEndpoint, base)
	}

	if path != "" {
		u.Path = strings.TrimSuffix(u.Path, "/") + "/" + strings.TrimPrefix(path, "/")
		u.RawPath = ""
	}

	return Endpoint{base: base, path: path, url: u}, nil
}

// MustEndpoint is like NewEndpoint but panics on error. For tests and
// constant addresses.
func MustEndpoint(base, path string) Endpoint {
	ep, err := NewEndpoint(base, path)
	if err != nil {
		panic(err)
	}
	return ep
}

// URL returns the resolved URL string.
func (e Endpoint) URL() string {
	if e.url == nil {
		return ""
	}
	return e.url.String()
}

// Scheme returns the resolved scheme.
func (e Endpoint) Scheme() string {
	if e.url == nil {
		return ""
	}
	return e.url.Scheme
}

// Host returns host[:port].
func (e Endpoint) Host() string {
	if e.url == nil {
		return ""
	}
	return e.url.Host
}

// Base returns the base address as given.
func (e Endpoint) Base() string {
	return e.base
}

// Path returns the path suffix as given.
func (e Endpoint) Path() string {
	return e.path
}

// IsZero reports whether the endpoint was never resolved.
func (e Endpoint) IsZero() bool {
	return e.url == nil
}

// String implements fmt.Stringer.
func (e Endpoint) String() string {
	return e.URL()
}
