// Package urlutil canonicalizes and resolves URLs so that every subsystem
// keys its work on the same spelling of an address.
package urlutil

import (
	"fmt"
	"net/url"
	"strings"
)

// Normalize returns the canonical form of an absolute URL with the fragment
// removed: lowercased scheme and host, default ports stripped, empty path
// replaced with "/", percent-encoding re-derived. Query order is preserved.
// Normalize is idempotent.
func Normalize(raw string) (string, error) {
	u, err := canonical(raw)
	if err != nil {
		return "", err
	}
	u.Fragment = ""
	u.RawFragment = ""
	return u.String(), nil
}

// NormalizeRef behaves like Normalize but keeps the fragment, for URLs that
// are advertised (mention targets) rather than fetched.
func NormalizeRef(raw string) (string, error) {
	u, err := canonical(raw)
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

// StripFragment removes the fragment from an already-normalized URL.
func StripFragment(raw string) string {
	if i := strings.IndexByte(raw, '#'); i >= 0 {
		return raw[:i]
	}
	return raw
}

// Resolve interprets ref relative to base and returns the absolute result.
func Resolve(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	r, err := b.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("resolve %q against %q: %w", ref, base, err)
	}
	return r.String(), nil
}

// Domain returns the lowercased host (without port) of a URL, or "" if the
// URL cannot be parsed.
func Domain(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// Host returns the lowercased host including any non-default port, used as
// the key for per-host concurrency pools.
func Host(raw string) string {
	u, err := canonical(raw)
	if err != nil {
		return ""
	}
	return u.Host
}

func canonical(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	if !u.IsAbs() || u.Host == "" {
		return nil, fmt.Errorf("url %q is not absolute", raw)
	}

	u.Scheme = strings.ToLower(u.Scheme)

	host := strings.ToLower(u.Hostname())
	if strings.Contains(host, ":") {
		// Bare IPv6 address; Hostname stripped the brackets.
		host = "[" + host + "]"
	}
	if port := u.Port(); port != "" && !isDefaultPort(u.Scheme, port) {
		host += ":" + port
	}
	u.Host = host

	if u.Path == "" {
		u.Path = "/"
	}
	// Drop the raw path so String() re-derives the percent-encoding.
	u.RawPath = ""
	return u, nil
}

func isDefaultPort(scheme, port string) bool {
	switch scheme {
	case "http":
		return port == "80"
	case "https":
		return port == "443"
	}
	return false
}
