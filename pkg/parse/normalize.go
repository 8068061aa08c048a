package parse

import (
	"net"
	"net/url"
	"strings"
)

// NormalizeURL canonicalizes a URL for the visited, found and external sets.
// Scheme and host are lowercased, default ports dropped, the trailing slash removed
// (root stays "/"), and both fragment and query stripped. The input is not modified.
func NormalizeURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	normalized := *u
	normalized.Scheme = strings.ToLower(normalized.Scheme)
	normalized.Host = HostKey(u)
	normalized.User = nil

	if normalized.Path == "" {
		normalized.Path = "/"
	} else if len(normalized.Path) > 1 && strings.HasSuffix(normalized.Path, "/") {
		normalized.Path = strings.TrimRight(normalized.Path, "/")
		if normalized.Path == "" {
			normalized.Path = "/"
		}
	}
	normalized.RawPath = ""
	normalized.Fragment = ""
	normalized.RawFragment = ""
	normalized.RawQuery = ""
	normalized.ForceQuery = false

	return normalized.String()
}

// HostKey returns the lowercase host with any default port removed.
// Two URLs are on the same site exactly when their host keys are equal.
func HostKey(u *url.URL) string {
	if u == nil {
		return ""
	}
	host := strings.ToLower(u.Host)
	h, port, err := net.SplitHostPort(host)
	if err == nil {
		scheme := strings.ToLower(u.Scheme)
		if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
			return h
		}
	}
	return host
}

// IsHTTP reports whether the URL uses a crawlable scheme
func IsHTTP(u *url.URL) bool {
	if u == nil {
		return false
	}
	s := strings.ToLower(u.Scheme)
	return s == "http" || s == "https"
}

// StripFragment returns the absolute URL without its fragment, keeping the query.
// Content candidates keep their query because it often selects the resource.
func StripFragment(u *url.URL) string {
	if u == nil {
		return ""
	}
	c := *u
	c.Fragment = ""
	c.RawFragment = ""
	return c.String()
}
