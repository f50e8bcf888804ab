package httpx

import (
	"net"
	"net/http"
	"net/url"
	"strings"
)

// RemoteIP returns the address a request came from. When trustProxy is set the
// first X-Forwarded-For entry, then X-Real-IP, take precedence over the socket
// peer address.
func RemoteIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// OriginAllowed reports whether the request's Origin header is in allowed.
// An empty allowlist or a request without Origin (non-browser client) is allowed.
// Entries match scheme://host[:port] exactly; "*" allows everything.
func OriginAllowed(r *http.Request, allowed []string) bool {
	origin := r.Header.Get("Origin")
	if len(allowed) == 0 || origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	norm := strings.ToLower(u.Scheme + "://" + u.Host)
	for _, a := range allowed {
		if a == "*" || strings.ToLower(strings.TrimRight(a, "/")) == norm {
			return true
		}
	}
	return false
}

// ValidOrigin reports whether s is usable as an allowlist entry.
func ValidOrigin(s string) bool {
	if s == "*" {
		return true
	}
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != "" && (u.Path == "" || u.Path == "/")
}
