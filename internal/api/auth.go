package api

import (
	"crypto/subtle"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
)

// presentedToken prefers the Authorization header. Browsers cannot set
// headers on a websocket handshake, so ?token= is accepted too.
func presentedToken(r *http.Request) (string, bool) {
	if value, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return value, true
	}
	if value := r.URL.Query().Get("token"); value != "" {
		return value, true
	}
	return "", false
}

// validateToken accepts every request when no token is configured.
func validateToken(r *http.Request, token string) bool {
	if token == "" {
		return true
	}
	presented, ok := presentedToken(r)
	return ok && subtle.ConstantTimeCompare([]byte(presented), []byte(token)) == 1
}

// isOriginAllowed admits requests without an Origin header. With an allow
// list the origin or its host must be listed; otherwise the origin host must
// match the Host header.
func isOriginAllowed(r *http.Request, allowed []string) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Hostname() == "" {
		return false
	}
	if len(allowed) == 0 {
		return strings.EqualFold(parsed.Hostname(), requestHost(r.Host))
	}
	return slices.ContainsFunc(allowed, func(entry string) bool {
		return strings.EqualFold(entry, origin) || strings.EqualFold(entry, parsed.Hostname())
	})
}

func requestHost(hostport string) string {
	if host, _, err := net.SplitHostPort(hostport); err == nil {
		return host
	}
	return strings.Trim(hostport, "[]")
}
