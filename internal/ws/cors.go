package ws

import (
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"gateway/internal/gqlerr"
)

// CORSMode selects the origin-enforcement policy for the handshake.
type CORSMode int

const (
	// CORSAllowAll passes every origin and all headers through.
	CORSAllowAll CORSMode = iota
	// CORSDisabled performs no origin check; cookie forwarding is
	// governed by ReadCookie.
	CORSDisabled
	// CORSAllowedOrigins accepts only configured domains and wildcard
	// suffixes.
	CORSAllowedOrigins
)

// CORSConfig is the handshake origin policy.
type CORSConfig struct {
	Mode CORSMode

	// ReadCookie applies in CORSDisabled mode: when false the Cookie
	// header is stripped from the retained set.
	ReadCookie bool

	// Domains are exact origin hosts (optionally host:port).
	Domains []string

	// Wildcards are domain suffixes; "example.com" admits any
	// "<label>.example.com" origin.
	Wildcards []string
}

// errAccessDenied rejects a handshake origin.
var errAccessDenied = gqlerr.New(gqlerr.CodeAccessDenied, gqlerr.CategoryAuth, "access denied: origin not allowed")

// checkOrigin validates the request origin against the policy. A nil
// return admits the handshake.
func (c CORSConfig) checkOrigin(r *http.Request) error {
	if c.Mode != CORSAllowedOrigins {
		return nil
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return errAccessDenied
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return errAccessDenied
	}
	host := u.Host
	for _, d := range c.Domains {
		if strings.EqualFold(host, d) {
			return nil
		}
	}
	for _, w := range c.Wildcards {
		if strings.HasSuffix(strings.ToLower(host), "."+strings.ToLower(w)) {
			return nil
		}
	}
	return errAccessDenied
}

// filterHeaders applies the policy to the retained handshake headers.
func (c CORSConfig) filterHeaders(h http.Header, logger *zap.Logger) http.Header {
	out := retainedHeaders(h)
	if c.Mode == CORSDisabled && !c.ReadCookie {
		if out.Get("Cookie") != "" {
			logger.Info("cookie is not read when CORS is disabled; use read-cookie to enable")
			out.Del("Cookie")
		}
	}
	return out
}
