// Package origin implements the browser Origin checks shared by the admin
// HTTP routes and the /events WebSocket.
package origin

import (
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Null is the opaque origin browsers send from sandboxed or file:// pages.
const Null = "null"

// Normalize validates a browser Origin value.
//
// It returns the canonical origin (lower-case scheme://host[:port], default
// ports dropped) and its host[:port] authority for same-host comparisons.
// "null" is accepted and returned with an empty authority.
func Normalize(raw string) (canonical, authority string, ok bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", "", false
	}
	if trimmed == Null {
		return Null, "", true
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Host == "" || u.Opaque != "" {
		return "", "", false
	}
	if u.User != nil || u.RawQuery != "" || u.ForceQuery || u.Fragment != "" {
		return "", "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}

	authority, ok = canonicalAuthority(u.Host, scheme)
	if !ok {
		return "", "", false
	}
	return scheme + "://" + authority, authority, true
}

// Policy decides which browser origins may read from the admin server.
//
// With no configured origins only same-host requests are allowed. Otherwise
// each entry is "*", "null" or a canonical origin from Normalize.
type Policy struct {
	allowed []string
}

func NewPolicy(allowed []string) Policy {
	return Policy{allowed: allowed}
}

// Check inspects r's Origin header. Requests without one come from
// non-browser clients and are allowed with an empty canonical origin.
func (p Policy) Check(r *http.Request) (canonical string, ok bool) {
	header := strings.TrimSpace(r.Header.Get("Origin"))
	if header == "" {
		return "", true
	}
	canonical, authority, ok := Normalize(header)
	if !ok {
		return "", false
	}
	return canonical, p.allows(canonical, authority, r.Host)
}

func (p Policy) allows(canonical, authority, requestHost string) bool {
	if len(p.allowed) > 0 {
		for _, a := range p.allowed {
			if a == "*" || a == canonical {
				return true
			}
		}
		return false
	}

	// Same host:port. The scheme is not compared since a TLS-terminating proxy
	// may forward an https page's request as plain http.
	scheme, _, found := strings.Cut(canonical, "://")
	if !found {
		return false
	}
	host, ok := canonicalAuthority(requestHost, scheme)
	return ok && host == authority
}

// canonicalAuthority lower-cases a host[:port] authority, brackets IPv6
// literals and drops the scheme's default port.
func canonicalAuthority(raw, scheme string) (string, bool) {
	hostname, port, ok := splitAuthority(strings.TrimSpace(raw))
	if !ok {
		return "", false
	}
	hostname = strings.ToLower(hostname)

	if port != "" {
		n, err := strconv.ParseUint(port, 10, 16)
		if err != nil || n == 0 {
			return "", false
		}
		if (scheme == "http" && n == 80) || (scheme == "https" && n == 443) {
			port = ""
		} else {
			port = strconv.FormatUint(n, 10)
		}
	}

	if strings.Contains(hostname, ":") {
		hostname = "[" + hostname + "]"
	}
	if port == "" {
		return hostname, true
	}
	return hostname + ":" + port, true
}

// splitAuthority splits host[:port], returning IPv6 hostnames without
// brackets and an empty port when none is present.
func splitAuthority(s string) (hostname, port string, ok bool) {
	if s == "" {
		return "", "", false
	}
	if h, p, err := net.SplitHostPort(s); err == nil {
		if h == "" || p == "" {
			return "", "", false
		}
		return h, p, true
	}
	if strings.HasPrefix(s, "[") {
		if !strings.HasSuffix(s, "]") || len(s) == 2 {
			return "", "", false
		}
		return s[1 : len(s)-1], "", true
	}
	if strings.ContainsAny(s, ":[]") {
		return "", "", false
	}
	return s, "", true
}
