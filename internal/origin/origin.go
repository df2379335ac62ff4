// Package origin decides whether a browser Origin may talk to the relay.
package origin

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Normalize validates a browser Origin value and returns it as
// scheme://host[:port] with default ports stripped, plus the host[:port]
// part used for same-host comparison. "null" is returned as-is.
func Normalize(raw string) (normalized, host string, ok bool) {
	raw = strings.TrimSpace(raw)
	if raw == "null" {
		return "null", "", true
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}
	host, ok = canonicalHost(u.Host, scheme)
	if !ok {
		return "", "", false
	}
	return scheme + "://" + host, host, true
}

// Policy is a normalized allow-list. An empty list allows same-host origins
// only; "*" allows any origin.
type Policy struct {
	allowed []string
}

func NewPolicy(allowed []string) Policy {
	return Policy{allowed: allowed}
}

// Allows reports whether originHeader may access requestHost. Requests
// without an Origin header (non-browser peers) are always allowed.
func (p Policy) Allows(originHeader, requestHost string) bool {
	if strings.TrimSpace(originHeader) == "" {
		return true
	}
	normalized, host, ok := Normalize(originHeader)
	if !ok {
		return false
	}
	if len(p.allowed) > 0 {
		for _, a := range p.allowed {
			if a == "*" || a == normalized {
				return true
			}
		}
		return false
	}

	// Scheme is not compared: a TLS-terminating proxy in front of the relay
	// makes the request look like plain HTTP.
	scheme, _, found := strings.Cut(normalized, "://")
	if !found {
		return false
	}
	reqHost, ok := canonicalHost(requestHost, scheme)
	return ok && reqHost == host
}

// CheckOrigin adapts the policy to websocket.Upgrader.CheckOrigin.
func (p Policy) CheckOrigin(r *http.Request) bool {
	return p.Allows(r.Header.Get("Origin"), r.Host)
}

func canonicalHost(authority, scheme string) (string, bool) {
	authority = strings.ToLower(strings.TrimSpace(authority))
	hostname, port, ok := splitAuthority(authority)
	if !ok || hostname == "" {
		return "", false
	}
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

// splitAuthority splits host[:port], unbracketing IPv6 literals.
func splitAuthority(s string) (hostname, port string, ok bool) {
	if strings.HasPrefix(s, "[") {
		end := strings.IndexByte(s, ']')
		if end < 0 {
			return "", "", false
		}
		hostname, rest := s[1:end], s[end+1:]
		if rest == "" {
			return hostname, "", true
		}
		if len(rest) < 2 || rest[0] != ':' {
			return "", "", false
		}
		return hostname, rest[1:], true
	}
	switch strings.Count(s, ":") {
	case 0:
		return s, "", true
	case 1:
		hostname, port, _ = strings.Cut(s, ":")
		if hostname == "" || port == "" {
			return "", "", false
		}
		return hostname, port, true
	default:
		return "", "", false
	}
}
