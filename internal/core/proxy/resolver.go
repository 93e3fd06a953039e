package proxy

import (
	"strings"

	"github.com/artpar/shipyard/internal/core/domain"
)

// StripPort removes a trailing :port from a Host header value.
// "a.example:8080" → "a.example"
func StripPort(hostname string) string {
	idx := strings.LastIndex(hostname, ":")
	if idx == -1 {
		return hostname
	}
	port := hostname[idx+1:]
	if port == "" {
		return hostname
	}
	for _, c := range port {
		if c < '0' || c > '9' {
			return hostname
		}
	}
	return hostname[:idx]
}

// ResolveHost finds the route key serving a Host header value.
//
// Exact domains win. Otherwise wildcard routes ("*.example.com") match any
// subdomain of their suffix, the longest suffix first.
func ResolveHost(host string, has func(domain string) bool) (string, bool) {
	host = domain.NormalizeDomain(StripPort(host))
	if host == "" {
		return "", false
	}
	if has(host) {
		return host, true
	}
	for idx := strings.Index(host, "."); idx != -1; {
		wildcard := "*" + host[idx:]
		if has(wildcard) {
			return wildcard, true
		}
		next := strings.Index(host[idx+1:], ".")
		if next == -1 {
			break
		}
		idx += next + 1
	}
	return "", false
}
