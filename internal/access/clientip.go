// clientip.go - Client IP resolution with spoofing protection.
//
// Proxy headers are forgeable by anyone, so they are only consulted
// when the direct peer is a configured trusted proxy. Header priority
// mirrors the deployment stack: Cloudflare first, then the generic
// forwarding headers, then the unforgeable peer address.
package access

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP resolves the real client address. remoteAddr is the direct
// peer (host or host:port); headers are consulted only when that peer
// is in the trusted proxy list.
func ClientIP(remoteAddr string, h http.Header, trustedProxies []string) string {
	peer := remoteAddr
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		peer = host
	}

	trusted := false
	for _, p := range trustedProxies {
		if peer == p {
			trusted = true
			break
		}
	}
	if !trusted {
		return peer
	}

	if ip := validIP(h.Get("CF-Connecting-IP")); ip != "" {
		return ip
	}
	if xff := h.Get("X-Forwarded-For"); xff != "" {
		// First element is the originating client.
		first, _, _ := strings.Cut(xff, ",")
		if ip := validIP(first); ip != "" {
			return ip
		}
	}
	if ip := validIP(h.Get("X-Real-IP")); ip != "" {
		return ip
	}
	return peer
}

func validIP(s string) string {
	s = strings.TrimSpace(s)
	if s == "" || net.ParseIP(s) == nil {
		return ""
	}
	return s
}
