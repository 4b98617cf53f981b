package security

import (
	"context"
	"net"
	"net/http"
	"strings"
)

type clientIPContextKey struct{}

// WithClientIP adds the resolved client IP address to the context
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPContextKey{}, ip)
}

// ClientIPFromContext retrieves the client IP address from the context
func ClientIPFromContext(ctx context.Context) string {
	if ip, ok := ctx.Value(clientIPContextKey{}).(string); ok {
		return ip
	}
	return ""
}

// GetClientIP extracts the client IP address from the request.
//
// SECURITY: X-Forwarded-For and X-Real-IP are only honoured when trustProxy is set,
// which must only be done behind a reverse proxy that overwrites those headers.
// trustedProxyCount is the number of proxies we control, counted from the right of
// X-Forwarded-For; zero is treated as one.
func GetClientIP(r *http.Request, trustProxy bool, trustedProxyCount int) string {
	if trustProxy {
		if ip := clientIPFromXFF(r.Header.Get("X-Forwarded-For"), trustedProxyCount); ip != "" {
			return ip
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); net.ParseIP(ip) != nil {
			return ip
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// clientIPFromXFF picks the entry just left of the trusted proxies.
//
//	Client (1.2.3.4) -> UntrustedProxy -> TrustedProxy (us)
//	X-Forwarded-For: "1.2.3.4, untrusted-ip"
//	trustedProxyCount=1 -> ips[len(ips)-1-1] = "1.2.3.4"
func clientIPFromXFF(xff string, trustedProxyCount int) string {
	if xff == "" {
		return ""
	}
	if trustedProxyCount <= 0 {
		trustedProxyCount = 1
	}

	ips := strings.Split(xff, ",")
	idx := len(ips) - trustedProxyCount - 1
	if idx < 0 {
		idx = 0
	}

	ip := strings.TrimSpace(ips[idx])
	if net.ParseIP(ip) == nil {
		return ""
	}
	return ip
}
