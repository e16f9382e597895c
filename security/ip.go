package security

import (
	"net"
	"net/http"
	"strings"
)

// IPExtractor resolves the client address used for rate limiting and audit.
// Proxy headers are only honored when TrustProxy is set; TrustedProxyCount is
// the number of proxies we operate at the right end of X-Forwarded-For.
type IPExtractor struct {
	TrustProxy        bool
	TrustedProxyCount int
}

// ClientIP returns the client address of r.
func (e IPExtractor) ClientIP(r *http.Request) string {
	return GetClientIP(r, e.TrustProxy, e.TrustedProxyCount)
}

// GetClientIP extracts the client IP from r. With trustProxy it prefers
// X-Forwarded-For, then X-Real-IP, and falls back to RemoteAddr.
//
// Only enable trustProxy behind a reverse proxy that overwrites these
// headers, otherwise callers can spoof their address and dodge rate limits.
func GetClientIP(r *http.Request, trustProxy bool, trustedProxyCount int) string {
	if trustProxy {
		if ip := ipFromXFF(r.Header.Get("X-Forwarded-For"), trustedProxyCount); ip != "" {
			return ip
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" && net.ParseIP(ip) != nil {
			return ip
		}
	}
	return ipFromRemoteAddr(r.RemoteAddr)
}

// ipFromXFF picks the entry just left of our trusted proxies:
//
//	X-Forwarded-For: "client, untrusted, proxy2"   trustedProxyCount=1 -> "untrusted"
//
// A count of 0 is treated as 1. Too few entries yields the leftmost one.
func ipFromXFF(xff string, trustedProxyCount int) string {
	if xff == "" {
		return ""
	}

	ips := strings.Split(xff, ",")
	idx := clientIPIndex(len(ips), trustedProxyCount)
	ip := strings.TrimSpace(ips[idx])
	if net.ParseIP(ip) == nil {
		return ""
	}
	return ip
}

func clientIPIndex(numIPs, trustedProxyCount int) int {
	if trustedProxyCount <= 0 {
		trustedProxyCount = 1
	}
	idx := numIPs - trustedProxyCount - 1
	if idx < 0 {
		return 0
	}
	return idx
}

func ipFromRemoteAddr(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
