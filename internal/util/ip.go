package util

import (
	"net"
	"strings"
)

// IPClassification groups addresses by how a redirect URI pointing at them
// must be treated.
type IPClassification int

const (
	IPClassificationPublic IPClassification = iota
	// IPClassificationLoopback covers 127.0.0.0/8 and ::1, the only literal
	// hosts native apps may use with plain http.
	IPClassificationLoopback
	// IPClassificationPrivate covers RFC 1918 ranges and fc00::/7.
	IPClassificationPrivate
	// IPClassificationLinkLocal covers 169.254.0.0/16 and fe80::/10, which
	// includes cloud metadata endpoints.
	IPClassificationLinkLocal
	IPClassificationUnspecified
)

var ipClassificationNames = map[IPClassification]string{
	IPClassificationPublic:      "public",
	IPClassificationLoopback:    "loopback",
	IPClassificationPrivate:     "private",
	IPClassificationLinkLocal:   "link_local",
	IPClassificationUnspecified: "unspecified",
}

func (c IPClassification) String() string {
	if name, ok := ipClassificationNames[c]; ok {
		return name
	}
	return "unknown"
}

// ClassifyIP classifies ip. A nil address counts as unspecified.
func ClassifyIP(ip net.IP) IPClassification {
	switch {
	case ip == nil, ip.IsUnspecified():
		return IPClassificationUnspecified
	case ip.IsLoopback():
		return IPClassificationLoopback
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return IPClassificationLinkLocal
	case ip.IsPrivate():
		return IPClassificationPrivate
	}
	return IPClassificationPublic
}

// IsLoopbackHostname reports whether a URL hostname (no port) names the
// local machine: "localhost" or any literal loopback address, bracketed or
// not. 0.0.0.0 is not loopback.
func IsLoopbackHostname(hostname string) bool {
	if strings.EqualFold(hostname, "localhost") {
		return true
	}
	if strings.HasPrefix(hostname, "[") && strings.HasSuffix(hostname, "]") {
		hostname = hostname[1 : len(hostname)-1]
	}
	ip := net.ParseIP(hostname)
	return ip != nil && ip.IsLoopback()
}
