// Package netutil classifies remote addresses for transport and auth policy.
package netutil

import (
	"net"
	"net/netip"
	"strings"
)

var privateV4 = []netip.Prefix{
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("169.254.0.0/16"),
}

var privateV6 = []netip.Prefix{
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("fe80::/10"),
}

// IsLoopback reports whether the address is loopback (127/8, ::1, or the
// v4-mapped form). Loopback clients may bypass token auth when configured.
func IsLoopback(addr string) bool {
	ip, ok := parseAddr(addr)
	if !ok {
		return false
	}
	return ip.IsLoopback()
}

// IsLocal reports whether the address falls in a private or link-local
// range. Local clients may use plain ws:// instead of wss://.
func IsLocal(addr string) bool {
	ip, ok := parseAddr(addr)
	if !ok {
		return false
	}
	prefixes := privateV6
	if ip.Is4() {
		prefixes = privateV4
	}
	for _, p := range prefixes {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}

// parseAddr accepts "host", "host:port", and bracketed IPv6 forms, and
// unmaps ::ffff: v4-mapped addresses.
func parseAddr(addr string) (netip.Addr, bool) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return netip.Addr{}, false
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	addr = strings.Trim(addr, "[]")
	ip, err := netip.ParseAddr(addr)
	if err != nil {
		return netip.Addr{}, false
	}
	return ip.Unmap(), true
}
