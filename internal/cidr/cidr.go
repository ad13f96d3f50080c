// Package cidr parses and matches the client and proxy addresses seen by
// the HTTP layer.
package cidr

import (
	"fmt"
	"net"
	"net/netip"
	"strings"
)

// ParsePrefixOrAddr parses a string as either a CIDR prefix ("10.0.0.0/8")
// or a bare address ("10.1.2.5" becomes 10.1.2.5/32, "::1" becomes ::1/128).
// Both IPv4 and IPv6 are accepted; prefixes are returned masked.
func ParsePrefixOrAddr(s string) (netip.Prefix, error) {
	s = strings.TrimSpace(s)
	if p, err := netip.ParsePrefix(s); err == nil {
		return p.Masked(), nil
	}
	if a, err := netip.ParseAddr(s); err == nil {
		a = a.Unmap()
		return netip.PrefixFrom(a, a.BitLen()), nil
	}
	return netip.Prefix{}, fmt.Errorf("invalid CIDR or IP: %q", s)
}

// HostAddr extracts the address from "host:port", "[v6]:port" or a bare
// address. IPv4-mapped IPv6 addresses are unmapped.
func HostAddr(s string) (netip.Addr, bool) {
	s = strings.TrimSpace(s)
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	a, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, false
	}
	return a.Unmap(), true
}

// AnyContains reports whether any prefix contains addr.
func AnyContains(prefixes []netip.Prefix, addr netip.Addr) bool {
	if !addr.IsValid() {
		return false
	}
	for _, p := range prefixes {
		if p.IsValid() && p.Contains(addr) {
			return true
		}
	}
	return false
}
