package middleware

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// ParseTrustedProxies parses CIDR ranges or single addresses.
func ParseTrustedProxies(entries []string) ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(entries))
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if p, err := netip.ParsePrefix(e); err == nil {
			prefixes = append(prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(e)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q", e)
		}
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}

// remoteAddr returns the address part of r.RemoteAddr.
func remoteAddr(r *http.Request) (netip.Addr, string) {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, host
	}
	return addr.Unmap(), host
}

func trusted(addr netip.Addr, proxies []netip.Prefix) bool {
	if !addr.IsValid() {
		return false
	}
	for _, p := range proxies {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// ClientIP returns the client address of r. X-Real-IP and X-Forwarded-For
// are honoured only when the direct peer is a trusted proxy.
func ClientIP(r *http.Request, proxies []netip.Prefix) string {
	addr, host := remoteAddr(r)
	if !trusted(addr, proxies) {
		return host
	}

	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		if a, err := netip.ParseAddr(ip); err == nil {
			return a.Unmap().String()
		}
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if a, err := netip.ParseAddr(strings.TrimSpace(first)); err == nil {
			return a.Unmap().String()
		}
	}
	return host
}

// ClientIPFunc returns a ClientIDFunc keyed on ClientIP.
func ClientIPFunc(proxies []netip.Prefix) ClientIDFunc {
	return func(r *http.Request) string { return ClientIP(r, proxies) }
}
