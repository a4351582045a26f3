// Package ssrf validates outbound URLs before the proxy fetches them on a
// user's behalf. Both the textual URL and every address it resolves to are
// checked, and resolution failures block the fetch.
package ssrf

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
)

// Resolver is the DNS surface the guard needs. *net.Resolver satisfies it.
type Resolver interface {
	LookupIP(ctx context.Context, network, host string) ([]net.IP, error)
}

// Guard decides whether a URL is safe to fetch from inside the deployment
// network.
type Guard struct {
	resolver Resolver
}

func New() *Guard {
	return &Guard{resolver: net.DefaultResolver}
}

func NewWithResolver(r Resolver) *Guard {
	return &Guard{resolver: r}
}

// privateV4 covers loopback, RFC 1918, link-local (cloud metadata lives
// here), carrier-grade NAT, benchmarking and the protocol-assignment block.
var privateV4 = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.0.0.0/24"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("198.18.0.0/15"),
}

// Validate performs the static checks that need no network access: scheme,
// port, hostname denylist and literal IP addresses.
func (g *Guard) Validate(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("blocked protocol: %s", u.Scheme)
	}

	switch u.Port() {
	case "", "80", "443":
	default:
		return fmt.Errorf("blocked non-standard port: %s", u.Port())
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return fmt.Errorf("invalid URL: missing host")
	}
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return fmt.Errorf("blocked hostname: %s", host)
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		if blockedAddr(addr) {
			return fmt.Errorf("blocked IP address: %s", host)
		}
	}
	return nil
}

// ValidateForFetch runs the static checks and then resolves the hostname,
// rejecting any URL whose resolved addresses fall in a private range. A
// hostname that cannot be resolved at all is treated as blocked so that
// transient DNS behavior never opens a hole.
func (g *Guard) ValidateForFetch(ctx context.Context, rawURL string) error {
	if err := g.Validate(rawURL); err != nil {
		return err
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	host := strings.ToLower(u.Hostname())
	if _, err := netip.ParseAddr(host); err == nil {
		// Literal address, already checked statically.
		return nil
	}

	ips, err := g.resolver.LookupIP(ctx, "ip4", host)
	if err != nil || len(ips) == 0 {
		ips, err = g.resolver.LookupIP(ctx, "ip6", host)
	}
	if err != nil || len(ips) == 0 {
		return fmt.Errorf("DNS resolution failed for %s", host)
	}

	for _, ip := range ips {
		addr, ok := netip.AddrFromSlice(ip)
		if !ok || blockedAddr(addr) {
			return fmt.Errorf("hostname %s resolves to a blocked address", host)
		}
	}
	return nil
}

func blockedAddr(addr netip.Addr) bool {
	if addr.Is4() || addr.Is4In6() {
		v4 := addr.Unmap()
		for _, p := range privateV4 {
			if p.Contains(v4) {
				return true
			}
		}
		return false
	}

	if addr.IsLoopback() || addr.IsLinkLocalUnicast() || addr.IsUnspecified() {
		return true
	}
	// fc00::/7 unique local addresses.
	return netip.MustParsePrefix("fc00::/7").Contains(addr)
}
