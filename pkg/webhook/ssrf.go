package webhook

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Destinations a webhook must never reach. Checked against every
// resolved address at send time, not at registration, so DNS rebinding
// between the two cannot bypass the guard.
var blockedNetworks = mustParseCIDRs(
	// IPv4
	"0.0.0.0/8",
	"10.0.0.0/8",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"224.0.0.0/4",
	// IPv6
	"::1/128",
	"fc00::/7",
	"fe80::/10",
	"ff00::/8",
)

var blockedHostnames = map[string]bool{
	"localhost":                true,
	"metadata.google.internal": true,
	"instance-data":            true,
	"metadata":                 true,
}

var blockedHostSuffixes = []string{
	".local",
	".internal",
	".localdomain",
}

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	out := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, network, err := net.ParseCIDR(c)
		if err != nil {
			panic("webhook: bad builtin CIDR " + c)
		}
		out = append(out, network)
	}
	return out
}

// URLGuard validates webhook destinations against internal address
// space. The zero value uses the default resolver.
type URLGuard struct {
	// Resolver is overridable for tests.
	Resolver interface {
		LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
	}

	// AllowPrivate disables the guard entirely. Tests only.
	AllowPrivate bool
}

// Check rejects a URL whose scheme is not http(s), whose hostname is a
// known internal name, or that resolves to any blocked address. All
// resolved addresses must pass; one bad A record fails the whole URL.
func (g *URLGuard) Check(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("webhook: invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("webhook: unsupported scheme %q", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("webhook: url has no host")
	}
	if g.AllowPrivate {
		return nil
	}

	lower := strings.ToLower(strings.TrimSuffix(host, "."))
	if blockedHostnames[lower] {
		return fmt.Errorf("webhook: host %q is blocked", host)
	}
	for _, suffix := range blockedHostSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return fmt.Errorf("webhook: host %q is blocked", host)
		}
	}

	if ip := net.ParseIP(host); ip != nil {
		if blocked(ip) {
			return fmt.Errorf("webhook: address %s is blocked", ip)
		}
		return nil
	}

	resolver := g.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	addrs, err := resolver.LookupIPAddr(ctx, lower)
	if err != nil {
		return fmt.Errorf("webhook: resolve %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return fmt.Errorf("webhook: host %s resolved to nothing", host)
	}
	for _, addr := range addrs {
		if blocked(addr.IP) {
			return fmt.Errorf("webhook: host %s resolves to blocked address %s", host, addr.IP)
		}
	}
	return nil
}

func blocked(ip net.IP) bool {
	for _, network := range blockedNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}
