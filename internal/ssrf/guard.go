// Package ssrf rejects outbound requests aimed at loopback, private or
// otherwise internal addresses.
package ssrf

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/yl2chen/cidranger"
)

// ErrUnsafeURL is returned for URLs that must not be fetched.
var ErrUnsafeURL = errors.New("ssrf: unsafe url")

// blockedRanges are CIDR blocks for private / loopback / reserved IPs.
var blockedRanges = []string{
	"0.0.0.0/8",
	"10.0.0.0/8",
	"100.64.0.0/10",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"172.16.0.0/12",
	"192.0.0.0/24",
	"192.168.0.0/16",
	"198.18.0.0/15",
	"224.0.0.0/4",
	"240.0.0.0/4",
	"::/128",
	"::1/128",
	"fc00::/7",
	"fe80::/10",
	"ff00::/8",
}

// localhostAliases are hostnames rejected without a DNS lookup.
var localhostAliases = map[string]struct{}{
	"localhost":             {},
	"localhost.localdomain": {},
	"ip6-localhost":         {},
	"ip6-loopback":          {},
}

// Resolver is the subset of *net.Resolver the guard needs.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Guard validates URLs and dial targets.
type Guard struct {
	resolver Resolver
	blocked  cidranger.Ranger
	exempt   cidranger.Ranger
}

// Option configures a Guard.
type Option func(*Guard) error

// WithResolver replaces the DNS resolver.
func WithResolver(r Resolver) Option {
	return func(g *Guard) error {
		g.resolver = r
		return nil
	}
}

// WithExemptNets allows addresses inside cidrs even when they fall in a
// blocked range. Localhost aliases stay blocked by name unless the loopback
// range is exempt.
func WithExemptNets(cidrs ...string) Option {
	return func(g *Guard) error {
		for _, cidr := range cidrs {
			_, block, err := net.ParseCIDR(cidr)
			if err != nil {
				return fmt.Errorf("ssrf: exempt range %q: %w", cidr, err)
			}
			if err := g.exempt.Insert(cidranger.NewBasicRangerEntry(*block)); err != nil {
				return fmt.Errorf("ssrf: exempt range %q: %w", cidr, err)
			}
		}
		return nil
	}
}

// New creates a Guard with the default blocked ranges.
func New(opts ...Option) (*Guard, error) {
	g := &Guard{
		resolver: net.DefaultResolver,
		blocked:  cidranger.NewPCTrieRanger(),
		exempt:   cidranger.NewPCTrieRanger(),
	}
	for _, cidr := range blockedRanges {
		_, block, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, err
		}
		if err := g.blocked.Insert(cidranger.NewBasicRangerEntry(*block)); err != nil {
			return nil, err
		}
	}
	for _, opt := range opts {
		if err := opt(g); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// IsSafe reports whether rawURL may be fetched.
func (g *Guard) IsSafe(ctx context.Context, rawURL string) bool {
	return g.Check(ctx, rawURL) == nil
}

// Check returns an error wrapping ErrUnsafeURL when rawURL fails format,
// scheme, host or resolved-address validation.
func (g *Guard) Check(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnsafeURL, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return fmt.Errorf("%w: scheme %q not allowed", ErrUnsafeURL, u.Scheme)
	}

	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if host == "" {
		return fmt.Errorf("%w: missing host", ErrUnsafeURL)
	}

	if _, err := g.resolve(ctx, host); err != nil {
		return err
	}
	return nil
}

// resolve returns host's addresses, or an error if any of them is blocked.
func (g *Guard) resolve(ctx context.Context, host string) ([]net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		if g.blockedIP(ip) {
			return nil, fmt.Errorf("%w: address %s is not allowed", ErrUnsafeURL, ip)
		}
		return []net.IP{ip}, nil
	}

	if isLocalhostAlias(host) {
		loopback := net.IPv4(127, 0, 0, 1)
		if !g.permitted(loopback) {
			return nil, fmt.Errorf("%w: host %q is loopback", ErrUnsafeURL, host)
		}
		return []net.IP{loopback}, nil
	}

	addrs, err := g.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("%w: resolving %q: %w", ErrUnsafeURL, host, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%w: %q has no addresses", ErrUnsafeURL, host)
	}

	ips := make([]net.IP, 0, len(addrs))
	for _, a := range addrs {
		if g.blockedIP(a.IP) {
			return nil, fmt.Errorf("%w: %q resolves to %s", ErrUnsafeURL, host, a.IP)
		}
		ips = append(ips, a.IP)
	}
	return ips, nil
}

func isLocalhostAlias(host string) bool {
	if _, ok := localhostAliases[host]; ok {
		return true
	}
	return strings.HasSuffix(host, ".localhost")
}

// blockedIP reports whether ip is loopback, unspecified, link-local, private
// or inside a blocked range, and not exempt.
func (g *Guard) blockedIP(ip net.IP) bool {
	if g.permitted(ip) {
		return false
	}
	if ip.IsLoopback() || ip.IsUnspecified() || ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsInterfaceLocalMulticast() {
		return true
	}
	blocked, err := g.blocked.Contains(normalizeIP(ip))
	return err != nil || blocked
}

func (g *Guard) permitted(ip net.IP) bool {
	ok, err := g.exempt.Contains(normalizeIP(ip))
	return err == nil && ok
}

// normalizeIP converts IPv4-mapped IPv6 addresses to their 4-byte form so
// they match the IPv4 ranges.
func normalizeIP(ip net.IP) net.IP {
	if v4 := ip.To4(); v4 != nil {
		return v4
	}
	return ip
}
