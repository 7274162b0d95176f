// Package egress decides whether an outbound URL may be contacted.
package egress

import (
	"context"
	"net"
	"net/url"
	"strings"
)

var blockedHosts = map[string]bool{
	"localhost": true,
	"127.0.0.1": true,
	"0.0.0.0":   true,
	"::1":       true,
}

var blockedNets = mustParseCIDRs(
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"0.0.0.0/8",
)

// Resolver looks up the addresses of a host.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Decision is what the built-in rules concluded about a URL.
type Decision struct {
	URL     *url.URL
	Host    string
	IPs     []net.IP
	Allowed bool
}

// Policy can further restrict or relax a decision. It returns the final verdict.
type Policy func(d Decision) bool

type Guard struct {
	Resolver Resolver
	Policy   Policy
	// BlockedHosts are extra hostnames rejected by exact match.
	BlockedHosts []string
}

func New() *Guard {
	return &Guard{Resolver: net.DefaultResolver}
}

// AllowPrivate relaxes the guard so that every parseable URL with a host passes.
func AllowPrivate(d Decision) bool {
	return d.Host != ""
}

// IsExternal reports whether raw points at an externally routable host.
// Hosts that fail to resolve are not rejected here.
func (g *Guard) IsExternal(ctx context.Context, raw string) bool {
	d := g.decide(ctx, raw)
	if g.Policy != nil {
		return g.Policy(d)
	}
	return d.Allowed
}

func (g *Guard) decide(ctx context.Context, raw string) Decision {
	u, err := url.Parse(raw)
	if err != nil {
		return Decision{}
	}
	host := strings.ToLower(strings.TrimSuffix(u.Hostname(), "."))
	d := Decision{URL: u, Host: host}
	if host == "" {
		return d
	}
	if blockedHosts[host] {
		return d
	}
	for _, h := range g.BlockedHosts {
		if strings.EqualFold(strings.TrimSpace(h), host) {
			return d
		}
	}

	if ip := net.ParseIP(host); ip != nil {
		d.IPs = []net.IP{ip}
	} else if g.Resolver != nil {
		addrs, err := g.Resolver.LookupIPAddr(ctx, host)
		if err == nil {
			for _, a := range addrs {
				d.IPs = append(d.IPs, a.IP)
			}
		}
	}
	for _, ip := range d.IPs {
		if IsBlockedIP(ip) {
			return d
		}
	}
	d.Allowed = true
	return d
}

// IsBlockedIP reports whether ip falls in a loopback, link-local or private range.
func IsBlockedIP(ip net.IP) bool {
	if ip.Equal(net.IPv6loopback) {
		return true
	}
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	for _, n := range blockedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	out := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(err)
		}
		out = append(out, n)
	}
	return out
}
