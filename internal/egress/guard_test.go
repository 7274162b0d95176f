package egress

import (
	"context"
	"errors"
	"net"
	"testing"
)

type fakeResolver map[string][]string

func (f fakeResolver) LookupIPAddr(_ context.Context, host string) ([]net.IPAddr, error) {
	ips, ok := f[host]
	if !ok {
		return nil, errors.New("no such host")
	}
	out := make([]net.IPAddr, 0, len(ips))
	for _, ip := range ips {
		out = append(out, net.IPAddr{IP: net.ParseIP(ip)})
	}
	return out, nil
}

func testGuard() *Guard {
	return &Guard{Resolver: fakeResolver{
		"example.com":       {"93.184.216.34"},
		"metadata.internal": {"169.254.169.254"},
		"intranet.corp":     {"10.1.2.3"},
		"mixed.example":     {"93.184.216.34", "192.168.1.10"},
	}}
}

func TestIsExternal(t *testing.T) {
	g := testGuard()
	ctx := context.Background()

	tests := []struct {
		url  string
		want bool
	}{
		{"https://example.com", true},
		{"https://example.com/hooks?x=1", true},
		{"http://127.0.0.1/hook", false},
		{"http://localhost:8080/hook", false},
		{"http://0.0.0.0/", false},
		{"http://[::1]/", false},
		{"http://10.1.2.3/", false},
		{"http://172.20.0.5/", false},
		{"http://192.168.0.1/", false},
		{"http://169.254.169.254/latest/meta-data", false},
		{"http://127.8.8.8/", false},
		{"http://metadata.internal/", false},
		{"http://intranet.corp/", false},
		{"http://mixed.example/", false},
		{"http://unresolvable.example/", true},
		{"not a url", false},
		{"/relative/path", false},
	}
	for _, tt := range tests {
		if got := g.IsExternal(ctx, tt.url); got != tt.want {
			t.Fatalf("IsExternal(%q) = %v, want %v", tt.url, got, tt.want)
		}
	}
}

func TestPolicyRelaxes(t *testing.T) {
	g := testGuard()
	g.Policy = AllowPrivate
	if !g.IsExternal(context.Background(), "http://127.0.0.1:9000/hook") {
		t.Fatal("AllowPrivate policy should allow loopback")
	}
	if g.IsExternal(context.Background(), "no-host") {
		t.Fatal("AllowPrivate policy should still require a host")
	}
}

func TestPolicyRestricts(t *testing.T) {
	g := testGuard()
	g.Policy = func(d Decision) bool {
		return d.Allowed && d.URL.Scheme == "https"
	}
	if g.IsExternal(context.Background(), "http://example.com") {
		t.Fatal("policy should reject plain http")
	}
	if !g.IsExternal(context.Background(), "https://example.com") {
		t.Fatal("policy should allow https")
	}
}

func TestBlockedHosts(t *testing.T) {
	g := testGuard()
	g.BlockedHosts = []string{"example.com"}
	if g.IsExternal(context.Background(), "https://EXAMPLE.com/x") {
		t.Fatal("configured blocked host should be rejected")
	}
}
