package webhook

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

type staticResolver map[string][]string

func (r staticResolver) LookupIPAddr(_ context.Context, host string) ([]net.IPAddr, error) {
	ips := r[host]
	out := make([]net.IPAddr, 0, len(ips))
	for _, ip := range ips {
		out = append(out, net.IPAddr{IP: net.ParseIP(ip)})
	}
	return out, nil
}

func TestGuardBlocksInternalAddresses(t *testing.T) {
	guard := &URLGuard{Resolver: staticResolver{
		"public.example.com":   {"93.184.216.34"},
		"internal.example.com": {"10.1.2.3"},
		"rebind.example.com":   {"93.184.216.34", "127.0.0.1"},
		"v6-ula.example.com":   {"fd00::1"},
	}}
	ctx := context.Background()

	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"public host", "https://public.example.com/hook", false},
		{"private resolution", "https://internal.example.com/hook", true},
		// One bad A record poisons the whole set.
		{"mixed resolution", "https://rebind.example.com/hook", true},
		{"ipv6 ula", "https://v6-ula.example.com/hook", true},
		{"loopback literal", "http://127.0.0.1:8080/hook", true},
		{"private literal", "http://192.168.1.10/hook", true},
		{"link local literal", "http://169.254.169.254/latest/meta-data", true},
		{"multicast literal", "http://224.0.0.1/hook", true},
		{"zero network", "http://0.0.0.0/hook", true},
		{"ipv6 loopback literal", "http://[::1]/hook", true},
		{"public literal", "http://93.184.216.34/hook", false},
		{"localhost", "http://localhost/hook", true},
		{"metadata hostname", "http://metadata.google.internal/computeMetadata", true},
		{"internal suffix", "https://db.prod.internal/hook", true},
		{"local suffix", "https://printer.local/hook", true},
		{"bad scheme", "ftp://public.example.com/hook", true},
		{"no host", "https:///hook", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := guard.Check(ctx, tt.url)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestGuardAllowPrivate(t *testing.T) {
	guard := &URLGuard{AllowPrivate: true}
	assert.NoError(t, guard.Check(context.Background(), "http://127.0.0.1:9999/hook"))
	// Scheme checks still apply.
	assert.Error(t, guard.Check(context.Background(), "file:///etc/passwd"))
}
