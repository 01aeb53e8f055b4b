package selector

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/miekg/dns"
)

// Resolver answers A lookups, either against an explicit DNS server or via
// the system resolver when none is configured. Pinning a DNS server matters
// here: once a tunnel is up, the system resolver may itself be routed
// through it.
type Resolver struct {
	server string // host:port of the DNS server, "" for system resolver
	client *dns.Client
}

// NewResolver creates a resolver. server may be empty, "host" or
// "host:port"; the default DNS port is assumed when missing.
func NewResolver(server string) *Resolver {
	if server != "" {
		if _, _, err := net.SplitHostPort(server); err != nil {
			server = net.JoinHostPort(server, "53")
		}
	}
	return &Resolver{
		server: server,
		client: &dns.Client{Timeout: 2 * time.Second},
	}
}

// Resolve returns the first IPv4 address for a hostname. Literal addresses
// pass through without a lookup.
func (r *Resolver) Resolve(ctx context.Context, hostname string) (netip.Addr, error) {
	if addr, err := netip.ParseAddr(hostname); err == nil {
		return addr.Unmap(), nil
	}
	if r.server == "" {
		return r.resolveSystem(ctx, hostname)
	}

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(hostname), dns.TypeA)
	msg.RecursionDesired = true

	resp, _, err := r.client.ExchangeContext(ctx, msg, r.server)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("resolve %s via %s: %w", hostname, r.server, err)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return netip.Addr{}, fmt.Errorf("resolve %s via %s: %s", hostname, r.server, dns.RcodeToString[resp.Rcode])
	}
	for _, rr := range resp.Answer {
		if a, ok := rr.(*dns.A); ok {
			addr, ok := netip.AddrFromSlice(a.A.To4())
			if ok {
				return addr, nil
			}
		}
	}
	return netip.Addr{}, fmt.Errorf("resolve %s via %s: no A records", hostname, r.server)
}

func (r *Resolver) resolveSystem(ctx context.Context, hostname string) (netip.Addr, error) {
	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip4", hostname)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("resolve %s: %w", hostname, err)
	}
	if len(addrs) == 0 {
		return netip.Addr{}, fmt.Errorf("resolve %s: no addresses", hostname)
	}
	return addrs[0].Unmap(), nil
}

// probeTCP measures the time to complete a TCP connect.
func probeTCP(ctx context.Context, target netip.AddrPort) (time.Duration, error) {
	var d net.Dialer
	start := time.Now()
	conn, err := d.DialContext(ctx, "tcp", target.String())
	if err != nil {
		return 0, err
	}
	rtt := time.Since(start)
	conn.Close()
	return rtt, nil
}
