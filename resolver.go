// SPDX-License-Identifier: GPL-3.0-or-later

package scannerl

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"time"

	"github.com/miekg/dns"
)

// Resolver resolves a target hostname into an IP address.
//
// By making the connection manager depend on an abstract implementation we
// allow for unit testing and for using alternative resolution strategies.
type Resolver interface {
	Resolve(ctx context.Context, host string) (netip.Addr, error)
}

// StdResolver resolves hostnames using the system resolver.
//
// The zero value is ready to use. Hostnames that are already IP literals
// are parsed directly without any network activity.
type StdResolver struct {
	// Resolver optionally overrides the [*net.Resolver] to use. When
	// nil, [net.DefaultResolver] is used.
	Resolver *net.Resolver
}

var _ Resolver = &StdResolver{}

// Resolve implements [Resolver].
func (r *StdResolver) Resolve(ctx context.Context, host string) (netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return addr, nil
	}
	reso := r.Resolver
	if reso == nil {
		reso = net.DefaultResolver
	}
	addrs, err := reso.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return netip.Addr{}, err
	}
	if len(addrs) < 1 {
		return netip.Addr{}, newNoAddrsError(host)
	}
	return addrs[0].Unmap(), nil
}

// DNSResolver resolves hostnames by querying a specific DNS server
// rather than the system resolver. This is the resolver a scanning
// campaign points at its own recursive server.
//
// Only A records are queried: the engine probes over IPv4 unless the
// target is an IPv6 literal, which is parsed directly.
type DNSResolver struct {
	// Server is the "host:port" address of the DNS server to query.
	Server string

	// Net is the transport to use: "udp" (the default when empty) or
	// "tcp".
	Net string
}

var _ Resolver = &DNSResolver{}

// Resolve implements [Resolver].
func (r *DNSResolver) Resolve(ctx context.Context, host string) (netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return addr, nil
	}
	query := new(dns.Msg)
	query.SetQuestion(dns.Fqdn(host), dns.TypeA)
	client := &dns.Client{Net: r.Net}
	if deadline, ok := ctx.Deadline(); ok {
		client.Timeout = time.Until(deadline)
	}
	resp, _, err := client.ExchangeContext(ctx, query, r.Server)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return netip.Addr{}, newQueryTimeoutError(host, r.Server)
		}
		return netip.Addr{}, err
	}
	if resp.Rcode == dns.RcodeNameError {
		return netip.Addr{}, newNoSuchHostError(host)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return netip.Addr{}, &net.DNSError{
			Err:    "server misbehaving: " + dns.RcodeToString[resp.Rcode],
			Name:   host,
			Server: r.Server,
		}
	}
	for _, rr := range resp.Answer {
		if a, ok := rr.(*dns.A); ok {
			if addr, ok := netip.AddrFromSlice(a.A.To4()); ok {
				return addr, nil
			}
		}
	}
	return netip.Addr{}, newNoAddrsError(host)
}

// newNoSuchHostError returns the error for a name that does not exist.
//
// We use [*net.DNSError] with IsNotFound set so that both resolvers
// funnel into the same outcome classification.
func newNoSuchHostError(host string) error {
	return &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
}

// newNoAddrsError returns the error for a name that exists but has no
// usable address records.
func newNoAddrsError(host string) error {
	return &net.DNSError{Err: "no usable addresses", Name: host, IsNotFound: true}
}

// newQueryTimeoutError returns the error for an exchange that timed
// out, with IsTimeout set so that both resolvers funnel into the same
// outcome classification.
func newQueryTimeoutError(host, server string) error {
	return &net.DNSError{Err: "query timed out", Name: host, Server: server, IsTimeout: true}
}
