package relayqueue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	mdns "github.com/miekg/dns"
	"github.com/migadu/trove/server/delivery"
)

var errNoSuchDomain = errors.New("domain does not exist")

// Resolver returns the hosts to try for a recipient domain, most preferred
// first.
type Resolver interface {
	LookupMX(ctx context.Context, domain string) ([]string, error)
}

// DNSResolver resolves mail exchangers with miekg/dns.
type DNSResolver struct {
	client      *mdns.Client
	nameservers []string
}

// NewDNSResolver queries nameservers ("host:port"), or the servers in
// /etc/resolv.conf when the list is empty.
func NewDNSResolver(nameservers []string, timeout time.Duration) *DNSResolver {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if len(nameservers) == 0 {
		nameservers = systemNameservers()
	}
	return &DNSResolver{
		client:      &mdns.Client{Timeout: timeout},
		nameservers: nameservers,
	}
}

func systemNameservers() []string {
	conf, err := mdns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || len(conf.Servers) == 0 {
		return []string{"127.0.0.1:53"}
	}
	servers := make([]string, 0, len(conf.Servers))
	for _, s := range conf.Servers {
		if !strings.Contains(s, ":") {
			s += ":" + conf.Port
		}
		servers = append(servers, s)
	}
	return servers
}

// LookupMX returns exchanger hostnames ordered by preference. A domain
// without MX records but with an address record is its own exchanger
// (RFC 5321 section 5.1). A null MX, a non-existent domain or a domain
// with no address at all is a permanent failure.
func (r *DNSResolver) LookupMX(ctx context.Context, domain string) ([]string, error) {
	resp, err := r.query(ctx, domain, mdns.TypeMX)
	if err != nil {
		if errors.Is(err, errNoSuchDomain) {
			return nil, &delivery.RelayError{Err: fmt.Errorf("mx %s: %w", domain, err), Permanent: true}
		}
		return nil, &delivery.RelayError{Err: fmt.Errorf("mx %s: %w", domain, err)}
	}

	var records []*mdns.MX
	for _, rr := range resp.Answer {
		if mx, ok := rr.(*mdns.MX); ok {
			records = append(records, mx)
		}
	}

	if len(records) == 0 {
		ok, err := r.hasAddress(ctx, domain)
		if err != nil {
			return nil, &delivery.RelayError{Err: fmt.Errorf("address %s: %w", domain, err)}
		}
		if !ok {
			return nil, &delivery.RelayError{Err: fmt.Errorf("no mail exchanger for %s", domain), Permanent: true}
		}
		return []string{domain}, nil
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Preference < records[j].Preference
	})
	hosts := make([]string, 0, len(records))
	for _, mx := range records {
		host := strings.TrimSuffix(mx.Mx, ".")
		if host == "" {
			// RFC 7505 null MX: the domain accepts no mail.
			return nil, &delivery.RelayError{Err: fmt.Errorf("%s does not accept mail (null MX)", domain), Permanent: true}
		}
		hosts = append(hosts, host)
	}
	return hosts, nil
}

func (r *DNSResolver) hasAddress(ctx context.Context, domain string) (bool, error) {
	for _, qtype := range []uint16{mdns.TypeA, mdns.TypeAAAA} {
		resp, err := r.query(ctx, domain, qtype)
		if errors.Is(err, errNoSuchDomain) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		for _, rr := range resp.Answer {
			switch rr.(type) {
			case *mdns.A, *mdns.AAAA:
				return true, nil
			}
		}
	}
	return false, nil
}

// query asks each nameserver in turn until one answers authoritatively for
// the name.
func (r *DNSResolver) query(ctx context.Context, name string, qtype uint16) (*mdns.Msg, error) {
	m := new(mdns.Msg)
	m.SetQuestion(mdns.Fqdn(name), qtype)
	m.RecursionDesired = true

	var lastErr error
	for _, server := range r.nameservers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		resp, _, err := r.client.ExchangeContext(ctx, m, server)
		if err != nil {
			lastErr = fmt.Errorf("dns query failed: %w", err)
			continue
		}
		switch resp.Rcode {
		case mdns.RcodeSuccess:
			return resp, nil
		case mdns.RcodeNameError:
			return nil, errNoSuchDomain
		default:
			lastErr = fmt.Errorf("dns: %s from %s", mdns.RcodeToString[resp.Rcode], server)
		}
	}
	if lastErr == nil {
		lastErr = errors.New("dns: no nameservers configured")
	}
	return nil, lastErr
}

// StaticResolver sends everything to a fixed list of hosts. Used for a
// smarthost and in tests.
type StaticResolver []string

func (s StaticResolver) LookupMX(ctx context.Context, domain string) ([]string, error) {
	return s, nil
}
