package dns

import (
	"context"
	"fmt"
	"net"
	"sort"
	"time"

	"github.com/miekg/dns"

	"github.com/cuemby/lifeguard/pkg/config"
	"github.com/cuemby/lifeguard/pkg/log"
	"github.com/cuemby/lifeguard/pkg/types"
)

// Directory is the name-service directory of one zone
type Directory interface {
	// LookupA returns the sorted addresses of name; a missing name is empty
	LookupA(ctx context.Context, name string) ([]string, error)
	// LookupPTR returns the names ip reverse-resolves to, without trailing dot
	LookupPTR(ctx context.Context, ip string) ([]string, error)

	AddA(ctx context.Context, name, ip string) error
	DeleteA(ctx context.Context, name, ip string) error
	// ReplaceA makes ip the only address of name
	ReplaceA(ctx context.Context, name, ip string) error
	// ReplacePTR makes name the only reverse name of ip
	ReplacePTR(ctx context.Context, ip, name string) error
}

// DDNSDirectory applies RFC 2136 dynamic updates signed with TSIG to the
// zone master and reads through a resolver.
type DDNSDirectory struct {
	Master     string
	Resolver   string
	Domain     string
	ForwardKey types.TSIGKey
	ReverseKey types.TSIGKey
	Timeout    time.Duration
	TTL        uint32
}

// NewDDNSDirectory returns the directory of zone
func NewDDNSDirectory(zone *types.Zone, cfg config.DNSConfig) *DDNSDirectory {
	master := withPort(zone.DDNSMaster)
	resolver := master
	if cfg.Resolver != "" {
		resolver = withPort(cfg.Resolver)
	}
	return &DDNSDirectory{
		Master:     master,
		Resolver:   resolver,
		Domain:     zone.DDNSDomain,
		ForwardKey: zone.ForwardKey,
		ReverseKey: zone.ReverseKey,
		Timeout:    cfg.Timeout,
		TTL:        cfg.TTL,
	}
}

func withPort(addr string) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(addr, "53")
}

func (d *DDNSDirectory) query(ctx context.Context, name string, qtype uint16) ([]dns.RR, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	m.RecursionDesired = true

	client := &dns.Client{Timeout: d.Timeout}
	resp, _, err := client.ExchangeContext(ctx, m, d.Resolver)
	if err != nil {
		return nil, &types.TransientInfraError{Op: "lookup " + name, Err: err}
	}
	switch resp.Rcode {
	case dns.RcodeSuccess:
		return resp.Answer, nil
	case dns.RcodeNameError:
		return nil, nil
	default:
		return nil, &types.TransientInfraError{
			Op:  "lookup " + name,
			Err: fmt.Errorf("resolver answered %s", dns.RcodeToString[resp.Rcode]),
		}
	}
}

// LookupA implements Directory
func (d *DDNSDirectory) LookupA(ctx context.Context, name string) ([]string, error) {
	answers, err := d.query(ctx, name, dns.TypeA)
	if err != nil {
		return nil, err
	}
	ips := []string{}
	for _, rr := range answers {
		if a, ok := rr.(*dns.A); ok {
			ips = append(ips, a.A.String())
		}
	}
	sort.Strings(ips)
	return ips, nil
}

// LookupPTR implements Directory
func (d *DDNSDirectory) LookupPTR(ctx context.Context, ip string) ([]string, error) {
	rev, err := ReverseName(ip)
	if err != nil {
		return nil, err
	}
	answers, err := d.query(ctx, rev, dns.TypePTR)
	if err != nil {
		return nil, err
	}
	names := []string{}
	for _, rr := range answers {
		if ptr, ok := rr.(*dns.PTR); ok {
			names = append(names, trimFqdn(ptr.Ptr))
		}
	}
	sort.Strings(names)
	return names, nil
}

// update sends one signed dynamic update for zone over TCP
func (d *DDNSDirectory) update(ctx context.Context, zone string, key types.TSIGKey, build func(m *dns.Msg)) error {
	m := new(dns.Msg)
	m.SetUpdate(dns.Fqdn(zone))
	build(m)

	client := &dns.Client{Net: "tcp", Timeout: d.Timeout}
	if key.Name != "" {
		algorithm := key.Algorithm
		if algorithm == "" {
			algorithm = dns.HmacSHA256
		}
		client.TsigSecret = map[string]string{dns.Fqdn(key.Name): key.Secret}
		m.SetTsig(dns.Fqdn(key.Name), dns.Fqdn(algorithm), 300, time.Now().Unix())
	}

	resp, _, err := client.ExchangeContext(ctx, m, d.Master)
	if err != nil {
		return &types.TransientInfraError{Op: "update " + zone, Err: err}
	}
	if resp.Rcode != dns.RcodeSuccess {
		return fmt.Errorf("update of zone %s rejected: %s", zone, dns.RcodeToString[resp.Rcode])
	}

	logger := log.WithComponent("dns")
	logger.Debug().
		Str("zone", zone).
		Int("records", len(m.Ns)).
		Msg("Dynamic update applied")
	return nil
}

func (d *DDNSDirectory) aRecord(name, ip string) (*dns.A, error) {
	v4, err := parseIPv4(ip)
	if err != nil {
		return nil, err
	}
	return &dns.A{
		Hdr: dns.RR_Header{Name: dns.Fqdn(name), Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: d.TTL},
		A:   v4,
	}, nil
}

// AddA implements Directory
func (d *DDNSDirectory) AddA(ctx context.Context, name, ip string) error {
	rr, err := d.aRecord(name, ip)
	if err != nil {
		return err
	}
	return d.update(ctx, d.Domain, d.ForwardKey, func(m *dns.Msg) {
		m.Insert([]dns.RR{rr})
	})
}

// DeleteA implements Directory
func (d *DDNSDirectory) DeleteA(ctx context.Context, name, ip string) error {
	rr, err := d.aRecord(name, ip)
	if err != nil {
		return err
	}
	return d.update(ctx, d.Domain, d.ForwardKey, func(m *dns.Msg) {
		m.Remove([]dns.RR{rr})
	})
}

// ReplaceA implements Directory
func (d *DDNSDirectory) ReplaceA(ctx context.Context, name, ip string) error {
	rr, err := d.aRecord(name, ip)
	if err != nil {
		return err
	}
	return d.update(ctx, d.Domain, d.ForwardKey, func(m *dns.Msg) {
		m.RemoveRRset([]dns.RR{rr})
		m.Insert([]dns.RR{rr})
	})
}

// ReplacePTR implements Directory. The update goes to the /24 reverse zone
// signed with the reverse key.
func (d *DDNSDirectory) ReplacePTR(ctx context.Context, ip, name string) error {
	zone, err := ReverseZone(ip)
	if err != nil {
		return err
	}
	rev, err := ReverseName(ip)
	if err != nil {
		return err
	}
	rr := &dns.PTR{
		Hdr: dns.RR_Header{Name: rev, Rrtype: dns.TypePTR, Class: dns.ClassINET, Ttl: d.TTL},
		Ptr: dns.Fqdn(name),
	}
	return d.update(ctx, zone, d.ReverseKey, func(m *dns.Msg) {
		m.RemoveRRset([]dns.RR{rr})
		m.Insert([]dns.RR{rr})
	})
}
