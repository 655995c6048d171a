package dns

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

// zoneServer is an in-memory authoritative server that accepts signed
// dynamic updates, used to exercise DDNSDirectory end to end.
type zoneServer struct {
	mu      sync.Mutex
	records map[string][]dns.RR
	updates []string
	secrets map[string]string

	addr string
	udp  *dns.Server
	tcp  *dns.Server
}

func newZoneServer(t *testing.T, secrets map[string]string) *zoneServer {
	t.Helper()

	z := &zoneServer{records: map[string][]dns.RR{}, secrets: secrets}

	tcpL, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	udpC, err := net.ListenPacket("udp", tcpL.Addr().String())
	require.NoError(t, err)
	z.addr = tcpL.Addr().String()

	mux := dns.NewServeMux()
	mux.HandleFunc(".", z.handle)

	z.tcp = &dns.Server{Listener: tcpL, Handler: mux, TsigSecret: secrets}
	z.udp = &dns.Server{PacketConn: udpC, Handler: mux, TsigSecret: secrets}

	started := make(chan struct{}, 2)
	z.tcp.NotifyStartedFunc = func() { started <- struct{}{} }
	z.udp.NotifyStartedFunc = func() { started <- struct{}{} }
	go func() { _ = z.tcp.ActivateAndServe() }()
	go func() { _ = z.udp.ActivateAndServe() }()
	<-started
	<-started

	t.Cleanup(func() {
		_ = z.tcp.Shutdown()
		_ = z.udp.Shutdown()
	})
	return z
}

func key(name string, rrtype uint16) string {
	return dns.Fqdn(name) + "/" + dns.TypeToString[rrtype]
}

func (z *zoneServer) set(rrs ...dns.RR) {
	z.mu.Lock()
	defer z.mu.Unlock()
	for _, rr := range rrs {
		k := key(rr.Header().Name, rr.Header().Rrtype)
		z.records[k] = append(z.records[k], rr)
	}
}

func (z *zoneServer) get(name string, rrtype uint16) []dns.RR {
	z.mu.Lock()
	defer z.mu.Unlock()
	return append([]dns.RR(nil), z.records[key(name, rrtype)]...)
}

func (z *zoneServer) handle(w dns.ResponseWriter, r *dns.Msg) {
	m := new(dns.Msg)
	m.SetReply(r)

	if r.IsTsig() != nil && w.TsigStatus() != nil {
		m.Rcode = dns.RcodeNotAuth
		_ = w.WriteMsg(m)
		return
	}

	switch r.Opcode {
	case dns.OpcodeUpdate:
		if len(z.secrets) > 0 && r.IsTsig() == nil {
			m.Rcode = dns.RcodeRefused
			break
		}
		z.apply(r)
	default:
		q := r.Question[0]
		answers := z.get(q.Name, q.Qtype)
		if len(answers) == 0 {
			m.Rcode = dns.RcodeNameError
		}
		m.Answer = answers
	}

	if t := r.IsTsig(); t != nil {
		m.SetTsig(t.Hdr.Name, t.Algorithm, 300, time.Now().Unix())
	}
	_ = w.WriteMsg(m)
}

func (z *zoneServer) apply(r *dns.Msg) {
	z.mu.Lock()
	defer z.mu.Unlock()

	z.updates = append(z.updates, r.Question[0].Name)
	for _, rr := range r.Ns {
		h := rr.Header()
		k := key(h.Name, h.Rrtype)
		switch h.Class {
		case dns.ClassANY:
			delete(z.records, k)
		case dns.ClassNONE:
			var kept []dns.RR
			for _, existing := range z.records[k] {
				if !sameData(existing, rr) {
					kept = append(kept, existing)
				}
			}
			z.records[k] = kept
		default:
			z.records[k] = append(z.records[k], dns.Copy(rr))
		}
	}
}

func sameData(a, b dns.RR) bool {
	switch x := a.(type) {
	case *dns.A:
		y, ok := b.(*dns.A)
		return ok && x.A.Equal(y.A)
	case *dns.PTR:
		y, ok := b.(*dns.PTR)
		return ok && x.Ptr == y.Ptr
	}
	return false
}

func aRR(name, ip string) dns.RR {
	return &dns.A{
		Hdr: dns.RR_Header{Name: dns.Fqdn(name), Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 30},
		A:   net.ParseIP(ip).To4(),
	}
}

func ptrRR(ip, name string) dns.RR {
	rev, _ := dns.ReverseAddr(ip)
	return &dns.PTR{
		Hdr: dns.RR_Header{Name: rev, Rrtype: dns.TypePTR, Class: dns.ClassINET, Ttl: 30},
		Ptr: dns.Fqdn(name),
	}
}
