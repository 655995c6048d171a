package dns

import (
	"fmt"
	"net"
	"strings"

	"github.com/miekg/dns"

	"github.com/cuemby/lifeguard/pkg/types"
)

// parseIPv4 rejects anything that is not a dotted IPv4 address
func parseIPv4(ip string) (net.IP, error) {
	v4 := net.ParseIP(ip).To4()
	if v4 == nil {
		return nil, types.NewValidationError("not an IPv4 address: %q", ip)
	}
	return v4, nil
}

// ReverseZone returns the /24 reverse zone holding ip's PTR record.
// 10.1.2.3 -> 2.1.10.in-addr.arpa.
func ReverseZone(ip string) (string, error) {
	v4, err := parseIPv4(ip)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d.%d.%d.in-addr.arpa.", v4[2], v4[1], v4[0]), nil
}

// ReverseName returns the PTR owner name of ip.
// 10.1.2.3 -> 3.2.1.10.in-addr.arpa.
func ReverseName(ip string) (string, error) {
	if _, err := parseIPv4(ip); err != nil {
		return "", err
	}
	return dns.ReverseAddr(ip)
}

// trimFqdn drops the trailing dot of a fully qualified name
func trimFqdn(name string) string {
	return strings.TrimSuffix(name, ".")
}
