// Package netaddr implements the tagged-union game-server address used
// throughout servergrid: an IPv4 endpoint, or a legacy IPX endpoint.
package netaddr

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Family distinguishes the address kinds a NetAddress can hold.
type Family uint8

const (
	IPv4 Family = iota
	IPX
)

// Broadcast sentinels, mirroring the engine's "IP:BROADCAST:<port>" address
// strings — a NetAddress with IsBroadcast set targets the link-local
// broadcast address on the given port rather than a specific host.
const (
	BroadcastIPv4 = "255.255.255.255"
)

// NetAddress is a tagged union of the address kinds the protocol
// speaks. Two addresses compare equal iff family and all fields are
// equal.
type NetAddress struct {
	Family      Family
	IP          [4]byte // IPv4 octets; zero-valued for IPX
	Port        uint16
	IPXNet      [4]byte // legacy IPX network number, optional
	IPXNode     [6]byte // legacy IPX node number, optional
	IsBroadcast bool
}

// NewIPv4 builds a unicast IPv4 NetAddress.
func NewIPv4(a, b, c, d byte, port uint16) NetAddress {
	return NetAddress{Family: IPv4, IP: [4]byte{a, b, c, d}, Port: port}
}

// BroadcastIPv4Addr builds the well-known IPv4 broadcast sentinel for a port.
func BroadcastIPv4Addr(port uint16) NetAddress {
	return NetAddress{Family: IPv4, IP: [4]byte{255, 255, 255, 255}, Port: port, IsBroadcast: true}
}

// Equal reports whether family and all fields match.
func (a NetAddress) Equal(b NetAddress) bool {
	if a.Family != b.Family || a.Port != b.Port {
		return false
	}
	switch a.Family {
	case IPv4:
		return a.IP == b.IP
	case IPX:
		return a.IPXNet == b.IPXNet && a.IPXNode == b.IPXNode
	default:
		return false
	}
}

// String renders the address the way the engine's Net::addressToString did,
// for logging.
func (a NetAddress) String() string {
	switch a.Family {
	case IPv4:
		return fmt.Sprintf("IP:%d.%d.%d.%d:%d", a.IP[0], a.IP[1], a.IP[2], a.IP[3], a.Port)
	case IPX:
		return fmt.Sprintf("IPX:%x:%x:%d", a.IPXNet, a.IPXNode, a.Port)
	default:
		return "UNKNOWN"
	}
}

// Key returns a comparable, hashable representation suitable for use as a map
// key — used by the server list and finished-set lookups.
func (a NetAddress) Key() string {
	return a.String()
}

// Parse builds an IPv4 NetAddress from a host (dotted quad, "BROADCAST",
// or a DNS name) and a port.
func Parse(host string, port uint16) (NetAddress, error) {
	if strings.EqualFold(host, "BROADCAST") || host == BroadcastIPv4 {
		return BroadcastIPv4Addr(port), nil
	}
	ip := net.ParseIP(host)
	if ip == nil {
		ips, err := net.LookupIP(host)
		if err != nil || len(ips) == 0 {
			return NetAddress{}, fmt.Errorf("netaddr: cannot resolve %q", host)
		}
		ip = ips[0]
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return NetAddress{}, fmt.Errorf("netaddr: %q is not an IPv4 address", host)
	}
	return NewIPv4(ip4[0], ip4[1], ip4[2], ip4[3], port), nil
}

// ParseHostPort parses "host:port", tolerating the engine's "IP:" prefix
// ("IP:192.0.2.1:28000").
func ParseHostPort(s string) (NetAddress, error) {
	s = strings.TrimPrefix(s, "IP:")
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return NetAddress{}, fmt.Errorf("netaddr: bad address %q: %w", s, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return NetAddress{}, fmt.Errorf("netaddr: bad port in %q", s)
	}
	return Parse(host, uint16(port))
}
