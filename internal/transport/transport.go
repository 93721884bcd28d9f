// Package transport is the thin seam between the protocol code and the
// operating system's UDP sockets. The engine, responder, and master all
// talk to a Sender; only the daemons bind a real socket.
package transport

import (
	"fmt"
	"net"

	"github.com/rs/zerolog/log"

	"github.com/opentorque/servergrid/internal/netaddr"
)

// Sender transmits one datagram to a game-protocol address. Implementations
// must tolerate broadcast sentinels.
type Sender interface {
	Send(addr netaddr.NetAddress, payload []byte) error
}

// Handler receives one inbound datagram.
type Handler func(from netaddr.NetAddress, payload []byte)

// SendFunc adapts a function to a Sender; tests capture outbound traffic
// this way.
type SendFunc func(addr netaddr.NetAddress, payload []byte) error

func (f SendFunc) Send(addr netaddr.NetAddress, payload []byte) error { return f(addr, payload) }

// UDP is a Sender plus a receive loop over one bound IPv4 socket.
type UDP struct {
	conn *net.UDPConn
}

// ListenUDP binds a UDP socket on port (0 picks an ephemeral port) with
// broadcast transmission permitted.
func ListenUDP(port uint16) (*UDP, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: int(port)})
	if err != nil {
		return nil, fmt.Errorf("transport: listen udp :%d: %w", port, err)
	}
	return &UDP{conn: conn}, nil
}

// LocalPort reports the bound port.
func (u *UDP) LocalPort() uint16 {
	return uint16(u.conn.LocalAddr().(*net.UDPAddr).Port)
}

func (u *UDP) Send(addr netaddr.NetAddress, payload []byte) error {
	if addr.Family != netaddr.IPv4 {
		// IPX transports went away with the hardware that spoke them.
		return nil
	}
	dst := &net.UDPAddr{
		IP:   net.IPv4(addr.IP[0], addr.IP[1], addr.IP[2], addr.IP[3]),
		Port: int(addr.Port),
	}
	if addr.IsBroadcast {
		dst.IP = net.IPv4bcast
	}
	_, err := u.conn.WriteToUDP(payload, dst)
	return err
}

// Serve reads datagrams until the socket closes, invoking h for each. It
// blocks, so daemons run it on its own goroutine and forward packets into
// their event loop over a channel.
func (u *UDP) Serve(h Handler) {
	buf := make([]byte, 2048)
	for {
		n, from, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			log.Debug().Err(err).Msg("transport: read loop ending")
			return
		}
		ip4 := from.IP.To4()
		if ip4 == nil {
			continue
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		h(netaddr.NewIPv4(ip4[0], ip4[1], ip4[2], ip4[3], uint16(from.Port)), payload)
	}
}

// Close shuts the socket down, unblocking Serve.
func (u *UDP) Close() error { return u.conn.Close() }
