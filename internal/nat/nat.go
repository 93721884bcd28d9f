// Package nat implements the client side of master-brokered NAT
// traversal: arranged (hole-punched) connections, relay fallback, and
// join-by-invite lookups. The package only produces rendezvous addresses;
// the session layer that actually connects lives elsewhere.
package nat

import (
	"github.com/rs/zerolog"

	"github.com/opentorque/servergrid/internal/netaddr"
	"github.com/opentorque/servergrid/internal/serverlist"
	"github.com/opentorque/servergrid/internal/transport"
	"github.com/opentorque/servergrid/internal/wire"
)

// Callbacks receive rendezvous results. Nil members are skipped.
type Callbacks struct {
	// OnArrangedCandidates delivers the candidate address list for a
	// hole-punch attempt.
	OnArrangedCandidates func(candidates []netaddr.NetAddress)
	// OnArrangedRejected reports a refused arrangement.
	OnArrangedRejected func(reason uint8)
	// OnRelay delivers the relay endpoint and which side hosts.
	OnRelay func(isHost bool, relay netaddr.NetAddress)
	// OnRelayReady signals the relay session is live at addr.
	OnRelayReady func(addr netaddr.NetAddress)
	// OnInviteResult reports an invite lookup; local is set when the
	// responder turned out to share our LAN.
	OnInviteResult func(found bool, addr netaddr.NetAddress, local bool)
}

// Dispatcher sends rendezvous requests to every configured master and
// routes their responses to the callbacks.
type Dispatcher struct {
	send    transport.Sender
	masters func() []serverlist.MasterInfo
	cb      Callbacks
	log     zerolog.Logger
}

// New builds a Dispatcher. masters is re-read per request.
func New(send transport.Sender, masters func() []serverlist.MasterInfo, cb Callbacks, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{send: send, masters: masters, cb: cb, log: log}
}

func (d *Dispatcher) broadcast(payload []byte) {
	for _, m := range d.masters() {
		if err := d.send.Send(m.Address, payload); err != nil {
			d.log.Debug().Err(err).Stringer("master", m.Address).Msg("rendezvous send failed")
		}
	}
}

// ArrangeConnection asks every master to broker a hole-punched
// connection to target.
func (d *Dispatcher) ArrangeConnection(target netaddr.NetAddress) {
	d.log.Info().Stringer("target", target).Msg("Sending arranged connect request to master servers")
	req := wire.TargetAddress{Target: target}
	d.broadcast(req.Encode(wire.MasterServerRequestArrangedConnection))
}

// RelayConnection asks the masters for a relay endpoint to target, the
// fallback when hole-punching cannot succeed.
func (d *Dispatcher) RelayConnection(target netaddr.NetAddress) {
	d.log.Info().Stringer("target", target).Msg("Requesting relay server")
	req := wire.TargetAddress{Target: target}
	d.broadcast(req.Encode(wire.MasterServerRelayRequest))
}

// JoinByInvite looks an invite code up with the masters and, in the same
// breath, broadcasts it on the LAN port for hosts sitting next to us.
func (d *Dispatcher) JoinByInvite(code string, lanPort uint16) {
	req := wire.JoinInvite{InviteCode: code}
	payload := req.Encode()
	d.broadcast(payload)
	if err := d.send.Send(netaddr.BroadcastIPv4Addr(lanPort), payload); err != nil {
		d.log.Debug().Err(err).Msg("invite broadcast failed")
	}
}

// Dispatch feeds one inbound datagram to the dispatcher, returning true
// when the packet type belongs to the rendezvous family.
func (d *Dispatcher) Dispatch(from netaddr.NetAddress, payload []byte) bool {
	r := wire.NewReader(payload)
	h, err := r.ReadHeader()
	if err != nil {
		return false
	}

	switch h.Type {
	case wire.MasterServerArrangedConnectionAccepted:
		m, err := wire.DecodeArrangedConnectionAccepted(r, h)
		if err != nil {
			return true
		}
		d.log.Info().Int("candidates", len(m.Candidates)).Msg("Received accept arranged connect response from the master server.")
		if d.cb.OnArrangedCandidates != nil {
			d.cb.OnArrangedCandidates(m.Candidates)
		}
		return true

	case wire.MasterServerArrangedConnectionRejected:
		m, err := wire.DecodeArrangedConnectionRejected(r, h)
		if err != nil {
			return true
		}
		d.log.Info().Uint8("reason", m.Reason).Msg("Received reject arranged connect response from the master server.")
		if d.cb.OnArrangedRejected != nil {
			d.cb.OnArrangedRejected(m.Reason)
		}
		return true

	case wire.MasterServerRelayResponse:
		m, err := wire.DecodeRelayResponse(r, h)
		if err != nil {
			return true
		}
		d.log.Info().Bool("is_host", m.IsHost).Stringer("relay", m.RelayAddr).Msg("Received relay response")
		if d.cb.OnRelay != nil {
			d.cb.OnRelay(m.IsHost, m.RelayAddr)
		}
		return true

	case wire.MasterServerRelayReady:
		if d.cb.OnRelayReady != nil {
			d.cb.OnRelayReady(from)
		}
		return true

	case wire.MasterServerJoinInviteResponse:
		m, err := wire.DecodeJoinInviteResponse(r, h)
		if err != nil {
			return true
		}
		addr := m.Addr
		local := false
		if m.Found && wire.IsSentinelSelfIP(addr) {
			// A LAN host answered; its real address is the packet source.
			addr.IP = from.IP
			local = true
		}
		if d.cb.OnInviteResult != nil {
			d.cb.OnInviteResult(m.Found, addr, local)
		}
		return true
	}
	return false
}
