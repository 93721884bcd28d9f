package master

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/opentorque/servergrid/internal/netaddr"
	"github.com/opentorque/servergrid/internal/serverlist"
	"github.com/opentorque/servergrid/internal/transport"
	"github.com/opentorque/servergrid/internal/wire"
)

// serversPerPacket bounds a list fragment well under a safe UDP payload.
const serversPerPacket = 64

// verifyTimeout bounds how long a post-heartbeat info poll stays pending.
const verifyTimeout = 30 * time.Second

// forwardTimeout bounds how long a rendezvous forward waits for the game
// server's reply.
const forwardTimeout = 10 * time.Second

// listFilterTimeout bounds how long a client's list filter is remembered
// for fragment re-requests.
const listFilterTimeout = 30 * time.Second

// Options configures a Server.
type Options struct {
	Registry *Registry
	Limiter  *IPRateLimiter
	Metrics  *Metrics
	Geo      *GeoIP
	Log      zerolog.Logger

	// RelayAddr is the relay endpoint handed out to peers that cannot
	// hole-punch. The zero value disables relay brokering.
	RelayAddr netaddr.NetAddress
}

type pendingVerify struct {
	key      uint32
	deadline time.Time
}

type pendingForward struct {
	client   netaddr.NetAddress
	deadline time.Time
}

type pendingFilter struct {
	req      wire.ListRequest
	deadline time.Time
}

type relaySession struct {
	id     string
	client netaddr.NetAddress
	host   netaddr.NetAddress
}

// Server handles the master's UDP protocol. Handler state lives on the
// receive loop; the pending maps are mutex-guarded because the janitor
// expires them from its own goroutine.
type Server struct {
	reg     *Registry
	limiter *IPRateLimiter
	metrics *Metrics
	geo     *GeoIP
	log     zerolog.Logger
	send    transport.Sender
	relay   netaddr.NetAddress

	key uint32

	mu sync.Mutex
	// verifying maps a just-heartbeaten server to the info-poll key we
	// expect echoed back.
	verifying map[string]pendingVerify
	// forwards maps "<target>/<peerKey>" to the NAT'd client waiting on
	// the forwarded reply.
	forwards map[string]pendingForward
	// filters remembers each client's full list filter; fragment
	// re-requests zero their filter fields on the wire, so pagination
	// stays stable only if the original filter is re-applied.
	filters map[string]pendingFilter
	// relays pairs the two sides of an in-flight relay arrangement by
	// host address.
	relays map[string]relaySession
}

// NewServer builds the protocol handler; send transmits its replies.
func NewServer(o Options, send transport.Sender) *Server {
	return &Server{
		reg:       o.Registry,
		limiter:   o.Limiter,
		metrics:   o.Metrics,
		geo:       o.Geo,
		log:       o.Log,
		send:      send,
		relay:     o.RelayAddr,
		verifying: make(map[string]pendingVerify),
		forwards:  make(map[string]pendingForward),
		filters:   make(map[string]pendingFilter),
		relays:    make(map[string]relaySession),
	}
}

func (s *Server) nextKey() uint32 {
	k := s.key
	s.key++
	return k
}

func ipOf(addr netaddr.NetAddress) string {
	return fmt.Sprintf("%d.%d.%d.%d", addr.IP[0], addr.IP[1], addr.IP[2], addr.IP[3])
}

// HandlePacket processes one datagram from the receive loop.
func (s *Server) HandlePacket(from netaddr.NetAddress, payload []byte) {
	if s.limiter != nil && !s.limiter.Allow(ipOf(from)) {
		s.metrics.RateLimited.Inc()
		return
	}

	r := wire.NewReader(payload)
	h, err := r.ReadHeader()
	if err != nil {
		s.metrics.MalformedPackets.Inc()
		return
	}

	switch h.Type {
	case wire.GameHeartbeat:
		s.handleHeartbeat(from, h)

	case wire.GameMasterInfoResponse:
		m, err := wire.DecodeMasterInfoResponse(r, h)
		if err != nil {
			s.metrics.MalformedPackets.Inc()
			return
		}
		s.handleMasterInfoResponse(from, m)

	case wire.MasterServerListRequest:
		m, err := wire.DecodeListRequest(r, h)
		if err != nil {
			s.metrics.MalformedPackets.Inc()
			return
		}
		s.handleListRequest(from, m)

	case wire.MasterServerGamePingRequest:
		m, err := wire.DecodeNATRelayRequest(r, h)
		if err != nil {
			s.metrics.MalformedPackets.Inc()
			return
		}
		s.forwardProbe(from, m, wire.GamePingRequest)

	case wire.MasterServerGameInfoRequest:
		m, err := wire.DecodeNATRelayRequest(r, h)
		if err != nil {
			s.metrics.MalformedPackets.Inc()
			return
		}
		s.forwardProbe(from, m, wire.GameInfoRequest)

	case wire.GamePingResponse:
		s.relayReplyBack(from, h, payload, wire.MasterServerGamePingResponse)

	case wire.GameInfoResponse:
		s.relayReplyBack(from, h, payload, wire.MasterServerGameInfoResponse)

	case wire.MasterServerRequestArrangedConnection:
		m, err := wire.DecodeTargetAddress(r, h)
		if err != nil {
			s.metrics.MalformedPackets.Inc()
			return
		}
		s.handleArrangedRequest(from, m)

	case wire.MasterServerRelayRequest:
		m, err := wire.DecodeTargetAddress(r, h)
		if err != nil {
			s.metrics.MalformedPackets.Inc()
			return
		}
		s.handleRelayRequest(from, m)

	case wire.MasterServerJoinInvite:
		m, err := wire.DecodeJoinInvite(r, h)
		if err != nil {
			s.metrics.MalformedPackets.Inc()
			return
		}
		s.handleJoinInvite(from, m)
	}
}

// handleHeartbeat records the registration and fires a verification poll
// so the registry learns the server's game type, invite code, and player
// counts.
func (s *Server) handleHeartbeat(from netaddr.NetAddress, h wire.Header) {
	now := time.Now()
	hint := s.geo.RegionHint(ipOf(from))
	if err := s.reg.Touch(ipOf(from), from.Port, hint, now); err != nil {
		s.log.Error().Err(err).Stringer("from", from).Msg("heartbeat upsert failed")
		return
	}
	s.metrics.Heartbeats.Inc()
	s.log.Debug().Stringer("from", from).Uint8("flags", h.Flags).Msg("Heartbeat")

	key := s.nextKey()
	s.mu.Lock()
	s.verifying[from.Key()] = pendingVerify{key: key, deadline: now.Add(verifyTimeout)}
	s.mu.Unlock()
	probe := wire.HeaderOnly{Flags: 0, KeyField: key}
	if err := s.send.Send(from, probe.Encode(wire.GameMasterInfoRequest)); err != nil {
		s.log.Debug().Err(err).Msg("verify poll send failed")
	}
}

// handleMasterInfoResponse completes a verification poll.
func (s *Server) handleMasterInfoResponse(from netaddr.NetAddress, m wire.MasterInfoResponse) {
	s.mu.Lock()
	pending, ok := s.verifying[from.Key()]
	if ok && pending.key == m.KeyField {
		delete(s.verifying, from.Key())
	}
	s.mu.Unlock()
	if !ok || pending.key != m.KeyField {
		return
	}
	if time.Now().After(pending.deadline) {
		return
	}

	err := s.reg.UpdateInfo(Entry{
		IP:          ipOf(from),
		Port:        from.Port,
		Region:      m.RegionMask,
		GameType:    m.GameType,
		MissionType: m.MissionType,
		InviteCode:  m.InviteCode,
		NumPlayers:  uint8(len(m.GUIDs)),
		MaxPlayers:  m.MaxPlayers,
		NumBots:     m.NumBots,
		CPUSpeed:    m.CPUSpeed,
		Version:     m.Version,
		StatusFlags: m.StatusFlags,
	})
	if err != nil {
		s.log.Debug().Err(err).Stringer("from", from).Msg("verify update failed")
	}
}

// matchesFilter applies the request's filter fields server-side so only
// matching candidates ship to the client.
func matchesFilter(req wire.ListRequest, e Entry) bool {
	if req.RegionMask != 0 && e.Region != 0 && req.RegionMask&e.Region == 0 {
		return false
	}
	f := &serverlist.Filter{
		GameType:    req.GameType,
		MissionType: req.MissionType,
		MinPlayers:  req.MinPlayers,
		MaxPlayers:  req.MaxPlayers,
		MaxBots:     req.MaxBots,
		MinCPU:      req.MinCPU,
		FilterFlags: req.FilterFlags,
	}
	si := &serverlist.ServerInfo{
		GameType:    e.GameType,
		MissionType: e.MissionType,
		NumPlayers:  e.NumPlayers,
		NumBots:     e.NumBots,
		CPUSpeedMHz: e.CPUSpeed,
		Version:     e.Version,
	}
	if e.StatusFlags&wire.StatusDedicated != 0 {
		si.Flags |= serverlist.FlagDedicated
	}
	if e.StatusFlags&wire.StatusPassworded != 0 {
		si.Flags |= serverlist.FlagPassworded
	}
	// An unverified registration has version 0 and matches any client;
	// the client's own ping-time version check sorts it out.
	ourVersion := req.Version
	if ourVersion == 0 || e.Version == 0 {
		ourVersion = si.Version
	}
	return serverlist.CheckInfoFilter(f, si, ourVersion) == serverlist.Accepted
}

func entryAddr(e Entry) (netaddr.NetAddress, error) {
	return netaddr.ParseHostPort(fmt.Sprintf("%s:%d", e.IP, e.Port))
}

// handleListRequest answers with the full paginated list (pageIndex 255)
// or re-sends a single fragment. The final fragment carries the
// requester's own public address with the self-address flag set, which
// is how clients learn their public IP.
func (s *Server) handleListRequest(from netaddr.NetAddress, req wire.ListRequest) {
	s.metrics.ListRequests.Inc()

	if req.PageIndex == 255 {
		s.mu.Lock()
		s.filters[from.Key()] = pendingFilter{req: req, deadline: time.Now().Add(listFilterTimeout)}
		s.mu.Unlock()
	} else {
		// A re-request names only the page; restore the filter the
		// client originally asked with.
		s.mu.Lock()
		if p, ok := s.filters[from.Key()]; ok && time.Now().Before(p.deadline) {
			keyField, page := req.KeyField, req.PageIndex
			req = p.req
			req.KeyField = keyField
			req.PageIndex = page
		}
		s.mu.Unlock()
	}

	entries, err := s.reg.List()
	if err != nil {
		s.log.Error().Err(err).Msg("registry list failed")
		return
	}

	var addrs []netaddr.NetAddress
	for _, e := range entries {
		if !matchesFilter(req, e) {
			continue
		}
		addr, err := entryAddr(e)
		if err != nil {
			continue
		}
		addrs = append(addrs, addr)
	}

	fragments := len(addrs) / serversPerPacket
	if len(addrs)%serversPerPacket != 0 || fragments == 0 {
		fragments++
	}
	total := uint8(fragments + 1) // plus the self-address fragment

	sendFragment := func(index uint8) {
		if int(index) == fragments {
			// Self-address fragment.
			resp := wire.ListResponse{
				Flags:       wire.FlagSelfAddress,
				KeyField:    req.KeyField,
				PacketIndex: index,
				PacketTotal: total,
				Servers:     []netaddr.NetAddress{from},
			}
			if err := s.send.Send(from, resp.Encode()); err != nil {
				s.log.Debug().Err(err).Msg("list fragment send failed")
			}
			s.metrics.ListPacketsSent.Inc()
			return
		}
		lo := int(index) * serversPerPacket
		if lo > len(addrs) {
			return
		}
		hi := lo + serversPerPacket
		if hi > len(addrs) {
			hi = len(addrs)
		}
		resp := wire.ListResponse{
			KeyField:    req.KeyField,
			PacketIndex: index,
			PacketTotal: total,
			Servers:     addrs[lo:hi],
		}
		if err := s.send.Send(from, resp.Encode()); err != nil {
			s.log.Debug().Err(err).Msg("list fragment send failed")
		}
		s.metrics.ListPacketsSent.Inc()
	}

	if req.PageIndex == 255 {
		s.log.Info().Stringer("from", from).Int("servers", len(addrs)).Uint8("fragments", total).Msg("getservers")
		for i := uint8(0); i < total; i++ {
			sendFragment(i)
		}
	} else {
		sendFragment(req.PageIndex)
	}
}

// forwardProbe relays a ping/info probe to a NAT'd game server on a
// client's behalf; the outbound packet from this master helps punch the
// server's mapping open toward us so the reply can route back.
func (s *Server) forwardProbe(client netaddr.NetAddress, m wire.NATRelayRequest, probeType wire.PacketType) {
	s.metrics.RendezvousPackets.Inc()

	fwdKey := fmt.Sprintf("%s/%d", m.Target.Key(), m.PeerKey)
	s.mu.Lock()
	s.forwards[fwdKey] = pendingForward{client: client, deadline: time.Now().Add(forwardTimeout)}
	s.mu.Unlock()

	probe := wire.HeaderOnly{Flags: m.PeerFlags, KeyField: m.PeerKey}
	if err := s.send.Send(m.Target, probe.Encode(probeType)); err != nil {
		s.log.Debug().Err(err).Msg("probe forward send failed")
	}
}

// relayReplyBack wraps a game server's direct reply and forwards it to
// the client that asked for the probe. Replies nobody is waiting on are
// dropped.
func (s *Server) relayReplyBack(from netaddr.NetAddress, h wire.Header, payload []byte, wrapType wire.PacketType) {
	fwdKey := fmt.Sprintf("%s/%d", from.Key(), h.KeyField)
	s.mu.Lock()
	pending, ok := s.forwards[fwdKey]
	if ok {
		delete(s.forwards, fwdKey)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	if time.Now().After(pending.deadline) {
		return
	}

	w := wire.NewWriter()
	w.WriteHeader(wrapType, 0, 0)
	w.WriteNetAddress4(from)
	w.WriteRaw(payload)
	if err := s.send.Send(pending.client, w.Bytes()); err != nil {
		s.log.Debug().Err(err).Msg("wrapped reply send failed")
	}
	s.metrics.RendezvousPackets.Inc()
}

// handleArrangedRequest answers with the candidate addresses for a
// hole-punch at the target, or a rejection when the target is unknown.
func (s *Server) handleArrangedRequest(from netaddr.NetAddress, m wire.TargetAddress) {
	s.metrics.RendezvousPackets.Inc()

	entry, err := s.reg.Find(ipOf(m.Target), m.Target.Port)
	if err != nil || entry == nil {
		resp := wire.ArrangedConnectionRejected{
			Flags:    m.Flags,
			KeyField: m.KeyField,
			Reason:   wire.RejectNoSuchServer,
		}
		if err := s.send.Send(from, resp.Encode()); err != nil {
			s.log.Debug().Err(err).Msg("arranged reject send failed")
		}
		return
	}

	resp := wire.ArrangedConnectionAccepted{
		Flags:      m.Flags,
		KeyField:   m.KeyField,
		Candidates: []netaddr.NetAddress{m.Target},
	}
	if err := s.send.Send(from, resp.Encode()); err != nil {
		s.log.Debug().Err(err).Msg("arranged accept send failed")
	}
}

// handleRelayRequest pairs the requester with its target through the
// configured relay endpoint: both sides learn the relay address, then a
// ready signal follows.
func (s *Server) handleRelayRequest(from netaddr.NetAddress, m wire.TargetAddress) {
	s.metrics.RendezvousPackets.Inc()

	if s.relay.Port == 0 {
		s.log.Debug().Msg("relay request dropped: no relay endpoint configured")
		return
	}

	session := relaySession{id: uuid.NewString(), client: from, host: m.Target}
	s.mu.Lock()
	s.relays[m.Target.Key()] = session
	s.mu.Unlock()
	s.log.Info().Str("session", session.id).Stringer("client", from).Stringer("host", m.Target).Msg("relay arranged")

	toClient := wire.RelayResponse{Flags: m.Flags, KeyField: m.KeyField, IsHost: false, RelayAddr: s.relay}
	if err := s.send.Send(from, toClient.Encode()); err != nil {
		s.log.Debug().Err(err).Msg("relay response send failed")
	}
	toHost := wire.RelayResponse{IsHost: true, RelayAddr: s.relay}
	if err := s.send.Send(m.Target, toHost.Encode()); err != nil {
		s.log.Debug().Err(err).Msg("relay response send failed")
	}

	ready := wire.HeaderOnly{}
	if err := s.send.Send(from, ready.Encode(wire.MasterServerRelayReady)); err != nil {
		s.log.Debug().Err(err).Msg("relay ready send failed")
	}
	s.mu.Lock()
	delete(s.relays, m.Target.Key())
	s.mu.Unlock()
}

// handleJoinInvite resolves an invite code against the registry.
func (s *Server) handleJoinInvite(from netaddr.NetAddress, m wire.JoinInvite) {
	entry, err := s.reg.FindByInvite(m.InviteCode)
	resp := wire.JoinInviteResponse{Flags: m.Flags, KeyField: m.KeyField}
	if err == nil && entry != nil {
		if addr, aerr := entryAddr(*entry); aerr == nil {
			resp.Found = true
			resp.Addr = addr
		}
	}
	if err := s.send.Send(from, resp.Encode()); err != nil {
		s.log.Debug().Err(err).Msg("join invite response send failed")
	}
}

// ExpirePending drops timed-out verification polls and forwards; the
// janitor calls this alongside registry pruning.
func (s *Server) ExpirePending(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range s.verifying {
		if now.After(v.deadline) {
			delete(s.verifying, k)
		}
	}
	for k, f := range s.forwards {
		if now.After(f.deadline) {
			delete(s.forwards, k)
		}
	}
	for k, f := range s.filters {
		if now.After(f.deadline) {
			delete(s.filters, k)
		}
	}
}
