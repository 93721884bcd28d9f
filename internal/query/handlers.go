package query

import (
	"time"

	"github.com/opentorque/servergrid/internal/netaddr"
	"github.com/opentorque/servergrid/internal/serverlist"
	"github.com/opentorque/servergrid/internal/wire"
)

// Dispatch feeds one inbound datagram to the engine. It returns true when
// the packet type was one the client side consumes; the caller can route
// unhandled packets to a co-hosted responder or rendezvous dispatcher.
// Malformed packets are dropped without side effects.
func (e *Engine) Dispatch(from netaddr.NetAddress, payload []byte) bool {
	r := wire.NewReader(payload)
	h, err := r.ReadHeader()
	if err != nil {
		return false
	}

	switch h.Type {
	case wire.GamePingResponse:
		m, err := wire.DecodePingResponse(r, h)
		if err != nil {
			e.log.Debug().Stringer("from", from).Msg("malformed ping response dropped")
			return true
		}
		e.handlePingResponse(from, m)
		return true

	case wire.GameInfoResponse:
		m, err := wire.DecodeInfoResponse(r, h)
		if err != nil {
			e.log.Debug().Stringer("from", from).Msg("malformed info response dropped")
			return true
		}
		e.handleInfoResponse(from, m)
		return true

	case wire.MasterServerListResponse:
		m, err := wire.DecodeListResponse(r, h)
		if err != nil {
			e.log.Debug().Stringer("from", from).Msg("malformed list response dropped")
			return true
		}
		e.handleListResponse(m)
		return true

	case wire.MasterServerGamePingResponse:
		// A rendezvous-forwarded ping reply: the master prepends the real
		// origin address, then the inner packet follows in full.
		inner, origin, err := unwrapForwarded(r)
		if err != nil {
			return true
		}
		ir := wire.NewReader(inner)
		ih, err := ir.ReadHeader()
		if err != nil || ih.Type != wire.GamePingResponse {
			return true
		}
		m, err := wire.DecodePingResponse(ir, ih)
		if err != nil {
			return true
		}
		e.handlePingResponse(origin, m)
		return true

	case wire.MasterServerGameInfoResponse:
		inner, origin, err := unwrapForwarded(r)
		if err != nil {
			return true
		}
		ir := wire.NewReader(inner)
		ih, err := ir.ReadHeader()
		if err != nil || ih.Type != wire.GameInfoResponse {
			return true
		}
		m, err := wire.DecodeInfoResponse(ir, ih)
		if err != nil {
			return true
		}
		e.handleInfoResponse(origin, m)
		return true
	}
	return false
}

// unwrapForwarded peels the origin address a master prepends when it
// relays a game server's reply back to a NAT'd client.
func unwrapForwarded(r *wire.Reader) (inner []byte, origin netaddr.NetAddress, err error) {
	origin, err = r.ReadNetAddress4()
	if err != nil {
		return nil, origin, err
	}
	inner, err = r.ReadRest()
	return inner, origin, err
}

// handlePingResponse validates the echoed key against the live ping,
// runs the protocol-compatibility checks, and on success promotes the
// address from the ping queue to the info-query queue.
func (e *Engine) handlePingResponse(from netaddr.NetAddress, m wire.PingResponse) {
	// Broadcast has timed out or the query has been cancelled.
	if len(e.pingList) == 0 {
		return
	}

	index := findPingEntry(e.pingList, from)
	if index == -1 {
		// An anonymous reply, probably to a broadcast: re-ping it
		// directly so we get a proper key round trip.
		if !e.addressFinished(from) {
			e.pushPingRequest(from)
			if j := findPingEntry(e.pingList, from); j >= 0 {
				e.pingList[j].IsLocal = true
			}
		}
		return
	}
	p := e.pingList[index]
	if wire.MakeKeyField(p.Session, p.Key) != m.KeyField {
		return
	}

	si := e.servers.Find(from)
	applyFilter := false
	if e.filter.Type == serverlist.FilterNormal || e.filter.Type == serverlist.FilterOfflineFiltered {
		if si != nil {
			applyFilter = !si.Flags.Has(serverlist.FlagUpdating)
		} else {
			applyFilter = true
		}
	}
	waiting := e.waitingForMaster()

	finishTimedOut := func() {
		e.finished[from.Key()] = struct{}{}
		e.pingList = append(e.pingList[:index], e.pingList[index+1:]...)
		if si != nil {
			si.SetTimedOut()
		}
		if !waiting {
			e.updatePingProgress()
		}
	}
	finishRemoved := func() {
		e.finished[from.Key()] = struct{}{}
		e.pingList = append(e.pingList[:index], e.pingList[index+1:]...)
		if si != nil {
			e.servers.Remove(from)
		}
		if !waiting {
			e.updatePingProgress()
		}
	}

	if m.VersionTag != wire.VersionTag {
		e.log.Info().Stringer("addr", from).Msg("Server is a different version.")
		finishTimedOut()
		return
	}
	if m.ProtocolCurrent < e.protocolMin {
		e.log.Info().Stringer("addr", from).Msg("Protocol for server does not meet minimum protocol.")
		finishTimedOut()
		return
	}
	if e.protocolCurrent < m.ProtocolMin {
		e.log.Info().Stringer("addr", from).Msg("You do not meet the minimum protocol for server.")
		finishTimedOut()
		return
	}

	now := e.clock.Now()
	var ping uint32
	if now.After(p.SentAt) {
		ping = uint32(now.Sub(p.SentAt).Milliseconds())
	}

	if applyFilter && serverlist.CheckPingFilter(&e.filter, ping) != serverlist.Accepted {
		e.log.Info().Stringer("addr", from).Msg("Server filtered out by maximum ping.")
		finishRemoved()
		return
	}

	// Build version must match ours, filter or no filter.
	if m.BuildVersion != e.buildVersion {
		e.log.Info().Stringer("addr", from).Msg("Server filtered out by version number.")
		finishRemoved()
		return
	}

	if si == nil {
		si, _ = e.servers.FindOrCreate(from)
	}
	si.PingMS = ping
	si.Version = m.BuildVersion
	si.IsLocal = p.IsLocal
	if si.Name == "" {
		si.Name = m.ServerName
	}

	// Promote to the query queue.
	e.finished[from.Key()] = struct{}{}
	p.Key = 0
	p.SentAt = time.Time{} // due immediately
	p.TriesLeft = queryRetryCount
	e.queryList = append(e.queryList, p)
	e.serverQueryCount++
	e.pingList = append(e.pingList[:index], e.pingList[index+1:]...)
	if !waiting {
		e.updatePingProgress()
	}
}

// rejectMessages mirrors the per-step narration of the filter chain.
var rejectMessages = map[serverlist.RejectReason]string{
	serverlist.RejectPing:        "Server filtered out by maximum ping.",
	serverlist.RejectVersion:     "Server filtered out by version number.",
	serverlist.RejectGameType:    "Server filtered out by rules set.",
	serverlist.RejectMissionType: "Server filtered out by mission type.",
	serverlist.RejectDedicated:   "Server filtered out by dedicated flag.",
	serverlist.RejectPassworded:  "Server filtered out by no-password flag.",
	serverlist.RejectMinPlayers:  "Server filtered out by player count.",
	serverlist.RejectMaxPlayers:  "Server filtered out by player count.",
	serverlist.RejectMaxBots:     "Server filtered out by maximum bot count.",
	serverlist.RejectMinCPU:      "Server filtered out by minimum CPU speed.",
}

// handleInfoResponse completes a server entry and runs the shared filter
// chain over it; a rejected server drops out of the list entirely, while
// an updating entry keeps its fields either way.
func (e *Engine) handleInfoResponse(from netaddr.NetAddress, m wire.InfoResponse) {
	if len(e.queryList) == 0 {
		return
	}
	index := findPingEntry(e.queryList, from)
	if index == -1 {
		return
	}

	e.queryList = append(e.queryList[:index], e.queryList[index+1:]...)
	e.updateQueryProgress()
	si := e.servers.Find(from)
	if si == nil {
		return
	}

	isUpdate := si.Flags.Has(serverlist.FlagUpdating)
	applyFilter := !isUpdate &&
		(e.filter.Type == serverlist.FilterNormal || e.filter.Type == serverlist.FilterOfflineFiltered)

	si.GameType = m.GameType
	si.MissionType = m.MissionType
	si.MissionName = m.MissionName
	si.NumPlayers = m.NumPlayers
	si.MaxPlayers = m.MaxPlayers
	si.NumBots = m.NumBots
	si.CPUSpeedMHz = m.CPUSpeed
	si.InfoString = m.InfoString
	si.StatusString = m.StatusString

	// The wire status byte replaces the descriptive flag bits wholesale.
	setStatusFlags(si, m.StatusFlags)

	if applyFilter {
		if reason := serverlist.CheckInfoFilter(&e.filter, si, e.buildVersion); reason != serverlist.Accepted {
			e.log.Info().Stringer("addr", from).Str("game_type", si.GameType).Msg(rejectMessages[reason])
			e.servers.Remove(from)
			return
		}
	}
	si.SetResponded()
}

// handleListResponse reassembles the master's paginated list: the first
// fragment fixes the page total and seeds the status list; every
// fragment's addresses feed the ping queue.
func (e *Engine) handleListResponse(m wire.ListResponse) {
	// Validate the echoed key against the master ping, or against the
	// per-fragment status once reassembly has started.
	packetKey := e.masterPing.Key
	if e.gotFirstPacket {
		for i := range e.packetStatus {
			if e.packetStatus[i].Index == m.PacketIndex {
				packetKey = e.packetStatus[i].Key
				break
			}
		}
	}
	if wire.MakeKeyField(e.session, packetKey) != m.KeyField {
		return
	}

	e.log.Info().
		Uint8("packet", m.PacketIndex+1).
		Uint8("total", m.PacketTotal).
		Int("servers", len(m.Servers)).
		Msg("Received server list packet from the master server.")

	for _, addr := range m.Servers {
		if m.Flags&wire.FlagSelfAddress != 0 {
			// That's our own public address.
			e.localAddrs[addr.Key()] = struct{}{}
		}
		e.pushPingRequest(addr)
	}

	if !e.gotFirstPacket {
		e.gotFirstPacket = true
		e.masterQueryAddr = e.masterPing.Address
		for i := uint8(0); i < m.PacketTotal; i++ {
			if i == m.PacketIndex {
				continue
			}
			e.packetStatus = append(e.packetStatus, serverlist.PacketStatus{
				Index:     i,
				Key:       e.masterPing.Key,
				SentAt:    e.clock.Now(),
				TriesLeft: packetRetryCount,
			})
		}
		e.processServerListPackets(e.session)
	} else {
		for i := range e.packetStatus {
			if e.packetStatus[i].Index == m.PacketIndex {
				e.packetStatus = append(e.packetStatus[:i], e.packetStatus[i+1:]...)
				break
			}
		}
	}
}

func setStatusFlags(si *serverlist.ServerInfo, status uint8) {
	const descriptive = serverlist.FlagDedicated | serverlist.FlagPassworded |
		serverlist.FlagLinux | serverlist.FlagPrivate
	si.Flags &^= descriptive
	if status&wire.StatusDedicated != 0 {
		si.Flags |= serverlist.FlagDedicated
	}
	if status&wire.StatusPassworded != 0 {
		si.Flags |= serverlist.FlagPassworded
	}
	if status&wire.StatusLinux != 0 {
		si.Flags |= serverlist.FlagLinux
	}
	if status&wire.StatusPrivate != 0 {
		si.Flags |= serverlist.FlagPrivate
	}
}
