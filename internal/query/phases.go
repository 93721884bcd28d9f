package query

import (
	"fmt"

	"github.com/opentorque/servergrid/internal/eventsink"
	"github.com/opentorque/servergrid/internal/serverlist"
	"github.com/opentorque/servergrid/internal/wire"
)

// processMasterServerQuery is the phase-1 tick: retry the list request
// against the active master, rotate to another master after the retries
// run dry, and fall through to the ping phase when no directory answers.
func (e *Engine) processMasterServerQuery(session uint32) {
	if session != e.session || !e.active {
		return
	}
	if e.gotFirstPacket {
		return
	}

	keepGoing := true
	now := e.clock.Now()

	if e.masterPing.SentAt.Add(masterTimeout).Before(now) {
		if e.masterPing.TriesLeft == 0 {
			e.log.Warn().Stringer("master", e.masterPing.Address).Msg("Server list request timed out.")
			e.removeMaster(e.masterPing.Address)

			keepGoing = e.pickMasterServer()
			if keepGoing {
				e.emit(eventsink.PhaseUpdate, "Switching master servers...", 0)
			}
		}

		if keepGoing {
			e.masterPing.TriesLeft--
			e.masterPing.SentAt = now
			e.masterPing.Key = e.nextKey()

			keyField := wire.MakeKeyField(e.masterPing.Session, e.masterPing.Key)
			req := wire.ListRequest{
				Flags:       e.filter.QueryFlags,
				KeyField:    keyField,
				PageIndex:   255,
				GameType:    e.filter.GameType,
				MissionType: e.filter.MissionType,
				MinPlayers:  e.filter.MinPlayers,
				MaxPlayers:  e.filter.MaxPlayers,
				RegionMask:  e.filter.RegionMask,
				Version:     e.buildVersion,
				FilterFlags: e.filter.FilterFlags,
				MaxBots:     e.filter.MaxBots,
				MinCPU:      e.filter.MinCPU,
				BuddyList:   e.filter.BuddyList,
			}
			if err := e.send.Send(e.masterPing.Address, req.Encode()); err != nil {
				e.log.Debug().Err(err).Msg("list request send failed")
			}

			e.log.Info().
				Stringer("master", e.masterPing.Address).
				Int("tries_left", e.masterPing.TriesLeft).
				Msg("Requesting the server list from master server...")
			if e.masterPing.TriesLeft < masterRetryCount-1 {
				e.emit(eventsink.PhaseUpdate, "Retrying the master server...", 0)
			}
		}
	}

	if keepGoing {
		e.sched.Post(tickInterval, session, func() { e.processMasterServerQuery(session) })
	} else {
		e.log.Error().Msg("There are no more master servers to try!")
		e.processPingsAndQueries(session, true)
	}
}

// processPingsAndQueries is the combined phase-3/phase-4 tick. Pings run
// first with their own flight limit; only once the ping list drains does
// the info-query window open.
func (e *Engine) processPingsAndQueries(session uint32, schedule bool) {
	if session != e.session {
		return
	}

	now := e.clock.Now()
	const flags = uint8(0) // online query
	waiting := e.waitingForMaster()

	for i := 0; i < len(e.pingList) && i < maxConcurrentPings; {
		p := &e.pingList[i]

		if !p.SentAt.Add(pingTimeout).Before(now) {
			i++
			continue
		}

		if p.TriesLeft == 0 {
			if !p.Broadcast {
				e.log.Info().Stringer("addr", p.Address).Msg("Ping to server timed out.")
			}
			if si := e.servers.Find(p.Address); si != nil {
				si.SetTimedOut()
			}
			e.finished[p.Address.Key()] = struct{}{}
			e.pingList = append(e.pingList[:i], e.pingList[i+1:]...)

			if !waiting {
				e.updatePingProgress()
			}
			continue
		}

		p.TriesLeft--
		p.SentAt = now
		p.Key = e.nextKey()

		keyField := wire.MakeKeyField(p.Session, p.Key)
		if p.Broadcast {
			e.log.Debug().Stringer("addr", p.Address).Msg("LAN server ping...")
		} else {
			e.log.Debug().Stringer("addr", p.Address).Int("tries_left", p.TriesLeft).Msg("Pinging server...")
		}
		pkt := wire.HeaderOnly{Flags: flags, KeyField: keyField}
		if err := e.send.Send(p.Address, pkt.Encode(wire.GamePingRequest)); err != nil {
			e.log.Debug().Err(err).Msg("ping send failed")
		}

		if e.holePunching && !p.Broadcast {
			relay := wire.NATRelayRequest{
				Flags:     flags,
				KeyField:  keyField,
				Target:    p.Address,
				PeerFlags: flags,
				PeerKey:   keyField,
			}
			payload := relay.Encode(wire.MasterServerGamePingRequest)
			for _, m := range e.masters {
				if err := e.send.Send(m.Address, payload); err != nil {
					e.log.Debug().Err(err).Msg("rendezvous ping send failed")
				}
			}
		}
		i++
	}

	if len(e.pingList) == 0 && !waiting {
		for i := 0; i < len(e.queryList) && i < maxConcurrentQueries; {
			p := &e.queryList[i]

			if !p.SentAt.Add(queryTimeout).Before(now) {
				i++
				continue
			}

			si := e.servers.Find(p.Address)
			if si == nil {
				e.queryList = append(e.queryList[:i], e.queryList[i+1:]...)
				continue
			}

			if p.TriesLeft == 0 {
				e.log.Info().Stringer("addr", p.Address).Msg("Query to server timed out.")
				si.SetTimedOut()
				e.queryList = append(e.queryList[:i], e.queryList[i+1:]...)
				continue
			}

			p.TriesLeft--
			p.SentAt = now
			p.Key = e.nextKey()

			keyField := wire.MakeKeyField(p.Session, p.Key)
			e.log.Debug().Stringer("addr", p.Address).Int("tries_left", p.TriesLeft).Msg("Querying server...")
			pkt := wire.HeaderOnly{Flags: flags, KeyField: keyField}
			if err := e.send.Send(p.Address, pkt.Encode(wire.GameInfoRequest)); err != nil {
				e.log.Debug().Err(err).Msg("info request send failed")
			}

			if e.holePunching && !p.Broadcast {
				relay := wire.NATRelayRequest{
					Flags:     flags,
					KeyField:  keyField,
					Target:    p.Address,
					PeerFlags: flags,
					PeerKey:   keyField,
				}
				payload := relay.Encode(wire.MasterServerGameInfoRequest)
				for _, m := range e.masters {
					if err := e.send.Send(m.Address, payload); err != nil {
						e.log.Debug().Err(err).Msg("rendezvous info send failed")
					}
				}
			}

			if !si.Flags.Has(serverlist.FlagQuerying) {
				si.Flags |= serverlist.FlagQuerying
			}
			i++
		}
	}

	if len(e.pingList) > 0 || len(e.queryList) > 0 || waiting {
		if schedule {
			e.sched.Post(tickInterval, session, func() { e.processPingsAndQueries(session, true) })
		}
		return
	}

	// All done.
	found := e.servers.Len()
	var msg string
	switch found {
	case 0:
		msg = "No servers found."
	case 1:
		msg = "One server found."
	default:
		msg = fmt.Sprintf("%d servers found.", found)
	}
	e.active = false
	e.emit(eventsink.PhaseDone, msg, 1)
}

// processServerListPackets is the phase-2 tick: re-request each missing
// list fragment individually until it arrives or its retries run out,
// then hand off to the ping phase.
func (e *Engine) processServerListPackets(session uint32) {
	if session != e.session || !e.active {
		return
	}

	now := e.clock.Now()

	for i := 0; i < len(e.packetStatus); {
		p := &e.packetStatus[i]
		if !p.SentAt.Add(packetTimeout).Before(now) {
			i++
			continue
		}
		if p.TriesLeft == 0 {
			e.log.Warn().Uint8("packet", p.Index+1).Msg("Server list packet timed out.")
			e.packetStatus = append(e.packetStatus[:i], e.packetStatus[i+1:]...)
			continue
		}

		e.log.Debug().Uint8("packet", p.Index+1).Msg("Rerequesting server list packet...")
		p.TriesLeft--
		p.SentAt = now
		p.Key = e.nextKey()

		req := wire.ListRequest{
			Flags:     e.filter.QueryFlags,
			KeyField:  wire.MakeKeyField(session, p.Key),
			PageIndex: p.Index,
		}
		if err := e.send.Send(e.masterQueryAddr, req.Encode()); err != nil {
			e.log.Debug().Err(err).Msg("fragment re-request send failed")
		}
		i++
	}

	if len(e.packetStatus) > 0 {
		e.sched.Post(packetTickInterval, session, func() { e.processServerListPackets(session) })
	} else {
		e.processPingsAndQueries(session, true)
	}
}
