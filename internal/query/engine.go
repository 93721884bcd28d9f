// Package query implements the client side of server discovery: a
// four-phase pipeline (master list fetch, list-packet reassembly, ping,
// info query) driven by a cooperative event queue over lossy UDP.
//
// An Engine owns every table the pipeline mutates — server list, ping and
// query queues, fragment status, master list, filter, session and key
// counters — and all mutation happens from the single loop that pumps it.
// Cancellation is session invalidation: bumping the session makes every
// in-flight reply and scheduled retry inert.
package query

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/opentorque/servergrid/internal/config"
	"github.com/opentorque/servergrid/internal/eventsink"
	"github.com/opentorque/servergrid/internal/netaddr"
	"github.com/opentorque/servergrid/internal/scheduler"
	"github.com/opentorque/servergrid/internal/serverlist"
	"github.com/opentorque/servergrid/internal/transport"
	"github.com/opentorque/servergrid/internal/wire"
)

const (
	masterRetryCount = 3
	masterTimeout    = 2000 * time.Millisecond
	packetRetryCount = 4
	packetTimeout    = 1000 * time.Millisecond
	pingRetryCount   = 4
	pingTimeout      = 800 * time.Millisecond
	queryRetryCount  = 4
	queryTimeout     = 1000 * time.Millisecond

	maxConcurrentPings   = 10
	maxConcurrentQueries = 2

	tickInterval       = 1 * time.Millisecond
	packetTickInterval = 30 * time.Millisecond
)

// Options carries the injected collaborators; everything the Engine
// touches outside its own tables comes in here.
type Options struct {
	Clock  scheduler.Clock
	Send   transport.Sender
	Config config.Store
	Sink   eventsink.Sink
	Log    zerolog.Logger

	BuildVersion    uint32
	ProtocolCurrent uint32
	ProtocolMin     uint32

	// HolePunching forwards ping/info probes through the masters as a
	// rendezvous aid for NAT'd servers.
	HolePunching bool
}

// Engine is one discovery pipeline instance. Not safe for concurrent use;
// pump it and feed it packets from a single goroutine.
type Engine struct {
	clock scheduler.Clock
	sched *scheduler.Queue
	send  transport.Sender
	cfg   config.Store
	sink  eventsink.Sink
	log   zerolog.Logger

	buildVersion    uint32
	protocolCurrent uint32
	protocolMin     uint32
	holePunching    bool

	session uint32
	key     uint32
	active  bool

	filter  serverlist.Filter
	servers *serverlist.List

	masters         []serverlist.MasterInfo
	masterPing      serverlist.Ping
	masterQueryAddr netaddr.NetAddress
	gotFirstPacket  bool

	pingList     []serverlist.Ping
	queryList    []serverlist.Ping
	packetStatus []serverlist.PacketStatus

	finished   map[string]struct{}
	localAddrs map[string]struct{}

	serverPingCount  int
	serverQueryCount int
}

// New builds an idle engine. Nil Sink and Log are replaced with no-ops.
func New(o Options) *Engine {
	if o.Sink == nil {
		o.Sink = eventsink.Nop
	}
	e := &Engine{
		clock:           o.Clock,
		send:            o.Send,
		cfg:             o.Config,
		sink:            o.Sink,
		log:             o.Log,
		buildVersion:    o.BuildVersion,
		protocolCurrent: o.ProtocolCurrent,
		protocolMin:     o.ProtocolMin,
		holePunching:    o.HolePunching,
		session:         1,
		servers:         serverlist.NewList(),
		finished:        make(map[string]struct{}),
		localAddrs:      make(map[string]struct{}),
	}
	e.sched = scheduler.New(o.Clock, func(stamp uint32) bool { return stamp == e.session })
	return e
}

// Pump drains every due scheduled work item; the owner calls this from
// its loop between packet dispatches.
func (e *Engine) Pump() { e.sched.RunDue() }

// PendingWork reports whether any scheduled item is still queued, stale
// or not. Mostly a test aid.
func (e *Engine) PendingWork() bool { return e.sched.Len() > 0 }

// Session exposes the current generation counter.
func (e *Engine) Session() uint32 { return e.session }

// Active reports whether a query is in flight.
func (e *Engine) Active() bool { return e.active }

// ServerCount reports how many entries the server list holds.
func (e *Engine) ServerCount() int { return e.servers.Len() }

// Servers returns the discovered entries in insertion order.
func (e *Engine) Servers() []*serverlist.ServerInfo { return e.servers.Snapshot() }

// ServerAt returns the list entry at index, or nil when out of range; the
// index-based lookup the host UI drives.
func (e *Engine) ServerAt(index int) *serverlist.ServerInfo {
	snap := e.servers.Snapshot()
	if index < 0 || index >= len(snap) {
		return nil
	}
	return snap[index]
}

// IsLocalAddress reports whether addr was learned to be one of our own
// public addresses during list reassembly.
func (e *Engine) IsLocalAddress(addr netaddr.NetAddress) bool {
	_, ok := e.localAddrs[addr.Key()]
	return ok
}

// nextKey hands out the per-request nonce; only the low 16 bits travel.
func (e *Engine) nextKey() uint32 {
	k := e.key
	e.key++
	return k
}

func (e *Engine) emit(phase eventsink.Phase, msg string, progress float64) {
	e.sink.OnServerQueryStatus(phase, msg, progress)
}

// clearQueryState resets every per-query table and bumps the session so
// anything still referencing the old generation goes inert.
func (e *Engine) clearQueryState(clearServers bool) {
	e.packetStatus = nil
	if clearServers {
		e.servers.Clear()
	}
	e.pingList = nil
	e.queryList = nil
	e.finished = make(map[string]struct{})
	e.localAddrs = make(map[string]struct{})
	e.serverPingCount = 0
	e.serverQueryCount = 0
	e.session++
}

// QueryLanServers broadcasts pings on the given port. Favorites ride
// along, the way they always have. The previous list is always cleared.
func (e *Engine) QueryLanServers(port uint16, f serverlist.Filter, useFilters bool) {
	e.clearQueryState(true)
	e.active = true
	e.pushServerFavorites()

	e.filter = f
	if useFilters {
		e.filter.Type = serverlist.FilterOfflineFiltered
	} else {
		e.filter.Type = serverlist.FilterOffline
	}

	e.pushPingBroadcast(netaddr.BroadcastIPv4Addr(port))

	e.emit(eventsink.PhaseStart, "Querying LAN servers", 0)
	session := e.session
	e.sched.Post(tickInterval, session, func() { e.processPingsAndQueries(session, true) })
}

// QueryMasterServer starts a directory query. The filter type becomes
// Buddy when the buddy list is non-empty, Normal otherwise; Normal also
// sweeps the LAN on lanPort so nearby servers show up without the master.
func (e *Engine) QueryMasterServer(lanPort uint16, f serverlist.Filter) {
	e.clearQueryState(true)
	e.active = true
	e.gotFirstPacket = false

	e.emit(eventsink.PhaseStart, "Querying master server", 0)

	e.filter = f
	if len(f.BuddyList) > 0 {
		e.filter.Type = serverlist.FilterBuddy
	} else {
		e.filter.Type = serverlist.FilterNormal
		e.pushServerFavorites()
		e.pushPingBroadcast(netaddr.BroadcastIPv4Addr(lanPort))
	}

	e.masters = e.loadMasterList()
	e.masterPing = serverlist.Ping{TriesLeft: masterRetryCount}

	if !e.pickMasterServer() {
		e.log.Error().Msg("No master servers found")
		// Degrade to whatever the LAN sweep turns up.
		session := e.session
		e.sched.Post(tickInterval, session, func() { e.processPingsAndQueries(session, true) })
		return
	}
	session := e.session
	e.sched.Post(tickInterval, session, func() { e.processMasterServerQuery(session) })
}

// QuerySingleServer re-pings one known address, bypassing filters so a
// stale entry refreshes in place.
func (e *Engine) QuerySingleServer(addr netaddr.NetAddress) {
	e.active = true
	if si := e.servers.Find(addr); si != nil {
		si.Flags = serverlist.FlagNew | serverlist.FlagUpdating
	}
	delete(e.finished, addr.Key())

	e.emit(eventsink.PhaseStart, "Refreshing server...", 0)
	e.serverPingCount = 0
	e.serverQueryCount = 0
	e.pushPingRequest(addr)
	session := e.session
	e.sched.Post(tickInterval, session, func() { e.processPingsAndQueries(session, true) })
}

// QueryFavoriteServers pings every bookmarked address regardless of
// master availability.
func (e *Engine) QueryFavoriteServers() {
	e.clearQueryState(true)
	e.active = true
	e.filter.Type = serverlist.FilterFavorites
	e.pushServerFavorites()

	e.emit(eventsink.PhaseStart, "Query favorites...", 0)
	session := e.session
	e.sched.Post(tickInterval, session, func() { e.processPingsAndQueries(session, true) })
}

// CancelServerQuery aborts the current query. Everything still queued is
// dropped, unanswered entries are marked timed out, and the session bump
// guarantees any straggling reply or timer is ignored. No done event is
// emitted.
func (e *Engine) CancelServerQuery() {
	if !e.active {
		return
	}
	e.log.Info().Msg("Server query canceled.")

	e.packetStatus = nil
	for i := range e.pingList {
		if si := e.servers.Find(e.pingList[i].Address); si != nil && !si.Flags.Has(serverlist.FlagResponded) {
			si.SetTimedOut()
		}
	}
	e.pingList = nil
	for i := range e.queryList {
		if si := e.servers.Find(e.queryList[i].Address); si != nil && !si.Flags.Has(serverlist.FlagResponded) {
			si.SetTimedOut()
		}
	}
	e.queryList = nil

	e.active = false
	e.session++
}

// StopServerQuery is the softer abort: pending list fragments are dropped
// and outstanding pings are treated as done rather than timed out. With
// nothing left to stop it behaves like a cancel.
func (e *Engine) StopServerQuery() {
	if !e.active {
		return
	}
	e.packetStatus = nil
	if len(e.pingList) > 0 {
		for i := range e.pingList {
			e.finished[e.pingList[i].Address.Key()] = struct{}{}
		}
		e.pingList = nil
	} else {
		e.CancelServerQuery()
	}
}

// loadMasterList re-reads the configured directory, dropping entries with
// region 0 or an unparseable address.
func (e *Engine) loadMasterList() []serverlist.MasterInfo {
	entries := config.Masters(e.cfg)
	out := make([]serverlist.MasterInfo, 0, len(entries))
	for _, m := range entries {
		addr, err := netaddr.Parse(m.Host, m.Port)
		if err != nil {
			e.log.Error().Str("host", m.Host).Msg("Bad master server address")
			continue
		}
		out = append(out, serverlist.MasterInfo{Address: addr, Region: m.Region})
	}
	if len(out) == 0 {
		e.log.Error().Msg("No master servers found")
	}
	return out
}

// pickMasterServer selects the next master to try: start at a
// time-derived index, prefer one in the preferred region, wrap around,
// and settle for the starting pick otherwise.
func (e *Engine) pickMasterServer() bool {
	e.masterPing = serverlist.Ping{
		Session:   e.session,
		TriesLeft: masterRetryCount,
	}

	count := len(e.masters)
	if count == 0 {
		return false
	}

	region := uint32(config.GetInt(e.cfg, "Pref::Net::RegionMask", 0))
	index := int(e.clock.Now().UnixMilli()) % count
	if index < 0 {
		index += count
	}

	for i := 0; i < count; i++ {
		if e.masters[index].Region == region {
			e.log.Info().Stringer("master", e.masters[index].Address).Msg("Found master server in same region.")
			e.masterPing.Address = e.masters[index].Address
			return true
		}
		if index < count-1 {
			index++
		} else {
			index = 0
		}
	}

	e.log.Info().Stringer("master", e.masters[index].Address).Msg("No master servers found in this region, trying first pick.")
	e.masterPing.Address = e.masters[index].Address
	return true
}

// removeMaster drops addr from the working master list for the rest of
// this query.
func (e *Engine) removeMaster(addr netaddr.NetAddress) {
	for i := range e.masters {
		if e.masters[i].Address.Equal(addr) {
			e.masters = append(e.masters[:i], e.masters[i+1:]...)
			return
		}
	}
}

func (e *Engine) addressFinished(addr netaddr.NetAddress) bool {
	_, ok := e.finished[addr.Key()]
	return ok
}

func findPingEntry(v []serverlist.Ping, addr netaddr.NetAddress) int {
	for i := range v {
		if v[i].Address.Equal(addr) {
			return i
		}
	}
	return -1
}

// pushPingRequest queues a unicast ping unless the address already ran to
// completion or is queued somewhere in the pipeline.
func (e *Engine) pushPingRequest(addr netaddr.NetAddress) {
	if e.addressFinished(addr) {
		return
	}
	if findPingEntry(e.pingList, addr) >= 0 || findPingEntry(e.queryList, addr) >= 0 {
		return
	}
	e.pingList = append(e.pingList, serverlist.Ping{
		Address:   addr,
		Session:   e.session,
		TriesLeft: pingRetryCount,
	})
	e.serverPingCount++
}

// pushPingBroadcast queues a broadcast ping: one transmission, no
// contribution to the ping-progress denominator.
func (e *Engine) pushPingBroadcast(addr netaddr.NetAddress) {
	if e.addressFinished(addr) {
		return
	}
	e.pingList = append(e.pingList, serverlist.Ping{
		Address:   addr,
		Session:   e.session,
		TriesLeft: 1,
		Broadcast: true,
		IsLocal:   true,
	})
}

// countPingRequests counts queued pings minus broadcasts, which never
// figure into progress math.
func (e *Engine) countPingRequests() int {
	count := len(e.pingList)
	for i := range e.pingList {
		if e.pingList[i].Broadcast {
			count--
		}
	}
	return count
}

// pushServerFavorites seeds the list with the bookmarked servers and
// queues a ping for each.
func (e *Engine) pushServerFavorites() {
	for _, fav := range config.Favorites(e.cfg) {
		addr, err := netaddr.ParseHostPort(fav.Address)
		if err != nil {
			e.log.Error().Str("favorite", fav.Address).Msg("Bad favorite server address")
			continue
		}
		si, _ := e.servers.FindOrCreate(addr)
		name := fav.Name
		if len(name) > wire.MaxServerNameLen {
			name = name[:wire.MaxServerNameLen]
		}
		si.Name = name
		si.IsFavorite = true
		e.pushPingRequest(addr)
	}
}

// waitingForMaster reports whether the pipeline still owes the directory
// a first list packet; pings keep flowing but completion holds off. An
// exhausted master list stops the waiting so the LAN results can finish
// the query on their own.
func (e *Engine) waitingForMaster() bool {
	return e.filter.Type == serverlist.FilterNormal && !e.gotFirstPacket &&
		e.active && len(e.masters) > 0
}

func (e *Engine) updatePingProgress() {
	if len(e.pingList) == 0 {
		e.updateQueryProgress()
		return
	}

	pingsLeft := e.countPingRequests()
	var msg string
	if pingsLeft == 0 && len(e.pingList) > 0 {
		msg = "Waiting for lan servers..."
	} else {
		msg = fmt.Sprintf("Pinging servers: %d left...", pingsLeft)
	}

	progress := 0.0
	if e.serverPingCount > 0 {
		progress = float64(e.serverPingCount-pingsLeft) / float64(e.serverPingCount*2)
	}
	e.emit(eventsink.PhasePing, msg, progress)
}

func (e *Engine) updateQueryProgress() {
	if len(e.pingList) > 0 {
		return
	}

	queriesLeft := len(e.queryList)
	progress := 0.5
	if e.serverQueryCount > 0 {
		progress += float64(e.serverQueryCount-queriesLeft) / float64(e.serverQueryCount*2)
	}
	e.emit(eventsink.PhaseQuery, fmt.Sprintf("Querying servers: %d left...", queriesLeft), progress)
}
