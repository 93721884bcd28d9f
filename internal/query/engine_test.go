package query

import (
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/opentorque/servergrid/internal/config"
	"github.com/opentorque/servergrid/internal/eventsink"
	"github.com/opentorque/servergrid/internal/netaddr"
	"github.com/opentorque/servergrid/internal/serverlist"
	"github.com/opentorque/servergrid/internal/transport"
	"github.com/opentorque/servergrid/internal/version"
	"github.com/opentorque/servergrid/internal/wire"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

type sentPacket struct {
	addr    netaddr.NetAddress
	payload []byte
}

type statusEvent struct {
	phase    eventsink.Phase
	message  string
	progress float64
}

type harness struct {
	t      *testing.T
	clock  *fakeClock
	engine *Engine
	sent   []sentPacket
	events []statusEvent
}

func newHarness(t *testing.T, cfg config.Store) *harness {
	t.Helper()
	h := &harness{t: t, clock: &fakeClock{now: time.Unix(1_000_000, 0)}}
	h.engine = New(Options{
		Clock: h.clock,
		Send: transport.SendFunc(func(addr netaddr.NetAddress, payload []byte) error {
			cp := make([]byte, len(payload))
			copy(cp, payload)
			h.sent = append(h.sent, sentPacket{addr: addr, payload: cp})
			return nil
		}),
		Config: cfg,
		Sink: eventsink.Func(func(phase eventsink.Phase, message string, progress float64) {
			h.events = append(h.events, statusEvent{phase, message, progress})
		}),
		Log:             zerolog.Nop(),
		BuildVersion:    version.Build,
		ProtocolCurrent: version.ProtocolCurrent,
		ProtocolMin:     version.ProtocolMin,
	})
	return h
}

// advance steps virtual time in 1ms increments, pumping the queue at each
// step the way the host loop would.
func (h *harness) advance(d time.Duration) {
	steps := int(d / time.Millisecond)
	for i := 0; i < steps; i++ {
		h.clock.now = h.clock.now.Add(time.Millisecond)
		h.engine.Pump()
	}
}

// sentOfType returns captured packets of one wire type.
func (h *harness) sentOfType(t wire.PacketType) []sentPacket {
	var out []sentPacket
	for _, p := range h.sent {
		if len(p.payload) > 0 && wire.PacketType(p.payload[0]) == t {
			out = append(out, p)
		}
	}
	return out
}

func (h *harness) lastSentTo(addr netaddr.NetAddress, t wire.PacketType) (wire.Header, bool) {
	for i := len(h.sent) - 1; i >= 0; i-- {
		p := h.sent[i]
		if !p.addr.Equal(addr) {
			continue
		}
		r := wire.NewReader(p.payload)
		hdr, err := r.ReadHeader()
		if err != nil || hdr.Type != t {
			continue
		}
		return hdr, true
	}
	return wire.Header{}, false
}

func (h *harness) doneEvents() []statusEvent {
	var out []statusEvent
	for _, ev := range h.events {
		if ev.phase == eventsink.PhaseDone {
			out = append(out, ev)
		}
	}
	return out
}

// respondPing answers the most recent GamePingRequest sent to addr with a
// well-formed, compatible ping response.
func (h *harness) respondPing(addr netaddr.NetAddress, name string) {
	h.t.Helper()
	hdr, ok := h.lastSentTo(addr, wire.GamePingRequest)
	if !ok {
		h.t.Fatalf("no ping request was sent to %s", addr)
	}
	resp := wire.PingResponse{
		Flags:           hdr.Flags,
		KeyField:        hdr.KeyField,
		VersionTag:      wire.VersionTag,
		ProtocolCurrent: version.ProtocolCurrent,
		ProtocolMin:     version.ProtocolMin,
		BuildVersion:    version.Build,
		ServerName:      name,
	}
	h.engine.Dispatch(addr, resp.Encode())
}

func (h *harness) respondInfo(addr netaddr.NetAddress, m wire.InfoResponse) {
	h.t.Helper()
	hdr, ok := h.lastSentTo(addr, wire.GameInfoRequest)
	if !ok {
		h.t.Fatalf("no info request was sent to %s", addr)
	}
	m.Flags = hdr.Flags
	m.KeyField = hdr.KeyField
	h.engine.Dispatch(addr, m.Encode())
}

func testAddr(last byte) netaddr.NetAddress {
	return netaddr.NewIPv4(192, 0, 2, last, 28000)
}

func defaultInfo() wire.InfoResponse {
	return wire.InfoResponse{
		GameType:    "CTF",
		MissionType: "any",
		MissionName: "canyon",
		NumPlayers:  3,
		MaxPlayers:  16,
		NumBots:     0,
		CPUSpeed:    2400,
	}
}

func TestLanDiscoveryTwoResponders(t *testing.T) {
	h := newHarness(t, config.MapStore{})

	h.engine.QueryLanServers(28000, serverlist.Filter{GameType: "any", MissionType: "any", MaxPlayers: 255, MaxBots: 255}, false)
	h.advance(5 * time.Millisecond)

	bcasts := h.sentOfType(wire.GamePingRequest)
	if len(bcasts) != 1 || !bcasts[0].addr.IsBroadcast {
		t.Fatalf("expected exactly one broadcast ping, got %d", len(bcasts))
	}

	// Two LAN servers answer the broadcast; each reply arrives from an
	// address we have no ping entry for, so each is re-pinged directly.
	a, b := testAddr(10), testAddr(11)
	resp := wire.PingResponse{
		KeyField:        0xdead,
		VersionTag:      wire.VersionTag,
		ProtocolCurrent: version.ProtocolCurrent,
		ProtocolMin:     version.ProtocolMin,
		BuildVersion:    version.Build,
	}
	h.engine.Dispatch(a, resp.Encode())
	h.engine.Dispatch(b, resp.Encode())
	h.advance(5 * time.Millisecond)

	h.respondPing(a, "alpha")
	h.respondPing(b, "bravo")

	// The broadcast entry has to age out before the query phase opens.
	h.advance(time.Second)

	h.respondInfo(a, defaultInfo())
	h.advance(5 * time.Millisecond)
	h.respondInfo(b, defaultInfo())
	h.advance(5 * time.Millisecond)

	done := h.doneEvents()
	if len(done) != 1 {
		t.Fatalf("expected one done event, got %d", len(done))
	}
	if done[0].message != "2 servers found." {
		t.Errorf("done message = %q", done[0].message)
	}

	servers := h.engine.Servers()
	if len(servers) != 2 {
		t.Fatalf("expected 2 servers, got %d", len(servers))
	}
	for _, s := range servers {
		if !s.IsLocal {
			t.Errorf("server %s should be local", s.Address)
		}
		if !s.Flags.Has(serverlist.FlagResponded) {
			t.Errorf("server %s should have responded", s.Address)
		}
		if s.Flags.Has(serverlist.FlagTimedOut) {
			t.Errorf("server %s must not be both responded and timed out", s.Address)
		}
		if s.GameType != "CTF" || s.NumPlayers != 3 || s.MaxPlayers != 16 {
			t.Errorf("server %s fields not applied: %+v", s.Address, s)
		}
	}
}

func masterConfig() config.MapStore {
	return config.MapStore{
		"Server::Master0":       "2:192.0.2.1:28002",
		"Pref::Net::RegionMask": "2",
	}
}

var masterAddr = netaddr.NewIPv4(192, 0, 2, 1, 28002)

func (h *harness) lastListRequest() wire.ListRequest {
	h.t.Helper()
	reqs := h.sentOfType(wire.MasterServerListRequest)
	if len(reqs) == 0 {
		h.t.Fatal("no list request was sent")
	}
	r := wire.NewReader(reqs[len(reqs)-1].payload)
	hdr, err := r.ReadHeader()
	if err != nil {
		h.t.Fatal(err)
	}
	m, err := wire.DecodeListRequest(r, hdr)
	if err != nil {
		h.t.Fatal(err)
	}
	return m
}

func fragment(key uint32, index, total uint8, addrs ...netaddr.NetAddress) wire.ListResponse {
	return wire.ListResponse{KeyField: key, PacketIndex: index, PacketTotal: total, Servers: addrs}
}

func TestMasterListReassembly(t *testing.T) {
	h := newHarness(t, masterConfig())

	h.engine.QueryMasterServer(28000, serverlist.Filter{GameType: "any", MissionType: "any", MaxPlayers: 255, MaxBots: 255})
	h.advance(5 * time.Millisecond)

	req := h.lastListRequest()
	if req.PageIndex != 255 {
		t.Fatalf("initial request pageIndex = %d, want 255", req.PageIndex)
	}

	frag0 := []netaddr.NetAddress{testAddr(20), testAddr(21), testAddr(22), testAddr(23)}
	frag2 := []netaddr.NetAddress{testAddr(30), testAddr(31), testAddr(32), testAddr(33), testAddr(34)}
	frag1 := []netaddr.NetAddress{testAddr(20), testAddr(40), testAddr(41)} // repeats one from frag0

	h.engine.Dispatch(masterAddr, fragment(req.KeyField, 0, 3, frag0...).Encode())
	h.engine.Dispatch(masterAddr, fragment(req.KeyField, 2, 3, frag2...).Encode())
	h.advance(50 * time.Millisecond)

	// Only fragment 1 is outstanding; after its timeout a re-request
	// naming just that page goes out with the filter fields zeroed.
	h.advance(1100 * time.Millisecond)
	rereq := h.lastListRequest()
	if rereq.PageIndex != 1 {
		t.Fatalf("re-request pageIndex = %d, want 1", rereq.PageIndex)
	}
	if rereq.GameType != "" || rereq.MaxPlayers != 0 {
		t.Errorf("re-request must zero the filter fields: %+v", rereq)
	}

	// A duplicate of an already-received fragment is idempotent.
	h.engine.Dispatch(masterAddr, fragment(req.KeyField, 0, 3, frag0...).Encode())

	h.engine.Dispatch(masterAddr, fragment(rereq.KeyField, 1, 3, frag1...).Encode())
	h.advance(50 * time.Millisecond)

	// 4 + 5 + 3 with one repeat = 11 distinct unicast pings, plus the
	// LAN broadcast that rides along on a Normal query.
	unique := make(map[string]bool)
	dups := 0
	for _, p := range h.engine.pingList {
		if p.Broadcast {
			continue
		}
		if unique[p.Address.Key()] {
			dups++
		}
		unique[p.Address.Key()] = true
	}
	if dups != 0 {
		t.Errorf("ping list contains %d duplicate entries", dups)
	}
	if len(unique) != 11 {
		t.Errorf("distinct queued pings = %d, want 11", len(unique))
	}
	if len(h.engine.packetStatus) != 0 {
		t.Errorf("packet status list should be drained, has %d", len(h.engine.packetStatus))
	}
}

func TestFlightLimits(t *testing.T) {
	h := newHarness(t, masterConfig())

	h.engine.QueryMasterServer(28000, serverlist.Filter{GameType: "any", MissionType: "any", MaxPlayers: 255, MaxBots: 255})
	h.advance(5 * time.Millisecond)
	req := h.lastListRequest()

	addrs := make([]netaddr.NetAddress, 20)
	for i := range addrs {
		addrs[i] = testAddr(byte(50 + i))
	}
	h.engine.Dispatch(masterAddr, fragment(req.KeyField, 0, 1, addrs...).Encode())
	h.advance(5 * time.Millisecond)

	inFlight := make(map[string]bool)
	for _, p := range h.sentOfType(wire.GamePingRequest) {
		if !p.addr.IsBroadcast {
			inFlight[p.addr.Key()] = true
		}
	}
	if len(inFlight) == 0 || len(inFlight) > 10 {
		t.Errorf("%d pings in flight with 20 queued, limit is 10", len(inFlight))
	}

	// Answer everything as pings go out; the window slides forward.
	for round := 0; round < 5; round++ {
		for _, addr := range addrs {
			if _, ok := h.lastSentTo(addr, wire.GamePingRequest); ok && findPingEntry(h.engine.pingList, addr) >= 0 {
				h.respondPing(addr, "s")
			}
		}
		h.advance(5 * time.Millisecond)
	}

	// Let the broadcast age out so the query phase opens, then check the
	// two-at-a-time window.
	h.advance(time.Second)
	if len(h.engine.queryList) < 10 {
		t.Fatalf("expected a deep query backlog, got %d", len(h.engine.queryList))
	}
	targets := make(map[string]bool)
	for _, p := range h.sentOfType(wire.GameInfoRequest) {
		targets[p.addr.Key()] = true
	}
	if len(targets) != 2 {
		t.Errorf("info queries went to %d servers, flight limit is 2", len(targets))
	}
}

func TestMasterTimeoutSwitchover(t *testing.T) {
	h := newHarness(t, masterConfig())

	h.engine.QueryMasterServer(28000, serverlist.Filter{GameType: "any", MissionType: "any", MaxPlayers: 255, MaxBots: 255})

	// Three tries at 2s each, then the master is dropped and the query
	// degrades to the (empty) LAN results.
	h.advance(8 * time.Second)

	reqs := h.sentOfType(wire.MasterServerListRequest)
	if len(reqs) != 3 {
		t.Errorf("list request sent %d times, want 3", len(reqs))
	}

	done := h.doneEvents()
	if len(done) != 1 {
		t.Fatalf("expected one done event, got %d", len(done))
	}
	if done[0].message != "No servers found." {
		t.Errorf("done message = %q", done[0].message)
	}
}

func TestVersionMismatchMarksTimedOut(t *testing.T) {
	fav := testAddr(77)
	cfg := config.MapStore{
		"Pref::Client::ServerFavoriteCount": "1",
		"Pref::Client::ServerFavorite0":     "old friend\t192.0.2.77:28000",
	}
	h := newHarness(t, cfg)

	h.engine.QueryFavoriteServers()
	h.advance(5 * time.Millisecond)

	hdr, ok := h.lastSentTo(fav, wire.GamePingRequest)
	if !ok {
		t.Fatal("favorite was not pinged")
	}
	resp := wire.PingResponse{
		KeyField:        hdr.KeyField,
		VersionTag:      "VER2",
		ProtocolCurrent: version.ProtocolCurrent,
		ProtocolMin:     version.ProtocolMin,
		BuildVersion:    version.Build,
	}
	h.engine.Dispatch(fav, resp.Encode())
	h.advance(5 * time.Millisecond)

	si := h.engine.Servers()[0]
	if !si.Flags.Has(serverlist.FlagTimedOut) {
		t.Error("mismatched server should be marked timed out")
	}
	if si.Flags.Has(serverlist.FlagResponded) {
		t.Error("responded and timed out must never both be set")
	}
	if got := len(h.sentOfType(wire.GameInfoRequest)); got != 0 {
		t.Errorf("no info request should follow a version mismatch, sent %d", got)
	}
	if !h.engine.addressFinished(fav) {
		t.Error("address should be in the finished set")
	}
}

func TestCancelMidQuery(t *testing.T) {
	h := newHarness(t, masterConfig())

	h.engine.QueryMasterServer(28000, serverlist.Filter{GameType: "any", MissionType: "any", MaxPlayers: 255, MaxBots: 255})
	h.advance(5 * time.Millisecond)
	req := h.lastListRequest()

	addrs := make([]netaddr.NetAddress, 20)
	for i := range addrs {
		addrs[i] = testAddr(byte(100 + i))
	}
	h.engine.Dispatch(masterAddr, fragment(req.KeyField, 0, 1, addrs...).Encode())
	h.advance(5 * time.Millisecond)

	// Promote five servers into the query queue.
	for i := 0; i < 5; i++ {
		h.respondPing(addrs[i], fmt.Sprintf("s%d", i))
	}
	if len(h.engine.queryList) != 5 {
		t.Fatalf("query list has %d entries, want 5", len(h.engine.queryList))
	}
	h.advance(2 * time.Millisecond)

	infoHdr, _ := h.lastSentTo(addrs[0], wire.GameInfoRequest)
	before := h.engine.Session()
	h.engine.CancelServerQuery()

	if h.engine.Session() != before+1 {
		t.Errorf("session = %d, want %d", h.engine.Session(), before+1)
	}
	if len(h.engine.pingList) != 0 || len(h.engine.queryList) != 0 || len(h.engine.packetStatus) != 0 {
		t.Error("cancel must drop every queue")
	}
	for i := 0; i < 5; i++ {
		si := h.engine.servers.Find(addrs[i])
		if si == nil || !si.Flags.Has(serverlist.FlagTimedOut) {
			t.Errorf("server %d should be marked timed out after cancel", i)
		}
	}

	// A straggler reply for the old session is ignored.
	late := defaultInfo()
	late.KeyField = infoHdr.KeyField
	h.engine.Dispatch(addrs[0], late.Encode())
	if si := h.engine.servers.Find(addrs[0]); si.Flags.Has(serverlist.FlagResponded) {
		t.Error("stale info response must be ignored after cancel")
	}

	h.advance(5 * time.Second)
	if len(h.doneEvents()) != 0 {
		t.Error("cancel must not emit a done event")
	}
}

func TestSessionMonotonicAcrossCancels(t *testing.T) {
	h := newHarness(t, config.MapStore{})
	last := h.engine.Session()
	for i := 0; i < 4; i++ {
		h.engine.QueryLanServers(28000, serverlist.Filter{}, false)
		h.engine.CancelServerQuery()
		if s := h.engine.Session(); s <= last {
			t.Fatalf("session did not increase: %d -> %d", last, s)
		}
		last = h.engine.Session()
	}
}

func TestPushPingRequestDeduplicates(t *testing.T) {
	h := newHarness(t, config.MapStore{})
	h.engine.active = true

	addr := testAddr(5)
	h.engine.pushPingRequest(addr)
	h.engine.pushPingRequest(addr)
	if len(h.engine.pingList) != 1 {
		t.Fatalf("duplicate push created %d entries", len(h.engine.pingList))
	}

	h.engine.finished[addr.Key()] = struct{}{}
	h.engine.pingList = nil
	h.engine.pushPingRequest(addr)
	if len(h.engine.pingList) != 0 {
		t.Error("push for a finished address must be a no-op")
	}
}

func TestStopMovesPingsToFinished(t *testing.T) {
	h := newHarness(t, config.MapStore{})
	h.engine.active = true
	a, b := testAddr(60), testAddr(61)
	h.engine.pushPingRequest(a)
	h.engine.pushPingRequest(b)

	h.engine.StopServerQuery()
	if len(h.engine.pingList) != 0 {
		t.Error("stop must drain the ping list")
	}
	if !h.engine.addressFinished(a) || !h.engine.addressFinished(b) {
		t.Error("stopped pings land in the finished set")
	}
	for _, addr := range []netaddr.NetAddress{a, b} {
		if si := h.engine.servers.Find(addr); si != nil && si.Flags.Has(serverlist.FlagTimedOut) {
			t.Error("stop must not mark servers timed out")
		}
	}
}

func TestQuerySingleBypassesFilter(t *testing.T) {
	h := newHarness(t, config.MapStore{})
	addr := testAddr(88)

	// Seed an entry as if a previous query had found it.
	si, _ := h.engine.servers.FindOrCreate(addr)
	si.Name = "stale"
	h.engine.filter = serverlist.Filter{Type: serverlist.FilterNormal, GameType: "CTF", MissionType: "any", MaxPlayers: 255, MaxBots: 255}
	h.engine.gotFirstPacket = true // the earlier query completed
	h.engine.finished[addr.Key()] = struct{}{}

	h.engine.QuerySingleServer(addr)
	h.advance(5 * time.Millisecond)
	h.respondPing(addr, "fresh")
	h.advance(5 * time.Millisecond)

	info := defaultInfo()
	info.GameType = "Racing" // would fail the CTF filter
	h.respondInfo(addr, info)

	got := h.engine.servers.Find(addr)
	if got == nil {
		t.Fatal("updating entry must survive filter rejection")
	}
	if got.GameType != "Racing" {
		t.Errorf("fields should still update, game type = %q", got.GameType)
	}
	if !got.Flags.Has(serverlist.FlagResponded) {
		t.Error("refreshed entry should be marked responded")
	}
}

func TestInfoFilterRejectRemovesServer(t *testing.T) {
	h := newHarness(t, masterConfig())

	h.engine.QueryMasterServer(28000, serverlist.Filter{GameType: "CTF", MissionType: "any", MaxPlayers: 4, MaxBots: 255})
	h.advance(5 * time.Millisecond)
	req := h.lastListRequest()

	wrongType, tooFull := testAddr(120), testAddr(121)
	h.engine.Dispatch(masterAddr, fragment(req.KeyField, 0, 1, wrongType, tooFull).Encode())
	h.advance(5 * time.Millisecond)
	h.respondPing(wrongType, "wrong")
	h.respondPing(tooFull, "full")
	h.advance(time.Second) // let the LAN broadcast age out

	info := defaultInfo()
	info.GameType = "Racing"
	h.respondInfo(wrongType, info)
	if h.engine.servers.Find(wrongType) != nil {
		t.Error("game-type mismatch must remove the server")
	}

	h.advance(5 * time.Millisecond)
	info = defaultInfo()
	info.NumPlayers = 5 // over the filter's MaxPlayers of 4
	h.respondInfo(tooFull, info)
	if h.engine.servers.Find(tooFull) != nil {
		t.Error("player-count violation must remove the server")
	}
}

func TestSelfAddressFlagPopulatesLocalSet(t *testing.T) {
	h := newHarness(t, masterConfig())

	h.engine.QueryMasterServer(28000, serverlist.Filter{GameType: "any", MissionType: "any", MaxPlayers: 255, MaxBots: 255})
	h.advance(5 * time.Millisecond)
	req := h.lastListRequest()

	self := netaddr.NewIPv4(203, 0, 113, 9, 28000)
	frag := fragment(req.KeyField, 0, 1, self)
	frag.Flags = wire.FlagSelfAddress
	h.engine.Dispatch(masterAddr, frag.Encode())

	if !h.engine.IsLocalAddress(self) {
		t.Error("self-address fragment should register the local address")
	}
}

func TestListResponseBadKeyDropped(t *testing.T) {
	h := newHarness(t, masterConfig())

	h.engine.QueryMasterServer(28000, serverlist.Filter{GameType: "any", MissionType: "any", MaxPlayers: 255, MaxBots: 255})
	h.advance(5 * time.Millisecond)

	h.engine.Dispatch(masterAddr, fragment(0xbadbad, 0, 1, testAddr(9)).Encode())
	for _, p := range h.engine.pingList {
		if p.Address.Equal(testAddr(9)) {
			t.Fatal("fragment with a wrong key must be dropped")
		}
	}
}
