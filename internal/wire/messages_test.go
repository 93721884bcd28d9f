package wire

import (
	"reflect"
	"testing"

	"github.com/opentorque/servergrid/internal/netaddr"
)

func decodeHeader(t *testing.T, payload []byte, want PacketType) (*Reader, Header) {
	t.Helper()
	r := NewReader(payload)
	h, err := r.ReadHeader()
	if err != nil {
		t.Fatal(err)
	}
	if h.Type != want {
		t.Fatalf("packet type = %d, want %d", h.Type, want)
	}
	return r, h
}

func TestKeyField(t *testing.T) {
	if got := MakeKeyField(0x1234, 0xABCD); got != 0x1234ABCD {
		t.Errorf("MakeKeyField = %#x", got)
	}
	// Only the low 16 bits of the key survive.
	if got := MakeKeyField(1, 0xFFFF1111); got != 0x00011111 {
		t.Errorf("MakeKeyField with wide key = %#x", got)
	}
	s, k := SplitKeyField(0x1234ABCD)
	if s != 0x1234 || k != 0xABCD {
		t.Errorf("SplitKeyField = %#x, %#x", s, k)
	}
}

func TestListRequestRoundTrip(t *testing.T) {
	in := ListRequest{
		Flags:       FlagNoStringCompress,
		KeyField:    0x00050001,
		PageIndex:   255,
		GameType:    "CTF",
		MissionType: "any",
		MinPlayers:  2,
		MaxPlayers:  32,
		RegionMask:  0xF,
		Version:     2026,
		FilterFlags: FilterDedicated | FilterNotPassworded,
		MaxBots:     4,
		MinCPU:      1000,
		BuddyList:   []uint32{7, 8, 9},
	}
	r, h := decodeHeader(t, in.Encode(), MasterServerListRequest)
	out, err := DecodeListRequest(r, h)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(in, out) {
		t.Errorf("round trip mismatch:\n in: %+v\nout: %+v", in, out)
	}
}

func TestListResponseRoundTrip(t *testing.T) {
	in := ListResponse{
		Flags:       FlagSelfAddress,
		KeyField:    0x00020042,
		PacketIndex: 1,
		PacketTotal: 3,
		Servers: []netaddr.NetAddress{
			netaddr.NewIPv4(192, 0, 2, 10, 28000),
			netaddr.NewIPv4(10, 0, 0, 1, 28001),
		},
	}
	r, h := decodeHeader(t, in.Encode(), MasterServerListResponse)
	out, err := DecodeListResponse(r, h)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(in, out) {
		t.Errorf("round trip mismatch:\n in: %+v\nout: %+v", in, out)
	}
}

func TestPingResponseRoundTrip(t *testing.T) {
	for _, flags := range []uint8{0, FlagNoStringCompress} {
		in := PingResponse{
			Flags:           flags,
			KeyField:        0x00010001,
			VersionTag:      VersionTag,
			ProtocolCurrent: 12,
			ProtocolMin:     9,
			BuildVersion:    2026,
			ServerName:      "my server",
		}
		r, h := decodeHeader(t, in.Encode(), GamePingResponse)
		out, err := DecodePingResponse(r, h)
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(in, out) {
			t.Errorf("flags %#x round trip mismatch:\n in: %+v\nout: %+v", flags, in, out)
		}
	}
}

func TestPingResponseTruncatesServerName(t *testing.T) {
	in := PingResponse{
		Flags:      FlagNoStringCompress,
		VersionTag: VersionTag,
		ServerName: "this server name is much longer than allowed",
	}
	r, h := decodeHeader(t, in.Encode(), GamePingResponse)
	out, err := DecodePingResponse(r, h)
	if err != nil {
		t.Fatal(err)
	}
	if len(out.ServerName) != MaxServerNameLen {
		t.Errorf("server name length = %d, want %d", len(out.ServerName), MaxServerNameLen)
	}
}

func TestInfoResponseRoundTripAndMissionExt(t *testing.T) {
	for _, flags := range []uint8{0, FlagNoStringCompress} {
		in := InfoResponse{
			Flags:        flags,
			KeyField:     0x00030007,
			GameType:     "Deathmatch",
			MissionType:  "any",
			MissionName:  "frostfire.mis",
			StatusFlags:  StatusDedicated | StatusLinux,
			NumPlayers:   5,
			MaxPlayers:   24,
			NumBots:      2,
			CPUSpeed:     3200,
			InfoString:   "welcome",
			StatusString: "long status text " + string(make([]byte, 300)),
		}
		r, h := decodeHeader(t, in.Encode(), GameInfoResponse)
		out, err := DecodeInfoResponse(r, h)
		if err != nil {
			t.Fatal(err)
		}
		if out.MissionName != "frostfire" {
			t.Errorf("mission extension not stripped: %q", out.MissionName)
		}
		in.MissionName = "frostfire"
		if !reflect.DeepEqual(in, out) {
			t.Errorf("flags %#x round trip mismatch", flags)
		}
	}
}

func TestMasterInfoResponseRoundTrip(t *testing.T) {
	in := MasterInfoResponse{
		Flags:       0,
		KeyField:    0x00040002,
		GameType:    "CTF",
		MissionType: "any",
		InviteCode:  "SECRET42",
		MaxPlayers:  14,
		RegionMask:  2,
		Version:     2026,
		StatusFlags: StatusDedicated,
		NumBots:     0,
		CPUSpeed:    2400,
		GUIDs:       []uint32{100, 200, 0, 0},
	}
	r, h := decodeHeader(t, in.Encode(), GameMasterInfoResponse)
	out, err := DecodeMasterInfoResponse(r, h)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(in, out) {
		t.Errorf("round trip mismatch:\n in: %+v\nout: %+v", in, out)
	}
}

func TestPadGUIDList(t *testing.T) {
	got := PadGUIDList([]uint32{1, 2}, 4)
	if !reflect.DeepEqual(got, []uint32{1, 2, 0, 0}) {
		t.Errorf("pad = %v", got)
	}
	got = PadGUIDList([]uint32{1, 2, 3}, 2)
	if !reflect.DeepEqual(got, []uint32{1, 2}) {
		t.Errorf("clip = %v", got)
	}
}

func TestNATFamilyRoundTrips(t *testing.T) {
	target := netaddr.NewIPv4(198, 51, 100, 7, 28000)

	relayReq := NATRelayRequest{Flags: 0, KeyField: 1, Target: target, PeerFlags: 0, PeerKey: 0x00010042}
	r, h := decodeHeader(t, relayReq.Encode(MasterServerGamePingRequest), MasterServerGamePingRequest)
	gotReq, err := DecodeNATRelayRequest(r, h)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(relayReq, gotReq) {
		t.Errorf("relay request mismatch: %+v", gotReq)
	}

	ta := TargetAddress{KeyField: 2, Target: target}
	r, h = decodeHeader(t, ta.Encode(MasterServerRequestArrangedConnection), MasterServerRequestArrangedConnection)
	gotTA, err := DecodeTargetAddress(r, h)
	if err != nil {
		t.Fatal(err)
	}
	if !gotTA.Target.Equal(target) {
		t.Errorf("target mismatch: %+v", gotTA)
	}

	acc := ArrangedConnectionAccepted{Candidates: []netaddr.NetAddress{target, netaddr.NewIPv4(10, 0, 0, 2, 1234)}}
	r, h = decodeHeader(t, acc.Encode(), MasterServerArrangedConnectionAccepted)
	gotAcc, err := DecodeArrangedConnectionAccepted(r, h)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(acc, gotAcc) {
		t.Errorf("accepted mismatch: %+v", gotAcc)
	}

	rel := RelayResponse{IsHost: true, RelayAddr: target}
	r, h = decodeHeader(t, rel.Encode(), MasterServerRelayResponse)
	gotRel, err := DecodeRelayResponse(r, h)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(rel, gotRel) {
		t.Errorf("relay response mismatch: %+v", gotRel)
	}

	inv := JoinInvite{InviteCode: "CODE123"}
	r, h = decodeHeader(t, inv.Encode(), MasterServerJoinInvite)
	gotInv, err := DecodeJoinInvite(r, h)
	if err != nil {
		t.Fatal(err)
	}
	if gotInv.InviteCode != "CODE123" {
		t.Errorf("invite mismatch: %+v", gotInv)
	}

	invResp := JoinInviteResponse{Found: true, Addr: netaddr.NewIPv4(255, 255, 255, 255, 28000)}
	r, h = decodeHeader(t, invResp.Encode(), MasterServerJoinInviteResponse)
	gotIR, err := DecodeJoinInviteResponse(r, h)
	if err != nil {
		t.Fatal(err)
	}
	if !gotIR.Found || !IsSentinelSelfIP(gotIR.Addr) {
		t.Errorf("invite response mismatch: %+v", gotIR)
	}
}

func TestTruncatedPacketsError(t *testing.T) {
	full := PingResponse{
		Flags:      FlagNoStringCompress,
		VersionTag: VersionTag,
		ServerName: "name",
	}.Encode()

	for cut := 1; cut < len(full); cut++ {
		r := NewReader(full[:cut])
		h, err := r.ReadHeader()
		if err != nil {
			continue // truncated inside the header is an error too
		}
		if _, err := DecodePingResponse(r, h); err == nil {
			t.Errorf("truncation at %d bytes decoded without error", cut)
		}
	}
}

func TestHeaderOnlyEncode(t *testing.T) {
	p := HeaderOnly{Flags: FlagOfflineQuery, KeyField: 0x00010002}
	payload := p.Encode(GameHeartbeat)
	r, h := decodeHeader(t, payload, GameHeartbeat)
	if h.Flags != FlagOfflineQuery || h.KeyField != 0x00010002 {
		t.Errorf("header mismatch: %+v", h)
	}
	if rest, _ := r.ReadRest(); len(rest) != 0 {
		t.Errorf("header-only packet has %d trailing bytes", len(rest))
	}
}
