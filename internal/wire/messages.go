package wire

import (
	"strings"

	"github.com/opentorque/servergrid/internal/netaddr"
)

// ListRequest asks a master for its server list — wire name
// MasterServerListRequest. Re-requests of a single fragment zero every
// filter field except PageIndex.
type ListRequest struct {
	Flags       uint8
	KeyField    uint32
	PageIndex   uint8 // 255 = all pages
	GameType    string
	MissionType string
	MinPlayers  uint8
	MaxPlayers  uint8
	RegionMask  uint32
	Version     uint32
	FilterFlags uint8
	MaxBots     uint8
	MinCPU      uint16
	BuddyList   []uint32
}

func (m ListRequest) Encode() []byte {
	w := NewWriter()
	w.WriteHeader(MasterServerListRequest, m.Flags, m.KeyField)
	w.WriteU8(m.PageIndex)
	w.WriteShortString(m.GameType)
	w.WriteShortString(m.MissionType)
	w.WriteU8(m.MinPlayers)
	w.WriteU8(m.MaxPlayers)
	w.WriteU32(m.RegionMask)
	w.WriteU32(m.Version)
	w.WriteU8(m.FilterFlags)
	w.WriteU8(m.MaxBots)
	w.WriteU16(m.MinCPU)
	w.WriteU8(uint8(len(m.BuddyList)))
	for _, b := range m.BuddyList {
		w.WriteU32(b)
	}
	return w.Bytes()
}

func DecodeListRequest(r *Reader, h Header) (ListRequest, error) {
	m := ListRequest{Flags: h.Flags, KeyField: h.KeyField}
	var err error
	if m.PageIndex, err = r.ReadU8(); err != nil {
		return m, err
	}
	if m.GameType, err = r.ReadShortString(); err != nil {
		return m, err
	}
	if m.MissionType, err = r.ReadShortString(); err != nil {
		return m, err
	}
	if m.MinPlayers, err = r.ReadU8(); err != nil {
		return m, err
	}
	if m.MaxPlayers, err = r.ReadU8(); err != nil {
		return m, err
	}
	if m.RegionMask, err = r.ReadU32(); err != nil {
		return m, err
	}
	if m.Version, err = r.ReadU32(); err != nil {
		return m, err
	}
	if m.FilterFlags, err = r.ReadU8(); err != nil {
		return m, err
	}
	if m.MaxBots, err = r.ReadU8(); err != nil {
		return m, err
	}
	if m.MinCPU, err = r.ReadU16(); err != nil {
		return m, err
	}
	count, err := r.ReadU8()
	if err != nil {
		return m, err
	}
	m.BuddyList = make([]uint32, count)
	for i := range m.BuddyList {
		if m.BuddyList[i], err = r.ReadU32(); err != nil {
			return m, err
		}
	}
	return m, nil
}

// FlagSelfAddress (header bit 0 on a ListResponse) marks the enclosed
// addresses as the client's own public IP.
const FlagSelfAddress uint8 = 1 << 0

// ListResponse is one fragment of the master's paginated server list.
// Wire name MasterServerListResponse.
type ListResponse struct {
	Flags       uint8
	KeyField    uint32
	PacketIndex uint8
	PacketTotal uint8
	Servers     []netaddr.NetAddress
}

func (m ListResponse) Encode() []byte {
	w := NewWriter()
	w.WriteHeader(MasterServerListResponse, m.Flags, m.KeyField)
	w.WriteU8(m.PacketIndex)
	w.WriteU8(m.PacketTotal)
	w.WriteU16(uint16(len(m.Servers)))
	for _, s := range m.Servers {
		w.WriteNetAddress4(s)
	}
	return w.Bytes()
}

func DecodeListResponse(r *Reader, h Header) (ListResponse, error) {
	m := ListResponse{Flags: h.Flags, KeyField: h.KeyField}
	var err error
	if m.PacketIndex, err = r.ReadU8(); err != nil {
		return m, err
	}
	if m.PacketTotal, err = r.ReadU8(); err != nil {
		return m, err
	}
	count, err := r.ReadU16()
	if err != nil {
		return m, err
	}
	m.Servers = make([]netaddr.NetAddress, count)
	for i := range m.Servers {
		if m.Servers[i], err = r.ReadNetAddress4(); err != nil {
			return m, err
		}
	}
	return m, nil
}

// HeaderOnly covers every packet whose body is empty: GamePingRequest,
// GameInfoRequest, GameHeartbeat, GameMasterInfoRequest, and
// MasterServerRelayReady.
type HeaderOnly struct {
	Flags    uint8
	KeyField uint32
}

func (h HeaderOnly) Encode(t PacketType) []byte {
	w := NewWriter()
	w.WriteHeader(t, h.Flags, h.KeyField)
	return w.Bytes()
}

// PingResponse is the server's reply to a GamePingRequest — wire name
// GamePingResponse — the protocol-compatibility handshake the client
// validates before trusting anything else.
type PingResponse struct {
	Flags           uint8
	KeyField        uint32
	VersionTag      string
	ProtocolCurrent uint32
	ProtocolMin     uint32
	BuildVersion    uint32
	ServerName      string
}

func (m PingResponse) Encode() []byte {
	w := NewWriter()
	w.WriteHeader(GamePingResponse, m.Flags, m.KeyField)
	w.WriteAdaptiveString(m.VersionTag, m.Flags)
	w.WriteU32(m.ProtocolCurrent)
	w.WriteU32(m.ProtocolMin)
	w.WriteU32(m.BuildVersion)
	name := m.ServerName
	if len(name) > MaxServerNameLen {
		name = name[:MaxServerNameLen]
	}
	w.WriteAdaptiveString(name, m.Flags)
	return w.Bytes()
}

func DecodePingResponse(r *Reader, h Header) (PingResponse, error) {
	m := PingResponse{Flags: h.Flags, KeyField: h.KeyField}
	var err error
	if m.VersionTag, err = r.ReadAdaptiveString(h.Flags); err != nil {
		return m, err
	}
	if m.ProtocolCurrent, err = r.ReadU32(); err != nil {
		return m, err
	}
	if m.ProtocolMin, err = r.ReadU32(); err != nil {
		return m, err
	}
	if m.BuildVersion, err = r.ReadU32(); err != nil {
		return m, err
	}
	if m.ServerName, err = r.ReadAdaptiveString(h.Flags); err != nil {
		return m, err
	}
	return m, nil
}

// InfoResponse answers a GameInfoRequest with the server's current
// game/mission/status snapshot — wire name GameInfoResponse.
type InfoResponse struct {
	Flags        uint8
	KeyField     uint32
	GameType     string
	MissionType  string
	MissionName  string
	StatusFlags  uint8
	NumPlayers   uint8
	MaxPlayers   uint8
	NumBots      uint8
	CPUSpeed     uint16
	InfoString   string
	StatusString string
}

func (m InfoResponse) Encode() []byte {
	w := NewWriter()
	w.WriteHeader(GameInfoResponse, m.Flags, m.KeyField)
	w.WriteAdaptiveString(m.GameType, m.Flags)
	w.WriteAdaptiveString(m.MissionType, m.Flags)
	w.WriteAdaptiveString(stripMissionExt(m.MissionName), m.Flags)
	w.WriteU8(m.StatusFlags)
	w.WriteU8(m.NumPlayers)
	w.WriteU8(m.MaxPlayers)
	w.WriteU8(m.NumBots)
	w.WriteU16(m.CPUSpeed)
	w.WriteAdaptiveString(m.InfoString, m.Flags)
	w.WriteLongString(m.StatusString)
	return w.Bytes()
}

func DecodeInfoResponse(r *Reader, h Header) (InfoResponse, error) {
	m := InfoResponse{Flags: h.Flags, KeyField: h.KeyField}
	var err error
	if m.GameType, err = r.ReadAdaptiveString(h.Flags); err != nil {
		return m, err
	}
	if m.MissionType, err = r.ReadAdaptiveString(h.Flags); err != nil {
		return m, err
	}
	if m.MissionName, err = r.ReadAdaptiveString(h.Flags); err != nil {
		return m, err
	}
	m.MissionName = stripMissionExt(m.MissionName)
	if m.StatusFlags, err = r.ReadU8(); err != nil {
		return m, err
	}
	if m.NumPlayers, err = r.ReadU8(); err != nil {
		return m, err
	}
	if m.MaxPlayers, err = r.ReadU8(); err != nil {
		return m, err
	}
	if m.NumBots, err = r.ReadU8(); err != nil {
		return m, err
	}
	if m.CPUSpeed, err = r.ReadU16(); err != nil {
		return m, err
	}
	if m.InfoString, err = r.ReadAdaptiveString(h.Flags); err != nil {
		return m, err
	}
	if m.StatusString, err = r.ReadLongString(); err != nil {
		return m, err
	}
	return m, nil
}

func stripMissionExt(name string) string {
	return strings.TrimSuffix(name, ".mis")
}

// MasterInfoResponse carries richer per-player detail than InfoResponse —
// wire name GameMasterInfoResponse.
type MasterInfoResponse struct {
	Flags       uint8
	KeyField    uint32
	GameType    string
	MissionType string
	InviteCode  string
	MaxPlayers  uint8 // private-slots adjusted
	RegionMask  uint32
	Version     uint32
	StatusFlags uint8
	NumBots     uint8
	CPUSpeed    uint16
	GUIDs       []uint32
}

func (m MasterInfoResponse) Encode() []byte {
	w := NewWriter()
	w.WriteHeader(GameMasterInfoResponse, m.Flags, m.KeyField)
	w.WriteShortString(m.GameType)
	w.WriteShortString(m.MissionType)
	w.WriteShortString(m.InviteCode)
	w.WriteU8(m.MaxPlayers)
	w.WriteU32(m.RegionMask)
	w.WriteU32(m.Version)
	w.WriteU8(m.StatusFlags)
	w.WriteU8(m.NumBots)
	w.WriteU16(m.CPUSpeed)
	w.WriteU8(uint8(len(m.GUIDs)))
	for _, g := range m.GUIDs {
		w.WriteU32(g)
	}
	return w.Bytes()
}

func DecodeMasterInfoResponse(r *Reader, h Header) (MasterInfoResponse, error) {
	m := MasterInfoResponse{Flags: h.Flags, KeyField: h.KeyField}
	var err error
	if m.GameType, err = r.ReadShortString(); err != nil {
		return m, err
	}
	if m.MissionType, err = r.ReadShortString(); err != nil {
		return m, err
	}
	if m.InviteCode, err = r.ReadShortString(); err != nil {
		return m, err
	}
	if m.MaxPlayers, err = r.ReadU8(); err != nil {
		return m, err
	}
	if m.RegionMask, err = r.ReadU32(); err != nil {
		return m, err
	}
	if m.Version, err = r.ReadU32(); err != nil {
		return m, err
	}
	if m.StatusFlags, err = r.ReadU8(); err != nil {
		return m, err
	}
	if m.NumBots, err = r.ReadU8(); err != nil {
		return m, err
	}
	if m.CPUSpeed, err = r.ReadU16(); err != nil {
		return m, err
	}
	playerCount, err := r.ReadU8()
	if err != nil {
		return m, err
	}
	m.GUIDs = make([]uint32, playerCount)
	for i := range m.GUIDs {
		if m.GUIDs[i], err = r.ReadU32(); err != nil {
			return m, err
		}
	}
	return m, nil
}

// PadGUIDList pads a published GUID list to playerCount entries with 0
// and clips anything beyond the player count.
func PadGUIDList(guids []uint32, playerCount uint8) []uint32 {
	if uint8(len(guids)) >= playerCount {
		return guids[:playerCount]
	}
	out := make([]uint32, playerCount)
	copy(out, guids)
	return out
}

// --- NAT traversal / relay family ---

// NATRelayRequest is the shared shape of MasterServerGamePingRequest and
// MasterServerGameInfoRequest: a master-brokered ping/info probe aimed at a
// specific already-listed server, carrying the peer's own key so the
// master can stitch the eventual reply back to the right session.
type NATRelayRequest struct {
	Flags     uint8
	KeyField  uint32
	Target    netaddr.NetAddress
	PeerFlags uint8
	PeerKey   uint32
}

func (m NATRelayRequest) Encode(t PacketType) []byte {
	w := NewWriter()
	w.WriteHeader(t, m.Flags, m.KeyField)
	w.WriteNetAddress4(m.Target)
	w.WriteU8(m.PeerFlags)
	w.WriteU32(m.PeerKey)
	return w.Bytes()
}

func DecodeNATRelayRequest(r *Reader, h Header) (NATRelayRequest, error) {
	m := NATRelayRequest{Flags: h.Flags, KeyField: h.KeyField}
	var err error
	if m.Target, err = r.ReadNetAddress4(); err != nil {
		return m, err
	}
	if m.PeerFlags, err = r.ReadU8(); err != nil {
		return m, err
	}
	if m.PeerKey, err = r.ReadU32(); err != nil {
		return m, err
	}
	return m, nil
}

// TargetAddress is the shared shape of MasterServerRequestArrangedConnection
// and MasterServerRelayRequest: a single candidate address.
type TargetAddress struct {
	Flags    uint8
	KeyField uint32
	Target   netaddr.NetAddress
}

func (m TargetAddress) Encode(t PacketType) []byte {
	w := NewWriter()
	w.WriteHeader(t, m.Flags, m.KeyField)
	w.WriteNetAddress4(m.Target)
	return w.Bytes()
}

func DecodeTargetAddress(r *Reader, h Header) (TargetAddress, error) {
	m := TargetAddress{Flags: h.Flags, KeyField: h.KeyField}
	var err error
	if m.Target, err = r.ReadNetAddress4(); err != nil {
		return m, err
	}
	return m, nil
}

// ArrangedConnectionAccepted wire name: MasterServerArrangedConnectionAccepted.
type ArrangedConnectionAccepted struct {
	Flags      uint8
	KeyField   uint32
	Candidates []netaddr.NetAddress
}

func (m ArrangedConnectionAccepted) Encode() []byte {
	w := NewWriter()
	w.WriteHeader(MasterServerArrangedConnectionAccepted, m.Flags, m.KeyField)
	w.WriteU8(uint8(len(m.Candidates)))
	for _, c := range m.Candidates {
		w.WriteNetAddress4(c)
	}
	return w.Bytes()
}

func DecodeArrangedConnectionAccepted(r *Reader, h Header) (ArrangedConnectionAccepted, error) {
	m := ArrangedConnectionAccepted{Flags: h.Flags, KeyField: h.KeyField}
	count, err := r.ReadU8()
	if err != nil {
		return m, err
	}
	m.Candidates = make([]netaddr.NetAddress, count)
	for i := range m.Candidates {
		if m.Candidates[i], err = r.ReadNetAddress4(); err != nil {
			return m, err
		}
	}
	return m, nil
}

// ArrangedConnectionRejected reasons.
const (
	RejectNoSuchServer uint8 = 0
	RejectServerReject uint8 = 1
)

// ArrangedConnectionRejected wire name: MasterServerArrangedConnectionRejected.
type ArrangedConnectionRejected struct {
	Flags    uint8
	KeyField uint32
	Reason   uint8
}

func (m ArrangedConnectionRejected) Encode() []byte {
	w := NewWriter()
	w.WriteHeader(MasterServerArrangedConnectionRejected, m.Flags, m.KeyField)
	w.WriteU8(m.Reason)
	return w.Bytes()
}

func DecodeArrangedConnectionRejected(r *Reader, h Header) (ArrangedConnectionRejected, error) {
	m := ArrangedConnectionRejected{Flags: h.Flags, KeyField: h.KeyField}
	var err error
	if m.Reason, err = r.ReadU8(); err != nil {
		return m, err
	}
	return m, nil
}

// RelayResponse wire name: MasterServerRelayResponse.
type RelayResponse struct {
	Flags     uint8
	KeyField  uint32
	IsHost    bool
	RelayAddr netaddr.NetAddress
}

func (m RelayResponse) Encode() []byte {
	w := NewWriter()
	w.WriteHeader(MasterServerRelayResponse, m.Flags, m.KeyField)
	w.WriteBool(m.IsHost)
	w.WriteNetAddress4(m.RelayAddr)
	return w.Bytes()
}

func DecodeRelayResponse(r *Reader, h Header) (RelayResponse, error) {
	m := RelayResponse{Flags: h.Flags, KeyField: h.KeyField}
	var err error
	if m.IsHost, err = r.ReadBool(); err != nil {
		return m, err
	}
	if m.RelayAddr, err = r.ReadNetAddress4(); err != nil {
		return m, err
	}
	return m, nil
}

// JoinInvite wire name: MasterServerJoinInvite.
type JoinInvite struct {
	Flags      uint8
	KeyField   uint32
	InviteCode string
}

func (m JoinInvite) Encode() []byte {
	w := NewWriter()
	w.WriteHeader(MasterServerJoinInvite, m.Flags, m.KeyField)
	w.WriteShortString(m.InviteCode)
	return w.Bytes()
}

func DecodeJoinInvite(r *Reader, h Header) (JoinInvite, error) {
	m := JoinInvite{Flags: h.Flags, KeyField: h.KeyField}
	var err error
	if m.InviteCode, err = r.ReadShortString(); err != nil {
		return m, err
	}
	return m, nil
}

// SelfIPSentinel is the special "substitute the responder's source IP"
// marker a LAN host answers invite probes with.
var SelfIPSentinel = netaddr.NewIPv4(255, 255, 255, 255, 0)

// JoinInviteResponse wire name: MasterServerJoinInviteResponse.
type JoinInviteResponse struct {
	Flags    uint8
	KeyField uint32
	Found    bool
	Addr     netaddr.NetAddress
}

func (m JoinInviteResponse) Encode() []byte {
	w := NewWriter()
	w.WriteHeader(MasterServerJoinInviteResponse, m.Flags, m.KeyField)
	w.WriteBool(m.Found)
	w.WriteNetAddress4(m.Addr)
	return w.Bytes()
}

func DecodeJoinInviteResponse(r *Reader, h Header) (JoinInviteResponse, error) {
	m := JoinInviteResponse{Flags: h.Flags, KeyField: h.KeyField}
	var err error
	if m.Found, err = r.ReadBool(); err != nil {
		return m, err
	}
	if m.Addr, err = r.ReadNetAddress4(); err != nil {
		return m, err
	}
	return m, nil
}

// IsSentinelSelfIP reports whether addr is the 255.255.255.255 "substitute
// responder source IP" marker (port is not part of the comparison).
func IsSentinelSelfIP(addr netaddr.NetAddress) bool {
	return addr.IP == SelfIPSentinel.IP
}
