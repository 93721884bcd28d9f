// Package wire implements the discovery protocol's binary packets: a
// 1-byte packet type, a shared header, and per-type bodies. Integers are
// little-endian; two string forms (short, long) and one adaptive
// dictionary-compressed form are supported.
package wire

// PacketType identifies the payload that follows the shared header.
type PacketType uint8

const (
	GamePingRequest PacketType = iota + 1
	GamePingResponse
	GameInfoRequest
	GameInfoResponse
	GameMasterInfoRequest
	GameMasterInfoResponse
	GameHeartbeat
	MasterServerListRequest
	MasterServerListResponse
	MasterServerGamePingRequest
	MasterServerGamePingResponse
	MasterServerGameInfoRequest
	MasterServerGameInfoResponse
	MasterServerRequestArrangedConnection
	MasterServerArrangedConnectionAccepted
	MasterServerArrangedConnectionRejected
	MasterServerRelayRequest
	MasterServerRelayResponse
	MasterServerRelayReady
	MasterServerJoinInvite
	MasterServerJoinInviteResponse
)

// QueryFlags bits carried in the packet header.
const (
	FlagOfflineQuery     uint8 = 1 << 0 // client is not authenticated with a master
	FlagNoStringCompress uint8 = 1 << 1 // codec must use the short-string form, not the compressed form
)

// FilterFlags bits carried in a list request.
const (
	FilterDedicated      uint8 = 1 << 0
	FilterNotPassworded  uint8 = 1 << 1
	FilterLinux          uint8 = 1 << 2
	FilterCurrentVersion uint8 = 1 << 7
)

// StatusFlags bits reported by GameInfoResponse and GameMasterInfoResponse.
const (
	StatusDedicated  uint8 = 1 << 0
	StatusPassworded uint8 = 1 << 1
	StatusLinux      uint8 = 1 << 2
	StatusPrivate    uint8 = 1 << 3
)

// VersionTag is the protocol-compatibility literal every GamePingResponse
// must echo for the ping to be accepted.
const VersionTag = "VER1"

// MaxServerNameLen is the 24-character server-name limit.
const MaxServerNameLen = 24

// Header is the preamble shared by every packet: the packet type, the
// request/response flags, and the combined session+key field
// (session<<16)|(key&0xFFFF).
type Header struct {
	Type     PacketType
	Flags    uint8
	KeyField uint32
}

// MakeKeyField combines a session generation and a per-request nonce the
// way sendPacket does in the original engine. Only the low 16 bits of
// session survive the shift — that is the original engine's behavior too,
// since session and key are both native 32-bit words there.
func MakeKeyField(session uint32, key uint32) uint32 {
	return (session << 16) | (key & 0xFFFF)
}

// SplitKeyField extracts what a response's KeyField claims for its session
// and key components. Validation does not use it: it recomputes and
// compares the expected field rather than trusting the response's own split.
func SplitKeyField(keyField uint32) (session uint16, key uint16) {
	return uint16(keyField >> 16), uint16(keyField & 0xFFFF)
}
