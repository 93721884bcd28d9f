// Package serverlist holds the tables the discovery pipeline works over:
// the discovered-server list, in-flight pings, in-flight master-list
// fragments, and the active filter. All mutation happens from the query
// engine's single event loop; this package supplies the data types and
// the pure filter predicates, not the loop itself.
package serverlist

import (
	"strings"
	"time"

	"github.com/opentorque/servergrid/internal/netaddr"
)

// Flags is the ServerInfo status bitset.
type Flags uint16

const (
	FlagNew Flags = 1 << iota
	FlagUpdating
	FlagQuerying
	FlagResponded
	FlagTimedOut
	FlagDedicated
	FlagPassworded
	FlagLinux
	FlagPrivate
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// ServerInfo is the persistent record kept per discovered server.
// Address is the unique key within a List.
type ServerInfo struct {
	Address netaddr.NetAddress

	Name          string
	GameType      string
	MissionType   string
	MissionName   string
	InfoString    string
	StatusString  string

	PingMS      uint32
	NumPlayers  uint8
	MaxPlayers  uint8
	NumBots     uint8
	CPUSpeedMHz uint16
	Version     uint32

	Flags Flags

	IsLocal    bool
	IsFavorite bool
}

// SetResponded marks a reply received; Responded and TimedOut are
// mutually exclusive, so the other bit clears.
func (s *ServerInfo) SetResponded() {
	s.Flags &^= FlagTimedOut
	s.Flags |= FlagResponded
}

func (s *ServerInfo) SetTimedOut() {
	s.Flags &^= FlagResponded
	s.Flags |= FlagTimedOut
}

// Ping is an in-flight probe.
type Ping struct {
	Address     netaddr.NetAddress
	Session     uint32
	Key         uint32
	SentAt      time.Time
	TriesLeft   int
	Broadcast   bool
	IsLocal     bool
}

// PacketStatus tracks one outstanding master-list fragment.
type PacketStatus struct {
	Index     uint8
	Key       uint32
	SentAt    time.Time
	TriesLeft int
}

// FilterType selects the query mode.
type FilterType int

const (
	FilterNormal FilterType = iota
	FilterBuddy
	FilterOffline
	FilterFavorites
	FilterOfflineFiltered
)

// FilterFlags bits. Engine-side twins of the wire bits; the layouts are
// kept identical so they copy straight onto a list request.
const (
	FilterFlagDedicated      uint8 = 1 << 0
	FilterFlagNotPassworded  uint8 = 1 << 1
	FilterFlagLinux          uint8 = 1 << 2
	FilterFlagCurrentVersion uint8 = 1 << 7
)

// Filter is the active predicate set applied to responses.
type Filter struct {
	Type        FilterType
	QueryFlags  uint8
	GameType    string
	MissionType string
	MinPlayers  uint8
	MaxPlayers  uint8
	MaxBots     uint8
	RegionMask  uint32
	MaxPing     uint32
	MinCPU      uint16
	FilterFlags uint8
	BuddyList   []uint32
}

func isAny(s string) bool { return strings.EqualFold(s, "any") || s == "" }

// MasterInfo is one configured directory server. Region 0 is invalid.
type MasterInfo struct {
	Address netaddr.NetAddress
	Region  uint32
}
