package serverlist

import "strings"

// RejectReason names which step of the filter chain rejected a
// candidate, for logging; the zero value means "accepted."
type RejectReason int

const (
	Accepted RejectReason = iota
	RejectPing
	RejectVersion
	RejectGameType
	RejectMissionType
	RejectDedicated
	RejectPassworded
	RejectMinPlayers
	RejectMaxPlayers
	RejectMaxBots
	RejectMinCPU
)

// CheckPingFilter applies the part of the chain that runs at
// ping-response time: only the ping-latency predicate is known that
// early.
func CheckPingFilter(f *Filter, pingMS uint32) RejectReason {
	if f.MaxPing > 0 && pingMS > f.MaxPing {
		return RejectPing
	}
	return Accepted
}

// CheckInfoFilter runs the full predicate chain against a completed
// GameInfoResponse. ourBuildVersion is this client's build version; the
// build match is unconditional, the CurrentVersion flag is never
// consulted.
func CheckInfoFilter(f *Filter, s *ServerInfo, ourBuildVersion uint32) RejectReason {
	if f.MaxPing > 0 && s.PingMS > f.MaxPing {
		return RejectPing
	}
	if s.Version != ourBuildVersion {
		return RejectVersion
	}
	if !isAny(f.GameType) && !strEqualFold(f.GameType, s.GameType) {
		return RejectGameType
	}
	if !isAny(f.MissionType) && !strEqualFold(f.MissionType, s.MissionType) {
		return RejectMissionType
	}
	if f.FilterFlags&FilterFlagDedicated != 0 && !s.Flags.Has(FlagDedicated) {
		return RejectDedicated
	}
	if f.FilterFlags&FilterFlagNotPassworded != 0 && s.Flags.Has(FlagPassworded) {
		return RejectPassworded
	}
	// Zero is not "unlimited" here: a filter wanting bounds sets them
	// explicitly (the unfiltered defaults are 255/255), so MaxPlayers=0
	// really does mean "empty servers only" and MaxBots=0 "no bots".
	if s.NumPlayers < f.MinPlayers {
		return RejectMinPlayers
	}
	if s.NumPlayers > f.MaxPlayers {
		return RejectMaxPlayers
	}
	if s.NumBots > f.MaxBots {
		return RejectMaxBots
	}
	if s.CPUSpeedMHz < f.MinCPU {
		return RejectMinCPU
	}
	return Accepted
}

func strEqualFold(a, b string) bool {
	return isAny(a) || isAny(b) || strings.EqualFold(a, b)
}
