// Package responder implements the game server's side of the discovery
// protocol: answering pings, info queries, master info requests, and LAN
// join invites from the current server configuration.
package responder

import (
	"runtime"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/opentorque/servergrid/internal/config"
	"github.com/opentorque/servergrid/internal/netaddr"
	"github.com/opentorque/servergrid/internal/serverlist"
	"github.com/opentorque/servergrid/internal/transport"
	"github.com/opentorque/servergrid/internal/wire"
)

// Options wires a Responder's collaborators.
type Options struct {
	Config config.Store
	Send   transport.Sender
	Log    zerolog.Logger

	BuildVersion    uint32
	ProtocolCurrent uint32
	ProtocolMin     uint32
	CPUSpeedMHz     uint16

	// AllowConnections gates every reply; when it reports false the
	// responder stays silent. Nil means always allowed.
	AllowConnections func() bool

	// Masters lets master-info requests be logged with their origin
	// class. Nil is fine.
	Masters func() []serverlist.MasterInfo
}

// Responder answers discovery packets. Configuration is re-read from the
// Store on every packet so console-side changes take effect immediately.
type Responder struct {
	cfg   config.Store
	send  transport.Sender
	log   zerolog.Logger
	opts  Options
	linux bool
}

// New builds a Responder.
func New(o Options) *Responder {
	return &Responder{
		cfg:   o.Config,
		send:  o.Send,
		log:   o.Log,
		opts:  o,
		linux: runtime.GOOS == "linux" || runtime.GOOS == "openbsd",
	}
}

// HandlePacket processes one inbound datagram, returning true when the
// packet type belongs to the responder.
func (r *Responder) HandlePacket(from netaddr.NetAddress, payload []byte) bool {
	rd := wire.NewReader(payload)
	h, err := rd.ReadHeader()
	if err != nil {
		return false
	}

	switch h.Type {
	case wire.GamePingRequest:
		r.handlePingRequest(from, h)
		return true
	case wire.GameInfoRequest:
		r.handleInfoRequest(from, h)
		return true
	case wire.GameMasterInfoRequest:
		r.handleMasterInfoRequest(from, h)
		return true
	case wire.MasterServerJoinInvite:
		m, err := wire.DecodeJoinInvite(rd, h)
		if err != nil {
			return true
		}
		r.handleJoinInvite(from, m)
		return true
	}
	return false
}

func (r *Responder) allowConnections() bool {
	if strings.EqualFold(config.GetString(r.cfg, "Server::ServerType", ""), "SinglePlayer") {
		return false
	}
	if r.opts.AllowConnections != nil {
		return r.opts.AllowConnections()
	}
	return true
}

func (r *Responder) statusFlags() uint8 {
	var status uint8
	if r.linux {
		status |= wire.StatusLinux
	}
	if config.GetBool(r.cfg, "Server::Dedicated", false) {
		status |= wire.StatusDedicated
	}
	if config.GetString(r.cfg, "Pref::Server::Password", "") != "" {
		status |= wire.StatusPassworded
	}
	return status
}

// openSlots is MaxPlayers less the slots reserved for invited players.
func (r *Responder) openSlots() int {
	return config.GetInt(r.cfg, "Pref::Server::MaxPlayers", 0) -
		config.GetInt(r.cfg, "Pref::Server::PrivateSlots", 0)
}

func (r *Responder) handlePingRequest(from netaddr.NetAddress, h wire.Header) {
	if !r.allowConnections() {
		return
	}
	if strings.EqualFold(config.GetString(r.cfg, "Server::ServerType", ""), "SinglePlayer") {
		return
	}
	if h.Flags&wire.FlagOfflineQuery != 0 {
		return
	}
	if config.GetInt(r.cfg, "Server::PlayerCount", 0) >= r.openSlots() {
		return
	}

	name := config.GetString(r.cfg, "Pref::Server::Name", "")
	if len(name) > wire.MaxServerNameLen {
		name = name[:wire.MaxServerNameLen]
	}
	resp := wire.PingResponse{
		Flags:           h.Flags,
		KeyField:        h.KeyField,
		VersionTag:      wire.VersionTag,
		ProtocolCurrent: r.opts.ProtocolCurrent,
		ProtocolMin:     r.opts.ProtocolMin,
		BuildVersion:    r.opts.BuildVersion,
		ServerName:      name,
	}
	if err := r.send.Send(from, resp.Encode()); err != nil {
		r.log.Debug().Err(err).Msg("ping response send failed")
	}
}

func (r *Responder) handleInfoRequest(from netaddr.NetAddress, h wire.Header) {
	if !r.allowConnections() {
		return
	}
	if h.Flags&wire.FlagOfflineQuery != 0 {
		return
	}

	resp := wire.InfoResponse{
		Flags:        h.Flags,
		KeyField:     h.KeyField,
		GameType:     config.GetString(r.cfg, "Server::GameType", ""),
		MissionType:  config.GetString(r.cfg, "Server::MissionType", ""),
		MissionName:  config.GetString(r.cfg, "Server::MissionName", ""),
		StatusFlags:  r.statusFlags(),
		NumPlayers:   uint8(config.GetInt(r.cfg, "Server::PlayerCount", 0)),
		MaxPlayers:   uint8(config.GetInt(r.cfg, "Pref::Server::MaxPlayers", 0)),
		NumBots:      uint8(config.GetInt(r.cfg, "Server::BotCount", 0)),
		CPUSpeed:     r.opts.CPUSpeedMHz,
		InfoString:   config.GetString(r.cfg, "Pref::Server::Info", ""),
		StatusString: config.GetString(r.cfg, "Server::Status", ""),
	}
	if err := r.send.Send(from, resp.Encode()); err != nil {
		r.log.Debug().Err(err).Msg("info response send failed")
	}
}

func (r *Responder) handleMasterInfoRequest(from netaddr.NetAddress, h wire.Header) {
	if !r.allowConnections() {
		return
	}

	fromMaster := false
	if r.opts.Masters != nil {
		for _, m := range r.opts.Masters() {
			if m.Address.IP == from.IP {
				fromMaster = true
				break
			}
		}
	}
	r.log.Info().Stringer("from", from).Bool("master", fromMaster).Msg("Received info request.")

	status := r.statusFlags()
	if config.GetBool(r.cfg, "Server::IsPrivate", false) {
		status |= wire.StatusPrivate
	}

	playerCount := uint8(config.GetInt(r.cfg, "Server::PlayerCount", 0))
	resp := wire.MasterInfoResponse{
		Flags:       h.Flags,
		KeyField:    h.KeyField,
		GameType:    config.GetString(r.cfg, "Server::GameType", ""),
		MissionType: config.GetString(r.cfg, "Server::MissionType", ""),
		InviteCode:  config.GetString(r.cfg, "Server::InviteCode", ""),
		MaxPlayers:  uint8(r.openSlots()),
		RegionMask:  uint32(config.GetInt(r.cfg, "Server::RegionMask", 0)),
		Version:     r.opts.BuildVersion,
		StatusFlags: status,
		NumBots:     uint8(config.GetInt(r.cfg, "Server::BotCount", 0)),
		CPUSpeed:    r.opts.CPUSpeedMHz,
		GUIDs:       wire.PadGUIDList(r.guidList(), playerCount),
	}
	if err := r.send.Send(from, resp.Encode()); err != nil {
		r.log.Debug().Err(err).Msg("master info response send failed")
	}
}

// guidList parses the tab-separated published GUID string.
func (r *Responder) guidList() []uint32 {
	raw := config.GetString(r.cfg, "Server::GuidList", "")
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, "\t")
	out := make([]uint32, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			continue
		}
		n, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			continue
		}
		out = append(out, uint32(n))
	}
	return out
}

// handleJoinInvite answers a LAN-broadcast invite probe when the code
// matches ours. The response substitutes the broadcast sentinel for the
// host IP; the client fills in our real address from the packet source.
func (r *Responder) handleJoinInvite(from netaddr.NetAddress, m wire.JoinInvite) {
	ours := config.GetString(r.cfg, "Server::InviteCode", "")
	if ours == "" || m.InviteCode != ours {
		return
	}
	port := uint16(config.GetInt(r.cfg, "Pref::Server::Port", 0))
	resp := wire.JoinInviteResponse{
		Found: true,
		Addr:  netaddr.NewIPv4(255, 255, 255, 255, port),
	}
	if err := r.send.Send(from, resp.Encode()); err != nil {
		r.log.Debug().Err(err).Msg("join invite response send failed")
	}
}
