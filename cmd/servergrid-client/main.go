// servergrid-client drives one discovery query from the command line —
// LAN sweep, master-directory query, favorites refresh, or invite-code
// join — and prints the resulting server list.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jessevdk/go-flags"
	"github.com/rs/zerolog/log"

	"github.com/opentorque/servergrid/internal/config"
	"github.com/opentorque/servergrid/internal/eventsink"
	"github.com/opentorque/servergrid/internal/logger"
	"github.com/opentorque/servergrid/internal/nat"
	"github.com/opentorque/servergrid/internal/netaddr"
	"github.com/opentorque/servergrid/internal/query"
	"github.com/opentorque/servergrid/internal/scheduler"
	"github.com/opentorque/servergrid/internal/serverlist"
	"github.com/opentorque/servergrid/internal/transport"
	"github.com/opentorque/servergrid/internal/version"
)

type options struct {
	Mode       string   `long:"mode" description:"Query mode" choice:"lan" choice:"master" choice:"favorites" choice:"single" choice:"invite" default:"lan"`
	Port       uint16   `short:"p" long:"port" description:"LAN/game port to sweep" default:"28000"`
	Address    string   `long:"address" description:"Target address for single mode"`
	Invite     string   `long:"invite" description:"Invite code for invite mode"`
	Masters    []string `short:"m" long:"master" description:"Master server, <region>:<host>:<port>; repeatable"`
	GameType   string   `long:"game-type" description:"Filter: game type" default:"any"`
	Mission    string   `long:"mission-type" description:"Filter: mission type" default:"any"`
	MaxPing    uint32   `long:"max-ping" description:"Filter: maximum ping in ms"`
	MinPlayers uint8    `long:"min-players" description:"Filter: minimum players"`
	MaxPlayers uint8    `long:"max-players" description:"Filter: maximum players" default:"255"`
	MaxBots    uint8    `long:"max-bots" description:"Filter: maximum bots" default:"255"`
	Dedicated  bool     `long:"dedicated" description:"Filter: dedicated servers only"`
	NoPassword bool     `long:"no-password" description:"Filter: unpassworded servers only"`
	UseFilters bool     `long:"use-filters" description:"Apply filters to LAN results"`
	HolePunch  bool     `long:"hole-punch" description:"Forward probes through the masters for NAT'd servers"`
	NATPMP     bool     `long:"natpmp" description:"Attempt a NAT-PMP mapping before querying"`
	MQTT       string   `long:"mqtt" env:"SERVERGRID_MQTT" description:"MQTT broker URL for status telemetry (optional)"`
	Timeout    int      `long:"timeout" description:"Give up after this many seconds" default:"30"`

	Logger logger.Config `group:"Logger Options" namespace:"log" env-namespace:"SERVERGRID_LOG"`
}

func buildFilter(opts options) serverlist.Filter {
	f := serverlist.Filter{
		GameType:    opts.GameType,
		MissionType: opts.Mission,
		MinPlayers:  opts.MinPlayers,
		MaxPlayers:  opts.MaxPlayers,
		MaxBots:     opts.MaxBots,
		MaxPing:     opts.MaxPing,
	}
	if opts.Dedicated {
		f.FilterFlags |= serverlist.FilterFlagDedicated
	}
	if opts.NoPassword {
		f.FilterFlags |= serverlist.FilterFlagNotPassworded
	}
	return f
}

func printServers(servers []*serverlist.ServerInfo) {
	for _, s := range servers {
		status := "timeout"
		if s.Flags.Has(serverlist.FlagResponded) {
			status = "ok"
		}
		fmt.Printf("%-28s %-8s %4dms  %-16s %-12s %2d/%-2d  %s\n",
			s.Address, status, s.PingMS, s.Name, s.GameType,
			s.NumPlayers, s.MaxPlayers, s.MissionName)
	}
}

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(1)
	}
	logger.Setup(opts.Logger)

	store := config.MapStore{}
	for i, m := range opts.Masters {
		if i >= 10 {
			break
		}
		store[fmt.Sprintf("Server::Master%d", i)] = m
	}

	if opts.NATPMP {
		if mapping, err := nat.TryPortMapping(opts.Port, time.Hour); err == nil {
			log.Info().Stringer("external", mapping.External).Msg("NAT-PMP mapping established")
			opts.HolePunch = false
		} else {
			log.Debug().Err(err).Msg("NAT-PMP unavailable, keeping master rendezvous")
		}
	}

	conn, err := transport.ListenUDP(0)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to bind UDP socket")
	}
	defer func() { _ = conn.Close() }()

	done := make(chan string, 1)
	sink := eventsink.Multi{eventsink.Func(func(phase eventsink.Phase, message string, progress float64) {
		log.Info().Str("phase", string(phase)).Float64("progress", progress).Msg(message)
		if phase == eventsink.PhaseDone {
			done <- message
		}
	})}
	if opts.MQTT != "" {
		mq, err := eventsink.NewMQTTSink(opts.MQTT, "servergrid-client-"+uuid.NewString(), "servergrid/query/status")
		if err != nil {
			log.Error().Err(err).Msg("MQTT telemetry disabled")
		} else {
			defer mq.Close()
			sink = append(sink, mq)
		}
	}

	engine := query.New(query.Options{
		Clock:           scheduler.Real{},
		Send:            conn,
		Config:          store,
		Sink:            sink,
		Log:             log.Logger,
		BuildVersion:    version.Build,
		ProtocolCurrent: version.ProtocolCurrent,
		ProtocolMin:     version.ProtocolMin,
		HolePunching:    opts.HolePunch,
	})

	dispatcher := nat.New(conn, func() []serverlist.MasterInfo {
		var out []serverlist.MasterInfo
		for _, m := range config.Masters(store) {
			addr, err := netaddr.Parse(m.Host, m.Port)
			if err != nil {
				continue
			}
			out = append(out, serverlist.MasterInfo{Address: addr, Region: m.Region})
		}
		return out
	}, nat.Callbacks{
		OnInviteResult: func(found bool, addr netaddr.NetAddress, local bool) {
			if found {
				fmt.Printf("invite resolved: %s (local=%v)\n", addr, local)
			} else {
				fmt.Println("invite not found")
			}
			done <- "invite"
		},
	}, log.Logger)

	type datagram struct {
		from    netaddr.NetAddress
		payload []byte
	}
	rx := make(chan datagram, 256)
	go conn.Serve(func(from netaddr.NetAddress, payload []byte) {
		rx <- datagram{from, payload}
	})

	filter := buildFilter(opts)
	switch opts.Mode {
	case "lan":
		engine.QueryLanServers(opts.Port, filter, opts.UseFilters)
	case "master":
		engine.QueryMasterServer(opts.Port, filter)
	case "favorites":
		engine.QueryFavoriteServers()
	case "single":
		addr, err := netaddr.ParseHostPort(opts.Address)
		if err != nil {
			log.Fatal().Err(err).Msg("Bad --address")
		}
		engine.QuerySingleServer(addr)
	case "invite":
		if opts.Invite == "" {
			log.Fatal().Msg("--invite is required for invite mode")
		}
		dispatcher.JoinByInvite(opts.Invite, opts.Port)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(time.Duration(opts.Timeout) * time.Second)

	for {
		select {
		case d := <-rx:
			if engine.Dispatch(d.from, d.payload) {
				continue
			}
			dispatcher.Dispatch(d.from, d.payload)
		case <-ticker.C:
			engine.Pump()
		case <-done:
			printServers(engine.Servers())
			return
		case <-deadline:
			log.Warn().Msg("Query timed out")
			engine.CancelServerQuery()
			printServers(engine.Servers())
			return
		case <-sig:
			engine.CancelServerQuery()
			return
		}
	}
}
