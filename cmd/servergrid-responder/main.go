// servergrid-responder runs a game server's discovery side without the
// game: it answers ping/info/master-info queries from its configuration
// and keeps itself registered with the masters via heartbeats.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/rs/zerolog/log"

	"github.com/opentorque/servergrid/internal/config"
	"github.com/opentorque/servergrid/internal/heartbeat"
	"github.com/opentorque/servergrid/internal/logger"
	"github.com/opentorque/servergrid/internal/netaddr"
	"github.com/opentorque/servergrid/internal/responder"
	"github.com/opentorque/servergrid/internal/scheduler"
	"github.com/opentorque/servergrid/internal/scripting"
	"github.com/opentorque/servergrid/internal/transport"
	"github.com/opentorque/servergrid/internal/version"
)

type options struct {
	Port       uint16   `short:"p" long:"port" env:"SERVERGRID_PORT" description:"UDP listen port" default:"28000"`
	Script     string   `short:"c" long:"config" env:"SERVERGRID_CONFIG" description:"Lua server profile (optional)"`
	Name       string   `long:"name" description:"Server name" default:"servergrid server"`
	GameType   string   `long:"game-type" description:"Game type" default:"Deathmatch"`
	Mission    string   `long:"mission-type" description:"Mission type" default:"any"`
	MissionMap string   `long:"mission-name" description:"Mission name"`
	MaxPlayers int      `long:"max-players" description:"Player capacity" default:"16"`
	Dedicated  bool     `long:"dedicated" description:"Advertise as dedicated"`
	Masters    []string `short:"m" long:"master" description:"Master server, <region>:<host>:<port>; repeatable"`
	CPUMHz     uint16   `long:"cpu-mhz" description:"Advertised CPU speed" default:"2400"`

	Logger logger.Config `group:"Logger Options" namespace:"log" env-namespace:"SERVERGRID_LOG"`
}

func buildStore(opts options) (config.Store, func(), error) {
	if opts.Script != "" {
		console, err := scripting.Load(opts.Script)
		if err != nil {
			return nil, nil, err
		}
		return console, console.Close, nil
	}

	store := config.MapStore{
		"Pref::Server::Name":       opts.Name,
		"Server::GameType":         opts.GameType,
		"Server::MissionType":      opts.Mission,
		"Server::MissionName":      opts.MissionMap,
		"Pref::Server::MaxPlayers": fmt.Sprint(opts.MaxPlayers),
		"Pref::Server::Port":       fmt.Sprint(opts.Port),
	}
	if opts.Dedicated {
		store["Server::Dedicated"] = "1"
	}
	for i, m := range opts.Masters {
		if i >= 10 {
			break
		}
		store[fmt.Sprintf("Server::Master%d", i)] = m
	}
	return store, func() {}, nil
}

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(1)
	}
	logger.Setup(opts.Logger)

	store, closeStore, err := buildStore(opts)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	defer closeStore()

	conn, err := transport.ListenUDP(opts.Port)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to bind UDP port")
	}
	defer func() { _ = conn.Close() }()

	resp := responder.New(responder.Options{
		Config:          store,
		Send:            conn,
		Log:             log.Logger,
		BuildVersion:    version.Build,
		ProtocolCurrent: version.ProtocolCurrent,
		ProtocolMin:     version.ProtocolMin,
		CPUSpeedMHz:     opts.CPUMHz,
	})

	beat := heartbeat.New(store, conn, scheduler.Real{}, log.Logger)
	if len(config.Masters(store)) > 0 {
		if beat.Start() {
			log.Info().Msg("Heartbeat started")
		}
	}

	type datagram struct {
		from    netaddr.NetAddress
		payload []byte
	}
	rx := make(chan datagram, 64)
	go conn.Serve(func(from netaddr.NetAddress, payload []byte) {
		rx <- datagram{from, payload}
	})

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	log.Info().Uint16("port", opts.Port).Msg("Responder listening")
	for {
		select {
		case d := <-rx:
			if !resp.HandlePacket(d.from, d.payload) {
				log.Debug().Stringer("from", d.from).Msg("unhandled packet")
			}
		case <-ticker.C:
			beat.Pump()
		case <-sig:
			beat.Stop()
			log.Info().Msg("Shutdown complete")
			return
		}
	}
}
