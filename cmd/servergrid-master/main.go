// servergrid-master is the directory daemon: it accepts heartbeats,
// verifies registrations, serves paginated server lists, and brokers NAT
// rendezvous between peers.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/opentorque/servergrid/internal/logger"
	"github.com/opentorque/servergrid/internal/master"
	"github.com/opentorque/servergrid/internal/netaddr"
	"github.com/opentorque/servergrid/internal/transport"
)

type options struct {
	Port      uint16  `short:"p" long:"port" env:"SERVERGRID_PORT" description:"UDP listen port" default:"28002"`
	HTTPAddr  string  `long:"http" env:"SERVERGRID_HTTP" description:"Status API listen address (empty disables)" default:":8080"`
	DBPath    string  `short:"d" long:"db" env:"SERVERGRID_DB" description:"Path to the registry database" default:"servergrid.db"`
	GeoIPPath string  `long:"geoip" env:"SERVERGRID_GEOIP" description:"Path to a MaxMind country database (optional)"`
	RelayAddr string  `long:"relay" env:"SERVERGRID_RELAY" description:"Relay endpoint handed to NAT'd peers, host:port (optional)"`
	RateRPS   float64 `long:"rate-rps" env:"SERVERGRID_RATE_RPS" description:"Per-IP packets per second" default:"1"`
	RateBurst int     `long:"rate-burst" env:"SERVERGRID_RATE_BURST" description:"Per-IP burst" default:"3"`

	Logger logger.Config `group:"Logger Options" namespace:"log" env-namespace:"SERVERGRID_LOG"`
}

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(1)
	}
	logger.Setup(opts.Logger)
	log.Info().Msg("Starting servergrid master...")

	reg, err := master.OpenRegistry(opts.DBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open registry")
	}
	defer func() {
		if err := reg.Close(); err != nil {
			log.Error().Err(err).Msg("Error closing registry")
		}
	}()

	geo, err := master.OpenGeoIP(opts.GeoIPPath)
	if err != nil {
		log.Error().Err(err).Msg("Failed to open GeoIP database, region hints disabled")
		geo = nil
	}
	defer func() { _ = geo.Close() }()

	var relayAddr netaddr.NetAddress
	if opts.RelayAddr != "" {
		relayAddr, err = netaddr.ParseHostPort(opts.RelayAddr)
		if err != nil {
			log.Fatal().Err(err).Msg("Bad relay address")
		}
	}

	promReg := prometheus.NewRegistry()
	metrics := master.NewMetrics(promReg, func() float64 {
		n, err := reg.Count()
		if err != nil {
			return 0
		}
		return float64(n)
	})

	conn, err := transport.ListenUDP(opts.Port)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to bind UDP port")
	}

	limiter := master.NewIPRateLimiter(opts.RateRPS, opts.RateBurst)
	srv := master.NewServer(master.Options{
		Registry:  reg,
		Limiter:   limiter,
		Metrics:   metrics,
		Geo:       geo,
		Log:       log.Logger,
		RelayAddr: relayAddr,
	}, conn)

	udpSvc := &master.UDPService{Conn: conn, Server: srv, Log: log.Logger}
	janitor := &master.Janitor{Registry: reg, Limiter: limiter, Server: srv, Log: log.Logger}
	var api *master.HTTPAPI
	if opts.HTTPAddr != "" {
		api = &master.HTTPAPI{Registry: reg, Gatherer: promReg, Log: log.Logger, Addr: opts.HTTPAddr}
	}

	sup := master.NewSupervisor(udpSvc, janitor, api, log.Logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := sup.Serve(ctx); err != nil && ctx.Err() == nil {
		log.Fatal().Err(err).Msg("Supervisor exited")
	}
	log.Info().Msg("Shutdown complete")
}
