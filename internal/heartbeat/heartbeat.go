// Package heartbeat keeps a game server registered with its masters by
// transmitting a GameHeartbeat to each on a fixed interval. The loop is
// gated by a generation counter: stopping bumps it, which orphans the
// already-scheduled next tick instead of racing it.
package heartbeat

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/opentorque/servergrid/internal/config"
	"github.com/opentorque/servergrid/internal/netaddr"
	"github.com/opentorque/servergrid/internal/scheduler"
	"github.com/opentorque/servergrid/internal/transport"
	"github.com/opentorque/servergrid/internal/wire"
)

// Interval between heartbeats.
const Interval = 10 * time.Second

// Loop owns the heartbeat schedule for one server process.
type Loop struct {
	cfg   config.Store
	send  transport.Sender
	sched *scheduler.Queue
	log   zerolog.Logger

	// Authenticated gates Start; the loop never begins for a server the
	// master would refuse anyway. Nil means authenticated.
	Authenticated func() bool

	// Flags conveys the server flavor bits on each heartbeat.
	Flags uint8

	seq uint32
}

// New builds a stopped loop on the given clock.
func New(cfg config.Store, send transport.Sender, clock scheduler.Clock, log zerolog.Logger) *Loop {
	l := &Loop{cfg: cfg, send: send, log: log}
	l.sched = scheduler.New(clock, func(stamp uint32) bool { return stamp == l.seq })
	return l
}

// Pump drains due ticks; the owner calls this from its event loop.
func (l *Loop) Pump() { l.sched.RunDue() }

// Start begins heartbeating immediately, if the authentication predicate
// allows it. Returns whether the loop started.
func (l *Loop) Start() bool {
	if l.Authenticated != nil && !l.Authenticated() {
		return false
	}
	l.seq++
	l.tick(l.seq) // thump-thump...
	return true
}

// Stop bumps the sequence; the scheduled tick fires into a stale stamp
// and is dropped.
func (l *Loop) Stop() {
	l.seq++
}

func (l *Loop) tick(seq uint32) {
	if seq != l.seq {
		return
	}
	l.sendHeartbeat()
	l.sched.Post(Interval, seq, func() { l.tick(seq) })
}

// sendHeartbeat transmits one GameHeartbeat to every configured master,
// re-reading the master list so config edits take effect next beat.
func (l *Loop) sendHeartbeat() {
	for _, m := range config.Masters(l.cfg) {
		addr, err := netaddr.Parse(m.Host, m.Port)
		if err != nil {
			l.log.Error().Str("host", m.Host).Msg("Bad master server address")
			continue
		}
		l.log.Debug().Stringer("master", addr).Msg("Sending heartbeat to master server")
		pkt := wire.HeaderOnly{Flags: l.Flags, KeyField: 0}
		if err := l.send.Send(addr, pkt.Encode(wire.GameHeartbeat)); err != nil {
			l.log.Debug().Err(err).Msg("heartbeat send failed")
		}
	}
}
