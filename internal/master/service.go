package master

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"

	"github.com/opentorque/servergrid/internal/transport"
)

// UDPService runs the master's receive loop as a supervised service.
type UDPService struct {
	Conn   *transport.UDP
	Server *Server
	Log    zerolog.Logger
}

// Serve implements suture.Service.
func (u *UDPService) Serve(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		_ = u.Conn.Close()
	}()
	go func() {
		u.Conn.Serve(u.Server.HandlePacket)
		close(done)
	}()
	u.Log.Info().Uint16("port", u.Conn.LocalPort()).Msg("Master server listening")
	<-done
	return ctx.Err()
}

func (u *UDPService) String() string { return "master.udp" }

// NewSupervisor assembles the master's service tree: UDP loop, janitor,
// and the HTTP status API, each restarted independently on failure.
func NewSupervisor(udp *UDPService, janitor *Janitor, api *HTTPAPI, log zerolog.Logger) *suture.Supervisor {
	sup := suture.New("servergrid-master", suture.Spec{
		EventHook: func(ev suture.Event) {
			log.Warn().Str("event", ev.String()).Msg("supervisor event")
		},
	})
	sup.Add(udp)
	sup.Add(janitor)
	if api != nil && api.Addr != "" {
		sup.Add(api)
	}
	return sup
}
