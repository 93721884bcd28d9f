package master

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Janitor evicts registrations that stopped heartbeating and sweeps the
// rate-limiter buckets. It runs as a supervised service.
type Janitor struct {
	Registry *Registry
	Limiter  *IPRateLimiter
	Server   *Server
	Log      zerolog.Logger

	// Eviction after three missed heartbeats by default.
	ServerTimeout time.Duration
	Interval      time.Duration
	LimiterIdle   time.Duration
}

// Serve implements suture.Service.
func (j *Janitor) Serve(ctx context.Context) error {
	interval := j.Interval
	if interval == 0 {
		interval = time.Minute
	}
	timeout := j.ServerTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	limiterIdle := j.LimiterIdle
	if limiterIdle == 0 {
		limiterIdle = 10 * time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			now := time.Now()
			removed, err := j.Registry.Prune(now.Add(-timeout))
			if err != nil {
				j.Log.Error().Err(err).Msg("registry prune failed")
			} else if removed > 0 {
				j.Log.Info().Int64("removed", removed).Msg("Removed stale servers")
			}
			if j.Limiter != nil {
				j.Limiter.Cleanup(now.Add(-limiterIdle))
			}
			if j.Server != nil {
				j.Server.ExpirePending(now)
			}
		}
	}
}

func (j *Janitor) String() string { return "master.janitor" }
