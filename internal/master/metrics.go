package master

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes the master's operational counters.
type Metrics struct {
	RegisteredServers prometheus.GaugeFunc
	Heartbeats        prometheus.Counter
	ListRequests      prometheus.Counter
	ListPacketsSent   prometheus.Counter
	RateLimited       prometheus.Counter
	RendezvousPackets prometheus.Counter
	MalformedPackets  prometheus.Counter
}

// NewMetrics registers the master's metrics with reg. registeredCount is
// sampled on scrape.
func NewMetrics(reg prometheus.Registerer, registeredCount func() float64) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RegisteredServers: factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "servergrid",
			Subsystem: "master",
			Name:      "registered_servers",
			Help:      "Game servers currently registered with this master.",
		}, registeredCount),
		Heartbeats: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "servergrid",
			Subsystem: "master",
			Name:      "heartbeats_total",
			Help:      "Heartbeat packets accepted.",
		}),
		ListRequests: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "servergrid",
			Subsystem: "master",
			Name:      "list_requests_total",
			Help:      "Server list requests served.",
		}),
		ListPacketsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "servergrid",
			Subsystem: "master",
			Name:      "list_packets_sent_total",
			Help:      "List response fragments transmitted.",
		}),
		RateLimited: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "servergrid",
			Subsystem: "master",
			Name:      "rate_limited_total",
			Help:      "Packets dropped by the per-IP rate limiter.",
		}),
		RendezvousPackets: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "servergrid",
			Subsystem: "master",
			Name:      "rendezvous_packets_total",
			Help:      "NAT rendezvous packets brokered.",
		}),
		MalformedPackets: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "servergrid",
			Subsystem: "master",
			Name:      "malformed_packets_total",
			Help:      "Packets dropped as undecodable.",
		}),
	}
}
