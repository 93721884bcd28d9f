// Package eventsink decouples the query engine from whatever is actually
// watching it — a log, a UI, or an external broker.
package eventsink

// Phase tags a status callback with where the query pipeline stands.
type Phase string

const (
	PhaseStart  Phase = "start"
	PhaseUpdate Phase = "update"
	PhasePing   Phase = "ping"
	PhaseQuery  Phase = "query"
	PhaseDone   Phase = "done"
)

// Sink receives onServerQueryStatus callbacks. Progress is in [0,1]:
// the ping phase covers the first half, the query phase the second.
type Sink interface {
	OnServerQueryStatus(phase Phase, message string, progress float64)
}

// Func adapts a plain function to a Sink.
type Func func(phase Phase, message string, progress float64)

func (f Func) OnServerQueryStatus(phase Phase, message string, progress float64) {
	f(phase, message, progress)
}

// Nop discards every status callback; useful as a default when no sink is
// configured.
var Nop Sink = Func(func(Phase, string, float64) {})

// Multi fans a single callback out to every sink in order.
type Multi []Sink

func (m Multi) OnServerQueryStatus(phase Phase, message string, progress float64) {
	for _, s := range m {
		s.OnServerQueryStatus(phase, message, progress)
	}
}
