package detector

import (
	"net/netip"
	"time"
)

// Observation is a single parsed connection attempt handed to the engine by
// a capture source. It is consumed on Record and not retained.
type Observation struct {
	Source netip.Addr
	Port   uint16
	SeenAt time.Time
}

// Valid reports whether the observation can be recorded.
func (o Observation) Valid() bool {
	return o.Source.IsValid() && !o.SeenAt.IsZero()
}

// Event is raised when a source crosses the port-diversity threshold. How it
// is rendered or stored is up to the sink.
type Event struct {
	ID         string
	Source     netip.Addr
	PortCount  int
	Window     time.Duration
	DetectedAt time.Time
}
