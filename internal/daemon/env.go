package daemon

import (
	"io"
	"math/rand"
	"net/netip"

	"github.com/agnaldosb/flysafe-fdi/internal/geo"
	"github.com/agnaldosb/flysafe-fdi/internal/neighbor"
	"github.com/agnaldosb/flysafe-fdi/internal/proto"
)

// Datagram is one UDP payload between two node addresses.
type Datagram struct {
	Src     netip.Addr
	Dst     netip.Addr
	Payload []byte
}

type Timer interface {
	Cancel()
}

// Env is everything a runner needs from the world around its node. The
// simulator and the live runtime each provide one.
type Env interface {
	Now() float64
	Position() geo.Vec3
	Send(d Datagram) error
	Schedule(delay float64, fn func()) Timer
	Entropy() io.Reader
	Rand() *rand.Rand
	Tracer() Tracer
}

type EventType uint8

const (
	EventSent EventType = iota
	EventReceived
	EventDropped
	EventStopped
	EventEmptyNL
	EventSuspicion
)

func (e EventType) String() string {
	switch e {
	case EventSent:
		return "sent"
	case EventReceived:
		return "received"
	case EventDropped:
		return "dropped"
	case EventStopped:
		return "stopped"
	case EventEmptyNL:
		return "empty_nl"
	case EventSuspicion:
		return "suspicion"
	default:
		return "unknown"
	}
}

// Event is what a runner reports to its tracer.
type Event struct {
	Type     EventType
	Time     float64
	Node     netip.Addr
	Peer     netip.Addr
	Kind     proto.Kind
	Position geo.Vec3 // own position, or the position carried by a sent tag
	Reported geo.Vec3 // position carried by a received tag
	SendTime float64
	Reason   Reason
	Detail   string

	Neighbors  []neighbor.Row
	Suspicions []neighbor.Suspicion
}

type Tracer interface {
	Trace(ev Event)
}

type nopTracer struct{}

func (nopTracer) Trace(Event) {}

// TracerFunc adapts a function to Tracer.
type TracerFunc func(Event)

func (f TracerFunc) Trace(ev Event) { f(ev) }
