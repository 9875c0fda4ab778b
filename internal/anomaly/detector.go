// Package anomaly implements the behavioral checks that screen every inbound
// location report before it can touch the neighbor table.
package anomaly

import (
	"fmt"

	"github.com/agnaldosb/flysafe-fdi/internal/geo"
	"github.com/agnaldosb/flysafe-fdi/internal/proto"
)

const (
	DefaultCoverage  = 115.0
	DefaultMaxSpeed  = 20.0
	DefaultTolerance = 1.15
	DefaultMinDelta  = 0.1
)

type Reason uint8

const (
	None Reason = iota
	SpoofDiscovery
	Coverage
	Outdated
	Duplicate
	Conflict
	Teleport
)

func (r Reason) String() string {
	switch r {
	case None:
		return "none"
	case SpoofDiscovery:
		return "spoof_discovery"
	case Coverage:
		return "coverage"
	case Outdated:
		return "outdated"
	case Duplicate:
		return "duplicate"
	case Conflict:
		return "conflict"
	case Teleport:
		return "teleport"
	default:
		return fmt.Sprintf("reason(%d)", uint8(r))
	}
}

type Params struct {
	Coverage  float64 // R_cov, meters
	MaxSpeed  float64 // V_max, m/s
	Tolerance float64
	MinDelta  float64 // seconds
}

func DefaultParams() Params {
	return Params{
		Coverage:  DefaultCoverage,
		MaxSpeed:  DefaultMaxSpeed,
		Tolerance: DefaultTolerance,
		MinDelta:  DefaultMinDelta,
	}
}

// Prior is what the receiver last accepted from the peer.
type Prior struct {
	Position geo.Vec3
	InfoTime float64
}

// Observation is one decoded frame as seen by the receiver.
type Observation struct {
	Kind     proto.Kind
	Defense  bool
	Reported geo.Vec3
	SendTime float64
	Self     geo.Vec3
	Prior    *Prior
}

type Verdict struct {
	Reason Reason
	Detail string
}

func (v Verdict) OK() bool { return v.Reason == None }

type Detector struct {
	p Params
}

func New(p Params) *Detector {
	d := DefaultParams()
	if p.Coverage > 0 {
		d.Coverage = p.Coverage
	}
	if p.MaxSpeed > 0 {
		d.MaxSpeed = p.MaxSpeed
	}
	if p.Tolerance > 0 {
		d.Tolerance = p.Tolerance
	}
	if p.MinDelta > 0 {
		d.MinDelta = p.MinDelta
	}
	return &Detector{p: d}
}

func (d *Detector) Params() Params { return d.p }

// SpoofedDiscovery reports a defended discovery frame carrying a position.
func (d *Detector) SpoofedDiscovery(o Observation) bool {
	return o.Defense && o.Kind.IsDiscovery() && !o.Reported.IsZero()
}

// MaxTravel is the largest displacement accepted over dt seconds.
func (d *Detector) MaxTravel(dt float64) float64 {
	if dt < d.p.MinDelta {
		dt = d.p.MinDelta
	}
	return 2 * d.p.MaxSpeed * dt * d.p.Tolerance
}

// Check runs the ordered checks; the first hit wins.
func (d *Detector) Check(o Observation) Verdict {
	if d.SpoofedDiscovery(o) {
		return Verdict{SpoofDiscovery, fmt.Sprintf("discovery with position %s", o.Reported)}
	}
	stripped := o.Defense && o.Kind.IsDiscovery()
	if !stripped {
		if dist := geo.Euclid(o.Reported, o.Self); dist > d.p.Coverage {
			return Verdict{Coverage, fmt.Sprintf("distance %.2f > %.2f", dist, d.p.Coverage)}
		}
	}
	if o.Prior == nil {
		return Verdict{}
	}
	tOld := o.Prior.InfoTime
	switch {
	case o.SendTime < tOld:
		return Verdict{Outdated, fmt.Sprintf("send_time %.6f < %.6f", o.SendTime, tOld)}
	case o.SendTime == tOld:
		if o.Reported == o.Prior.Position {
			return Verdict{Duplicate, fmt.Sprintf("send_time %.6f replayed", o.SendTime)}
		}
		return Verdict{Conflict, fmt.Sprintf("send_time %.6f with new position %s", o.SendTime, o.Reported)}
	}
	// The zero position of defended discovery says nothing about movement.
	if stripped {
		return Verdict{}
	}
	moved := geo.Euclid(o.Reported, o.Prior.Position)
	if bound := d.MaxTravel(o.SendTime - tOld); moved > bound {
		return Verdict{Teleport, fmt.Sprintf("moved %.2f > %.2f in %.3fs", moved, bound, o.SendTime-tOld)}
	}
	return Verdict{}
}
