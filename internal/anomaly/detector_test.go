package anomaly

import (
	"testing"

	"github.com/agnaldosb/flysafe-fdi/internal/geo"
	"github.com/agnaldosb/flysafe-fdi/internal/proto"
)

func TestSpoofViaDiscovery(t *testing.T) {
	d := New(Params{})
	o := Observation{Kind: proto.KindHello, Defense: true, Reported: geo.Vec3{X: 1000, Y: 1000, Z: 91}}
	if v := d.Check(o); v.Reason != SpoofDiscovery {
		t.Fatalf("expected spoof, got %s", v.Reason)
	}
	o.Reported = geo.Vec3{}
	if v := d.Check(o); !v.OK() {
		t.Fatalf("zero-position discovery rejected: %s", v.Reason)
	}
	o.Defense = false
	o.Reported = geo.Vec3{X: 50, Z: 91}
	o.Self = geo.Vec3{Z: 91}
	if v := d.Check(o); !v.OK() {
		t.Fatalf("undefended in-range discovery rejected: %s", v.Reason)
	}
}

func TestCoverage(t *testing.T) {
	d := New(Params{})
	self := geo.Vec3{X: 50, Z: 91}
	o := Observation{Kind: proto.KindHello, Reported: geo.Vec3{X: 1000, Y: 1000, Z: 91}, Self: self}
	if v := d.Check(o); v.Reason != Coverage {
		t.Fatalf("expected coverage, got %s", v.Reason)
	}
	o.Kind = proto.KindTrap
	o.Defense = true
	if v := d.Check(o); v.Reason != Coverage {
		t.Fatalf("expected coverage on defended trap, got %s", v.Reason)
	}
	o.Reported = geo.Vec3{X: 50 + 115, Z: 91}
	if v := d.Check(o); !v.OK() {
		t.Fatalf("boundary distance must pass, got %s", v.Reason)
	}
}

func TestTimestampLaws(t *testing.T) {
	d := New(Params{})
	prior := &Prior{Position: geo.Vec3{Z: 91}, InfoTime: 5}
	base := Observation{Kind: proto.KindTrap, Reported: geo.Vec3{Z: 91}, Self: geo.Vec3{X: 50, Z: 91}, Prior: prior}

	for _, tr := range []float64{4.999, 0, -1} {
		o := base
		o.SendTime = tr
		if v := d.Check(o); v.Reason != Outdated {
			t.Fatalf("t_r=%v: expected outdated, got %s", tr, v.Reason)
		}
	}
	o := base
	o.SendTime = 5
	if v := d.Check(o); v.Reason != Duplicate {
		t.Fatalf("expected duplicate, got %s", v.Reason)
	}
	o.Reported = geo.Vec3{X: 1, Z: 91}
	if v := d.Check(o); v.Reason != Conflict {
		t.Fatalf("expected conflict, got %s", v.Reason)
	}
}

func TestKinematicBound(t *testing.T) {
	d := New(Params{})
	self := geo.Vec3{X: 50, Z: 91}
	prior := &Prior{Position: geo.Vec3{Z: 91}, InfoTime: 1}

	o := Observation{Kind: proto.KindTrap, Reported: geo.Vec3{X: 500, Y: 500, Z: 91}, SendTime: 1.2, Self: geo.Vec3{X: 450, Y: 450, Z: 91}, Prior: prior}
	if v := d.Check(o); v.Reason != Teleport {
		t.Fatalf("expected teleport, got %s", v.Reason)
	}

	for _, dt := range []float64{0.1, 0.5, 1, 3} {
		bound := 2 * DefaultMaxSpeed * dt * DefaultTolerance
		o := Observation{Kind: proto.KindTrap, Reported: geo.Vec3{X: bound, Z: 91}, SendTime: 1 + dt, Self: self, Prior: prior}
		if v := d.Check(o); !v.OK() {
			t.Fatalf("dt=%v: movement at bound rejected: %s", dt, v.Reason)
		}
	}

	// Below the floor the bound is computed with δ_min.
	o = Observation{Kind: proto.KindTrap, Reported: geo.Vec3{X: 4.5, Z: 91}, SendTime: 1.01, Self: self, Prior: prior}
	if v := d.Check(o); !v.OK() {
		t.Fatalf("expected floor to apply, got %s", v.Reason)
	}
	if got := d.MaxTravel(0.01); got != d.MaxTravel(DefaultMinDelta) {
		t.Fatalf("floor not applied: %v", got)
	}
}

func TestDefendedDiscoverySkipsKinematics(t *testing.T) {
	d := New(Params{})
	prior := &Prior{Position: geo.Vec3{X: 50, Z: 91}, InfoTime: 1}
	o := Observation{Kind: proto.KindID, Defense: true, SendTime: 1.5, Self: geo.Vec3{Z: 91}, Prior: prior}
	if v := d.Check(o); !v.OK() {
		t.Fatalf("stripped discovery rejected: %s", v.Reason)
	}
	o.SendTime = 1
	if v := d.Check(o); v.Reason != Conflict {
		t.Fatalf("expected conflict on equal time, got %s", v.Reason)
	}
}
