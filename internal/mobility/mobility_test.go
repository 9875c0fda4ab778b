package mobility

import (
	"math"
	"math/rand"
	"strings"
	"testing"

	"github.com/agnaldosb/flysafe-fdi/internal/geo"
)

var box = geo.Box{MaxX: 1500, MaxY: 1500, MinZ: 91, MaxZ: 91}

func TestRandomWalkStaysInBounds(t *testing.T) {
	w := NewRandomWalk2d(geo.Vec3{X: 5, Y: 5, Z: 91}, WalkOptions{Bounds: box, Rand: rand.New(rand.NewSource(7))})
	prev := w.Position(0)
	for i := 1; i <= 4000; i++ {
		now := float64(i) * 0.1
		p := w.Position(now)
		if !box.Contains(p) {
			t.Fatalf("left bounds at %.1f: %s", now, p)
		}
		if d := geo.Euclid(p, prev); d > DefaultSpeed*0.1+1e-6 {
			t.Fatalf("moved %.3f in 0.1s", d)
		}
		prev = p
	}
}

func TestRandomWalkDeterministic(t *testing.T) {
	a := NewRandomWalk2d(geo.Vec3{X: 700, Y: 700, Z: 91}, WalkOptions{Bounds: box, Rand: rand.New(rand.NewSource(3))})
	b := NewRandomWalk2d(geo.Vec3{X: 700, Y: 700, Z: 91}, WalkOptions{Bounds: box, Rand: rand.New(rand.NewSource(3))})
	for _, now := range []float64{0.3, 1.7, 12.25} {
		if a.Position(now) != b.Position(now) {
			t.Fatalf("same seed diverged at %.2f", now)
		}
	}
}

func TestFold(t *testing.T) {
	cases := []struct{ in, want float64 }{
		{5, 5}, {-5, 5}, {1505, 1495}, {3005, 5}, {1500, 1500},
	}
	for _, c := range cases {
		if got := fold(c.in, 0, 1500); math.Abs(got-c.want) > 1e-9 {
			t.Fatalf("fold(%v) = %v, want %v", c.in, got, c.want)
		}
	}
}

const script = `
$node_(0) set X_ 100.0
$node_(0) set Y_ 200.0
$node_(0) set Z_ 91.0
$ns_ at 1.0 "$node_(0) setdest 200.0 200.0 10.0"
$ns_ at 20.0 "$node_(0) setdest 200.0 300.0 50.0"
$node_(1) set X_ 5.0
`

func TestParseNS2(t *testing.T) {
	models, err := ParseNS2(strings.NewReader(script))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	w := models[0]
	if w == nil || models[1] == nil {
		t.Fatalf("missing nodes: %v", models)
	}
	checks := []struct {
		at   float64
		want geo.Vec3
	}{
		{0, geo.Vec3{X: 100, Y: 200, Z: 91}},
		{6, geo.Vec3{X: 150, Y: 200, Z: 91}},
		{15, geo.Vec3{X: 200, Y: 200, Z: 91}},
		{21, geo.Vec3{X: 200, Y: 250, Z: 91}},
		{40, geo.Vec3{X: 200, Y: 300, Z: 91}},
	}
	for _, c := range checks {
		if got := w.Position(c.at); geo.Euclid(got, c.want) > 1e-9 {
			t.Fatalf("at %.0f got %s want %s", c.at, got, c.want)
		}
	}
	if models[1].Position(10) != (geo.Vec3{X: 5}) {
		t.Fatalf("node 1 should stay put")
	}
}
