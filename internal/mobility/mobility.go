// Package mobility provides the position oracles that drive simulated nodes.
package mobility

import (
	"math"
	"math/rand"
	"sync"

	"github.com/agnaldosb/flysafe-fdi/internal/geo"
)

const (
	DefaultSpeed    = 20.0
	DefaultInterval = 0.5
	DefaultAltitude = 91.0
)

// Model reports a node position at simulation time t. Callers query with
// non-decreasing t.
type Model interface {
	Position(t float64) geo.Vec3
}

type Static struct {
	Pos geo.Vec3
}

func (s Static) Position(float64) geo.Vec3 { return s.Pos }

// Func adapts a function to Model.
type Func func(t float64) geo.Vec3

func (f Func) Position(t float64) geo.Vec3 { return f(t) }

// RandomWalk2d moves at constant speed in a uniformly drawn direction and
// redraws the direction every interval. Walls reflect. Altitude is fixed.
type RandomWalk2d struct {
	mu       sync.Mutex
	bounds   geo.Box
	speed    float64
	interval float64
	rng      *rand.Rand

	start    geo.Vec3
	segStart float64
	vx, vy   float64
}

type WalkOptions struct {
	Bounds   geo.Box
	Speed    float64
	Interval float64
	Rand     *rand.Rand
}

func NewRandomWalk2d(start geo.Vec3, opts WalkOptions) *RandomWalk2d {
	if opts.Speed <= 0 {
		opts.Speed = DefaultSpeed
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewSource(1))
	}
	w := &RandomWalk2d{
		bounds:   opts.Bounds,
		speed:    opts.Speed,
		interval: opts.Interval,
		rng:      opts.Rand,
		start:    opts.Bounds.Clamp(start),
	}
	w.redraw()
	return w
}

func (w *RandomWalk2d) redraw() {
	theta := w.rng.Float64() * 2 * math.Pi
	w.vx = w.speed * math.Cos(theta)
	w.vy = w.speed * math.Sin(theta)
}

func (w *RandomWalk2d) at(dt float64) geo.Vec3 {
	return geo.Vec3{
		X: fold(w.start.X+w.vx*dt, w.bounds.MinX, w.bounds.MaxX),
		Y: fold(w.start.Y+w.vy*dt, w.bounds.MinY, w.bounds.MaxY),
		Z: w.start.Z,
	}
}

func (w *RandomWalk2d) Position(t float64) geo.Vec3 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t <= w.segStart {
		return w.start
	}
	for t >= w.segStart+w.interval {
		w.start = w.at(w.interval)
		w.segStart += w.interval
		w.redraw()
	}
	return w.at(t - w.segStart)
}

// fold reflects v into [lo, hi].
func fold(v, lo, hi float64) float64 {
	width := hi - lo
	if width <= 0 {
		return lo
	}
	m := math.Mod(v-lo, 2*width)
	if m < 0 {
		m += 2 * width
	}
	if m > width {
		m = 2*width - m
	}
	return lo + m
}
