package geo

import (
	"fmt"
	"math"
)

// Vec3 is a position in meters.
type Vec3 struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
	Z float64 `json:"z" yaml:"z"`
}

// Origin doubles as the "position absent" marker on defended discovery frames.
var Origin = Vec3{}

func (v Vec3) Sub(o Vec3) Vec3 {
	return Vec3{X: v.X - o.X, Y: v.Y - o.Y, Z: v.Z - o.Z}
}

func (v Vec3) Add(o Vec3) Vec3 {
	return Vec3{X: v.X + o.X, Y: v.Y + o.Y, Z: v.Z + o.Z}
}

func (v Vec3) Scale(k float64) Vec3 {
	return Vec3{X: v.X * k, Y: v.Y * k, Z: v.Z * k}
}

func (v Vec3) Norm() float64 {
	return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z)
}

func (v Vec3) IsZero() bool {
	return v == Origin
}

func (v Vec3) String() string {
	return fmt.Sprintf("%g,%g,%g", v.X, v.Y, v.Z)
}

// Euclid is the plain 3-D distance.
func Euclid(a, b Vec3) float64 {
	return a.Sub(b).Norm()
}

// Distance is the table distance: Euclidean, rounded up to two decimals.
func Distance(a, b Vec3) float64 {
	return RoundUp2(Euclid(a, b))
}

func RoundUp2(v float64) float64 {
	return math.Ceil(v*100.0) / 100.0
}

// Attitude describes how a peer's distance evolved between two observations.
type Attitude uint8

const (
	Keep     Attitude = 0
	Inbound  Attitude = 1
	Outbound Attitude = 2
)

func (a Attitude) String() string {
	switch a {
	case Keep:
		return "keep"
	case Inbound:
		return "inbound"
	case Outbound:
		return "outbound"
	default:
		return fmt.Sprintf("attitude(%d)", uint8(a))
	}
}

func AttitudeOf(newDist, oldDist float64) Attitude {
	switch {
	case newDist == oldDist:
		return Keep
	case newDist < oldDist:
		return Inbound
	default:
		return Outbound
	}
}

// Box is an axis-aligned volume used for placement and falsified locations.
// A zero-height box pins z to MinZ.
type Box struct {
	MinX float64 `yaml:"min_x"`
	MaxX float64 `yaml:"max_x"`
	MinY float64 `yaml:"min_y"`
	MaxY float64 `yaml:"max_y"`
	MinZ float64 `yaml:"min_z"`
	MaxZ float64 `yaml:"max_z"`
}

func (b Box) Contains(v Vec3) bool {
	return v.X >= b.MinX && v.X <= b.MaxX &&
		v.Y >= b.MinY && v.Y <= b.MaxY &&
		v.Z >= b.MinZ && v.Z <= b.MaxZ
}

// Uniform maps three samples in [0,1) onto the box.
func (b Box) Uniform(u1, u2, u3 float64) Vec3 {
	return Vec3{
		X: b.MinX + u1*(b.MaxX-b.MinX),
		Y: b.MinY + u2*(b.MaxY-b.MinY),
		Z: b.MinZ + u3*(b.MaxZ-b.MinZ),
	}
}

// Clamp pins v inside the box.
func (b Box) Clamp(v Vec3) Vec3 {
	return Vec3{
		X: math.Min(math.Max(v.X, b.MinX), b.MaxX),
		Y: math.Min(math.Max(v.Y, b.MinY), b.MaxY),
		Z: math.Min(math.Max(v.Z, b.MinZ), b.MaxZ),
	}
}
