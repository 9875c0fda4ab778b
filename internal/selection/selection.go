// Package selection places adversaries where they overhear the most traffic.
package selection

import (
	"sort"

	"github.com/agnaldosb/flysafe-fdi/internal/geo"
)

const DefaultRange = 115.0

// Candidate is a node with its neighbor counts.
type Candidate struct {
	ID        int
	Primary   int // nodes within range
	Secondary int // nodes within twice the range
}

// Rank counts neighbors for every position and orders the candidates by
// primary count, then secondary count (both descending), then id.
func Rank(pos []geo.Vec3, radius float64) []Candidate {
	if radius <= 0 {
		radius = DefaultRange
	}
	out := make([]Candidate, len(pos))
	for i := range pos {
		c := Candidate{ID: i}
		for j := range pos {
			if i == j {
				continue
			}
			d := geo.Distance(pos[i], pos[j])
			if d <= radius {
				c.Primary++
			}
			if d <= 2*radius {
				c.Secondary++
			}
		}
		out[i] = c
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].Primary != out[b].Primary {
			return out[a].Primary > out[b].Primary
		}
		if out[a].Secondary != out[b].Secondary {
			return out[a].Secondary > out[b].Secondary
		}
		return out[a].ID < out[b].ID
	})
	return out
}

// Select returns up to n adversary ids in ascending order. No two chosen
// nodes are within radius of each other, so fewer than n may come back.
func Select(pos []geo.Vec3, n int, radius float64) []int {
	if n <= 0 {
		return nil
	}
	if radius <= 0 {
		radius = DefaultRange
	}
	disq := make([]bool, len(pos))
	var chosen []int
	for _, c := range Rank(pos, radius) {
		if len(chosen) >= n {
			break
		}
		if disq[c.ID] {
			continue
		}
		chosen = append(chosen, c.ID)
		disq[c.ID] = true
		for i := range pos {
			if !disq[i] && geo.Distance(pos[c.ID], pos[i]) <= radius {
				disq[i] = true
			}
		}
	}
	sort.Ints(chosen)
	return chosen
}
