package mobility

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strconv"

	"github.com/agnaldosb/flysafe-fdi/internal/geo"
)

var (
	reSet     = regexp.MustCompile(`^\s*\$node_\((\d+)\)\s+set\s+([XYZ])_\s+(\S+)`)
	reSetdest = regexp.MustCompile(`^\s*\$ns_\s+at\s+(\S+)\s+"\$node_\((\d+)\)\s+setdest\s+(\S+)\s+(\S+)\s+(\S+)"`)
)

type leg struct {
	at    float64
	from  geo.Vec3
	to    geo.Vec3
	speed float64
}

// Waypoints replays ns-2 setdest commands for one node.
type Waypoints struct {
	initial geo.Vec3
	legs    []leg
}

func (w *Waypoints) Position(t float64) geo.Vec3 {
	i := sort.Search(len(w.legs), func(i int) bool { return w.legs[i].at > t }) - 1
	if i < 0 {
		return w.initial
	}
	return w.legs[i].position(t)
}

func (l leg) position(t float64) geo.Vec3 {
	d := l.to.Sub(l.from)
	dist := d.Norm()
	if l.speed <= 0 || dist == 0 {
		return l.from
	}
	travelled := l.speed * (t - l.at)
	if travelled >= dist {
		return l.to
	}
	return l.from.Add(d.Scale(travelled / dist))
}

type setdest struct {
	at    float64
	x, y  float64
	speed float64
}

// ParseNS2 reads an ns-2 mobility script into one model per node index.
func ParseNS2(r io.Reader) (map[int]*Waypoints, error) {
	initial := make(map[int]*geo.Vec3)
	cmds := make(map[int][]setdest)
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := sc.Text()
		if m := reSet.FindStringSubmatch(text); m != nil {
			id, _ := strconv.Atoi(m[1])
			v, err := strconv.ParseFloat(m[3], 64)
			if err != nil {
				return nil, fmt.Errorf("ns2 line %d: %w", line, err)
			}
			p := initial[id]
			if p == nil {
				p = &geo.Vec3{}
				initial[id] = p
			}
			switch m[2] {
			case "X":
				p.X = v
			case "Y":
				p.Y = v
			case "Z":
				p.Z = v
			}
			continue
		}
		if m := reSetdest.FindStringSubmatch(text); m != nil {
			id, _ := strconv.Atoi(m[2])
			var vals [4]float64
			for i, s := range []string{m[1], m[3], m[4], m[5]} {
				v, err := strconv.ParseFloat(s, 64)
				if err != nil {
					return nil, fmt.Errorf("ns2 line %d: %w", line, err)
				}
				vals[i] = v
			}
			cmds[id] = append(cmds[id], setdest{at: vals[0], x: vals[1], y: vals[2], speed: vals[3]})
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	out := make(map[int]*Waypoints)
	for id, p := range initial {
		out[id] = &Waypoints{initial: *p}
	}
	for id, list := range cmds {
		w := out[id]
		if w == nil {
			w = &Waypoints{}
			out[id] = w
		}
		sort.SliceStable(list, func(i, j int) bool { return list[i].at < list[j].at })
		for _, c := range list {
			from := w.Position(c.at)
			w.legs = append(w.legs, leg{
				at:    c.at,
				from:  from,
				to:    geo.Vec3{X: c.x, Y: c.y, Z: from.Z},
				speed: c.speed,
			})
		}
	}
	return out, nil
}

func LoadNS2(path string) (map[int]*Waypoints, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseNS2(f)
}
