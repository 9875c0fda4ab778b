// Package sim runs a swarm of FlySafe nodes on a discrete-event clock over a
// shared radio medium.
package sim

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/agnaldosb/flysafe-fdi/internal/config"
	"github.com/agnaldosb/flysafe-fdi/internal/daemon"
	"github.com/agnaldosb/flysafe-fdi/internal/debuglog"
	"github.com/agnaldosb/flysafe-fdi/internal/geo"
	"github.com/agnaldosb/flysafe-fdi/internal/metrics"
	"github.com/agnaldosb/flysafe-fdi/internal/mobility"
	"github.com/agnaldosb/flysafe-fdi/internal/node"
	"github.com/agnaldosb/flysafe-fdi/internal/selection"
	"github.com/agnaldosb/flysafe-fdi/internal/sniffer"
	"github.com/agnaldosb/flysafe-fdi/internal/trace"
)

// Options carries what a config file cannot: scripted mobility, a fixed
// adversary set and trace sinks.
type Options struct {
	// Mobility overrides the model of node i when Mobility[i] is non-nil.
	Mobility []mobility.Model
	// Adversaries fixes the adversary indices and skips placement.
	Adversaries []int
	Recorder    *trace.Recorder
	Tracer      daemon.Tracer
	Entropy     io.Reader
}

type Simulation struct {
	Config      config.Config
	Ctx         *Context
	Adversaries []int
	started     bool
}

var ErrAdversary = errors.New("adversary index out of range")

func Build(cfg *config.Config, opts Options) (*Simulation, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ctx := NewContext(cfg.Seed, opts.Recorder, opts.Tracer)
	ctx.Entropy = opts.Entropy
	ctx.Medium = NewMedium(ctx, cfg.RadioRange)

	models, err := buildMobility(cfg, ctx, opts.Mobility)
	if err != nil {
		return nil, err
	}
	start := make([]geo.Vec3, len(models))
	for i, m := range models {
		start[i] = m.Position(0)
	}

	adv := opts.Adversaries
	if adv == nil {
		adv = selection.Select(start, cfg.Malicious, cfg.Coverage)
	}
	isAdv := make(map[int]bool, len(adv))
	for _, i := range adv {
		if i < 0 || i >= cfg.Nodes {
			return nil, fmt.Errorf("%w: %d", ErrAdversary, i)
		}
		isAdv[i] = true
	}

	for i := 0; i < cfg.Nodes; i++ {
		role := node.Honest
		if isAdv[i] {
			role = node.Adversary
		}
		n, err := node.NewNode(node.Options{Index: i, Role: role, Entropy: ctx.Entropy})
		if err != nil {
			return nil, err
		}
		ns := &NodeState{Node: n, Mobility: models[i]}
		ctx.Arena.Add(ns)
		ns.Env = newNodeEnv(ctx, ns.Index)
		ropts := cfg.RunnerOptions(float64(i)*cfg.Stagger, role == node.Adversary)
		ropts.Metrics = metrics.New()
		ns.Runner, err = daemon.NewRunner(n, ns.Env, ropts)
		if err != nil {
			return nil, err
		}
		if role == node.Adversary {
			ns.Sniffer, err = sniffer.New(sniffer.Options{Self: n.Addr, Area: cfg.Area, Rand: ctx.NewRand()})
			if err != nil {
				return nil, err
			}
		}
	}

	sort.Ints(adv)
	s := &Simulation{Config: *cfg, Ctx: ctx, Adversaries: adv}
	if opts.Recorder != nil {
		err := opts.Recorder.WriteScenario(trace.Scenario{
			Nodes:      cfg.Nodes,
			RunMode:    cfg.RunMode,
			Malicious:  adv,
			Defense:    cfg.Defense,
			Mitigation: cfg.Mitigation,
			Suspicion:  cfg.Suspicion,
			Duration:   cfg.Duration,
			Seed:       cfg.Seed,
			Started:    time.Now(),
		})
		if err != nil {
			return nil, fmt.Errorf("scenario file: %w", err)
		}
	}
	debuglog.Logf("sim: %d nodes, adversaries %v, defense=%v mitigation=%v", cfg.Nodes, adv, cfg.Defense, cfg.Mitigation)
	return s, nil
}

func buildMobility(cfg *config.Config, ctx *Context, override []mobility.Model) ([]mobility.Model, error) {
	var traced map[int]*mobility.Waypoints
	if cfg.RunMode == config.RunModeTrace {
		var err error
		traced, err = mobility.LoadNS2(cfg.TraceFile)
		if err != nil {
			return nil, err
		}
		if traced[0] == nil {
			return nil, fmt.Errorf("trace %s has no node 0", cfg.TraceFile)
		}
	}
	out := make([]mobility.Model, cfg.Nodes)
	for i := range out {
		if i < len(override) && override[i] != nil {
			out[i] = override[i]
			continue
		}
		if i == 0 && traced != nil {
			out[i] = traced[0]
			continue
		}
		rng := ctx.NewRand()
		startPos := cfg.Area.Uniform(rng.Float64(), rng.Float64(), rng.Float64())
		if cfg.Speed == 0 {
			out[i] = mobility.Static{Pos: startPos}
			continue
		}
		out[i] = mobility.NewRandomWalk2d(startPos, mobility.WalkOptions{
			Bounds:   cfg.Area,
			Speed:    cfg.Speed,
			Interval: cfg.WalkInterval,
			Rand:     rng,
		})
	}
	return out, nil
}

func (s *Simulation) Node(i int) *NodeState { return s.Ctx.Arena.Get(i) }

// Start arms every runner. It runs once.
func (s *Simulation) Start() {
	if s.started {
		return
	}
	s.started = true
	for _, ns := range s.Ctx.Arena.All() {
		ns.Runner.Start()
	}
}

// RunUntil advances the clock to t, starting the runners if needed.
func (s *Simulation) RunUntil(t float64) int {
	s.Start()
	return s.Ctx.Sched.RunUntil(t)
}

// Run plays the configured duration, stops every node and writes the
// closing trace files.
func (s *Simulation) Run() (Summary, error) {
	s.RunUntil(s.Config.Duration)
	for _, ns := range s.Ctx.Arena.All() {
		ns.Runner.Stop()
	}
	s.Ctx.Sched.Clear()
	sum := s.Summary()
	rec := s.Ctx.Recorder
	if rec == nil {
		return sum, nil
	}
	sum.RunID = rec.RunID().String()
	sum.Dir = rec.Dir()
	err := errors.Join(
		rec.WriteCounts(sum.Metrics),
		rec.WriteSummary(sum),
		rec.Flush(),
	)
	return sum, err
}

type NodeSummary struct {
	Addr       string   `json:"addr"`
	Role       string   `json:"role"`
	OneHop     []string `json:"one_hop"`
	Rows       int      `json:"rows"`
	Handshakes int      `json:"handshakes"`
	Keys       int      `json:"keys"`
	Suspicions int      `json:"suspicions"`
}

type Summary struct {
	RunID       string           `json:"run_id,omitempty"`
	Dir         string           `json:"dir,omitempty"`
	Nodes       int              `json:"nodes"`
	Duration    float64          `json:"duration"`
	Adversaries []int            `json:"adversaries"`
	Events      uint64           `json:"events"`
	Frames      uint64           `json:"frames"`
	Metrics     metrics.Snapshot `json:"metrics"`
	PerNode     []NodeSummary    `json:"per_node"`
}

// Metrics merges the medium's counters with those of every runner.
func (s *Simulation) Metrics() *metrics.Metrics {
	total := metrics.New()
	total.Merge(s.Ctx.Metrics)
	for _, ns := range s.Ctx.Arena.All() {
		total.Merge(ns.Runner.Metrics)
	}
	return total
}

func (s *Simulation) Summary() Summary {
	sum := Summary{
		Nodes:       s.Ctx.Arena.Len(),
		Duration:    s.Ctx.Sched.Now(),
		Adversaries: s.Adversaries,
		Events:      s.Ctx.Sched.Ran(),
		Frames:      s.Ctx.Medium.Frames(),
	}
	for _, ns := range s.Ctx.Arena.All() {
		n := ns.Node
		ps := NodeSummary{
			Addr:       n.Addr.String(),
			Role:       n.Role.String(),
			Rows:       n.Neighbors.Len(),
			Handshakes: n.Handshakes.Len(),
			Keys:       n.Sessions.Len(),
			Suspicions: n.Suspicions.Len(),
		}
		for _, r := range n.Neighbors.List() {
			if r.Hop == 1 {
				ps.OneHop = append(ps.OneHop, r.Addr.String())
			}
		}
		sum.PerNode = append(sum.PerNode, ps)
	}
	sum.Metrics = s.Metrics().Snapshot()
	return sum
}
