package sim

import (
	"math"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agnaldosb/flysafe-fdi/internal/config"
	"github.com/agnaldosb/flysafe-fdi/internal/daemon"
	"github.com/agnaldosb/flysafe-fdi/internal/geo"
	"github.com/agnaldosb/flysafe-fdi/internal/mobility"
	"github.com/agnaldosb/flysafe-fdi/internal/neighbor"
	"github.com/agnaldosb/flysafe-fdi/internal/node"
	"github.com/agnaldosb/flysafe-fdi/internal/trace"
)

// lockstep keeps x fixed and toggles y every second so a node never looks
// stopped while pairwise distances stay constant.
func lockstep(x float64) mobility.Model {
	return mobility.Func(func(t float64) geo.Vec3 {
		return geo.Vec3{X: x, Y: 0.5 * float64(int(math.Floor(t))%2), Z: 91}
	})
}

func testConfig(nodes int) *config.Config {
	cfg := config.Default()
	cfg.Nodes = nodes
	cfg.Duration = 10
	return cfg
}

func oneHop(ns *NodeState) []neighbor.Row {
	var out []neighbor.Row
	for _, r := range ns.Node.Neighbors.List() {
		if r.Hop == 1 {
			out = append(out, r)
		}
	}
	return out
}

func TestDefendedDiscovery(t *testing.T) {
	cfg := testConfig(2)
	s, err := Build(cfg, Options{Mobility: []mobility.Model{lockstep(0), lockstep(50)}})
	require.NoError(t, err)

	s.RunUntil(2.1)
	a, b := s.Node(0), s.Node(1)
	for _, pair := range [][2]*NodeState{{a, b}, {b, a}} {
		self, peer := pair[0], pair[1]
		rows := self.Node.Neighbors.List()
		require.Len(t, rows, 1, "node %s", self.Addr())
		require.Equal(t, peer.Addr(), rows[0].Addr)
		require.EqualValues(t, 1, rows[0].Hop)
		require.Equal(t, 50.0, rows[0].Distance)
		require.True(t, self.Node.Sessions.Has(peer.Addr()))
		require.Zero(t, self.Node.Handshakes.Len())
	}
}

func TestMiMAgainstUndefendedDiscovery(t *testing.T) {
	cfg := testConfig(3)
	cfg.Defense = false
	cfg.RadioRange = 40
	cfg.Area = geo.Box{MinX: 1000, MaxX: 1500, MinY: 1000, MaxY: 1500, MinZ: 91, MaxZ: 91}
	s, err := Build(cfg, Options{
		Mobility:    []mobility.Model{lockstep(0), lockstep(50), lockstep(30)},
		Adversaries: []int{2},
	})
	require.NoError(t, err)

	a, b := s.Node(0), s.Node(1)
	s.RunUntil(1.3)
	require.False(t, b.Node.Neighbors.Has(a.Addr()))
	require.GreaterOrEqual(t, b.Runner.Drops(daemon.ReasonCoverage), uint64(1))
	require.GreaterOrEqual(t, s.Ctx.Metrics.Snapshot().Protocol.Forged, uint64(1))
	require.Equal(t, s.Ctx.Metrics.Snapshot().Protocol.Forged, s.Metrics().Snapshot().Protocol.Forged)

	s.RunUntil(cfg.Duration)
	_, ok := b.Node.Neighbors.Get(a.Addr())
	require.False(t, ok, "b learned a through the adversary")
	require.Zero(t, s.Node(2).Node.Neighbors.Len())
	require.GreaterOrEqual(t, s.Node(2).Runner.Drops(daemon.ReasonPassive), uint64(1))
}

func TestMiMAgainstDefendedTrap(t *testing.T) {
	cfg := testConfig(3)
	s, err := Build(cfg, Options{
		Mobility:    []mobility.Model{lockstep(0), lockstep(50), lockstep(30)},
		Adversaries: []int{2},
	})
	require.NoError(t, err)

	s.RunUntil(5)
	a, b := s.Node(0), s.Node(1)
	row, ok := b.Node.Neighbors.Get(a.Addr())
	require.True(t, ok)
	require.EqualValues(t, 1, row.Hop)
	require.Equal(t, 0.0, row.Position.X)
	require.Equal(t, 91.0, row.Position.Z)
	require.GreaterOrEqual(t, b.Runner.Drops(daemon.ReasonAuth), uint64(1))
	require.GreaterOrEqual(t, b.Runner.Drops(daemon.ReasonSpoofDiscovery), uint64(1))
}

func TestUnicastReachesOnlyDestination(t *testing.T) {
	cfg := testConfig(4)
	s, err := Build(cfg, Options{Mobility: []mobility.Model{
		mobility.Static{Pos: geo.Vec3{Z: 91}},
		mobility.Static{Pos: geo.Vec3{X: 10, Z: 91}},
		mobility.Static{Pos: geo.Vec3{X: 500, Z: 91}},
		mobility.Static{Pos: geo.Vec3{X: 20, Z: 91}},
	}})
	require.NoError(t, err)
	// Stopped receivers count every frame that reaches them.
	for i := 1; i < 4; i++ {
		s.Node(i).Runner.Stop()
	}
	a := s.Node(0)
	payload := []byte{0xAB, 9}
	for _, dst := range []netip.Addr{node.AddrFor(1), node.AddrFor(2), node.Broadcast} {
		require.NoError(t, a.Env.Send(daemon.Datagram{Src: a.Addr(), Dst: dst, Payload: payload}))
	}
	s.Ctx.Sched.RunUntil(0.1)

	require.EqualValues(t, 2, s.Node(1).Runner.Drops(daemon.ReasonStopped))
	require.EqualValues(t, 0, s.Node(2).Runner.Drops(daemon.ReasonStopped))
	require.EqualValues(t, 1, s.Node(3).Runner.Drops(daemon.ReasonStopped))
	require.EqualValues(t, 3, s.Ctx.Medium.Frames())
}

func TestRandomRunInvariants(t *testing.T) {
	cfg := testConfig(8)
	cfg.Malicious = 1
	cfg.Duration = 30
	cfg.Area = geo.Box{MaxX: 250, MaxY: 250, MinZ: 91, MaxZ: 91}
	rec, err := trace.Open(t.TempDir(), time.Now())
	require.NoError(t, err)
	defer rec.Close()

	s, err := Build(cfg, Options{Recorder: rec})
	require.NoError(t, err)
	require.Len(t, s.Adversaries, 1)
	sum, err := s.Run()
	require.NoError(t, err)
	require.Equal(t, 8, sum.Nodes)
	require.NotZero(t, sum.Events)
	require.NotZero(t, sum.Metrics.Tx["hello"])

	for _, ns := range s.Ctx.Arena.All() {
		require.False(t, ns.Runner.Running())
		for _, r := range ns.Node.Neighbors.List() {
			require.False(t, r.Quality == 0 && r.State == neighbor.Ordinary, "unswept row %+v", r)
			if r.Hop != 1 {
				continue
			}
			require.LessOrEqual(t, r.Distance, cfg.Coverage)
			require.True(t, ns.Node.Sessions.Has(r.Addr), "%s has no key for %s", ns.Addr(), r.Addr)
		}
	}

	for _, name := range []string{trace.ScenarioFile, trace.CountsFile, trace.SummaryFile} {
		_, err := os.Stat(filepath.Join(rec.Dir(), name))
		require.NoError(t, err, name)
	}
	require.Equal(t, rec.RunID().String(), sum.RunID)
}

func TestBuildRejects(t *testing.T) {
	cfg := testConfig(1)
	_, err := Build(cfg, Options{})
	require.ErrorIs(t, err, config.ErrNodes)

	cfg = testConfig(2)
	_, err = Build(cfg, Options{Adversaries: []int{5}})
	require.ErrorIs(t, err, ErrAdversary)

	cfg.RunMode = config.RunModeTrace
	cfg.TraceFile = filepath.Join(t.TempDir(), "missing.tcl")
	_, err = Build(cfg, Options{})
	require.Error(t, err)
}

func TestTraceModeDrivesNodeZero(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mobility.tcl")
	script := "$node_(0) set X_ 10.0\n$node_(0) set Y_ 20.0\n$node_(0) set Z_ 91.0\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o644))
	cfg := testConfig(2)
	cfg.RunMode = config.RunModeTrace
	cfg.TraceFile = path
	s, err := Build(cfg, Options{})
	require.NoError(t, err)
	require.Equal(t, geo.Vec3{X: 10, Y: 20, Z: 91}, s.Node(0).Position(0))
	_, ok := s.Ctx.Arena.Lookup(netip.MustParseAddr("192.168.1.2"))
	require.True(t, ok)
}
