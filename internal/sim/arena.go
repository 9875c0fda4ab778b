package sim

import (
	"net/netip"

	"github.com/agnaldosb/flysafe-fdi/internal/daemon"
	"github.com/agnaldosb/flysafe-fdi/internal/geo"
	"github.com/agnaldosb/flysafe-fdi/internal/mobility"
	"github.com/agnaldosb/flysafe-fdi/internal/node"
	"github.com/agnaldosb/flysafe-fdi/internal/sniffer"
)

// NodeState is everything the simulator keeps for one arena slot.
type NodeState struct {
	Index    int
	Node     *node.Node
	Runner   *daemon.Runner
	Mobility mobility.Model
	Sniffer  *sniffer.Sniffer
	Env      *NodeEnv
}

func (ns *NodeState) Addr() netip.Addr { return ns.Node.Addr }

func (ns *NodeState) Position(t float64) geo.Vec3 {
	return ns.Mobility.Position(t)
}

// Arena owns the node states. Indices are stable for the run.
type Arena struct {
	nodes  []*NodeState
	byAddr map[netip.Addr]int
}

func NewArena() *Arena {
	return &Arena{byAddr: make(map[netip.Addr]int)}
}

func (a *Arena) Add(ns *NodeState) int {
	ns.Index = len(a.nodes)
	a.nodes = append(a.nodes, ns)
	a.byAddr[ns.Node.Addr] = ns.Index
	return ns.Index
}

func (a *Arena) Get(i int) *NodeState {
	if i < 0 || i >= len(a.nodes) {
		return nil
	}
	return a.nodes[i]
}

func (a *Arena) Lookup(addr netip.Addr) (*NodeState, bool) {
	i, ok := a.byAddr[addr]
	if !ok {
		return nil, false
	}
	return a.nodes[i], true
}

func (a *Arena) Len() int { return len(a.nodes) }

func (a *Arena) All() []*NodeState { return a.nodes }
