package daemon

import (
	"net/netip"

	"github.com/agnaldosb/flysafe-fdi/internal/geo"
	"github.com/agnaldosb/flysafe-fdi/internal/node"
	"github.com/agnaldosb/flysafe-fdi/internal/proto"
)

// Beacon runs one activation of the beacon agent.
func (r *Runner) Beacon() {
	real := r.env.Position()
	if !r.Self.Moved(real) {
		r.trace(Event{Type: EventStopped, Position: real})
		return
	}
	nl := r.Self.Neighbors
	if nl.AnyExists() {
		nl.AgeAll()
		if gone := nl.Sweep(); len(gone) > 0 {
			r.Metrics.AddEvictions(len(gone))
			r.log.Debugf("evicted %v", gone)
		}
	}
	if r.opts.Defense {
		r.expireHandshakes()
	}
	pos := r.advertised(real)
	if nl.OneHopExists() || (r.opts.Defense && r.Self.Handshakes.Len() > 0) {
		r.trapRound(real, pos)
		return
	}
	r.trace(Event{Type: EventEmptyNL, Position: real})
	if nl.AnyExists() {
		nl.Clear()
	}
	_ = r.sendMessage(node.Broadcast, proto.KindHello, r.discoveryFields(pos))
}

// expireHandshakes drops peers that never completed the exchange so a node
// with no other contact falls back to discovery.
func (r *Runner) expireHandshakes() {
	hs := r.Self.Handshakes
	if hs.Len() == 0 {
		return
	}
	hs.AgeAll()
	if gone := hs.Sweep(); len(gone) > 0 {
		r.log.Debugf("handshakes expired %v", gone)
	}
}

func (r *Runner) trapRound(real, pos geo.Vec3) {
	trap := r.trapFields(pos)
	special := r.discoveryFields(pos)
	noted := false
	sent := make(map[netip.Addr]bool)
	for _, row := range r.Self.Neighbors.List() {
		switch {
		case row.Hop == 1 && row.Distance < r.opts.TrapRange:
			if row.Quality == 1 && !noted {
				// Nothing heard from this peer in the last round.
				r.trace(Event{Type: EventEmptyNL, Position: real, Peer: row.Addr})
				noted = true
			}
			if err := r.sendTrap(row.Addr, trap); err != nil {
				r.log.Debugf("trap to %s: %v", row.Addr, err)
			}
			sent[row.Addr] = true
		case row.Hop > 1 && row.Distance < r.opts.TrapRange+1:
			_ = r.sendMessage(row.Addr, proto.KindSpecialID, special)
		}
	}
	if !r.opts.Defense {
		return
	}
	for _, peer := range r.Self.Handshakes.List() {
		if sent[peer] {
			continue
		}
		if err := r.sendTrap(peer, trap); err != nil {
			r.log.Debugf("trap to handshake peer %s: %v", peer, err)
		}
	}
}
