package daemon

import (
	"net/netip"

	"github.com/agnaldosb/flysafe-fdi/internal/geo"
	"github.com/agnaldosb/flysafe-fdi/internal/neighbor"
	"github.com/agnaldosb/flysafe-fdi/internal/proto"
)

// Legacy suspicion protocol. Undefended nodes judge every sender's reported
// location against the coverage radius and gossip the verdicts to their
// one-hop neighbors with kinds 4, 5 and 6.

// screenLocation updates the suspicion state of src. registered is set when
// src was added to the neighbor table here; blocked means the frame must be
// ignored.
func (r *Runner) screenLocation(src netip.Addr, f proto.Fields, dist float64) (registered, blocked bool) {
	st := r.Self.Suspicions
	nl := r.Self.Neighbors
	self := r.Self.Addr
	far := dist > r.det.Params().Coverage

	if st.Has(src) {
		if far {
			n, _ := st.Raise(src, self)
			if n >= st.Threshold() {
				st.Block(src)
				nl.Remove(src)
				r.log.Infof("blocked %s after %d false locations", src, n)
				r.notifyNeighbors(src, f.Position, neighbor.Suspect, proto.KindBlocked)
				r.traceSuspicion(src)
				return false, true
			}
			r.notifyNeighbors(src, f.Position, neighbor.Suspect, proto.KindSuspect)
			r.traceSuspicion(src)
			return false, false
		}
		n, _ := st.Lower(src, self)
		if n == 0 {
			st.Remove(src)
			nl.SetState(src, neighbor.Ordinary)
			r.notifyNeighbors(src, f.Position, neighbor.Ordinary, proto.KindSuspReduce)
		} else {
			r.notifyNeighbors(src, f.Position, neighbor.Suspect, proto.KindSuspReduce)
		}
		r.traceSuspicion(src)
		return false, false
	}
	if !far {
		return false, false
	}
	if !nl.Has(src) {
		_ = nl.Upsert(neighbor.Row{
			Addr:        src,
			Position:    f.Position,
			Distance:    dist,
			Attitude:    geo.Keep,
			Quality:     nl.MaxQuality(),
			Hop:         1,
			InfoTime:    f.SendTime,
			HasInfoTime: true,
		})
		registered = true
	}
	st.Register(src, self)
	nl.SetState(src, neighbor.Suspect)
	r.log.Debugf("%s reported %s at %.2fm, now suspect", src, f.Position, dist)
	r.notifyNeighbors(src, f.Position, neighbor.Suspect, proto.KindSuspect)
	r.traceSuspicion(src)
	return registered, false
}

// notifyNeighbors unicasts a one-entry digest about subject to every one-hop
// neighbor other than subject.
func (r *Runner) notifyNeighbors(subject netip.Addr, reported geo.Vec3, state neighbor.State, k proto.Kind) {
	f := proto.Fields{
		SendTime: r.env.Now(),
		Position: r.advertised(r.env.Position()),
		Neighbors: []proto.Digest{{
			IP:    subject,
			Pos:   reported,
			Hop:   1,
			State: uint8(state),
		}},
	}
	for _, row := range r.Self.Neighbors.List() {
		if row.Hop != 1 || row.Addr == subject {
			continue
		}
		_ = r.sendMessage(row.Addr, k, f)
	}
}

func (r *Runner) traceSuspicion(subject netip.Addr) {
	r.trace(Event{
		Type:       EventSuspicion,
		Peer:       subject,
		Suspicions: r.Self.Suspicions.List(),
		Neighbors:  r.Self.Neighbors.List(),
	})
}

// touchNotifier advances the notifier's info_time without changing its quality.
func (r *Runner) touchNotifier(in inbound) {
	nl := r.Self.Neighbors
	if row, ok := nl.Get(in.src); ok {
		_ = nl.Touch(in.src, row.Quality, in.f.SendTime)
	}
}

func (r *Runner) subject(in inbound) (proto.Digest, bool) {
	d, ok := in.f.Subject()
	if !ok || !d.IP.IsValid() || d.IP == r.Self.Addr {
		return proto.Digest{}, false
	}
	return d, true
}

func (r *Runner) onSuspect(in inbound) (Reason, error) {
	d, ok := r.subject(in)
	if !ok {
		return ReasonParse, errNoSubject
	}
	r.touchNotifier(in)
	st := r.Self.Suspicions
	nl := r.Self.Neighbors
	if st.Has(d.IP) {
		if n, _ := st.Raise(d.IP, in.src); n >= st.Threshold() {
			st.Block(d.IP)
			nl.Remove(d.IP)
			r.log.Infof("blocked %s on notice from %s", d.IP, in.src)
		}
	} else {
		if nl.Has(d.IP) {
			nl.SetState(d.IP, neighbor.Suspect)
		} else {
			hop := d.Hop + 1
			if hop > nl.MaxHop() {
				hop = nl.MaxHop()
			}
			_ = nl.Upsert(neighbor.Row{
				Addr:     d.IP,
				Position: d.Pos,
				Distance: geo.Distance(in.selfPos, d.Pos),
				Attitude: geo.Keep,
				Quality:  nl.MaxQuality(),
				Hop:      hop,
				State:    neighbor.Suspect,
			})
		}
		st.Register(d.IP, r.Self.Addr)
	}
	r.traceSuspicion(d.IP)
	return ReasonNone, nil
}

func (r *Runner) onBlocked(in inbound) (Reason, error) {
	d, ok := r.subject(in)
	if !ok {
		return ReasonParse, errNoSubject
	}
	r.touchNotifier(in)
	st := r.Self.Suspicions
	r.Self.Neighbors.Remove(d.IP)
	if !st.Has(d.IP) {
		st.Register(d.IP, in.src)
	} else {
		st.Raise(d.IP, in.src)
	}
	st.Block(d.IP)
	r.traceSuspicion(d.IP)
	return ReasonNone, nil
}

func (r *Runner) onSuspReduce(in inbound) (Reason, error) {
	d, ok := r.subject(in)
	if !ok {
		return ReasonParse, errNoSubject
	}
	r.touchNotifier(in)
	st := r.Self.Suspicions
	if st.Has(d.IP) {
		if n, acted := st.Lower(d.IP, in.src); acted && n == 0 {
			st.Remove(d.IP)
			r.Self.Neighbors.SetState(d.IP, neighbor.Ordinary)
		}
	}
	r.traceSuspicion(d.IP)
	return ReasonNone, nil
}
