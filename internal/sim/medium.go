package sim

import (
	"errors"
	"net/netip"

	"github.com/agnaldosb/flysafe-fdi/internal/daemon"
	"github.com/agnaldosb/flysafe-fdi/internal/debuglog"
	"github.com/agnaldosb/flysafe-fdi/internal/geo"
	"github.com/agnaldosb/flysafe-fdi/internal/node"
	"github.com/agnaldosb/flysafe-fdi/internal/phy"
	"github.com/agnaldosb/flysafe-fdi/internal/sniffer"
)

const (
	SpeedOfLight         = 299792458.0
	DefaultReinjectDelay = 0.001
)

// Medium is the shared radio channel. Every node within Range of the
// transmitter hears a frame after the propagation delay; only the addressed
// node (or everyone, for broadcast) hands it to its receiver.
type Medium struct {
	ctx           *Context
	Range         float64
	ReinjectDelay float64
	seq           uint16
	frames        uint64
}

func NewMedium(ctx *Context, radioRange float64) *Medium {
	return &Medium{ctx: ctx, Range: radioRange, ReinjectDelay: DefaultReinjectDelay}
}

// Frames counts every frame put on the air, reinjections included.
func (m *Medium) Frames() uint64 { return m.frames }

// Transmit frames d and radiates it from arena slot from.
func (m *Medium) Transmit(from int, d daemon.Datagram) error {
	frame, err := phy.Build(d.Src, d.Dst, m.seq, d.Payload)
	if err != nil {
		return err
	}
	m.seq++
	m.radiate(from, d.Dst, frame, false)
	return nil
}

// radiate puts frame on the air. Forged frames are not sniffed again, so
// two adversaries never rewrite each other's output.
func (m *Medium) radiate(from int, dst netip.Addr, frame []byte, forged bool) {
	src := m.ctx.Arena.Get(from)
	if src == nil {
		return
	}
	m.frames++
	now := m.ctx.Sched.Now()
	origin := src.Position(now)
	for _, ns := range m.ctx.Arena.All() {
		if ns.Index == from {
			continue
		}
		d := geo.Euclid(origin, ns.Position(now))
		if d > m.Range {
			continue
		}
		delay := d / SpeedOfLight
		rx := ns
		if rx.Sniffer != nil && !forged {
			m.ctx.Sched.Schedule(delay, func() { m.sniff(rx, frame) })
		}
		if dst == node.Broadcast || dst == rx.Addr() {
			m.ctx.Sched.Schedule(delay, func() { m.deliver(rx, frame) })
		}
	}
}

func (m *Medium) deliver(ns *NodeState, frame []byte) {
	f, err := phy.Parse(frame)
	if err != nil {
		debuglog.Debugf("sim: %s dropped undecodable frame: %v", ns.Addr(), err)
		return
	}
	ns.Runner.Receive(daemon.Datagram{Src: f.Src, Dst: f.Dst, Payload: f.Payload})
}

func (m *Medium) sniff(ns *NodeState, frame []byte) {
	out, c, err := ns.Sniffer.Forge(frame)
	if err != nil {
		if !errors.Is(err, sniffer.ErrSeen) && !errors.Is(err, sniffer.ErrOwnFrame) {
			debuglog.Debugf("sim: sniffer %s skipped frame: %v", ns.Addr(), err)
		}
		return
	}
	m.ctx.Metrics.IncForged()
	if m.ctx.Recorder != nil {
		m.ctx.Recorder.Capture(m.ctx.Sched.Now(), ns.Addr(), c)
	}
	debuglog.Debugf("sim: %s forged %s %s->%s at %s", ns.Addr(), c.Kind, c.Src, c.Dst, c.Forged)
	m.ctx.Sched.Schedule(m.ReinjectDelay, func() { m.radiate(ns.Index, c.Dst, out, true) })
}
