// Package live drives one node on the wall clock over a frame radio, usually
// a network.Client connected to a hub.
package live

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/netip"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/agnaldosb/flysafe-fdi/internal/daemon"
	"github.com/agnaldosb/flysafe-fdi/internal/debuglog"
	"github.com/agnaldosb/flysafe-fdi/internal/geo"
	"github.com/agnaldosb/flysafe-fdi/internal/mobility"
	"github.com/agnaldosb/flysafe-fdi/internal/node"
	"github.com/agnaldosb/flysafe-fdi/internal/phy"
	"github.com/agnaldosb/flysafe-fdi/internal/sim"
)

// Radio moves raw PHY frames.
type Radio interface {
	Send(frame []byte) error
	Frames() <-chan []byte
}

type Options struct {
	Addr     netip.Addr
	Mobility mobility.Model
	Runner   daemon.Options
	Tracer   daemon.Tracer
	Entropy  io.Reader
	Seed     int64
}

var (
	ErrRadioClosed = errors.New("radio closed")
	ErrNoRadio     = errors.New("runtime needs a radio")
)

// Runtime is a daemon.Env backed by the wall clock. Timer callbacks and frame
// deliveries all run on the Run goroutine.
type Runtime struct {
	Node   *node.Node
	Runner *daemon.Runner

	radio   Radio
	model   mobility.Model
	sched   *sim.Scheduler
	epoch   time.Time
	calls   chan func()
	rng     *rand.Rand
	entropy io.Reader
	tracer  daemon.Tracer
	seq     uint16
	log     *logrus.Entry
}

func New(radio Radio, opts Options) (*Runtime, error) {
	if radio == nil {
		return nil, ErrNoRadio
	}
	idx, ok := node.IndexOf(opts.Addr)
	if !ok {
		return nil, fmt.Errorf("%w: %s is outside %s", node.ErrNoAddr, opts.Addr, node.Subnet)
	}
	n, err := node.NewNode(node.Options{Index: idx, Addr: opts.Addr, Entropy: opts.Entropy})
	if err != nil {
		return nil, err
	}
	model := opts.Mobility
	if model == nil {
		model = mobility.Static{Pos: geo.Vec3{Z: mobility.DefaultAltitude}}
	}
	rt := &Runtime{
		Node:    n,
		radio:   radio,
		model:   model,
		sched:   sim.NewScheduler(),
		epoch:   time.Now(),
		calls:   make(chan func()),
		rng:     rand.New(rand.NewSource(opts.Seed)),
		entropy: opts.Entropy,
		tracer:  opts.Tracer,
		log:     debuglog.WithFields(logrus.Fields{"node": n.Addr.String()}),
	}
	if rt.tracer == nil {
		rt.tracer = daemon.TracerFunc(rt.logEvent)
	}
	rt.Runner, err = daemon.NewRunner(n, rt, opts.Runner)
	if err != nil {
		return nil, err
	}
	return rt, nil
}

func (rt *Runtime) Now() float64 { return time.Since(rt.epoch).Seconds() }

func (rt *Runtime) Position() geo.Vec3 { return rt.model.Position(rt.Now()) }

func (rt *Runtime) Send(d daemon.Datagram) error {
	frame, err := phy.Build(d.Src, d.Dst, rt.seq, d.Payload)
	if err != nil {
		return err
	}
	rt.seq++
	return rt.radio.Send(frame)
}

func (rt *Runtime) Schedule(delay float64, fn func()) daemon.Timer {
	return rt.sched.At(rt.Now()+delay, fn)
}

func (rt *Runtime) Entropy() io.Reader { return rt.entropy }

func (rt *Runtime) Rand() *rand.Rand { return rt.rng }

func (rt *Runtime) Tracer() daemon.Tracer { return rt.tracer }

func (rt *Runtime) logEvent(ev daemon.Event) {
	if !debuglog.Enabled() {
		return
	}
	rt.log.WithFields(logrus.Fields{
		"event": ev.Type.String(),
		"peer":  ev.Peer.String(),
		"kind":  ev.Kind.String(),
		"t":     ev.Time,
	}).Debug(string(ev.Reason))
}

// Do runs fn on the event loop and waits for it.
func (rt *Runtime) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case rt.calls <- func() { fn(); close(done) }:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run starts the node and serves its events until ctx ends or the radio
// closes. The node is stopped on return.
func (rt *Runtime) Run(ctx context.Context) error {
	rt.Runner.Start()
	defer rt.Runner.Stop()
	wake := time.NewTimer(time.Hour)
	defer wake.Stop()
	frames := rt.radio.Frames()
	for {
		now := rt.Now()
		rt.sched.RunUntil(now)
		d := time.Hour
		if next, ok := rt.sched.Next(); ok {
			d = time.Duration((next - now) * float64(time.Second))
			if d < 0 {
				d = 0
			}
		}
		wake.Reset(d)
		select {
		case <-ctx.Done():
			return nil
		case frame, ok := <-frames:
			if !ok {
				return ErrRadioClosed
			}
			rt.deliver(frame)
		case fn := <-rt.calls:
			fn()
		case <-wake.C:
		}
	}
}

func (rt *Runtime) deliver(frame []byte) {
	f, err := phy.Parse(frame)
	if err != nil {
		debuglog.RateLimitedf("live-parse:"+rt.Node.Addr.String(), 5*time.Second, "live: undecodable frame: %v", err)
		return
	}
	if f.Dst != rt.Node.Addr && f.Dst != node.Broadcast {
		return
	}
	rt.Runner.Receive(daemon.Datagram{Src: f.Src, Dst: f.Dst, Payload: f.Payload})
}
