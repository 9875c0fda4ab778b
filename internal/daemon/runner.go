package daemon

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/agnaldosb/flysafe-fdi/internal/anomaly"
	"github.com/agnaldosb/flysafe-fdi/internal/crypto"
	"github.com/agnaldosb/flysafe-fdi/internal/debuglog"
	"github.com/agnaldosb/flysafe-fdi/internal/geo"
	"github.com/agnaldosb/flysafe-fdi/internal/metrics"
	"github.com/agnaldosb/flysafe-fdi/internal/node"
	"github.com/agnaldosb/flysafe-fdi/internal/proto"
)

const (
	DefaultTrapRange = 85.0
	DefaultToff      = 0.5
	DefaultTon       = 0.5
	DefaultTtx       = 0.5
	DefaultStagger   = 0.2

	rejectLogInterval = time.Second
)

type Options struct {
	Defense    bool
	Mitigation bool
	// Suspicion enables the legacy suspicion protocol. It never runs under
	// defense.
	Suspicion bool
	Detector  anomaly.Params

	TrapRange float64
	Toff      float64
	Ton       float64
	Ttx       float64
	// OnTime draws the length of each On window; Ton is used when nil.
	OnTime func() float64
	// Start delays the first Off window.
	Start float64

	// Falsify makes the node advertise uniform random positions inside Area
	// from FalsifyFrom on.
	Falsify     bool
	FalsifyFrom float64
	Area        geo.Box

	Metrics *metrics.Metrics
}

// Runner drives the beacon and receiver agents of one node.
type Runner struct {
	Self    *node.Node
	Metrics *metrics.Metrics

	env      Env
	opts     Options
	det      *anomaly.Detector
	counters *debugCounters
	log      *logrus.Entry

	sendEvent      Timer
	startStopEvent Timer
	running        bool
	stopped        bool
	falsifying     bool
}

var (
	ErrNilNode = errors.New("runner needs a node")
	ErrNilEnv  = errors.New("runner needs an env")
)

func NewRunner(self *node.Node, env Env, opts Options) (*Runner, error) {
	if self == nil {
		return nil, ErrNilNode
	}
	if env == nil {
		return nil, ErrNilEnv
	}
	if opts.TrapRange <= 0 {
		opts.TrapRange = DefaultTrapRange
	}
	if opts.Toff <= 0 {
		opts.Toff = DefaultToff
	}
	if opts.Ton <= 0 {
		opts.Ton = DefaultTon
	}
	if opts.Ttx <= 0 {
		opts.Ttx = DefaultTtx
	}
	if opts.Defense {
		opts.Suspicion = false
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	return &Runner{
		Self:     self,
		Metrics:  m,
		env:      env,
		opts:     opts,
		det:      anomaly.New(opts.Detector),
		counters: newDebugCounters(m),
		log:      debuglog.WithFields(logrus.Fields{"node": self.Addr.String()}),
	}, nil
}

func (r *Runner) Options() Options { return r.opts }

func (r *Runner) Detector() *anomaly.Detector { return r.det }

// Start schedules the first Off window after opts.Start.
func (r *Runner) Start() {
	if r.running {
		return
	}
	r.running = true
	r.stopped = false
	r.startStopEvent = r.env.Schedule(r.opts.Start, r.scheduleStartEvent)
}

// Stop cancels every pending event of both agents.
func (r *Runner) Stop() {
	r.running = false
	r.stopped = true
	r.cancelEvents()
}

func (r *Runner) Running() bool { return r.running }

func (r *Runner) cancelEvents() {
	if r.sendEvent != nil {
		r.sendEvent.Cancel()
		r.sendEvent = nil
	}
	if r.startStopEvent != nil {
		r.startStopEvent.Cancel()
		r.startStopEvent = nil
	}
}

func (r *Runner) scheduleStartEvent() {
	r.startStopEvent = r.env.Schedule(r.opts.Toff, r.startSending)
}

func (r *Runner) startSending() {
	// The tx event goes in first so it fires before a stop due at the same time.
	r.scheduleNextTx()
	r.scheduleStopEvent()
}

func (r *Runner) scheduleNextTx() {
	r.sendEvent = r.env.Schedule(r.opts.Ttx, r.sendPacket)
}

func (r *Runner) scheduleStopEvent() {
	on := r.opts.Ton
	if r.opts.OnTime != nil {
		if v := r.opts.OnTime(); v > 0 {
			on = v
		}
	}
	r.startStopEvent = r.env.Schedule(on, r.stopSending)
}

func (r *Runner) stopSending() {
	r.cancelEvents()
	r.scheduleStartEvent()
}

func (r *Runner) sendPacket() {
	r.Beacon()
	r.scheduleNextTx()
}

func (r *Runner) trace(ev Event) {
	ev.Node = r.Self.Addr
	if ev.Time == 0 {
		ev.Time = r.env.Now()
	}
	if t := r.env.Tracer(); t != nil {
		t.Trace(ev)
	}
}

// advertised is the position the node puts in its tags.
func (r *Runner) advertised(real geo.Vec3) geo.Vec3 {
	if !r.opts.Falsify || r.env.Now() < r.opts.FalsifyFrom {
		return real
	}
	if !r.falsifying {
		r.falsifying = true
		r.log.Infof("switching to falsified locations at %.2fs", r.env.Now())
	}
	rng := r.env.Rand()
	return r.opts.Area.Uniform(rng.Float64(), rng.Float64(), rng.Float64())
}

// discoveryFields builds Hello/Id/SpecialId content. Defended discovery
// carries the public key and no position.
func (r *Runner) discoveryFields(pos geo.Vec3) proto.Fields {
	f := proto.Fields{SendTime: r.env.Now()}
	if r.opts.Defense {
		f.PublicKey = r.Self.Keys.PublicPEM()
		return f
	}
	f.Position = pos
	f.Neighbors = r.digest()
	return f
}

func (r *Runner) trapFields(pos geo.Vec3) proto.Fields {
	return proto.Fields{
		SendTime:  r.env.Now(),
		Position:  pos,
		Neighbors: r.digest(),
	}
}

// digest is the neigh_infos this node advertises. Adversaries relay nothing.
func (r *Runner) digest() []proto.Digest {
	if r.Self.IsAdversary() {
		return nil
	}
	return r.Self.Neighbors.Digest()
}

func (r *Runner) sendMessage(dst netip.Addr, k proto.Kind, f proto.Fields) error {
	m, err := proto.New(k, f)
	if err != nil {
		return err
	}
	payload, err := proto.EncodeMessage(m)
	if err != nil {
		r.counters.incSendFail(k)
		return err
	}
	return r.transmit(dst, k, payload, f)
}

// sendTrap unicasts a Trap, sealed under the shared key when defended.
func (r *Runner) sendTrap(dst netip.Addr, f proto.Fields) error {
	if !r.opts.Defense {
		return r.sendMessage(dst, proto.KindTrap, f)
	}
	key := r.Self.Sessions.Key(dst)
	if key == nil {
		r.counters.incSendFail(proto.KindTrap)
		return fmt.Errorf("trap to %s: %w", dst, crypto.ErrNoKey)
	}
	tag, err := proto.ToTag(proto.Trap{Fields: f})
	if err != nil {
		return err
	}
	clear, err := proto.EncodeTag(tag)
	if err != nil {
		r.counters.incSendFail(proto.KindTrap)
		return err
	}
	sealed, err := crypto.SealTag(r.env.Entropy(), key, clear)
	if err != nil {
		r.counters.incSendFail(proto.KindTrap)
		return err
	}
	return r.transmit(dst, proto.KindTrap, proto.EncodeSealed(sealed), f)
}

func (r *Runner) transmit(dst netip.Addr, k proto.Kind, payload []byte, f proto.Fields) error {
	err := r.env.Send(Datagram{Src: r.Self.Addr, Dst: dst, Payload: payload})
	if err != nil {
		r.counters.incSendFail(k)
		debuglog.RateLimitedf("send-fail:"+r.Self.Addr.String(), rejectLogInterval,
			"node %s send %s to %s failed: %v", r.Self.Addr, k, dst, err)
		return err
	}
	r.counters.incSent(k)
	r.trace(Event{
		Type:      EventSent,
		Peer:      dst,
		Kind:      k,
		Position:  f.Position,
		SendTime:  f.SendTime,
		Neighbors: r.Self.Neighbors.List(),
	})
	return nil
}

// Sent and Received expose the runner's own per-kind counters.
func (r *Runner) Sent(k proto.Kind) uint64 {
	return r.counters.get(r.counters.sentByKind, k.String())
}

func (r *Runner) Received(k proto.Kind) uint64 {
	return r.counters.get(r.counters.recvByKind, k.String())
}

func (r *Runner) Drops(reason Reason) uint64 {
	return r.counters.get(r.counters.dropReason, string(reason))
}
