package sim

import (
	"io"
	"math/rand"

	"github.com/agnaldosb/flysafe-fdi/internal/daemon"
	"github.com/agnaldosb/flysafe-fdi/internal/geo"
	"github.com/agnaldosb/flysafe-fdi/internal/metrics"
	"github.com/agnaldosb/flysafe-fdi/internal/trace"
)

// Context is the state shared by every agent of one run. Nothing in the
// simulator is global.
type Context struct {
	Sched    *Scheduler
	Arena    *Arena
	Medium   *Medium
	Metrics  *metrics.Metrics
	Recorder *trace.Recorder
	Rand     *rand.Rand
	// Entropy feeds key generation and nonces; nil means crypto/rand.
	Entropy io.Reader

	tracer daemon.Tracer
}

func NewContext(seed int64, rec *trace.Recorder, extra daemon.Tracer) *Context {
	c := &Context{
		Sched:    NewScheduler(),
		Arena:    NewArena(),
		Metrics:  metrics.New(),
		Recorder: rec,
		Rand:     rand.New(rand.NewSource(seed)),
	}
	c.tracer = daemon.TracerFunc(func(ev daemon.Event) {
		if c.Recorder != nil {
			c.Recorder.Record(ev)
		}
		if extra != nil {
			extra.Trace(ev)
		}
	})
	return c
}

func (c *Context) Now() float64 { return c.Sched.Now() }

// NewRand derives an independent generator from the run seed.
func (c *Context) NewRand() *rand.Rand {
	return rand.New(rand.NewSource(c.Rand.Int63()))
}

// NodeEnv is the daemon.Env view of one arena slot.
type NodeEnv struct {
	ctx *Context
	idx int
	rng *rand.Rand
}

func newNodeEnv(ctx *Context, idx int) *NodeEnv {
	return &NodeEnv{ctx: ctx, idx: idx, rng: ctx.NewRand()}
}

func (e *NodeEnv) Now() float64 { return e.ctx.Sched.Now() }

func (e *NodeEnv) Position() geo.Vec3 {
	return e.ctx.Arena.Get(e.idx).Position(e.ctx.Sched.Now())
}

func (e *NodeEnv) Send(d daemon.Datagram) error {
	return e.ctx.Medium.Transmit(e.idx, d)
}

func (e *NodeEnv) Schedule(delay float64, fn func()) daemon.Timer {
	return e.ctx.Sched.Schedule(delay, fn)
}

func (e *NodeEnv) Entropy() io.Reader { return e.ctx.Entropy }

func (e *NodeEnv) Rand() *rand.Rand { return e.rng }

func (e *NodeEnv) Tracer() daemon.Tracer { return e.ctx.tracer }
