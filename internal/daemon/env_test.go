package daemon

import (
	"io"
	"math/rand"
	"testing"

	"github.com/agnaldosb/flysafe-fdi/internal/geo"
	"github.com/agnaldosb/flysafe-fdi/internal/node"
	"github.com/agnaldosb/flysafe-fdi/internal/proto"
)

type fakeTimer struct {
	at        float64
	seq       int
	fn        func()
	cancelled bool
}

func (t *fakeTimer) Cancel() { t.cancelled = true }

type sentDatagram struct {
	at float64
	Datagram
}

// fakeEnv is a single-node event loop with a settable position.
type fakeEnv struct {
	now    float64
	pos    geo.Vec3
	posFn  func(now float64) geo.Vec3
	queue  []*fakeTimer
	seq    int
	sent   []sentDatagram
	events []Event
	rng    *rand.Rand
	err    error
}

func newFakeEnv(pos geo.Vec3) *fakeEnv {
	return &fakeEnv{pos: pos, rng: rand.New(rand.NewSource(1))}
}

func (e *fakeEnv) Now() float64 { return e.now }

func (e *fakeEnv) Position() geo.Vec3 {
	if e.posFn != nil {
		return e.posFn(e.now)
	}
	return e.pos
}

func (e *fakeEnv) Send(d Datagram) error {
	if e.err != nil {
		return e.err
	}
	e.sent = append(e.sent, sentDatagram{at: e.now, Datagram: d})
	return nil
}

func (e *fakeEnv) Schedule(delay float64, fn func()) Timer {
	t := &fakeTimer{at: e.now + delay, seq: e.seq, fn: fn}
	e.seq++
	e.queue = append(e.queue, t)
	return t
}

func (e *fakeEnv) Entropy() io.Reader { return nil }
func (e *fakeEnv) Rand() *rand.Rand   { return e.rng }

func (e *fakeEnv) Tracer() Tracer {
	return TracerFunc(func(ev Event) { e.events = append(e.events, ev) })
}

func (e *fakeEnv) runUntil(stop float64) {
	for {
		idx := -1
		for i, t := range e.queue {
			if t.cancelled || t.at > stop+1e-9 {
				continue
			}
			if idx < 0 || t.at < e.queue[idx].at || (t.at == e.queue[idx].at && t.seq < e.queue[idx].seq) {
				idx = i
			}
		}
		if idx < 0 {
			break
		}
		t := e.queue[idx]
		e.queue = append(e.queue[:idx], e.queue[idx+1:]...)
		e.now = t.at
		t.fn()
	}
	e.now = stop
}

func (e *fakeEnv) take() []sentDatagram {
	out := e.sent
	e.sent = nil
	return out
}

func (e *fakeEnv) count(typ EventType) int {
	n := 0
	for _, ev := range e.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func newTestRunner(t *testing.T, idx int, pos geo.Vec3, opts Options) (*Runner, *fakeEnv) {
	t.Helper()
	n, err := node.NewNode(node.Options{Index: idx})
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	env := newFakeEnv(pos)
	r, err := NewRunner(n, env, opts)
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	return r, env
}

func kindOf(t *testing.T, payload []byte) proto.Kind {
	t.Helper()
	m, err := proto.ParsePayload(payload)
	if err != nil {
		t.Fatalf("parse sent payload: %v", err)
	}
	return m.Kind()
}

func encode(t *testing.T, k proto.Kind, f proto.Fields) []byte {
	t.Helper()
	m, err := proto.New(k, f)
	if err != nil {
		t.Fatalf("new message: %v", err)
	}
	b, err := proto.EncodeMessage(m)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return b
}
