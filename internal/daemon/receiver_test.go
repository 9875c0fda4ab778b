package daemon

import (
	"bytes"
	"errors"
	"testing"

	"github.com/agnaldosb/flysafe-fdi/internal/crypto"
	"github.com/agnaldosb/flysafe-fdi/internal/geo"
	"github.com/agnaldosb/flysafe-fdi/internal/neighbor"
	"github.com/agnaldosb/flysafe-fdi/internal/node"
	"github.com/agnaldosb/flysafe-fdi/internal/proto"
)

func deliver(t *testing.T, to *Runner, from *fakeEnv) []Outcome {
	t.Helper()
	var out []Outcome
	for _, s := range from.take() {
		out = append(out, to.Receive(s.Datagram))
	}
	return out
}

func TestDefendedHandshakeAndPromotion(t *testing.T) {
	opts := Options{Defense: true, Mitigation: true}
	a, envA := newTestRunner(t, 0, geo.Vec3{}, opts)
	b, envB := newTestRunner(t, 1, geo.Vec3{X: 50}, opts)
	envA.now, envB.now = 1, 1

	a.Beacon()
	if o := deliver(t, b, envA); len(o) != 1 || !o[0].Accepted {
		t.Fatalf("hello not accepted: %v", o)
	}
	if !b.Self.Handshakes.Has(a.Self.Addr) || b.Self.Neighbors.Has(a.Self.Addr) {
		t.Fatalf("hello must put sender in the handshake set only")
	}
	if o := deliver(t, a, envB); len(o) != 1 || !o[0].Accepted || o[0].Kind != proto.KindID {
		t.Fatalf("id not accepted: %v", o)
	}
	if !a.Self.Handshakes.Has(b.Self.Addr) {
		t.Fatalf("id must put sender in the handshake set")
	}

	envA.now, envB.now = 1.2, 1.2
	b.Beacon()
	sent := envB.sent
	if len(sent) != 1 || !proto.IsSealed(sent[0].Payload) {
		t.Fatalf("expected one sealed trap, got %d", len(sent))
	}
	if o := deliver(t, a, envB); !o[0].Accepted {
		t.Fatalf("trap rejected: %v", o[0])
	}
	row, ok := a.Self.Neighbors.Get(b.Self.Addr)
	if !ok || row.Hop != 1 || row.Quality != neighbor.DefaultMaxQuality || row.Distance != 50 {
		t.Fatalf("promotion wrong: %+v", row)
	}
	if a.Self.Handshakes.Has(b.Self.Addr) {
		t.Fatalf("neighbor and handshake set must be disjoint")
	}
	if a.Metrics.Snapshot().Protocol.Promotions != 1 {
		t.Fatalf("promotion not counted")
	}
}

func TestHandshakeForcing(t *testing.T) {
	opts := Options{Defense: true, Mitigation: true}
	a, envA := newTestRunner(t, 0, geo.Vec3{}, opts)
	b, envB := newTestRunner(t, 1, geo.Vec3{X: 30}, opts)
	if _, err := a.Self.Learn(b.Self.Addr, b.Self.Keys.PublicPEM()); err != nil {
		t.Fatalf("learn: %v", err)
	}
	if err := a.sendTrap(b.Self.Addr, a.trapFields(geo.Vec3{})); err != nil {
		t.Fatalf("send trap: %v", err)
	}
	o := deliver(t, b, envA)
	if o[0].Accepted || o[0].Reason != ReasonNoKey || !errors.Is(o[0].Err, crypto.ErrNoKey) {
		t.Fatalf("expected no_key drop, got %v", o[0])
	}
	sent := envB.take()
	if len(sent) != 1 || sent[0].Dst != a.Self.Addr || kindOf(t, sent[0].Payload) != proto.KindHello {
		t.Fatalf("expected hello back to the trap sender")
	}
	if b.Self.Neighbors.Has(a.Self.Addr) {
		t.Fatalf("unauthenticated trap changed the table")
	}
}

func TestDefendedRekeyAfterRestart(t *testing.T) {
	opts := Options{Defense: true, Mitigation: true}
	a, envA := newTestRunner(t, 0, geo.Vec3{}, opts)
	b, envB := newTestRunner(t, 1, geo.Vec3{X: 50}, opts)
	envA.now, envB.now = 1, 1
	a.Beacon()
	deliver(t, b, envA)
	deliver(t, a, envB)
	envA.now, envB.now = 1.2, 1.2
	b.Beacon()
	deliver(t, a, envB)
	if row, ok := a.Self.Neighbors.Get(b.Self.Addr); !ok || row.Hop != 1 {
		t.Fatalf("expected b at hop 1 before restart")
	}
	oldKey := a.Self.Sessions.Key(b.Self.Addr)

	// b comes back with the same address and a fresh key pair.
	b2, envB2 := newTestRunner(t, 1, geo.Vec3{X: 50}, opts)
	if _, err := b2.Self.Learn(a.Self.Addr, a.Self.Keys.PublicPEM()); err != nil {
		t.Fatalf("learn: %v", err)
	}
	envA.now, envB2.now = 2, 2
	b2.Beacon()
	if o := deliver(t, a, envB2); len(o) != 1 || !o[0].Accepted {
		t.Fatalf("hello from restarted peer rejected: %v", o)
	}
	envA.take()
	if bytes.Equal(oldKey, a.Self.Sessions.Key(b.Self.Addr)) {
		t.Fatalf("session key not replaced")
	}

	envA.now, envB2.now = 2.2, 2.2
	if err := b2.sendTrap(a.Self.Addr, b2.trapFields(geo.Vec3{X: 50})); err != nil {
		t.Fatalf("send trap: %v", err)
	}
	if o := deliver(t, a, envB2); len(o) != 1 || !o[0].Accepted {
		t.Fatalf("trap under the new key rejected: %v", o)
	}
	if row, _ := a.Self.Neighbors.Get(b.Self.Addr); row.Hop != 1 || row.Quality != neighbor.DefaultMaxQuality {
		t.Fatalf("row not refreshed: %+v", row)
	}
}

func TestTamperedTrapFailsAuth(t *testing.T) {
	opts := Options{Defense: true, Mitigation: true}
	a, envA := newTestRunner(t, 0, geo.Vec3{}, opts)
	b, _ := newTestRunner(t, 1, geo.Vec3{X: 30}, opts)
	_, _ = a.Self.Learn(b.Self.Addr, b.Self.Keys.PublicPEM())
	_, _ = b.Self.Learn(a.Self.Addr, a.Self.Keys.PublicPEM())
	_ = a.sendTrap(b.Self.Addr, a.trapFields(geo.Vec3{}))
	d := envA.take()[0].Datagram
	proto.RewritePosition(d.Payload, geo.Vec3{X: 999})
	o := b.Receive(d)
	if o.Reason != ReasonAuth {
		t.Fatalf("expected auth drop, got %v", o)
	}
	if b.Drops(ReasonAuth) != 1 {
		t.Fatalf("auth drop not counted")
	}
}

func TestCleartextTrapUnderDefense(t *testing.T) {
	b, _ := newTestRunner(t, 1, geo.Vec3{}, Options{Defense: true})
	payload := encode(t, proto.KindTrap, proto.Fields{SendTime: 1, Position: geo.Vec3{X: 10}})
	o := b.Receive(Datagram{Src: node.AddrFor(0), Dst: b.Self.Addr, Payload: payload})
	if o.Reason != ReasonAuth {
		t.Fatalf("expected auth drop, got %v", o)
	}
}

func TestSpoofedDiscoveryUnderDefense(t *testing.T) {
	// The spoof check does not depend on mitigation.
	b, _ := newTestRunner(t, 1, geo.Vec3{}, Options{Defense: true})
	payload := encode(t, proto.KindHello, proto.Fields{SendTime: 1, Position: geo.Vec3{X: 10}})
	o := b.Receive(Datagram{Src: node.AddrFor(0), Dst: node.Broadcast, Payload: payload})
	if o.Reason != ReasonSpoofDiscovery {
		t.Fatalf("expected spoof drop, got %v", o)
	}
	if b.Self.Handshakes.Len() != 0 {
		t.Fatalf("spoofed hello reached the handshake set")
	}
	if snap := b.Metrics.Snapshot(); snap.Protocol.Anomalies != 1 || len(snap.Recent) != 1 {
		t.Fatalf("anomaly not recorded: %+v", snap.Protocol)
	}
}

func undefendedPair(t *testing.T, opts Options) (*Runner, func(k proto.Kind, at float64, pos geo.Vec3) Outcome) {
	t.Helper()
	b, _ := newTestRunner(t, 1, geo.Vec3{}, opts)
	src := node.AddrFor(0)
	send := func(k proto.Kind, at float64, pos geo.Vec3) Outcome {
		payload := encode(t, k, proto.Fields{SendTime: at, Position: pos})
		return b.Receive(Datagram{Src: src, Dst: b.Self.Addr, Payload: payload})
	}
	return b, send
}

func TestTeleportRejected(t *testing.T) {
	b, send := undefendedPair(t, Options{Mitigation: true})
	if o := send(proto.KindTrap, 1.0, geo.Vec3{X: 10}); !o.Accepted {
		t.Fatalf("first trap rejected: %v", o)
	}
	if o := send(proto.KindTrap, 1.2, geo.Vec3{X: 100}); o.Reason != ReasonTeleport {
		t.Fatalf("expected teleport, got %v", o)
	}
	row, _ := b.Self.Neighbors.Get(node.AddrFor(0))
	if row.Position.X != 10 || row.InfoTime != 1.0 {
		t.Fatalf("rejected frame changed the row: %+v", row)
	}
	if o := send(proto.KindTrap, 2.0, geo.Vec3{X: 40}); !o.Accepted {
		t.Fatalf("plausible move rejected: %v", o)
	}
}

func TestReplayAndConflict(t *testing.T) {
	_, send := undefendedPair(t, Options{Mitigation: true})
	if o := send(proto.KindTrap, 3.0, geo.Vec3{X: 10}); !o.Accepted {
		t.Fatalf("first trap rejected: %v", o)
	}
	if o := send(proto.KindTrap, 3.0, geo.Vec3{X: 10}); o.Reason != ReasonDuplicate {
		t.Fatalf("expected duplicate, got %v", o)
	}
	if o := send(proto.KindTrap, 3.0, geo.Vec3{X: 11}); o.Reason != ReasonConflict {
		t.Fatalf("expected conflict, got %v", o)
	}
	if o := send(proto.KindTrap, 2.0, geo.Vec3{X: 10}); o.Reason != ReasonOutdated {
		t.Fatalf("expected outdated, got %v", o)
	}
}

func TestStaleWithoutMitigation(t *testing.T) {
	_, send := undefendedPair(t, Options{})
	_ = send(proto.KindTrap, 3.0, geo.Vec3{X: 10})
	if o := send(proto.KindTrap, 3.0, geo.Vec3{X: 10}); o.Reason != ReasonStale {
		t.Fatalf("expected stale, got %v", o)
	}
}

func TestCoverageRejected(t *testing.T) {
	_, send := undefendedPair(t, Options{Mitigation: true})
	if o := send(proto.KindHello, 1, geo.Vec3{X: 115}); !o.Accepted {
		t.Fatalf("boundary distance rejected: %v", o)
	}
	if o := send(proto.KindTrap, 2, geo.Vec3{X: 116}); o.Reason != ReasonCoverage {
		t.Fatalf("expected coverage, got %v", o)
	}
}

func TestUndefendedHelloRegistersAndReplies(t *testing.T) {
	b, env := newTestRunner(t, 1, geo.Vec3{}, Options{Mitigation: true})
	src := node.AddrFor(0)
	payload := encode(t, proto.KindHello, proto.Fields{
		SendTime:  1,
		Position:  geo.Vec3{X: 30, Y: 40},
		Neighbors: []proto.Digest{{IP: node.AddrFor(7), Pos: geo.Vec3{X: 60, Y: 80}, Hop: 1}},
	})
	if o := b.Receive(Datagram{Src: src, Dst: node.Broadcast, Payload: payload}); !o.Accepted {
		t.Fatalf("hello rejected: %v", o)
	}
	row, ok := b.Self.Neighbors.Get(src)
	if !ok || row.Hop != 1 || row.Distance != 50 || row.InfoTime != 1 {
		t.Fatalf("sender not registered: %+v", row)
	}
	second, ok := b.Self.Neighbors.Get(node.AddrFor(7))
	if !ok || second.Hop != 2 || second.Quality != 1 {
		t.Fatalf("digest not merged: %+v", second)
	}
	sent := env.take()
	if len(sent) != 1 || sent[0].Dst != src || kindOf(t, sent[0].Payload) != proto.KindID {
		t.Fatalf("expected id reply")
	}
}

func TestFilters(t *testing.T) {
	b, env := newTestRunner(t, 1, geo.Vec3{}, Options{})
	payload := encode(t, proto.KindHello, proto.Fields{SendTime: 1})
	if o := b.Receive(Datagram{Src: b.Self.Addr, Dst: node.Broadcast, Payload: payload}); o.Reason != ReasonSelf {
		t.Fatalf("expected self drop, got %v", o)
	}
	if o := b.Receive(Datagram{Src: node.AddrFor(0), Dst: node.AddrFor(9), Payload: payload}); o.Reason != ReasonNotForUs {
		t.Fatalf("expected not_for_us drop, got %v", o)
	}
	bad := append([]byte(nil), payload...)
	bad[0] = 0x00
	if o := b.Receive(Datagram{Src: node.AddrFor(0), Dst: node.Broadcast, Payload: bad}); o.Reason != ReasonParse {
		t.Fatalf("expected parse drop, got %v", o)
	}
	if b.Drops(ReasonParse) != 0 {
		t.Fatalf("parse failures must not be counted")
	}
	if len(env.sent) != 0 {
		t.Fatalf("filtered frames produced traffic")
	}
	b.Stop()
	if o := b.Receive(Datagram{Src: node.AddrFor(0), Dst: node.Broadcast, Payload: payload}); o.Reason != ReasonStopped {
		t.Fatalf("expected stopped drop, got %v", o)
	}
}

func TestSuspicionKindsDisabledUnderDefense(t *testing.T) {
	b, _ := newTestRunner(t, 1, geo.Vec3{}, Options{Defense: true})
	payload := encode(t, proto.KindBlocked, proto.Fields{
		SendTime:  1,
		Neighbors: []proto.Digest{{IP: node.AddrFor(5), Hop: 1, State: 1}},
	})
	if o := b.Receive(Datagram{Src: node.AddrFor(0), Dst: b.Self.Addr, Payload: payload}); o.Reason != ReasonDisabled {
		t.Fatalf("expected disabled drop, got %v", o)
	}
	if b.Self.Suspicions.Len() != 0 {
		t.Fatalf("suspicion table touched under defense")
	}
}

func TestAdversaryIsPassiveForwarder(t *testing.T) {
	n, err := node.NewNode(node.Options{Index: 2, Role: node.Adversary})
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	envS := newFakeEnv(geo.Vec3{X: 30})
	s, err := NewRunner(n, envS, Options{})
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	a, envA := newTestRunner(t, 0, geo.Vec3{}, Options{})
	envA.now, envS.now = 1, 1

	a.Beacon()
	outs := deliver(t, s, envA)
	if len(outs) != 1 {
		t.Fatalf("expected one hello from a, got %d", len(outs))
	}
	for _, o := range outs {
		if o.Accepted || o.Reason != ReasonPassive {
			t.Fatalf("adversary processed a tag: %v", o)
		}
	}
	if s.Self.Neighbors.Len() != 0 || len(envS.sent) != 0 {
		t.Fatalf("adversary registered or replied: rows=%d sent=%d", s.Self.Neighbors.Len(), len(envS.sent))
	}

	_ = s.Self.Neighbors.Upsert(neighbor.Row{Addr: node.AddrFor(9), Position: geo.Vec3{X: 40}, Distance: 10, Quality: 3, Hop: 1})
	s.Beacon()
	sent := envS.take()
	if len(sent) != 1 || kindOf(t, sent[0].Payload) != proto.KindTrap {
		t.Fatalf("expected one trap, got %d", len(sent))
	}
	m, err := proto.ParsePayload(sent[0].Payload)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if f, _ := proto.FieldsOf(m); len(f.Neighbors) != 0 {
		t.Fatalf("adversary advertised a digest: %v", f.Neighbors)
	}
}
