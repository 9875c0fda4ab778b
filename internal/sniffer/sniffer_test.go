package sniffer

import (
	"errors"
	"math/rand"
	"net/netip"
	"testing"

	"github.com/agnaldosb/flysafe-fdi/internal/geo"
	"github.com/agnaldosb/flysafe-fdi/internal/phy"
	"github.com/agnaldosb/flysafe-fdi/internal/proto"
)

var area = geo.Box{MaxX: 1500, MaxY: 1500, MinZ: 91, MaxZ: 91}

func newSniffer(t *testing.T) *Sniffer {
	t.Helper()
	s, err := New(Options{Self: netip.MustParseAddr("192.168.1.9"), Area: area, Rand: rand.New(rand.NewSource(3))})
	if err != nil {
		t.Fatalf("new sniffer: %v", err)
	}
	return s
}

func helloFrame(t *testing.T, src, dst string) []byte {
	t.Helper()
	payload, err := proto.EncodeTag(proto.Tag{Kind: proto.KindHello, SendTime: 1, Position: geo.Vec3{X: 10, Y: 20, Z: 91}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	frame, err := phy.Build(netip.MustParseAddr(src), netip.MustParseAddr(dst), 1, payload)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return frame
}

func TestForgeRewritesPositionOnly(t *testing.T) {
	s := newSniffer(t)
	out, c, err := s.Forge(helloFrame(t, "192.168.1.1", "192.168.1.255"))
	if err != nil {
		t.Fatalf("forge: %v", err)
	}
	f, err := phy.Parse(out)
	if err != nil {
		t.Fatalf("parse forged: %v", err)
	}
	if f.Src.String() != "192.168.1.1" || f.Dst.String() != "192.168.1.255" {
		t.Fatalf("addressing changed: %s -> %s", f.Src, f.Dst)
	}
	tag, err := proto.DecodeTag(f.Payload)
	if err != nil {
		t.Fatalf("decode forged tag: %v", err)
	}
	if tag.Kind != proto.KindHello || tag.SendTime != 1 {
		t.Fatalf("non-position fields changed: %+v", tag)
	}
	if tag.Position != c.Forged || !area.Contains(tag.Position) {
		t.Fatalf("unexpected forged position %s", tag.Position)
	}
	if c.Original != (geo.Vec3{X: 10, Y: 20, Z: 91}) {
		t.Fatalf("capture lost the original position: %s", c.Original)
	}
}

func TestForgeSkipsOwnAndSeenFrames(t *testing.T) {
	s := newSniffer(t)
	if _, _, err := s.Forge(helloFrame(t, "192.168.1.9", "192.168.1.255")); !errors.Is(err, ErrOwnFrame) {
		t.Fatalf("expected own frame, got %v", err)
	}
	frame := helloFrame(t, "192.168.1.1", "192.168.1.2")
	out, _, err := s.Forge(frame)
	if err != nil {
		t.Fatalf("forge: %v", err)
	}
	if _, _, err := s.Forge(frame); !errors.Is(err, ErrSeen) {
		t.Fatalf("expected seen, got %v", err)
	}
	if _, _, err := s.Forge(out); !errors.Is(err, ErrSeen) {
		t.Fatalf("forgery forged twice: %v", err)
	}
}

func TestForgeSealedBlindly(t *testing.T) {
	s := newSniffer(t)
	sealed := proto.EncodeSealed(proto.Sealed{Ciphertext: make([]byte, 80)})
	frame, _ := phy.Build(netip.MustParseAddr("192.168.1.1"), netip.MustParseAddr("192.168.1.2"), 0, sealed)
	out, c, err := s.Forge(frame)
	if err != nil {
		t.Fatalf("forge: %v", err)
	}
	if !c.Sealed {
		t.Fatalf("capture not marked sealed")
	}
	f, _ := phy.Parse(out)
	if !proto.IsSealed(f.Payload) || string(f.Payload) == string(sealed) {
		t.Fatalf("sealed payload not rewritten in place")
	}
}

func TestForgeRejectsForeignPayload(t *testing.T) {
	s := newSniffer(t)
	frame, _ := phy.Build(netip.MustParseAddr("192.168.1.1"), netip.MustParseAddr("192.168.1.2"), 0, []byte("not a tag"))
	if _, _, err := s.Forge(frame); !errors.Is(err, ErrNotTag) {
		t.Fatalf("expected not-a-tag, got %v", err)
	}
}
