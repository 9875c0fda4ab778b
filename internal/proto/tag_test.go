package proto

import (
	"bytes"
	"errors"
	"net/netip"
	"reflect"
	"testing"

	"github.com/agnaldosb/flysafe-fdi/internal/geo"
)

func sampleTag() Tag {
	return Tag{
		Kind:      KindTrap,
		SendTime:  12.5,
		Position:  geo.Vec3{X: 10, Y: 20.25, Z: 91},
		PublicKey: []byte("-----BEGIN PUBLIC KEY-----\nabc\n-----END PUBLIC KEY-----\n"),
		Neighbors: []Digest{
			{IP: netip.MustParseAddr("192.168.1.2"), Pos: geo.Vec3{X: 1, Y: 2, Z: 3}, Hop: 1},
			{IP: netip.MustParseAddr("192.168.1.7"), Pos: geo.Vec3{X: 4, Y: 5, Z: 6}, Hop: 2, State: 1},
		},
	}
}

func TestTagRoundTrip(t *testing.T) {
	in := sampleTag()
	b, err := EncodeTag(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(b) != HeaderSize+len(in.PublicKey)+2*DigestSize {
		t.Fatalf("unexpected length %d", len(b))
	}
	out, err := DecodeTag(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	in.NNeighbors = 2
	if !reflect.DeepEqual(in, out) {
		t.Fatalf("round trip mismatch:\n in=%+v\nout=%+v", in, out)
	}
}

func TestTagLayoutOffsets(t *testing.T) {
	b, err := EncodeTag(Tag{Kind: KindHello, SendTime: 1, Position: geo.Vec3{X: 2}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if b[0] != 0xAB || b[1] != 0 {
		t.Fatalf("unexpected magic/kind %x %x", b[0], b[1])
	}
	if len(b) != 42 {
		t.Fatalf("expected bare header of 42 bytes, got %d", len(b))
	}
	// send_time 1.0 little-endian: 00 00 00 00 00 00 f0 3f
	if b[8] != 0xf0 || b[9] != 0x3f {
		t.Fatalf("unexpected send_time bytes % x", b[2:10])
	}
}

func TestDecodeBadMagicSentinel(t *testing.T) {
	b, _ := EncodeTag(sampleTag())
	b[0] = 0x00
	tag, err := DecodeTag(b)
	if !errors.Is(err, ErrBadMagic) {
		t.Fatalf("expected bad magic, got %v", err)
	}
	if tag.Kind != KindInvalid {
		t.Fatalf("expected sentinel kind 255, got %d", tag.Kind)
	}
}

func TestDecodeOversizedClamps(t *testing.T) {
	b, _ := EncodeTag(sampleTag())
	order.PutUint32(b[10:], 1<<20)
	tag, err := DecodeTag(b)
	if !errors.Is(err, ErrOversized) {
		t.Fatalf("expected oversized, got %v", err)
	}
	if tag.NNeighbors != 0 || tag.Neighbors != nil || tag.PublicKey != nil {
		t.Fatalf("expected clamped tag, got %+v", tag)
	}

	b, _ = EncodeTag(sampleTag())
	order.PutUint32(b[38:], MaxPubKeySize+1)
	tag, err = DecodeTag(b)
	if !errors.Is(err, ErrOversized) {
		t.Fatalf("expected oversized pubkey, got %v", err)
	}
	if tag.PublicKey != nil || tag.NNeighbors != 0 {
		t.Fatalf("expected clamped pubkey, got %+v", tag)
	}
}

func TestDecodeTrailingBytes(t *testing.T) {
	b, _ := EncodeTag(sampleTag())
	b = append(b, 1, 2, 3)
	if _, err := DecodeTag(b); !errors.Is(err, ErrTrailing) {
		t.Fatalf("expected trailing error, got %v", err)
	}
}

func TestDecodeUnknownKind(t *testing.T) {
	b, _ := EncodeTag(Tag{Kind: KindHello})
	b[1] = 9
	if _, err := DecodeTag(b); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected unknown kind, got %v", err)
	}
}

func TestEncodeRejectsIPv6Digest(t *testing.T) {
	tag := Tag{Neighbors: []Digest{{IP: netip.MustParseAddr("::1")}}}
	if _, err := EncodeTag(tag); !errors.Is(err, ErrNotIPv4) {
		t.Fatalf("expected ipv4 error, got %v", err)
	}
}

func TestRewritePosition(t *testing.T) {
	b, _ := EncodeTag(sampleTag())
	p := geo.Vec3{X: 1000, Y: 1000, Z: 91}
	if !RewritePosition(b, p) {
		t.Fatalf("rewrite failed")
	}
	tag, err := DecodeTag(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if tag.Position != p || tag.SendTime != 12.5 {
		t.Fatalf("unexpected tag after rewrite: %+v", tag)
	}
}

func TestParsePayloadVariants(t *testing.T) {
	b, _ := EncodeTag(sampleTag())
	m, err := ParsePayload(b)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	tr, ok := m.(Trap)
	if !ok {
		t.Fatalf("expected Trap, got %T", m)
	}
	if tr.SendTime != 12.5 {
		t.Fatalf("unexpected send time %v", tr.SendTime)
	}

	sealed := EncodeSealed(Sealed{Nonce: [NonceSize]byte{1, 2, 3}, Ciphertext: []byte{9, 9}})
	m, err = ParsePayload(sealed)
	if err != nil {
		t.Fatalf("parse sealed: %v", err)
	}
	st, ok := m.(SealedTrap)
	if !ok || st.Nonce[0] != 1 || !bytes.Equal(st.Ciphertext, []byte{9, 9}) {
		t.Fatalf("unexpected sealed parse %#v", m)
	}
	if m.Kind() != KindTrap {
		t.Fatalf("expected sealed kind trap")
	}
	if _, err := ParsePayload([]byte("Trap!")); !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected truncated sealed trap, got %v", err)
	}
}

func TestEncodeMessageMatchesTag(t *testing.T) {
	in := sampleTag()
	m, err := FromTag(in)
	if err != nil {
		t.Fatalf("from tag: %v", err)
	}
	got, err := EncodeMessage(m)
	if err != nil {
		t.Fatalf("encode message: %v", err)
	}
	want, _ := EncodeTag(in)
	if !bytes.Equal(got, want) {
		t.Fatalf("encoded message differs from tag encoding")
	}
	if _, err := ToTag(SealedTrap{}); !errors.Is(err, ErrSealedMessage) {
		t.Fatalf("expected sealed error, got %v", err)
	}
}
