package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"net/netip"

	"github.com/agnaldosb/flysafe-fdi/internal/geo"
)

// Multi-byte fields use the simulator host order.
var order = binary.LittleEndian

var (
	ErrBadMagic    = errors.New("bad magic")
	ErrTruncated   = errors.New("truncated tag")
	ErrOversized   = errors.New("oversized field")
	ErrTrailing    = errors.New("trailing bytes after tag")
	ErrUnknownKind = errors.New("unknown kind")
	ErrNotIPv4     = errors.New("digest address is not ipv4")
)

// Digest is one row of a neighbor list as carried on the wire.
type Digest struct {
	IP    netip.Addr
	Pos   geo.Vec3
	Hop   uint8
	State uint8
}

// Tag is the application header attached to every datagram.
type Tag struct {
	Kind      Kind
	SendTime  float64
	Position  geo.Vec3
	PublicKey []byte
	Neighbors []Digest

	// NNeighbors is filled by DecodeTag; EncodeTag always writes len(Neighbors).
	NNeighbors uint32
}

func (t Tag) EncodedLen() int {
	return HeaderSize + len(t.PublicKey) + len(t.Neighbors)*DigestSize
}

func EncodeTag(t Tag) ([]byte, error) {
	if len(t.PublicKey) > MaxPubKeySize {
		return nil, fmt.Errorf("%w: pubkey_len %d", ErrOversized, len(t.PublicKey))
	}
	if len(t.Neighbors) > MaxNeighbors {
		return nil, fmt.Errorf("%w: n_neighbors %d", ErrOversized, len(t.Neighbors))
	}
	b := make([]byte, t.EncodedLen())
	b[0] = Magic
	b[1] = byte(t.Kind)
	order.PutUint64(b[2:], math.Float64bits(t.SendTime))
	order.PutUint32(b[10:], uint32(len(t.Neighbors)))
	putVec(b[14:], t.Position)
	order.PutUint32(b[38:], uint32(len(t.PublicKey)))
	off := HeaderSize
	off += copy(b[off:], t.PublicKey)
	for _, d := range t.Neighbors {
		if !d.IP.Is4() {
			return nil, fmt.Errorf("%w: %s", ErrNotIPv4, d.IP)
		}
		ip := d.IP.As4()
		copy(b[off:], ip[:])
		putVec(b[off+4:], d.Pos)
		b[off+28] = d.Hop
		b[off+29] = d.State
		off += DigestSize
	}
	return b, nil
}

// DecodeTag parses a cleartext tag. A missing magic byte yields KindInvalid;
// oversized counts are clamped to zero and reported as ErrOversized.
func DecodeTag(b []byte) (Tag, error) {
	var t Tag
	if len(b) == 0 {
		t.Kind = KindInvalid
		return t, ErrTruncated
	}
	if b[0] != Magic {
		t.Kind = KindInvalid
		return t, ErrBadMagic
	}
	if len(b) < HeaderSize {
		t.Kind = KindInvalid
		return t, fmt.Errorf("%w: %d bytes", ErrTruncated, len(b))
	}
	t.Kind = Kind(b[1])
	t.SendTime = math.Float64frombits(order.Uint64(b[2:]))
	n := order.Uint32(b[10:])
	t.Position = getVec(b[14:])
	pubLen := order.Uint32(b[38:])
	rest := b[HeaderSize:]
	if pubLen > MaxPubKeySize || int(pubLen) > len(rest) {
		return t, fmt.Errorf("%w: pubkey_len %d", ErrOversized, pubLen)
	}
	if pubLen > 0 {
		t.PublicKey = append([]byte(nil), rest[:pubLen]...)
	}
	rest = rest[pubLen:]
	if n > MaxNeighbors || int(n)*DigestSize > len(rest) {
		t.PublicKey = nil
		return t, fmt.Errorf("%w: n_neighbors %d", ErrOversized, n)
	}
	if len(rest) != int(n)*DigestSize {
		return t, fmt.Errorf("%w: %d", ErrTrailing, len(rest)-int(n)*DigestSize)
	}
	t.NNeighbors = n
	if n > 0 {
		t.Neighbors = make([]Digest, n)
		for i := range t.Neighbors {
			row := rest[i*DigestSize:]
			t.Neighbors[i] = Digest{
				IP:    netip.AddrFrom4([4]byte{row[0], row[1], row[2], row[3]}),
				Pos:   getVec(row[4:]),
				Hop:   row[28],
				State: row[29],
			}
		}
	}
	if !t.Kind.Valid() {
		return t, fmt.Errorf("%w: %d", ErrUnknownKind, uint8(t.Kind))
	}
	return t, nil
}

// PositionOffset is where the position field starts inside an encoded tag.
const PositionOffset = 14

// RewritePosition overwrites the position field of an encoded tag in place.
func RewritePosition(b []byte, p geo.Vec3) bool {
	if len(b) < PositionOffset+24 {
		return false
	}
	putVec(b[PositionOffset:], p)
	return true
}

func putVec(b []byte, v geo.Vec3) {
	order.PutUint64(b[0:], math.Float64bits(v.X))
	order.PutUint64(b[8:], math.Float64bits(v.Y))
	order.PutUint64(b[16:], math.Float64bits(v.Z))
}

func getVec(b []byte) geo.Vec3 {
	return geo.Vec3{
		X: math.Float64frombits(order.Uint64(b[0:])),
		Y: math.Float64frombits(order.Uint64(b[8:])),
		Z: math.Float64frombits(order.Uint64(b[16:])),
	}
}
