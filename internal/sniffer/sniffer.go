// Package sniffer is the adversary's promiscuous hook. It rewrites the
// position of overheard tags and hands back a frame to re-inject with the
// original addressing.
package sniffer

import (
	"errors"
	"fmt"
	"math/rand"
	"net/netip"

	lru "github.com/hashicorp/golang-lru"

	"github.com/agnaldosb/flysafe-fdi/internal/crypto"
	"github.com/agnaldosb/flysafe-fdi/internal/geo"
	"github.com/agnaldosb/flysafe-fdi/internal/phy"
	"github.com/agnaldosb/flysafe-fdi/internal/proto"
)

const DefaultCacheSize = 4096

var (
	ErrOwnFrame = errors.New("frame from or to self")
	ErrSeen     = errors.New("frame already handled")
	ErrNotTag   = errors.New("payload is not a flysafe tag")
)

// Capture describes one forged frame.
type Capture struct {
	Src      netip.Addr
	Dst      netip.Addr
	Kind     proto.Kind
	Sealed   bool
	Original geo.Vec3
	Forged   geo.Vec3
}

type Options struct {
	Self      netip.Addr
	Area      geo.Box
	Rand      *rand.Rand
	CacheSize int
}

type Sniffer struct {
	self netip.Addr
	area geo.Box
	rng  *rand.Rand
	seen *lru.Cache
}

func New(opts Options) (*Sniffer, error) {
	if !opts.Self.IsValid() {
		return nil, errors.New("sniffer needs its node address")
	}
	size := opts.CacheSize
	if size <= 0 {
		size = DefaultCacheSize
	}
	seen, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	rng := opts.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	return &Sniffer{self: opts.Self, area: opts.Area, rng: rng, seen: seen}, nil
}

func frameKey(frame []byte) string {
	return string(crypto.SHA3_256(frame))
}

// Forge rewrites the position carried by frame. Sealed traps are rewritten
// blindly at the position offset, which only corrupts the ciphertext.
func (s *Sniffer) Forge(frame []byte) ([]byte, Capture, error) {
	key := frameKey(frame)
	if s.seen.Contains(key) {
		return nil, Capture{}, ErrSeen
	}
	f, err := phy.Parse(frame)
	if err != nil {
		return nil, Capture{}, err
	}
	if f.Src == s.self || f.Dst == s.self {
		return nil, Capture{}, ErrOwnFrame
	}
	s.seen.Add(key, struct{}{})

	c := Capture{Src: f.Src, Dst: f.Dst, Kind: proto.KindTrap}
	payload := append([]byte(nil), f.Payload...)
	if proto.IsSealed(payload) {
		c.Sealed = true
	} else {
		tag, err := proto.DecodeTag(payload)
		if err != nil {
			return nil, Capture{}, fmt.Errorf("%w: %v", ErrNotTag, err)
		}
		if !tag.Kind.Valid() {
			return nil, Capture{}, fmt.Errorf("%w: kind %d", ErrNotTag, uint8(tag.Kind))
		}
		c.Kind = tag.Kind
		c.Original = tag.Position
	}
	c.Forged = s.area.Uniform(s.rng.Float64(), s.rng.Float64(), s.rng.Float64())
	if !proto.RewritePosition(payload, c.Forged) {
		return nil, Capture{}, fmt.Errorf("%w: %d bytes", ErrNotTag, len(payload))
	}
	f.Payload = payload
	out, err := phy.BuildFrame(f)
	if err != nil {
		return nil, Capture{}, err
	}
	// Our own forgery must not be forged again when it is overheard.
	s.seen.Add(frameKey(out), struct{}{})
	return out, c, nil
}

func (s *Sniffer) Seen() int { return s.seen.Len() }
