package node

import (
	"errors"
	"fmt"
	"io"
	"net/netip"

	"github.com/agnaldosb/flysafe-fdi/internal/crypto"
	"github.com/agnaldosb/flysafe-fdi/internal/geo"
	"github.com/agnaldosb/flysafe-fdi/internal/neighbor"
)

type Role uint8

const (
	Honest Role = iota
	Adversary
)

func (r Role) String() string {
	if r == Adversary {
		return "adversary"
	}
	return "honest"
}

var (
	// Subnet is the /24 every simulated node lives in.
	Subnet    = netip.MustParsePrefix("192.168.1.0/24")
	Broadcast = netip.AddrFrom4([4]byte{192, 168, 1, 255})
)

// AddrFor returns the address of the node with arena index i.
func AddrFor(i int) netip.Addr {
	if i < 0 || i > 253 {
		return netip.Addr{}
	}
	return netip.AddrFrom4([4]byte{192, 168, 1, byte(i + 1)})
}

// IndexOf is the inverse of AddrFor.
func IndexOf(a netip.Addr) (int, bool) {
	if !a.Is4() || !Subnet.Contains(a) {
		return 0, false
	}
	b := a.As4()
	if b[3] == 0 || b[3] == 255 {
		return 0, false
	}
	return int(b[3]) - 1, true
}

// Node is the protocol state owned by one swarm member.
type Node struct {
	Index      int
	Addr       netip.Addr
	Role       Role
	Keys       *crypto.KeyPair
	Neighbors  *neighbor.Table
	Handshakes *neighbor.HandshakeSet
	Suspicions *neighbor.SuspicionTable
	Sessions   *SessionStore

	lastPos    geo.Vec3
	hasLastPos bool
}

type Options struct {
	Index          int
	Addr           netip.Addr
	Role           Role
	Entropy        io.Reader
	MaxQuality     uint8
	MaxHop         uint8
	BlockThreshold int
}

var ErrNoAddr = errors.New("node address required")

func NewNode(opts Options) (*Node, error) {
	addr := opts.Addr
	if !addr.IsValid() {
		addr = AddrFor(opts.Index)
	}
	if !addr.Is4() {
		return nil, fmt.Errorf("%w: index %d", ErrNoAddr, opts.Index)
	}
	keys, err := crypto.GenerateKeyPair(opts.Entropy)
	if err != nil {
		return nil, fmt.Errorf("node %s keys: %w", addr, err)
	}
	return &Node{
		Index: opts.Index,
		Addr:  addr,
		Role:  opts.Role,
		Keys:  keys,
		Neighbors: neighbor.NewTable(neighbor.Options{
			MaxQuality: opts.MaxQuality,
			MaxHop:     opts.MaxHop,
		}),
		Handshakes: neighbor.NewHandshakeSet(opts.MaxQuality),
		Suspicions: neighbor.NewSuspicionTable(opts.BlockThreshold),
		Sessions:   NewSessionStore(),
	}, nil
}

func (n *Node) IsAdversary() bool { return n.Role == Adversary }

// Moved records p and reports whether it differs from the last recorded
// position. The first call always reports movement.
func (n *Node) Moved(p geo.Vec3) bool {
	if n.hasLastPos && n.lastPos == p {
		return false
	}
	n.lastPos = p
	n.hasLastPos = true
	return true
}

func (n *Node) LastPosition() (geo.Vec3, bool) {
	return n.lastPos, n.hasLastPos
}

// Learn derives and stores the shared key for peer from its advertised PEM.
func (n *Node) Learn(peer netip.Addr, peerPEM []byte) (bool, error) {
	return n.Sessions.Learn(peer, peerPEM, n.Keys.SharedKey)
}

// Shutdown wipes key material.
func (n *Node) Shutdown() {
	n.Sessions.Clear()
	n.Keys.Destroy()
}
