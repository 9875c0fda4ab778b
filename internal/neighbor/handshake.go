package neighbor

import (
	"net/netip"
	"sync"
)

// HandshakeSet holds peers with a derived key that have not yet sent an
// authenticated Trap. Entries age like table rows and are swept at zero.
type HandshakeSet struct {
	mu     sync.Mutex
	budget uint8
	peers  map[netip.Addr]uint8
}

// NewHandshakeSet returns a set whose entries survive budget beacon rounds
// without a fresh discovery tag. Zero means DefaultMaxQuality.
func NewHandshakeSet(budget uint8) *HandshakeSet {
	if budget == 0 {
		budget = DefaultMaxQuality
	}
	return &HandshakeSet{budget: budget, peers: make(map[netip.Addr]uint8)}
}

// Add records addr with a full budget and reports whether it is new.
// Re-adding only restores the budget.
func (h *HandshakeSet) Add(addr netip.Addr) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.peers[addr]
	h.peers[addr] = h.budget
	return !ok
}

func (h *HandshakeSet) Has(addr netip.Addr) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.peers[addr]
	return ok
}

// Take removes addr and reports whether it was present.
func (h *HandshakeSet) Take(addr netip.Addr) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.peers[addr]; !ok {
		return false
	}
	delete(h.peers, addr)
	return true
}

// AgeAll spends one round of every entry's budget.
func (h *HandshakeSet) AgeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for addr, q := range h.peers {
		if q > 0 {
			h.peers[addr] = q - 1
		}
	}
}

// Sweep drops entries with no budget left and returns them.
func (h *HandshakeSet) Sweep() []netip.Addr {
	h.mu.Lock()
	defer h.mu.Unlock()
	var removed []netip.Addr
	for addr, q := range h.peers {
		if q == 0 {
			delete(h.peers, addr)
			removed = append(removed, addr)
		}
	}
	sortAddrs(removed)
	return removed
}

func (h *HandshakeSet) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers)
}

func (h *HandshakeSet) List() []netip.Addr {
	h.mu.Lock()
	out := make([]netip.Addr, 0, len(h.peers))
	for a := range h.peers {
		out = append(out, a)
	}
	h.mu.Unlock()
	sortAddrs(out)
	return out
}

func (h *HandshakeSet) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.peers = make(map[netip.Addr]uint8)
}
