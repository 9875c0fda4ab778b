package neighbor

import (
	"net/netip"
	"sort"
	"sync"
)

// Status of a Suspicion Table entry.
type Status uint8

const (
	StatusSuspect Status = 1
	StatusBlocked Status = 2
)

func (s Status) String() string {
	switch s {
	case StatusSuspect:
		return "suspect"
	case StatusBlocked:
		return "blocked"
	default:
		return "unknown"
	}
}

const DefaultBlockThreshold = 3

// Suspicion is one entry of the legacy suspicion protocol.
type Suspicion struct {
	Addr       netip.Addr
	Status     Status
	Recurrence int
	Notifiers  []netip.Addr
}

// SuspicionTable tracks peers reported as lying about their location.
type SuspicionTable struct {
	mu        sync.Mutex
	threshold int
	entries   map[netip.Addr]*Suspicion
}

func NewSuspicionTable(threshold int) *SuspicionTable {
	if threshold <= 0 {
		threshold = DefaultBlockThreshold
	}
	return &SuspicionTable{threshold: threshold, entries: make(map[netip.Addr]*Suspicion)}
}

func (s *SuspicionTable) Threshold() int { return s.threshold }

// Register adds addr as suspect with recurrence 1. It is a no-op when present.
func (s *SuspicionTable) Register(addr, notifier netip.Addr) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[addr]; ok {
		return false
	}
	s.entries[addr] = &Suspicion{
		Addr:       addr,
		Status:     StatusSuspect,
		Recurrence: 1,
		Notifiers:  []netip.Addr{notifier},
	}
	return true
}

func (s *SuspicionTable) Get(addr netip.Addr) (Suspicion, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[addr]
	if !ok {
		return Suspicion{}, false
	}
	out := *e
	out.Notifiers = append([]netip.Addr(nil), e.Notifiers...)
	return out, true
}

func (s *SuspicionTable) Has(addr netip.Addr) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[addr]
	return ok
}

func (s *SuspicionTable) IsBlocked(addr netip.Addr) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[addr]
	return ok && e.Status == StatusBlocked
}

// Raise increments the recurrence of a suspect entry on behalf of notifier
// and reports the new value. The value never exceeds the block threshold.
func (s *SuspicionTable) Raise(addr, notifier netip.Addr) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[addr]
	if !ok || e.Status == StatusBlocked {
		return 0, false
	}
	if e.Recurrence < s.threshold {
		e.Recurrence++
	}
	e.Notifiers = append(e.Notifiers, notifier)
	return e.Recurrence, true
}

// Lower decrements the recurrence only when notifier previously raised the
// entry; one occurrence of notifier is consumed.
func (s *SuspicionTable) Lower(addr, notifier netip.Addr) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[addr]
	if !ok || e.Status == StatusBlocked {
		return 0, false
	}
	idx := -1
	for i, n := range e.Notifiers {
		if n == notifier {
			idx = i
			break
		}
	}
	if idx < 0 {
		return e.Recurrence, false
	}
	e.Notifiers = append(e.Notifiers[:idx], e.Notifiers[idx+1:]...)
	if e.Recurrence > 0 {
		e.Recurrence--
	}
	return e.Recurrence, true
}

// Block marks addr blocked, creating the entry if needed.
func (s *SuspicionTable) Block(addr netip.Addr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[addr]
	if !ok {
		e = &Suspicion{Addr: addr}
		s.entries[addr] = e
	}
	e.Status = StatusBlocked
	e.Recurrence = s.threshold
}

func (s *SuspicionTable) Remove(addr netip.Addr) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[addr]; !ok {
		return false
	}
	delete(s.entries, addr)
	return true
}

func (s *SuspicionTable) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *SuspicionTable) List() []Suspicion {
	s.mu.Lock()
	out := make([]Suspicion, 0, len(s.entries))
	for _, e := range s.entries {
		c := *e
		c.Notifiers = append([]netip.Addr(nil), e.Notifiers...)
		out = append(out, c)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Addr.Less(out[j].Addr) })
	return out
}
