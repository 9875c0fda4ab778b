package neighbor

import (
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"sync"

	"github.com/agnaldosb/flysafe-fdi/internal/geo"
	"github.com/agnaldosb/flysafe-fdi/internal/proto"
)

const (
	DefaultMaxQuality = 3
	DefaultMaxHop     = 3
)

// State is the trust state of a table row.
type State uint8

const (
	Ordinary State = 0
	Suspect  State = 1
)

func (s State) String() string {
	if s == Suspect {
		return "suspect"
	}
	return "ordinary"
}

// Row is one known peer.
type Row struct {
	Addr     netip.Addr
	Position geo.Vec3
	Distance float64
	Attitude geo.Attitude
	Quality  uint8
	Hop      uint8
	State    State

	// InfoTime is the send_time of the last accepted direct update.
	// Rows learned only from digests have HasInfoTime unset.
	InfoTime    float64
	HasInfoTime bool
}

type Options struct {
	MaxQuality uint8
	MaxHop     uint8
}

// Table is the per-node neighbor table.
type Table struct {
	mu         sync.Mutex
	maxQuality uint8
	maxHop     uint8
	rows       map[netip.Addr]*Row
}

var (
	ErrNotFound = errors.New("neighbor not found")
	ErrStale    = errors.New("update not newer than info_time")
	ErrBadAddr  = errors.New("invalid neighbor address")
)

func NewTable(opts Options) *Table {
	maxQ := opts.MaxQuality
	if maxQ == 0 {
		maxQ = DefaultMaxQuality
	}
	maxHop := opts.MaxHop
	if maxHop == 0 {
		maxHop = DefaultMaxHop
	}
	return &Table{
		maxQuality: maxQ,
		maxHop:     maxHop,
		rows:       make(map[netip.Addr]*Row),
	}
}

func (t *Table) MaxQuality() uint8 { return t.maxQuality }
func (t *Table) MaxHop() uint8     { return t.maxHop }

// Upsert inserts r or overwrites the stored row, keeping the smaller hop.
func (t *Table) Upsert(r Row) error {
	if !r.Addr.IsValid() {
		return ErrBadAddr
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	r.Quality = t.clampQualityLocked(r.Quality)
	if cur, ok := t.rows[r.Addr]; ok {
		if cur.Hop != 0 && cur.Hop < r.Hop {
			r.Hop = cur.Hop
		}
		if !r.HasInfoTime {
			r.InfoTime, r.HasInfoTime = cur.InfoTime, cur.HasInfoTime
		}
		*cur = r
		return nil
	}
	row := r
	t.rows[r.Addr] = &row
	return nil
}

// Update refreshes a present row. time must be newer than the stored info_time.
func (t *Table) Update(addr netip.Addr, pos geo.Vec3, dist float64, att geo.Attitude, quality, hop uint8, time float64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.rows[addr]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, addr)
	}
	if cur.HasInfoTime && time <= cur.InfoTime {
		return fmt.Errorf("%w: %s %.6f <= %.6f", ErrStale, addr, time, cur.InfoTime)
	}
	cur.Position = pos
	cur.Distance = dist
	cur.Attitude = att
	cur.Quality = t.clampQualityLocked(quality)
	cur.Hop = hop
	cur.InfoTime = time
	cur.HasInfoTime = true
	return nil
}

// Touch advances info_time without moving the row.
func (t *Table) Touch(addr netip.Addr, quality uint8, time float64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.rows[addr]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, addr)
	}
	if cur.HasInfoTime && time <= cur.InfoTime {
		return fmt.Errorf("%w: %s", ErrStale, addr)
	}
	cur.Quality = t.clampQualityLocked(quality)
	cur.InfoTime = time
	cur.HasInfoTime = true
	return nil
}

func (t *Table) Get(addr netip.Addr) (Row, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.rows[addr]
	if !ok {
		return Row{}, false
	}
	return *cur, true
}

func (t *Table) Has(addr netip.Addr) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.rows[addr]
	return ok
}

func (t *Table) Remove(addr netip.Addr) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.rows[addr]; !ok {
		return false
	}
	delete(t.rows, addr)
	return true
}

func (t *Table) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rows = make(map[netip.Addr]*Row)
}

func (t *Table) SetState(addr netip.Addr, s State) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.rows[addr]
	if ok {
		cur.State = s
	}
	return ok
}

// AgeAll decrements every row's quality, saturating at zero.
func (t *Table) AgeAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, r := range t.rows {
		if r.Quality > 0 {
			r.Quality--
		}
	}
}

// Sweep evicts ordinary rows whose quality reached zero and returns them.
// Suspect rows stay regardless of quality.
func (t *Table) Sweep() []netip.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	var removed []netip.Addr
	for addr, r := range t.rows {
		if r.Quality == 0 && r.State == Ordinary {
			delete(t.rows, addr)
			removed = append(removed, addr)
		}
	}
	sortAddrs(removed)
	return removed
}

func (t *Table) OneHopExists() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, r := range t.rows {
		if r.Hop == 1 {
			return true
		}
	}
	return false
}

func (t *Table) AnyExists() bool {
	return t.Len() > 0
}

func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.rows)
}

// List returns a copy of every row ordered by address.
func (t *Table) List() []Row {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Row, 0, len(t.rows))
	for _, r := range t.rows {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr.Less(out[j].Addr) })
	return out
}

// Digest produces the neigh_infos carried by outbound tags.
func (t *Table) Digest() []proto.Digest {
	rows := t.List()
	if len(rows) == 0 {
		return nil
	}
	out := make([]proto.Digest, 0, len(rows))
	for _, r := range rows {
		out = append(out, proto.Digest{
			IP:    r.Addr,
			Pos:   r.Position,
			Hop:   r.Hop,
			State: uint8(r.State),
		})
	}
	return out
}

// Merge folds a peer's digest into the table. Known rows with a new position
// are refreshed at quality 1, unknown peers are registered at quality 1, and
// the hop is always min(digest hop + 1, stored hop). Hop-1 rows keep their
// directly observed position. Entries claiming hop 0 are ignored. skip
// filters self and blocked peers.
func (t *Table) Merge(selfPos geo.Vec3, ds []proto.Digest, skip func(netip.Addr) bool) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	changed := 0
	for _, d := range ds {
		// Hop 0 would make a third party's report a direct observation.
		if !d.IP.IsValid() || d.Hop == 0 || (skip != nil && skip(d.IP)) {
			continue
		}
		hop := int(d.Hop) + 1
		if hop > int(t.maxHop) {
			continue
		}
		dist := geo.Distance(selfPos, d.Pos)
		cur, ok := t.rows[d.IP]
		if !ok {
			t.rows[d.IP] = &Row{
				Addr:     d.IP,
				Position: d.Pos,
				Distance: dist,
				Attitude: geo.Keep,
				Quality:  1,
				Hop:      uint8(hop),
				State:    Ordinary,
			}
			changed++
			continue
		}
		if uint8(hop) < cur.Hop {
			cur.Hop = uint8(hop)
			changed++
		}
		if cur.Hop == 1 || cur.Position == d.Pos {
			continue
		}
		cur.Attitude = geo.AttitudeOf(dist, cur.Distance)
		cur.Position = d.Pos
		cur.Distance = dist
		cur.Quality = 1
		changed++
	}
	return changed
}

func (t *Table) clampQualityLocked(q uint8) uint8 {
	if q > t.maxQuality {
		return t.maxQuality
	}
	return q
}

func sortAddrs(a []netip.Addr) {
	sort.Slice(a, func(i, j int) bool { return a[i].Less(a[j]) })
}
