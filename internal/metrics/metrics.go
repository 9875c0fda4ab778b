package metrics

import (
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agnaldosb/flysafe-fdi/internal/proto"
)

const kindSlots = 8 // kinds 0..6 plus one slot for anything else

// AnomalyRecord is one rejected frame kept in the recent ring.
type AnomalyRecord struct {
	Time   float64 `json:"time"`
	Node   string  `json:"node"`
	From   string  `json:"from"`
	Kind   string  `json:"kind"`
	Reason string  `json:"reason"`
	Detail string  `json:"detail,omitempty"`
}

type Snapshot struct {
	GeneratedAt  time.Time         `json:"generated_at"`
	Tx           map[string]uint64 `json:"tx_by_kind"`
	Rx           map[string]uint64 `json:"rx_by_kind"`
	DropByReason map[string]uint64 `json:"drop_by_reason"`
	Protocol     ProtocolMetrics   `json:"protocol"`
	Recent       []AnomalyRecord   `json:"recent_anomalies"`
}

type ProtocolMetrics struct {
	Anomalies  uint64 `json:"anomalies"`
	Handshakes uint64 `json:"handshakes"`
	Promotions uint64 `json:"promotions"`
	Evictions  uint64 `json:"evictions"`
	Forged     uint64 `json:"forged"`
	SendFail   uint64 `json:"send_fail"`
}

type Metrics struct {
	tx         [kindSlots]atomic.Uint64
	rx         [kindSlots]atomic.Uint64
	anomalies  atomic.Uint64
	handshakes atomic.Uint64
	promotions atomic.Uint64
	evictions  atomic.Uint64
	forged     atomic.Uint64
	sendFail   atomic.Uint64

	mu           sync.Mutex
	dropByReason map[string]uint64

	recent *AnomalyRecent
}

func New() *Metrics {
	return &Metrics{
		dropByReason: make(map[string]uint64),
		recent:       NewAnomalyRecent(64),
	}
}

func kindSlot(k proto.Kind) int {
	if k.Valid() {
		return int(k)
	}
	return kindSlots - 1
}

func kindLabel(slot int) string {
	if slot == kindSlots-1 {
		return "other"
	}
	return proto.Kind(slot).String()
}

func (m *Metrics) Recent() *AnomalyRecent {
	return m.recent
}

func (m *Metrics) IncTx(k proto.Kind) {
	m.tx[kindSlot(k)].Add(1)
}

func (m *Metrics) IncRx(k proto.Kind) {
	m.rx[kindSlot(k)].Add(1)
}

func (m *Metrics) IncDropByReason(reason string) {
	if reason == "" {
		return
	}
	m.mu.Lock()
	m.dropByReason[reason]++
	m.mu.Unlock()
}

func (m *Metrics) IncAnomaly(rec AnomalyRecord) {
	m.anomalies.Add(1)
	m.recent.Add(rec)
}

func (m *Metrics) IncHandshake() {
	m.handshakes.Add(1)
}

func (m *Metrics) IncPromotion() {
	m.promotions.Add(1)
}

func (m *Metrics) AddEvictions(n int) {
	if n > 0 {
		m.evictions.Add(uint64(n))
	}
}

func (m *Metrics) IncForged() {
	m.forged.Add(1)
}

func (m *Metrics) IncSendFail() {
	m.sendFail.Add(1)
}

func (m *Metrics) Tx(k proto.Kind) uint64 { return m.tx[kindSlot(k)].Load() }
func (m *Metrics) Rx(k proto.Kind) uint64 { return m.rx[kindSlot(k)].Load() }

func (m *Metrics) Drops(reason string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropByReason[reason]
}

func (m *Metrics) Snapshot() Snapshot {
	tx := make(map[string]uint64)
	rx := make(map[string]uint64)
	for i := 0; i < kindSlots; i++ {
		if v := m.tx[i].Load(); v > 0 {
			tx[kindLabel(i)] = v
		}
		if v := m.rx[i].Load(); v > 0 {
			rx[kindLabel(i)] = v
		}
	}
	m.mu.Lock()
	drops := make(map[string]uint64, len(m.dropByReason))
	for k, v := range m.dropByReason {
		drops[k] = v
	}
	m.mu.Unlock()
	recent := []AnomalyRecord{}
	if m.recent != nil {
		recent = m.recent.List()
	}
	return Snapshot{
		GeneratedAt:  time.Now().UTC(),
		Tx:           tx,
		Rx:           rx,
		DropByReason: drops,
		Protocol: ProtocolMetrics{
			Anomalies:  m.anomalies.Load(),
			Handshakes: m.handshakes.Load(),
			Promotions: m.promotions.Load(),
			Evictions:  m.evictions.Load(),
			Forged:     m.forged.Load(),
			SendFail:   m.sendFail.Load(),
		},
		Recent: recent,
	}
}

// Merge adds every counter of other into m. Used to fold per-node metrics
// into the run summary.
func (m *Metrics) Merge(other *Metrics) {
	if other == nil {
		return
	}
	for i := 0; i < kindSlots; i++ {
		m.tx[i].Add(other.tx[i].Load())
		m.rx[i].Add(other.rx[i].Load())
	}
	m.anomalies.Add(other.anomalies.Load())
	m.handshakes.Add(other.handshakes.Load())
	m.promotions.Add(other.promotions.Load())
	m.evictions.Add(other.evictions.Load())
	m.forged.Add(other.forged.Load())
	m.sendFail.Add(other.sendFail.Load())
	other.mu.Lock()
	drops := make(map[string]uint64, len(other.dropByReason))
	for k, v := range other.dropByReason {
		drops[k] = v
	}
	other.mu.Unlock()
	m.mu.Lock()
	for k, v := range drops {
		m.dropByReason[k] += v
	}
	m.mu.Unlock()
	for _, r := range other.recent.List() {
		m.recent.Add(r)
	}
}

func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	snap := m.Snapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

type AnomalyRecent struct {
	mu   sync.Mutex
	cap  int
	list []AnomalyRecord
}

func NewAnomalyRecent(capacity int) *AnomalyRecent {
	if capacity <= 0 {
		capacity = 64
	}
	return &AnomalyRecent{cap: capacity}
}

func (r *AnomalyRecent) Add(h AnomalyRecord) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.list) >= r.cap {
		copy(r.list, r.list[1:])
		r.list[len(r.list)-1] = h
		return
	}
	r.list = append(r.list, h)
}

func (r *AnomalyRecent) List() []AnomalyRecord {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]AnomalyRecord, len(r.list))
	copy(out, r.list)
	return out
}
