package daemon

import (
	"sync"

	"github.com/agnaldosb/flysafe-fdi/internal/debuglog"
	"github.com/agnaldosb/flysafe-fdi/internal/metrics"
	"github.com/agnaldosb/flysafe-fdi/internal/proto"
)

type debugCounters struct {
	mu         sync.Mutex
	recvByKind map[string]uint64
	sentByKind map[string]uint64
	dropReason map[string]uint64
	sendFail   map[string]uint64
	m          *metrics.Metrics
}

func newDebugCounters(m *metrics.Metrics) *debugCounters {
	return &debugCounters{
		recvByKind: make(map[string]uint64),
		sentByKind: make(map[string]uint64),
		dropReason: make(map[string]uint64),
		sendFail:   make(map[string]uint64),
		m:          m,
	}
}

func (c *debugCounters) incRecv(k proto.Kind) {
	c.inc(c.recvByKind, "recv_by_kind", k.String())
	if c.m != nil {
		c.m.IncRx(k)
	}
}

func (c *debugCounters) incSent(k proto.Kind) {
	c.inc(c.sentByKind, "sent_by_kind", k.String())
	if c.m != nil {
		c.m.IncTx(k)
	}
}

func (c *debugCounters) incDrop(reason string) {
	if reason == "" {
		return
	}
	c.inc(c.dropReason, "drop_reason", reason)
	if c.m != nil {
		c.m.IncDropByReason(reason)
	}
}

func (c *debugCounters) incSendFail(k proto.Kind) {
	c.inc(c.sendFail, "send_fail", k.String())
	if c.m != nil {
		c.m.IncSendFail()
	}
}

func (c *debugCounters) inc(m map[string]uint64, kind, key string) {
	if c == nil || key == "" {
		return
	}
	c.mu.Lock()
	m[key]++
	count := m[key]
	c.mu.Unlock()
	debuglog.Debugf("counter kind=%s key=%s count=%d", kind, key, count)
}

func (c *debugCounters) get(m map[string]uint64, key string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return m[key]
}
