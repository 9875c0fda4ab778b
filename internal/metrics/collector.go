package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "flysafe"

// Collector exposes a Metrics value to a Prometheus registry.
type Collector struct {
	m      *Metrics
	labels prometheus.Labels

	tx       *prometheus.Desc
	rx       *prometheus.Desc
	drops    *prometheus.Desc
	protocol *prometheus.Desc
}

// NewCollector wraps m; constLabels (for example node="192.168.1.1") are
// attached to every series.
func NewCollector(m *Metrics, constLabels prometheus.Labels) *Collector {
	return &Collector{
		m:        m,
		labels:   constLabels,
		tx:       prometheus.NewDesc(namespace+"_tx_total", "Frames sent by kind.", []string{"kind"}, constLabels),
		rx:       prometheus.NewDesc(namespace+"_rx_total", "Frames accepted by kind.", []string{"kind"}, constLabels),
		drops:    prometheus.NewDesc(namespace+"_drops_total", "Frames dropped by reason.", []string{"reason"}, constLabels),
		protocol: prometheus.NewDesc(namespace+"_events_total", "Protocol events.", []string{"event"}, constLabels),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.tx
	ch <- c.rx
	ch <- c.drops
	ch <- c.protocol
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.m.Snapshot()
	for kind, v := range snap.Tx {
		ch <- prometheus.MustNewConstMetric(c.tx, prometheus.CounterValue, float64(v), kind)
	}
	for kind, v := range snap.Rx {
		ch <- prometheus.MustNewConstMetric(c.rx, prometheus.CounterValue, float64(v), kind)
	}
	for reason, v := range snap.DropByReason {
		ch <- prometheus.MustNewConstMetric(c.drops, prometheus.CounterValue, float64(v), reason)
	}
	p := snap.Protocol
	for _, ev := range []struct {
		name string
		v    uint64
	}{
		{"anomaly", p.Anomalies},
		{"handshake", p.Handshakes},
		{"promotion", p.Promotions},
		{"eviction", p.Evictions},
		{"forged", p.Forged},
		{"send_fail", p.SendFail},
	} {
		ch <- prometheus.MustNewConstMetric(c.protocol, prometheus.CounterValue, float64(ev.v), ev.name)
	}
}
