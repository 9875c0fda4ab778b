// Package api is the HTTP status surface of a live node.
package api

import (
	"encoding/json"
	"net/http"
	"net/netip"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agnaldosb/flysafe-fdi/internal/geo"
	"github.com/agnaldosb/flysafe-fdi/internal/metrics"
	"github.com/agnaldosb/flysafe-fdi/internal/neighbor"
	"github.com/agnaldosb/flysafe-fdi/internal/node"
)

type Handler struct {
	Node    *node.Node
	Metrics *metrics.Metrics
}

type Row struct {
	Addr     string   `json:"addr"`
	Position geo.Vec3 `json:"position"`
	Distance float64  `json:"distance"`
	Attitude string   `json:"attitude"`
	Quality  uint8    `json:"quality"`
	Hop      uint8    `json:"hop"`
	State    string   `json:"state"`
	InfoTime *float64 `json:"info_time,omitempty"`
	HasKey   bool     `json:"has_key"`
}

type Suspicion struct {
	Addr       string   `json:"addr"`
	Status     string   `json:"status"`
	Recurrence int      `json:"recurrence"`
	Notifiers  []string `json:"notifiers"`
}

// NewRouter serves the node state and a Prometheus registry holding only
// this node's collector.
func NewRouter(n *node.Node, m *metrics.Metrics) http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(metrics.NewCollector(m, prometheus.Labels{"node": n.Addr.String()}))

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	h := &Handler{Node: n, Metrics: m}
	h.RegisterRoutes(r)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return r
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/healthz", h.healthz)
	r.Get("/neighbors", h.neighbors)
	r.Get("/neighbors/{addr}", h.neighbor)
	r.Get("/handshakes", h.handshakes)
	r.Get("/suspicions", h.suspicions)
	r.Get("/snapshot", h.snapshot)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"node":   h.Node.Addr.String(),
		"role":   h.Node.Role.String(),
	})
}

func (h *Handler) row(r neighbor.Row) Row {
	out := Row{
		Addr:     r.Addr.String(),
		Position: r.Position,
		Distance: r.Distance,
		Attitude: r.Attitude.String(),
		Quality:  r.Quality,
		Hop:      r.Hop,
		State:    r.State.String(),
		HasKey:   h.Node.Sessions.Has(r.Addr),
	}
	if r.HasInfoTime {
		t := r.InfoTime
		out.InfoTime = &t
	}
	return out
}

func (h *Handler) neighbors(w http.ResponseWriter, r *http.Request) {
	list := h.Node.Neighbors.List()
	out := make([]Row, 0, len(list))
	for _, row := range list {
		out = append(out, h.row(row))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) neighbor(w http.ResponseWriter, r *http.Request) {
	addr, err := netip.ParseAddr(chi.URLParam(r, "addr"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad address"})
		return
	}
	row, ok := h.Node.Neighbors.Get(addr)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown neighbor"})
		return
	}
	writeJSON(w, http.StatusOK, h.row(row))
}

func (h *Handler) handshakes(w http.ResponseWriter, r *http.Request) {
	list := h.Node.Handshakes.List()
	out := make([]string, 0, len(list))
	for _, a := range list {
		out = append(out, a.String())
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) suspicions(w http.ResponseWriter, r *http.Request) {
	list := h.Node.Suspicions.List()
	out := make([]Suspicion, 0, len(list))
	for _, s := range list {
		ns := make([]string, 0, len(s.Notifiers))
		for _, n := range s.Notifiers {
			ns = append(ns, n.String())
		}
		out = append(out, Suspicion{Addr: s.Addr.String(), Status: s.Status.String(), Recurrence: s.Recurrence, Notifiers: ns})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) snapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Metrics.Snapshot())
}
