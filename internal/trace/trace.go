// Package trace writes the per-run trace directory: one tab separated,
// append-only file per node and concern, plus a few global files.
package trace

import (
	"bufio"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agnaldosb/flysafe-fdi/internal/daemon"
	"github.com/agnaldosb/flysafe-fdi/internal/metrics"
	"github.com/agnaldosb/flysafe-fdi/internal/neighbor"
	"github.com/agnaldosb/flysafe-fdi/internal/sniffer"
	"github.com/agnaldosb/flysafe-fdi/internal/store"
)

const (
	DefaultRoot = "flysafe_traces"

	ScenarioFile  = "scenario.txt"
	SummaryFile   = "summary.json"
	AnomaliesFile = "anomalies.txt"
	AnomaliesLog  = "anomalies.jsonl"
	CountsFile    = "message_counts.txt"
	DelayFile     = "deviation_delay_rx_analysis_global.txt"
)

const (
	hdrSent      = "time\tIPRx\tmsgTag\tmessage\tx,y,z"
	hdrRecv      = "time\tIPTx\tmsgTag\tmessage"
	hdrNeigh     = "time\tx,y,z\tIP,x,y,z,dist,att,qualy,hop,state"
	hdrDist      = "time\tIP,dist"
	hdrSusp      = "time\tsize\tIP,recurrence,state,nNotifiers,notifiers"
	hdrCapture   = "time\tIPTx\tIPRx\tmsgTag\tsealed\toriginal\tforged"
	hdrDelay     = "timeTX\tIPTX\ttimeRX\tIPRX\tdelay(ms)"
	hdrAnomalies = "time\tnode\tIPTx\tmsgTag\treason\tdetail"
)

// RunDirName names a run directory after its start time.
func RunDirName(t time.Time) string { return t.Format("02012006_1504") }

type tsvFile struct {
	f *os.File
	w *bufio.Writer
}

type Recorder struct {
	mu    sync.Mutex
	runID uuid.UUID
	st    *store.Store
	files map[string]*tsvFile
	err   error
}

// Open creates the run directory under root. A second run in the same minute
// gets the run id appended.
func Open(root string, now time.Time) (*Recorder, error) {
	if root == "" {
		root = DefaultRoot
	}
	id := uuid.New()
	dir := filepath.Join(root, RunDirName(now))
	if _, err := os.Stat(dir); err == nil {
		dir += "_" + id.String()[:8]
	}
	st, err := store.New(dir)
	if err != nil {
		return nil, fmt.Errorf("trace dir: %w", err)
	}
	return &Recorder{runID: id, st: st, files: make(map[string]*tsvFile)}, nil
}

func (r *Recorder) Dir() string { return r.st.Dir() }
func (r *Recorder) RunID() uuid.UUID { return r.runID }
func (r *Recorder) Store() *store.Store { return r.st }

// Err returns the first write failure.
func (r *Recorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *Recorder) fail(err error) {
	if err != nil && r.err == nil {
		r.err = err
	}
}

func (r *Recorder) fileLocked(name, header string) *tsvFile {
	if t, ok := r.files[name]; ok {
		return t
	}
	path, err := r.st.Path(name)
	if err != nil {
		r.fail(err)
		return nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		r.fail(err)
		return nil
	}
	t := &tsvFile{f: f, w: bufio.NewWriter(f)}
	if info, err := f.Stat(); err == nil && info.Size() == 0 {
		_, _ = t.w.WriteString(header + "\n")
	}
	r.files[name] = t
	return t
}

func (r *Recorder) line(name, header string, cols ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.fileLocked(name, header)
	if t == nil {
		return
	}
	if _, err := t.w.WriteString(strings.Join(cols, "\t") + "\n"); err != nil {
		r.fail(err)
	}
}

func ftime(v float64) string { return strconv.FormatFloat(v, 'f', 6, 64) }

func nodeFile(prefix string, a netip.Addr) string {
	return prefix + "_" + a.String() + ".txt"
}

// Tracer returns a daemon tracer that records every node's events.
func (r *Recorder) Tracer() daemon.Tracer {
	return daemon.TracerFunc(r.Record)
}

func (r *Recorder) Record(ev daemon.Event) {
	at := ftime(ev.Time)
	switch ev.Type {
	case daemon.EventSent:
		r.line(nodeFile("messages_sent", ev.Node), hdrSent,
			at, ev.Peer.String(), strconv.Itoa(int(ev.Kind)), ev.Kind.Label(), vec(ev.Position.X, ev.Position.Y, ev.Position.Z))
	case daemon.EventReceived:
		r.line(nodeFile("messages_received", ev.Node), hdrRecv,
			at, ev.Peer.String(), strconv.Itoa(int(ev.Kind)), ev.Kind.Label())
		r.line(DelayFile, hdrDelay,
			ftime(ev.SendTime), ev.Peer.String(), at, ev.Node.String(),
			strconv.FormatFloat((ev.Time-ev.SendTime)*1000, 'f', 3, 64))
		r.neighborhood(ev, at)
	case daemon.EventStopped:
		r.line(nodeFile("messages_sent", ev.Node), hdrSent,
			at, "-", "-", "Stopped", vec(ev.Position.X, ev.Position.Y, ev.Position.Z))
	case daemon.EventEmptyNL:
		r.line(nodeFile("neighborhood_evolution", ev.Node), hdrNeigh,
			at, vec(ev.Position.X, ev.Position.Y, ev.Position.Z), "EmptyNL")
	case daemon.EventSuspicion:
		r.line(nodeFile("suspicion_evolution", ev.Node), hdrSusp,
			at, strconv.Itoa(len(ev.Suspicions)), suspicions(ev.Suspicions))
	case daemon.EventDropped:
		if !ev.Reason.IsAnomaly() {
			return
		}
		r.line(AnomaliesFile, hdrAnomalies,
			at, ev.Node.String(), ev.Peer.String(), ev.Kind.String(), string(ev.Reason), ev.Detail)
		r.mu.Lock()
		r.fail(r.st.Append(AnomaliesLog, metrics.AnomalyRecord{
			Time:   ev.Time,
			Node:   ev.Node.String(),
			From:   ev.Peer.String(),
			Kind:   ev.Kind.String(),
			Reason: string(ev.Reason),
			Detail: ev.Detail,
		}))
		r.mu.Unlock()
	}
}

func (r *Recorder) neighborhood(ev daemon.Event, at string) {
	r.line(nodeFile("neighborhood_evolution", ev.Node), hdrNeigh,
		at, vec(ev.Position.X, ev.Position.Y, ev.Position.Z), rows(ev.Neighbors))
	var dists []string
	for _, row := range ev.Neighbors {
		if row.Hop == 1 {
			dists = append(dists, fmt.Sprintf("%s,%.2f", row.Addr, row.Distance))
		}
	}
	r.line(nodeFile("neighborhood_distances", ev.Node), hdrDist, at, joinOrDash(dists, "\t"))
}

// Capture records one sniffer forgery made by node.
func (r *Recorder) Capture(at float64, node netip.Addr, c sniffer.Capture) {
	r.line(nodeFile("sniffer_captures", node), hdrCapture,
		ftime(at), c.Src.String(), c.Dst.String(), strconv.Itoa(int(c.Kind)), strconv.FormatBool(c.Sealed),
		vec(c.Original.X, c.Original.Y, c.Original.Z), vec(c.Forged.X, c.Forged.Y, c.Forged.Z))
}

// Scenario is the run description written next to the traces.
type Scenario struct {
	Nodes      int
	RunMode    string
	Malicious  []int
	Defense    bool
	Mitigation bool
	Suspicion  bool
	Duration   float64
	Seed       int64
	Started    time.Time
}

func (r *Recorder) WriteScenario(s Scenario) error {
	mal := make([]string, len(s.Malicious))
	for i, m := range s.Malicious {
		mal[i] = strconv.Itoa(m)
	}
	var b strings.Builder
	kv := func(k, v string) { b.WriteString(k + "\t" + v + "\n") }
	kv("run_id", r.runID.String())
	kv("started", s.Started.Format(time.RFC3339))
	kv("nodes", strconv.Itoa(s.Nodes))
	kv("run_mode", s.RunMode)
	kv("malicious", joinOrDash(mal, ","))
	kv("defense", strconv.FormatBool(s.Defense))
	kv("mitigation", strconv.FormatBool(s.Mitigation))
	kv("suspicion", strconv.FormatBool(s.Suspicion))
	kv("duration", strconv.FormatFloat(s.Duration, 'f', -1, 64))
	kv("seed", strconv.FormatInt(s.Seed, 10))
	return r.st.WriteAtomic(ScenarioFile, []byte(b.String()))
}

// WriteCounts writes the per-kind tx/rx totals and drops per reason.
func (r *Recorder) WriteCounts(s metrics.Snapshot) error {
	var b strings.Builder
	b.WriteString("kind\ttx\trx\n")
	kinds := make([]string, 0, len(s.Tx))
	for k := range s.Tx {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		fmt.Fprintf(&b, "%s\t%d\t%d\n", k, s.Tx[k], s.Rx[k])
	}
	b.WriteString("\nreason\tdrops\n")
	reasons := make([]string, 0, len(s.DropByReason))
	for k := range s.DropByReason {
		reasons = append(reasons, k)
	}
	sort.Strings(reasons)
	for _, k := range reasons {
		fmt.Fprintf(&b, "%s\t%d\n", k, s.DropByReason[k])
	}
	return r.st.WriteAtomic(CountsFile, []byte(b.String()))
}

func (r *Recorder) WriteSummary(v any) error {
	return r.st.WriteJSON(SummaryFile, v)
}

// Flush pushes buffered lines to disk.
func (r *Recorder) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for _, t := range r.files {
		if err := t.w.Flush(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Recorder) Close() error {
	err := r.Flush()
	r.mu.Lock()
	defer r.mu.Unlock()
	errs := []error{err, r.err}
	for name, t := range r.files {
		errs = append(errs, t.f.Close())
		delete(r.files, name)
	}
	return errors.Join(errs...)
}

func vec(x, y, z float64) string {
	return fmt.Sprintf("%.2f,%.2f,%.2f", x, y, z)
}

func rows(list []neighbor.Row) string {
	out := make([]string, 0, len(list))
	for _, r := range list {
		out = append(out, fmt.Sprintf("%s,%.2f,%.2f,%.2f,%.2f,%d,%d,%d,%d",
			r.Addr, r.Position.X, r.Position.Y, r.Position.Z, r.Distance,
			r.Attitude, r.Quality, r.Hop, r.State))
	}
	return joinOrDash(out, "\t")
}

func suspicions(list []neighbor.Suspicion) string {
	out := make([]string, 0, len(list))
	for _, s := range list {
		ns := make([]string, len(s.Notifiers))
		for i, n := range s.Notifiers {
			ns[i] = n.String()
		}
		out = append(out, fmt.Sprintf("%s,%d,%d,%d,%s", s.Addr, s.Recurrence, s.Status, len(ns), strings.Join(ns, ",")))
	}
	return joinOrDash(out, "\t")
}

func joinOrDash(parts []string, sep string) string {
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, sep)
}
