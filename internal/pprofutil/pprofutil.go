// Package pprofutil serves profiling endpoints and a live metrics snapshot
// of a running simulation or node, on request through the environment.
package pprofutil

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const (
	defaultAddr = "127.0.0.1:6060"

	EnvPprof       = "FLYSAFE_PPROF"
	EnvPprofAddr   = "FLYSAFE_PPROF_ADDR"
	EnvAllowPublic = "FLYSAFE_PPROF_ALLOW_PUBLIC"

	// MetricsPath serves the value returned by the SnapshotFunc.
	MetricsPath = "/flysafe/metrics"
)

// SnapshotFunc returns the JSON value served at MetricsPath.
type SnapshotFunc func() any

var (
	startOnce sync.Once
	startErr  error
)

// Handler mounts pprof under /debug and, when snap is set, the metrics
// snapshot at MetricsPath.
func Handler(snap SnapshotFunc) http.Handler {
	r := chi.NewRouter()
	r.Mount("/debug", middleware.Profiler())
	if snap != nil {
		r.Get(MetricsPath, func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			enc := json.NewEncoder(w)
			enc.SetIndent("", "  ")
			_ = enc.Encode(snap())
		})
	}
	return r
}

// StartFromEnv serves Handler(snap) when FLYSAFE_PPROF=1. Non-loopback binds
// are refused unless FLYSAFE_PPROF_ALLOW_PUBLIC=1. Only the first call starts
// a server.
func StartFromEnv(logw io.Writer, snap SnapshotFunc) error {
	if !envOn(EnvPprof) {
		return nil
	}
	startOnce.Do(func() {
		addr := strings.TrimSpace(os.Getenv(EnvPprofAddr))
		if addr == "" {
			addr = defaultAddr
		}
		if !envOn(EnvAllowPublic) && !isLoopbackBind(addr) {
			startErr = fmt.Errorf("%s must be loopback unless %s=1: %s", EnvPprofAddr, EnvAllowPublic, addr)
			return
		}
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			startErr = fmt.Errorf("pprof listen: %w", err)
			return
		}
		actual := ln.Addr().String()
		if logw != nil {
			fmt.Fprintf(logw, "profiling on http://%s/debug/pprof/\n", actual)
			if snap != nil {
				fmt.Fprintf(logw, "live metrics on http://%s%s\n", actual, MetricsPath)
			}
		}
		srv := &http.Server{
			Addr:              actual,
			Handler:           Handler(snap),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			_ = srv.Serve(ln)
		}()
	})
	return startErr
}

func envOn(name string) bool {
	return strings.TrimSpace(os.Getenv(name)) == "1"
}

func isLoopbackBind(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
