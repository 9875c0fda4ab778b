package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	flags "github.com/jessevdk/go-flags"

	"github.com/agnaldosb/flysafe-fdi/internal/api"
	"github.com/agnaldosb/flysafe-fdi/internal/config"
	"github.com/agnaldosb/flysafe-fdi/internal/debuglog"
	"github.com/agnaldosb/flysafe-fdi/internal/geo"
	"github.com/agnaldosb/flysafe-fdi/internal/live"
	"github.com/agnaldosb/flysafe-fdi/internal/metrics"
	"github.com/agnaldosb/flysafe-fdi/internal/mobility"
	"github.com/agnaldosb/flysafe-fdi/internal/network"
	"github.com/agnaldosb/flysafe-fdi/internal/pprofutil"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		printUsage(stderr)
		return 1
	}
	switch args[0] {
	case "hub":
		return runHub(args[1:], stdout, stderr)
	case "run":
		return runNode(args[1:], stdout, stderr)
	case "ca":
		return runCA(stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command %q\n", args[0])
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: flysafe-node <hub|run|ca> [args]")
	fmt.Fprintln(w, "  hub  [--addr <ip:port>]")
	fmt.Fprintln(w, "  run  --hub <ip:port> --ip <192.168.1.x> [--pos x,y,z] [--speed m/s] [--http <ip:port>]")
	fmt.Fprintln(w, "       [--config scenario.yaml] [--defense=true|false] [--mitigation=true|false] [--insecure] [--ca <pem>]")
	fmt.Fprintln(w, "  ca   print the hub's development CA certificate")
}

type commonOptions struct {
	Debug bool `long:"debug" description:"enable debug logging"`
}

func (o commonOptions) apply(stderr io.Writer) {
	debuglog.SetOutput(stderr)
	if o.Debug {
		debuglog.SetDebug(true)
	}
}

// parse runs go-flags over one subcommand. done is set when help was printed
// or parsing failed.
func parse(name string, data any, args []string, stdout, stderr io.Writer) (code int, done bool) {
	parser := flags.NewParser(data, flags.HelpFlag|flags.PassDoubleDash)
	parser.Name = "flysafe-node " + name
	if _, err := parser.ParseArgs(args); err != nil {
		if flags.WroteHelp(err) {
			fmt.Fprintln(stdout, err)
			return 0, true
		}
		fmt.Fprintln(stderr, err)
		return 1, true
	}
	return 0, false
}

type hubOptions struct {
	commonOptions
	Addr string `long:"addr" default:"127.0.0.1:4242" description:"QUIC listen address"`
}

func runHub(args []string, stdout, stderr io.Writer) int {
	var opts hubOptions
	if code, done := parse("hub", &opts, args, stdout, stderr); done {
		return code
	}
	opts.apply(stderr)
	if err := pprofutil.StartFromEnv(stderr, nil); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	h, err := network.ListenHub(opts.Addr, network.HubOptions{})
	if err != nil {
		fmt.Fprintf(stderr, "hub: %v\n", err)
		return 1
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		_ = h.Close()
	}()
	fmt.Fprintf(stdout, "hub listening on %s\n", h.Addr())
	if err := h.Serve(ctx); err != nil {
		fmt.Fprintf(stderr, "hub: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "hub stopped: relayed=%d dropped=%d\n", h.Relayed(), h.Dropped())
	return 0
}

func runCA(stdout, stderr io.Writer) int {
	pemBytes, err := network.DevCAPEM()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	_, _ = stdout.Write(pemBytes)
	return 0
}

type nodeOptions struct {
	commonOptions
	Hub        string  `long:"hub" required:"true" description:"hub address"`
	IP         string  `long:"ip" required:"true" description:"node address inside 192.168.1.0/24"`
	Pos        string  `long:"pos" default:"0,0,91" description:"start position x,y,z in metres"`
	Speed      float64 `long:"speed" description:"random walk speed; 0 keeps the node still"`
	HTTP       string  `long:"http" default:"127.0.0.1:8080" description:"status API address; empty disables it"`
	Config     string  `long:"config" description:"YAML scenario file for protocol parameters"`
	Defense    string  `long:"defense" description:"enable the handshake and trap defense" choice:"true" choice:"false"`
	Mitigation string  `long:"mitigation" description:"drop tags that fail anomaly detection" choice:"true" choice:"false"`
	Seed       int64   `long:"seed" default:"1" description:"random seed for mobility and jitter"`
	Insecure   bool    `long:"insecure" description:"skip hub certificate verification"`
	CA         string  `long:"ca" description:"PEM file holding the hub CA"`
	MetricsOut string  `long:"metrics-out" description:"write a JSON metrics snapshot here on exit"`
}

func runNode(args []string, stdout, stderr io.Writer) int {
	var opts nodeOptions
	if code, done := parse("run", &opts, args, stdout, stderr); done {
		return code
	}
	opts.apply(stderr)
	cfg, model, addr, err := nodeSetup(&opts)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	client, err := network.Dial(ctx, opts.Hub, network.ClientOptions{Insecure: opts.Insecure, CAPath: opts.CA})
	if err != nil {
		fmt.Fprintf(stderr, "dial hub: %v\n", err)
		return 1
	}
	defer client.Close()

	ropts := cfg.RunnerOptions(0, false)
	ropts.Metrics = metrics.New()
	rt, err := live.New(client, live.Options{Addr: addr, Mobility: model, Runner: ropts, Seed: opts.Seed})
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if err := pprofutil.StartFromEnv(stderr, func() any { return rt.Runner.Metrics.Snapshot() }); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	var srv *http.Server
	if opts.HTTP != "" {
		srv = &http.Server{
			Addr:              opts.HTTP,
			Handler:           api.NewRouter(rt.Node, rt.Runner.Metrics),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				debuglog.Warnf("status api: %v", err)
			}
		}()
		fmt.Fprintf(stdout, "status api on http://%s\n", opts.HTTP)
	}
	fmt.Fprintf(stdout, "node %s joined hub %s (defense=%v mitigation=%v)\n", addr, opts.Hub, cfg.Defense, cfg.Mitigation)

	runErr := rt.Run(ctx)
	if srv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(sctx)
		cancel()
	}
	if opts.MetricsOut != "" {
		if err := rt.Runner.Metrics.WriteSnapshot(opts.MetricsOut); err != nil {
			fmt.Fprintf(stderr, "metrics: %v\n", err)
			return 1
		}
	}
	if runErr != nil {
		fmt.Fprintf(stderr, "node: %v\n", runErr)
		return 1
	}
	return 0
}

func nodeSetup(opts *nodeOptions) (*config.Config, mobility.Model, netip.Addr, error) {
	cfg := config.Default()
	if opts.Config != "" {
		var err error
		if cfg, err = config.Load(opts.Config); err != nil {
			return nil, nil, netip.Addr{}, err
		}
	}
	if opts.Defense != "" {
		cfg.Defense = opts.Defense == "true"
	}
	if opts.Mitigation != "" {
		cfg.Mitigation = opts.Mitigation == "true"
	}
	addr, err := netip.ParseAddr(opts.IP)
	if err != nil {
		return nil, nil, netip.Addr{}, fmt.Errorf("--ip: %w", err)
	}
	pos, err := parsePos(opts.Pos)
	if err != nil {
		return nil, nil, netip.Addr{}, err
	}
	var model mobility.Model = mobility.Static{Pos: pos}
	if opts.Speed > 0 {
		model = mobility.NewRandomWalk2d(pos, mobility.WalkOptions{
			Bounds:   cfg.Area,
			Speed:    opts.Speed,
			Interval: cfg.WalkInterval,
			Rand:     rand.New(rand.NewSource(opts.Seed)),
		})
	}
	return cfg, model, addr, nil
}

func parsePos(s string) (geo.Vec3, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return geo.Vec3{}, fmt.Errorf("--pos wants x,y,z, got %q", s)
	}
	var v [3]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return geo.Vec3{}, fmt.Errorf("--pos %q: %w", s, err)
		}
		v[i] = f
	}
	return geo.Vec3{X: v[0], Y: v[1], Z: v[2]}, nil
}
