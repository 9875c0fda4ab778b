package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	flags "github.com/jessevdk/go-flags"

	"github.com/agnaldosb/flysafe-fdi/internal/config"
	"github.com/agnaldosb/flysafe-fdi/internal/debuglog"
	"github.com/agnaldosb/flysafe-fdi/internal/pprofutil"
	"github.com/agnaldosb/flysafe-fdi/internal/sim"
	"github.com/agnaldosb/flysafe-fdi/internal/trace"
)

const example = "example: flysafe --nNodes=10 --runMode=R --nMalicious=2 --defense=true --mitigation=true"

type Options struct {
	Nodes      int     `long:"nNodes" description:"number of UAVs, at least 2"`
	RunMode    string  `long:"runMode" description:"R for random walk, M to fly node 0 along --trace-file" choice:"R" choice:"M"`
	Malicious  int     `long:"nMalicious" description:"number of man-in-the-middle nodes"`
	Defense    string  `long:"defense" description:"enable the handshake and trap defense" choice:"true" choice:"false"`
	Mitigation string  `long:"mitigation" description:"drop tags that fail anomaly detection" choice:"true" choice:"false"`
	Suspicion  string  `long:"suspicion" description:"enable the legacy suspicion protocol (undefended runs only)" choice:"true" choice:"false"`
	Duration   float64 `long:"duration" description:"simulated seconds"`
	Seed       int64   `long:"seed" description:"random seed"`
	Config     string  `long:"config" description:"YAML scenario file; flags override it"`
	TraceFile  string  `long:"trace-file" description:"ns-2 mobility trace for runMode M"`
	Out        string  `long:"out" description:"trace output root"`
	SaveConfig string  `long:"save-config" description:"write the effective scenario as YAML and exit"`
	JSON       bool    `long:"json" description:"print the run summary as JSON"`
	Debug      bool    `long:"debug" description:"enable debug logging"`
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	var opts Options
	parser := flags.NewParser(&opts, flags.HelpFlag|flags.PassDoubleDash)
	parser.Name = "flysafe"
	parser.Usage = "[OPTIONS]"
	if _, err := parser.ParseArgs(args); err != nil {
		if flags.WroteHelp(err) {
			fmt.Fprintln(stdout, err)
			return 0
		}
		fmt.Fprintln(stderr, err)
		fmt.Fprintln(stderr, example)
		return 1
	}
	if opts.Debug {
		debuglog.SetDebug(true)
	}
	debuglog.SetOutput(stderr)

	cfg, err := loadConfig(parser, &opts)
	if err != nil {
		fmt.Fprintln(stderr, err)
		fmt.Fprintln(stderr, example)
		return 1
	}
	if opts.SaveConfig != "" {
		if err := cfg.Save(opts.SaveConfig); err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		fmt.Fprintf(stdout, "wrote %s\n", opts.SaveConfig)
		return 0
	}

	rec, err := trace.Open(cfg.OutDir, time.Now())
	if err != nil {
		fmt.Fprintf(stderr, "trace dir: %v\n", err)
		return 1
	}
	s, err := sim.Build(cfg, sim.Options{Recorder: rec})
	if err != nil {
		_ = rec.Close()
		fmt.Fprintln(stderr, err)
		return 1
	}
	if err := pprofutil.StartFromEnv(stderr, func() any { return s.Metrics().Snapshot() }); err != nil {
		_ = rec.Close()
		fmt.Fprintln(stderr, err)
		return 1
	}
	sum, err := s.Run()
	err = errors.Join(err, rec.Err(), rec.Close())
	if err != nil {
		fmt.Fprintf(stderr, "run: %v\n", err)
		return 1
	}
	if opts.JSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(sum); err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		return 0
	}
	printSummary(stdout, sum)
	return 0
}

// loadConfig starts from --config (or the defaults) and applies every flag
// the user actually passed.
func loadConfig(parser *flags.Parser, opts *Options) (*config.Config, error) {
	cfg := config.Default()
	if opts.Config != "" {
		var err error
		if cfg, err = config.Load(opts.Config); err != nil {
			return nil, err
		}
	}
	set := func(name string) bool {
		o := parser.FindOptionByLongName(name)
		return o != nil && o.IsSet()
	}
	if set("nNodes") {
		cfg.Nodes = opts.Nodes
	}
	if set("runMode") {
		cfg.RunMode = opts.RunMode
	}
	if set("nMalicious") {
		cfg.Malicious = opts.Malicious
	}
	for name, f := range map[string]struct {
		v   string
		dst *bool
	}{
		"defense":    {opts.Defense, &cfg.Defense},
		"mitigation": {opts.Mitigation, &cfg.Mitigation},
		"suspicion":  {opts.Suspicion, &cfg.Suspicion},
	} {
		if !set(name) {
			continue
		}
		v, err := strconv.ParseBool(f.v)
		if err != nil {
			return nil, fmt.Errorf("--%s: %w", name, err)
		}
		*f.dst = v
	}
	if set("duration") {
		cfg.Duration = opts.Duration
	}
	if set("seed") {
		cfg.Seed = opts.Seed
	}
	if set("trace-file") {
		cfg.TraceFile = opts.TraceFile
	}
	if set("out") {
		cfg.OutDir = opts.Out
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func printSummary(w io.Writer, sum sim.Summary) {
	fmt.Fprintf(w, "run %s: %d nodes, %.1fs simulated, adversaries %v\n", sum.RunID, sum.Nodes, sum.Duration, sum.Adversaries)
	fmt.Fprintf(w, "events=%d frames=%d traces=%s\n", sum.Events, sum.Frames, sum.Dir)
	for _, n := range sum.PerNode {
		fmt.Fprintf(w, "  %-13s %-9s rows=%d one_hop=%d handshakes=%d keys=%d suspicions=%d\n",
			n.Addr, n.Role, n.Rows, len(n.OneHop), n.Handshakes, n.Keys, n.Suspicions)
	}
}
