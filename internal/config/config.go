// Package config holds the scenario configuration shared by the simulator
// and the live node.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/agnaldosb/flysafe-fdi/internal/anomaly"
	"github.com/agnaldosb/flysafe-fdi/internal/daemon"
	"github.com/agnaldosb/flysafe-fdi/internal/geo"
	"github.com/agnaldosb/flysafe-fdi/internal/mobility"
)

const (
	RunModeRandom = "R"
	RunModeTrace  = "M"

	DefaultNodes      = 10
	DefaultDuration   = 1200.0
	DefaultRadioRange = 115.0
	DefaultAreaSide   = 1500.0
	DefaultOutDir     = "flysafe_traces"
	MaxNodes          = 254
)

var (
	ErrNodes     = errors.New("nNodes must be at least 2")
	ErrTooMany   = errors.New("nNodes exceeds the /24 address space")
	ErrRunMode   = errors.New("runMode must be R or M")
	ErrMalicious = errors.New("nMalicious must be in [0, nNodes)")
	ErrTiming    = errors.New("timings must be positive")
	ErrArea      = errors.New("area bounds are inverted")
	ErrTrace     = errors.New("runMode M needs a trace file")
)

type Config struct {
	Nodes      int     `yaml:"nodes"`
	RunMode    string  `yaml:"run_mode"`
	Malicious  int     `yaml:"malicious"`
	Defense    bool    `yaml:"defense"`
	Mitigation bool    `yaml:"mitigation"`
	Suspicion  bool    `yaml:"suspicion"`
	Duration   float64 `yaml:"duration"`
	Seed       int64   `yaml:"seed"`

	Area         geo.Box `yaml:"area"`
	Speed        float64 `yaml:"speed"`
	WalkInterval float64 `yaml:"walk_interval"`
	RadioRange   float64 `yaml:"radio_range"`

	Coverage  float64 `yaml:"coverage"`
	MaxSpeed  float64 `yaml:"max_speed"`
	Tolerance float64 `yaml:"tolerance"`
	MinDelta  float64 `yaml:"min_delta"`
	TrapRange float64 `yaml:"trap_range"`

	Toff    float64 `yaml:"t_off"`
	Ton     float64 `yaml:"t_on"`
	Ttx     float64 `yaml:"t_tx"`
	Stagger float64 `yaml:"stagger"`

	// Falsify makes adversaries also advertise random own positions.
	Falsify     bool    `yaml:"falsify"`
	FalsifyFrom float64 `yaml:"falsify_from"`

	TraceFile string `yaml:"trace_file,omitempty"`
	OutDir    string `yaml:"out_dir"`
}

func Default() *Config {
	p := anomaly.DefaultParams()
	return &Config{
		Nodes:        DefaultNodes,
		RunMode:      RunModeRandom,
		Defense:      true,
		Mitigation:   true,
		Duration:     DefaultDuration,
		Seed:         1,
		Area:         DefaultArea(),
		Speed:        mobility.DefaultSpeed,
		WalkInterval: mobility.DefaultInterval,
		RadioRange:   DefaultRadioRange,
		Coverage:     p.Coverage,
		MaxSpeed:     p.MaxSpeed,
		Tolerance:    p.Tolerance,
		MinDelta:     p.MinDelta,
		TrapRange:    daemon.DefaultTrapRange,
		Toff:         daemon.DefaultToff,
		Ton:          daemon.DefaultTon,
		Ttx:          daemon.DefaultTtx,
		Stagger:      daemon.DefaultStagger,
		OutDir:       DefaultOutDir,
	}
}

// DefaultArea is the 1500 m square flown at the fixed altitude.
func DefaultArea() geo.Box {
	return geo.Box{
		MaxX: DefaultAreaSide,
		MaxY: DefaultAreaSide,
		MinZ: mobility.DefaultAltitude,
		MaxZ: mobility.DefaultAltitude,
	}
}

// Load overlays the YAML file at path on the defaults.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) Save(path string) error {
	b, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

func (c *Config) Validate() error {
	if c.Nodes < 2 {
		return fmt.Errorf("%w: got %d", ErrNodes, c.Nodes)
	}
	if c.Nodes > MaxNodes {
		return fmt.Errorf("%w: got %d", ErrTooMany, c.Nodes)
	}
	if c.RunMode != RunModeRandom && c.RunMode != RunModeTrace {
		return fmt.Errorf("%w: got %q", ErrRunMode, c.RunMode)
	}
	if c.Malicious < 0 || c.Malicious >= c.Nodes {
		return fmt.Errorf("%w: got %d with %d nodes", ErrMalicious, c.Malicious, c.Nodes)
	}
	if c.RunMode == RunModeTrace && c.TraceFile == "" {
		return ErrTrace
	}
	for name, v := range map[string]float64{
		"duration":    c.Duration,
		"radio_range": c.RadioRange,
		"coverage":    c.Coverage,
		"max_speed":   c.MaxSpeed,
		"t_off":       c.Toff,
		"t_on":        c.Ton,
		"t_tx":        c.Ttx,
	} {
		if v <= 0 {
			return fmt.Errorf("%w: %s = %v", ErrTiming, name, v)
		}
	}
	if c.Stagger < 0 || c.Speed < 0 || c.WalkInterval < 0 {
		return fmt.Errorf("%w: stagger, speed and walk_interval must not be negative", ErrTiming)
	}
	a := c.Area
	if a.MinX > a.MaxX || a.MinY > a.MaxY || a.MinZ > a.MaxZ {
		return ErrArea
	}
	return nil
}

func (c *Config) DetectorParams() anomaly.Params {
	return anomaly.Params{
		Coverage:  c.Coverage,
		MaxSpeed:  c.MaxSpeed,
		Tolerance: c.Tolerance,
		MinDelta:  c.MinDelta,
	}
}

// RunnerOptions maps the scenario onto one node's runner. start delays its
// first beacon window.
func (c *Config) RunnerOptions(start float64, adversary bool) daemon.Options {
	return daemon.Options{
		Defense:     c.Defense,
		Mitigation:  c.Mitigation,
		Suspicion:   c.Suspicion,
		Detector:    c.DetectorParams(),
		TrapRange:   c.TrapRange,
		Toff:        c.Toff,
		Ton:         c.Ton,
		Ttx:         c.Ttx,
		Start:       start,
		Falsify:     adversary && c.Falsify,
		FalsifyFrom: c.FalsifyFrom,
		Area:        c.Area,
	}
}
