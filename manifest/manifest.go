// Package manifest handles transpipe.toml configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/chazu/transpipe/pipeline"
)

// FileName is the configuration file looked up by Load and FindAndLoad.
const FileName = "transpipe.toml"

// Manifest represents a transpipe.toml configuration. The json tags name
// the fields for schema validation.
type Manifest struct {
	Priorities Priorities `toml:"priorities" json:"priorities"`
	Threads    Threads    `toml:"threads" json:"threads"`
	Cctor      Cctor      `toml:"cctor" json:"cctor"`
	Lookahead  Lookahead  `toml:"lookahead" json:"lookahead"`
	Optimizer  Optimizer  `toml:"optimizer" json:"optimizer"`
	Profiler   Profiler   `toml:"profiler" json:"profiler"`
	Journal    Journal    `toml:"journal" json:"journal"`
	Workload   Workload   `toml:"workload" json:"workload"`

	// Dir is the directory containing the transpipe.toml file (set at load time).
	Dir string `toml:"-" json:"-"`
}

// Priorities bounds method priorities.
type Priorities struct {
	Min        float64 `toml:"min" json:"min"`
	Max        float64 `toml:"max" json:"max"`
	HighCutoff float64 `toml:"high-cutoff" json:"high-cutoff"`
}

// StageThreads is the worker count of a stage's two classes.
type StageThreads struct {
	High int `toml:"high" json:"high"`
	Low  int `toml:"low" json:"low"`
}

// Threads holds per-stage worker counts.
type Threads struct {
	CIL         StageThreads `toml:"cil" json:"cil"`
	Lookahead   StageThreads `toml:"lookahead" json:"lookahead"`
	Optimizer   StageThreads `toml:"optimizer" json:"optimizer"`
	MachineCode StageThreads `toml:"machine-code" json:"machine-code"`
	Cctor       StageThreads `toml:"cctor" json:"cctor"`
}

// Cctor configures the static constructor stage.
type Cctor struct {
	Skip       bool `toml:"skip" json:"skip"`
	MinDelta   int  `toml:"min-delta" json:"min-delta"`
	MaxThreads int  `toml:"max-threads" json:"max-threads"`
}

// Lookahead configures call-graph look-ahead.
type Lookahead struct {
	Mode      string  `toml:"mode" json:"mode"`
	Depth     int     `toml:"depth" json:"depth"`
	Decay     float64 `toml:"decay" json:"decay"`
	Base      float64 `toml:"base" json:"base"`
	Eager     float64 `toml:"eager" json:"eager"`
	Scheduler bool    `toml:"scheduler" json:"scheduler"`
	HotBoost  float64 `toml:"hot-boost" json:"hot-boost"`
}

// Optimizer configures the IR optimizer stage.
type Optimizer struct {
	Disabled  bool   `toml:"disabled" json:"disabled"`
	Passes    int    `toml:"passes" json:"passes"`
	PassDelay string `toml:"pass-delay" json:"pass-delay"`
}

// Profiler configures hot method detection.
type Profiler struct {
	HotThreshold int     `toml:"hot-threshold" json:"hot-threshold"`
	HotPriority  float64 `toml:"hot-priority" json:"hot-priority"`
}

// Journal configures the event journal. An empty path disables it.
type Journal struct {
	Path string `toml:"path" json:"path"`
}

// Workload describes the synthetic program compiled by the driver.
type Workload struct {
	Methods     int     `toml:"methods" json:"methods"`
	Entries     int     `toml:"entries" json:"entries"`
	FanOut      int     `toml:"fan-out" json:"fan-out"`
	CctorEvery  int     `toml:"cctor-every" json:"cctor-every"`
	MutualPairs int     `toml:"mutual-pairs" json:"mutual-pairs"`
	Size        int     `toml:"size" json:"size"`
	Seed        int64   `toml:"seed" json:"seed"`
	Invocations int     `toml:"invocations" json:"invocations"`
	Priority    float64 `toml:"priority" json:"priority"`
}

// Default returns the configuration used for keys a file leaves out.
func Default() Manifest {
	one := StageThreads{High: 1, Low: 1}
	return Manifest{
		Priorities: Priorities{Min: 0, Max: 1, HighCutoff: 0.75},
		Threads: Threads{
			CIL:         one,
			Lookahead:   one,
			Optimizer:   one,
			MachineCode: one,
			Cctor:       StageThreads{High: 2, Low: 2},
		},
		Cctor:     Cctor{MinDelta: pipeline.MinCctorsDelta, MaxThreads: 256},
		Lookahead: Lookahead{Mode: "off", Depth: 2, Decay: 0.5, Base: 1, Eager: 0.5},
		Optimizer: Optimizer{Passes: 4, PassDelay: "0s"},
		Profiler:  Profiler{HotThreshold: 100, HotPriority: 0.9},
		Workload: Workload{
			Methods:     64,
			Entries:     8,
			FanOut:      3,
			CctorEvery:  8,
			MutualPairs: 1,
			Size:        32,
			Seed:        1,
			Invocations: 200,
			Priority:    0.5,
		},
	}
}

// Load parses a transpipe.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	m := Default()
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}

	// Defaults
	if m.Journal.Path != "" && !filepath.IsAbs(m.Journal.Path) {
		m.Journal.Path = filepath.Join(m.Dir, m.Journal.Path)
	}

	return &m, nil
}

// FindAndLoad walks up from startDir to find a transpipe.toml file,
// then loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// LookaheadMode maps the mode string.
func (m *Manifest) LookaheadMode() (pipeline.LookaheadMode, error) {
	switch m.Lookahead.Mode {
	case "", "off":
		return pipeline.LookaheadOff, nil
	case "static":
		return pipeline.LookaheadStatic, nil
	case "dynamic":
		return pipeline.LookaheadDynamic, nil
	}
	return 0, fmt.Errorf("unknown look-ahead mode %q", m.Lookahead.Mode)
}

// PassDelay parses the optimizer pass delay.
func (m *Manifest) PassDelay() (time.Duration, error) {
	if m.Optimizer.PassDelay == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(m.Optimizer.PassDelay)
	if err != nil {
		return 0, fmt.Errorf("optimizer pass-delay: %w", err)
	}
	return d, nil
}

func (t StageThreads) pipeline() pipeline.StageThreads {
	return pipeline.StageThreads{High: t.High, Low: t.Low}
}

// PipelineConfig converts the manifest to a pipeline configuration.
func (m *Manifest) PipelineConfig() (pipeline.Config, error) {
	mode, err := m.LookaheadMode()
	if err != nil {
		return pipeline.Config{}, err
	}
	return pipeline.Config{
		MinPriority:        m.Priorities.Min,
		MaxPriority:        m.Priorities.Max,
		HighPriorityCutoff: m.Priorities.HighCutoff,
		CIL:                m.Threads.CIL.pipeline(),
		Lookahead:          m.Threads.Lookahead.pipeline(),
		Optimizer:          m.Threads.Optimizer.pipeline(),
		MachineCode:        m.Threads.MachineCode.pipeline(),
		Cctor:              m.Threads.Cctor.pipeline(),
		MinCctorsDelta:     m.Cctor.MinDelta,
		MaxCctorThreads:    m.Cctor.MaxThreads,
		LookaheadMode:      mode,
		SchedulerPipe:      m.Lookahead.Scheduler,
		RunCctors:          !m.Cctor.Skip,
	}, nil
}
