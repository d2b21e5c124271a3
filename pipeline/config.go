package pipeline

import (
	"errors"
	"fmt"
	"os"

	"github.com/tliron/commonlog"
)

// MinCctorsDelta is the floor of the cctor pool growth step.
const MinCctorsDelta = 2

// cctorRestartThreads is the per-class size of the cctor pool after a
// drain reset.
const cctorRestartThreads = 2

// ErrInvalidConfig is returned by New for unusable configurations.
var ErrInvalidConfig = errors.New("pipeline: invalid config")

// LookaheadMode selects what the look-ahead stage does.
type LookaheadMode int

const (
	LookaheadOff LookaheadMode = iota
	// LookaheadStatic inserts every discovered callee at minimum priority.
	LookaheadStatic
	// LookaheadDynamic inserts prioritized candidates and hands them to the
	// scheduler pipe for refinement.
	LookaheadDynamic
)

func (m LookaheadMode) String() string {
	switch m {
	case LookaheadOff:
		return "off"
	case LookaheadStatic:
		return "static"
	case LookaheadDynamic:
		return "dynamic"
	}
	return "unknown"
}

// StageThreads is the initial worker count of a stage's two worker sets.
type StageThreads struct {
	High int
	Low  int
}

// Config holds the numeric knobs of the pipeline.
type Config struct {
	MinPriority float64
	MaxPriority float64

	// HighPriorityCutoff is a fraction of [MinPriority, MaxPriority]. Tickets
	// at or above it go to a stage's high-priority worker set.
	HighPriorityCutoff float64

	CIL         StageThreads
	Lookahead   StageThreads
	Optimizer   StageThreads
	MachineCode StageThreads
	Cctor       StageThreads

	// MinCctorsDelta is the first growth step of the cctor pool.
	MinCctorsDelta int
	// MaxCctorThreads caps each cctor worker set.
	MaxCctorThreads int

	LookaheadMode LookaheadMode
	SchedulerPipe bool

	// RunCctors makes the cctor stage run type initializers. When false the
	// stage only links methods.
	RunCctors bool
}

// DefaultConfig returns the configuration used when nothing is specified.
func DefaultConfig() Config {
	return Config{
		MinPriority:        0,
		MaxPriority:        1,
		HighPriorityCutoff: 0.75,
		CIL:                StageThreads{High: 1, Low: 1},
		Lookahead:          StageThreads{High: 1, Low: 1},
		Optimizer:          StageThreads{High: 1, Low: 1},
		MachineCode:        StageThreads{High: 1, Low: 1},
		Cctor:              StageThreads{High: cctorRestartThreads, Low: cctorRestartThreads},
		MinCctorsDelta:     MinCctorsDelta,
		MaxCctorThreads:    256,
		LookaheadMode:      LookaheadOff,
		RunCctors:          true,
	}
}

// Validate checks ranges and thread counts.
func (c Config) Validate() error {
	if !(c.MinPriority < c.MaxPriority) {
		return fmt.Errorf("%w: min priority %v must be below max priority %v", ErrInvalidConfig, c.MinPriority, c.MaxPriority)
	}
	if c.HighPriorityCutoff < 0 || c.HighPriorityCutoff > 1 {
		return fmt.Errorf("%w: high priority cutoff %v outside [0,1]", ErrInvalidConfig, c.HighPriorityCutoff)
	}
	for kind, st := range c.threads() {
		if st.High < 1 || st.Low < 1 {
			return fmt.Errorf("%w: stage %s needs at least one worker per class, got %d/%d", ErrInvalidConfig, StageKind(kind), st.High, st.Low)
		}
	}
	if c.MinCctorsDelta < 1 {
		return fmt.Errorf("%w: cctor delta %d", ErrInvalidConfig, c.MinCctorsDelta)
	}
	if c.MaxCctorThreads < c.Cctor.High || c.MaxCctorThreads < c.Cctor.Low || c.MaxCctorThreads < cctorRestartThreads {
		return fmt.Errorf("%w: cctor ceiling %d below initial pool", ErrInvalidConfig, c.MaxCctorThreads)
	}
	return nil
}

func (c Config) threads() [numStages]StageThreads {
	return [numStages]StageThreads{
		StageCIL:         c.CIL,
		StageLookahead:   c.Lookahead,
		StageOptimizer:   c.Optimizer,
		StageMachineCode: c.MachineCode,
		StageCctor:       c.Cctor,
	}
}

// cutoff is the absolute priority at which tickets become high priority.
func (c Config) cutoff() float64 {
	return c.MinPriority + c.HighPriorityCutoff*(c.MaxPriority-c.MinPriority)
}

// Environment is everything a pipeline is built from. Translator and CodeGen
// are required; a nil Optimizer or Lookahead disables that stage and a nil
// StaticMemory turns the cctor stage into a link-only stage.
type Environment struct {
	Config Config

	Translator   Translator
	Optimizer    Optimizer
	CodeGen      CodeGenerator
	StaticMemory StaticMemory
	Lookahead    LookaheadPolicy

	// Events receives lifecycle events. May be nil.
	Events EventSink

	// Log defaults to the "transpipe.pipeline" commonlog logger.
	Log commonlog.Logger

	// Abort is called on fatal conditions. It must not return control to
	// the pipeline; the default exits the process.
	Abort func(error)
}

func defaultAbort(err error) {
	os.Exit(2)
}
