package main

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"
	"golang.org/x/sync/errgroup"

	"github.com/chazu/transpipe/journal"
	"github.com/chazu/transpipe/lookahead"
	"github.com/chazu/transpipe/manifest"
	"github.com/chazu/transpipe/pipeline"
	"github.com/chazu/transpipe/profiler"
	"github.com/chazu/transpipe/program"
	"github.com/chazu/transpipe/staticmem"
)

var log = commonlog.GetLogger("transpipe")

// run compiles the manifest's workload and writes a report to out.
func run(ctx context.Context, m *manifest.Manifest, out io.Writer) error {
	cfg, err := m.PipelineConfig()
	if err != nil {
		return err
	}
	passDelay, err := m.PassDelay()
	if err != nil {
		return err
	}

	w := program.Generate(program.WorkloadSpec{
		Methods:     m.Workload.Methods,
		Entries:     m.Workload.Entries,
		FanOut:      m.Workload.FanOut,
		CctorEvery:  m.Workload.CctorEvery,
		MutualPairs: m.Workload.MutualPairs,
		Size:        m.Workload.Size,
		Seed:        uint64(m.Workload.Seed),
	})

	prof := profiler.New()
	prof.HotThreshold = uint64(m.Profiler.HotThreshold)
	sm := staticmem.New(nil, nil)

	env := pipeline.Environment{
		Config:       cfg,
		Translator:   &program.Translator{},
		CodeGen:      &program.CodeGenerator{},
		StaticMemory: sm,
		Log:          commonlog.GetLogger("transpipe.pipeline"),
	}
	if !m.Optimizer.Disabled {
		env.Optimizer = &program.Optimizer{Passes: m.Optimizer.Passes, PassDelay: passDelay}
	}
	if cfg.LookaheadMode != pipeline.LookaheadOff {
		env.Lookahead = &lookahead.CallGraphPolicy{
			Graph:       program.CallGraph{},
			Depth:       m.Lookahead.Depth,
			Decay:       m.Lookahead.Decay,
			Base:        m.Lookahead.Base,
			Eager:       m.Lookahead.Eager,
			MinPriority: cfg.MinPriority,
			MaxPriority: cfg.MaxPriority,
			Hotness:     prof,
			HotBoost:    m.Lookahead.HotBoost,
		}
	}

	var j *journal.Journal
	if m.Journal.Path != "" {
		j, err = journal.Open(m.Journal.Path, journal.Options{Run: uuid.New()})
		if err != nil {
			return err
		}
		defer j.Close()
		env.Events = j
	}

	p, err := pipeline.New(env)
	if err != nil {
		return err
	}
	defer p.Shutdown()

	sm.SetExecutor(&program.ConstructorRunner{Compiler: p, Priority: cfg.MaxPriority})
	sm.SetBlocker(p)
	w.Bind(p, cfg.MaxPriority)
	prof.Attach(p, m.Profiler.HotPriority)

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for _, entry := range w.Entries {
		g.Go(func() error {
			return p.SynchInsertMethod(gctx, entry, m.Workload.Priority)
		})
	}
	g.Go(func() error {
		return invoke(gctx, w, prof, m.Workload.Invocations, uint64(m.Workload.Seed))
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("compiling entries: %w", err)
	}
	p.WaitEmptyPipeline()
	elapsed := time.Since(start)

	for _, entry := range w.Entries {
		if s := entry.CurrentState(); s != pipeline.StateExecutable {
			return fmt.Errorf("entry %s ended in state %s", entry.Name(), s)
		}
	}
	log.Infof("compiled %d entries of %d methods in %s", len(w.Entries), len(w.Methods), elapsed)

	st := p.Stats()
	// Stopping the workers delivers every queued event to the journal.
	p.Shutdown()
	report(out, st, sm.Stats(), prof.Stats(), elapsed)

	if j != nil {
		if err := j.Sync(); err != nil {
			return err
		}
		counts, err := j.Counts(j.Run())
		if err != nil {
			return err
		}
		reportJournal(out, j.Run(), counts)
	}
	return nil
}

// invoke simulates calls into the program. Lower-numbered methods are
// called more often, so some of them turn hot.
func invoke(ctx context.Context, w *program.Workload, prof *profiler.Profiler, n int, seed uint64) error {
	if len(w.Methods) == 0 {
		return nil
	}
	rng := rand.New(rand.NewPCG(seed, seed+1))
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		k := int(rng.ExpFloat64() * float64(len(w.Methods)) / 8)
		prof.RecordInvocation(w.Methods[min(k, len(w.Methods)-1)])
	}
	return nil
}

func report(out io.Writer, st pipeline.Stats, sm staticmem.Stats, prof profiler.Stats, elapsed time.Duration) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "elapsed\t%s\n", elapsed.Round(time.Microsecond))
	fmt.Fprintf(tw, "tickets\t%d created, %d destroyed\n", st.TicketsCreated, st.TicketsDestroyed)
	fmt.Fprintf(tw, "rescheduled\t%d\n", st.Rescheduled)
	fmt.Fprintf(tw, "checkpoint requests\t%d\n", st.CheckpointRequests)
	fmt.Fprintf(tw, "promotions\t%d\n", st.Promotions)
	fmt.Fprintf(tw, "bypass links\t%d\n", st.BypassLinks)
	fmt.Fprintf(tw, "wakes\t%d\n", st.Wakes)
	fmt.Fprintf(tw, "cctor pool\t%d high, %d low, growth %v, %d resets\n", st.CctorHigh, st.CctorLow, st.CctorGrowth, st.CctorResets)
	fmt.Fprintf(tw, "type initializers\t%d run, %d failed, %d cached, %d waited, %d deadlocks avoided\n",
		sm.Run, sm.Failed, sm.Cached, sm.Waited, sm.AvoidedDeadlocks)
	fmt.Fprintf(tw, "profiler\t%d methods, %d hot, %d invocations\n", prof.Methods, prof.HotMethods, prof.Invocations)

	kinds := make([]pipeline.StageKind, 0, len(st.Stages))
	for k := range st.Stages {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	for _, k := range kinds {
		sp := st.Stages[k]
		fmt.Fprintf(tw, "stage %s\t%d jobs, %d reschedules, busy %s\n", k, sp.Jobs, sp.Reschedules, sp.Busy.Round(time.Microsecond))
	}
	tw.Flush()
}

func reportJournal(out io.Writer, run uuid.UUID, counts map[pipeline.EventKind]int) {
	kinds := make([]string, 0, len(counts))
	for k := range counts {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "journal run\t%s\n", run)
	for _, k := range kinds {
		fmt.Fprintf(tw, "  %s\t%d\n", k, counts[pipeline.EventKind(k)])
	}
	tw.Flush()
}
