package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/tliron/commonlog"
)

var (
	ErrNilMethod          = errors.New("pipeline: nil method")
	ErrPriorityOutOfRange = errors.New("pipeline: priority out of range")
	ErrShutdown           = errors.New("pipeline: shut down")
)

type counters struct {
	created     atomic.Uint64
	destroyed   atomic.Uint64
	rescheduled atomic.Uint64
	checkpoints atomic.Uint64
	promotions  atomic.Uint64
	bypassLinks atomic.Uint64
	wakes       atomic.Uint64
}

// Pipeline is the translation pipeline. It owns the stages, the method to
// ticket table and the insertion API.
type Pipeline struct {
	env    Environment
	cfg    Config
	cutoff float64
	log    commonlog.Logger

	throttle *catrate.Limiter
	baseCtx  context.Context

	mu         sync.Mutex
	empty      *sync.Cond
	table      map[Method]*Ticket
	scheduling int
	closed     bool

	stages    [numStages]*Stage
	entry     [StateExecutable]*Stage
	scheduler *schedulerPipe
	cctors    *cctorSupervisor

	events    outbox
	threadSeq atomic.Uint64
	stats     counters
	shutdown  sync.Once
}

// New validates env, builds the stages and starts their workers.
func New(env Environment) (*Pipeline, error) {
	if err := env.Config.Validate(); err != nil {
		return nil, err
	}
	if env.Translator == nil || env.CodeGen == nil {
		return nil, fmt.Errorf("%w: translator and code generator are required", ErrInvalidConfig)
	}
	if env.Config.LookaheadMode != LookaheadOff && env.Lookahead == nil {
		return nil, fmt.Errorf("%w: look-ahead mode %s without a policy", ErrInvalidConfig, env.Config.LookaheadMode)
	}
	if env.Log == nil {
		env.Log = commonlog.GetLogger("transpipe.pipeline")
	}
	if env.Abort == nil {
		env.Abort = defaultAbort
	}

	p := &Pipeline{
		env:    env,
		cfg:    env.Config,
		cutoff: env.Config.cutoff(),
		log:    env.Log,
		throttle: catrate.NewLimiter(map[time.Duration]int{
			time.Second: 5,
			time.Minute: 60,
		}),
		baseCtx: context.Background(),
		table:   make(map[Method]*Ticket),
	}
	p.empty = sync.NewCond(&p.mu)

	lookahead := env.Lookahead != nil && env.Config.LookaheadMode != LookaheadOff
	p.stages[StageCIL] = newStage(p, StageCIL, p.cilJob, true)
	p.stages[StageLookahead] = newStage(p, StageLookahead, p.lookaheadJob, lookahead)
	p.stages[StageOptimizer] = newStage(p, StageOptimizer, p.optimizerJob, env.Optimizer != nil)
	p.stages[StageMachineCode] = newStage(p, StageMachineCode, p.machineCodeJob, true)
	p.stages[StageCctor] = newStage(p, StageCctor, p.cctorJob, true)

	var next *Stage
	for i := numStages - 1; i >= 0; i-- {
		s := p.stages[i]
		if !s.enabled {
			continue
		}
		s.next = next
		next = s
	}

	p.entry[StateCIL] = p.stages[StageCIL]
	afterIR := p.stages[StageMachineCode]
	if p.stages[StageOptimizer].enabled {
		afterIR = p.stages[StageOptimizer]
	}
	p.entry[StateIR] = afterIR
	p.entry[StateNeedsRecompile] = afterIR
	p.entry[StateMachineCode] = p.stages[StageCctor]

	threads := env.Config.threads()
	for _, s := range p.stages {
		if s.enabled {
			s.start(threads[s.kind])
		}
	}
	if lookahead && env.Config.LookaheadMode == LookaheadDynamic && env.Config.SchedulerPipe {
		p.scheduler = newSchedulerPipe(p)
		p.scheduler.start()
	}
	p.cctors = newCctorSupervisor(p, p.stages[StageCctor])
	p.cctors.start()

	p.log.Infof("pipeline started: cutoff %.3f, look-ahead %s, optimizer %t",
		p.cutoff, env.Config.LookaheadMode, env.Optimizer != nil)
	return p, nil
}

func (p *Pipeline) check(m Method, priority float64) error {
	if m == nil {
		return ErrNilMethod
	}
	if priority < p.cfg.MinPriority || priority > p.cfg.MaxPriority {
		return fmt.Errorf("%w: %v not in [%v, %v] for %s",
			ErrPriorityOutOfRange, priority, p.cfg.MinPriority, p.cfg.MaxPriority, m.Name())
	}
	return nil
}

func methodState(m Method) MethodState {
	m.Lock()
	defer m.Unlock()
	return m.State()
}

// insertLocked finds or creates m's ticket and raises its priority. It
// returns nil if m is already executable. p.mu must be held.
func (p *Pipeline) insertLocked(m Method, priority float64, byCctor bool) *Ticket {
	if t, ok := p.table[m]; ok {
		p.changePriorityLocked(t, priority)
		return t
	}

	state := methodState(m)
	if state >= StateExecutable {
		return nil
	}
	t := newTicket(m, priority, p.cfg.RunCctors, byCctor)
	p.table[m] = t
	p.stats.created.Add(1)
	p.ticketEvent(EventCreated, t, p.entry[state].kind, priority, priority >= p.cutoff)

	p.entry[state].enqueue(t)
	return t
}

// changePriorityLocked applies priority = max(old, new). A ticket waiting in
// a low worker set that reaches the cutoff moves to the high worker set of
// the same stage. p.mu must be held.
func (p *Pipeline) changePriorityLocked(t *Ticket, priority float64) {
	t.mu.Lock()
	if priority <= t.priority {
		t.mu.Unlock()
		return
	}
	t.priority = priority
	ws := t.inPipe
	running := t.runningIn
	stage := t.stage
	t.mu.Unlock()

	p.ticketEvent(EventRaised, t, stage, priority, priority >= p.cutoff)
	if ws == nil {
		if running != nil {
			running.rekeyRunning(t)
		}
		return
	}
	if !ws.high && priority >= p.cutoff {
		ws.stage.promote(t)
		return
	}
	ws.reposition(t)
}

// InsertMethod queues m for compilation at priority and returns
// immediately. Methods that are already executable are ignored.
func (p *Pipeline) InsertMethod(m Method, priority float64) error {
	if err := p.check(m, priority); err != nil {
		return err
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrShutdown
	}
	p.insertLocked(m, priority, false)
	p.mu.Unlock()
	p.flush()
	return nil
}

// SynchTillIRMethod blocks until m has at least an IR representation.
func (p *Pipeline) SynchTillIRMethod(ctx context.Context, m Method, priority float64) error {
	if err := p.check(m, priority); err != nil {
		return err
	}
	if methodState(m) >= StateIR {
		return nil
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrShutdown
	}
	t := p.insertLocked(m, priority, IsCctorThread(ctx))
	if t == nil {
		p.mu.Unlock()
		return nil
	}
	w := newWaiter()
	t.mu.Lock()
	t.waitIR.add(w)
	t.mu.Unlock()
	p.mu.Unlock()
	p.flush()

	// The CIL job may have signalled before the waiter was added.
	if methodState(m) >= StateIR {
		return nil
	}
	return p.block(ctx, w)
}

// SynchInsertMethod compiles m at priority and blocks until it is
// executable.
//
// A static-constructor worker asking for a method that is already in the
// pipeline first consults the deadlock oracle. If waiting would close a
// cycle of cctor workers, it waits only for machine code and links the
// method itself instead of waiting for the cctor stage.
func (p *Pipeline) SynchInsertMethod(ctx context.Context, m Method, priority float64) error {
	if err := p.check(m, priority); err != nil {
		return err
	}
	if methodState(m) >= StateExecutable {
		return nil
	}

	info := threadFrom(ctx)
	cctor := info != nil && info.pipe == p && info.stage == StageCctor
	sm := p.env.StaticMemory

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrShutdown
	}

	if t, ok := p.table[m]; ok && cctor && sm != nil && sm.WouldDeadlock(info.id, m) {
		p.changePriorityLocked(t, priority)
		w := newWaiter()
		t.mu.Lock()
		t.waitMachineCode.add(w)
		t.mu.Unlock()
		p.mu.Unlock()
		p.flush()
		return p.bypass(ctx, t, w)
	}

	t := p.insertLocked(m, priority, cctor)
	if t == nil {
		p.mu.Unlock()
		p.flush()
		return nil
	}
	w := newWaiter()
	t.mu.Lock()
	t.waitCompletion.add(w)
	t.mu.Unlock()
	if cctor && sm != nil {
		sm.RegisterCompilationNeeded(info.id, m)
	}
	p.mu.Unlock()
	p.flush()

	err := p.block(ctx, w)
	if cctor && sm != nil {
		sm.RegisterCompilationDone(info.id)
	}
	return err
}

// bypass waits for t's machine code and links it from the calling worker.
func (p *Pipeline) bypass(ctx context.Context, t *Ticket, w *waiter) error {
	if methodState(t.method) < StateMachineCode {
		if err := p.block(ctx, w); err != nil {
			return err
		}
	}
	linked := p.link(t)
	p.stats.bypassLinks.Add(1)

	t.mu.Lock()
	priority := t.priority
	t.mu.Unlock()
	if _, ok := p.throttle.Allow("bypass"); ok {
		p.log.Warningf("cctor deadlock avoided: %s linked by waiting worker (linked now: %t)", t.method.Name(), linked)
	}
	p.ticketEvent(EventBypassLink, t, StageCctor, priority, priority >= p.cutoff)
	p.flush()
	return nil
}

// block waits on w. Cctor workers report the wait to the pool supervisor.
func (p *Pipeline) block(ctx context.Context, w *waiter) error {
	if ctx == nil {
		ctx = context.Background()
	}
	woken := p.BlockingCctor(ctx)
	defer woken()
	return w.wait(ctx)
}

// finish removes a ticket that left the last stage and wakes its waiters.
func (p *Pipeline) finish(t *Ticket) {
	p.mu.Lock()
	delete(p.table, t.method)
	t.finished = true
	destroy := !t.inScheduling
	if destroy {
		t.destroyed = true
	}

	if destroy {
		p.stats.destroyed.Add(1)
	}

	t.mu.Lock()
	p.wake(&t.waitCompletion, &t.waitMachineCode, &t.waitIR)
	priority := t.priority
	t.mu.Unlock()

	empty := p.emptyLocked()
	if empty {
		p.empty.Broadcast()
	}
	p.mu.Unlock()

	p.ticketEvent(EventFinished, t, StageCctor, priority, priority >= p.cutoff)
	if destroy {
		p.destroyed(t)
	}
	p.flush()
	if empty {
		p.cctors.drained()
	}
}

// destroyed reports a destroyed ticket. The counter is bumped by the caller
// under p.mu.
func (p *Pipeline) destroyed(t *Ticket) {
	t.mu.Lock()
	priority := t.priority
	t.mu.Unlock()
	p.ticketEvent(EventDestroyed, t, StageCctor, priority, priority >= p.cutoff)
}

// wake signals every waiter in sets. Wakes are counted before signalling so
// a woken caller sees them in Stats. The ticket lock must be held.
func (p *Pipeline) wake(sets ...*waiterSet) {
	n := 0
	for _, s := range sets {
		n += len(*s)
	}
	p.stats.wakes.Add(uint64(n))
	for _, s := range sets {
		s.signal()
	}
}

func (p *Pipeline) emptyLocked() bool {
	return len(p.table) == 0 && p.scheduling == 0
}

// WaitEmptyPipeline blocks until no ticket is in the table or in
// scheduling.
func (p *Pipeline) WaitEmptyPipeline() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for !p.emptyLocked() {
		p.empty.Wait()
	}
}

// IsInPipe reports whether m currently has a ticket.
func (p *Pipeline) IsInPipe(m Method) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.table[m]
	return ok
}

// Shutdown waits for the pipeline to drain, then stops every worker. Later
// insertions fail with ErrShutdown.
func (p *Pipeline) Shutdown() {
	p.shutdown.Do(func() {
		// Closing in the same critical section that saw the pipeline empty
		// keeps a late insertion from being queued behind the sentinels.
		p.mu.Lock()
		for !p.emptyLocked() {
			p.empty.Wait()
		}
		p.closed = true
		p.mu.Unlock()

		p.cctors.stop()
		for _, s := range p.stages {
			if s.enabled {
				s.stop()
			}
		}
		if p.scheduler != nil {
			p.scheduler.stop()
		}
		p.flush()
		p.log.Info("pipeline stopped")
	})
}

func (p *Pipeline) checkpointRequested(t *Ticket, ws *workerSet) {
	p.stats.checkpoints.Add(1)
	t.mu.Lock()
	priority := t.priority
	t.mu.Unlock()
	if _, ok := p.throttle.Allow("checkpoint"); ok {
		p.log.Debugf("checkpoint requested in %s for %s at %.3f", ws.stage.kind, t.method.Name(), priority)
	}
	p.ticketEvent(EventCheckpoint, t, ws.stage.kind, priority, ws.high)
}

func (p *Pipeline) fatalf(format string, args ...any) {
	err := fmt.Errorf(format, args...)
	p.log.Critical(err.Error())
	p.env.Abort(err)
}

// Stats is a point-in-time view of the pipeline counters.
type Stats struct {
	TicketsCreated     uint64
	TicketsDestroyed   uint64
	InTable            int
	Rescheduled        uint64
	CheckpointRequests uint64
	Promotions         uint64
	BypassLinks        uint64
	Wakes              uint64

	CctorHigh   int
	CctorLow    int
	CctorGrowth []int
	CctorResets int

	Stages map[StageKind]StageProfile
}

// Stats returns current counters.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	inTable := len(p.table)
	p.mu.Unlock()

	growth, resets := p.cctors.history()
	st := Stats{
		TicketsCreated:     p.stats.created.Load(),
		TicketsDestroyed:   p.stats.destroyed.Load(),
		InTable:            inTable,
		Rescheduled:        p.stats.rescheduled.Load(),
		CheckpointRequests: p.stats.checkpoints.Load(),
		Promotions:         p.stats.promotions.Load(),
		BypassLinks:        p.stats.bypassLinks.Load(),
		Wakes:              p.stats.wakes.Load(),
		CctorHigh:          p.stages[StageCctor].high.size(),
		CctorLow:           p.stages[StageCctor].low.size(),
		CctorGrowth:        growth,
		CctorResets:        resets,
		Stages:             make(map[StageKind]StageProfile, numStages),
	}
	for _, s := range p.stages {
		if s.enabled {
			st.Stages[s.kind] = s.snapshot()
		}
	}
	return st
}
