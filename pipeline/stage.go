package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// StageKind identifies a stage. Stages run in declaration order.
type StageKind int

const (
	StageCIL StageKind = iota
	StageLookahead
	StageOptimizer
	StageMachineCode
	StageCctor

	numStages = int(StageCctor) + 1
)

func (k StageKind) String() string {
	switch k {
	case StageCIL:
		return "cil"
	case StageLookahead:
		return "lookahead"
	case StageOptimizer:
		return "optimizer"
	case StageMachineCode:
		return "machine-code"
	case StageCctor:
		return "cctor"
	}
	return fmt.Sprintf("stage(%d)", int(k))
}

// StageProfile accumulates per-stage job statistics.
type StageProfile struct {
	Jobs        uint64
	Reschedules uint64
	Busy        time.Duration
}

type jobFunc func(ctx context.Context, t *Ticket, cp *Checkpoint) JobStatus

// Stage pairs a high and a low priority worker set around one job.
type Stage struct {
	kind    StageKind
	pipe    *Pipeline
	job     jobFunc
	next    *Stage
	enabled bool

	high *workerSet
	low  *workerSet

	profMu  sync.Mutex
	profile StageProfile
}

func newStage(p *Pipeline, kind StageKind, job jobFunc, enabled bool) *Stage {
	s := &Stage{kind: kind, pipe: p, job: job, enabled: enabled}
	s.high = newWorkerSet(s, true)
	s.low = newWorkerSet(s, false)
	return s
}

func (s *Stage) start(threads StageThreads) {
	s.high.spawn(threads.High)
	s.low.spawn(threads.Low)
}

func (s *Stage) stop() {
	s.high.killAll()
	s.low.killAll()
	s.high.wg.Wait()
	s.low.wg.Wait()
}

// enqueue places t in the worker set matching its priority class.
func (s *Stage) enqueue(t *Ticket) {
	t.mu.Lock()
	priority := t.priority
	t.mu.Unlock()

	if priority >= s.pipe.cutoff {
		s.high.put(t)
		return
	}
	s.low.put(t)
	// The priority may have been raised while t was between queues.
	s.promote(t)
}

// promote moves t from the low to the high worker set of this stage if its
// priority reached the cutoff.
func (s *Stage) promote(t *Ticket) bool {
	cutoff := s.pipe.cutoff
	if !s.low.take(t, func(t *Ticket) bool { return t.priority >= cutoff }) {
		return false
	}
	s.high.put(t)

	p := s.pipe
	p.stats.promotions.Add(1)
	t.mu.Lock()
	priority := t.priority
	t.mu.Unlock()
	p.ticketEvent(EventPromoted, t, s.kind, priority, true)
	return true
}

// process runs the job for t. A panicking job is fatal.
func (s *Stage) process(ctx context.Context, t *Ticket, cp *Checkpoint) (status JobStatus) {
	p := s.pipe
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			p.fatalf("stage %s: job for %s panicked: %v", s.kind, t.method.Name(), r)
			status = jobFailed
		}
		elapsed := time.Since(start)
		s.profMu.Lock()
		s.profile.Jobs++
		s.profile.Busy += elapsed
		s.profMu.Unlock()
	}()

	t.mu.Lock()
	priority := t.priority
	t.mu.Unlock()
	p.ticketEvent(EventDequeued, t, s.kind, priority, priority >= p.cutoff)

	return s.job(ctx, t, cp)
}

// handoff routes t after its job returned.
func (s *Stage) handoff(from *workerSet, t *Ticket, status JobStatus) {
	p := s.pipe
	switch status {
	case JobReschedule:
		s.profMu.Lock()
		s.profile.Reschedules++
		s.profMu.Unlock()
		p.stats.rescheduled.Add(1)

		t.mu.Lock()
		priority := t.priority
		t.mu.Unlock()
		p.ticketEvent(EventRescheduled, t, s.kind, priority, from.high)

		from.put(t)
		if !from.high {
			s.promote(t)
		}
	case JobEnd:
		if s.next != nil {
			s.next.enqueue(t)
			return
		}
		p.finish(t)
	case jobFailed:
	default:
		p.fatalf("stage %s: unexpected job status %d for %s", s.kind, int(status), t.method.Name())
	}
}

func (s *Stage) snapshot() StageProfile {
	s.profMu.Lock()
	defer s.profMu.Unlock()
	return s.profile
}
