package pipeline

import (
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/tliron/commonlog"
)

type fakeMethod struct {
	mu    sync.Mutex
	name  string
	state MethodState
}

func (m *fakeMethod) Lock()                        { m.mu.Lock() }
func (m *fakeMethod) Unlock()                      { m.mu.Unlock() }
func (m *fakeMethod) State() MethodState           { return m.state }
func (m *fakeMethod) SetState(s MethodState)       { m.state = s }
func (m *fakeMethod) IRMethod() any                { return nil }
func (m *fakeMethod) CctorMethodsToCall() []Method { return nil }
func (m *fakeMethod) Name() string                 { return m.name }

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) Record(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) count(kind EventKind) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

// idlePipeline returns a pipeline skeleton with no workers running, so
// queue contents can be inspected.
func idlePipeline() (*Pipeline, *eventLog) {
	events := &eventLog{}
	cfg := DefaultConfig()
	p := &Pipeline{
		env:      Environment{Config: cfg, Events: events},
		cfg:      cfg,
		cutoff:   cfg.cutoff(),
		log:      commonlog.GetLogger("transpipe.pipeline.test"),
		throttle: catrate.NewLimiter(map[time.Duration]int{time.Second: 100}),
		table:    make(map[Method]*Ticket),
	}
	p.empty = sync.NewCond(&p.mu)
	return p, events
}

func ticketAt(name string, priority float64) *Ticket {
	return newTicket(&fakeMethod{name: name}, priority, true, false)
}

func TestCheckpointRequestedForLowerRunningJob(t *testing.T) {
	p, events := idlePipeline()
	s := newStage(p, StageOptimizer, nil, true)
	ws := s.low

	running := NewCheckpoint()
	ws.busy.push(running, p.cfg.MaxPriority-0.2)

	ws.put(ticketAt("urgent", 0.5))
	if !running.Requested() {
		t.Error("running job at 0.2 not asked to checkpoint for 0.5")
	}
	if ws.busy.Len() != 0 {
		t.Errorf("busy markers = %d, want 0", ws.busy.Len())
	}
	if got := p.stats.checkpoints.Load(); got != 1 {
		t.Errorf("checkpoint requests = %d, want 1", got)
	}
	p.flush()
	if got := events.count(EventCheckpoint); got != 1 {
		t.Errorf("checkpoint events = %d, want 1", got)
	}
}

func TestCheckpointNotRequestedForEqualOrHigherJob(t *testing.T) {
	p, _ := idlePipeline()
	s := newStage(p, StageOptimizer, nil, true)
	ws := s.low

	running := NewCheckpoint()
	ws.busy.push(running, p.cfg.MaxPriority-0.25)

	ws.put(ticketAt("same", 0.25))
	ws.put(ticketAt("lower", 0.1))
	if running.Requested() {
		t.Error("checkpoint requested without a strictly higher ticket")
	}
	if ws.queue.Len() != 2 {
		t.Errorf("queued = %d, want 2", ws.queue.Len())
	}
}

func TestCheckpointPicksLowestRunningJob(t *testing.T) {
	p, _ := idlePipeline()
	s := newStage(p, StageOptimizer, nil, true)
	ws := s.low

	mid := NewCheckpoint()
	low := NewCheckpoint()
	ws.busy.push(mid, p.cfg.MaxPriority-0.5)
	ws.busy.push(low, p.cfg.MaxPriority-0.1)

	ws.put(ticketAt("t", 0.6))
	if !low.Requested() || mid.Requested() {
		t.Errorf("requested low=%t mid=%t, want only the lowest", low.Requested(), mid.Requested())
	}
}

func TestRaisedRunningJobIsRekeyed(t *testing.T) {
	p, _ := idlePipeline()
	s := newStage(p, StageOptimizer, nil, true)
	ws := s.low

	running := ticketAt("running", 0.1)
	ws.put(running)
	got, marker := ws.get()
	if got != running {
		t.Fatalf("dequeued %s, want running", got.method.Name())
	}

	p.mu.Lock()
	p.changePriorityLocked(running, 0.4)
	p.mu.Unlock()

	ws.put(ticketAt("waiting", 0.3))
	if marker.value.Requested() {
		t.Error("job raised to 0.4 asked to checkpoint for 0.3")
	}
	ws.put(ticketAt("urgent", 0.45))
	if !marker.value.Requested() {
		t.Error("job at 0.4 not asked to checkpoint for 0.45")
	}

	ws.done(running, marker)
	if running.runningIn != nil || running.marker != nil {
		t.Error("finished job still marked as running")
	}
	// A raise after the job left the worker is a no-op for the busy heap.
	p.mu.Lock()
	p.changePriorityLocked(running, 0.5)
	p.mu.Unlock()
	if ws.busy.Len() != 0 {
		t.Errorf("busy markers = %d, want 0", ws.busy.Len())
	}
}

func TestIdleWorkerWokenInsteadOfCheckpoint(t *testing.T) {
	p, _ := idlePipeline()
	s := newStage(p, StageOptimizer, nil, true)
	ws := s.low

	running := NewCheckpoint()
	ws.busy.push(running, p.cfg.MaxPriority-0.1)
	ws.steady = 1

	ws.put(ticketAt("t", 0.7))
	if running.Requested() {
		t.Error("checkpoint requested although a worker was idle")
	}
}

func TestPromotionToHighPriorityClass(t *testing.T) {
	p, events := idlePipeline()
	s := newStage(p, StageCIL, nil, true)

	tk := ticketAt("m", 0.2)
	other := ticketAt("other", 0.3)
	s.enqueue(tk)
	s.enqueue(other)
	if tk.inPipe != s.low {
		t.Fatal("ticket at 0.2 not in the low worker set")
	}

	p.mu.Lock()
	p.changePriorityLocked(tk, 0.9)
	p.mu.Unlock()

	if tk.inPipe != s.high || !tk.inHighPriorityPipe {
		t.Error("ticket not promoted to the high worker set")
	}
	if s.low.queue.Len() != 1 || s.high.queue.Len() != 1 {
		t.Errorf("low/high queued = %d/%d, want 1/1", s.low.queue.Len(), s.high.queue.Len())
	}
	if got := p.stats.promotions.Load(); got != 1 {
		t.Errorf("promotions = %d, want 1", got)
	}
	p.flush()
	if got := events.count(EventPromoted); got != 1 {
		t.Errorf("promoted events = %d, want 1", got)
	}

	// Lower requests never reduce the priority.
	p.mu.Lock()
	p.changePriorityLocked(tk, 0.3)
	p.mu.Unlock()
	if tk.priority != 0.9 {
		t.Errorf("priority = %v, want 0.9", tk.priority)
	}
}

func TestRaiseWithinClassRepositions(t *testing.T) {
	p, _ := idlePipeline()
	s := newStage(p, StageCIL, nil, true)

	a := ticketAt("a", 0.1)
	b := ticketAt("b", 0.3)
	s.enqueue(a)
	s.enqueue(b)

	p.mu.Lock()
	p.changePriorityLocked(a, 0.5)
	p.mu.Unlock()

	if a.inPipe != s.low {
		t.Fatal("ticket below the cutoff left the low worker set")
	}
	if got := s.low.queue.head().value; got != a {
		t.Errorf("head = %s, want a", got.method.Name())
	}
}

func TestEnqueueByCutoff(t *testing.T) {
	p, _ := idlePipeline()
	s := newStage(p, StageMachineCode, nil, true)

	at := ticketAt("at", p.cutoff)
	below := ticketAt("below", p.cutoff-0.01)
	s.enqueue(at)
	s.enqueue(below)
	if at.inPipe != s.high {
		t.Error("ticket at the cutoff not high priority")
	}
	if below.inPipe != s.low {
		t.Error("ticket below the cutoff not low priority")
	}
	if at.stage != StageMachineCode {
		t.Errorf("stage = %s, want machine-code", at.stage)
	}
}

type sinkFunc func(Event)

func (f sinkFunc) Record(ev Event) { f(ev) }

func TestEventsDeliveredAfterPipelineLockReleased(t *testing.T) {
	p, _ := idlePipeline()
	var kinds []EventKind
	p.env.Events = sinkFunc(func(ev Event) {
		if !p.mu.TryLock() {
			t.Errorf("%s delivered with the pipeline lock held", ev.Kind)
			return
		}
		p.mu.Unlock()
		kinds = append(kinds, ev.Kind)
	})
	s := newStage(p, StageCIL, nil, true)

	tk := ticketAt("m", 0.2)
	s.enqueue(tk)
	p.flush()
	kinds = nil

	p.mu.Lock()
	p.changePriorityLocked(tk, 0.9)
	if len(kinds) != 0 {
		t.Errorf("delivered %v before the lock was released", kinds)
	}
	p.mu.Unlock()
	p.flush()

	want := []EventKind{EventRaised, EventEnqueued, EventPromoted}
	if !slices.Equal(kinds, want) {
		t.Errorf("events = %v, want %v", kinds, want)
	}
}
