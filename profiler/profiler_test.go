package profiler

import (
	"errors"
	"sync"
	"testing"

	"github.com/chazu/transpipe/pipeline"
	"github.com/chazu/transpipe/program"
)

type recordingInserter struct {
	mu       sync.Mutex
	inserted map[pipeline.Method]float64
	err      error
}

func (r *recordingInserter) InsertMethod(m pipeline.Method, priority float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	if r.inserted == nil {
		r.inserted = make(map[pipeline.Method]float64)
	}
	r.inserted[m] = priority
	return nil
}

func TestProfilerMethodInvocation(t *testing.T) {
	p := New()
	p.HotThreshold = 5

	m := program.NewMethod("test", 1)

	becameHot := p.RecordInvocation(m)
	if becameHot {
		t.Error("Method should not be hot after 1 invocation")
	}
	if got := p.InvocationCount(m); got != 1 {
		t.Errorf("InvocationCount = %d, want 1", got)
	}

	for i := 0; i < 4; i++ {
		becameHot = p.RecordInvocation(m)
	}
	if !becameHot {
		t.Error("Method should become hot at threshold")
	}
	if !p.IsHot(m) {
		t.Error("IsHot should return true")
	}

	if p.RecordInvocation(m) {
		t.Error("Method should not re-trigger hot")
	}
	if got := p.HotMethodCount(); got != 1 {
		t.Errorf("HotMethodCount = %d, want 1", got)
	}
}

func TestProfilerConcurrentHotFiresOnce(t *testing.T) {
	p := New()
	p.HotThreshold = 50

	m := program.NewMethod("busy", 1)
	var mu sync.Mutex
	fired := 0
	p.OnHot = func(pipeline.Method, *MethodProfile) {
		mu.Lock()
		fired++
		mu.Unlock()
	}

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				p.RecordInvocation(m)
			}
		}()
	}
	wg.Wait()

	if fired != 1 {
		t.Errorf("OnHot fired %d times, want 1", fired)
	}
	if got := p.InvocationCount(m); got != 800 {
		t.Errorf("InvocationCount = %d, want 800", got)
	}
}

func TestProfilerAttach(t *testing.T) {
	p := New()
	p.HotThreshold = 2
	ins := &recordingInserter{}
	p.Attach(ins, 0.9)

	cold := program.NewMethod("cold", 1)
	hot := program.NewMethod("hot", 1)
	p.RecordInvocation(cold)
	p.RecordInvocation(hot)
	p.RecordInvocation(hot)

	if _, ok := ins.inserted[cold]; ok {
		t.Error("cold method was queued")
	}
	if got, ok := ins.inserted[hot]; !ok || got != 0.9 {
		t.Errorf("hot method queued at %v (%t), want 0.9", got, ok)
	}
}

func TestProfilerAttachError(t *testing.T) {
	p := New()
	p.HotThreshold = 1
	p.Attach(&recordingInserter{err: errors.New("closed")}, 1)
	if !p.RecordInvocation(program.NewMethod("m", 1)) {
		t.Error("method should still turn hot when queueing fails")
	}
}

func TestProfilerTopMethodsAndReset(t *testing.T) {
	p := New()
	a := program.NewMethod("a", 1)
	b := program.NewMethod("b", 1)
	c := program.NewMethod("c", 1)
	for i := 0; i < 3; i++ {
		p.RecordInvocation(a)
	}
	for i := 0; i < 7; i++ {
		p.RecordInvocation(b)
	}
	p.RecordInvocation(c)

	top := p.TopMethods(2)
	if len(top) != 2 || top[0] != pipeline.Method(b) || top[1] != pipeline.Method(a) {
		t.Errorf("TopMethods(2) = %v, want [b a]", top)
	}

	stats := p.Stats()
	if stats.Methods != 3 || stats.Invocations != 11 {
		t.Errorf("Stats = %+v, want 3 methods and 11 invocations", stats)
	}

	p.Reset()
	if got := p.InvocationCount(b); got != 0 {
		t.Errorf("InvocationCount after Reset = %d, want 0", got)
	}
}
