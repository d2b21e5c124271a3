// Package staticmem runs cached type initializers and keeps the wait-for
// graph of static-constructor workers used to avoid compilation deadlocks.
package staticmem

import (
	"context"
	"sync"

	"github.com/tliron/commonlog"

	"github.com/chazu/transpipe/pipeline"
)

var log = commonlog.GetLogger("transpipe.staticmem")

// Executor runs one type initializer.
type Executor interface {
	RunConstructor(ctx context.Context, cctor pipeline.Method) error
}

// Blocker is told when a worker is about to wait for another worker's type
// initializer. The returned func is called when the wait ends.
type Blocker interface {
	BlockingCctor(ctx context.Context) func()
}

type cctorState int

const (
	notRun cctorState = iota
	running
	done
)

type cctorRecord struct {
	state  cctorState
	runner pipeline.ThreadID
	done   chan struct{}
	err    error
}

// Stats counts type initializer outcomes.
type Stats struct {
	Run              int
	Failed           int
	Cached           int
	Recursive        int
	Waited           int
	AvoidedDeadlocks int
}

// Manager is the static memory manager. Its lock is never held while
// calling the Executor or the Blocker.
//
// The wait-for graph has one node per worker. A worker waiting for a
// method's compilation depends on the worker running that method's type
// initializers; a worker waiting for a running type initializer depends on
// its runner.
type Manager struct {
	mu      sync.Mutex
	exec    Executor
	blocker Blocker

	cctors     map[pipeline.Method]*cctorRecord
	owners     map[pipeline.Method]pipeline.ThreadID
	waitMethod map[pipeline.ThreadID]pipeline.Method
	waitThread map[pipeline.ThreadID]pipeline.ThreadID

	stats Stats
}

// New returns a manager. Either collaborator may be nil and set later.
func New(exec Executor, blocker Blocker) *Manager {
	return &Manager{
		exec:       exec,
		blocker:    blocker,
		cctors:     make(map[pipeline.Method]*cctorRecord),
		owners:     make(map[pipeline.Method]pipeline.ThreadID),
		waitMethod: make(map[pipeline.ThreadID]pipeline.Method),
		waitThread: make(map[pipeline.ThreadID]pipeline.ThreadID),
	}
}

func (x *Manager) SetExecutor(exec Executor) {
	x.mu.Lock()
	x.exec = exec
	x.mu.Unlock()
}

func (x *Manager) SetBlocker(b Blocker) {
	x.mu.Lock()
	x.blocker = b
	x.mu.Unlock()
}

// CallCachedConstructors runs the type initializers m needs, in order. Each
// initializer runs at most once per manager. The calling worker owns m until
// it returns.
func (x *Manager) CallCachedConstructors(ctx context.Context, m pipeline.Method, cctors []pipeline.Method) {
	thread, tracked := pipeline.ThreadFromContext(ctx)
	if tracked {
		x.mu.Lock()
		prev, hadPrev := x.owners[m]
		x.owners[m] = thread
		x.mu.Unlock()
		defer func() {
			x.mu.Lock()
			if hadPrev {
				x.owners[m] = prev
			} else {
				delete(x.owners, m)
			}
			x.mu.Unlock()
		}()
	}
	for _, c := range cctors {
		x.runCached(ctx, thread, tracked, c)
	}
}

func (x *Manager) runCached(ctx context.Context, thread pipeline.ThreadID, tracked bool, c pipeline.Method) {
	x.mu.Lock()
	rec := x.cctors[c]
	if rec == nil {
		rec = &cctorRecord{done: make(chan struct{})}
		x.cctors[c] = rec
	}

	switch rec.state {
	case done:
		x.stats.Cached++
		x.mu.Unlock()
		return

	case running:
		if tracked && rec.runner == thread {
			x.stats.Recursive++
			x.mu.Unlock()
			return
		}
		if tracked && x.cycleLocked(thread, rec.runner) {
			x.stats.AvoidedDeadlocks++
			x.mu.Unlock()
			log.Warningf("type initializer %s is running on worker %d which waits for worker %d, not waiting",
				c.Name(), rec.runner, thread)
			return
		}
		if tracked {
			x.waitThread[thread] = rec.runner
		}
		x.stats.Waited++
		ch := rec.done
		blocker := x.blocker
		x.mu.Unlock()

		woken := func() {}
		if blocker != nil {
			woken = blocker.BlockingCctor(ctx)
		}
		select {
		case <-ch:
		case <-ctx.Done():
		}
		woken()

		if tracked {
			x.mu.Lock()
			delete(x.waitThread, thread)
			x.mu.Unlock()
		}
		return
	}

	rec.state = running
	rec.runner = thread
	exec := x.exec
	x.mu.Unlock()

	var err error
	if exec != nil {
		err = exec.RunConstructor(ctx, c)
	}

	x.mu.Lock()
	rec.state = done
	rec.err = err
	close(rec.done)
	x.stats.Run++
	if err != nil {
		x.stats.Failed++
	}
	x.mu.Unlock()

	if err != nil {
		log.Errorf("type initializer %s failed: %s", c.Name(), err)
	}
}

// WouldDeadlock reports whether thread waiting for m's compilation closes a
// cycle in the wait-for graph. When it does not, the wait is recorded until
// RegisterCompilationDone.
func (x *Manager) WouldDeadlock(thread pipeline.ThreadID, m pipeline.Method) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	if owner, ok := x.owners[m]; ok && x.cycleLocked(thread, owner) {
		return true
	}
	x.waitMethod[thread] = m
	return false
}

func (x *Manager) RegisterCompilationNeeded(thread pipeline.ThreadID, m pipeline.Method) {
	x.mu.Lock()
	x.waitMethod[thread] = m
	x.mu.Unlock()
}

func (x *Manager) RegisterCompilationDone(thread pipeline.ThreadID) {
	x.mu.Lock()
	delete(x.waitMethod, thread)
	x.mu.Unlock()
}

// Initialized reports whether c has run to completion.
func (x *Manager) Initialized(c pipeline.Method) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	rec := x.cctors[c]
	return rec != nil && rec.state == done
}

// Err returns the error c's initializer returned, if it ran.
func (x *Manager) Err(c pipeline.Method) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if rec := x.cctors[c]; rec != nil {
		return rec.err
	}
	return nil
}

func (x *Manager) Stats() Stats {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.stats
}
