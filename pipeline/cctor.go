package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
)

// cctorPhase is the state of the cctor pool growth machine.
type cctorPhase int

const (
	cctorIdle cctorPhase = iota
	cctorGrowing
	cctorSteady
)

func (ph cctorPhase) String() string {
	switch ph {
	case cctorIdle:
		return "idle"
	case cctorGrowing:
		return "growing"
	case cctorSteady:
		return "steady"
	}
	return "unknown"
}

// cctorLoad is what the growth machine decides on.
type cctorLoad struct {
	blockedHigh, blockedLow int
	high, low               int
}

func (l cctorLoad) saturated() bool {
	blocked := l.blockedHigh + l.blockedLow
	total := l.high + l.low
	return 2*blocked >= total || l.blockedHigh >= l.high || l.blockedLow >= l.low
}

// cctorGrowth sizes the cctor pool. Each step adds delta workers to both
// classes and doubles delta; draining resets delta to the floor. The pool
// never exceeds ceiling workers per class.
type cctorGrowth struct {
	phase   cctorPhase
	delta   int
	floor   int
	ceiling int
	history []int
}

func newCctorGrowth(floor, ceiling int) *cctorGrowth {
	return &cctorGrowth{phase: cctorIdle, delta: floor, floor: floor, ceiling: ceiling}
}

// onBlocked returns how many workers to add to each class.
func (g *cctorGrowth) onBlocked(load cctorLoad) int {
	if load.blocked() == 0 || !load.saturated() {
		if g.phase == cctorGrowing {
			g.phase = cctorSteady
		}
		return 0
	}
	n := g.delta
	if room := g.ceiling - max(load.high, load.low); n > room {
		n = room
	}
	if n <= 0 {
		g.phase = cctorSteady
		return 0
	}
	g.phase = cctorGrowing
	g.history = append(g.history, n)
	g.delta *= 2
	return n
}

// onDrained resets the machine and reports whether the pool had grown.
func (g *cctorGrowth) onDrained() bool {
	grown := g.phase != cctorIdle
	g.phase = cctorIdle
	g.delta = g.floor
	return grown
}

func (l cctorLoad) blocked() int {
	return l.blockedHigh + l.blockedLow
}

// cctorSupervisor owns the cctor stage's worker counts. Workers report
// blocking waits; the supervisor goroutine grows the pool and resets it when
// the pipeline drains.
type cctorSupervisor struct {
	pipe  *Pipeline
	stage *Stage

	blocked [2]atomic.Int64 // indexed by class, 1 is high

	kick    chan struct{}
	drain   atomic.Bool
	done    chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup

	mu     sync.Mutex
	growth *cctorGrowth
	resets int
}

func newCctorSupervisor(p *Pipeline, s *Stage) *cctorSupervisor {
	return &cctorSupervisor{
		pipe:   p,
		stage:  s,
		kick:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		growth: newCctorGrowth(p.cfg.MinCctorsDelta, p.cfg.MaxCctorThreads),
	}
}

func (c *cctorSupervisor) start() {
	c.wg.Add(1)
	go c.run()
}

func (c *cctorSupervisor) stop() {
	c.stopped.Do(func() { close(c.done) })
	c.wg.Wait()
}

func (c *cctorSupervisor) wake() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

func classIndex(high bool) int {
	if high {
		return 1
	}
	return 0
}

// declareWaiting marks a cctor worker as blocked. The returned func marks it
// runnable again.
func (c *cctorSupervisor) declareWaiting(info *threadInfo) func() {
	counter := &c.blocked[classIndex(info.high)]
	counter.Add(1)
	c.wake()
	var once sync.Once
	return func() {
		once.Do(func() { counter.Add(-1) })
	}
}

// drained is called after the pipeline became empty.
func (c *cctorSupervisor) drained() {
	c.drain.Store(true)
	c.wake()
}

func (c *cctorSupervisor) run() {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case <-c.kick:
		}
		if c.drain.Swap(false) {
			c.reset()
		}
		c.grow()
		c.pipe.flush()
	}
}

func (c *cctorSupervisor) load() cctorLoad {
	return cctorLoad{
		blockedHigh: int(c.blocked[1].Load()),
		blockedLow:  int(c.blocked[0].Load()),
		high:        c.stage.high.size(),
		low:         c.stage.low.size(),
	}
}

func (c *cctorSupervisor) grow() {
	c.mu.Lock()
	n := c.growth.onBlocked(c.load())
	c.mu.Unlock()
	if n == 0 {
		return
	}
	c.stage.high.spawn(n)
	c.stage.low.spawn(n)

	p := c.pipe
	threads := c.stage.high.size() + c.stage.low.size()
	if _, ok := p.throttle.Allow("cctor-grow"); ok {
		p.log.Noticef("cctor pool grown by %d per class to %d workers", n, threads)
	}
	p.emit(Event{Kind: EventPoolGrown, Stage: StageCctor, Threads: threads})
}

// reset kills every cctor worker and restarts the floor count, provided the
// pipeline is still empty. Holding the pipeline mutex keeps it empty while
// the pool is replaced.
func (c *cctorSupervisor) reset() {
	p := c.pipe
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.emptyLocked() || p.closed {
		return
	}

	c.mu.Lock()
	grown := c.growth.onDrained()
	c.mu.Unlock()

	high, low := c.stage.high.size(), c.stage.low.size()
	if !grown && high == cctorRestartThreads && low == cctorRestartThreads {
		return
	}
	c.stage.high.killAll()
	c.stage.low.killAll()
	c.stage.high.spawn(cctorRestartThreads)
	c.stage.low.spawn(cctorRestartThreads)

	c.mu.Lock()
	c.resets++
	c.mu.Unlock()

	p.log.Infof("pipeline drained, cctor pool reset to %d per class", cctorRestartThreads)
	p.emit(Event{Kind: EventPoolReset, Stage: StageCctor, Threads: 2 * cctorRestartThreads})
}

func (c *cctorSupervisor) history() ([]int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.growth.history...), c.resets
}

// BlockingCctor is called by the static memory manager before a worker
// blocks on another thread's type initializer. The returned func must be
// called once the wait ends. Outside cctor workers it does nothing.
func (p *Pipeline) BlockingCctor(ctx context.Context) func() {
	info := threadFrom(ctx)
	if info == nil || info.pipe != p || info.stage != StageCctor {
		return func() {}
	}
	return p.cctors.declareWaiting(info)
}
