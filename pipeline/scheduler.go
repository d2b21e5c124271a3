package pipeline

import "sync"

// schedulerPipe refines look-ahead candidates on a single goroutine. It
// keeps its own queue: tickets submitted here may still be moving through
// the stages, so inPipe is never touched.
type schedulerPipe struct {
	pipe *Pipeline

	mu     sync.Mutex
	cond   *sync.Cond
	queue  priorityQueue[*Ticket]
	closed bool
	wg     sync.WaitGroup
}

func newSchedulerPipe(p *Pipeline) *schedulerPipe {
	s := &schedulerPipe{pipe: p}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *schedulerPipe) start() {
	s.wg.Add(1)
	go s.run()
}

func (s *schedulerPipe) stop() {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
	s.wg.Wait()
}

// submit hands t over. The ticket is not destroyed before refine runs.
func (s *schedulerPipe) submit(t *Ticket) {
	p := s.pipe
	p.mu.Lock()
	t.inScheduling = true
	p.scheduling++
	p.mu.Unlock()

	t.mu.Lock()
	priority := t.priority
	t.mu.Unlock()

	s.mu.Lock()
	s.queue.push(t, priority)
	s.cond.Signal()
	s.mu.Unlock()
}

func (s *schedulerPipe) get() *Ticket {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.queue.Len() == 0 && !s.closed {
		s.cond.Wait()
	}
	if s.queue.Len() == 0 {
		return nil
	}
	return s.queue.popHead().value
}

func (s *schedulerPipe) run() {
	defer s.wg.Done()
	for {
		t := s.get()
		if t == nil {
			return
		}
		s.refine(t)
	}
}

func (s *schedulerPipe) refine(t *Ticket) {
	p := s.pipe

	t.mu.Lock()
	candidates := t.dlaMethods
	t.dlaMethods = nil
	t.mu.Unlock()

	if len(candidates) > 0 {
		refined, compileNow := p.env.Lookahead.UpdateMethodsToCompile(t.method, candidates)
		if compileNow {
			for _, c := range refined {
				p.insertCandidate(c.Method, c.Priority)
			}
		}
	}

	p.mu.Lock()
	t.inScheduling = false
	p.scheduling--
	destroy := t.finished && !t.destroyed
	if destroy {
		t.destroyed = true
		p.stats.destroyed.Add(1)
	}
	empty := p.emptyLocked()
	if empty {
		p.empty.Broadcast()
	}
	p.mu.Unlock()

	if destroy {
		p.destroyed(t)
	}
	p.flush()
	if empty {
		p.cctors.drained()
	}
}
