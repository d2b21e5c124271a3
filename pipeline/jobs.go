package pipeline

import "context"

func (p *Pipeline) cilJob(ctx context.Context, t *Ticket, cp *Checkpoint) JobStatus {
	m := t.method
	m.Lock()
	if m.State() == StateCIL {
		p.env.Translator.Translate(m)
		m.SetState(StateIR)
	}
	m.Unlock()

	t.mu.Lock()
	p.wake(&t.waitIR)
	t.mu.Unlock()
	return JobEnd
}

func (p *Pipeline) lookaheadJob(ctx context.Context, t *Ticket, cp *Checkpoint) JobStatus {
	policy := p.env.Lookahead
	candidates, compileNow := policy.MethodsToCompile(t.method)
	if len(candidates) == 0 {
		return JobEnd
	}

	switch p.cfg.LookaheadMode {
	case LookaheadStatic:
		for _, c := range candidates {
			p.insertCandidate(c.Method, p.cfg.MinPriority)
		}
	case LookaheadDynamic:
		if compileNow {
			for _, c := range candidates {
				p.insertCandidate(c.Method, c.Priority)
			}
		}
		if p.scheduler != nil {
			t.mu.Lock()
			t.dlaMethods = candidates
			t.mu.Unlock()
			p.scheduler.submit(t)
		}
	}
	return JobEnd
}

// insertCandidate inserts a predicted method, clamping the priority into
// range. Failures only mean the pipeline is closing.
func (p *Pipeline) insertCandidate(m Method, priority float64) {
	if m == nil {
		return
	}
	priority = min(max(priority, p.cfg.MinPriority), p.cfg.MaxPriority)
	if err := p.InsertMethod(m, priority); err != nil {
		p.log.Debugf("dropping look-ahead candidate %s: %s", m.Name(), err)
	}
}

// optimizerJob runs the checkpointable optimizer. The method lock is not
// held: the IR belongs to the worker running the ticket.
func (p *Pipeline) optimizerJob(ctx context.Context, t *Ticket, cp *Checkpoint) JobStatus {
	m := t.method
	m.Lock()
	ir := m.IRMethod()
	m.Unlock()

	t.mu.Lock()
	resume := t.jobState
	t.mu.Unlock()

	next, status := p.env.Optimizer.OptimizeCheckpointable(ir, resume, cp)

	t.mu.Lock()
	switch status {
	case JobReschedule:
		t.jobState = next
	case JobEnd:
		t.jobState = nil
	}
	t.mu.Unlock()
	return status
}

func (p *Pipeline) machineCodeJob(ctx context.Context, t *Ticket, cp *Checkpoint) JobStatus {
	m := t.method
	m.Lock()
	if m.State() < StateMachineCode {
		p.env.CodeGen.GenerateMachineCode(m)
		m.SetState(StateMachineCode)
	}
	m.Unlock()

	t.mu.Lock()
	p.wake(&t.waitMachineCode)
	t.mu.Unlock()
	return JobEnd
}

func (p *Pipeline) cctorJob(ctx context.Context, t *Ticket, cp *Checkpoint) JobStatus {
	m := t.method
	m.Lock()
	cctors := m.CctorMethodsToCall()
	m.Unlock()

	if t.runCctors && p.env.StaticMemory != nil && len(cctors) > 0 {
		p.env.StaticMemory.CallCachedConstructors(ctx, m, cctors)
	}

	p.link(t)

	m.Lock()
	m.SetState(StateExecutable)
	m.Unlock()
	return JobEnd
}

// link patches call sites to the compiled code once per ticket.
func (p *Pipeline) link(t *Ticket) bool {
	linked := false
	t.linkOnce.Do(func() {
		p.env.CodeGen.LinkMethodToProgram(t.method)
		t.mu.Lock()
		t.trampolinesSet = true
		t.mu.Unlock()
		linked = true
	})
	return linked
}
