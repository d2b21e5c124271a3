package pipeline

import (
	"context"
	"math"
	"sync"
)

// workerSet is a goroutine pool servicing one priority class of one stage.
//
// busy holds one checkpoint per running job keyed by MaxPriority minus the
// job's priority, so its head is the lowest-priority job in flight.
type workerSet struct {
	stage *Stage
	high  bool

	mu     sync.Mutex
	cond   *sync.Cond
	queue  priorityQueue[*Ticket]
	busy   priorityQueue[*Checkpoint]
	steady int

	threads int
	dying   int
	wg      sync.WaitGroup
}

func newWorkerSet(s *Stage, high bool) *workerSet {
	ws := &workerSet{stage: s, high: high}
	ws.cond = sync.NewCond(&ws.mu)
	return ws
}

func (ws *workerSet) spawn(n int) {
	if n <= 0 {
		return
	}
	ws.mu.Lock()
	ws.threads += n
	ws.mu.Unlock()

	p := ws.stage.pipe
	for i := 0; i < n; i++ {
		info := &threadInfo{
			id:    ThreadID(p.threadSeq.Add(1)),
			stage: ws.stage.kind,
			pipe:  p,
			high:  ws.high,
		}
		ws.wg.Add(1)
		go ws.run(withThread(p.baseCtx, info))
	}
}

// killAll queues one shutdown sentinel per live worker. Sentinels sort above
// every ticket.
func (ws *workerSet) killAll() {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	n := ws.threads - ws.dying
	for i := 0; i < n; i++ {
		ws.queue.push(nil, math.Inf(1))
	}
	ws.dying += n
	ws.cond.Broadcast()
}

func (ws *workerSet) size() int {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.threads - ws.dying
}

func (ws *workerSet) run(ctx context.Context) {
	defer ws.wg.Done()
	for {
		t, marker := ws.get()
		if t == nil {
			return
		}
		status := ws.stage.process(ctx, t, marker.value)
		ws.done(t, marker)
		ws.stage.handoff(ws, t, status)
		ws.stage.pipe.flush()
	}
}

// get blocks until a ticket is available. A nil ticket means the worker
// must exit.
func (ws *workerSet) get() (*Ticket, *pqItem[*Checkpoint]) {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	ws.steady++
	for ws.queue.Len() == 0 {
		ws.cond.Wait()
	}
	ws.steady--

	it := ws.queue.popHead()
	t := it.value
	if t == nil {
		ws.threads--
		ws.dying--
		return nil, nil
	}

	t.mu.Lock()
	t.inPipe = nil
	t.item = nil
	marker := ws.busy.push(NewCheckpoint(), ws.stage.pipe.cfg.MaxPriority-t.priority)
	t.runningIn = ws
	t.marker = marker
	t.mu.Unlock()
	return t, marker
}

func (ws *workerSet) done(t *Ticket, marker *pqItem[*Checkpoint]) {
	ws.mu.Lock()
	ws.busy.remove(marker)
	t.mu.Lock()
	if t.marker == marker {
		t.runningIn = nil
		t.marker = nil
	}
	t.mu.Unlock()
	ws.mu.Unlock()
}

// rekeyRunning moves the busy marker of t's running job to t's current
// priority.
func (ws *workerSet) rekeyRunning(t *Ticket) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.runningIn != ws || t.marker == nil {
		return
	}
	ws.busy.changePriority(t.marker, ws.stage.pipe.cfg.MaxPriority-t.priority)
}

func (ws *workerSet) put(t *Ticket) {
	ws.mu.Lock()
	t.mu.Lock()
	priority := t.priority
	t.item = ws.queue.push(t, priority)
	t.inPipe = ws
	t.inHighPriorityPipe = ws.high
	t.stage = ws.stage.kind
	t.mu.Unlock()
	requested := ws.tryCheckpoint(priority)
	ws.mu.Unlock()

	p := ws.stage.pipe
	p.ticketEvent(EventEnqueued, t, ws.stage.kind, priority, ws.high)
	if requested {
		p.checkpointRequested(t, ws)
	}
}

// tryCheckpoint wakes an idle worker if there is one, otherwise flags the
// lowest-priority running job when priority outranks it. ws.mu must be held.
func (ws *workerSet) tryCheckpoint(priority float64) bool {
	if ws.steady >= ws.queue.Len() {
		ws.cond.Signal()
		return false
	}
	head := ws.busy.head()
	if head == nil {
		return false
	}
	running := ws.stage.pipe.cfg.MaxPriority - head.priority
	if priority <= running {
		return false
	}
	ws.busy.popHead()
	head.value.Request()
	return true
}

// reposition restores heap order after t's priority was raised in place.
func (ws *workerSet) reposition(t *Ticket) {
	ws.mu.Lock()
	t.mu.Lock()
	if t.inPipe != ws || t.item == nil {
		t.mu.Unlock()
		ws.mu.Unlock()
		return
	}
	priority := t.priority
	ws.queue.changePriority(t.item, priority)
	t.mu.Unlock()
	requested := ws.tryCheckpoint(priority)
	ws.mu.Unlock()

	if requested {
		ws.stage.pipe.checkpointRequested(t, ws)
	}
}

// take removes t from the queue if it is still queued here.
func (ws *workerSet) take(t *Ticket, ok func(*Ticket) bool) bool {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.inPipe != ws || t.item == nil || !ok(t) {
		return false
	}
	ws.queue.remove(t.item)
	t.inPipe = nil
	t.item = nil
	return true
}
