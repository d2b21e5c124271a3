package pipeline

import (
	"sync"
	"time"
)

// EventKind names a ticket or pool lifecycle event.
type EventKind string

const (
	EventCreated     EventKind = "created"
	EventEnqueued    EventKind = "enqueued"
	EventDequeued    EventKind = "dequeued"
	EventRescheduled EventKind = "rescheduled"
	EventRaised      EventKind = "raised"
	EventPromoted    EventKind = "promoted"
	EventFinished    EventKind = "finished"
	EventDestroyed   EventKind = "destroyed"
	EventCheckpoint  EventKind = "checkpoint"
	EventBypassLink  EventKind = "bypass-link"
	EventPoolGrown   EventKind = "pool-grown"
	EventPoolReset   EventKind = "pool-reset"
)

// Event is one observation of the pipeline. Ticket and Method are empty for
// pool events; Threads is set only for pool events.
type Event struct {
	Kind     EventKind
	Ticket   string
	Method   string
	Stage    StageKind
	Priority float64
	High     bool
	Threads  int
	At       time.Time
}

// EventSink receives events. Record is called one event at a time, in
// emission order, and never with a pipeline lock held. A slow sink only
// stalls the goroutine delivering to it.
type EventSink interface {
	Record(Event)
}

// outbox holds emitted events until a goroutine without pipeline locks
// delivers them. At most one goroutine delivers at a time.
type outbox struct {
	mu      sync.Mutex
	pending []Event

	deliver sync.Mutex
}

func (o *outbox) take() []Event {
	o.mu.Lock()
	defer o.mu.Unlock()
	batch := o.pending
	o.pending = nil
	return batch
}

func (o *outbox) empty() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending) == 0
}

// emit queues ev. It may be called with any pipeline lock held.
func (p *Pipeline) emit(ev Event) {
	if p.env.Events == nil {
		return
	}
	ev.At = time.Now()
	p.events.mu.Lock()
	p.events.pending = append(p.events.pending, ev)
	p.events.mu.Unlock()
}

// flush delivers queued events, or leaves them to the goroutine already
// delivering. It must not be called with p.mu, a worker set lock or a
// ticket lock held.
func (p *Pipeline) flush() {
	if p.env.Events == nil {
		return
	}
	for p.events.deliver.TryLock() {
		for batch := p.events.take(); len(batch) > 0; batch = p.events.take() {
			for _, ev := range batch {
				p.env.Events.Record(ev)
			}
		}
		p.events.deliver.Unlock()
		// Events queued after the last take but before the unlock.
		if p.events.empty() {
			return
		}
	}
}

func (p *Pipeline) ticketEvent(kind EventKind, t *Ticket, stage StageKind, priority float64, high bool) {
	if p.env.Events == nil {
		return
	}
	p.emit(Event{
		Kind:     kind,
		Ticket:   t.id.String(),
		Method:   t.method.Name(),
		Stage:    stage,
		Priority: priority,
		High:     high,
	})
}
