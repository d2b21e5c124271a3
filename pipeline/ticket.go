package pipeline

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Ticket is the compilation record of one method while it is in the
// pipeline. The pipeline table holds at most one ticket per method.
//
// Fields are guarded by mu unless noted. A ticket may be in the table while
// no queue holds it (a worker is running its job); inPipe is nil then.
type Ticket struct {
	mu sync.Mutex

	id      uuid.UUID
	method  Method
	created time.Time

	priority float64
	jobState any

	inPipe             *workerSet
	inHighPriorityPipe bool
	item               *pqItem[*Ticket]
	stage              StageKind

	// Set while a worker runs the ticket's job.
	runningIn *workerSet
	marker    *pqItem[*Checkpoint]

	trampolinesSet bool
	linkOnce       sync.Once

	runCctors             bool
	insertedByCctorThread bool

	// Guarded by the pipeline mutex.
	inScheduling bool
	finished     bool
	destroyed    bool

	waitCompletion  waiterSet
	waitIR          waiterSet
	waitMachineCode waiterSet

	dlaMethods []Candidate
}

func newTicket(m Method, priority float64, runCctors, byCctor bool) *Ticket {
	return &Ticket{
		id:                    uuid.New(),
		method:                m,
		created:               time.Now(),
		priority:              priority,
		runCctors:             runCctors,
		insertedByCctorThread: byCctor,
	}
}

// TicketInfo is a snapshot of a ticket.
type TicketInfo struct {
	ID                    uuid.UUID
	Method                string
	Priority              float64
	Stage                 StageKind
	Queued                bool
	High                  bool
	TrampolinesSet        bool
	InScheduling          bool
	InsertedByCctorThread bool
	Created               time.Time
}

// Lookup returns a snapshot of m's ticket, if m is in the pipeline.
func (p *Pipeline) Lookup(m Method) (TicketInfo, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.table[m]
	if !ok {
		return TicketInfo{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return TicketInfo{
		ID:                    t.id,
		Method:                m.Name(),
		Priority:              t.priority,
		Stage:                 t.stage,
		Queued:                t.inPipe != nil,
		High:                  t.inHighPriorityPipe,
		TrampolinesSet:        t.trampolinesSet,
		InScheduling:          t.inScheduling,
		InsertedByCctorThread: t.insertedByCctorThread,
		Created:               t.created,
	}, true
}
