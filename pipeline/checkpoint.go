package pipeline

import "sync/atomic"

// Checkpoint is a cooperative preemption request for one running job.
// The worker set flips it; the job polls Requested at safe points and, when
// set, returns JobReschedule with whatever state it needs to resume.
type Checkpoint struct {
	requested atomic.Bool
}

// NewCheckpoint returns an unrequested checkpoint.
func NewCheckpoint() *Checkpoint {
	return &Checkpoint{}
}

// Requested reports whether the job should yield. A nil checkpoint never
// asks to yield.
func (c *Checkpoint) Requested() bool {
	return c != nil && c.requested.Load()
}

// Request asks the job to yield at its next safe point.
func (c *Checkpoint) Request() {
	c.requested.Store(true)
}
