package pipeline

import (
	"context"
	"sync"
)

// waiter is a one-shot wake-up handle. Signalling more than once is a no-op.
type waiter struct {
	ch   chan struct{}
	once sync.Once
}

func newWaiter() *waiter {
	return &waiter{ch: make(chan struct{})}
}

// signal wakes the waiter and reports whether this call did it.
func (w *waiter) signal() (first bool) {
	w.once.Do(func() {
		close(w.ch)
		first = true
	})
	return first
}

func (w *waiter) wait(ctx context.Context) error {
	select {
	case <-w.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// waiterSet holds the waiters of one ticket condition. Adding the same
// waiter twice keeps one entry.
type waiterSet map[*waiter]struct{}

func (s *waiterSet) add(w *waiter) {
	if *s == nil {
		*s = make(waiterSet)
	}
	(*s)[w] = struct{}{}
}

// signal wakes and drops every waiter, returning how many were woken.
func (s *waiterSet) signal() int {
	n := 0
	for w := range *s {
		if w.signal() {
			n++
		}
	}
	*s = nil
	return n
}
