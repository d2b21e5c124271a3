package staticmem

import (
	cycle "github.com/joeycumines/go-detect-cycle/floyds"

	"github.com/chazu/transpipe/pipeline"
)

// waitGraph maps each blocked cctor thread to the threads it waits on.
type waitGraph map[pipeline.ThreadID][]pipeline.ThreadID

// edgesLocked returns the current wait-for graph. x.mu must be held.
func (x *Manager) edgesLocked() waitGraph {
	g := make(waitGraph, len(x.waitMethod)+len(x.waitThread))
	for t, m := range x.waitMethod {
		if owner, ok := x.owners[m]; ok {
			g[t] = append(g[t], owner)
		}
	}
	for t, r := range x.waitThread {
		g[t] = append(g[t], r)
	}
	return g
}

// cycleLocked reports whether adding the edge from -> to closes a cycle.
func (x *Manager) cycleLocked(from, to pipeline.ThreadID) bool {
	if from == to {
		return true
	}
	g := x.edgesLocked()
	g[from] = append(g[from], to)
	return g.deadlocked()
}

// deadlocked reports whether some chain of waiting threads leads back to
// itself. Threads whose every chain ends at a running thread are settled
// and not walked again.
func (g waitGraph) deadlocked() bool {
	settled := make(map[pipeline.ThreadID]bool, len(g))
	for waiter := range g {
		if !settled[waiter] && g.chainLoops(waiter, cycle.NewBranchingDetector(waiter, nil), settled) {
			return true
		}
	}
	return false
}

func (g waitGraph) chainLoops(waiter pipeline.ThreadID, d cycle.BranchingDetector, settled map[pipeline.ThreadID]bool) bool {
	for _, holder := range g[waiter] {
		if settled[holder] {
			continue
		}
		next := d.Hare(holder)
		loops := !next.Ok() || g.chainLoops(holder, next, settled)
		next.Clear()
		if loops {
			return true
		}
	}
	settled[waiter] = true
	return false
}
