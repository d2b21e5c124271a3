// Package lookahead predicts which methods will be needed soon by walking
// the static call graph from a method that is being compiled.
package lookahead

import (
	"math"
	"sort"

	"github.com/chazu/transpipe/pipeline"
)

// CallGraph returns the static callees of a method.
type CallGraph interface {
	Callees(m pipeline.Method) []pipeline.Method
}

// Hotness reports how often a method ran. The profiler satisfies it.
type Hotness interface {
	InvocationCount(m pipeline.Method) uint64
}

// CallGraphPolicy is a breadth-first look-ahead over the call graph.
// A callee at depth d gets priority Base * Decay^d, clamped to
// [MinPriority, MaxPriority].
type CallGraphPolicy struct {
	Graph CallGraph
	Depth int
	Decay float64
	Base  float64

	// Eager is the priority at or above which candidates are inserted right
	// away rather than only after refinement.
	Eager float64

	MinPriority float64
	MaxPriority float64

	// Hotness and HotBoost raise refined priorities by HotBoost times
	// log2(1+invocations). Both optional.
	Hotness  Hotness
	HotBoost float64
}

func (p *CallGraphPolicy) clamp(v float64) float64 {
	return min(max(v, p.MinPriority), p.MaxPriority)
}

func compiled(m pipeline.Method) bool {
	m.Lock()
	defer m.Unlock()
	return m.State() >= pipeline.StateMachineCode
}

// MethodsToCompile implements pipeline.LookaheadPolicy.
func (p *CallGraphPolicy) MethodsToCompile(trigger pipeline.Method) ([]pipeline.Candidate, bool) {
	if p.Graph == nil || p.Depth <= 0 {
		return nil, false
	}

	seen := map[pipeline.Method]bool{trigger: true}
	frontier := []pipeline.Method{trigger}
	priority := p.Base
	var out []pipeline.Candidate
	compileNow := false

	for depth := 1; depth <= p.Depth && len(frontier) > 0; depth++ {
		priority *= p.Decay
		var next []pipeline.Method
		for _, m := range frontier {
			for _, callee := range p.Graph.Callees(m) {
				if callee == nil || seen[callee] {
					continue
				}
				seen[callee] = true
				next = append(next, callee)
				if compiled(callee) {
					continue
				}
				c := pipeline.Candidate{Method: callee, Priority: p.clamp(priority)}
				if c.Priority >= p.Eager {
					compileNow = true
				}
				out = append(out, c)
			}
		}
		frontier = next
	}
	return out, compileNow
}

// UpdateMethodsToCompile implements pipeline.LookaheadPolicy. Candidates
// that got compiled in the meantime are dropped, the rest are boosted by
// hotness and returned highest priority first.
func (p *CallGraphPolicy) UpdateMethodsToCompile(trigger pipeline.Method, candidates []pipeline.Candidate) ([]pipeline.Candidate, bool) {
	out := make([]pipeline.Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.Method == nil || compiled(c.Method) {
			continue
		}
		if p.Hotness != nil && p.HotBoost > 0 {
			n := p.Hotness.InvocationCount(c.Method)
			c.Priority += p.HotBoost * math.Log2(1+float64(n))
		}
		c.Priority = p.clamp(c.Priority)
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority > out[j].Priority
	})
	return out, len(out) > 0
}
