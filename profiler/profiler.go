// Package profiler counts method invocations and reports methods that turn
// hot so they can be compiled at a higher priority.
package profiler

import (
	"sync"
	"sync/atomic"

	"github.com/tliron/commonlog"

	"github.com/chazu/transpipe/pipeline"
)

var log = commonlog.GetLogger("transpipe.profiler")

// MethodProfile holds profiling data for a single method.
type MethodProfile struct {
	InvocationCount atomic.Uint64
	hot             atomic.Bool
}

// IsHot reports whether the method crossed the threshold.
func (mp *MethodProfile) IsHot() bool {
	return mp.hot.Load()
}

// Profiler tracks invocation counts per method.
type Profiler struct {
	profiles sync.Map // pipeline.Method -> *MethodProfile

	// HotThreshold is the invocation count at which a method turns hot.
	HotThreshold uint64

	// OnHot is called once per method, from the invoking goroutine, when it
	// turns hot.
	OnHot func(m pipeline.Method, profile *MethodProfile)

	hotCount atomic.Uint64
}

// New creates a profiler with the default threshold.
func New() *Profiler {
	return &Profiler{HotThreshold: 100}
}

// RecordInvocation increments m's invocation count. Returns true if this
// invocation made the method hot.
func (p *Profiler) RecordInvocation(m pipeline.Method) bool {
	if m == nil {
		return false
	}

	val, _ := p.profiles.LoadOrStore(m, &MethodProfile{})
	profile := val.(*MethodProfile)

	count := profile.InvocationCount.Add(1)
	if count < p.HotThreshold || !profile.hot.CompareAndSwap(false, true) {
		return false
	}
	p.hotCount.Add(1)
	if p.OnHot != nil {
		p.OnHot(m, profile)
	}
	return true
}

// Profile returns the profile for m, or nil if m was never invoked.
func (p *Profiler) Profile(m pipeline.Method) *MethodProfile {
	if val, ok := p.profiles.Load(m); ok {
		return val.(*MethodProfile)
	}
	return nil
}

// InvocationCount returns how often m was invoked.
func (p *Profiler) InvocationCount(m pipeline.Method) uint64 {
	if profile := p.Profile(m); profile != nil {
		return profile.InvocationCount.Load()
	}
	return 0
}

// IsHot returns true if m has exceeded the hot threshold.
func (p *Profiler) IsHot(m pipeline.Method) bool {
	profile := p.Profile(m)
	return profile != nil && profile.IsHot()
}

// HotMethodCount returns how many methods turned hot.
func (p *Profiler) HotMethodCount() uint64 {
	return p.hotCount.Load()
}

// Stats holds aggregate profiling statistics.
type Stats struct {
	Methods     int
	HotMethods  int
	Invocations uint64
}

// Stats returns aggregate profiling statistics.
func (p *Profiler) Stats() Stats {
	var stats Stats
	p.profiles.Range(func(key, value interface{}) bool {
		profile := value.(*MethodProfile)
		stats.Methods++
		stats.Invocations += profile.InvocationCount.Load()
		if profile.IsHot() {
			stats.HotMethods++
		}
		return true
	})
	return stats
}

// TopMethods returns the n most frequently invoked methods.
func (p *Profiler) TopMethods(n int) []pipeline.Method {
	type methodCount struct {
		method pipeline.Method
		count  uint64
	}

	var all []methodCount
	p.profiles.Range(func(key, value interface{}) bool {
		all = append(all, methodCount{key.(pipeline.Method), value.(*MethodProfile).InvocationCount.Load()})
		return true
	})

	// Selection sort for top N, n is small.
	for i := 0; i < n && i < len(all); i++ {
		maxIdx := i
		for j := i + 1; j < len(all); j++ {
			if all[j].count > all[maxIdx].count {
				maxIdx = j
			}
		}
		all[i], all[maxIdx] = all[maxIdx], all[i]
	}

	result := make([]pipeline.Method, 0, n)
	for i := 0; i < n && i < len(all); i++ {
		result = append(result, all[i].method)
	}
	return result
}

// Reset clears all profiling data.
func (p *Profiler) Reset() {
	p.profiles.Clear()
	p.hotCount.Store(0)
}

// Inserter is the asynchronous half of the pipeline API.
type Inserter interface {
	InsertMethod(m pipeline.Method, priority float64) error
}

// Attach makes hot methods get queued on pipe at priority. An existing
// OnHot callback still runs first.
func (p *Profiler) Attach(pipe Inserter, priority float64) {
	prev := p.OnHot
	p.OnHot = func(m pipeline.Method, profile *MethodProfile) {
		if prev != nil {
			prev(m, profile)
		}
		if err := pipe.InsertMethod(m, priority); err != nil {
			log.Warningf("hot method %s not queued: %s", m.Name(), err)
			return
		}
		log.Debugf("hot method %s queued at %.2f after %d invocations",
			m.Name(), priority, profile.InvocationCount.Load())
	}
}
