package program

import (
	"context"
	"fmt"
	"math/rand/v2"
)

// WorkloadSpec describes a synthetic program.
type WorkloadSpec struct {
	// Methods is the number of ordinary methods.
	Methods int
	// Entries is how many of them are called directly by the driver.
	Entries int
	// FanOut is the maximum number of callees per method.
	FanOut int
	// CctorEvery gives every n-th method a type initializer. Zero disables.
	CctorEvery int
	// MutualPairs is the number of method pairs whose type initializers
	// each require the other method compiled.
	MutualPairs int
	// Size is the mean method size in instructions.
	Size int
	Seed uint64
}

// Workload is a generated program.
type Workload struct {
	Methods []*Method
	Entries []*Method
	Cctors  []*Method

	pairs [][2]*Method
}

// Generate builds a deterministic program from spec.
func Generate(spec WorkloadSpec) *Workload {
	rng := rand.New(rand.NewPCG(spec.Seed, spec.Seed^0x9e3779b97f4a7c15))
	size := max(spec.Size, 1)

	w := &Workload{}
	for i := 0; i < spec.Methods; i++ {
		w.Methods = append(w.Methods, NewMethod(fmt.Sprintf("m%03d", i), 1+rng.IntN(2*size)))
	}
	for i, m := range w.Methods {
		if spec.FanOut > 0 && i+1 < len(w.Methods) {
			n := rng.IntN(spec.FanOut + 1)
			for j := 0; j < n; j++ {
				// Only later methods, so the call graph stays acyclic.
				m.Callees = append(m.Callees, w.Methods[i+1+rng.IntN(len(w.Methods)-i-1)])
			}
		}
		if spec.CctorEvery > 0 && i%spec.CctorEvery == 0 {
			c := NewMethod(fmt.Sprintf("%s.cctor", m.name), 1+rng.IntN(size))
			m.Cctors = append(m.Cctors, c)
			w.Cctors = append(w.Cctors, c)
		}
	}

	for i := 0; i < spec.MutualPairs; i++ {
		a := NewMethod(fmt.Sprintf("pair%d.a", i), size)
		b := NewMethod(fmt.Sprintf("pair%d.b", i), size)
		ca := NewMethod(fmt.Sprintf("pair%d.a.cctor", i), size)
		cb := NewMethod(fmt.Sprintf("pair%d.b.cctor", i), size)
		a.Cctors = []*Method{ca}
		b.Cctors = []*Method{cb}
		w.Methods = append(w.Methods, a, b)
		w.Cctors = append(w.Cctors, ca, cb)
		w.Entries = append(w.Entries, a, b)
		w.pairs = append(w.pairs, [2]*Method{a, b})
	}

	entries := min(spec.Entries, spec.Methods)
	for i := 0; i < entries; i++ {
		w.Entries = append(w.Entries, w.Methods[i])
	}
	return w
}

// Bind makes each mutual pair's type initializers compile the other
// method of the pair through c.
func (w *Workload) Bind(c Compiler, priority float64) {
	for _, pair := range w.pairs {
		MutualCctors(pair[0], pair[1], c, priority)
	}
}

// MutualCctors wires a's type initializer to require b and b's to require
// a. Both methods must have exactly one type initializer.
func MutualCctors(a, b *Method, c Compiler, priority float64) {
	requires := func(other *Method) func(ctx context.Context) error {
		return func(ctx context.Context) error {
			return c.SynchInsertMethod(ctx, other, priority)
		}
	}
	a.Cctors[0].Body = requires(b)
	b.Cctors[0].Body = requires(a)
}
