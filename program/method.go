package program

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/chazu/transpipe/pipeline"
)

// Method is a synthetic compilation unit. It records every state it passes
// through so tests can check stage ordering.
type Method struct {
	name string

	mu      sync.Mutex
	state   pipeline.MethodState
	history []pipeline.MethodState
	ir      *IR
	code    bool

	// Instructions is the size of the method body in IR instructions.
	Instructions int
	// Callees are the methods this method calls.
	Callees []*Method
	// Cctors are the type initializers that must run before the method
	// becomes executable.
	Cctors []*Method
	// Body runs when the method is executed as a type initializer.
	Body func(ctx context.Context) error

	links atomic.Int64
}

// NewMethod returns a method in CIL state.
func NewMethod(name string, instructions int) *Method {
	return &Method{
		name:         name,
		state:        pipeline.StateCIL,
		history:      []pipeline.MethodState{pipeline.StateCIL},
		Instructions: instructions,
	}
}

func (m *Method) Lock()        { m.mu.Lock() }
func (m *Method) Unlock()      { m.mu.Unlock() }
func (m *Method) Name() string { return m.name }

// State must be called with the lock held.
func (m *Method) State() pipeline.MethodState { return m.state }

// SetState must be called with the lock held.
func (m *Method) SetState(s pipeline.MethodState) {
	if s == m.state {
		return
	}
	m.state = s
	m.history = append(m.history, s)
}

func (m *Method) IRMethod() any {
	if m.ir == nil {
		return nil
	}
	return m.ir
}

func (m *Method) CctorMethodsToCall() []pipeline.Method {
	if len(m.Cctors) == 0 {
		return nil
	}
	out := make([]pipeline.Method, len(m.Cctors))
	for i, c := range m.Cctors {
		out[i] = c
	}
	return out
}

// History returns the states the method went through, oldest first.
func (m *Method) History() []pipeline.MethodState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]pipeline.MethodState(nil), m.history...)
}

// CurrentState locks the method and returns its state.
func (m *Method) CurrentState() pipeline.MethodState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IR returns the attached IR, or nil before translation.
func (m *Method) IR() *IR {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ir
}

// Links is the number of times the method was linked into the program.
func (m *Method) Links() int {
	return int(m.links.Load())
}

// Reset puts the method back into CIL state, as after a code cache flush.
func (m *Method) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = pipeline.StateCIL
	m.history = append(m.history, pipeline.StateCIL)
	m.ir = nil
	m.code = false
}

func (m *Method) String() string {
	return m.name
}
