package program

import (
	"context"
	"fmt"
	"time"

	"github.com/chazu/transpipe/pipeline"
)

// IR is the intermediate representation attached by the Translator.
type IR struct {
	Method       string
	Instructions int
	Passes       int
	Optimized    bool
}

func asMethod(m pipeline.Method) *Method {
	pm, ok := m.(*Method)
	if !ok {
		panic(fmt.Sprintf("program: foreign method %T", m))
	}
	return pm
}

// Translator attaches IR to methods. Hook, if set, runs after translation.
type Translator struct {
	Delay time.Duration
	Hook  func(m *Method)
}

func (t *Translator) Translate(m pipeline.Method) {
	pm := asMethod(m)
	if t.Delay > 0 {
		time.Sleep(t.Delay)
	}
	pm.ir = &IR{Method: pm.name, Instructions: pm.Instructions}
	if t.Hook != nil {
		t.Hook(pm)
	}
}

// OptState is the optimizer's resume state.
type OptState struct {
	Pass    int
	Resumes int
}

// Optimizer runs a fixed number of passes and yields between passes when a
// checkpoint is requested. Every run makes at least one pass.
type Optimizer struct {
	Passes    int
	PassDelay time.Duration
	// Hook runs before each pass.
	Hook func(ir *IR, st *OptState)
}

func (o *Optimizer) OptimizeCheckpointable(ir any, resume any, cp *pipeline.Checkpoint) (any, pipeline.JobStatus) {
	code, _ := ir.(*IR)
	st, _ := resume.(*OptState)
	if st == nil {
		st = &OptState{}
	} else {
		st.Resumes++
	}

	for st.Pass < o.Passes {
		if o.Hook != nil {
			o.Hook(code, st)
		}
		if o.PassDelay > 0 {
			time.Sleep(o.PassDelay)
		}
		st.Pass++
		if code != nil {
			code.Passes++
		}
		if st.Pass < o.Passes && cp.Requested() {
			return st, pipeline.JobReschedule
		}
	}
	if code != nil {
		code.Optimized = true
	}
	return nil, pipeline.JobEnd
}

// CodeGenerator marks methods compiled and counts links.
type CodeGenerator struct {
	Delay time.Duration
}

func (g *CodeGenerator) GenerateMachineCode(m pipeline.Method) {
	pm := asMethod(m)
	if g.Delay > 0 {
		time.Sleep(g.Delay)
	}
	pm.code = true
}

func (g *CodeGenerator) LinkMethodToProgram(m pipeline.Method) {
	asMethod(m).links.Add(1)
}

// CallGraph exposes Method.Callees to the look-ahead policy.
type CallGraph struct{}

func (CallGraph) Callees(m pipeline.Method) []pipeline.Method {
	pm := asMethod(m)
	out := make([]pipeline.Method, len(pm.Callees))
	for i, c := range pm.Callees {
		out[i] = c
	}
	return out
}

// Compiler is the synchronous half of the pipeline API.
type Compiler interface {
	SynchInsertMethod(ctx context.Context, m pipeline.Method, priority float64) error
}

// ConstructorRunner executes type initializers: it compiles the initializer
// on the calling worker, then runs its body.
type ConstructorRunner struct {
	Compiler Compiler
	Priority float64
}

func (r *ConstructorRunner) RunConstructor(ctx context.Context, cctor pipeline.Method) error {
	if err := r.Compiler.SynchInsertMethod(ctx, cctor, r.Priority); err != nil {
		return fmt.Errorf("compiling type initializer %s: %w", cctor.Name(), err)
	}
	pm := asMethod(cctor)
	if pm.Body == nil {
		return nil
	}
	return pm.Body(ctx)
}
