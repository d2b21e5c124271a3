package pipeline

import "context"

// MethodState is the compilation state of a method.
type MethodState int

const (
	StateCIL MethodState = iota
	StateIR
	StateNeedsRecompile
	StateMachineCode
	StateExecutable
)

func (s MethodState) String() string {
	switch s {
	case StateCIL:
		return "cil"
	case StateIR:
		return "ir"
	case StateNeedsRecompile:
		return "needs-recompile"
	case StateMachineCode:
		return "machine-code"
	case StateExecutable:
		return "executable"
	}
	return "unknown"
}

// Method is the compilation unit handle. Implementations must be comparable
// (pointer types are) since the pipeline keys its ticket table by Method.
//
// State, SetState, IRMethod and CctorMethodsToCall are called with the
// method's lock held.
type Method interface {
	Lock()
	Unlock()
	State() MethodState
	SetState(MethodState)
	IRMethod() any
	CctorMethodsToCall() []Method
	Name() string
}

// JobStatus is what a stage job reports back to its worker.
type JobStatus int

const (
	// JobEnd means the stage is done with the ticket.
	JobEnd JobStatus = iota
	// JobReschedule means the job checkpointed and must run again in the
	// same stage.
	JobReschedule

	jobFailed JobStatus = -1
)

func (s JobStatus) String() string {
	switch s {
	case JobEnd:
		return "end"
	case JobReschedule:
		return "reschedule"
	}
	return "invalid"
}

// Translator attaches IR to a method.
type Translator interface {
	Translate(m Method)
}

// Optimizer runs the IR optimizer. resume is nil on the first call and the
// previously returned state after a JobReschedule. Implementations poll cp
// between units of work.
type Optimizer interface {
	OptimizeCheckpointable(ir any, resume any, cp *Checkpoint) (next any, status JobStatus)
}

// CodeGenerator produces machine code and patches call sites.
type CodeGenerator interface {
	GenerateMachineCode(m Method)
	LinkMethodToProgram(m Method)
}

// DeadlockOracle answers whether a static-constructor worker waiting for a
// method's compilation would close a cycle of waiting workers.
type DeadlockOracle interface {
	WouldDeadlock(thread ThreadID, m Method) bool
}

// StaticMemory runs type initializers and tracks which worker waits on what.
// It is called with the pipeline mutex held from the insertion path and must
// not call back into the pipeline from WouldDeadlock or the Register methods.
type StaticMemory interface {
	DeadlockOracle
	CallCachedConstructors(ctx context.Context, m Method, cctors []Method)
	RegisterCompilationNeeded(thread ThreadID, m Method)
	RegisterCompilationDone(thread ThreadID)
}

// Candidate is a method the look-ahead policy predicts will be needed.
type Candidate struct {
	Method   Method
	Priority float64
}

// LookaheadPolicy predicts methods worth compiling ahead of demand.
type LookaheadPolicy interface {
	MethodsToCompile(trigger Method) (candidates []Candidate, compileNow bool)
	UpdateMethodsToCompile(trigger Method, candidates []Candidate) (refined []Candidate, compileNow bool)
}

// ThreadID identifies a pipeline worker goroutine.
type ThreadID uint64

type threadKey struct{}

type threadInfo struct {
	id    ThreadID
	stage StageKind
	pipe  *Pipeline
	high  bool
}

func withThread(ctx context.Context, info *threadInfo) context.Context {
	return context.WithValue(ctx, threadKey{}, info)
}

func threadFrom(ctx context.Context) *threadInfo {
	if ctx == nil {
		return nil
	}
	info, _ := ctx.Value(threadKey{}).(*threadInfo)
	return info
}

// WithThreadID returns a context carrying id as the caller's thread
// identity. Pipeline workers get one automatically; drivers and tests that
// call collaborators directly use this. The pipeline never treats such a
// context as one of its own cctor workers.
func WithThreadID(ctx context.Context, id ThreadID) context.Context {
	return withThread(ctx, &threadInfo{id: id, stage: -1})
}

// ThreadFromContext returns the worker identity carried by ctx.
func ThreadFromContext(ctx context.Context) (ThreadID, bool) {
	info := threadFrom(ctx)
	if info == nil {
		return 0, false
	}
	return info.id, true
}

// IsCctorThread reports whether ctx belongs to a static-constructor worker.
func IsCctorThread(ctx context.Context) bool {
	info := threadFrom(ctx)
	return info != nil && info.stage == StageCctor
}
