// Package pipeline implements the translation pipeline that turns bytecode
// methods into executable machine code.
//
// This package contains:
//   - Tickets: per-method compilation records with completion waiters
//   - Worker sets: goroutine pools over a max-priority ticket queue
//   - Stages: high/low priority worker set pairs around one compilation phase
//   - The scheduler pipe that refines look-ahead candidates
//   - The pipeline itself: method table, insertion API, deadlock avoidance
//     for static-constructor workers, and the cctor pool supervisor
//
// # Stages
//
// Tickets flow through five stages in a fixed order:
//
//	CIL -> look-ahead -> IR optimizer -> machine code -> static constructor
//
// Disabled stages (no look-ahead policy, no optimizer) are skipped. A method
// enters at the stage matching its current state and never moves backwards.
//
// # Preemption
//
// There is no hard preemption. When a ticket arrives at a worker set whose
// workers are all busy and it outranks the lowest-priority running job, that
// job's Checkpoint is flagged. Jobs that poll the flag (the optimizer) return
// JobReschedule with a resume state and the ticket is queued again.
package pipeline
