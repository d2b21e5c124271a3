package manifest

import (
	"errors"
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid manifest")

const schema = `
#Threads: {
	high: int & >=1
	low:  int & >=1
}

priorities: {
	min:           number
	max:           number & >min
	"high-cutoff": number & >=0 & <=1
}

threads: {
	cil:            #Threads
	lookahead:      #Threads
	optimizer:      #Threads
	"machine-code": #Threads
	cctor:          #Threads
}

cctor: {
	skip:          bool
	"min-delta":   int & >=1
	"max-threads": int & >=2 & >=threads.cctor.high & >=threads.cctor.low
}

lookahead: {
	mode:        "off" | "static" | "dynamic"
	depth:       int & >=0
	decay:       number & >0 & <=1
	base:        number & >=priorities.min & <=priorities.max
	eager:       number
	scheduler:   bool
	"hot-boost": number & >=0
}

optimizer: {
	disabled:     bool
	passes:       int & >=0
	"pass-delay": string
}

profiler: {
	"hot-threshold": int & >=1
	"hot-priority":  number & >=priorities.min & <=priorities.max
}

journal: path: string

workload: {
	methods:        int & >=0
	entries:        int & >=0 & <=methods
	"fan-out":      int & >=0
	"cctor-every":  int & >=0
	"mutual-pairs": int & >=0
	size:           int & >=1
	seed:           int
	invocations:    int & >=0
	priority:       number & >=priorities.min & <=priorities.max
}
`

// Validate checks value ranges and cross-field constraints.
func (m *Manifest) Validate() error {
	ctx := cuecontext.New()
	s := ctx.CompileString(schema)
	if err := s.Err(); err != nil {
		return fmt.Errorf("manifest schema: %w", err)
	}

	v := s.Unify(ctx.Encode(m))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalid, cueerrors.Details(err, nil))
	}

	if _, err := m.PassDelay(); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalid, err)
	}
	return nil
}
