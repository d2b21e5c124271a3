package journal

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/chazu/transpipe/pipeline"
)

// Canonical mode keeps payloads byte-identical for identical events.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("journal: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// record is the stored form of a pipeline.Event.
type record struct {
	Kind     string  `cbor:"1,keyasint"`
	Ticket   string  `cbor:"2,keyasint,omitempty"`
	Method   string  `cbor:"3,keyasint,omitempty"`
	Stage    int     `cbor:"4,keyasint"`
	Priority float64 `cbor:"5,keyasint"`
	High     bool    `cbor:"6,keyasint,omitempty"`
	Threads  int     `cbor:"7,keyasint,omitempty"`
	At       int64   `cbor:"8,keyasint"`
}

func marshalEvent(ev pipeline.Event) ([]byte, error) {
	return cborEncMode.Marshal(&record{
		Kind:     string(ev.Kind),
		Ticket:   ev.Ticket,
		Method:   ev.Method,
		Stage:    int(ev.Stage),
		Priority: ev.Priority,
		High:     ev.High,
		Threads:  ev.Threads,
		At:       ev.At.UnixNano(),
	})
}

func unmarshalEvent(data []byte) (pipeline.Event, error) {
	var r record
	if err := cbor.Unmarshal(data, &r); err != nil {
		return pipeline.Event{}, fmt.Errorf("journal: unmarshal event: %w", err)
	}
	return pipeline.Event{
		Kind:     pipeline.EventKind(r.Kind),
		Ticket:   r.Ticket,
		Method:   r.Method,
		Stage:    pipeline.StageKind(r.Stage),
		Priority: r.Priority,
		High:     r.High,
		Threads:  r.Threads,
		At:       time.Unix(0, r.At),
	}, nil
}
