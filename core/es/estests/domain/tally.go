// Package domain holds a small counter entity used by the conformance
// suites. It exercises every reducer path without depending on the
// business domains.
package domain

import (
	"github.com/Iscgrou/roboinv/core/es"
)

const (
	EntityTally es.EntityType = "tally"

	EventIncremented = "Incremented"
)

type (
	Tally struct {
		Counter        int `json:"counter"`
		NumIncrements  int `json:"num_increments"`
		NumResets      int `json:"num_resets"`
		NumTotalEvents int `json:"num_total_events"`
	}

	Incremented struct {
		Inc    int  `json:"inc,omitempty"`
		Reset  bool `json:"reset,omitempty"`
		Writer int  `json:"writer,omitempty"`
	}
)

func applyIncremented(s Tally, ev es.Event) (Tally, error) {
	e, err := es.DecodeData[Incremented](ev)
	if err != nil {
		return s, err
	}
	if e.Inc < 0 {
		return s, es.Invalid(ev, "inc", "must not be negative")
	}

	s.NumTotalEvents++
	if e.Inc > 0 {
		s.Counter += e.Inc
		s.NumIncrements++
	}
	if e.Reset {
		s.Counter = 0
		s.NumResets++
	}
	return s, nil
}

func NewReducer(opts ...es.ReducerOption) *es.TypedReducer[Tally] {
	return es.NewReducer(
		EntityTally,
		func() Tally { return Tally{} },
		map[string]es.Handler[Tally]{
			EventIncremented: applyIncremented,
		},
		opts...,
	)
}

// === Commands ===

func Inc(id string, n int) es.NewEvent {
	return es.NewEvent{
		EntityType: EntityTally,
		EntityID:   id,
		Type:       EventIncremented,
		Data:       Incremented{Inc: n},
	}
}

func IncBy(id string, writer, n int) es.NewEvent {
	ev := Inc(id, n)
	ev.Data = Incremented{Inc: n, Writer: writer}
	return ev
}

func Reset(id string) es.NewEvent {
	return es.NewEvent{
		EntityType: EntityTally,
		EntityID:   id,
		Type:       EventIncremented,
		Data:       Incremented{Reset: true},
	}
}
