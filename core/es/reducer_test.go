package es

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

type counterState struct {
	N int `json:"n"`
}

type addEvent struct {
	By *int `json:"by"`
}

func applyAdd(s counterState, ev Event) (counterState, error) {
	e, err := DecodeData[addEvent](ev)
	if err != nil {
		return s, err
	}
	if e.By == nil {
		return s, Invalid(ev, "by", "is required")
	}
	s.N += *e.By
	return s, nil
}

func newCounterReducer(opts ...ReducerOption) *TypedReducer[counterState] {
	return NewReducer(
		"counter",
		func() counterState { return counterState{} },
		map[string]Handler[counterState]{"Added": applyAdd},
		opts...,
	)
}

func counterEvent(v Version, typ, data string) Event {
	return Event{
		ID:         "ev",
		EntityType: "counter",
		EntityID:   "c-1",
		Type:       typ,
		Data:       json.RawMessage(data),
		Version:    v,
	}
}

func TestReducer_Apply(t *testing.T) {
	r := newCounterReducer()
	require.Equal(t, EntityType("counter"), r.EntityType())
	require.Equal(t, []string{"Added"}, r.EventTypes())
	require.Equal(t, FailOnInvalid, r.Policy())

	s, err := r.Apply(counterState{N: 1}, counterEvent(1, "Added", `{"by":4}`))
	require.NoError(t, err)
	require.Equal(t, counterState{N: 5}, s)

	t.Run("unknown event type is a warning", func(t *testing.T) {
		s, err := r.Apply(counterState{N: 1}, counterEvent(2, "Renamed", `{}`))
		require.ErrorIs(t, err, ErrUnknownEventType)
		require.True(t, IsWarning(err))
		require.Equal(t, counterState{N: 1}, s)
	})

	t.Run("missing field", func(t *testing.T) {
		s, err := r.Apply(counterState{N: 1}, counterEvent(3, "Added", `{}`))
		require.ErrorIs(t, err, ErrValidation)
		require.False(t, IsWarning(err))
		require.Equal(t, counterState{N: 1}, s)

		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		require.Equal(t, "by", verr.Field)
		require.Equal(t, Version(3), verr.Version)
		require.Contains(t, verr.Error(), `field "by" is required`)
	})

	t.Run("malformed json", func(t *testing.T) {
		_, err := r.Apply(counterState{}, counterEvent(4, "Added", `{"by":`))
		require.ErrorIs(t, err, ErrValidation)
	})

	t.Run("skip invalid", func(t *testing.T) {
		lenient := newCounterReducer(WithValidationPolicy(SkipInvalid))
		s, err := lenient.Apply(counterState{N: 1}, counterEvent(3, "Added", `{}`))
		require.ErrorIs(t, err, ErrEventSkipped)
		require.ErrorIs(t, err, ErrValidation)
		require.True(t, IsWarning(err))
		require.Equal(t, counterState{N: 1}, s)
	})
}

func TestReducer_Fold(t *testing.T) {
	r := newCounterReducer()
	events := []Event{
		counterEvent(1, "Added", `{"by":1}`),
		counterEvent(2, "Unknown", `{}`),
		counterEvent(3, "Added", `{"by":2}`),
	}

	var warnings []Version
	s, err := r.Fold(counterState{}, events, func(ev Event, err error) {
		warnings = append(warnings, ev.Version)
	})
	require.NoError(t, err)
	require.Equal(t, counterState{N: 3}, s)
	require.Equal(t, []Version{2}, warnings)
}

func TestReducer_UntypedState(t *testing.T) {
	r := newCounterReducer()

	s, err := r.Reduce(nil, counterEvent(1, "Added", `{"by":2}`))
	require.NoError(t, err)
	require.Equal(t, counterState{N: 2}, s)

	_, err = r.Reduce("nope", counterEvent(1, "Added", `{"by":2}`))
	require.Error(t, err)

	data, err := r.EncodeState(counterState{N: 7})
	require.NoError(t, err)
	require.JSONEq(t, `{"n":7}`, string(data))

	decoded, err := r.DecodeState(data)
	require.NoError(t, err)
	require.Equal(t, counterState{N: 7}, decoded)

	_, err = r.DecodeState(json.RawMessage(`[1,2]`))
	require.Error(t, err)
}

func TestReducerTable(t *testing.T) {
	tbl, err := NewReducerTable(newCounterReducer())
	require.NoError(t, err)
	require.Equal(t, []EntityType{"counter"}, tbl.EntityTypes())

	r, err := tbl.Lookup("counter")
	require.NoError(t, err)
	require.Equal(t, EntityType("counter"), r.EntityType())

	_, err = tbl.Lookup("invoice")
	require.ErrorIs(t, err, ErrUnknownEntityType)

	_, err = NewReducerTable(newCounterReducer(), newCounterReducer())
	require.Error(t, err)
}
