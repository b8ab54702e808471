package es

import (
	"encoding/json"
	"fmt"
	"slices"
)

// Reducer folds the events of one entity type into its state. Reduce must
// be pure: no I/O, no clock, no randomness, and it must never mutate the
// state it was given.
type Reducer interface {
	EntityType() EntityType
	// Initial returns the state before any event.
	Initial() any
	// Reduce applies ev to state. It returns the state unchanged together
	// with a warning (see IsWarning) when the event is ignored, or a
	// ValidationError when the event data is malformed.
	Reduce(state any, ev Event) (any, error)
	EncodeState(state any) (json.RawMessage, error)
	DecodeState(data json.RawMessage) (any, error)
}

// Handler applies one event type to a typed state.
type Handler[S any] func(state S, ev Event) (S, error)

// ValidationPolicy decides what a reducer does with an event whose data is
// malformed.
type ValidationPolicy int

const (
	// FailOnInvalid surfaces the ValidationError and stops reconstruction.
	FailOnInvalid ValidationPolicy = iota
	// SkipInvalid leaves the state unchanged and reports ErrEventSkipped.
	SkipInvalid
)

func (p ValidationPolicy) String() string {
	switch p {
	case FailOnInvalid:
		return "fail"
	case SkipInvalid:
		return "skip"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

type (
	reducerOptions struct {
		policy ValidationPolicy
	}

	ReducerOption interface {
		applyToReducer(*reducerOptions)
	}

	policyOption valueOption[ValidationPolicy]
)

// WithValidationPolicy sets how the reducer treats malformed event data.
func WithValidationPolicy(p ValidationPolicy) ReducerOption { return policyOption{p} }

func (o policyOption) applyToReducer(r *reducerOptions) { r.policy = o.v }

// TypedReducer is a Reducer over a concrete state type, dispatching on the
// event type through a fixed handler table.
type TypedReducer[S any] struct {
	entityType EntityType
	initial    func() S
	handlers   map[string]Handler[S]
	policy     ValidationPolicy
}

func NewReducer[S any](
	entityType EntityType,
	initial func() S,
	handlers map[string]Handler[S],
	opts ...ReducerOption,
) *TypedReducer[S] {
	options := reducerOptions{policy: FailOnInvalid}
	for _, opt := range opts {
		opt.applyToReducer(&options)
	}
	hs := make(map[string]Handler[S], len(handlers))
	for t, h := range handlers {
		hs[t] = h
	}
	return &TypedReducer[S]{
		entityType: entityType,
		initial:    initial,
		handlers:   hs,
		policy:     options.policy,
	}
}

func (r *TypedReducer[S]) EntityType() EntityType   { return r.entityType }
func (r *TypedReducer[S]) Initial() any             { return r.initial() }
func (r *TypedReducer[S]) Policy() ValidationPolicy { return r.policy }

// EventTypes lists the handled event types in sorted order.
func (r *TypedReducer[S]) EventTypes() []string {
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

// Apply is the typed form of Reduce.
func (r *TypedReducer[S]) Apply(state S, ev Event) (S, error) {
	h, ok := r.handlers[ev.Type]
	if !ok {
		return state, fmt.Errorf("%w: %s on %s", ErrUnknownEventType, ev.Type, r.entityType)
	}
	next, err := h(state, ev)
	if err != nil {
		if r.policy == SkipInvalid && isValidation(err) {
			return state, fmt.Errorf("%w: %w", ErrEventSkipped, err)
		}
		return state, err
	}
	return next, nil
}

// Fold applies events in order, starting from state. Warnings are passed to
// warn (which may be nil) and do not stop the fold.
func (r *TypedReducer[S]) Fold(state S, events []Event, warn func(Event, error)) (S, error) {
	for _, ev := range events {
		next, err := r.Apply(state, ev)
		if err != nil {
			if IsWarning(err) {
				if warn != nil {
					warn(ev, err)
				}
				continue
			}
			return state, err
		}
		state = next
	}
	return state, nil
}

func (r *TypedReducer[S]) Reduce(state any, ev Event) (any, error) {
	s, err := r.cast(state)
	if err != nil {
		return state, err
	}
	return r.Apply(s, ev)
}

func (r *TypedReducer[S]) EncodeState(state any) (json.RawMessage, error) {
	s, err := r.cast(state)
	if err != nil {
		return nil, err
	}
	return json.Marshal(s)
}

func (r *TypedReducer[S]) DecodeState(data json.RawMessage) (any, error) {
	s := r.initial()
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode %s state: %w", r.entityType, err)
	}
	return s, nil
}

func (r *TypedReducer[S]) cast(state any) (S, error) {
	if state == nil {
		return r.initial(), nil
	}
	switch s := state.(type) {
	case S:
		return s, nil
	case *S:
		return *s, nil
	}
	var zero S
	return zero, fmt.Errorf("%s reducer: unexpected state type %T", r.entityType, state)
}

var _ Reducer = (*TypedReducer[struct{}])(nil)

// ReducerTable maps entity types to their reducer. It is built once and
// read-only afterwards.
type ReducerTable struct {
	reducers map[EntityType]Reducer
}

func NewReducerTable(reducers ...Reducer) (*ReducerTable, error) {
	t := &ReducerTable{reducers: make(map[EntityType]Reducer, len(reducers))}
	for _, r := range reducers {
		if r == nil {
			continue
		}
		et := r.EntityType()
		if et == "" {
			return nil, fmt.Errorf("reducer %T has no entity type", r)
		}
		if _, exists := t.reducers[et]; exists {
			return nil, fmt.Errorf("duplicate reducer for entity type %s", et)
		}
		t.reducers[et] = r
	}
	return t, nil
}

func (t *ReducerTable) Lookup(et EntityType) (Reducer, error) {
	r, ok := t.reducers[et]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntityType, et)
	}
	return r, nil
}

func (t *ReducerTable) EntityTypes() []EntityType {
	out := make([]EntityType, 0, len(t.reducers))
	for et := range t.reducers {
		out = append(out, et)
	}
	slices.Sort(out)
	return out
}
