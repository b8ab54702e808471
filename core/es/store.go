package es

import (
	"context"
)

type (
	untilVersionOption valueOption[Version]

	// LoadOptions is the resolved form of a set of LoadOption values.
	LoadOptions struct {
		untilVersion Version
	}

	storeLoadOptionsReceiver interface {
		SetUntilVersion(Version)
	}

	// LoadOption narrows the range returned by EventStore.EventsAfter.
	LoadOption interface {
		ApplyToStoreLoadOptions(storeLoadOptionsReceiver)
	}
)

func (e *LoadOptions) SetUntilVersion(v Version) { e.untilVersion = v }

// UntilVersion returns the inclusive upper bound, 0 meaning unbounded.
func (e *LoadOptions) UntilVersion() Version { return e.untilVersion }

// Includes reports whether v is within the upper bound.
func (e *LoadOptions) Includes(v Version) bool {
	return e.untilVersion == 0 || v <= e.untilVersion
}

// WithUntilVersion bounds a load to events with version <= v.
func WithUntilVersion(v Version) LoadOption { return untilVersionOption{v} }

func (o untilVersionOption) ApplyToStoreLoadOptions(receiver storeLoadOptionsReceiver) {
	receiver.SetUntilVersion(o.v)
}

// NewLoadOptions folds opts into a LoadOptions.
func NewLoadOptions(opts ...LoadOption) *LoadOptions {
	o := &LoadOptions{}
	for _, opt := range opts {
		opt.ApplyToStoreLoadOptions(o)
	}
	return o
}

// EventStore is the append-only log of events, partitioned by entity id.
//
// Append assigns the next version of the entity while holding an exclusive
// per-entity lock inside one atomic unit of work, so concurrent writers to
// the same entity always produce the gapless sequence 1..N. Writers to
// different entities never block each other.
type EventStore interface {
	// Append persists ev with version = current max + 1 and returns the
	// stored event. Lock timeouts and lost races return an error matching
	// ErrConflict. A deadline that fires while a durable backend is
	// committing leaves the outcome unknown; callers that retry set
	// NewEvent.ID so a stored first attempt is returned instead of a copy.
	Append(ctx context.Context, ev NewEvent) (Event, error)
	// Events returns all events of the entity ordered by version.
	Events(ctx context.Context, entityID string) ([]Event, error)
	// EventsAfter returns the events with version > after, ascending.
	EventsAfter(ctx context.Context, entityID string, after Version, opts ...LoadOption) ([]Event, error)
	// LatestVersion returns the highest stored version, 0 if none.
	LatestVersion(ctx context.Context, entityID string) (Version, error)
}
