package es

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// State is the reconstructed, ephemeral state of one entity.
type State struct {
	EntityType EntityType
	EntityID   string
	// Version is the version of the last event folded into Value.
	Version Version
	Value   any
}

// StateValue returns the typed value of s.
func StateValue[T any](s State) (T, error) {
	v, ok := s.Value.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("state of %s %s is %T, not %T", s.EntityType, s.EntityID, s.Value, zero)
	}
	return v, nil
}

// Engine reconstructs entity state from the latest usable snapshot plus the
// events recorded after it.
type Engine struct {
	log         *slog.Logger
	metrics     Metrics
	store       EventStore
	snapshotter Snapshotter
	reducers    *ReducerTable
	snapshots   bool
}

// NewEngine creates an Engine. snapshotter may be nil, in which case every
// reconstruction replays from version 1.
func NewEngine(store EventStore, snapshotter Snapshotter, reducers *ReducerTable, opts ...EngineOption) *Engine {
	options := newEngineOptions(opts...)
	return &Engine{
		log:         options.log.With(slog.String("component", "engine")),
		metrics:     options.metrics,
		store:       store,
		snapshotter: snapshotter,
		reducers:    reducers,
		snapshots:   options.snapshots && snapshotter != nil,
	}
}

func (e *Engine) Reducers() *ReducerTable { return e.reducers }

// StateOf returns the current state of the entity, or ErrNotFound when it
// has no events.
func (e *Engine) StateOf(ctx context.Context, entityType EntityType, entityID string) (State, error) {
	return e.reconstruct(ctx, entityType, entityID, 0, e.snapshots)
}

// StateAt returns the state of the entity right after the event with the
// given version. ErrNotFound if the history is shorter.
func (e *Engine) StateAt(ctx context.Context, entityType EntityType, entityID string, version Version) (State, error) {
	if version == 0 {
		return State{}, fmt.Errorf("%w: state at version 0", ErrValidation)
	}
	return e.reconstruct(ctx, entityType, entityID, version, e.snapshots)
}

// Replay folds the full history from version 1, ignoring snapshots.
func (e *Engine) Replay(ctx context.Context, entityType EntityType, entityID string) (State, error) {
	return e.reconstruct(ctx, entityType, entityID, 0, false)
}

func (e *Engine) reconstruct(
	ctx context.Context,
	entityType EntityType,
	entityID string,
	until Version,
	useSnapshots bool,
) (State, error) {
	reducer, err := e.reducers.Lookup(entityType)
	if err != nil {
		return State{}, err
	}

	timer := e.metrics.ReplayDuration(entityType)
	defer timer.ObserveDuration()

	log := e.log.With(
		slog.String("entity_type", entityType.String()),
		slog.String("entity_id", entityID),
	)

	var (
		value = reducer.Initial()
		base  Version
	)

	if useSnapshots {
		snap, snapValue, err := e.loadSnapshot(ctx, reducer, entityID, until, log)
		if err != nil {
			return State{}, err
		}
		if snap != nil {
			value, base = snapValue, snap.Version
		}
	}

	var loadOpts []LoadOption
	if until > 0 {
		loadOpts = append(loadOpts, WithUntilVersion(until))
	}
	events, err := e.store.EventsAfter(ctx, entityID, base, loadOpts...)
	if err != nil {
		return State{}, fmt.Errorf("load events of %s %s: %w", entityType, entityID, err)
	}
	if base == 0 && len(events) == 0 {
		return State{}, NotFoundError("%s %s", entityType, entityID)
	}

	version := base
	for _, ev := range events {
		if ev.EntityType != entityType {
			return State{}, EntityTypeMismatch(entityID, ev.EntityType, entityType)
		}
		if ev.Version != version.Next() {
			return State{}, StorageError(nil,
				"history of %s %s is not contiguous: expected version %d, got %d",
				entityType, entityID, version.Next(), ev.Version,
			)
		}
		next, err := reducer.Reduce(value, ev)
		if err != nil {
			if !IsWarning(err) {
				return State{}, err
			}
			e.warn(log, ev, err)
		} else {
			value = next
		}
		version = ev.Version
	}

	if until > 0 && version < until {
		return State{}, NotFoundError("%s %s at version %d (latest %d)", entityType, entityID, until, version)
	}

	e.metrics.EventsReplayed(entityType, len(events))
	log.Debug(
		"reconstructed",
		version.SlogAttr(),
		base.SlogAttrWithKey("snapshot_version"),
		slog.Int("replayed", len(events)),
	)

	return State{
		EntityType: entityType,
		EntityID:   entityID,
		Version:    version,
		Value:      value,
	}, nil
}

func (e *Engine) warn(log *slog.Logger, ev Event, err error) {
	if errors.Is(err, ErrUnknownEventType) {
		e.metrics.UnknownEventType(ev.EntityType, ev.Type)
		log.Warn("unknown event type, state unchanged", ev.logAttrs())
		return
	}
	e.metrics.EventSkipped(ev.EntityType, ev.Type)
	log.Warn("event skipped, state unchanged", ev.logAttrs(), slog.Any("error", err))
}

// loadSnapshot returns the usable snapshot at or below until (0 = latest)
// with its decoded value. Unusable snapshots are logged and ignored; only
// failures of the snapshot store itself are returned.
func (e *Engine) loadSnapshot(
	ctx context.Context,
	reducer Reducer,
	entityID string,
	until Version,
	log *slog.Logger,
) (*Snapshot, any, error) {
	entityType := reducer.EntityType()
	timer := e.metrics.SnapshotLoadDuration(entityType)
	defer timer.ObserveDuration()

	var (
		snap *Snapshot
		err  error
	)
	if until > 0 {
		snap, err = e.snapshotter.LatestSnapshotAt(ctx, entityID, until)
	} else {
		snap, err = e.snapshotter.LatestSnapshot(ctx, entityID)
	}
	if errors.Is(err, ErrSnapshotNotFound) {
		e.metrics.SnapshotMiss(entityType)
		return nil, nil, nil
	}
	if err != nil {
		if errors.Is(err, ErrStorage) || ctx.Err() != nil {
			return nil, nil, err
		}
		return nil, nil, StorageError(err, "load snapshot of %s %s", entityType, entityID)
	}

	if snap.EntityType != entityType {
		e.metrics.SnapshotMiss(entityType)
		log.Warn(
			"ignoring snapshot of different entity type",
			snap.logAttrs(),
		)
		return nil, nil, nil
	}

	value, err := reducer.DecodeState(snap.State)
	if err != nil {
		e.metrics.SnapshotMiss(entityType)
		log.Warn(
			"ignoring undecodable snapshot",
			snap.logAttrs(),
			slog.Any("error", err),
		)
		return nil, nil, nil
	}

	e.metrics.SnapshotHit(entityType)
	return snap, value, nil
}
