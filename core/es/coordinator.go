package es

import (
	"context"
	"fmt"
	"log/slog"
)

// Coordinator is the single write path: it appends an event, reconstructs
// the resulting state and takes a snapshot when the new version falls on
// the snapshot threshold.
type Coordinator struct {
	log         *slog.Logger
	opts        coordinatorOptions
	store       EventStore
	snapshotter Snapshotter
	engine      *Engine
}

func NewCoordinator(store EventStore, snapshotter Snapshotter, engine *Engine, opts ...CoordinatorOption) *Coordinator {
	options := newCoordinatorOptions(opts...)
	return &Coordinator{
		log:         options.log.With(slog.String("component", "coordinator")),
		opts:        options,
		store:       store,
		snapshotter: snapshotter,
		engine:      engine,
	}
}

// SnapshotThreshold returns the configured threshold, 0 when disabled.
func (c *Coordinator) SnapshotThreshold() uint64 {
	if c.snapshotter == nil {
		return 0
	}
	return c.opts.threshold
}

// Append validates and appends the event without reconstructing state.
func (c *Coordinator) Append(ctx context.Context, req NewEvent) (Event, error) {
	if _, err := c.engine.Reducers().Lookup(req.EntityType); err != nil {
		return Event{}, err
	}
	ev, err := c.store.Append(ctx, req)
	if err != nil {
		return Event{}, fmt.Errorf("append %s to %s %s: %w", req.Type, req.EntityType, req.EntityID, err)
	}
	return ev, nil
}

// AppendEvent appends the event and, when its version falls on the snapshot
// threshold, snapshots the entity. Unlike RecordEvent it only reconstructs
// state when a snapshot is due, and a failing reconstruction is treated like
// any other snapshot failure.
func (c *Coordinator) AppendEvent(ctx context.Context, req NewEvent) (Event, error) {
	ev, err := c.Append(ctx, req)
	if err != nil {
		return Event{}, err
	}
	if !ev.Version.IsCheckpoint(c.SnapshotThreshold()) {
		return ev, nil
	}
	state, err := c.engine.StateAt(ctx, ev.EntityType, ev.EntityID, ev.Version)
	if err != nil {
		c.snapshotFailed(ev.EntityType, ev.EntityID, ev.Version, err)
		return ev, nil
	}
	c.snapshot(ctx, state)
	return ev, nil
}

// RecordEvent appends the event and returns the state right after it. The
// event is durable once RecordEvent gets past the append, even if the
// following reconstruction fails. Snapshot failures are logged and never
// returned.
func (c *Coordinator) RecordEvent(ctx context.Context, req NewEvent) (State, error) {
	ev, err := c.Append(ctx, req)
	if err != nil {
		return State{}, err
	}

	state, err := c.engine.StateAt(ctx, ev.EntityType, ev.EntityID, ev.Version)
	if err != nil {
		return State{}, fmt.Errorf("reconstruct %s %s at version %d: %w", ev.EntityType, ev.EntityID, ev.Version, err)
	}

	if ev.Version.IsCheckpoint(c.SnapshotThreshold()) {
		c.snapshot(ctx, state)
	}
	return state, nil
}

// CreateSnapshot reconstructs the current state of the entity and stores
// it as a snapshot regardless of the threshold.
func (c *Coordinator) CreateSnapshot(ctx context.Context, entityType EntityType, entityID string) (Snapshot, error) {
	if c.snapshotter == nil {
		return Snapshot{}, ErrSnapshotterUnconfigured
	}
	state, err := c.engine.StateOf(ctx, entityType, entityID)
	if err != nil {
		return Snapshot{}, err
	}
	return c.saveSnapshot(ctx, state)
}

func (c *Coordinator) snapshot(ctx context.Context, state State) {
	s, err := c.saveSnapshot(ctx, state)
	if err != nil {
		c.snapshotFailed(state.EntityType, state.EntityID, state.Version, err)
		return
	}
	c.log.Debug("snapshot created", s.logAttrs())
}

func (c *Coordinator) snapshotFailed(entityType EntityType, entityID string, version Version, err error) {
	c.opts.metrics.SnapshotFailed(entityType)
	c.log.Error(
		"snapshot failed",
		slog.String("entity_type", entityType.String()),
		slog.String("entity_id", entityID),
		version.SlogAttr(),
		slog.Any("error", err),
	)
}

func (c *Coordinator) saveSnapshot(ctx context.Context, state State) (Snapshot, error) {
	reducer, err := c.engine.Reducers().Lookup(state.EntityType)
	if err != nil {
		return Snapshot{}, err
	}
	data, err := reducer.EncodeState(state.Value)
	if err != nil {
		return Snapshot{}, fmt.Errorf("encode state: %w", err)
	}

	timer := c.opts.metrics.SnapshotSaveDuration(state.EntityType)
	defer timer.ObserveDuration()

	return c.snapshotter.SaveSnapshot(ctx, Snapshot{
		ID:         c.opts.newID(),
		EntityID:   state.EntityID,
		EntityType: state.EntityType,
		Version:    state.Version,
		State:      data,
		CreatedAt:  c.opts.now(),
	})
}
