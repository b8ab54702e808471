package es

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Env wires a store, a snapshotter and the reducer table into an Engine and
// a Coordinator. It is the entry point used by surrounding services.
type Env struct {
	id          string
	log         *slog.Logger
	store       EventStore
	snapshotter Snapshotter
	engine      *Engine
	coordinator *Coordinator
	closeOnce   sync.Once
	closeErr    error
}

func (e *Env) ID() string                { return e.id }
func (e *Env) Store() EventStore         { return e.store }
func (e *Env) Snapshotter() Snapshotter  { return e.snapshotter }
func (e *Env) Engine() *Engine           { return e.engine }
func (e *Env) Coordinator() *Coordinator { return e.coordinator }

// NewEnv builds an Env. Without WithStore and WithSnapshotter the in-memory
// implementations are used. At least one reducer must be given.
func NewEnv(opts ...EnvOption) (*Env, error) {
	var (
		id      = gonanoid.Must(6)
		options = newEnvOptions(opts...)
	)

	log := options.log.With(slog.String("env", id))

	if len(options.reducers) == 0 {
		return nil, errors.New("no reducers configured")
	}
	reducers, err := NewReducerTable(options.reducers...)
	if err != nil {
		return nil, err
	}

	storeOpts := []StoreOpt{
		WithLog(log),
		WithMetrics(options.metrics),
		WithLockTimeout(options.lockTimeout),
		WithIDGenerator(options.newID),
		WithClock(options.now),
	}
	store := options.store
	if store == nil {
		store = NewInMemoryStore(storeOpts...)
	}
	snapshotter := options.snapshotter
	if snapshotter == nil && options.threshold > 0 {
		snapshotter = NewInMemorySnapshotter(storeOpts...)
	}

	engine := NewEngine(
		store,
		snapshotter,
		reducers,
		WithLog(log),
		WithMetrics(options.metrics),
		WithSnapshots(options.snapshots),
	)
	coordinator := NewCoordinator(
		store,
		snapshotter,
		engine,
		WithLog(log),
		WithMetrics(options.metrics),
		WithSnapshotThreshold(options.threshold),
		WithIDGenerator(options.newID),
		WithClock(options.now),
	)

	log.Debug(
		"env ready",
		slog.Any("entity_types", reducers.EntityTypes()),
		slog.Uint64("snapshot_threshold", coordinator.SnapshotThreshold()),
		slog.Bool("snapshots", options.snapshots),
	)

	return &Env{
		id:          id,
		log:         log,
		store:       store,
		snapshotter: snapshotter,
		engine:      engine,
		coordinator: coordinator,
	}, nil
}

// AppendEvent records a fact and returns the stored event with its version.
func (e *Env) AppendEvent(ctx context.Context, ev NewEvent) (Event, error) {
	return e.coordinator.AppendEvent(ctx, ev)
}

// RecordEvent records a fact and returns the entity state right after it.
func (e *Env) RecordEvent(ctx context.Context, ev NewEvent) (State, error) {
	return e.coordinator.RecordEvent(ctx, ev)
}

// GetState returns the current state of the entity.
func (e *Env) GetState(ctx context.Context, entityType EntityType, entityID string) (State, error) {
	return e.engine.StateOf(ctx, entityType, entityID)
}

// Events returns the full history of the entity.
func (e *Env) Events(ctx context.Context, entityID string) ([]Event, error) {
	return e.store.Events(ctx, entityID)
}

// Close closes the store and the snapshotter if they hold resources.
func (e *Env) Close() error {
	e.closeOnce.Do(func() {
		var errs []error
		closed := map[any]bool{}
		for _, c := range []any{e.store, e.snapshotter} {
			closer, ok := c.(io.Closer)
			if !ok || closed[c] {
				continue
			}
			closed[c] = true
			if err := closer.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %T: %w", c, err))
			}
		}
		e.closeErr = errors.Join(errs...)
		e.log.Debug("env closed")
	})
	return e.closeErr
}
