package es

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

type (
	// Snapshot is the materialized state of an entity at a specific version.
	// Snapshots are an optimization only; any snapshot may be lost without
	// affecting correctness.
	Snapshot struct {
		ID         string          `json:"id"`
		EntityID   string          `json:"entity_id"`
		EntityType EntityType      `json:"entity_type"`
		Version    Version         `json:"version"`
		State      json.RawMessage `json:"state"`
		CreatedAt  time.Time       `json:"created_at"`
	}

	// Snapshotter is the append-only snapshot store.
	Snapshotter interface {
		// SaveSnapshot stores s as a new row; it never updates an existing
		// one. Missing ID and CreatedAt are filled in.
		SaveSnapshot(ctx context.Context, s Snapshot) (Snapshot, error)
		// LatestSnapshot returns the snapshot with the highest version, the
		// most recently inserted one on ties. ErrSnapshotNotFound if none.
		LatestSnapshot(ctx context.Context, entityID string) (*Snapshot, error)
		// LatestSnapshotAt is LatestSnapshot restricted to version <= max.
		// A zero max means no bound.
		LatestSnapshotAt(ctx context.Context, entityID string, max Version) (*Snapshot, error)
	}
)

func (s Snapshot) Validate() error {
	if s.EntityID == "" {
		return fmt.Errorf("%w: snapshot entity id is empty", ErrValidation)
	}
	if s.EntityType == "" {
		return fmt.Errorf("%w: snapshot entity type is empty", ErrValidation)
	}
	if s.Version == 0 {
		return fmt.Errorf("%w: snapshot version is zero", ErrValidation)
	}
	if !json.Valid(s.State) {
		return fmt.Errorf("%w: snapshot state is not valid json", ErrValidation)
	}
	return nil
}

// Prepare validates s and fills ID and CreatedAt when they are empty.
func (s Snapshot) Prepare(newID IDGenerator, now time.Time) (Snapshot, error) {
	if err := s.Validate(); err != nil {
		return Snapshot{}, err
	}
	if s.ID == "" {
		s.ID = newID()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.CreatedAt = s.CreatedAt.UTC().Truncate(time.Millisecond)
	s.State = append(json.RawMessage(nil), s.State...)
	return s, nil
}

func (s Snapshot) logAttrs() slog.Attr {
	return slog.Group(
		"snapshot",
		slog.String("id", s.ID),
		slog.String("entity_type", s.EntityType.String()),
		slog.String("entity_id", s.EntityID),
		s.Version.SlogAttr(),
		slog.Time("created_at", s.CreatedAt),
		slog.Int("size", len(s.State)),
	)
}

// === In-Memory Snapshotter ===

type InMemorySnapshotter struct {
	mu        sync.Mutex
	log       *slog.Logger
	opts      storeOptions
	snapshots map[string][]Snapshot
}

func NewInMemorySnapshotter(opts ...StoreOpt) *InMemorySnapshotter {
	options := newStoreOptions(opts...)
	return &InMemorySnapshotter{
		log:       options.log.With(slog.String("snapshotter", "memory")),
		opts:      options,
		snapshots: map[string][]Snapshot{},
	}
}

func (i *InMemorySnapshotter) SaveSnapshot(_ context.Context, s Snapshot) (Snapshot, error) {
	s, err := s.Prepare(i.opts.newID, i.opts.now())
	if err != nil {
		return Snapshot{}, err
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	i.snapshots[s.EntityID] = append(i.snapshots[s.EntityID], s)
	i.log.Debug("snapshot saved", s.logAttrs())
	return s, nil
}

func (i *InMemorySnapshotter) LatestSnapshot(ctx context.Context, entityID string) (*Snapshot, error) {
	return i.LatestSnapshotAt(ctx, entityID, 0)
}

func (i *InMemorySnapshotter) LatestSnapshotAt(_ context.Context, entityID string, max Version) (*Snapshot, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	var best *Snapshot
	for idx := range i.snapshots[entityID] {
		s := i.snapshots[entityID][idx]
		if max > 0 && s.Version > max {
			continue
		}
		// >= so later insertions win ties
		if best == nil || s.Version >= best.Version {
			best = &s
		}
	}
	if best == nil {
		return nil, ErrSnapshotNotFound
	}
	out := *best
	out.State = append(json.RawMessage(nil), best.State...)
	return &out, nil
}

var _ Snapshotter = (*InMemorySnapshotter)(nil)
