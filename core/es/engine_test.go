package es

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordingMetrics struct {
	nopMetrics
	mu             sync.Mutex
	unknown        int
	skipped        int
	snapshotFailed int
	snapshotHits   int
	conflicts      int
}

func (m *recordingMetrics) UnknownEventType(EntityType, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unknown++
}

func (m *recordingMetrics) EventSkipped(EntityType, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.skipped++
}

func (m *recordingMetrics) SnapshotFailed(EntityType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshotFailed++
}

func (m *recordingMetrics) SnapshotHit(EntityType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshotHits++
}

func (m *recordingMetrics) AppendConflict(EntityType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conflicts++
}

// failingSnapshotter fails every write; reads fail with readErr or find
// nothing.
type failingSnapshotter struct {
	readErr error
	reads   int
}

func (f *failingSnapshotter) SaveSnapshot(context.Context, Snapshot) (Snapshot, error) {
	return Snapshot{}, errors.New("disk full")
}

func (f *failingSnapshotter) LatestSnapshot(ctx context.Context, id string) (*Snapshot, error) {
	return f.LatestSnapshotAt(ctx, id, 0)
}

func (f *failingSnapshotter) LatestSnapshotAt(context.Context, string, Version) (*Snapshot, error) {
	f.reads++
	if f.readErr != nil {
		return nil, f.readErr
	}
	return nil, ErrSnapshotNotFound
}

// gappyStore hides one version from reads.
type gappyStore struct {
	*InMemoryStore
	hide Version
}

func (g gappyStore) EventsAfter(ctx context.Context, id string, after Version, opts ...LoadOption) ([]Event, error) {
	events, err := g.InMemoryStore.EventsAfter(ctx, id, after, opts...)
	out := events[:0]
	for _, ev := range events {
		if ev.Version != g.hide {
			out = append(out, ev)
		}
	}
	return out, err
}

func added(id string, by int) NewEvent {
	return NewEvent{EntityType: "counter", EntityID: id, Type: "Added", Data: map[string]int{"by": by}}
}

func TestEnv_RequiresReducers(t *testing.T) {
	_, err := NewEnv()
	require.Error(t, err)
}

func TestCoordinator_SnapshotFailureIsNotReturned(t *testing.T) {
	m := &recordingMetrics{}
	te := StartTestEnv(t,
		WithReducers(newCounterReducer()),
		WithSnapshotter(&failingSnapshotter{}),
		WithSnapshotThreshold(2),
		WithMetrics(m),
	)

	te.MustRecord(t.Context(), added("c-1", 1))
	state := te.MustRecord(t.Context(), added("c-1", 2))
	require.Equal(t, Version(2), state.Version)
	require.Equal(t, counterState{N: 3}, state.Value)
	require.Equal(t, 1, m.snapshotFailed)

	te.MustAppend(t.Context(), added("c-1", 1))
	te.MustAppend(t.Context(), added("c-1", 1))
	require.Equal(t, 2, m.snapshotFailed)
}

func TestCoordinator_UnknownEntityTypeRejected(t *testing.T) {
	te := StartTestEnv(t, WithReducers(newCounterReducer()))

	_, err := te.AppendEvent(t.Context(), NewEvent{EntityType: "ghost", EntityID: "g-1", Type: "Added"})
	require.ErrorIs(t, err, ErrUnknownEntityType)

	events, err := te.Events(t.Context(), "g-1")
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestEngine_SnapshotReadFailureSurfaces(t *testing.T) {
	snapshotter := &failingSnapshotter{readErr: errors.New("connection reset")}
	te := StartTestEnv(t, WithReducers(newCounterReducer()), WithSnapshotter(snapshotter))
	te.MustAppend(t.Context(), added("c-1", 1))

	_, err := te.GetState(t.Context(), "counter", "c-1")
	require.ErrorIs(t, err, ErrStorage)
	require.ErrorContains(t, err, "connection reset")
}

func TestEngine_WithoutSnapshots(t *testing.T) {
	snapshotter := &failingSnapshotter{readErr: errors.New("must not be read")}
	te := StartTestEnv(t,
		WithReducers(newCounterReducer()),
		WithSnapshotter(snapshotter),
		WithSnapshots(false),
		WithSnapshotThreshold(0),
	)
	te.MustAppend(t.Context(), added("c-1", 5))

	te.Assert().State(t.Context(), "counter", "c-1", 1, counterState{N: 5})
	require.Zero(t, snapshotter.reads)
}

func TestEngine_DetectsGaps(t *testing.T) {
	store := NewInMemoryStore()
	te := StartTestEnv(t,
		WithReducers(newCounterReducer()),
		WithStore(gappyStore{InMemoryStore: store, hide: 2}),
	)
	for i := 0; i < 3; i++ {
		te.MustAppend(t.Context(), added("c-1", 1))
	}

	_, err := te.GetState(t.Context(), "counter", "c-1")
	require.ErrorIs(t, err, ErrStorage)
	require.ErrorContains(t, err, "expected version 2, got 3")
}

func TestEngine_WarningsAreCounted(t *testing.T) {
	m := &recordingMetrics{}
	te := StartTestEnv(t,
		WithReducers(newCounterReducer(WithValidationPolicy(SkipInvalid))),
		WithMetrics(m),
	)
	te.MustAppend(t.Context(), added("c-1", 1))
	te.MustAppend(t.Context(), NewEvent{EntityType: "counter", EntityID: "c-1", Type: "Renamed"})
	te.MustAppend(t.Context(), NewEvent{EntityType: "counter", EntityID: "c-1", Type: "Added", Data: map[string]any{}})

	te.Assert().State(t.Context(), "counter", "c-1", 3, counterState{N: 1})
	require.Equal(t, 1, m.unknown)
	require.Equal(t, 1, m.skipped)
}

func TestEngine_SnapshotSeed(t *testing.T) {
	m := &recordingMetrics{}
	te := StartTestEnv(t, WithReducers(newCounterReducer()), WithSnapshotThreshold(2), WithMetrics(m))
	for i := 0; i < 3; i++ {
		te.MustRecord(t.Context(), added("c-1", 1))
	}
	hits := m.snapshotHits

	te.Assert().State(t.Context(), "counter", "c-1", 3, counterState{N: 3})
	require.Equal(t, hits+1, m.snapshotHits)

	_, err := te.Engine().StateAt(t.Context(), "counter", "c-1", 0)
	require.ErrorIs(t, err, ErrValidation)
}

func TestInMemoryStore_LockTimeout(t *testing.T) {
	m := &recordingMetrics{}
	store := NewInMemoryStore(WithLockTimeout(20*time.Millisecond), WithMetrics(m))

	unlock, err := store.locks.Lock(t.Context(), "c-1")
	require.NoError(t, err)

	_, err = store.Append(t.Context(), added("c-1", 1))
	require.ErrorIs(t, err, ErrConflict)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 1, m.conflicts)

	// other entities are not blocked
	ev, err := store.Append(t.Context(), added("c-2", 1))
	require.NoError(t, err)
	require.Equal(t, Version(1), ev.Version)

	unlock()

	// the timed out append left no trace
	ev, err = store.Append(t.Context(), added("c-1", 1))
	require.NoError(t, err)
	require.Equal(t, Version(1), ev.Version)
}

func TestInMemoryStore_CancelledCaller(t *testing.T) {
	store := NewInMemoryStore()
	unlock, err := store.locks.Lock(t.Context(), "c-1")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	_, err = store.Append(ctx, added("c-1", 1))
	require.ErrorIs(t, err, context.Canceled)
	require.NotErrorIs(t, err, ErrConflict)
}

func TestInMemoryStore_ReadsAreCopies(t *testing.T) {
	store := NewInMemoryStore()
	_, err := store.Append(t.Context(), added("c-1", 1))
	require.NoError(t, err)

	events, err := store.Events(t.Context(), "c-1")
	require.NoError(t, err)
	events[0].Data[0] = 'X'

	again, err := store.Events(t.Context(), "c-1")
	require.NoError(t, err)
	require.JSONEq(t, `{"by":1}`, string(again[0].Data))
}

func TestCoordinator_CreateSnapshot(t *testing.T) {
	te := StartTestEnv(t, WithReducers(newCounterReducer()), WithSnapshotter(NewInMemorySnapshotter()), WithSnapshotThreshold(10))
	te.MustAppend(t.Context(), added("c-1", 2))
	te.MustAppend(t.Context(), added("c-1", 3))
	te.Assert().NoSnapshot(t.Context(), "c-1")

	snap, err := te.Coordinator().CreateSnapshot(t.Context(), "counter", "c-1")
	require.NoError(t, err)
	require.Equal(t, Version(2), snap.Version)
	te.Assert().LatestSnapshot(t.Context(), "c-1", 2)

	_, err = te.Coordinator().CreateSnapshot(t.Context(), "counter", "missing")
	require.ErrorIs(t, err, ErrNotFound)

	reducers, err := NewReducerTable(newCounterReducer())
	require.NoError(t, err)
	store := NewInMemoryStore()
	bare := NewCoordinator(store, nil, NewEngine(store, nil, reducers))
	_, err = bare.AppendEvent(t.Context(), added("c-1", 1))
	require.NoError(t, err)
	_, err = bare.CreateSnapshot(t.Context(), "counter", "c-1")
	require.ErrorIs(t, err, ErrSnapshotterUnconfigured)
}
