// Package estests contains conformance suites every EventStore and
// Snapshotter implementation must pass. Backends call Run from their own
// tests.
package estests

import (
	"encoding/json"
	"math"
	"sort"
	"sync"
	"testing"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/Iscgrou/roboinv/core/es"
	"github.com/Iscgrou/roboinv/core/es/estests/domain"
)

// Backend is one system under test. Store and Snapshotter are shared by
// all sub tests; every sub test works on fresh entity ids.
type Backend struct {
	Name        string
	Store       es.EventStore
	Snapshotter es.Snapshotter
}

type Tef func(opts ...es.EnvOption) *es.TestingEnv
type TestFunc func(t *testing.T, tef Tef)

// ConcurrentWriters is the number of writers racing on one entity.
const ConcurrentWriters = 50

func newID(prefix string) string { return prefix + "-" + gonanoid.Must(10) }

// Run executes all suites against b.
func Run(t *testing.T, b Backend) {
	t.Helper()
	tef := func(t *testing.T) Tef {
		return func(opts ...es.EnvOption) *es.TestingEnv {
			return es.StartTestEnv(
				t,
				es.WithStore(b.Store),
				es.WithSnapshotter(b.Snapshotter),
				es.WithReducers(domain.NewReducer()),
				es.WithEnvOpts(opts...),
			)
		}
	}
	for _, s := range suites() {
		t.Run(b.Name+"/"+s.name, func(t *testing.T) { s.fn(t, tef(t)) })
	}
}

type suite struct {
	name string
	fn   TestFunc
}

func suites() []suite {
	return []suite{
		{"gapless sequential", testGaplessSequential},
		{"gapless concurrent", testGaplessConcurrent},
		{"entities are independent", testEntitiesIndependent},
		{"events after", testEventsAfter},
		{"events after out of range", testEventsAfterOutOfRange},
		{"idempotent append", testIdempotentAppend},
		{"not found", testNotFound},
		{"entity type mismatch", testEntityTypeMismatch},
		{"event roundtrip", testEventRoundtrip},
		{"reconstruction equivalence", testEquivalence},
		{"idempotent replay", testIdempotentReplay},
		{"snapshot threshold", testSnapshotThreshold},
		{"snapshot correctness", testSnapshotCorrectness},
		{"snapshot ties", testSnapshotTies},
		{"snapshot at", testSnapshotAt},
		{"unusable snapshot ignored", testUnusableSnapshot},
		{"unknown event type", testUnknownEventType},
		{"validation error", testValidationError},
	}
}

func requireVersions(t *testing.T, store es.EventStore, entityID string, n int) {
	t.Helper()
	events, err := store.Events(t.Context(), entityID)
	require.NoError(t, err)
	require.Len(t, events, n)
	for i, ev := range events {
		require.Equal(t, es.Version(i+1), ev.Version)
		require.Equal(t, entityID, ev.EntityID)
	}
	latest, err := store.LatestVersion(t.Context(), entityID)
	require.NoError(t, err)
	require.Equal(t, es.Version(n), latest)
}

func testGaplessSequential(t *testing.T, tef Tef) {
	te := tef()
	id := newID("seq")

	for i := 1; i <= 10; i++ {
		ev := te.MustAppend(t.Context(), domain.Inc(id, 1))
		require.Equal(t, es.Version(i), ev.Version)
		require.NotEmpty(t, ev.ID)
		require.False(t, ev.OccurredAt.IsZero())
	}
	requireVersions(t, te.Store(), id, 10)
	te.Assert().Versions(t.Context(), id, 10)
}

func testGaplessConcurrent(t *testing.T, tef Tef) {
	te := tef(es.WithSnapshotThreshold(10))
	id := newID("concurrent")

	var (
		mu       sync.Mutex
		versions = make([]int, 0, ConcurrentWriters)
	)
	g, ctx := errgroup.WithContext(t.Context())
	for w := 1; w <= ConcurrentWriters; w++ {
		g.Go(func() error {
			state, err := te.RecordEvent(ctx, domain.IncBy(id, w, 1))
			if err != nil {
				return err
			}
			mu.Lock()
			versions = append(versions, int(state.Version))
			mu.Unlock()
			return nil
		})
	}
	require.NoError(t, g.Wait())

	sort.Ints(versions)
	for i, v := range versions {
		require.Equal(t, i+1, v, "two writers observed the same version")
	}
	requireVersions(t, te.Store(), id, ConcurrentWriters)

	// every writer's payload is stored exactly once
	events, err := te.Events(t.Context(), id)
	require.NoError(t, err)
	writers := map[int]bool{}
	for _, ev := range events {
		inc, err := es.DecodeData[domain.Incremented](ev)
		require.NoError(t, err)
		require.False(t, writers[inc.Writer])
		writers[inc.Writer] = true
	}
	require.Len(t, writers, ConcurrentWriters)

	te.Assert().State(t.Context(), domain.EntityTally, id, ConcurrentWriters, domain.Tally{
		Counter:        ConcurrentWriters,
		NumIncrements:  ConcurrentWriters,
		NumTotalEvents: ConcurrentWriters,
	})
	te.Assert().LatestSnapshot(t.Context(), id, ConcurrentWriters)
}

func testEntitiesIndependent(t *testing.T, tef Tef) {
	te := tef()
	a, b := newID("a"), newID("b")

	g, ctx := errgroup.WithContext(t.Context())
	for _, id := range []string{a, b} {
		for i := 0; i < 10; i++ {
			g.Go(func() error {
				_, err := te.AppendEvent(ctx, domain.Inc(id, 1))
				return err
			})
		}
	}
	require.NoError(t, g.Wait())

	requireVersions(t, te.Store(), a, 10)
	requireVersions(t, te.Store(), b, 10)
}

func testEventsAfter(t *testing.T, tef Tef) {
	te := tef()
	id := newID("after")
	for i := 0; i < 6; i++ {
		te.MustAppend(t.Context(), domain.Inc(id, 1))
	}

	events, err := te.Store().EventsAfter(t.Context(), id, 3)
	require.NoError(t, err)
	require.Len(t, events, 3)
	require.Equal(t, es.Version(4), events[0].Version)
	require.Equal(t, es.Version(6), events[2].Version)

	events, err = te.Store().EventsAfter(t.Context(), id, 1, es.WithUntilVersion(4))
	require.NoError(t, err)
	require.Len(t, events, 3)
	require.Equal(t, es.Version(2), events[0].Version)
	require.Equal(t, es.Version(4), events[2].Version)

	events, err = te.Store().EventsAfter(t.Context(), id, 6)
	require.NoError(t, err)
	require.Empty(t, events)

	events, err = te.Store().Events(t.Context(), newID("unknown"))
	require.NoError(t, err)
	require.Empty(t, events)
}

func testEventsAfterOutOfRange(t *testing.T, tef Tef) {
	te := tef()
	id := newID("range")
	for i := 0; i < 3; i++ {
		te.MustAppend(t.Context(), domain.Inc(id, 1))
	}

	for _, after := range []es.Version{4, es.MaxStoredVersion, es.MaxStoredVersion + 1, es.Version(math.MaxUint64)} {
		events, err := te.Store().EventsAfter(t.Context(), id, after)
		require.NoError(t, err, "after %d", after)
		require.Empty(t, events, "after %d", after)
	}

	events, err := te.Store().EventsAfter(t.Context(), id, 1, es.WithUntilVersion(es.Version(math.MaxUint64)))
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, es.Version(3), events[1].Version)
}

func testNotFound(t *testing.T, tef Tef) {
	te := tef()
	id := newID("missing")

	_, err := te.GetState(t.Context(), domain.EntityTally, id)
	require.ErrorIs(t, err, es.ErrNotFound)

	latest, err := te.Store().LatestVersion(t.Context(), id)
	require.NoError(t, err)
	require.Zero(t, latest)

	te.MustAppend(t.Context(), domain.Inc(id, 1))
	_, err = te.Engine().StateAt(t.Context(), domain.EntityTally, id, 2)
	require.ErrorIs(t, err, es.ErrNotFound)

	_, err = te.GetState(t.Context(), "no_such_type", id)
	require.ErrorIs(t, err, es.ErrUnknownEntityType)
}

func testEntityTypeMismatch(t *testing.T, tef Tef) {
	te := tef()
	id := newID("mismatch")
	te.MustAppend(t.Context(), domain.Inc(id, 1))

	_, err := te.Store().Append(t.Context(), es.NewEvent{
		EntityType: "other",
		EntityID:   id,
		Type:       domain.EventIncremented,
	})
	require.ErrorIs(t, err, es.ErrValidation)
	requireVersions(t, te.Store(), id, 1)
}

func testEventRoundtrip(t *testing.T, tef Tef) {
	te := tef()
	id := newID("roundtrip")

	stored, err := te.Store().Append(t.Context(), es.NewEvent{
		EntityType: domain.EntityTally,
		EntityID:   id,
		Type:       domain.EventIncremented,
		Data:       json.RawMessage(`{"inc":3,"note":"kept verbatim"}`),
		ActorID:    es.Actor("admin-1"),
	})
	require.NoError(t, err)

	events, err := te.Events(t.Context(), id)
	require.NoError(t, err)
	require.Len(t, events, 1)
	got := events[0]
	require.Equal(t, stored.ID, got.ID)
	require.Equal(t, domain.EntityTally, got.EntityType)
	require.Equal(t, domain.EventIncremented, got.Type)
	require.Equal(t, "admin-1", got.Actor())
	require.True(t, stored.OccurredAt.Equal(got.OccurredAt))
	require.JSONEq(t, `{"inc":3,"note":"kept verbatim"}`, string(got.Data))
}

func testIdempotentAppend(t *testing.T, tef Tef) {
	te := tef()
	id := newID("redeliver")
	te.MustAppend(t.Context(), domain.Inc(id, 1))

	req := domain.Inc(id, 2)
	req.ID = newID("event")
	first, err := te.Store().Append(t.Context(), req)
	require.NoError(t, err)
	require.Equal(t, req.ID, first.ID)
	require.Equal(t, es.Version(2), first.Version)

	again, err := te.Store().Append(t.Context(), req)
	require.NoError(t, err)
	require.Equal(t, first.ID, again.ID)
	require.Equal(t, first.Version, again.Version)
	require.True(t, first.OccurredAt.Equal(again.OccurredAt))
	require.JSONEq(t, string(first.Data), string(again.Data))
	requireVersions(t, te.Store(), id, 2)

	// a redelivery after later appends still resolves to the stored event
	te.MustAppend(t.Context(), domain.Inc(id, 3))
	again, err = te.Store().Append(t.Context(), req)
	require.NoError(t, err)
	require.Equal(t, es.Version(2), again.Version)
	requireVersions(t, te.Store(), id, 3)

	other := domain.Inc(newID("redeliver"), 1)
	other.ID = req.ID
	_, err = te.Store().Append(t.Context(), other)
	require.ErrorIs(t, err, es.ErrValidation)
	requireVersions(t, te.Store(), other.EntityID, 0)
}

func testEquivalence(t *testing.T, tef Tef) {
	te := tef(es.WithSnapshotThreshold(3))
	id := newID("equiv")

	script := []es.NewEvent{
		domain.Inc(id, 2), domain.Inc(id, 3), domain.Reset(id), domain.Inc(id, 5),
		domain.Inc(id, 1), domain.Inc(id, 4), domain.Reset(id), domain.Inc(id, 7),
		domain.Inc(id, 1), domain.Inc(id, 2),
	}
	for _, ev := range script {
		te.MustRecord(t.Context(), ev)
	}

	withSnapshots, err := te.GetState(t.Context(), domain.EntityTally, id)
	require.NoError(t, err)
	replayed, err := te.Engine().Replay(t.Context(), domain.EntityTally, id)
	require.NoError(t, err)
	require.Equal(t, replayed, withSnapshots)
	require.Equal(t, es.Version(10), withSnapshots.Version)

	// every prefix matches a plain fold of the same events
	events, err := te.Events(t.Context(), id)
	require.NoError(t, err)
	reducer := domain.NewReducer()
	for v := 1; v <= len(events); v++ {
		want, err := reducer.Fold(domain.Tally{}, events[:v], nil)
		require.NoError(t, err)
		got, err := te.Engine().StateAt(t.Context(), domain.EntityTally, id, es.Version(v))
		require.NoError(t, err)
		require.Equal(t, es.Version(v), got.Version)
		require.Equal(t, want, got.Value)
	}
}

func testIdempotentReplay(t *testing.T, tef Tef) {
	te := tef()
	id := newID("replay")
	for i := 1; i <= 7; i++ {
		te.MustAppend(t.Context(), domain.Inc(id, i))
	}

	first, err := te.Engine().Replay(t.Context(), domain.EntityTally, id)
	require.NoError(t, err)
	second, err := te.Engine().Replay(t.Context(), domain.EntityTally, id)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, domain.Tally{Counter: 28, NumIncrements: 7, NumTotalEvents: 7}, first.Value)
}

func testSnapshotThreshold(t *testing.T, tef Tef) {
	te := tef(es.WithSnapshotThreshold(2))
	id := newID("threshold")
	ctx := t.Context()

	te.MustRecord(ctx, domain.Inc(id, 1))
	te.Assert().NoSnapshot(ctx, id)

	te.MustRecord(ctx, domain.Inc(id, 1))
	te.Assert().LatestSnapshot(ctx, id, 2)

	te.MustRecord(ctx, domain.Inc(id, 1))
	te.Assert().LatestSnapshot(ctx, id, 2)

	// AppendEvent follows the same policy
	te.MustAppend(ctx, domain.Inc(id, 1))
	te.Assert().LatestSnapshot(ctx, id, 4)
}

func testSnapshotCorrectness(t *testing.T, tef Tef) {
	te := tef(es.WithSnapshotThreshold(0))
	id := newID("correct")
	ctx := t.Context()

	for i := 1; i <= 4; i++ {
		te.MustAppend(ctx, domain.Inc(id, i))
	}
	te.Assert().NoSnapshot(ctx, id)

	snap, err := te.Coordinator().CreateSnapshot(ctx, domain.EntityTally, id)
	require.NoError(t, err)
	require.Equal(t, es.Version(4), snap.Version)
	require.NotEmpty(t, snap.ID)

	for n := 5; n <= 8; n++ {
		te.MustAppend(ctx, domain.Inc(id, n))
		seeded, err := te.GetState(ctx, domain.EntityTally, id)
		require.NoError(t, err)
		full, err := te.Engine().Replay(ctx, domain.EntityTally, id)
		require.NoError(t, err)
		require.Equal(t, full, seeded)
		require.Equal(t, es.Version(n), seeded.Version)
	}
}

func testSnapshotTies(t *testing.T, tef Tef) {
	te := tef()
	id := newID("ties")
	ctx := t.Context()
	for i := 0; i < 3; i++ {
		te.MustAppend(ctx, domain.Inc(id, 1))
	}

	save := func(v es.Version, counter int) {
		_, err := te.Snapshotter().SaveSnapshot(ctx, es.Snapshot{
			EntityID:   id,
			EntityType: domain.EntityTally,
			Version:    v,
			State:      json.RawMessage(`{"counter":` + itoa(counter) + `}`),
		})
		require.NoError(t, err)
	}
	save(3, 100)
	save(2, 200)
	save(3, 300)

	s, err := te.Snapshotter().LatestSnapshot(ctx, id)
	require.NoError(t, err)
	require.Equal(t, es.Version(3), s.Version)
	require.JSONEq(t, `{"counter":300}`, string(s.State))

	_, err = te.Snapshotter().LatestSnapshot(ctx, newID("none"))
	require.ErrorIs(t, err, es.ErrSnapshotNotFound)
}

func testSnapshotAt(t *testing.T, tef Tef) {
	te := tef(es.WithSnapshotThreshold(2))
	id := newID("at")
	ctx := t.Context()
	for i := 0; i < 5; i++ {
		te.MustRecord(ctx, domain.Inc(id, 1))
	}

	s, err := te.Snapshotter().LatestSnapshotAt(ctx, id, 3)
	require.NoError(t, err)
	require.Equal(t, es.Version(2), s.Version)

	s, err = te.Snapshotter().LatestSnapshotAt(ctx, id, 4)
	require.NoError(t, err)
	require.Equal(t, es.Version(4), s.Version)

	_, err = te.Snapshotter().LatestSnapshotAt(ctx, id, 1)
	require.ErrorIs(t, err, es.ErrSnapshotNotFound)

	state, err := te.Engine().StateAt(ctx, domain.EntityTally, id, 3)
	require.NoError(t, err)
	require.Equal(t, domain.Tally{Counter: 3, NumIncrements: 3, NumTotalEvents: 3}, state.Value)
}

func testUnusableSnapshot(t *testing.T, tef Tef) {
	te := tef()
	id := newID("unusable")
	ctx := t.Context()
	for i := 0; i < 3; i++ {
		te.MustAppend(ctx, domain.Inc(id, 1))
	}

	_, err := te.Snapshotter().SaveSnapshot(ctx, es.Snapshot{
		EntityID:   id,
		EntityType: "other",
		Version:    2,
		State:      json.RawMessage(`{"counter":999}`),
	})
	require.NoError(t, err)
	_, err = te.Snapshotter().SaveSnapshot(ctx, es.Snapshot{
		EntityID:   id,
		EntityType: domain.EntityTally,
		Version:    3,
		State:      json.RawMessage(`{"counter":"not a number"}`),
	})
	require.NoError(t, err)

	te.Assert().State(ctx, domain.EntityTally, id, 3, domain.Tally{
		Counter: 3, NumIncrements: 3, NumTotalEvents: 3,
	})
}

func testUnknownEventType(t *testing.T, tef Tef) {
	te := tef()
	id := newID("unknown")
	ctx := t.Context()

	te.MustAppend(ctx, domain.Inc(id, 2))
	te.MustAppend(ctx, es.NewEvent{EntityType: domain.EntityTally, EntityID: id, Type: "Renamed"})

	te.Assert().State(ctx, domain.EntityTally, id, 2, domain.Tally{
		Counter: 2, NumIncrements: 1, NumTotalEvents: 1,
	})
}

func testValidationError(t *testing.T, tef Tef) {
	te := tef()
	id := newID("invalid")
	ctx := t.Context()

	te.MustAppend(ctx, domain.Inc(id, 2))
	_, err := te.RecordEvent(ctx, domain.Inc(id, -1))
	require.ErrorIs(t, err, es.ErrValidation)

	var verr *es.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "inc", verr.Field)
	require.Equal(t, es.Version(2), verr.Version)

	// the fact stays recorded
	requireVersions(t, te.Store(), id, 2)

	_, err = te.GetState(ctx, domain.EntityTally, id)
	require.ErrorIs(t, err, es.ErrValidation)

	// a lenient reducer skips it
	lenient := es.StartTestEnv(
		t,
		es.WithStore(te.Store()),
		es.WithSnapshotter(te.Snapshotter()),
		es.WithReducers(domain.NewReducer(es.WithValidationPolicy(es.SkipInvalid))),
	)
	state, err := lenient.GetState(ctx, domain.EntityTally, id)
	require.NoError(t, err)
	require.Equal(t, es.Version(2), state.Version)
	require.Equal(t, domain.Tally{Counter: 2, NumIncrements: 1, NumTotalEvents: 1}, state.Value)
}

func itoa(i int) string {
	b, _ := json.Marshal(i)
	return string(b)
}
