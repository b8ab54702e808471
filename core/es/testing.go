package es

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

// === Helpers ===

type TestingEnv struct {
	*Env
	t testing.TB
}

// StartTestEnv creates an Env on in-memory storage. opts override the
// defaults; stores passed in stay owned by the caller.
func StartTestEnv(t testing.TB, opts ...EnvOption) *TestingEnv {
	t.Helper()
	e, err := NewEnv(
		WithStore(NewInMemoryStore()),
		WithSnapshotter(NewInMemorySnapshotter()),
		WithEnvOpts(opts...),
	)
	require.NoError(t, err)
	return &TestingEnv{t: t, Env: e}
}

func (e *TestingEnv) Assert() *TestingEnvAssert {
	return &TestingEnvAssert{env: e}
}

// MustAppend appends ev and fails the test on error.
func (e *TestingEnv) MustAppend(ctx context.Context, ev NewEvent) Event {
	e.t.Helper()
	stored, err := e.AppendEvent(ctx, ev)
	require.NoError(e.t, err)
	return stored
}

// MustRecord records ev and fails the test on error.
func (e *TestingEnv) MustRecord(ctx context.Context, ev NewEvent) State {
	e.t.Helper()
	state, err := e.RecordEvent(ctx, ev)
	require.NoError(e.t, err)
	return state
}

type TestingEnvAssert struct {
	env *TestingEnv
}

// Versions asserts that the entity has exactly the versions 1..n.
func (a *TestingEnvAssert) Versions(ctx context.Context, entityID string, n int) {
	a.env.t.Helper()
	events, err := a.env.Events(ctx, entityID)
	require.NoError(a.env.t, err)
	require.Len(a.env.t, events, n)
	for i, ev := range events {
		require.Equal(a.env.t, Version(i+1), ev.Version, "event %d", i)
	}
}

// State asserts the current state and version of the entity.
func (a *TestingEnvAssert) State(
	ctx context.Context,
	entityType EntityType,
	entityID string,
	version Version,
	value any,
) {
	a.env.t.Helper()
	state, err := a.env.GetState(ctx, entityType, entityID)
	require.NoError(a.env.t, err)
	require.Equal(a.env.t, version, state.Version)
	require.Equal(a.env.t, value, state.Value)
}

// LatestSnapshot asserts the version of the latest snapshot of the entity.
func (a *TestingEnvAssert) LatestSnapshot(ctx context.Context, entityID string, version Version) {
	a.env.t.Helper()
	s, err := a.env.Snapshotter().LatestSnapshot(ctx, entityID)
	require.NoError(a.env.t, err)
	require.Equal(a.env.t, version, s.Version)
}

// NoSnapshot asserts that the entity has no snapshot.
func (a *TestingEnvAssert) NoSnapshot(ctx context.Context, entityID string) {
	a.env.t.Helper()
	_, err := a.env.Snapshotter().LatestSnapshot(ctx, entityID)
	require.ErrorIs(a.env.t, err, ErrSnapshotNotFound)
}
