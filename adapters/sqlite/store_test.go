package sqlite

import (
	"context"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/Iscgrou/roboinv/core/es"
	"github.com/Iscgrou/roboinv/core/es/estests"
	"github.com/Iscgrou/roboinv/core/es/estests/domain"
)

func openTestStore(t *testing.T, path string) *Store {
	t.Helper()
	s, err := Open(t.Context(), Config{Path: path})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_Conformance(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), "events.db"))
	estests.Run(t, estests.Backend{Name: "sqlite", Store: s, Snapshotter: s})
}

func TestStore_MixedWithMemorySnapshots(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), "events.db"))
	estests.Run(t, estests.Backend{
		Name:        "store=sqlite, snapshotter=memory",
		Store:       s,
		Snapshotter: es.NewInMemorySnapshotter(),
	})
}

func TestStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")
	ctx := t.Context()

	s, err := Open(ctx, Config{Path: path})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := s.Append(ctx, domain.Inc("t-1", 1))
		require.NoError(t, err)
	}
	require.NoError(t, s.Close())

	s = openTestStore(t, path)
	ev, err := s.Append(ctx, domain.Inc("t-1", 1))
	require.NoError(t, err)
	require.Equal(t, es.Version(4), ev.Version)

	var applied int
	require.NoError(t, s.DB().QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&applied))
	require.Equal(t, 2, applied)
}

// TestStore_TwoHandles appends through two independent handles on the same
// file. They share no in-process lock, so only the write transaction keeps
// versions gapless.
func TestStore_TwoHandles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")
	a := openTestStore(t, path)
	b := openTestStore(t, path)

	const perHandle = 15
	var (
		mu       sync.Mutex
		versions []int
	)
	g, ctx := errgroup.WithContext(t.Context())
	for _, s := range []*Store{a, b} {
		for i := 0; i < perHandle; i++ {
			g.Go(func() error {
				var stored es.Event
				err := es.Retry(ctx, 5, func(ctx context.Context) error {
					var err error
					stored, err = s.Append(ctx, domain.Inc("shared", 1))
					return err
				})
				if err != nil {
					return err
				}
				mu.Lock()
				versions = append(versions, int(stored.Version))
				mu.Unlock()
				return nil
			})
		}
	}
	require.NoError(t, g.Wait())

	sort.Ints(versions)
	for i, v := range versions {
		require.Equal(t, i+1, v)
	}
}

func TestStore_UniqueVersionConstraint(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), "events.db"))
	_, err := s.Append(t.Context(), domain.Inc("t-1", 1))
	require.NoError(t, err)

	_, err = s.DB().Exec(
		`INSERT INTO events (id, entity_type, entity_id, event_type, event_data, version, created_at)
		 VALUES ('dup', 'tally', 't-1', 'Incremented', '{}', 1, 0)`,
	)
	require.Error(t, err)
	require.True(t, isConstraintError(err))
	require.ErrorIs(t, s.mapError(t.Context(), err, "insert"), es.ErrConflict)
}

func TestStore_ClosedDatabaseIsStorageError(t *testing.T) {
	s, err := Open(t.Context(), Config{Path: filepath.Join(t.TempDir(), "events.db")})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = s.Events(t.Context(), "t-1")
	require.ErrorIs(t, err, es.ErrStorage)

	_, err = s.Append(t.Context(), domain.Inc("t-1", 1))
	require.ErrorIs(t, err, es.ErrStorage)
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(t.Context(), Config{})
	require.Error(t, err)
}
