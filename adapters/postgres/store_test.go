package postgres

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/Iscgrou/roboinv/core/es"
	"github.com/Iscgrou/roboinv/core/es/estests"
	"github.com/Iscgrou/roboinv/core/es/estests/domain"
)

func TestStore_Conformance(t *testing.T) {
	if testing.Short() {
		t.Skip("requires docker")
	}
	s := NewTestStore(t, Config{})
	estests.Run(t, estests.Backend{Name: "postgres", Store: s, Snapshotter: s})

	t.Run("two handles", func(t *testing.T) {
		// a second pool has its own in-process locks, only the row lock
		// keeps versions gapless
		other, err := Open(t.Context(), Config{DB: s.DB()})
		require.NoError(t, err)

		const perHandle = 15
		var (
			mu       sync.Mutex
			versions []int
		)
		g, ctx := errgroup.WithContext(t.Context())
		for _, h := range []*Store{s, other} {
			for i := 0; i < perHandle; i++ {
				g.Go(func() error {
					var stored es.Event
					err := es.Retry(ctx, 5, func(ctx context.Context) error {
						var err error
						stored, err = h.Append(ctx, domain.Inc("pg-shared", 1))
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
	})

	t.Run("migrate twice", func(t *testing.T) {
		require.NoError(t, s.Migrate(t.Context()))
	})
}

func TestMapError(t *testing.T) {
	s := &Store{}
	ctx := context.Background()

	for code, want := range map[string]error{
		codeUniqueViolation:      es.ErrConflict,
		codeDeadlockDetected:     es.ErrConflict,
		codeLockNotAvailable:     es.ErrConflict,
		codeSerializationFailure: es.ErrConflict,
		"42P01":                  es.ErrStorage,
	} {
		err := s.mapError(ctx, &pgconn.PgError{Code: code}, "op")
		require.ErrorIs(t, err, want, code)
	}

	require.ErrorIs(t, s.mapError(ctx, errors.New("boom"), "op"), es.ErrStorage)
	require.ErrorIs(t, s.mapError(ctx, context.DeadlineExceeded, "op"), es.ErrConflict)

	invalid := es.EntityTypeMismatch("x", "a", "b")
	require.Equal(t, invalid, s.mapError(ctx, invalid, "op"))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	err := s.mapError(cancelled, errors.New("driver gave up"), "op")
	require.ErrorIs(t, err, context.Canceled)
	require.NotErrorIs(t, err, es.ErrStorage)
}

func TestOpen_RequiresDSN(t *testing.T) {
	_, err := Open(t.Context(), Config{})
	require.Error(t, err)
}
