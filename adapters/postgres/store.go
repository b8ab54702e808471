// Package postgres stores events and snapshots in PostgreSQL through gorm.
//
// Every append locks the head row of its entity in event_streams before the
// next version is computed, so concurrent writers in any number of processes
// queue on the entity. The unique (entity_id, version) index is the last line
// of defense against duplicate versions.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/Iscgrou/roboinv/core/es"
	"github.com/Iscgrou/roboinv/core/perkey"
)

const pingTimeout = 5 * time.Second

// postgres error codes that mean "try again"
const (
	codeUniqueViolation      = "23505"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeLockNotAvailable     = "55P03"
	codeQueryCanceled        = "57014"
)

type Config struct {
	DSN         string        // DSN of the database (required unless DB is set)
	DB          *gorm.DB      // DB reuses an existing connection; Close leaves it open
	Log         *slog.Logger  // Log for diagnostics (optional)
	Metrics     es.Metrics    // Metrics (optional)
	LockTimeout time.Duration // LockTimeout bounds one append including the row lock wait
	NewID       es.IDGenerator
	Now         es.Clock
}

// Store persists events and snapshots in PostgreSQL. It implements both
// es.EventStore and es.Snapshotter.
type Store struct {
	db          *gorm.DB
	ownsDB      bool
	log         *slog.Logger
	metrics     es.Metrics
	locks       *perkey.Locker[string]
	lockTimeout time.Duration
	newID       es.IDGenerator
	now         es.Clock
}

// Open connects to the database and migrates the schema.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("store", "postgres"))

	db, owns := cfg.DB, false
	if db == nil {
		if strings.TrimSpace(cfg.DSN) == "" {
			return nil, errors.New("postgres dsn is required")
		}
		var err error
		db, err = connect(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		owns = true
	}

	s := &Store{
		db:          db,
		ownsDB:      owns,
		log:         log,
		metrics:     cfg.Metrics,
		locks:       perkey.New[string](),
		lockTimeout: cfg.LockTimeout,
		newID:       cfg.NewID,
		now:         cfg.Now,
	}
	if s.metrics == nil {
		s.metrics = es.NopMetrics()
	}
	if s.lockTimeout <= 0 {
		s.lockTimeout = es.DefaultLockTimeout
	}
	if s.newID == nil {
		s.newID = es.NewID
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}

	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	log.Debug("opened")
	return s, nil
}

func connect(ctx context.Context, dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open gorm postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("resolve postgres sql db handle: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	if err := sqlDB.PingContext(pingCtx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// Migrate creates or updates the events, event_streams and snapshots tables.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&eventModel{}, &streamModel{}, &snapshotModel{}); err != nil {
		return fmt.Errorf("migrate postgres schema: %w", err)
	}
	return nil
}

// Close closes the connection pool if the store opened it.
func (s *Store) Close() error {
	if s == nil || s.db == nil || !s.ownsDB {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// DB exposes the underlying handle for maintenance tasks.
func (s *Store) DB() *gorm.DB { return s.db }

func (s *Store) Append(ctx context.Context, req es.NewEvent) (es.Event, error) {
	ev, err := req.Build(s.newID, s.now())
	if err != nil {
		return es.Event{}, err
	}

	timer := s.metrics.StoreAppendDuration(ev.EntityType)
	defer timer.ObserveDuration()

	opCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()

	// in-process writers queue here instead of occupying a pool connection
	// while they wait for the row lock
	unlock, err := s.locks.Lock(opCtx, ev.EntityID)
	if err != nil {
		s.metrics.AppendConflict(ev.EntityType)
		return es.Event{}, es.LockError(ctx, err, ev)
	}
	defer unlock()

	ev, redelivered, err := s.appendTx(opCtx, ev, req.ID != "")
	if err != nil {
		err = s.mapError(ctx, err, "append %s to %s", ev.Type, ev.EntityID)
		if errors.Is(err, es.ErrConflict) {
			s.metrics.AppendConflict(ev.EntityType)
		}
		return es.Event{}, err
	}
	if redelivered {
		s.log.Debug("append redelivered", slog.String("id", ev.ID), ev.Version.SlogAttr())
		return ev, nil
	}

	s.metrics.EventsAppended(ev.EntityType, 1)
	s.log.Debug(
		"append",
		slog.String("entity_id", ev.EntityID),
		slog.String("event_type", ev.Type),
		ev.Version.SlogAttr(),
	)
	return ev, nil
}

func (s *Store) appendTx(ctx context.Context, ev es.Event, dedupe bool) (es.Event, bool, error) {
	var redelivered bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// SET does not take bind parameters
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())
		if err := tx.Exec(stmt).Error; err != nil {
			return err
		}

		head := streamModel{EntityID: ev.EntityID, EntityType: string(ev.EntityType)}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&head).Error; err != nil {
			return err
		}

		var locked streamModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("entity_id = ?", ev.EntityID).
			First(&locked).
			Error; err != nil {
			return err
		}
		if es.EntityType(locked.EntityType) != ev.EntityType {
			return es.EntityTypeMismatch(ev.EntityID, es.EntityType(locked.EntityType), ev.EntityType)
		}

		if dedupe {
			var stored []eventModel
			if err := tx.Where("id = ?", ev.ID).Limit(1).Find(&stored).Error; err != nil {
				return err
			}
			if len(stored) > 0 {
				resolved, err := es.Redelivered(stored[0].toEvent(), ev)
				if err != nil {
					return err
				}
				ev, redelivered = resolved, true
				return nil
			}
		}

		ev.Version = es.Version(locked.Version).Next()
		row := eventModelFrom(ev)
		if err := tx.Create(&row).Error; err != nil {
			return err
		}

		return tx.Model(&streamModel{}).
			Where("entity_id = ?", ev.EntityID).
			Update("version", int64(ev.Version)).
			Error
	})
	return ev, redelivered, err
}

func (s *Store) Events(ctx context.Context, entityID string) ([]es.Event, error) {
	return s.EventsAfter(ctx, entityID, 0)
}

func (s *Store) EventsAfter(ctx context.Context, entityID string, after es.Version, opts ...es.LoadOption) ([]es.Event, error) {
	loadOpts := es.NewLoadOptions(opts...)
	if after >= es.MaxStoredVersion {
		return []es.Event{}, nil
	}

	query := s.db.WithContext(ctx).
		Where("entity_id = ? AND version > ?", entityID, int64(after))
	if until := loadOpts.UntilVersion(); until > 0 && until < es.MaxStoredVersion {
		query = query.Where("version <= ?", int64(until))
	}

	var rows []eventModel
	if err := query.Order("version ASC").Find(&rows).Error; err != nil {
		return nil, s.mapError(ctx, err, "load events of %s", entityID)
	}

	out := make([]es.Event, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toEvent())
	}
	return out, nil
}

func (s *Store) LatestVersion(ctx context.Context, entityID string) (es.Version, error) {
	var v int64
	err := s.db.WithContext(ctx).
		Model(&eventModel{}).
		Where("entity_id = ?", entityID).
		Select("COALESCE(MAX(version), 0)").
		Scan(&v).
		Error
	if err != nil {
		return 0, s.mapError(ctx, err, "latest version of %s", entityID)
	}
	return es.Version(v), nil
}

// mapError classifies err the same way for every operation: validation
// passes through, a cancelled caller gets its context error, lock and
// serialization failures are conflicts, anything else is a storage failure.
func (s *Store) mapError(ctx context.Context, err error, format string, args ...any) error {
	switch {
	case errors.Is(err, es.ErrValidation):
		return err
	case ctx.Err() != nil:
		return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ctx.Err())
	case isRetryable(err), errors.Is(err, context.DeadlineExceeded):
		return es.ConflictError(err, format, args...)
	default:
		return es.StorageError(err, format, args...)
	}
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case codeUniqueViolation, codeSerializationFailure, codeDeadlockDetected, codeLockNotAvailable, codeQueryCanceled:
		return true
	}
	return false
}

var _ es.EventStore = (*Store)(nil)
