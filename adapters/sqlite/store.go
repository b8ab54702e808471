// Package sqlite stores events and snapshots in a SQLite database.
//
// Version assignment runs inside a BEGIN IMMEDIATE transaction, which takes
// the database write lock before the current max version is read. Writers
// within one process are additionally serialized per entity so they queue
// on the entity instead of spinning on SQLITE_BUSY.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/Iscgrou/roboinv/adapters/sqlite/migrations"
	"github.com/Iscgrou/roboinv/core/es"
	"github.com/Iscgrou/roboinv/core/perkey"
	"github.com/Iscgrou/roboinv/internal/sqlmigrate"
)

const defaultBusyTimeout = 5 * time.Second

type Config struct {
	Path        string        // Path of the database file (required)
	Log         *slog.Logger  // Log for diagnostics (optional)
	Metrics     es.Metrics    // Metrics (optional)
	LockTimeout time.Duration // LockTimeout bounds one append including the entity lock wait
	BusyTimeout time.Duration // BusyTimeout is the SQLite busy handler timeout
	NewID       es.IDGenerator
	Now         es.Clock
}

// Store persists events and snapshots in SQLite. It implements both
// es.EventStore and es.Snapshotter.
type Store struct {
	db          *sql.DB
	log         *slog.Logger
	metrics     es.Metrics
	locks       *perkey.Locker[string]
	lockTimeout time.Duration
	newID       es.IDGenerator
	now         es.Clock
}

func toMillis(value time.Time) int64 { return value.UTC().UnixMilli() }

func fromMillis(value int64) time.Time { return time.UnixMilli(value).UTC() }

func dsn(path string, busyTimeout time.Duration) string {
	return fmt.Sprintf(
		"file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate",
		filepath.ToSlash(filepath.Clean(path)),
		busyTimeout.Milliseconds(),
	)
}

// Open opens the database at cfg.Path and applies the embedded migrations.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("storage path is required")
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("store", "sqlite"))

	busyTimeout := cfg.BusyTimeout
	if busyTimeout <= 0 {
		busyTimeout = defaultBusyTimeout
	}

	db, err := sql.Open("sqlite", dsn(cfg.Path, busyTimeout))
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	applied, err := sqlmigrate.Apply(ctx, db, migrations.FS, ".", log)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	s := &Store{
		db:          db,
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

	log.Debug("opened", slog.String("path", cfg.Path), slog.Any("migrations", applied))
	return s, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the underlying handle for maintenance tasks.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Append(ctx context.Context, req es.NewEvent) (es.Event, error) {
	ev, err := req.Build(s.newID, s.now())
	if err != nil {
		return es.Event{}, err
	}

	timer := s.metrics.StoreAppendDuration(ev.EntityType)
	defer timer.ObserveDuration()

	opCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()

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
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ev, false, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if dedupe {
		stored, err := scanEvent(tx.QueryRowContext(ctx,
			`SELECT id, entity_type, entity_id, event_type, event_data, version, actor_id, created_at
			FROM events WHERE id = ?`, ev.ID,
		))
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return ev, false, fmt.Errorf("read event %s: %w", ev.ID, err)
		default:
			resolved, err := es.Redelivered(stored, ev)
			if err != nil {
				return ev, false, err
			}
			return resolved, true, nil
		}
	}

	var (
		current    int64
		entityType string
	)
	err = tx.QueryRowContext(ctx,
		`SELECT version, entity_type FROM events WHERE entity_id = ? ORDER BY version DESC LIMIT 1`,
		ev.EntityID,
	).Scan(&current, &entityType)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		current = 0
	case err != nil:
		return ev, false, fmt.Errorf("read current version: %w", err)
	case es.EntityType(entityType) != ev.EntityType:
		return ev, false, es.EntityTypeMismatch(ev.EntityID, es.EntityType(entityType), ev.EntityType)
	}

	ev.Version = es.Version(current).Next()

	var actor sql.NullString
	if ev.ActorID != nil {
		actor = sql.NullString{String: *ev.ActorID, Valid: true}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events (id, entity_type, entity_id, event_type, event_data, version, actor_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID,
		string(ev.EntityType),
		ev.EntityID,
		ev.Type,
		string(ev.Data),
		int64(ev.Version),
		actor,
		toMillis(ev.OccurredAt),
	); err != nil {
		return ev, false, fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return ev, false, fmt.Errorf("commit: %w", err)
	}
	return ev, false, nil
}

func (s *Store) Events(ctx context.Context, entityID string) ([]es.Event, error) {
	return s.EventsAfter(ctx, entityID, 0)
}

func (s *Store) EventsAfter(ctx context.Context, entityID string, after es.Version, opts ...es.LoadOption) ([]es.Event, error) {
	loadOpts := es.NewLoadOptions(opts...)
	if after >= es.MaxStoredVersion {
		return []es.Event{}, nil
	}

	query := `SELECT id, entity_type, entity_id, event_type, event_data, version, actor_id, created_at
		FROM events WHERE entity_id = ? AND version > ?`
	args := []any{entityID, int64(after)}
	if until := loadOpts.UntilVersion(); until > 0 && until < es.MaxStoredVersion {
		query += ` AND version <= ?`
		args = append(args, int64(until))
	}
	query += ` ORDER BY version ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, s.mapError(ctx, err, "load events of %s", entityID)
	}
	defer rows.Close()

	out := make([]es.Event, 0)
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, s.mapError(ctx, err, "scan event of %s", entityID)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, s.mapError(ctx, err, "load events of %s", entityID)
	}
	return out, nil
}

func (s *Store) LatestVersion(ctx context.Context, entityID string) (es.Version, error) {
	var v int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM events WHERE entity_id = ?`, entityID,
	).Scan(&v)
	if err != nil {
		return 0, s.mapError(ctx, err, "latest version of %s", entityID)
	}
	return es.Version(v), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(rows rowScanner) (es.Event, error) {
	var (
		ev         es.Event
		entityType string
		data       string
		version    int64
		actor      sql.NullString
		createdAt  int64
	)
	if err := rows.Scan(&ev.ID, &entityType, &ev.EntityID, &ev.Type, &data, &version, &actor, &createdAt); err != nil {
		return es.Event{}, err
	}
	ev.EntityType = es.EntityType(entityType)
	ev.Data = []byte(data)
	ev.Version = es.Version(version)
	if actor.Valid {
		ev.ActorID = es.Actor(actor.String)
	}
	ev.OccurredAt = fromMillis(createdAt)
	return ev, nil
}

// mapError classifies err. Validation errors pass through, a cancelled
// caller gets its context error, busy and constraint errors as well as the
// append deadline are conflicts, everything else is a storage failure.
func (s *Store) mapError(ctx context.Context, err error, format string, args ...any) error {
	switch {
	case errors.Is(err, es.ErrValidation):
		return err
	case ctx.Err() != nil:
		return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ctx.Err())
	case isBusyError(err), isConstraintError(err), errors.Is(err, context.DeadlineExceeded):
		return es.ConflictError(err, format, args...)
	default:
		return es.StorageError(err, format, args...)
	}
}

func isConstraintError(err error) bool {
	var sqliteErr *msqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	// extended codes keep the primary code in the low byte
	return sqliteErr.Code()&0xff == sqlite3lib.SQLITE_CONSTRAINT
}

func isBusyError(err error) bool {
	var sqliteErr *msqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code() & 0xff
	return code == sqlite3lib.SQLITE_BUSY || code == sqlite3lib.SQLITE_LOCKED
}

var _ es.EventStore = (*Store)(nil)
