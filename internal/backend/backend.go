// Package backend opens the event store and snapshotter selected by the
// process configuration and wires them into an es.Env.
package backend

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Iscgrou/roboinv/adapters/nats"
	"github.com/Iscgrou/roboinv/adapters/postgres"
	"github.com/Iscgrou/roboinv/adapters/sqlite"
	"github.com/Iscgrou/roboinv/core/es"
	"github.com/Iscgrou/roboinv/domain"
	"github.com/Iscgrou/roboinv/internal/config"
)

// Storage is an event store together with its snapshotter. Every durable
// backend implements both on the same handle.
type Storage interface {
	es.EventStore
	es.Snapshotter
	Close() error
}

type memoryStorage struct {
	*es.InMemoryStore
	*es.InMemorySnapshotter
}

func (memoryStorage) Close() error { return nil }

// Open opens the storage named by cfg.Backend.
func Open(ctx context.Context, cfg config.Config, log *slog.Logger, metrics es.Metrics) (Storage, error) {
	if log == nil {
		log = slog.Default()
	}
	if metrics == nil {
		metrics = es.NopMetrics()
	}
	switch cfg.Backend {
	case config.BackendMemory:
		opts := []es.StoreOpt{es.WithLog(log), es.WithMetrics(metrics), es.WithLockTimeout(cfg.LockTimeout)}
		return memoryStorage{
			InMemoryStore:       es.NewInMemoryStore(opts...),
			InMemorySnapshotter: es.NewInMemorySnapshotter(opts...),
		}, nil
	case config.BackendSQLite:
		s, err := sqlite.Open(ctx, sqlite.Config{
			Path:        cfg.SQLitePath,
			Log:         log,
			Metrics:     metrics,
			LockTimeout: cfg.LockTimeout,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.BackendPostgres:
		s, err := postgres.Open(ctx, postgres.Config{
			DSN:         cfg.PostgresDSN,
			Log:         log,
			Metrics:     metrics,
			LockTimeout: cfg.LockTimeout,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.BackendNATS:
		s, err := nats.Open(ctx, nats.Config{
			Connect:     nats.ConnectURL(cfg.NatsURL),
			Log:         log,
			Metrics:     metrics,
			LockTimeout: cfg.LockTimeout,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

// NewEnv opens the configured storage and builds an Env with the reducers
// of every business entity type. Closing the Env closes the storage.
func NewEnv(ctx context.Context, cfg config.Config, log *slog.Logger, metrics es.Metrics) (*es.Env, error) {
	convention, err := domain.ParseConvention(cfg.BalanceConvention)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	if metrics == nil {
		metrics = es.NopMetrics()
	}

	storage, err := Open(ctx, cfg, log, metrics)
	if err != nil {
		return nil, fmt.Errorf("open %s backend: %w", cfg.Backend, err)
	}

	env, err := es.NewEnv(
		es.WithLog(log),
		es.WithMetrics(metrics),
		es.WithStore(storage),
		es.WithSnapshotter(storage),
		es.WithSnapshotThreshold(cfg.SnapshotThreshold),
		es.WithLockTimeout(cfg.LockTimeout),
		es.WithReducers(domain.Reducers(convention)...),
	)
	if err != nil {
		_ = storage.Close()
		return nil, err
	}
	return env, nil
}
