package es

import (
	"log/slog"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// IDGenerator returns a new unique id for an event or snapshot.
type IDGenerator func() string

// Clock returns the current time.
type Clock func() time.Time

// DefaultSnapshotThreshold is the number of versions between two automatic
// snapshots.
const DefaultSnapshotThreshold uint64 = 50

// DefaultLockTimeout bounds how long Append waits for the entity lock.
const DefaultLockTimeout = 5 * time.Second

func NewID() string { return gonanoid.Must() }

func defaultClock() time.Time { return time.Now().UTC() }

type (
	valueOption[T any] struct{ v T }

	LogOption               valueOption[*slog.Logger]
	MetricsOption           valueOption[Metrics]
	LockTimeoutOption       valueOption[time.Duration]
	IDGeneratorOption       valueOption[IDGenerator]
	ClockOption             valueOption[Clock]
	SnapshotThresholdOption valueOption[uint64]
	SnapshotsOption         valueOption[bool]
	StoreOption             valueOption[EventStore]
	SnapshotterOption       valueOption[Snapshotter]
	ReducersOption          struct{ reducers []Reducer }
)

func WithLog(l *slog.Logger) LogOption                       { return LogOption{l} }
func WithMetrics(m Metrics) MetricsOption                    { return MetricsOption{m} }
func WithLockTimeout(d time.Duration) LockTimeoutOption      { return LockTimeoutOption{d} }
func WithIDGenerator(g IDGenerator) IDGeneratorOption        { return IDGeneratorOption{g} }
func WithClock(c Clock) ClockOption                          { return ClockOption{c} }
func WithStore(s EventStore) StoreOption                     { return StoreOption{s} }
func WithSnapshotter(s Snapshotter) SnapshotterOption        { return SnapshotterOption{s} }
func WithReducers(r ...Reducer) ReducersOption               { return ReducersOption{reducers: r} }
func WithSnapshotThreshold(n uint64) SnapshotThresholdOption { return SnapshotThresholdOption{n} }

// WithSnapshots toggles whether reconstruction seeds from snapshots.
func WithSnapshots(enabled bool) SnapshotsOption { return SnapshotsOption{enabled} }

// === store ===

type (
	storeOptions struct {
		log         *slog.Logger
		metrics     Metrics
		lockTimeout time.Duration
		newID       IDGenerator
		now         Clock
	}

	StoreOpt interface {
		applyToStore(*storeOptions)
	}
)

func newStoreOptions(opts ...StoreOpt) storeOptions {
	o := storeOptions{
		log:         slog.Default(),
		metrics:     NopMetrics(),
		lockTimeout: DefaultLockTimeout,
		newID:       NewID,
		now:         defaultClock,
	}
	for _, opt := range opts {
		opt.applyToStore(&o)
	}
	return o
}

func (o LogOption) applyToStore(s *storeOptions)         { s.log = o.v }
func (o MetricsOption) applyToStore(s *storeOptions)     { s.metrics = o.v }
func (o LockTimeoutOption) applyToStore(s *storeOptions) { s.lockTimeout = o.v }
func (o IDGeneratorOption) applyToStore(s *storeOptions) { s.newID = o.v }
func (o ClockOption) applyToStore(s *storeOptions)       { s.now = o.v }

// === engine ===

type (
	engineOptions struct {
		log       *slog.Logger
		metrics   Metrics
		snapshots bool
	}

	EngineOption interface {
		applyToEngine(*engineOptions)
	}
)

func newEngineOptions(opts ...EngineOption) engineOptions {
	o := engineOptions{
		log:       slog.Default(),
		metrics:   NopMetrics(),
		snapshots: true,
	}
	for _, opt := range opts {
		opt.applyToEngine(&o)
	}
	return o
}

func (o LogOption) applyToEngine(e *engineOptions)       { e.log = o.v }
func (o MetricsOption) applyToEngine(e *engineOptions)   { e.metrics = o.v }
func (o SnapshotsOption) applyToEngine(e *engineOptions) { e.snapshots = o.v }

// === coordinator ===

type (
	coordinatorOptions struct {
		log       *slog.Logger
		metrics   Metrics
		threshold uint64
		newID     IDGenerator
		now       Clock
	}

	CoordinatorOption interface {
		applyToCoordinator(*coordinatorOptions)
	}
)

func newCoordinatorOptions(opts ...CoordinatorOption) coordinatorOptions {
	o := coordinatorOptions{
		log:       slog.Default(),
		metrics:   NopMetrics(),
		threshold: DefaultSnapshotThreshold,
		newID:     NewID,
		now:       defaultClock,
	}
	for _, opt := range opts {
		opt.applyToCoordinator(&o)
	}
	return o
}

func (o LogOption) applyToCoordinator(c *coordinatorOptions)               { c.log = o.v }
func (o MetricsOption) applyToCoordinator(c *coordinatorOptions)           { c.metrics = o.v }
func (o SnapshotThresholdOption) applyToCoordinator(c *coordinatorOptions) { c.threshold = o.v }
func (o IDGeneratorOption) applyToCoordinator(c *coordinatorOptions)       { c.newID = o.v }
func (o ClockOption) applyToCoordinator(c *coordinatorOptions)             { c.now = o.v }

// === env ===

type (
	envOptions struct {
		log         *slog.Logger
		metrics     Metrics
		store       EventStore
		snapshotter Snapshotter
		reducers    []Reducer
		threshold   uint64
		snapshots   bool
		lockTimeout time.Duration
		newID       IDGenerator
		now         Clock
	}

	EnvOption interface {
		applyToEnv(*envOptions)
	}

	EnvOpts struct{ opts []EnvOption }
)

func WithEnvOpts(opts ...EnvOption) EnvOpts { return EnvOpts{opts: opts} }

func newEnvOptions(opts ...EnvOption) envOptions {
	o := envOptions{
		log:         slog.Default(),
		metrics:     NopMetrics(),
		threshold:   DefaultSnapshotThreshold,
		snapshots:   true,
		lockTimeout: DefaultLockTimeout,
		newID:       NewID,
		now:         defaultClock,
	}
	for _, opt := range opts {
		opt.applyToEnv(&o)
	}
	return o
}

func (o LogOption) applyToEnv(e *envOptions)               { e.log = o.v }
func (o MetricsOption) applyToEnv(e *envOptions)           { e.metrics = o.v }
func (o StoreOption) applyToEnv(e *envOptions)             { e.store = o.v }
func (o SnapshotterOption) applyToEnv(e *envOptions)       { e.snapshotter = o.v }
func (o ReducersOption) applyToEnv(e *envOptions)          { e.reducers = append(e.reducers, o.reducers...) }
func (o SnapshotThresholdOption) applyToEnv(e *envOptions) { e.threshold = o.v }
func (o SnapshotsOption) applyToEnv(e *envOptions)         { e.snapshots = o.v }
func (o LockTimeoutOption) applyToEnv(e *envOptions)       { e.lockTimeout = o.v }
func (o IDGeneratorOption) applyToEnv(e *envOptions)       { e.newID = o.v }
func (o ClockOption) applyToEnv(e *envOptions)             { e.now = o.v }
func (o EnvOpts) applyToEnv(e *envOptions) {
	for _, opt := range o.opts {
		opt.applyToEnv(e)
	}
}
