package es

import (
	"context"
	"log/slog"
	"sync"

	"github.com/Iscgrou/roboinv/core/perkey"
)

// InMemoryStore keeps all events in process memory. Appends for one entity
// are serialized by an entity-scoped lock; appends for different entities
// only share the short map update.
type InMemoryStore struct {
	mu      sync.RWMutex
	log     *slog.Logger
	opts    storeOptions
	locks   *perkey.Locker[string]
	streams map[string][]Event
	byID    map[string]Event
}

func NewInMemoryStore(opts ...StoreOpt) *InMemoryStore {
	options := newStoreOptions(opts...)
	return &InMemoryStore{
		log:     options.log.With(slog.String("store", "memory")),
		opts:    options,
		locks:   perkey.New[string](),
		streams: map[string][]Event{},
		byID:    map[string]Event{},
	}
}

func (s *InMemoryStore) Append(ctx context.Context, req NewEvent) (Event, error) {
	ev, err := req.Build(s.opts.newID, s.opts.now())
	if err != nil {
		return Event{}, err
	}

	timer := s.opts.metrics.StoreAppendDuration(ev.EntityType)
	defer timer.ObserveDuration()

	lockCtx := ctx
	if s.opts.lockTimeout > 0 {
		var cancel context.CancelFunc
		lockCtx, cancel = context.WithTimeout(ctx, s.opts.lockTimeout)
		defer cancel()
	}
	unlock, err := s.locks.Lock(lockCtx, ev.EntityID)
	if err != nil {
		s.opts.metrics.AppendConflict(ev.EntityType)
		return Event{}, LockError(ctx, err, ev)
	}
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if req.ID != "" {
		if stored, ok := s.byID[req.ID]; ok {
			stored, err := Redelivered(stored, ev)
			if err != nil {
				return Event{}, err
			}
			s.log.Debug("append redelivered", stored.logAttrs())
			return stored.clone(), nil
		}
	}

	cur := s.streams[ev.EntityID]
	if len(cur) > 0 && cur[0].EntityType != ev.EntityType {
		return Event{}, EntityTypeMismatch(ev.EntityID, cur[0].EntityType, ev.EntityType)
	}

	ev.Version = Version(len(cur)).Next()
	s.streams[ev.EntityID] = append(cur, ev)
	s.byID[ev.ID] = ev
	s.opts.metrics.EventsAppended(ev.EntityType, 1)

	s.log.Debug("append", ev.logAttrs())

	return ev.clone(), nil
}

func (s *InMemoryStore) Events(ctx context.Context, entityID string) ([]Event, error) {
	return s.EventsAfter(ctx, entityID, 0)
}

func (s *InMemoryStore) EventsAfter(
	_ context.Context,
	entityID string,
	after Version,
	opts ...LoadOption,
) ([]Event, error) {
	loadOpts := NewLoadOptions(opts...)

	s.mu.RLock()
	defer s.mu.RUnlock()

	stream := s.streams[entityID]
	if len(stream) > 0 {
		timer := s.opts.metrics.StoreLoadDuration(stream[0].EntityType)
		defer timer.ObserveDuration()
	}

	out := make([]Event, 0)
	if after >= Version(len(stream)) {
		return out, nil
	}
	// stream[i] carries version i+1
	for i := int(after); i < len(stream); i++ {
		e := stream[i]
		if !loadOpts.Includes(e.Version) {
			break
		}
		out = append(out, e.clone())
	}
	return out, nil
}

func (s *InMemoryStore) LatestVersion(_ context.Context, entityID string) (Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Version(len(s.streams[entityID])), nil
}

var _ EventStore = (*InMemoryStore)(nil)
