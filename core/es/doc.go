// Package es is the event-sourcing core: an append-only event log with
// per-entity gapless versions, an append-only snapshot store, pure reducers
// per entity type, and the engine that rebuilds state from both.
//
// # Writing
//
// Every change to a business entity is recorded as an [Event]. The
// [EventStore] assigns versions: the first event of an entity gets version
// 1 and each further event exactly the previous version plus one. The next
// version is always derived from storage while holding an entity-scoped
// lock, so concurrent writers to the same entity are serialized and never
// produce gaps or duplicates, while writers to different entities never
// wait on each other.
//
// The [Coordinator] is the single write path. [Coordinator.RecordEvent]
// appends, reconstructs the resulting state and, when the new version is a
// multiple of the snapshot threshold, stores a [Snapshot]. Snapshot failures
// are logged and never returned.
//
//	env, err := es.NewEnv(
//	    es.WithStore(store),
//	    es.WithSnapshotter(snapshotter),
//	    es.WithReducers(representative.NewReducer(), invoice.NewReducer()),
//	)
//	state, err := env.RecordEvent(ctx, es.NewEvent{
//	    EntityType: es.EntityRepresentative,
//	    EntityID:   "rep-1",
//	    Type:       "PaymentReceived",
//	    Data:       map[string]any{"amount": 500},
//	})
//
// # Reading
//
// The [Engine] seeds from the latest snapshot of the entity (if any), folds
// the events recorded after it with the [Reducer] registered for the entity
// type and returns a [State]. The result is always equal to folding the
// full history from version 1; snapshots only shorten the replay.
// [Engine.StateOf] returns [ErrNotFound] for entities without events.
//
// # Reducers
//
// Reducers are pure. [NewReducer] builds one from a handler per event type.
// Unknown event types leave the state unchanged and are logged as warnings.
// Malformed data yields a [ValidationError]; depending on the reducer's
// [ValidationPolicy] it stops reconstruction or the event is skipped. The
// event stays recorded in both cases.
//
// # Errors
//
// Conflicts (lock timeouts, deadlocks, lost races) match [ErrConflict] and
// may be retried with [Retry]. Storage failures match [ErrStorage]. Both
// also match the underlying driver error.
package es
