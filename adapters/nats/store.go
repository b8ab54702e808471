// Package nats stores events and snapshots in NATS JetStream.
//
// Every entity owns one subject in the event stream. The next version is
// derived from the last message on that subject, and the publish carries the
// subject sequence it was derived from, so JetStream rejects an append that
// lost a race against another process. Within one process appends are
// additionally serialized per entity.
package nats

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/Iscgrou/roboinv/core/es"
	"github.com/Iscgrou/roboinv/core/perkey"
)

const (
	defaultSubjectPrefix  = "roboinv"
	defaultEventStream    = "ROBOINV_EVENTS"
	defaultSnapshotStream = "ROBOINV_SNAPSHOTS"

	fetchBatch      = 256
	maxEmptyFetches = 20
	emptyFetchDelay = 5 * time.Millisecond
)

const (
	hdrID         = "x-id"
	hdrEntityType = "x-entity-type"
	hdrEntityID   = "x-entity-id"
	hdrEventType  = "x-event-type"
	hdrVersion    = "x-version"
	hdrActorID    = "x-actor-id"
	hdrTime       = "x-time"
)

type Config struct {
	Connect        Connector    // Connect is used to create the underlying NATS connection. If nil, ConnectDefault() is used.
	Log            *slog.Logger // Log for diagnostics (optional)
	Metrics        es.Metrics   // Metrics (optional)
	SubjectPrefix  string       // SubjectPrefix of the event and snapshot subjects
	EventStream    string       // EventStream is the name of the event stream
	SnapshotStream string       // SnapshotStream is the name of the snapshot stream
	// MemoryStorage keeps both streams in memory, for tests.
	MemoryStorage bool
	// Replicas of both streams, 1 if unset.
	Replicas    int
	LockTimeout time.Duration
	NewID       es.IDGenerator
	Now         es.Clock
}

// Store implements es.EventStore and es.Snapshotter on two JetStream
// streams. Events are never deleted: the event stream denies deletes and
// purges and has no limits.
type Store struct {
	nc          *natsgo.Conn
	closeNc     closeFunc
	js          jetstream.JetStream
	events      jetstream.Stream
	snapshots   jetstream.Stream
	log         *slog.Logger
	metrics     es.Metrics
	locks       *perkey.Locker[string]
	lockTimeout time.Duration
	newID       es.IDGenerator
	now         es.Clock
	prefix      string
}

func Open(ctx context.Context, cfg Config) (*Store, error) {
	doConnect := cfg.Connect
	if doConnect == nil {
		doConnect = ConnectDefault()
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	prefix := strings.Trim(cfg.SubjectPrefix, ".")
	if prefix == "" {
		prefix = defaultSubjectPrefix
	}
	eventStream := strings.ToUpper(cfg.EventStream)
	if eventStream == "" {
		eventStream = defaultEventStream
	}
	snapshotStream := strings.ToUpper(cfg.SnapshotStream)
	if snapshotStream == "" {
		snapshotStream = defaultSnapshotStream
	}
	storage := jetstream.FileStorage
	if cfg.MemoryStorage {
		storage = jetstream.MemoryStorage
	}
	replicas := max(cfg.Replicas, 1)

	log = log.With(
		slog.String("store", "nats_js"),
		slog.String("subject_prefix", prefix),
	)

	nc, closeNc, err := doConnect()
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		closeNc()
		return nil, err
	}

	log.Debug("ensuring streams")

	events, err := ensureStream(ctx, js, jetstream.StreamConfig{
		Name:       eventStream,
		Subjects:   []string{prefix + ".events.>"},
		Retention:  jetstream.LimitsPolicy,
		Storage:    storage,
		Replicas:   replicas,
		DenyDelete: true,
		DenyPurge:  true,
		FirstSeq:   1,
	})
	if err != nil {
		closeNc()
		return nil, err
	}

	snapshots, err := ensureStream(ctx, js, jetstream.StreamConfig{
		Name:      snapshotStream,
		Subjects:  []string{prefix + ".snapshots.>"},
		Retention: jetstream.LimitsPolicy,
		Storage:   storage,
		Replicas:  replicas,
		FirstSeq:  1,
	})
	if err != nil {
		closeNc()
		return nil, err
	}

	s := &Store{
		nc:          nc,
		closeNc:     closeNc,
		js:          js,
		events:      events,
		snapshots:   snapshots,
		log:         log,
		metrics:     cfg.Metrics,
		locks:       perkey.New[string](),
		lockTimeout: cfg.LockTimeout,
		newID:       cfg.NewID,
		now:         cfg.Now,
		prefix:      prefix,
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
	return s, nil
}

func (s *Store) Close() error {
	s.js.CleanupPublisher()
	s.closeNc()
	s.log.Debug("closed")
	return nil
}

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

	ev, redelivered, err := s.publish(opCtx, ev, req.ID != "")
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

// publish appends ev after the current head of its subject. With dedupe
// set, an id that is already stored resolves to the stored event, either
// because it is the head or through the stream's duplicate window.
func (s *Store) publish(ctx context.Context, ev es.Event, dedupe bool) (es.Event, bool, error) {
	subject := s.eventSubject(ev.EntityID)

	var lastSeq uint64
	last, err := s.events.GetLastMsgForSubject(ctx, subject)
	switch {
	case errors.Is(err, jetstream.ErrMsgNotFound):
		ev.Version = 1
	case err != nil:
		return ev, false, fmt.Errorf("read head of %s: %w", subject, err)
	default:
		head, err := decodeEvent(last.Header, last.Data)
		if err != nil {
			return ev, false, fmt.Errorf("decode head of %s: %w", subject, err)
		}
		if head.EntityType != ev.EntityType {
			return ev, false, es.EntityTypeMismatch(ev.EntityID, head.EntityType, ev.EntityType)
		}
		if dedupe && head.ID == ev.ID {
			return head, true, nil
		}
		lastSeq = last.Sequence
		ev.Version = head.Version.Next()
	}

	msg := natsgo.NewMsg(subject)
	msg.Header = encodeEvent(ev)
	msg.Data = ev.Data

	ack, err := s.js.PublishMsg(
		ctx, msg,
		jetstream.WithMsgID(ev.ID),
		jetstream.WithExpectStream(s.events.CachedInfo().Config.Name),
		jetstream.WithExpectLastSequencePerSubject(lastSeq),
	)
	if err != nil {
		return ev, false, err
	}
	if !ack.Duplicate {
		return ev, false, nil
	}
	if !dedupe {
		return ev, false, fmt.Errorf("%w: event id %s already stored", es.ErrValidation, ev.ID)
	}

	raw, err := s.events.GetMsg(ctx, ack.Sequence)
	if err != nil {
		return ev, false, fmt.Errorf("read duplicate %s: %w", ev.ID, err)
	}
	stored, err := decodeEvent(raw.Header, raw.Data)
	if err != nil {
		return ev, false, fmt.Errorf("decode duplicate %s: %w", ev.ID, err)
	}
	resolved, err := es.Redelivered(stored, ev)
	if err != nil {
		return ev, false, err
	}
	return resolved, true, nil
}

func (s *Store) Events(ctx context.Context, entityID string) ([]es.Event, error) {
	return s.EventsAfter(ctx, entityID, 0)
}

func (s *Store) EventsAfter(ctx context.Context, entityID string, after es.Version, opts ...es.LoadOption) ([]es.Event, error) {
	loadOpts := es.NewLoadOptions(opts...)

	startAt := time.Now()
	out := make([]es.Event, 0)
	err := scan(ctx, s.events, s.eventSubject(entityID), func(h natsgo.Header, data []byte) (bool, error) {
		ev, err := decodeEvent(h, data)
		if err != nil {
			return false, err
		}
		if ev.Version <= after {
			return true, nil
		}
		if !loadOpts.Includes(ev.Version) {
			return false, nil
		}
		out = append(out, ev)
		return true, nil
	})
	if err != nil {
		return nil, s.mapError(ctx, err, "load events of %s", entityID)
	}

	s.log.Debug(
		"loaded events",
		slog.String("entity_id", entityID),
		after.SlogAttrWithKey("after"),
		slog.Int("count", len(out)),
		slog.Duration("duration", time.Since(startAt)),
	)
	return out, nil
}

func (s *Store) LatestVersion(ctx context.Context, entityID string) (es.Version, error) {
	last, err := s.events.GetLastMsgForSubject(ctx, s.eventSubject(entityID))
	if errors.Is(err, jetstream.ErrMsgNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, s.mapError(ctx, err, "latest version of %s", entityID)
	}
	ev, err := decodeEvent(last.Header, last.Data)
	if err != nil {
		return 0, s.mapError(ctx, err, "latest version of %s", entityID)
	}
	return ev.Version, nil
}

// mapError classifies err: validation passes through, a cancelled caller
// gets its context error, a lost subject race or the append deadline is a
// conflict, everything else is a storage failure.
func (s *Store) mapError(ctx context.Context, err error, format string, args ...any) error {
	switch {
	case errors.Is(err, es.ErrValidation):
		return err
	case ctx.Err() != nil:
		return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ctx.Err())
	case isWrongLastSequence(err), errors.Is(err, context.DeadlineExceeded):
		return es.ConflictError(err, format, args...)
	default:
		return es.StorageError(err, format, args...)
	}
}

func isWrongLastSequence(err error) bool {
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}

func ensureStream(ctx context.Context, js jetstream.JetStream, cfg jetstream.StreamConfig) (jetstream.Stream, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*natsgo.DefaultTimeout)
	defer cancel()

	stream, err := js.CreateOrUpdateStream(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("ensure stream %s: %w", cfg.Name, err)
	}
	return stream, nil
}

// scan delivers every message on subject, in stream order, up to the last
// message present when the scan started. fn returns false to stop early.
func scan(ctx context.Context, stream jetstream.Stream, subject string, fn func(natsgo.Header, []byte) (bool, error)) error {
	last, err := stream.GetLastMsgForSubject(ctx, subject)
	if errors.Is(err, jetstream.ErrMsgNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	endSeq := last.Sequence

	cc, err := stream.OrderedConsumer(ctx, jetstream.OrderedConsumerConfig{
		DeliverPolicy:  jetstream.DeliverAllPolicy,
		FilterSubjects: []string{subject},
	})
	if err != nil {
		return err
	}

	empty := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		mb, err := cc.FetchNoWait(fetchBatch)
		if err != nil {
			return err
		}

		got := false
		for msg := range mb.Messages() {
			got = true
			md, err := msg.Metadata()
			if err != nil {
				return err
			}
			more, err := fn(msg.Headers(), msg.Data())
			if err != nil {
				return err
			}
			if !more || md.Sequence.Stream >= endSeq {
				return nil
			}
		}
		if err := mb.Error(); err != nil {
			return err
		}

		if got {
			empty = 0
			continue
		}
		// the consumer may not have caught up with endSeq yet
		empty++
		if empty > maxEmptyFetches {
			return fmt.Errorf("scan %s: stream ended before sequence %d", subject, endSeq)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(emptyFetchDelay):
		}
	}
}

func (s *Store) eventSubject(entityID string) string {
	return s.prefix + ".events." + subjectToken(entityID)
}

func (s *Store) snapshotSubject(entityID string) string {
	return s.prefix + ".snapshots." + subjectToken(entityID)
}

const encodedTokenPrefix = "b64~"

// subjectToken maps an entity id to a single subject token. Ids that
// contain separators or wildcards are base64url encoded.
func subjectToken(id string) string {
	if id != "" && !strings.HasPrefix(id, encodedTokenPrefix) && !strings.ContainsAny(id, ".*> \t\r\n") {
		return id
	}
	return encodedTokenPrefix + base64.RawURLEncoding.EncodeToString([]byte(id))
}

func encodeEvent(ev es.Event) natsgo.Header {
	h := natsgo.Header{}
	h.Set(hdrID, ev.ID)
	h.Set(hdrEntityType, ev.EntityType.String())
	h.Set(hdrEntityID, ev.EntityID)
	h.Set(hdrEventType, ev.Type)
	h.Set(hdrVersion, strconv.FormatUint(ev.Version.Uint64(), 10))
	h.Set(hdrTime, ev.OccurredAt.UTC().Format(time.RFC3339Nano))
	if ev.ActorID != nil {
		h.Set(hdrActorID, *ev.ActorID)
	}
	return h
}

func decodeEvent(h natsgo.Header, data []byte) (es.Event, error) {
	version, err := strconv.ParseUint(h.Get(hdrVersion), 10, 64)
	if err != nil {
		return es.Event{}, fmt.Errorf("decode version header: %w", err)
	}
	occurredAt, err := time.Parse(time.RFC3339Nano, h.Get(hdrTime))
	if err != nil {
		return es.Event{}, fmt.Errorf("decode time header: %w", err)
	}
	return es.Event{
		ID:         h.Get(hdrID),
		EntityType: es.EntityType(h.Get(hdrEntityType)),
		EntityID:   h.Get(hdrEntityID),
		Type:       h.Get(hdrEventType),
		Data:       append([]byte(nil), data...),
		Version:    es.Version(version),
		ActorID:    es.Actor(h.Get(hdrActorID)),
		OccurredAt: occurredAt.UTC(),
	}, nil
}

var _ es.EventStore = (*Store)(nil)
