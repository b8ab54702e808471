package nats

import (
	"context"
	"fmt"
	"strconv"
	"time"

	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/Iscgrou/roboinv/core/es"
)

// SaveSnapshot publishes snap to the snapshot subject of its entity.
func (s *Store) SaveSnapshot(ctx context.Context, snap es.Snapshot) (es.Snapshot, error) {
	snap, err := snap.Prepare(s.newID, s.now())
	if err != nil {
		return es.Snapshot{}, err
	}

	timer := s.metrics.SnapshotSaveDuration(snap.EntityType)
	defer timer.ObserveDuration()

	msg := natsgo.NewMsg(s.snapshotSubject(snap.EntityID))
	msg.Header = encodeSnapshot(snap)
	msg.Data = snap.State

	if _, err := s.js.PublishMsg(ctx, msg, jetstream.WithMsgID(snap.ID)); err != nil {
		return es.Snapshot{}, s.mapError(ctx, err, "save snapshot of %s", snap.EntityID)
	}
	return snap, nil
}

func (s *Store) LatestSnapshot(ctx context.Context, entityID string) (*es.Snapshot, error) {
	return s.LatestSnapshotAt(ctx, entityID, 0)
}

// LatestSnapshotAt scans the snapshot subject of the entity. Snapshots may
// arrive out of version order, so the last message is not necessarily the
// highest version.
func (s *Store) LatestSnapshotAt(ctx context.Context, entityID string, max es.Version) (*es.Snapshot, error) {
	var best *es.Snapshot
	err := scan(ctx, s.snapshots, s.snapshotSubject(entityID), func(h natsgo.Header, data []byte) (bool, error) {
		snap, err := decodeSnapshot(h, data)
		if err != nil {
			return false, err
		}
		if max > 0 && snap.Version > max {
			return true, nil
		}
		// stream order is insertion order, later ties win
		if best == nil || snap.Version >= best.Version {
			best = &snap
		}
		return true, nil
	})
	if err != nil {
		return nil, s.mapError(ctx, err, "load snapshot of %s", entityID)
	}
	if best == nil {
		return nil, es.ErrSnapshotNotFound
	}
	return best, nil
}

func encodeSnapshot(snap es.Snapshot) natsgo.Header {
	h := natsgo.Header{}
	h.Set(hdrID, snap.ID)
	h.Set(hdrEntityType, snap.EntityType.String())
	h.Set(hdrEntityID, snap.EntityID)
	h.Set(hdrVersion, strconv.FormatUint(snap.Version.Uint64(), 10))
	h.Set(hdrTime, snap.CreatedAt.UTC().Format(time.RFC3339Nano))
	return h
}

func decodeSnapshot(h natsgo.Header, data []byte) (es.Snapshot, error) {
	version, err := strconv.ParseUint(h.Get(hdrVersion), 10, 64)
	if err != nil {
		return es.Snapshot{}, fmt.Errorf("decode version header: %w", err)
	}
	createdAt, err := time.Parse(time.RFC3339Nano, h.Get(hdrTime))
	if err != nil {
		return es.Snapshot{}, fmt.Errorf("decode time header: %w", err)
	}
	return es.Snapshot{
		ID:         h.Get(hdrID),
		EntityID:   h.Get(hdrEntityID),
		EntityType: es.EntityType(h.Get(hdrEntityType)),
		Version:    es.Version(version),
		State:      append([]byte(nil), data...),
		CreatedAt:  createdAt.UTC(),
	}, nil
}

var _ es.Snapshotter = (*Store)(nil)
