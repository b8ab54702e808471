package postgres

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/Iscgrou/roboinv/core/es"
)

// SaveSnapshot inserts a new snapshot row. Rows are never updated.
func (s *Store) SaveSnapshot(ctx context.Context, snap es.Snapshot) (es.Snapshot, error) {
	snap, err := snap.Prepare(s.newID, s.now())
	if err != nil {
		return es.Snapshot{}, err
	}

	timer := s.metrics.SnapshotSaveDuration(snap.EntityType)
	defer timer.ObserveDuration()

	row := snapshotModelFrom(snap)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return es.Snapshot{}, s.mapError(ctx, err, "save snapshot of %s", snap.EntityID)
	}
	return snap, nil
}

func (s *Store) LatestSnapshot(ctx context.Context, entityID string) (*es.Snapshot, error) {
	return s.LatestSnapshotAt(ctx, entityID, 0)
}

// LatestSnapshotAt returns the highest snapshot with version <= max, the
// last inserted one on ties. A zero max means no bound.
func (s *Store) LatestSnapshotAt(ctx context.Context, entityID string, max es.Version) (*es.Snapshot, error) {
	query := s.db.WithContext(ctx).Where("entity_id = ?", entityID)
	if max > 0 {
		query = query.Where("version <= ?", int64(max))
	}

	var row snapshotModel
	err := query.Order("version DESC").Order("seq DESC").Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, es.ErrSnapshotNotFound
	}
	if err != nil {
		return nil, s.mapError(ctx, err, "load snapshot of %s", entityID)
	}
	return row.toSnapshot(), nil
}

var _ es.Snapshotter = (*Store)(nil)
