package sqlite

import (
	"context"
	"database/sql"
	"errors"

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

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO snapshots (id, entity_id, entity_type, version, state, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		snap.ID,
		snap.EntityID,
		string(snap.EntityType),
		int64(snap.Version),
		string(snap.State),
		toMillis(snap.CreatedAt),
	); err != nil {
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
	query := `SELECT id, entity_id, entity_type, version, state, created_at FROM snapshots WHERE entity_id = ?`
	args := []any{entityID}
	if max > 0 {
		query += ` AND version <= ?`
		args = append(args, int64(max))
	}
	query += ` ORDER BY version DESC, rowid DESC LIMIT 1`

	var (
		snap       es.Snapshot
		entityType string
		version    int64
		state      string
		createdAt  int64
	)
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&snap.ID, &snap.EntityID, &entityType, &version, &state, &createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, es.ErrSnapshotNotFound
	}
	if err != nil {
		return nil, s.mapError(ctx, err, "load snapshot of %s", entityID)
	}
	snap.EntityType = es.EntityType(entityType)
	snap.Version = es.Version(version)
	snap.State = []byte(state)
	snap.CreatedAt = fromMillis(createdAt)
	return &snap, nil
}

var _ es.Snapshotter = (*Store)(nil)
