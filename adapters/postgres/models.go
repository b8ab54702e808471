package postgres

import (
	"time"

	"github.com/Iscgrou/roboinv/core/es"
)

type eventModel struct {
	ID         string    `gorm:"column:id;primaryKey"`
	EntityType string    `gorm:"column:entity_type;not null"`
	EntityID   string    `gorm:"column:entity_id;not null;uniqueIndex:idx_events_entity_version,priority:1"`
	EventType  string    `gorm:"column:event_type;not null"`
	EventData  string    `gorm:"column:event_data;type:text;not null"`
	Version    int64     `gorm:"column:version;not null;uniqueIndex:idx_events_entity_version,priority:2"`
	ActorID    *string   `gorm:"column:actor_id"`
	CreatedAt  time.Time `gorm:"column:created_at;not null"`
}

func (eventModel) TableName() string {
	return "events"
}

func eventModelFrom(ev es.Event) eventModel {
	return eventModel{
		ID:         ev.ID,
		EntityType: string(ev.EntityType),
		EntityID:   ev.EntityID,
		EventType:  ev.Type,
		EventData:  string(ev.Data),
		Version:    int64(ev.Version),
		ActorID:    ev.ActorID,
		CreatedAt:  ev.OccurredAt,
	}
}

func (m eventModel) toEvent() es.Event {
	ev := es.Event{
		ID:         m.ID,
		EntityType: es.EntityType(m.EntityType),
		EntityID:   m.EntityID,
		Type:       m.EventType,
		Data:       []byte(m.EventData),
		Version:    es.Version(m.Version),
		OccurredAt: m.CreatedAt.UTC(),
	}
	if m.ActorID != nil {
		ev.ActorID = es.Actor(*m.ActorID)
	}
	return ev
}

// streamModel is the head row of an entity. Appends lock it with
// SELECT ... FOR UPDATE, which serializes version assignment per entity
// across every process sharing the database.
type streamModel struct {
	EntityID   string `gorm:"column:entity_id;primaryKey"`
	EntityType string `gorm:"column:entity_type;not null"`
	Version    int64  `gorm:"column:version;not null"`
}

func (streamModel) TableName() string {
	return "event_streams"
}

type snapshotModel struct {
	Seq        int64     `gorm:"column:seq;primaryKey;autoIncrement"`
	ID         string    `gorm:"column:id;not null;uniqueIndex"`
	EntityID   string    `gorm:"column:entity_id;not null;index:idx_snapshots_entity_version,priority:1"`
	EntityType string    `gorm:"column:entity_type;not null"`
	Version    int64     `gorm:"column:version;not null;index:idx_snapshots_entity_version,priority:2"`
	State      string    `gorm:"column:state;type:text;not null"`
	CreatedAt  time.Time `gorm:"column:created_at;not null"`
}

func (snapshotModel) TableName() string {
	return "snapshots"
}

func snapshotModelFrom(s es.Snapshot) snapshotModel {
	return snapshotModel{
		ID:         s.ID,
		EntityID:   s.EntityID,
		EntityType: string(s.EntityType),
		Version:    int64(s.Version),
		State:      string(s.State),
		CreatedAt:  s.CreatedAt,
	}
}

func (m snapshotModel) toSnapshot() *es.Snapshot {
	return &es.Snapshot{
		ID:         m.ID,
		EntityID:   m.EntityID,
		EntityType: es.EntityType(m.EntityType),
		Version:    es.Version(m.Version),
		State:      []byte(m.State),
		CreatedAt:  m.CreatedAt.UTC(),
	}
}
