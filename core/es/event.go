package es

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// EntityType tags the kind of business entity an event belongs to. It
// selects the reducer used to rebuild state.
type EntityType string

const (
	EntityRepresentative EntityType = "representative"
	EntityInvoice        EntityType = "invoice"
	EntitySalesPartner   EntityType = "sales_partner"
)

func (t EntityType) String() string { return string(t) }

// Event is an immutable fact about one entity. Once appended it is never
// updated or deleted.
type Event struct {
	// ID is the unique identifier of the stored event.
	ID string `json:"id"`
	// EntityType selects the reducer for this event.
	EntityType EntityType `json:"entity_type"`
	// EntityID identifies the entity; IDs are never reused across entities.
	EntityID string `json:"entity_id"`
	// Type names the business fact, e.g. PaymentReceived.
	Type string `json:"event_type"`
	// Data is the JSON payload. The store never interprets it.
	Data json.RawMessage `json:"event_data"`
	// Version is assigned by the store at append time (1, 2, 3, ...).
	Version Version `json:"version"`
	// ActorID is the user or admin that initiated the fact, if any.
	ActorID *string `json:"actor_id,omitempty"`
	// OccurredAt is when the event was recorded, UTC with millisecond precision.
	OccurredAt time.Time `json:"created_at"`
}

func (e Event) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("%w: event id is empty", ErrValidation)
	}
	if e.OccurredAt.IsZero() {
		return fmt.Errorf("%w: event occurred at is zero", ErrValidation)
	}
	if e.Version == 0 {
		return fmt.Errorf("%w: event version is zero", ErrValidation)
	}
	return validateIdentity(e.EntityType, e.EntityID, e.Type)
}

// Decode unmarshals the payload into v. Malformed JSON is reported as a
// ValidationError.
func (e Event) Decode(v any) error {
	data := e.Data
	if len(bytes.TrimSpace(data)) == 0 {
		data = []byte("{}")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return &ValidationError{
			EntityType: e.EntityType,
			EntityID:   e.EntityID,
			EventType:  e.Type,
			Version:    e.Version,
			Reason:     "malformed event data",
			Err:        err,
		}
	}
	return nil
}

// Actor returns the actor id, or "" when the event has none.
func (e Event) Actor() string {
	if e.ActorID == nil {
		return ""
	}
	return *e.ActorID
}

func (e Event) clone() Event {
	out := e
	if e.Data != nil {
		out.Data = append(json.RawMessage(nil), e.Data...)
	}
	if e.ActorID != nil {
		actor := *e.ActorID
		out.ActorID = &actor
	}
	return out
}

func (e Event) logAttrs() slog.Attr {
	return slog.Group(
		"event",
		slog.String("id", e.ID),
		slog.String("entity_type", e.EntityType.String()),
		slog.String("entity_id", e.EntityID),
		slog.String("type", e.Type),
		e.Version.SlogAttr(),
	)
}

// DecodeData unmarshals the payload of ev into a fresh T.
func DecodeData[T any](ev Event) (T, error) {
	var out T
	err := ev.Decode(&out)
	return out, err
}

// NewEvent is a request to append a fact. The store assigns Version and,
// when left zero, ID and OccurredAt.
type NewEvent struct {
	// ID, when set, makes the append idempotent: if an event with this id
	// is already stored for the entity, Append returns it unchanged.
	ID         string
	EntityType EntityType
	EntityID   string
	Type       string
	// Data is either raw JSON (json.RawMessage or []byte) or a value that
	// is marshalled to JSON. nil is stored as an empty object.
	Data       any
	ActorID    *string
	OccurredAt time.Time
}

func (n NewEvent) Validate() error {
	return validateIdentity(n.EntityType, n.EntityID, n.Type)
}

// Build validates the request and turns it into an unversioned Event.
func (n NewEvent) Build(newID IDGenerator, now time.Time) (Event, error) {
	if err := n.Validate(); err != nil {
		return Event{}, err
	}
	data, err := encodeData(n.Data)
	if err != nil {
		return Event{}, fmt.Errorf("%w: encode %s data: %w", ErrValidation, n.Type, err)
	}
	occurredAt := n.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = now
	}
	id := n.ID
	if id == "" {
		id = newID()
	}
	ev := Event{
		ID:         id,
		EntityType: n.EntityType,
		EntityID:   n.EntityID,
		Type:       n.Type,
		Data:       data,
		ActorID:    n.ActorID,
		OccurredAt: occurredAt.UTC().Truncate(time.Millisecond),
	}
	return ev, nil
}

// Redelivered resolves an append whose caller-supplied id is already
// stored. It returns stored when it belongs to the same entity.
func Redelivered(stored, ev Event) (Event, error) {
	if stored.EntityID != ev.EntityID || stored.EntityType != ev.EntityType {
		return Event{}, fmt.Errorf(
			"%w: event id %s is already used by %s %s",
			ErrValidation, ev.ID, stored.EntityType, stored.EntityID,
		)
	}
	return stored, nil
}

// Actor is a small helper to fill NewEvent.ActorID.
func Actor(id string) *string {
	if id == "" {
		return nil
	}
	return &id
}

func encodeData(v any) (json.RawMessage, error) {
	switch d := v.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		if !json.Valid(d) {
			return nil, fmt.Errorf("invalid json")
		}
		return append(json.RawMessage(nil), d...), nil
	case []byte:
		if !json.Valid(d) {
			return nil, fmt.Errorf("invalid json")
		}
		return append(json.RawMessage(nil), d...), nil
	default:
		return json.Marshal(v)
	}
}

func validateIdentity(entityType EntityType, entityID, eventType string) error {
	if entityType == "" {
		return fmt.Errorf("%w: entity type is empty", ErrValidation)
	}
	if strings.TrimSpace(entityID) == "" {
		return fmt.Errorf("%w: entity id is empty", ErrValidation)
	}
	if strings.TrimSpace(eventType) == "" {
		return fmt.Errorf("%w: event type is empty", ErrValidation)
	}
	return nil
}
