package es

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrConflict is returned when version assignment could not complete
	// atomically (lock timeout, deadlock, lost race). The whole operation may
	// be retried.
	ErrConflict = errors.New("conflict")
	// ErrNotFound is returned when an entity has no events at all.
	ErrNotFound = errors.New("entity not found")
	// ErrValidation marks events or requests with malformed data.
	ErrValidation = errors.New("validation failed")
	// ErrUnknownEventType is a warning: the reducer does not know the event
	// type and left the state unchanged.
	ErrUnknownEventType = errors.New("unknown event type")
	// ErrEventSkipped is a warning: a lenient reducer could not interpret an
	// event and left the state unchanged.
	ErrEventSkipped = errors.New("event skipped")
	// ErrUnknownEntityType is returned when no reducer is registered for an
	// entity type.
	ErrUnknownEntityType = errors.New("unknown entity type")
	// ErrStorage marks failures of the underlying durable store.
	ErrStorage = errors.New("storage failure")

	ErrSnapshotNotFound        = errors.New("snapshot not found")
	ErrSnapshotterUnconfigured = errors.New("no snapshotter configured")
)

// kindError attaches a sentinel kind to an operation message and an optional
// cause, so errors.Is matches both the kind and the cause.
type kindError struct {
	kind  error
	msg   string
	cause error
}

func (e *kindError) Error() string {
	var b strings.Builder
	b.WriteString(e.msg)
	b.WriteString(": ")
	b.WriteString(e.kind.Error())
	if e.cause != nil {
		b.WriteString(": ")
		b.WriteString(e.cause.Error())
	}
	return b.String()
}

func (e *kindError) Unwrap() []error {
	if e.cause == nil {
		return []error{e.kind}
	}
	return []error{e.kind, e.cause}
}

// ConflictError wraps cause as a retryable ErrConflict.
func ConflictError(cause error, format string, args ...any) error {
	return &kindError{kind: ErrConflict, msg: fmt.Sprintf(format, args...), cause: cause}
}

// StorageError wraps cause as ErrStorage.
func StorageError(cause error, format string, args ...any) error {
	return &kindError{kind: ErrStorage, msg: fmt.Sprintf(format, args...), cause: cause}
}

// NotFoundError returns an ErrNotFound with context.
func NotFoundError(format string, args ...any) error {
	return &kindError{kind: ErrNotFound, msg: fmt.Sprintf(format, args...)}
}

// IsWarning reports whether err only signals that an event was ignored
// during reduction. Warnings never stop a replay.
func IsWarning(err error) bool {
	return errors.Is(err, ErrUnknownEventType) || errors.Is(err, ErrEventSkipped)
}

// ValidationError describes an event whose data does not satisfy the reducer
// of its entity type. The event itself stays recorded.
type ValidationError struct {
	EntityType EntityType
	EntityID   string
	EventType  string
	Version    Version
	Field      string
	Reason     string
	Err        error
}

func (e *ValidationError) Error() string {
	msg := fmt.Sprintf(
		"invalid %s event %s (entity=%s version=%d)",
		e.EntityType, e.EventType, e.EntityID, e.Version,
	)
	if e.Field != "" {
		msg += fmt.Sprintf(": field %q %s", e.Field, e.Reason)
	} else if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ValidationError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrValidation}
	}
	return []error{ErrValidation, e.Err}
}

// Invalid builds a ValidationError for field of ev.
func Invalid(ev Event, field, reason string) *ValidationError {
	return &ValidationError{
		EntityType: ev.EntityType,
		EntityID:   ev.EntityID,
		EventType:  ev.Type,
		Version:    ev.Version,
		Field:      field,
		Reason:     reason,
	}
}

// EntityTypeMismatch reports an append whose entity type differs from the
// type the entity was created with.
func EntityTypeMismatch(entityID string, have, want EntityType) error {
	return fmt.Errorf("%w: entity %s is a %s, not a %s", ErrValidation, entityID, have, want)
}

// LockError maps a failed entity lock acquisition. A cancelled caller
// context is returned as is; a lock timeout is a retryable conflict.
func LockError(ctx context.Context, err error, ev Event) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return ConflictError(err, "lock %s %s", ev.EntityType, ev.EntityID)
}

func isValidation(err error) bool { return errors.Is(err, ErrValidation) }
