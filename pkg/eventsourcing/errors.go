package eventsourcing

import (
	"errors"
)

var (
	// ErrAggregateNotFound is returned when an aggregate doesn't exist.
	ErrAggregateNotFound = errors.New("aggregate not found")

	// ErrConcurrencyConflict is returned when there's an optimistic concurrency conflict.
	ErrConcurrencyConflict = errors.New("concurrency conflict: aggregate version mismatch")

	// ErrInvalidVersion is returned when an invalid version is provided.
	ErrInvalidVersion = errors.New("invalid version")

	// ErrSnapshotNotFound is returned when a snapshot cannot be found.
	ErrSnapshotNotFound = errors.New("snapshot not found")

	// ErrUnknownEventType is returned when an event payload cannot be resolved
	// through the aggregate's type registry.
	ErrUnknownEventType = errors.New("unknown event type")

	// ErrUnknownCommandType is returned when a wire command carries a type tag
	// no aggregate registered a decoder for.
	ErrUnknownCommandType = errors.New("unknown command type")
)
