package eventsourcing

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Event represents a domain event that has occurred in the system.
// Events are immutable facts about state changes.
type Event struct {
	// ID is the unique identifier for this event (deterministic)
	ID string

	// AggregateID is the identifier of the aggregate this event belongs to
	AggregateID string

	// AggregateType is the type name of the aggregate (e.g., "account", "employee")
	AggregateType string

	// EventType is the fully qualified type name of the event (e.g., "account.Deposited")
	EventType string

	// Version is the sequence number of the aggregate after applying this event.
	// The journal guarantees versions are gap-free and monotonic per aggregate.
	Version int64

	// Position is the global journal position, assigned on commit and set on
	// loaded events. Zero until the event is persisted. Positions are
	// monotonic but not dense: deleting a stream leaves gaps.
	Position int64

	// Timestamp is when the event was created
	Timestamp time.Time

	// Data is the serialized JSON payload of the event
	Data []byte

	// Metadata contains additional contextual information
	Metadata EventMetadata

	// Tags are query labels for cross-aggregate streams (read-model rebuild,
	// closure reconciliation). The journal defaults them to the aggregate type.
	Tags []string
}

// EventMetadata contains contextual information about an event.
type EventMetadata struct {
	// CausationID is the ID of the command that caused this event
	CausationID string

	// CorrelationID threads a multi-step workflow across aggregates
	// (e.g. a transfer's pending/approved/deposited chain)
	CorrelationID string

	// InitiatedByID is the identifier of the principal (user, service, system)
	// who triggered this event
	InitiatedByID string

	// OrgID is the organization the aggregate belongs to
	OrgID string

	// Custom allows for application-specific metadata
	Custom map[string]string
}

// EventStore defines the interface for persisting and retrieving events.
type EventStore interface {
	// AppendEvents appends events to an aggregate's stream atomically and
	// returns the new sequence number. The commit is durable before the call
	// returns. Returns ErrConcurrencyConflict if expectedVersion doesn't match
	// the aggregate's current version.
	AppendEvents(aggregateID string, expectedVersion int64, events []*Event) (int64, error)

	// LoadEvents loads all live events for an aggregate after afterVersion,
	// in version order.
	LoadEvents(aggregateID string, afterVersion int64) ([]*Event, error)

	// LoadEventRange loads live events for an aggregate with
	// fromVersion < version <= toVersion, in version order.
	LoadEventRange(aggregateID string, fromVersion, toVersion int64) ([]*Event, error)

	// LoadAllEvents loads live events across all aggregates ordered by global
	// position, for projection building.
	LoadAllEvents(fromPosition int64, limit int) ([]*Event, error)

	// LoadEventsByTag loads live events carrying the given tag ordered by
	// global position. Used for read-model rebuild and closure reconciliation.
	LoadEventsByTag(tag string, fromPosition int64, limit int) ([]*Event, error)

	// GetAggregateVersion returns the current version of an aggregate.
	// Returns 0 if the aggregate doesn't exist.
	GetAggregateVersion(aggregateID string) (int64, error)

	// DeleteEventsUpTo soft-deletes events with version <= toVersion for the
	// aggregate. Deleted events stop appearing in loads but the version
	// counter is preserved so appends stay gap-free.
	DeleteEventsUpTo(aggregateID string, toVersion int64) error

	// Close closes the event store and releases resources.
	Close() error
}

// Snapshot is a serialized aggregate state at a specific version.
type Snapshot struct {
	AggregateID   string
	AggregateType string
	Version       int64
	Data          []byte
	CreatedAt     time.Time
}

// SnapshotStore defines the interface for snapshot persistence.
type SnapshotStore interface {
	// SaveSnapshot persists a snapshot for an aggregate.
	SaveSnapshot(snapshot *Snapshot) error

	// GetLatestSnapshot retrieves the most recent snapshot for an aggregate.
	// Returns ErrSnapshotNotFound if none exists.
	GetLatestSnapshot(aggregateID string) (*Snapshot, error)

	// DeleteOldSnapshots removes snapshots older than the specified version.
	DeleteOldSnapshots(aggregateID string, olderThanVersion int64) error
}

// SnapshotStrategy decides when snapshots should be created.
type SnapshotStrategy interface {
	ShouldCreateSnapshot(currentVersion, eventsSinceLastSnapshot int64) bool
}

// IntervalSnapshotStrategy creates snapshots every N events.
type IntervalSnapshotStrategy struct {
	Interval int64
}

// NewIntervalSnapshotStrategy creates a strategy that snapshots every N events.
func NewIntervalSnapshotStrategy(interval int64) *IntervalSnapshotStrategy {
	return &IntervalSnapshotStrategy{Interval: interval}
}

// ShouldCreateSnapshot checks if the interval threshold has been passed.
func (s *IntervalSnapshotStrategy) ShouldCreateSnapshot(currentVersion, eventsSinceLastSnapshot int64) bool {
	if s.Interval <= 0 {
		return false
	}
	return eventsSinceLastSnapshot >= s.Interval
}

// EventNotification pairs a committed event with the serialized aggregate
// state after applying it. This is the unit published on the egress bus so
// read-model writers and real-time broadcast consumers never need to replay.
type EventNotification struct {
	Event *Event `json:"event"`
	State []byte `json:"state,omitempty"`
}

// EventBus defines the interface for publishing and subscribing to
// committed events.
type EventBus interface {
	// Publish publishes notifications to all subscribers. Publication happens
	// after the events are durably journaled; delivery is at-least-once.
	Publish(notes []*EventNotification) error

	// Subscribe subscribes to notifications matching the filter.
	Subscribe(filter EventFilter, handler EventHandler) (Subscription, error)

	// Close closes the event bus and releases resources.
	Close() error
}

// EventFilter defines criteria for filtering events.
type EventFilter struct {
	// AggregateTypes filters by aggregate type (empty = all types)
	AggregateTypes []string

	// AggregateIDs filters by aggregate id (empty = all aggregates).
	// Subjects are partitioned by aggregate id, so this filter is cheap.
	AggregateIDs []string
}

// EventHandler processes a notification.
// Return an error to nack (it will be redelivered based on bus configuration).
type EventHandler func(n *EventNotification) error

// Subscription represents an active event subscription.
type Subscription interface {
	// Unsubscribe stops receiving events and cleans up resources.
	Unsubscribe() error
}

// GenerateDeterministicEventID generates a deterministic event ID from
// command context. The same command always produces the same event IDs, so
// redelivered commands that pass idempotent decide rules do not fork streams.
func GenerateDeterministicEventID(commandID, aggregateID string, sequence int) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s:%s:%d", commandID, aggregateID, sequence)
	return hex.EncodeToString(h.Sum(nil))[:32]
}
