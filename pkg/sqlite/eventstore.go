// Package sqlite persists the engine's durable state: the event journal,
// snapshots, the live-entity index, the closure registry and the account
// read model with its billing statements. It uses the pure Go SQLite
// driver, so binaries stay CGo-free.
package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/plaenen/bankengine/pkg/eventsourcing"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// EventStore is a SQLite-backed implementation of eventsourcing.EventStore.
// Appends are serialized through a single writer; the commit is durable
// before AppendEvents returns.
type EventStore struct {
	db *sql.DB
	mu sync.RWMutex
}

// eventStoreConfig holds internal configuration for the SQLite event store.
type eventStoreConfig struct {
	// dsn is the data source name (file path or ":memory:" for in-memory)
	dsn string

	// maxOpenConns sets the maximum number of open connections
	maxOpenConns int

	// maxIdleConns sets the maximum number of idle connections
	maxIdleConns int

	// walMode enables write-ahead logging for better concurrency
	walMode bool

	// autoMigrate automatically runs pending migrations on startup
	autoMigrate bool
}

// defaultEventStoreConfig returns sensible defaults.
func defaultEventStoreConfig() eventStoreConfig {
	return eventStoreConfig{
		dsn:          "bankengine.db",
		maxOpenConns: 25,
		maxIdleConns: 5,
		walMode:      true,
		autoMigrate:  true,
	}
}

// EventStoreOption is a function that configures an EventStore.
type EventStoreOption func(*eventStoreConfig)

// WithDSN sets the data source name (file path or ":memory:" for in-memory).
func WithDSN(dsn string) EventStoreOption {
	return func(c *eventStoreConfig) {
		c.dsn = dsn
	}
}

// WithMemoryDatabase sets the database to an in-memory database.
func WithMemoryDatabase() EventStoreOption {
	return func(c *eventStoreConfig) {
		c.dsn = ":memory:"
	}
}

// WithMaxOpenConns sets the maximum number of open connections to the database.
func WithMaxOpenConns(n int) EventStoreOption {
	return func(c *eventStoreConfig) {
		c.maxOpenConns = n
	}
}

// WithMaxIdleConns sets the maximum number of idle connections in the pool.
func WithMaxIdleConns(n int) EventStoreOption {
	return func(c *eventStoreConfig) {
		c.maxIdleConns = n
	}
}

// WithWALMode enables write-ahead logging for better concurrency.
// Recommended for file databases; not applicable to :memory:.
func WithWALMode(enabled bool) EventStoreOption {
	return func(c *eventStoreConfig) {
		c.walMode = enabled
	}
}

// WithAutoMigrate enables automatic migration on startup.
func WithAutoMigrate(enabled bool) EventStoreOption {
	return func(c *eventStoreConfig) {
		c.autoMigrate = enabled
	}
}

// NewEventStore creates a new SQLite event store with the given options.
//
// Example usage:
//
//	// Use defaults (bankengine.db, WAL mode, auto-migrate)
//	store, err := sqlite.NewEventStore()
//
//	// In-memory database for testing
//	store, err := sqlite.NewEventStore(
//	    sqlite.WithMemoryDatabase(),
//	    sqlite.WithWALMode(false),
//	)
func NewEventStore(opts ...EventStoreOption) (*EventStore, error) {
	config := defaultEventStoreConfig()
	for _, opt := range opts {
		opt(&config)
	}

	db, err := sql.Open("sqlite", config.dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if config.dsn == ":memory:" {
		// A memory database exists per connection; the pool must never
		// open a second one.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(config.maxOpenConns)
		db.SetMaxIdleConns(config.maxIdleConns)
	}
	db.SetConnMaxLifetime(time.Hour)

	store := &EventStore{db: db}

	if config.walMode {
		if err := store.setWALMode(); err != nil {
			db.Close()
			return nil, err
		}
	}

	if config.autoMigrate {
		if err := runMigrations(db); err != nil {
			db.Close()
			return nil, err
		}
	}

	return store, nil
}

// DB returns the underlying database handle so the companion stores
// (snapshots, entity index, closures, read model) can share it.
func (s *EventStore) DB() *sql.DB {
	return s.db
}

// RunMigrations applies pending journal-side migrations. Only needed when
// the store was created with WithAutoMigrate(false).
func (s *EventStore) RunMigrations() error {
	return runMigrations(s.db)
}

func (s *EventStore) setWALMode() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := s.db.Exec(pragma); err != nil {
			return fmt.Errorf("set pragma %q: %w", pragma, err)
		}
	}
	return nil
}

// AppendEvents appends events to one aggregate's stream atomically and
// returns the new version. The aggregate's version counter must equal
// expectedVersion or the append fails with ErrConcurrencyConflict.
func (s *EventStore) AppendEvents(aggregateID string, expectedVersion int64, events []*eventsourcing.Event) (int64, error) {
	if len(events) == 0 {
		return expectedVersion, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	current, err := aggregateVersion(tx, aggregateID)
	if err != nil {
		return 0, err
	}
	if current != expectedVersion {
		return 0, eventsourcing.ErrConcurrencyConflict
	}

	version := expectedVersion
	for _, event := range events {
		version++
		if event.Version != version {
			return 0, fmt.Errorf("event %s has version %d, want %d: %w",
				event.ID, event.Version, version, eventsourcing.ErrInvalidVersion)
		}

		tags := event.Tags
		if len(tags) == 0 {
			tags = []string{event.AggregateType}
		}
		metadataJSON, err := json.Marshal(event.Metadata)
		if err != nil {
			return 0, fmt.Errorf("marshal metadata: %w", err)
		}
		tagsJSON, err := json.Marshal(tags)
		if err != nil {
			return 0, fmt.Errorf("marshal tags: %w", err)
		}

		res, err := tx.Exec(`
			INSERT INTO events (event_id, aggregate_id, aggregate_type, event_type, version, timestamp, data, metadata, tags)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			event.ID, event.AggregateID, event.AggregateType, event.EventType,
			event.Version, event.Timestamp.Unix(), event.Data, string(metadataJSON), string(tagsJSON),
		)
		if err != nil {
			return 0, fmt.Errorf("insert event %s: %w", event.ID, err)
		}
		position, err := res.LastInsertId()
		if err != nil {
			return 0, fmt.Errorf("event position: %w", err)
		}
		event.Position = position

		for _, tag := range tags {
			if _, err := tx.Exec(
				"INSERT INTO event_tags (tag, position) VALUES (?, ?)",
				tag, position,
			); err != nil {
				return 0, fmt.Errorf("insert tag %q: %w", tag, err)
			}
		}
	}

	if _, err := tx.Exec(`
		INSERT INTO aggregates (aggregate_id, aggregate_type, current_version)
		VALUES (?, ?, ?)
		ON CONFLICT (aggregate_id) DO UPDATE SET current_version = excluded.current_version`,
		aggregateID, events[0].AggregateType, version,
	); err != nil {
		return 0, fmt.Errorf("update aggregate version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}
	return version, nil
}

const selectEvents = `
	SELECT event_id, aggregate_id, aggregate_type, event_type, version, position, timestamp, data, metadata, tags
	FROM events`

// LoadEvents loads all live events for an aggregate after afterVersion, in
// version order.
func (s *EventStore) LoadEvents(aggregateID string, afterVersion int64) ([]*eventsourcing.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(selectEvents+`
		WHERE aggregate_id = ? AND version > ?
		ORDER BY version`,
		aggregateID, afterVersion)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	return scanEvents(rows)
}

// LoadEventRange loads live events for an aggregate with
// fromVersion < version <= toVersion, in version order.
func (s *EventStore) LoadEventRange(aggregateID string, fromVersion, toVersion int64) ([]*eventsourcing.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(selectEvents+`
		WHERE aggregate_id = ? AND version > ? AND version <= ?
		ORDER BY version`,
		aggregateID, fromVersion, toVersion)
	if err != nil {
		return nil, fmt.Errorf("query event range: %w", err)
	}
	return scanEvents(rows)
}

// LoadAllEvents loads live events across all aggregates ordered by global
// position, for projection building.
func (s *EventStore) LoadAllEvents(fromPosition int64, limit int) ([]*eventsourcing.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(selectEvents+`
		WHERE position > ?
		ORDER BY position
		LIMIT ?`,
		fromPosition, limitOrAll(limit))
	if err != nil {
		return nil, fmt.Errorf("query all events: %w", err)
	}
	return scanEvents(rows)
}

// LoadEventsByTag loads live events carrying the given tag ordered by
// global position.
func (s *EventStore) LoadEventsByTag(tag string, fromPosition int64, limit int) ([]*eventsourcing.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT e.event_id, e.aggregate_id, e.aggregate_type, e.event_type, e.version, e.position, e.timestamp, e.data, e.metadata, e.tags
		FROM events e
		JOIN event_tags t ON t.position = e.position
		WHERE t.tag = ? AND e.position > ?
		ORDER BY e.position
		LIMIT ?`,
		tag, fromPosition, limitOrAll(limit))
	if err != nil {
		return nil, fmt.Errorf("query events by tag: %w", err)
	}
	return scanEvents(rows)
}

// GetAggregateVersion returns the current version of an aggregate, 0 when
// the aggregate doesn't exist. The counter survives journal deletion.
func (s *EventStore) GetAggregateVersion(aggregateID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return aggregateVersion(s.db, aggregateID)
}

// DeleteEventsUpTo removes events with version <= toVersion for the
// aggregate. The aggregate's version counter is preserved, so later
// appends continue the sequence without gaps.
func (s *EventStore) DeleteEventsUpTo(aggregateID string, toVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		DELETE FROM event_tags
		WHERE position IN (
			SELECT position FROM events WHERE aggregate_id = ? AND version <= ?
		)`,
		aggregateID, toVersion); err != nil {
		return fmt.Errorf("delete event tags: %w", err)
	}
	if _, err := tx.Exec(
		"DELETE FROM events WHERE aggregate_id = ? AND version <= ?",
		aggregateID, toVersion); err != nil {
		return fmt.Errorf("delete events: %w", err)
	}
	return tx.Commit()
}

// Close closes the event store and releases resources.
func (s *EventStore) Close() error {
	return s.db.Close()
}

// querier lets version lookups run against the pool or inside a transaction.
type querier interface {
	QueryRow(query string, args ...any) *sql.Row
}

func aggregateVersion(q querier, aggregateID string) (int64, error) {
	var version int64
	err := q.QueryRow(
		"SELECT current_version FROM aggregates WHERE aggregate_id = ?", aggregateID,
	).Scan(&version)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query aggregate version: %w", err)
	}
	return version, nil
}

// limitOrAll maps a non-positive limit to "no limit" (-1 in SQLite).
func limitOrAll(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

func scanEvents(rows *sql.Rows) ([]*eventsourcing.Event, error) {
	defer rows.Close()

	var events []*eventsourcing.Event
	for rows.Next() {
		var (
			event     eventsourcing.Event
			timestamp int64
			metadata  string
			tags      string
		)
		if err := rows.Scan(
			&event.ID, &event.AggregateID, &event.AggregateType, &event.EventType,
			&event.Version, &event.Position, &timestamp, &event.Data, &metadata, &tags,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		event.Timestamp = time.Unix(timestamp, 0).UTC()
		if err := json.Unmarshal([]byte(metadata), &event.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata for %s: %w", event.ID, err)
		}
		if err := json.Unmarshal([]byte(tags), &event.Tags); err != nil {
			return nil, fmt.Errorf("unmarshal tags for %s: %w", event.ID, err)
		}
		events = append(events, &event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}
