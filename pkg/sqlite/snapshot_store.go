package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/plaenen/bankengine/pkg/eventsourcing"
)

// SnapshotStore implements eventsourcing.SnapshotStore using SQLite.
// It keeps multiple snapshots per aggregate; callers prune old ones with
// DeleteOldSnapshots.
type SnapshotStore struct {
	db *sql.DB
}

// NewSnapshotStore creates a snapshot store on an already-migrated
// database, typically the event store's via EventStore.DB().
func NewSnapshotStore(db *sql.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

// SaveSnapshot persists a snapshot for an aggregate. Writing the same
// version twice overwrites the earlier copy.
func (s *SnapshotStore) SaveSnapshot(snapshot *eventsourcing.Snapshot) error {
	_, err := s.db.Exec(`
		INSERT INTO snapshots (aggregate_id, aggregate_type, version, data, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (aggregate_id, version) DO UPDATE SET
			data = excluded.data,
			created_at = excluded.created_at`,
		snapshot.AggregateID, snapshot.AggregateType, snapshot.Version,
		snapshot.Data, snapshot.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// GetLatestSnapshot retrieves the most recent snapshot for an aggregate.
// Returns eventsourcing.ErrSnapshotNotFound if none exists.
func (s *SnapshotStore) GetLatestSnapshot(aggregateID string) (*eventsourcing.Snapshot, error) {
	var (
		snapshot  eventsourcing.Snapshot
		createdAt int64
	)
	err := s.db.QueryRow(`
		SELECT aggregate_id, aggregate_type, version, data, created_at
		FROM snapshots
		WHERE aggregate_id = ?
		ORDER BY version DESC
		LIMIT 1`,
		aggregateID,
	).Scan(&snapshot.AggregateID, &snapshot.AggregateType, &snapshot.Version, &snapshot.Data, &createdAt)

	if err == sql.ErrNoRows {
		return nil, eventsourcing.ErrSnapshotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get latest snapshot: %w", err)
	}

	snapshot.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &snapshot, nil
}

// DeleteOldSnapshots removes snapshots with version < olderThanVersion for
// an aggregate.
func (s *SnapshotStore) DeleteOldSnapshots(aggregateID string, olderThanVersion int64) error {
	_, err := s.db.Exec(
		"DELETE FROM snapshots WHERE aggregate_id = ? AND version < ?",
		aggregateID, olderThanVersion,
	)
	if err != nil {
		return fmt.Errorf("delete old snapshots: %w", err)
	}
	return nil
}

// DeleteSnapshots removes every snapshot for an aggregate. Used when a
// closed account's journal is deleted.
func (s *SnapshotStore) DeleteSnapshots(aggregateID string) error {
	_, err := s.db.Exec("DELETE FROM snapshots WHERE aggregate_id = ?", aggregateID)
	if err != nil {
		return fmt.Errorf("delete snapshots: %w", err)
	}
	return nil
}
