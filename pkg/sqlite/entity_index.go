package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// EntityIndex implements runtime.EntityIndex on SQLite: a persisted set of
// live entity ids per region, so a restarted node reactivates its entities
// without waiting for traffic.
type EntityIndex struct {
	db *sql.DB
}

// NewEntityIndex creates an entity index on an already-migrated database.
func NewEntityIndex(db *sql.DB) *EntityIndex {
	return &EntityIndex{db: db}
}

// Remember records an entity as live in a region. Idempotent.
func (i *EntityIndex) Remember(ctx context.Context, region, entityID string) error {
	_, err := i.db.ExecContext(ctx, `
		INSERT INTO entities (region, entity_id, remembered_at)
		VALUES (?, ?, ?)
		ON CONFLICT (region, entity_id) DO NOTHING`,
		region, entityID, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("remember entity: %w", err)
	}
	return nil
}

// Forget drops an entity from a region's index.
func (i *EntityIndex) Forget(ctx context.Context, region, entityID string) error {
	_, err := i.db.ExecContext(ctx,
		"DELETE FROM entities WHERE region = ? AND entity_id = ?",
		region, entityID,
	)
	if err != nil {
		return fmt.Errorf("forget entity: %w", err)
	}
	return nil
}

// List returns the remembered entity ids for a region in insertion order.
func (i *EntityIndex) List(ctx context.Context, region string) ([]string, error) {
	rows, err := i.db.QueryContext(ctx,
		"SELECT entity_id FROM entities WHERE region = ? ORDER BY remembered_at, entity_id",
		region,
	)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan entity id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entities: %w", err)
	}
	return ids, nil
}
