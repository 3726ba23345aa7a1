package sqlite

import (
	"database/sql"
	"fmt"
	"time"
)

// ClosureRecord marks an account whose closure is being finalized. Records
// live only until the journal is deleted and the aggregate is forgotten,
// so a crashed node can resume unfinished closures on restart.
type ClosureRecord struct {
	AccountID string
	OrgID     string
	Reference string
	ClosedAt  time.Time
}

// ClosureStore persists closure records on SQLite.
type ClosureStore struct {
	db *sql.DB
}

// NewClosureStore creates a closure store on an already-migrated database.
func NewClosureStore(db *sql.DB) *ClosureStore {
	return &ClosureStore{db: db}
}

// Put registers an account for closure finalization. Idempotent: the first
// record for an account wins.
func (s *ClosureStore) Put(rec ClosureRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO closures (account_id, org_id, reference, closed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (account_id) DO NOTHING`,
		rec.AccountID, rec.OrgID, rec.Reference, rec.ClosedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("put closure record: %w", err)
	}
	return nil
}

// Delete removes a closure record once finalization completed.
func (s *ClosureStore) Delete(accountID string) error {
	_, err := s.db.Exec("DELETE FROM closures WHERE account_id = ?", accountID)
	if err != nil {
		return fmt.Errorf("delete closure record: %w", err)
	}
	return nil
}

// List returns all pending closure records ordered by closure time.
func (s *ClosureStore) List() ([]ClosureRecord, error) {
	rows, err := s.db.Query(`
		SELECT account_id, org_id, reference, closed_at
		FROM closures
		ORDER BY closed_at, account_id`)
	if err != nil {
		return nil, fmt.Errorf("list closure records: %w", err)
	}
	defer rows.Close()

	var recs []ClosureRecord
	for rows.Next() {
		var (
			rec      ClosureRecord
			closedAt int64
		)
		if err := rows.Scan(&rec.AccountID, &rec.OrgID, &rec.Reference, &closedAt); err != nil {
			return nil, fmt.Errorf("scan closure record: %w", err)
		}
		rec.ClosedAt = time.Unix(closedAt, 0).UTC()
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate closure records: %w", err)
	}
	return recs, nil
}
