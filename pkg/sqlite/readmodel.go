package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/plaenen/bankengine/pkg/bank"
)

// ErrAccountNotFound is returned when the read model has no row for an
// account id.
var ErrAccountNotFound = errors.New("account not found in read model")

// AccountRow is one account in the read model: just enough for the
// billing-cycle sweep and closure reconciliation.
type AccountRow struct {
	ID                 string
	OrgID              string
	Status             bank.AccountStatus
	Balance            decimal.Decimal
	LastBillingCycleAt *time.Time
}

// AccountReadModel maintains the accounts table from the event stream.
// It can share the journal's database or live in its own.
type AccountReadModel struct {
	db *sql.DB
}

// readModelConfig holds internal configuration for the read-side stores.
type readModelConfig struct {
	autoMigrate bool
}

// ReadModelOption configures the read-side stores.
type ReadModelOption func(*readModelConfig)

// WithReadModelAutoMigrate enables automatic migration on startup.
func WithReadModelAutoMigrate(enabled bool) ReadModelOption {
	return func(c *readModelConfig) {
		c.autoMigrate = enabled
	}
}

// NewAccountReadModel creates the accounts read model. By default it runs
// the read-side migrations, which are tracked separately from the
// journal's so both can share one database.
func NewAccountReadModel(db *sql.DB, opts ...ReadModelOption) (*AccountReadModel, error) {
	config := readModelConfig{autoMigrate: true}
	for _, opt := range opts {
		opt(&config)
	}
	if config.autoMigrate {
		if err := runReadModelMigrations(db); err != nil {
			return nil, err
		}
	}
	return &AccountReadModel{db: db}, nil
}

// Save upserts an account's org, status and balance. The billing-cycle
// date is owned by MarkBillingCycle and left untouched here.
func (m *AccountReadModel) Save(row AccountRow) error {
	_, err := m.db.Exec(`
		INSERT INTO accounts (id, org_id, status, balance)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			org_id = excluded.org_id,
			status = excluded.status,
			balance = excluded.balance`,
		row.ID, row.OrgID, string(row.Status), row.Balance.String(),
	)
	if err != nil {
		return fmt.Errorf("save account row: %w", err)
	}
	return nil
}

// MarkBillingCycle records when an account last started a billing cycle.
func (m *AccountReadModel) MarkBillingCycle(accountID string, at time.Time) error {
	res, err := m.db.Exec(
		"UPDATE accounts SET last_billing_cycle_at = ? WHERE id = ?",
		at.Unix(), accountID,
	)
	if err != nil {
		return fmt.Errorf("mark billing cycle: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// Get returns one account row. Returns ErrAccountNotFound when absent.
func (m *AccountReadModel) Get(accountID string) (*AccountRow, error) {
	var (
		row     AccountRow
		status  string
		balance string
		cycleAt sql.NullInt64
	)
	err := m.db.QueryRow(`
		SELECT id, org_id, status, balance, last_billing_cycle_at
		FROM accounts WHERE id = ?`,
		accountID,
	).Scan(&row.ID, &row.OrgID, &status, &balance, &cycleAt)

	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account row: %w", err)
	}

	row.Status = bank.AccountStatus(status)
	row.Balance, err = decimal.NewFromString(balance)
	if err != nil {
		return nil, fmt.Errorf("parse balance for %s: %w", accountID, err)
	}
	if cycleAt.Valid {
		at := time.Unix(cycleAt.Int64, 0).UTC()
		row.LastBillingCycleAt = &at
	}
	return &row, nil
}

// Delete removes an account row. Used when a closed account is forgotten.
func (m *AccountReadModel) Delete(accountID string) error {
	_, err := m.db.Exec("DELETE FROM accounts WHERE id = ?", accountID)
	if err != nil {
		return fmt.Errorf("delete account row: %w", err)
	}
	return nil
}

// ListBillable returns ids of active accounts whose last billing cycle
// started before cutoff (or never), in id order. Page with afterID; a
// non-positive limit returns everything.
func (m *AccountReadModel) ListBillable(cutoff time.Time, afterID string, limit int) ([]string, error) {
	rows, err := m.db.Query(`
		SELECT id FROM accounts
		WHERE status = ? AND id > ?
		  AND (last_billing_cycle_at IS NULL OR last_billing_cycle_at < ?)
		ORDER BY id
		LIMIT ?`,
		string(bank.AccountActive), afterID, cutoff.Unix(), limitOrAll(limit))
	if err != nil {
		return nil, fmt.Errorf("list billable accounts: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan account id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate billable accounts: %w", err)
	}
	return ids, nil
}
