package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/plaenen/bankengine/pkg/bank"
)

// Statement is one monthly billing statement row. FeeApplied is unset when
// the maintenance fee was skipped; FeeSkipReason then says why.
type Statement struct {
	AccountID      string
	OrgID          string
	Period         bank.BillingPeriod
	OpeningBalance decimal.Decimal
	ClosingBalance decimal.Decimal
	FeeApplied     decimal.NullDecimal
	FeeSkipReason  string
	CreatedAt      time.Time
}

// StatementStore persists billing statements, append-only with one row per
// account and period.
type StatementStore struct {
	db *sql.DB
}

// NewStatementStore creates a statement store. Runs the read-side
// migrations unless disabled, sharing the tracking table with the account
// read model so either store can migrate first.
func NewStatementStore(db *sql.DB, opts ...ReadModelOption) (*StatementStore, error) {
	config := readModelConfig{autoMigrate: true}
	for _, opt := range opts {
		opt(&config)
	}
	if config.autoMigrate {
		if err := runReadModelMigrations(db); err != nil {
			return nil, err
		}
	}
	return &StatementStore{db: db}, nil
}

// Append writes one statement. Rewrites of the same account and period are
// ignored, so a redelivered billing cycle cannot duplicate rows.
func (s *StatementStore) Append(stmt Statement) error {
	var fee any
	if stmt.FeeApplied.Valid {
		fee = stmt.FeeApplied.Decimal.String()
	}
	var skipReason any
	if stmt.FeeSkipReason != "" {
		skipReason = stmt.FeeSkipReason
	}

	_, err := s.db.Exec(`
		INSERT INTO statements (account_id, org_id, period, opening_balance, closing_balance, fee_applied, fee_skip_reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (account_id, period) DO NOTHING`,
		stmt.AccountID, stmt.OrgID, stmt.Period.Key(),
		stmt.OpeningBalance.String(), stmt.ClosingBalance.String(),
		fee, skipReason, stmt.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("append statement: %w", err)
	}
	return nil
}

// ListByAccount returns an account's statements, newest period first.
func (s *StatementStore) ListByAccount(accountID string) ([]Statement, error) {
	rows, err := s.db.Query(`
		SELECT account_id, org_id, period, opening_balance, closing_balance, fee_applied, fee_skip_reason, created_at
		FROM statements
		WHERE account_id = ?
		ORDER BY period DESC`,
		accountID)
	if err != nil {
		return nil, fmt.Errorf("list statements: %w", err)
	}
	defer rows.Close()

	var stmts []Statement
	for rows.Next() {
		stmt, err := scanStatement(rows)
		if err != nil {
			return nil, err
		}
		stmts = append(stmts, stmt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate statements: %w", err)
	}
	return stmts, nil
}

func scanStatement(rows *sql.Rows) (Statement, error) {
	var (
		stmt       Statement
		period     string
		opening    string
		closing    string
		fee        sql.NullString
		skipReason sql.NullString
		createdAt  int64
	)
	if err := rows.Scan(
		&stmt.AccountID, &stmt.OrgID, &period, &opening, &closing, &fee, &skipReason, &createdAt,
	); err != nil {
		return Statement{}, fmt.Errorf("scan statement: %w", err)
	}

	if _, err := fmt.Sscanf(period, "%d-%d", &stmt.Period.Year, &stmt.Period.Month); err != nil {
		return Statement{}, fmt.Errorf("parse period %q: %w", period, err)
	}
	var err error
	if stmt.OpeningBalance, err = decimal.NewFromString(opening); err != nil {
		return Statement{}, fmt.Errorf("parse opening balance: %w", err)
	}
	if stmt.ClosingBalance, err = decimal.NewFromString(closing); err != nil {
		return Statement{}, fmt.Errorf("parse closing balance: %w", err)
	}
	if fee.Valid {
		d, err := decimal.NewFromString(fee.String)
		if err != nil {
			return Statement{}, fmt.Errorf("parse fee: %w", err)
		}
		stmt.FeeApplied = decimal.NewNullDecimal(d)
	}
	stmt.FeeSkipReason = skipReason.String
	stmt.CreatedAt = time.Unix(createdAt, 0).UTC()
	return stmt, nil
}
