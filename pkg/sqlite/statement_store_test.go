package sqlite_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plaenen/bankengine/pkg/bank"
	"github.com/plaenen/bankengine/pkg/sqlite"
)

func openStatements(t *testing.T) *sqlite.StatementStore {
	t.Helper()
	store := openStore(t)
	statements, err := sqlite.NewStatementStore(store.DB())
	require.NoError(t, err)
	return statements
}

func TestStatementRoundTrip(t *testing.T) {
	statements := openStatements(t)

	require.NoError(t, statements.Append(sqlite.Statement{
		AccountID:      "acc-1",
		OrgID:          "org-1",
		Period:         bank.BillingPeriod{Month: 2, Year: 2025},
		OpeningBalance: decimal.RequireFromString("1000"),
		ClosingBalance: decimal.RequireFromString("812.50"),
		FeeApplied:     decimal.NewNullDecimal(decimal.RequireFromString("12.50")),
		CreatedAt:      testStamp,
	}))

	stmts, err := statements.ListByAccount("acc-1")
	require.NoError(t, err)
	require.Len(t, stmts, 1)

	got := stmts[0]
	assert.Equal(t, "acc-1", got.AccountID)
	assert.Equal(t, "org-1", got.OrgID)
	assert.Equal(t, bank.BillingPeriod{Month: 2, Year: 2025}, got.Period)
	assert.True(t, got.OpeningBalance.Equal(decimal.RequireFromString("1000")))
	assert.True(t, got.ClosingBalance.Equal(decimal.RequireFromString("812.50")))
	require.True(t, got.FeeApplied.Valid)
	assert.True(t, got.FeeApplied.Decimal.Equal(decimal.RequireFromString("12.50")))
	assert.Empty(t, got.FeeSkipReason)
	assert.True(t, got.CreatedAt.Equal(testStamp))
}

func TestStatementWithSkippedFee(t *testing.T) {
	statements := openStatements(t)

	require.NoError(t, statements.Append(sqlite.Statement{
		AccountID:      "acc-1",
		OrgID:          "org-1",
		Period:         bank.BillingPeriod{Month: 2, Year: 2025},
		OpeningBalance: decimal.RequireFromString("5000"),
		ClosingBalance: decimal.RequireFromString("5000"),
		FeeSkipReason:  "BalanceHeld",
		CreatedAt:      testStamp,
	}))

	stmts, err := statements.ListByAccount("acc-1")
	require.NoError(t, err)
	require.Len(t, stmts, 1)
	assert.False(t, stmts[0].FeeApplied.Valid)
	assert.Equal(t, "BalanceHeld", stmts[0].FeeSkipReason)
}

func TestStatementsListNewestFirst(t *testing.T) {
	statements := openStatements(t)

	for _, period := range []bank.BillingPeriod{
		{Month: 11, Year: 2024},
		{Month: 1, Year: 2025},
		{Month: 12, Year: 2024},
	} {
		require.NoError(t, statements.Append(sqlite.Statement{
			AccountID:      "acc-1",
			OrgID:          "org-1",
			Period:         period,
			OpeningBalance: decimal.Zero,
			ClosingBalance: decimal.Zero,
			CreatedAt:      testStamp,
		}))
	}

	stmts, err := statements.ListByAccount("acc-1")
	require.NoError(t, err)
	require.Len(t, stmts, 3)
	assert.Equal(t, bank.BillingPeriod{Month: 1, Year: 2025}, stmts[0].Period)
	assert.Equal(t, bank.BillingPeriod{Month: 12, Year: 2024}, stmts[1].Period)
	assert.Equal(t, bank.BillingPeriod{Month: 11, Year: 2024}, stmts[2].Period)
}

func TestStatementAppendIsIdempotent(t *testing.T) {
	statements := openStatements(t)

	stmt := sqlite.Statement{
		AccountID:      "acc-1",
		OrgID:          "org-1",
		Period:         bank.BillingPeriod{Month: 2, Year: 2025},
		OpeningBalance: decimal.RequireFromString("1000"),
		ClosingBalance: decimal.RequireFromString("900"),
		CreatedAt:      testStamp,
	}
	require.NoError(t, statements.Append(stmt))

	// A redelivered billing cycle must not rewrite the statement.
	replay := stmt
	replay.ClosingBalance = decimal.RequireFromString("0")
	require.NoError(t, statements.Append(replay))

	stmts, err := statements.ListByAccount("acc-1")
	require.NoError(t, err)
	require.Len(t, stmts, 1)
	assert.True(t, stmts[0].ClosingBalance.Equal(decimal.RequireFromString("900")))
}

func TestStatementsScopedToAccount(t *testing.T) {
	statements := openStatements(t)

	require.NoError(t, statements.Append(sqlite.Statement{
		AccountID: "acc-1", OrgID: "org-1",
		Period:         bank.BillingPeriod{Month: 2, Year: 2025},
		OpeningBalance: decimal.Zero, ClosingBalance: decimal.Zero,
		CreatedAt: testStamp,
	}))

	stmts, err := statements.ListByAccount("acc-2")
	require.NoError(t, err)
	assert.Empty(t, stmts)
}
