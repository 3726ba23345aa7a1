package bank

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestAutoTransferRuleValidate(t *testing.T) {
	partner := Party{AccountID: "acc-2", OrgID: "org-1", Name: "Savings"}

	tests := []struct {
		name    string
		rule    AutoTransferRule
		wantErr bool
		field   string
	}{
		{
			name: "valid zero balance",
			rule: AutoTransferRule{ID: "r1", Kind: RuleZeroBalance, Frequency: FrequencyDaily, Target: partner},
		},
		{
			name:    "zero balance without target",
			rule:    AutoTransferRule{ID: "r1", Kind: RuleZeroBalance, Frequency: FrequencyDaily},
			wantErr: true,
			field:   "target",
		},
		{
			name: "valid target balance",
			rule: AutoTransferRule{
				ID: "r2", Kind: RuleTargetBalance, Frequency: FrequencyTwiceMonthly,
				Target: partner, TargetBalance: dec("500"),
			},
		},
		{
			name: "target balance must be positive",
			rule: AutoTransferRule{
				ID: "r2", Kind: RuleTargetBalance, Frequency: FrequencyTwiceMonthly,
				Target: partner, TargetBalance: decimal.Zero,
			},
			wantErr: true,
			field:   "targetBalance",
		},
		{
			name: "valid distribution",
			rule: AutoTransferRule{
				ID: "r3", Kind: RulePercentDistribution, Frequency: FrequencyPerTransaction,
				Allocations: []PercentAllocation{
					{Recipient: partner, Percent: dec("60")},
					{Recipient: Party{AccountID: "acc-3"}, Percent: dec("40")},
				},
			},
		},
		{
			name: "distribution over 100 percent",
			rule: AutoTransferRule{
				ID: "r3", Kind: RulePercentDistribution, Frequency: FrequencyDaily,
				Allocations: []PercentAllocation{
					{Recipient: partner, Percent: dec("80")},
					{Recipient: Party{AccountID: "acc-3"}, Percent: dec("30")},
				},
			},
			wantErr: true,
			field:   "allocations",
		},
		{
			name:    "unknown frequency",
			rule:    AutoTransferRule{ID: "r4", Kind: RuleZeroBalance, Frequency: "Hourly", Target: partner},
			wantErr: true,
			field:   "frequency",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rule.Validate()
			if !tt.wantErr {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			verr, ok := AsValidation(err)
			require.True(t, ok)
			assert.Equal(t, CodeValidationFailure, verr.Code)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestZeroBalanceRuleCompute(t *testing.T) {
	rule := AutoTransferRule{
		ID:        "sweep",
		Kind:      RuleZeroBalance,
		Frequency: FrequencyDaily,
		Target:    Party{AccountID: "acc-2", OrgID: "org-1"},
	}

	out := rule.Compute(dec("123.45"))
	require.Len(t, out, 1)
	assert.Equal(t, AutoTransferOut, out[0].Direction)
	assert.True(t, out[0].Amount.Equal(dec("123.45")))
	assert.Equal(t, "acc-2", out[0].Counterparty.AccountID)

	assert.Empty(t, rule.Compute(decimal.Zero))
	assert.Empty(t, rule.Compute(dec("-5")))
}

func TestTargetBalanceRuleCompute(t *testing.T) {
	rule := AutoTransferRule{
		ID:            "pin",
		Kind:          RuleTargetBalance,
		Frequency:     FrequencyDaily,
		Target:        Party{AccountID: "partner", OrgID: "org-1"},
		TargetBalance: dec("1000"),
	}

	excess := rule.Compute(dec("1250.50"))
	require.Len(t, excess, 1)
	assert.Equal(t, AutoTransferOut, excess[0].Direction)
	assert.True(t, excess[0].Amount.Equal(dec("250.50")))

	shortfall := rule.Compute(dec("400"))
	require.Len(t, shortfall, 1)
	assert.Equal(t, AutoTransferIn, shortfall[0].Direction)
	assert.True(t, shortfall[0].Amount.Equal(dec("600")))
	assert.Equal(t, "partner", shortfall[0].Counterparty.AccountID)

	assert.Empty(t, rule.Compute(dec("1000")))
}

func TestPercentDistributionRuleCompute(t *testing.T) {
	rule := AutoTransferRule{
		ID:        "split",
		Kind:      RulePercentDistribution,
		Frequency: FrequencyTwiceMonthly,
		Allocations: []PercentAllocation{
			{Recipient: Party{AccountID: "payroll"}, Percent: dec("60")},
			{Recipient: Party{AccountID: "tax"}, Percent: dec("25")},
		},
	}

	out := rule.Compute(dec("1000"))
	require.Len(t, out, 2)
	assert.Equal(t, "payroll", out[0].Counterparty.AccountID)
	assert.True(t, out[0].Amount.Equal(dec("600")))
	assert.Equal(t, "tax", out[1].Counterparty.AccountID)
	assert.True(t, out[1].Amount.Equal(dec("250")))

	// Rounding never distributes more than the balance.
	tiny := rule.Compute(dec("0.01"))
	total := decimal.Zero
	for _, tr := range tiny {
		total = total.Add(tr.Amount)
	}
	assert.True(t, total.LessThanOrEqual(dec("0.01")))

	assert.Empty(t, rule.Compute(decimal.Zero))
}
